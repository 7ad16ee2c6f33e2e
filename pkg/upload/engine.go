// Package upload sends the blobs a deploy is missing, one
// representative file per digest, under a hard concurrency cap.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"

	"github.com/tqbf/deploysync/pkg/deployapi"
	"github.com/tqbf/deploysync/pkg/deployerr"
	"github.com/tqbf/deploysync/pkg/manifest"
	"github.com/tqbf/deploysync/pkg/metrics"
	"github.com/tqbf/deploysync/pkg/progress"
	"github.com/tqbf/deploysync/pkg/retry"
)

const (
	DefaultConcurrency   = 10
	DefaultProgressEvery = 1 << 20
)

// ErrAttemptTimeout marks a single upload attempt that outlived
// Options.AttemptTimeout. It is always retried.
var ErrAttemptTimeout = errors.New("upload attempt timed out")

// Task is one digest to send and the file whose bytes satisfy it.
type Task struct {
	Digest string
	File   *manifest.HashedFile
}

type Result struct {
	Digest   string
	Path     string
	Bytes    int64
	Attempts int
	Elapsed  time.Duration
}

type Options struct {
	DeployID    string
	Concurrency int
	Policy      retry.Policy
	// RetryClientErrors also retries 4xx responses other than 408, 425
	// and 429.
	RetryClientErrors bool
	// ProgressEvery is the byte interval between progress events.
	ProgressEvery int64
	// AttemptTimeout bounds each PUT, including the body stream. Zero
	// means no bound.
	AttemptTimeout time.Duration

	Clock   clockwork.Clock
	Sink    progress.Sink
	Metrics metrics.Recorder
	Logger  *slog.Logger
}

// Plan picks a representative for every required digest. Duplicates in
// required are collapsed; a digest missing from idx means the server
// asked for content this run never hashed.
func Plan(deployID string, required []string, idx manifest.ShaIndex) ([]Task, error) {
	seen := make(map[string]struct{}, len(required))
	tasks := make([]Task, 0, len(required))
	for _, d := range required {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		rep, ok := idx.Representative(d)
		if !ok {
			return nil, deployerr.Remote("upload", deployID,
				fmt.Sprintf("server requested unknown digest %s", d))
		}
		tasks = append(tasks, Task{Digest: d, File: rep})
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].File.NormalizedPath < tasks[j].File.NormalizedPath
	})
	return tasks, nil
}

// Upload sends every required digest. The first terminal failure
// cancels the phase: no new uploads start and pending retries stop.
// Requests already on the wire are allowed to finish but their results
// are discarded.
func Upload(
	ctx context.Context,
	api deployapi.API,
	required []string,
	idx manifest.ShaIndex,
	opts Options,
) ([]Result, error) {
	tasks, err := Plan(opts.DeployID, required, idx)
	if err != nil {
		return nil, err
	}
	e := newEngine(api, opts)
	return e.run(ctx, tasks)
}

type engine struct {
	api  deployapi.API
	opts Options
	rec  metrics.Recorder
	log  *slog.Logger
}

func newEngine(api deployapi.API, opts Options) *engine {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy = retry.DefaultPolicy()
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = DefaultProgressEvery
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &engine{
		api:  api,
		opts: opts,
		rec:  metrics.OrNoop(opts.Metrics),
		log:  log.With("deploy_id", opts.DeployID),
	}
}

func (e *engine) run(ctx context.Context, tasks []Task) ([]Result, error) {
	start := e.opts.Clock.Now()
	progress.Emit(e.opts.Sink, progress.TypeUpload, progress.PhaseStart,
		fmt.Sprintf("Uploading %d files", len(tasks)),
	)

	phaseCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sem := semaphore.NewWeighted(int64(e.opts.Concurrency))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		results  = make([]Result, 0, len(tasks))
		firstErr error
	)
	fail := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
	}

	for _, task := range tasks {
		if err := sem.Acquire(phaseCtx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			res, err := e.uploadOne(ctx, phaseCtx, task)
			if err != nil {
				fail(err)
				return
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}()
	}
	wg.Wait()

	err := firstErr
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		err = deployerr.FromContext("upload", err)
		progress.Emit(e.opts.Sink, progress.TypeUpload,
			progress.PhaseError, err.Error(),
		)
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Path < results[j].Path
	})
	e.rec.ObservePhaseDuration(progress.TypeUpload, e.opts.Clock.Since(start))
	progress.Emit(e.opts.Sink, progress.TypeUpload, progress.PhaseStop,
		fmt.Sprintf("Finished uploading %d files", len(results)),
	)
	return results, nil
}

// uploadOne retries a single digest. HTTP requests run under reqCtx so
// an in-flight attempt is not torn down when a sibling fails; retry
// sleeps and new attempts are gated on phaseCtx.
func (e *engine) uploadOne(
	reqCtx, phaseCtx context.Context,
	task Task,
) (Result, error) {
	f := task.File
	start := e.opts.Clock.Now()
	progress.Send(e.opts.Sink, progress.Event{
		Type:    progress.TypeUpload,
		Phase:   progress.PhaseStart,
		Message: "Uploading " + f.NormalizedPath,
		Path:    f.NormalizedPath,
		Digest:  task.Digest,
		Total:   f.Size,
	})

	attempts := 0
	err := retry.Do(phaseCtx, e.opts.Policy,
		func(_ context.Context, attempt int) error {
			attempts = attempt
			return e.attempt(reqCtx, task)
		},
		retry.WithClock(e.opts.Clock),
		retry.WithRetryable(func(err error) bool {
			return errors.Is(err, ErrAttemptTimeout) ||
				deployapi.Retryable(err, e.opts.RetryClientErrors)
		}),
		retry.OnRetry(func(attempt int, delay time.Duration, err error) {
			e.rec.IncUploadAttempt(metrics.AttemptRetry)
			e.log.Warn("upload failed, retrying",
				"path", f.NormalizedPath,
				"digest", task.Digest,
				"attempt", attempt,
				"delay", delay,
				"error", err,
			)
		}),
	)
	if err != nil {
		err = e.classify(task, attempts, err)
		if phaseCtx.Err() == nil || !errors.Is(err, context.Canceled) {
			e.rec.IncUploadAttempt(metrics.AttemptFailed)
			progress.Send(e.opts.Sink, progress.Event{
				Type:    progress.TypeUpload,
				Phase:   progress.PhaseError,
				Message: err.Error(),
				Path:    f.NormalizedPath,
				Digest:  task.Digest,
			})
		}
		return Result{}, err
	}

	e.rec.IncUploadAttempt(metrics.AttemptSuccess)
	e.rec.ObserveUploadBytes(f.Size)
	progress.Send(e.opts.Sink, progress.Event{
		Type:    progress.TypeUpload,
		Phase:   progress.PhaseStop,
		Message: "Uploaded " + f.NormalizedPath,
		Path:    f.NormalizedPath,
		Digest:  task.Digest,
		Bytes:   f.Size,
		Total:   f.Size,
	})
	return Result{
		Digest:   task.Digest,
		Path:     f.NormalizedPath,
		Bytes:    f.Size,
		Attempts: attempts,
		Elapsed:  e.opts.Clock.Since(start),
	}, nil
}

// attempt reopens the representative so every try streams from the
// first byte.
func (e *engine) attempt(ctx context.Context, task Task) error {
	f := task.File
	r, err := f.Open()
	if err != nil {
		return deployerr.Input("upload", f.AbsolutePath, err)
	}
	defer r.Close()

	body := &progressReader{
		r:      r,
		every:  e.opts.ProgressEvery,
		total:  f.Size,
		report: e.reportProgress(task),
	}
	if e.opts.AttemptTimeout <= 0 {
		return e.api.UploadBlob(ctx, e.opts.DeployID, task.Digest, f.Size, body)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, e.opts.AttemptTimeout)
	defer cancel()
	err = e.api.UploadBlob(attemptCtx, e.opts.DeployID, task.Digest, f.Size, body)
	if err != nil && ctx.Err() == nil &&
		errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		// The cause is not wrapped: a bare deadline would read as
		// cancellation of the whole deploy.
		return fmt.Errorf("%w after %s: %v",
			ErrAttemptTimeout, e.opts.AttemptTimeout, err)
	}
	return err
}

func (e *engine) reportProgress(task Task) func(n int64) {
	return func(n int64) {
		progress.Send(e.opts.Sink, progress.Event{
			Type:    progress.TypeUpload,
			Phase:   progress.PhaseProgress,
			Message: "Uploading " + task.File.NormalizedPath,
			Path:    task.File.NormalizedPath,
			Digest:  task.Digest,
			Bytes:   n,
			Total:   task.File.Size,
		})
	}
}

func (e *engine) classify(task Task, attempts int, err error) error {
	var classified *deployerr.Error
	if errors.As(err, &classified) {
		return err
	}
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var ex *retry.ExhaustedError
	if errors.As(err, &ex) {
		attempts, err = ex.Attempts, ex.Err
	}
	return deployerr.Upload(
		task.Digest, task.File.NormalizedPath, attempts, err,
	)
}
