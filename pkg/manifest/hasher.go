package manifest

import (
	"context"
	"fmt"
	"io"
	"iter"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tqbf/deploysync/pkg/deployerr"
	"github.com/tqbf/deploysync/pkg/metrics"
	"github.com/tqbf/deploysync/pkg/progress"
	"github.com/tqbf/deploysync/pkg/walk"
)

const DefaultConcurrency = 100

type HashOptions struct {
	Concurrency int
	Algorithm   Algorithm
	Sink        progress.Sink
	Metrics     metrics.Recorder
}

type Result struct {
	Manifest Manifest
	Index    ShaIndex
	Bytes    int64
	Elapsed  time.Duration
}

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 1<<20)
		return &b
	},
}

// Hash digests every file produced by files with at most
// opts.Concurrency files open at once. Any failure, including one from
// the walk itself, fails the whole phase: a partial manifest is never
// returned.
func Hash(
	ctx context.Context,
	files iter.Seq2[*walk.FileDescriptor, error],
	opts HashOptions,
) (*Result, error) {
	start := time.Now()
	workers := opts.Concurrency
	if workers <= 0 {
		workers = DefaultConcurrency
	}
	alg := opts.Algorithm
	if alg == "" {
		alg = DefaultAlgorithm
	}
	rec := metrics.OrNoop(opts.Metrics)

	progress.Emit(opts.Sink, progress.TypeHashing,
		progress.PhaseStart, "Hashing files",
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var mu sync.Mutex
	b := NewBuilder()

	var walkErr error
	for fd, err := range files {
		if err != nil {
			walkErr = err
			break
		}
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			hf, err := hashFile(gctx, fd, alg)
			if err != nil {
				return err
			}
			rec.ObserveFileHashed(fd.Size)
			mu.Lock()
			defer mu.Unlock()
			return b.Add(hf)
		})
	}

	err := g.Wait()
	if err == nil {
		err = walkErr
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		err = deployerr.FromContext("hashing", err)
		progress.Emit(opts.Sink, progress.TypeHashing,
			progress.PhaseError, err.Error(),
		)
		return nil, err
	}

	m, idx := b.Build()
	elapsed := time.Since(start)
	rec.ObservePhaseDuration(progress.TypeHashing, elapsed)
	progress.Emit(opts.Sink, progress.TypeHashing, progress.PhaseStop,
		fmt.Sprintf("Finished hashing %d files", len(m)),
	)
	return &Result{
		Manifest: m,
		Index:    idx,
		Bytes:    b.Bytes(),
		Elapsed:  elapsed,
	}, nil
}

func hashFile(
	ctx context.Context,
	fd *walk.FileDescriptor,
	alg Algorithm,
) (*HashedFile, error) {
	f, err := fd.Open()
	if err != nil {
		return nil, deployerr.Input("hash", fd.AbsolutePath, err)
	}
	defer f.Close()

	bufp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufp)

	h := alg.New()
	if _, err := io.CopyBuffer(h, ctxReader{ctx, f}, *bufp); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, deployerr.Input("hash", fd.AbsolutePath, err)
	}
	return NewHashedFile(fd, alg.Sum(h), AssetFile)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
