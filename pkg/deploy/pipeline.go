// Package deploy runs the full synchronization pipeline: walk the
// local tree, hash it, negotiate the missing content with the hosting
// service, upload it, and wait for the deploy to go live.
package deploy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tqbf/deploysync/pkg/deployapi"
	"github.com/tqbf/deploysync/pkg/deployerr"
	"github.com/tqbf/deploysync/pkg/manifest"
	"github.com/tqbf/deploysync/pkg/metrics"
	"github.com/tqbf/deploysync/pkg/paths"
	"github.com/tqbf/deploysync/pkg/progress"
	"github.com/tqbf/deploysync/pkg/retry"
	"github.com/tqbf/deploysync/pkg/upload"
	"github.com/tqbf/deploysync/pkg/walk"
)

type Options struct {
	Site  string
	Roots []walk.Root
	// Filter defaults to paths.DefaultFilter.
	Filter paths.Filter

	HashConcurrency   int
	UploadConcurrency int
	Algorithm         manifest.Algorithm
	Policy            retry.Policy
	RetryClientErrors bool
	// UploadAttemptTimeout bounds each blob PUT. A timed-out attempt is
	// retried under Policy.
	UploadAttemptTimeout time.Duration
	SyncLimit            int
	PollInterval         time.Duration
	// Timeout bounds each wait on the service: the background diff and
	// the final wait for the deploy to go live.
	Timeout  time.Duration
	Metadata Metadata

	Clock   clockwork.Clock
	Sink    progress.Sink
	Metrics metrics.Recorder
	Logger  *slog.Logger
}

type Report struct {
	Deploy   *deployapi.Deploy
	Files    int
	Bytes    int64
	Required int
	Uploaded []upload.Result
	Elapsed  time.Duration
}

// Run deploys the files under opts.Roots. Every failure is a
// *deployerr.Error so callers can tell input problems from remote
// errors and timeouts.
func Run(
	ctx context.Context,
	api deployapi.API,
	opts Options,
) (*Report, error) {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	rec := metrics.OrNoop(opts.Metrics)
	start := clock.Now()

	report, err := run(ctx, api, opts, clock, log, rec)
	rec.IncDeployOutcome(outcome(err))
	if err != nil {
		return report, err
	}
	report.Elapsed = clock.Since(start)
	log.Info("deploy live",
		"deploy_id", report.Deploy.ID,
		"url", report.Deploy.DeployURL,
		"files", report.Files,
		"uploaded", len(report.Uploaded),
		"elapsed", report.Elapsed,
	)
	return report, nil
}

func run(
	ctx context.Context,
	api deployapi.API,
	opts Options,
	clock clockwork.Clock,
	log *slog.Logger,
	rec metrics.Recorder,
) (*Report, error) {
	if len(opts.Roots) == 0 {
		return nil, deployerr.Input("walk", "",
			errors.New("no directories to deploy"))
	}
	report := &Report{}

	walker := &walk.Walker{Filter: opts.Filter, Logger: log}
	hashed, err := manifest.Hash(ctx, walker.Walk(opts.Roots...),
		manifest.HashOptions{
			Concurrency: opts.HashConcurrency,
			Algorithm:   opts.Algorithm,
			Sink:        opts.Sink,
			Metrics:     rec,
		})
	if err != nil {
		return nil, err
	}
	report.Files = len(hashed.Manifest)
	report.Bytes = hashed.Bytes
	log.Info("hashed files",
		"files", report.Files,
		"digests", len(hashed.Index),
		"bytes", report.Bytes,
		"elapsed", hashed.Elapsed,
	)

	po := PollOptions{
		Site:              opts.Site,
		Interval:          opts.PollInterval,
		Timeout:           opts.Timeout,
		Policy:            opts.Policy,
		RetryClientErrors: opts.RetryClientErrors,
		Clock:             opts.Clock,
		Sink:              opts.Sink,
		Logger:            log,
	}

	negStart := clock.Now()
	d, err := Negotiate(ctx, api, hashed.Manifest, NegotiateOptions{
		PollOptions: po,
		SyncLimit:   opts.SyncLimit,
		Algorithm:   opts.Algorithm,
		Metadata:    opts.Metadata,
	})
	if err != nil {
		return report, err
	}
	rec.ObservePhaseDuration(progress.TypeWaitForDiff, clock.Since(negStart))
	report.Deploy = d
	report.Required = len(d.Required)

	report.Uploaded, err = upload.Upload(ctx, api, d.Required, hashed.Index,
		upload.Options{
			DeployID:          d.ID,
			Concurrency:       opts.UploadConcurrency,
			Policy:            opts.Policy,
			RetryClientErrors: opts.RetryClientErrors,
			AttemptTimeout:    opts.UploadAttemptTimeout,
			Clock:             opts.Clock,
			Sink:              opts.Sink,
			Metrics:           rec,
			Logger:            log,
		})
	if err != nil {
		return report, err
	}

	liveStart := clock.Now()
	live, err := AwaitLive(ctx, api, d.ID, po)
	if err != nil {
		return report, err
	}
	rec.ObservePhaseDuration(progress.TypeWaitForDeploy, clock.Since(liveStart))
	report.Deploy = live
	return report, nil
}

func outcome(err error) string {
	if err == nil {
		return metrics.OutcomeReady
	}
	switch deployerr.KindOf(err) {
	case deployerr.KindRemote:
		return metrics.OutcomeError
	case deployerr.KindTimeout:
		return metrics.OutcomeTimeout
	case deployerr.KindCanceled:
		return metrics.OutcomeCanceled
	}
	return metrics.OutcomeFailed
}
