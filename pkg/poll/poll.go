// Package poll repeats a check at a fixed interval until it reports
// completion, fails, or a deadline elapses.
package poll

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tqbf/deploysync/pkg/deployerr"
)

type Options struct {
	Interval time.Duration
	// Timeout bounds the whole loop; zero means no deadline.
	Timeout time.Duration
	// Clock defaults to the real clock. With the real clock, in-flight
	// checks are also canceled when Timeout elapses.
	Clock clockwork.Clock

	// Op and ID label the Timeout error.
	Op string
	ID string
}

// Check inspects remote state once. done reports whether the predicate
// holds; an error stops polling immediately.
type Check[T any] func(ctx context.Context) (v T, done bool, err error)

// Until calls check right away and then once per interval until it
// reports done. It returns a deployerr Timeout error when opts.Timeout
// elapses first.
func Until[T any](ctx context.Context, opts Options, check Check[T]) (T, error) {
	var zero T
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
		if opts.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
			defer cancel()
		}
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Second
	}
	start := clock.Now()

	timedOut := func() error {
		return deployerr.Timeout(opts.Op, opts.ID, clock.Since(start))
	}

	for {
		v, done, err := check(ctx)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return zero, timedOut()
			}
			return zero, err
		}
		if done {
			return v, nil
		}

		wait := interval
		if opts.Timeout > 0 {
			remaining := opts.Timeout - clock.Since(start)
			if remaining <= 0 {
				return zero, timedOut()
			}
			wait = min(wait, remaining)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return zero, timedOut()
			}
			return zero, deployerr.FromContext(opts.Op, ctx.Err())
		case <-clock.After(wait):
		}
	}
}
