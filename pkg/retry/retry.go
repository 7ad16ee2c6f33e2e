package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"
)

// ExhaustedError is returned when every attempt failed with a retryable
// error. Err is the last failure observed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

type config struct {
	clock     clockwork.Clock
	retryable func(error) bool
	onRetry   func(attempt int, delay time.Duration, err error)
	rand      func() float64
}

type Option func(*config)

func WithClock(c clockwork.Clock) Option {
	return func(cfg *config) { cfg.clock = c }
}

// WithRetryable decides which errors earn another attempt. By default
// every error does.
func WithRetryable(f func(error) bool) Option {
	return func(cfg *config) { cfg.retryable = f }
}

// OnRetry is called after a failed attempt, before sleeping delay.
func OnRetry(f func(attempt int, delay time.Duration, err error)) Option {
	return func(cfg *config) { cfg.onRetry = f }
}

// WithRand replaces the jitter source; f must return values in [0,1).
func WithRand(f func() float64) Option {
	return func(cfg *config) { cfg.rand = f }
}

// Do calls fn until it returns nil, returns a non-retryable error, or
// p.MaxAttempts calls have failed. attempt is 1-based. Cancellation of
// ctx stops the loop between attempts and interrupts any sleep; the
// context error is returned as-is.
func Do(
	ctx context.Context,
	p Policy,
	fn func(ctx context.Context, attempt int) error,
	opts ...Option,
) error {
	cfg := config{
		clock:     clockwork.NewRealClock(),
		retryable: func(error) bool { return true },
		rand:      rand.Float64,
	}
	for _, o := range opts {
		o(&cfg)
	}
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !cfg.retryable(err) {
			return err
		}
		if attempt >= attempts {
			return &ExhaustedError{Attempts: attempt, Err: err}
		}

		delay := p.jittered(p.Delay(attempt), cfg.rand())
		if cfg.onRetry != nil {
			cfg.onRetry(attempt, delay, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cfg.clock.After(delay):
		}
	}
}
