// Package retry runs an operation until it succeeds, fails permanently,
// or exhausts a bounded number of attempts, sleeping a backoff delay
// between attempts.
package retry

import (
	"fmt"
	"time"
)

type Mode string

const (
	ModeFixed       Mode = "fixed"
	ModeLinear      Mode = "linear"
	ModeExponential Mode = "exponential"
	ModeFibonacci   Mode = "fibonacci"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeFixed, ModeLinear, ModeExponential, ModeFibonacci:
		return m, nil
	case "":
		return ModeFibonacci, nil
	}
	return "", fmt.Errorf("unknown backoff mode %q", s)
}

// Policy describes backoff between attempts. It is immutable after
// construction.
type Policy struct {
	Mode    Mode
	Initial time.Duration // base delay
	Max     time.Duration // cap on any single delay, jitter included
	// MaxAttempts counts every call, the first one included.
	MaxAttempts int
	// Jitter adds up to Jitter*delay of random extra wait per retry.
	Jitter float64
}

// DefaultPolicy is the upload retry policy: Fibonacci steps of 5s,
// capped at 90s, five attempts.
func DefaultPolicy() Policy {
	return Policy{
		Mode:        ModeFibonacci,
		Initial:     5 * time.Second,
		Max:         90 * time.Second,
		MaxAttempts: 5,
		Jitter:      0.5,
	}
}

// NewPolicy builds a policy from raw config fields. Zero values fall
// back to DefaultPolicy, except jitter where only a negative value does.
func NewPolicy(
	mode Mode,
	initial, maxDelay time.Duration,
	maxAttempts int,
	jitter float64,
) Policy {
	p := DefaultPolicy()
	if mode != "" {
		p.Mode = mode
	}
	if initial > 0 {
		p.Initial = initial
	}
	if maxDelay > 0 {
		p.Max = maxDelay
	}
	if maxAttempts > 0 {
		p.MaxAttempts = maxAttempts
	}
	if jitter >= 0 {
		p.Jitter = jitter
	}
	if p.Initial > p.Max {
		p.Initial = p.Max
	}
	return p
}

// Delay returns the un-jittered wait before retry n (first retry => 1).
func (p Policy) Delay(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	var steps int64
	switch p.Mode {
	case ModeFixed:
		steps = 1
	case ModeLinear:
		steps = int64(n)
	case ModeExponential:
		if n > 40 {
			return p.Max
		}
		steps = 1 << (n - 1)
	default:
		steps = fib(n)
	}
	if p.Initial <= 0 || steps > int64(p.Max/p.Initial) {
		return p.Max
	}
	return time.Duration(steps) * p.Initial
}

// fib returns 1, 1, 2, 3, 5, ... saturating well before overflow.
func fib(n int) int64 {
	a, b := int64(1), int64(1)
	for i := 1; i < n; i++ {
		a, b = b, a+b
		if a > 1<<40 {
			return a
		}
	}
	return a
}

// jittered applies p.Jitter to d using r in [0,1).
func (p Policy) jittered(d time.Duration, r float64) time.Duration {
	if p.Jitter <= 0 {
		return d
	}
	d += time.Duration(float64(d) * p.Jitter * r)
	if d > p.Max {
		return p.Max
	}
	return d
}

func (p Policy) Validate() error {
	switch p.Mode {
	case ModeFixed, ModeLinear, ModeExponential, ModeFibonacci:
	default:
		return fmt.Errorf("unknown backoff mode %q", p.Mode)
	}
	if p.Initial <= 0 {
		return fmt.Errorf("initial delay must be >0")
	}
	if p.Max <= 0 {
		return fmt.Errorf("max delay must be >0")
	}
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be >0")
	}
	if p.Jitter < 0 {
		return fmt.Errorf("jitter cannot be negative")
	}
	return nil
}
