package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayFibonacci(t *testing.T) {
	p := NewPolicy(ModeFibonacci, 5*time.Second, 90*time.Second, 10, 0)
	want := []time.Duration{5, 5, 10, 15, 25, 40, 65, 90, 90}
	for i, w := range want {
		assert.Equal(t, w*time.Second, p.Delay(i+1), "retry %d", i+1)
	}
	assert.Equal(t, time.Duration(0), p.Delay(0))
	assert.Equal(t, time.Duration(0), p.Delay(-1))
	assert.Equal(t, 90*time.Second, p.Delay(500))
}

func TestDelayModes(t *testing.T) {
	ms := time.Millisecond

	fixed := NewPolicy(ModeFixed, 100*ms, 500*ms, 3, 0)
	for i := 1; i <= 3; i++ {
		assert.Equal(t, 100*ms, fixed.Delay(i))
	}

	linear := NewPolicy(ModeLinear, 100*ms, 250*ms, 5, 0)
	assert.Equal(t, 100*ms, linear.Delay(1))
	assert.Equal(t, 200*ms, linear.Delay(2))
	assert.Equal(t, 250*ms, linear.Delay(3))

	exp := NewPolicy(ModeExponential, 50*ms, 160*ms, 5, 0)
	assert.Equal(t, 50*ms, exp.Delay(1))
	assert.Equal(t, 100*ms, exp.Delay(2))
	assert.Equal(t, 160*ms, exp.Delay(3))
	assert.Equal(t, 160*ms, exp.Delay(64))
}

func TestJitterBoundedByMax(t *testing.T) {
	p := NewPolicy(ModeFibonacci, 10*time.Second, 20*time.Second, 5, 0.5)
	assert.Equal(t, 10*time.Second, p.jittered(10*time.Second, 0))
	assert.Equal(t, 12500*time.Millisecond, p.jittered(10*time.Second, 0.5))
	assert.Equal(t, 20*time.Second, p.jittered(18*time.Second, 0.9))
}

func TestNewPolicyDefaultsAndClamp(t *testing.T) {
	p := NewPolicy("", 0, 0, 0, -1)
	assert.Equal(t, DefaultPolicy(), p)

	p = NewPolicy(ModeFixed, 5*time.Second, 2*time.Second, 3, 0)
	assert.Equal(t, 2*time.Second, p.Initial)
	assert.Equal(t, 0.0, p.Jitter)
	assert.NoError(t, p.Validate())
}

func TestValidate(t *testing.T) {
	good := DefaultPolicy()
	require.NoError(t, good.Validate())

	for name, mutate := range map[string]func(*Policy){
		"mode":     func(p *Policy) { p.Mode = "weird" },
		"initial":  func(p *Policy) { p.Initial = 0 },
		"max":      func(p *Policy) { p.Max = 0 },
		"attempts": func(p *Policy) { p.MaxAttempts = 0 },
		"jitter":   func(p *Policy) { p.Jitter = -0.1 },
	} {
		p := good
		mutate(&p)
		assert.Error(t, p.Validate(), name)
	}

	_, err := ParseMode("sideways")
	assert.Error(t, err)
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeFibonacci, m)
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	p := NewPolicy(ModeFibonacci, 5*time.Second, 90*time.Second, 5, 0.5)

	calls := 0
	var delays []time.Duration
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, p, func(context.Context, int) error {
			calls++
			if calls < 3 {
				return errors.New("503")
			}
			return nil
		},
			WithClock(clock),
			WithRand(func() float64 { return 0 }),
			OnRetry(func(_ int, d time.Duration, _ error) {
				delays = append(delays, d)
			}),
		)
	}()

	for range 2 {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(time.Minute)
	}

	require.NoError(t, <-done)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, delays)
}

func TestDoExhausted(t *testing.T) {
	boom := errors.New("boom")
	p := NewPolicy(ModeFixed, time.Millisecond, time.Millisecond, 3, 0)

	var seen []int
	err := Do(context.Background(), p, func(_ context.Context, attempt int) error {
		seen = append(seen, attempt)
		return boom
	})

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 3, ex.Attempts)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestDoPermanentErrorSkipsBudget(t *testing.T) {
	perm := errors.New("bad request")
	p := NewPolicy(ModeFixed, time.Millisecond, time.Millisecond, 5, 0)

	calls := 0
	err := Do(context.Background(), p, func(context.Context, int) error {
		calls++
		return perm
	}, WithRetryable(func(err error) bool { return !errors.Is(err, perm) }))

	assert.Equal(t, perm, err)
	assert.Equal(t, 1, calls)
}

func TestDoCanceledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := clockwork.NewFakeClock()
	p := NewPolicy(ModeFixed, time.Hour, time.Hour, 5, 0)

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, p, func(context.Context, int) error {
			calls++
			return errors.New("flaky")
		}, WithClock(clock))
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
	assert.Equal(t, 1, calls)
}
