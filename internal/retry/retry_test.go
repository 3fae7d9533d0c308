package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type waitErr struct{ d time.Duration }

func (e waitErr) Error() string { return "slow down" }

func (e waitErr) RetryAfter() time.Duration { return e.d }

func noSleep(delays *[]time.Duration) Option {
	return WithSleep(func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	})
}

func TestBackoff_NonDecreasing(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, Jitter: 1}
	for run := 0; run < 50; run++ {
		b := p.NewBackoff()
		prev := time.Duration(0)
		for attempt := 1; attempt <= 10; attempt++ {
			d := b.Next(attempt, 0)
			assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
			assert.LessOrEqual(t, d, 2*time.Second)
			prev = d
		}
	}
}

func TestBackoff_HintRaisesNeverLowers(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 4 * time.Second}
	b := p.NewBackoff()

	assert.Equal(t, time.Second, b.Next(1, 0))
	assert.Equal(t, 10*time.Second, b.Next(2, 10*time.Second))
	// Smaller computed delay after a large hint must not go back down.
	assert.Equal(t, 10*time.Second, b.Next(3, 0))
}

func TestBackoff_Exponential(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	b := p.NewBackoff()
	got := []time.Duration{b.Next(1, 0), b.Next(2, 0), b.Next(3, 0), b.Next(4, 0), b.Next(5, 0)}
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second}, got)
}

func TestDo_SucceedsAfterRetry(t *testing.T) {
	var delays []time.Duration
	calls := 0
	n, err := Do(context.Background(), Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second},
		func(ctx context.Context, attempt int) error {
			calls++
			if attempt == 1 {
				return errors.New("transient")
			}
			return nil
		}, noSleep(&delays))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, calls)
	assert.Len(t, delays, 1)
}

func TestDo_PermanentShortCircuits(t *testing.T) {
	var delays []time.Duration
	boom := errors.New("blocked")
	n, err := Do(context.Background(), DefaultPolicy(), func(ctx context.Context, attempt int) error {
		return Permanent(boom)
	}, noSleep(&delays))
	assert.ErrorIs(t, err, boom)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, n)
	assert.Empty(t, delays)
}

func TestDo_ClassifierShortCircuits(t *testing.T) {
	var delays []time.Duration
	bad := errors.New("bad target")
	n, err := Do(context.Background(), DefaultPolicy(), func(ctx context.Context, attempt int) error {
		return bad
	}, noSleep(&delays), WithClassifier(func(err error) bool { return errors.Is(err, bad) }))
	assert.ErrorIs(t, err, bad)
	assert.Equal(t, 1, n)
	assert.Empty(t, delays)
}

func TestDo_ExhaustsAttemptsWithMonotonicDelays(t *testing.T) {
	var delays []time.Duration
	n, err := Do(context.Background(), Policy{MaxAttempts: 4, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.5},
		func(ctx context.Context, attempt int) error {
			if attempt == 2 {
				return waitErr{d: 300 * time.Millisecond}
			}
			return errors.New("again")
		}, noSleep(&delays))
	assert.Error(t, err)
	assert.Equal(t, 4, n)
	require.Len(t, delays, 3)
	assert.GreaterOrEqual(t, delays[1], 300*time.Millisecond)
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1])
	}
}

func TestDo_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	n, err := Do(ctx, Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}, func(ctx context.Context, attempt int) error {
		cancel()
		return errors.New("fail")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, n)
}
