package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time { return f.t }

func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestBreaker(threshold int, timeout time.Duration) (*CircuitBreaker, *fakeClock) {
	cb := NewCircuitBreaker("test-dep", threshold, timeout)
	fc := newFakeClock()
	cb.now = fc.Now
	return cb, fc
}

func TestNewCircuitBreaker(t *testing.T) {
	cb := NewCircuitBreaker("agent:deepseek", 3, time.Second)
	require.NotNil(t, cb)
	assert.Equal(t, "agent:deepseek", cb.name)
	assert.Equal(t, CircuitClosed, cb.state)
	assert.Equal(t, 3, cb.baseThreshold)
	assert.Equal(t, time.Second, cb.baseTimeout)
	assert.Equal(t, 1.0, cb.backoff)
}

func TestNewCircuitBreaker_ClampsInvalidTuning(t *testing.T) {
	cb := NewCircuitBreaker("dep", 0, 0)
	assert.Equal(t, 1, cb.baseThreshold)
	assert.Equal(t, 30*time.Second, cb.baseTimeout)
}

func TestCircuitBreaker_TripAndRecover(t *testing.T) {
	cb, fc := newTestBreaker(3, time.Second)
	ctx := context.Background()
	boom := errors.New("upstream down")

	// Three consecutive failures trip the breaker.
	for i := 0; i < 3; i++ {
		err := cb.Execute(ctx, func(context.Context) error { return boom })
		require.ErrorIs(t, err, boom)
	}
	assert.Equal(t, CircuitOpen, cb.GetState())
	assert.Equal(t, 1, cb.tripCount)
	assert.Equal(t, 1.5, cb.backoff, "backoff bumps after the trip")

	// Before the reopen deadline the call is denied without running the op.
	ran := false
	err := cb.Execute(ctx, func(context.Context) error { ran = true; return nil })
	require.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.False(t, ran, "op must not run while open")

	// The first open period uses the pre-bump multiplier: one base timeout.
	fc.Advance(1100 * time.Millisecond)
	err = cb.Execute(ctx, func(context.Context) error { return nil })
	require.NoError(t, err, "half-open probe is admitted")
	assert.Equal(t, CircuitHalfOpen, cb.GetState(), "one success is not enough after a trip")

	// The probe counts toward recovery; one more success closes.
	err = cb.Execute(ctx, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, CircuitClosed, cb.GetState())
	assert.Equal(t, 1.0, cb.backoff, "recovery halves the multiplier back to the floor")
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, fc := newTestBreaker(3, time.Second)
	ctx := context.Background()
	boom := errors.New("still down")

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func(context.Context) error { return boom })
	}
	require.Equal(t, CircuitOpen, cb.GetState())

	fc.Advance(1100 * time.Millisecond)
	err := cb.Execute(ctx, func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.Equal(t, CircuitOpen, cb.GetState())
	assert.Equal(t, 2, cb.tripCount)

	// Second open period stretches by the 1.5 multiplier snapshot.
	fc.Advance(1100 * time.Millisecond)
	assert.False(t, cb.ShouldAttempt(), "1.5s open period not elapsed yet")
	fc.Advance(500 * time.Millisecond)
	assert.True(t, cb.ShouldAttempt())
}

func TestCircuitBreaker_BackoffIsBounded(t *testing.T) {
	cb, fc := newTestBreaker(1, time.Millisecond)
	ctx := context.Background()
	boom := errors.New("down")

	for i := 0; i < 12; i++ {
		_ = cb.Execute(ctx, func(context.Context) error { return boom })
		fc.Advance(time.Hour)
	}
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	assert.LessOrEqual(t, cb.backoff, 8.0)
}

func TestCircuitBreaker_RequiredSuccessesGrowsWithTrips(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)
	assert.Equal(t, 1, cb.requiredSuccesses())
	cb.tripCount = 1
	assert.Equal(t, 2, cb.requiredSuccesses())
	cb.tripCount = 2
	assert.Equal(t, 3, cb.requiredSuccesses())
	cb.tripCount = 9
	assert.Equal(t, 3, cb.requiredSuccesses(), "capped at three")
}

func TestCircuitBreaker_FallbackServesWhileOpen(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Minute)
	ctx := context.Background()

	var gotCause error
	cb.SetFallback(func(_ context.Context, cause error) error {
		gotCause = cause
		return nil
	})

	_ = cb.Execute(ctx, func(context.Context) error { return errors.New("down") })
	require.Equal(t, CircuitOpen, cb.GetState())

	err := cb.Execute(ctx, func(context.Context) error { return errors.New("must not run") })
	require.NoError(t, err, "fallback result replaces the denial")
	assert.ErrorIs(t, gotCause, domain.ErrCircuitOpen)
}

func TestCircuitBreaker_AdaptiveTightensUnderHighErrorRate(t *testing.T) {
	cb, _ := newTestBreaker(6, 10*time.Second)

	// 15 failures / 25 samples => 60% error rate in the window.
	for i := 0; i < 10; i++ {
		cb.RecordSuccess(10 * time.Millisecond)
	}
	for i := 0; i < 15; i++ {
		cb.RecordFailure(10 * time.Millisecond)
	}

	cb.mu.RLock()
	defer cb.mu.RUnlock()
	assert.Equal(t, 3, cb.adaptiveThreshold, "threshold halves under heavy errors")
	assert.Equal(t, 30*time.Second, cb.adaptedTimeout, "recovery timeout triples")
}

func TestCircuitBreaker_AdaptiveRelaxesWhenQuiet(t *testing.T) {
	cb, _ := newTestBreaker(6, 60*time.Second)

	for i := 0; i < 60; i++ {
		cb.RecordSuccess(5 * time.Millisecond)
	}

	cb.mu.RLock()
	defer cb.mu.RUnlock()
	assert.Equal(t, 12, cb.adaptiveThreshold)
	assert.Equal(t, 30*time.Second, cb.adaptedTimeout)
}

func TestCircuitBreaker_AdaptiveNeedsWarmup(t *testing.T) {
	cb, _ := newTestBreaker(6, 10*time.Second)

	// Ten samples are below the adaptation floor: base tuning holds even at
	// a 100% error rate.
	for i := 0; i < 10; i++ {
		cb.RecordFailure(time.Millisecond)
	}

	cb.mu.RLock()
	defer cb.mu.RUnlock()
	assert.Equal(t, 6, cb.adaptiveThreshold)
	assert.Equal(t, 10*time.Second, cb.adaptedTimeout)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(2, time.Second)
	ctx := context.Background()

	_ = cb.Execute(ctx, func(context.Context) error { return errors.New("a") })
	_ = cb.Execute(ctx, func(context.Context) error { return errors.New("b") })
	require.Equal(t, CircuitOpen, cb.GetState())

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.GetState())
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	assert.Equal(t, 1.0, cb.backoff)
	assert.Equal(t, 0, cb.ringLen)
}

func TestCircuitBreaker_GetStats(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)
	cb.RecordSuccess(20 * time.Millisecond)
	cb.RecordFailure(40 * time.Millisecond)

	stats := cb.GetStats()
	assert.Equal(t, "test-dep", stats["name"])
	assert.Equal(t, "closed", stats["state"])
	assert.Equal(t, 1, stats["failure_count"])
	assert.Equal(t, 2, stats["total_requests"])
	assert.Equal(t, 1, stats["total_failures"])
	assert.Equal(t, 0.5, stats["window_error_rate"])
}

func TestCircuitState_String(t *testing.T) {
	tests := []struct {
		state    CircuitState
		expected string
	}{
		{CircuitClosed, "closed"},
		{CircuitOpen, "open"},
		{CircuitHalfOpen, "half_open"},
		{CircuitState(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
		})
	}
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker("concurrent", 3, time.Second)
	done := make(chan bool)

	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				_ = cb.ShouldAttempt()
				_ = cb.GetState()
				_ = cb.GetStats()
			}
			done <- true
		}()
	}

	for i := 0; i < 5; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				cb.RecordSuccess(time.Millisecond)
				cb.RecordFailure(time.Millisecond)
			}
			done <- true
		}()
	}

	for i := 0; i < 15; i++ {
		<-done
	}
}
