// Package breaker implements the adaptive circuit breaker fabric guarding
// every external dependency (provider agents, redis, memory store).
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/agent-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	// CircuitClosed indicates the circuit is allowing requests to pass through.
	CircuitClosed CircuitState = iota
	// CircuitOpen indicates the circuit is blocking requests due to failures.
	CircuitOpen
	// CircuitHalfOpen indicates the circuit is probing recovery with limited requests.
	CircuitHalfOpen
)

// String returns a string representation of the circuit state
func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const (
	// ringSize bounds the outcome and latency windows.
	ringSize = 100
	// minAdaptSamples gates adaptive tuning so cold breakers keep their base
	// thresholds and timings.
	minAdaptSamples = 20
	// lowErrorMinSamples gates the relaxation rule.
	lowErrorMinSamples = 50

	maxBackoff = 8.0

	maxAdaptedTimeout   = 300 * time.Second
	midAdaptedTimeout   = 180 * time.Second
	minRelaxedTimeout   = 15 * time.Second
	maxRelaxedThreshold = 15
)

// Fallback produces a substitute result while the breaker is open.
type Fallback func(ctx context.Context, cause error) error

// Operation is a guarded callable.
type Operation func(ctx context.Context) error

// CircuitBreaker implements an adaptive circuit breaker for one dependency.
// The failure threshold and recovery timeout retune themselves from a
// sliding window of recent outcomes, and repeated trips stretch the open
// period through a bounded backoff multiplier.
type CircuitBreaker struct {
	mu            sync.RWMutex
	name          string
	baseThreshold int
	baseTimeout   time.Duration

	state           CircuitState
	failureCount    int // consecutive failures while closed
	halfOpenSuccess int // consecutive successes while half_open
	tripCount       int
	backoff         float64
	reopenAt        time.Time

	adaptiveThreshold int
	adaptedTimeout    time.Duration

	lastFailureTime time.Time
	lastSuccessTime time.Time
	totalRequests   int
	totalFailures   int

	outcomes  [ringSize]bool // true = failure
	latencies [ringSize]float64
	ringIdx   int
	ringLen   int

	fallback Fallback
	now      func() time.Time
}

// NewCircuitBreaker creates a breaker with the given base tuning.
func NewCircuitBreaker(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cb := &CircuitBreaker{
		name:              name,
		baseThreshold:     threshold,
		baseTimeout:       timeout,
		state:             CircuitClosed,
		backoff:           1.0,
		adaptiveThreshold: threshold,
		adaptedTimeout:    timeout,
		now:               time.Now,
	}
	cb.publishState()
	return cb
}

// SetFallback installs the open-state substitute handler.
func (cb *CircuitBreaker) SetFallback(fb Fallback) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.fallback = fb
}

// Execute runs op under the breaker. Denied attempts return the fallback
// result when one is installed, or domain.ErrCircuitOpen without running op.
func (cb *CircuitBreaker) Execute(ctx context.Context, op Operation) error {
	if !cb.ShouldAttempt() {
		cause := fmt.Errorf("breaker %s: %w", cb.name, domain.ErrCircuitOpen)
		if fb := cb.fallbackFn(); fb != nil {
			return fb(ctx, cause)
		}
		return cause
	}

	start := cb.now()
	err := op(ctx)
	elapsed := cb.now().Sub(start)
	if err != nil {
		cb.RecordFailure(elapsed)
		return err
	}
	cb.RecordSuccess(elapsed)
	return nil
}

// ShouldAttempt reports whether a call may proceed. An open breaker whose
// deadline has passed transitions to half_open and admits the probe.
func (cb *CircuitBreaker) ShouldAttempt() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if cb.now().Before(cb.reopenAt) {
			return false
		}
		cb.state = CircuitHalfOpen
		cb.halfOpenSuccess = 0
		cb.publishState()
		slog.Info("circuit breaker half-open, probing recovery",
			slog.String("breaker", cb.name),
			slog.Int("trip_count", cb.tripCount))
		return true
	case CircuitHalfOpen:
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful request
func (cb *CircuitBreaker) RecordSuccess(latency time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	cb.lastSuccessTime = cb.now()
	cb.pushSample(false, latency)

	switch cb.state {
	case CircuitClosed:
		cb.failureCount = 0
	case CircuitHalfOpen:
		cb.halfOpenSuccess++
		if cb.halfOpenSuccess >= cb.requiredSuccesses() {
			cb.close()
		}
	case CircuitOpen:
		// A stale call finished after the trip; it does not reopen the gate.
		slog.Warn("success recorded while circuit open",
			slog.String("breaker", cb.name))
	}
	cb.evaluateAdaptive()
}

// RecordFailure records a failed request
func (cb *CircuitBreaker) RecordFailure(latency time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	cb.totalFailures++
	cb.lastFailureTime = cb.now()
	cb.pushSample(true, latency)
	cb.evaluateAdaptive()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.adaptiveThreshold {
			cb.trip()
		}
	case CircuitHalfOpen:
		cb.trip()
	case CircuitOpen:
		// Stale failure; the breaker is already open.
	}
}

// trip moves to open. The reopen deadline snapshots the multiplier as of the
// trip; the bump only stretches the next open period.
func (cb *CircuitBreaker) trip() {
	wait := time.Duration(float64(cb.adaptedTimeout) * cb.backoff)
	cb.state = CircuitOpen
	cb.tripCount++
	cb.reopenAt = cb.now().Add(wait)
	cb.halfOpenSuccess = 0
	cb.backoff = minFloat(maxBackoff, cb.backoff*1.5)
	cb.publishState()
	observability.BreakerTripsTotal.WithLabelValues(cb.name).Inc()
	slog.Warn("circuit breaker opened",
		slog.String("breaker", cb.name),
		slog.Int("failure_count", cb.failureCount),
		slog.Int("threshold", cb.adaptiveThreshold),
		slog.Int("trip_count", cb.tripCount),
		slog.Duration("reopen_after", wait),
		slog.Float64("next_backoff", cb.backoff))
}

func (cb *CircuitBreaker) close() {
	cb.state = CircuitClosed
	cb.failureCount = 0
	cb.halfOpenSuccess = 0
	cb.backoff = maxFloat(1.0, cb.backoff/2)
	cb.publishState()
	slog.Info("circuit breaker closed after successful recovery",
		slog.String("breaker", cb.name),
		slog.Int("trip_count", cb.tripCount),
		slog.Float64("backoff", cb.backoff))
}

// requiredSuccesses is the consecutive-success bar for recovery, stricter
// after repeated trips.
func (cb *CircuitBreaker) requiredSuccesses() int {
	k := cb.tripCount + 1
	if k > 3 {
		k = 3
	}
	return k
}

func (cb *CircuitBreaker) pushSample(failed bool, latency time.Duration) {
	cb.outcomes[cb.ringIdx] = failed
	cb.latencies[cb.ringIdx] = latency.Seconds()
	cb.ringIdx = (cb.ringIdx + 1) % ringSize
	if cb.ringLen < ringSize {
		cb.ringLen++
	}
}

// evaluateAdaptive retunes threshold and timeout from the outcome window.
// Tuning only engages once enough samples exist so that a cold start trips
// on base values.
func (cb *CircuitBreaker) evaluateAdaptive() {
	if cb.ringLen < minAdaptSamples {
		cb.adaptiveThreshold = cb.baseThreshold
		cb.adaptedTimeout = cb.baseTimeout
		return
	}
	failures := 0
	for i := 0; i < cb.ringLen; i++ {
		if cb.outcomes[i] {
			failures++
		}
	}
	errRate := float64(failures) / float64(cb.ringLen)

	switch {
	case errRate > 0.5:
		cb.adaptiveThreshold = maxInt(2, cb.baseThreshold/2)
		cb.adaptedTimeout = minDuration(maxAdaptedTimeout, cb.baseTimeout*3)
	case errRate > 0.2:
		cb.adaptiveThreshold = maxInt(2, int(float64(cb.baseThreshold)*0.7+0.5))
		cb.adaptedTimeout = minDuration(midAdaptedTimeout, cb.baseTimeout*2)
	case errRate < 0.05 && cb.ringLen >= lowErrorMinSamples:
		cb.adaptiveThreshold = minInt(maxRelaxedThreshold, cb.baseThreshold*2)
		cb.adaptedTimeout = maxDuration(minRelaxedTimeout, cb.baseTimeout/2)
	default:
		cb.adaptiveThreshold = cb.baseThreshold
		cb.adaptedTimeout = cb.baseTimeout
	}
}

// GetState returns the current circuit state
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset forces the breaker back to closed with base tuning. Used by the
// admin surface.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failureCount = 0
	cb.halfOpenSuccess = 0
	cb.backoff = 1.0
	cb.adaptiveThreshold = cb.baseThreshold
	cb.adaptedTimeout = cb.baseTimeout
	cb.ringIdx = 0
	cb.ringLen = 0
	cb.publishState()
	slog.Info("circuit breaker reset", slog.String("breaker", cb.name))
}

// GetStats returns circuit breaker statistics
func (cb *CircuitBreaker) GetStats() map[string]interface{} {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	failures := 0
	var latencySum float64
	for i := 0; i < cb.ringLen; i++ {
		if cb.outcomes[i] {
			failures++
		}
		latencySum += cb.latencies[i]
	}
	windowErrRate := 0.0
	avgLatency := 0.0
	if cb.ringLen > 0 {
		windowErrRate = float64(failures) / float64(cb.ringLen)
		avgLatency = latencySum / float64(cb.ringLen)
	}

	return map[string]interface{}{
		"name":               cb.name,
		"state":              cb.state.String(),
		"failure_count":      cb.failureCount,
		"trip_count":         cb.tripCount,
		"backoff_multiplier": cb.backoff,
		"threshold":          cb.adaptiveThreshold,
		"base_threshold":     cb.baseThreshold,
		"timeout":            cb.adaptedTimeout.String(),
		"base_timeout":       cb.baseTimeout.String(),
		"window_samples":     cb.ringLen,
		"window_error_rate":  windowErrRate,
		"window_avg_latency": avgLatency,
		"total_requests":     cb.totalRequests,
		"total_failures":     cb.totalFailures,
		"last_failure":       cb.lastFailureTime,
		"last_success":       cb.lastSuccessTime,
	}
}

func (cb *CircuitBreaker) fallbackFn() Fallback {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.fallback
}

func (cb *CircuitBreaker) publishState() {
	var v float64
	switch cb.state {
	case CircuitHalfOpen:
		v = 1
	case CircuitOpen:
		v = 2
	}
	observability.BreakerState.WithLabelValues(cb.name).Set(v)
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
