// Package observability provides adaptive deadline management and context
// correlation helpers shared by the router and dispatcher.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DeadlineManager manages per-provider call deadlines. It adapts the running
// deadline from observed outcomes and, when a progressive schedule is set,
// escalates long calls through the schedule by attempt index.
type DeadlineManager struct {
	mu sync.RWMutex

	baseTimeout time.Duration
	minTimeout  time.Duration
	maxTimeout  time.Duration

	successCount int64
	failureCount int64
	timeoutCount int64

	successFactor float64
	failureFactor float64
	timeoutFactor float64

	currentTimeout time.Duration

	// schedule, when non-empty, wins over the adaptive value; attempts index
	// into it and the last entry covers everything beyond.
	schedule []time.Duration

	lastUpdate time.Time
}

// NewDeadlineManager creates a deadline manager bounded by [minTimeout, maxTimeout].
func NewDeadlineManager(baseTimeout, minTimeout, maxTimeout time.Duration) *DeadlineManager {
	return &DeadlineManager{
		baseTimeout:    baseTimeout,
		minTimeout:     minTimeout,
		maxTimeout:     maxTimeout,
		currentTimeout: baseTimeout,
		successFactor:  0.95, // Reduce timeout by 5% on fast success
		failureFactor:  1.05, // Increase timeout by 5% on failure
		timeoutFactor:  1.10, // Increase timeout by 10% on timeout
	}
}

// SetProgressiveSchedule switches the manager to the fixed escalation ladder.
func (dm *DeadlineManager) SetProgressiveSchedule(schedule []time.Duration) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.schedule = schedule
}

// Timeout returns the current deadline for the given attempt (0-based).
func (dm *DeadlineManager) Timeout(attempt int) time.Duration {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	if len(dm.schedule) > 0 {
		if attempt < 0 {
			attempt = 0
		}
		if attempt >= len(dm.schedule) {
			attempt = len(dm.schedule) - 1
		}
		return dm.schedule[attempt]
	}
	return dm.currentTimeout
}

// WithTimeout creates a context bounded by the attempt's deadline.
func (dm *DeadlineManager) WithTimeout(ctx context.Context, attempt int) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, dm.Timeout(attempt))
}

// RecordSuccess records a successful operation and adjusts the deadline when
// the call finished well under it.
func (dm *DeadlineManager) RecordSuccess(duration time.Duration) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	dm.successCount++
	if duration < dm.currentTimeout/2 {
		newTimeout := time.Duration(float64(dm.currentTimeout) * dm.successFactor)
		if newTimeout >= dm.minTimeout {
			dm.currentTimeout = newTimeout
		}
	}
	dm.lastUpdate = time.Now()
}

// RecordFailure records a failed operation and widens the deadline.
func (dm *DeadlineManager) RecordFailure(err error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	dm.failureCount++
	newTimeout := time.Duration(float64(dm.currentTimeout) * dm.failureFactor)
	if newTimeout <= dm.maxTimeout {
		dm.currentTimeout = newTimeout
		slog.Debug("deadline widened after failure",
			slog.Duration("new_timeout", dm.currentTimeout),
			slog.String("error", err.Error()))
	}
	dm.lastUpdate = time.Now()
}

// RecordTimeout records a deadline hit and widens the deadline more
// aggressively.
func (dm *DeadlineManager) RecordTimeout() {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	dm.timeoutCount++
	newTimeout := time.Duration(float64(dm.currentTimeout) * dm.timeoutFactor)
	if newTimeout <= dm.maxTimeout {
		dm.currentTimeout = newTimeout
		slog.Debug("deadline widened after timeout",
			slog.Duration("new_timeout", dm.currentTimeout))
	}
	dm.lastUpdate = time.Now()
}

// GetStats returns current statistics
func (dm *DeadlineManager) GetStats() map[string]interface{} {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	total := dm.successCount + dm.failureCount + dm.timeoutCount
	successRate := float64(0)
	if total > 0 {
		successRate = float64(dm.successCount) / float64(total) * 100
	}

	return map[string]interface{}{
		"current_timeout": dm.currentTimeout.String(),
		"base_timeout":    dm.baseTimeout.String(),
		"min_timeout":     dm.minTimeout.String(),
		"max_timeout":     dm.maxTimeout.String(),
		"progressive":     len(dm.schedule) > 0,
		"success_count":   dm.successCount,
		"failure_count":   dm.failureCount,
		"timeout_count":   dm.timeoutCount,
		"success_rate":    fmt.Sprintf("%.2f%%", successRate),
		"last_update":     dm.lastUpdate.Format(time.RFC3339),
	}
}

// Reset restores the base deadline and clears counters.
func (dm *DeadlineManager) Reset() {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	dm.currentTimeout = dm.baseTimeout
	dm.successCount = 0
	dm.failureCount = 0
	dm.timeoutCount = 0
	dm.lastUpdate = time.Now()
}
