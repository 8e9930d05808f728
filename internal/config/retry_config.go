// Package config defines retry and DLQ configuration.
package config

import (
	"math"
	"math/rand"
	"time"
)

// RetryConfig holds retry and DLQ configuration for the task dispatcher.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts
	MaxRetries int
	// InitialDelay is the initial delay before first retry
	InitialDelay time.Duration
	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration
	// Multiplier is the exponential backoff multiplier
	Multiplier float64
	// Jitter adds randomness to prevent thundering herd
	Jitter bool
	// DLQMaxAge is the maximum age for DLQ entries before cleanup
	DLQMaxAge time.Duration
	// DLQCleanupInterval is the interval for DLQ cleanup
	DLQCleanupInterval time.Duration
}

// GetRetryConfig returns the retry configuration
func (c Config) GetRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:         c.RetryMaxRetries,
		InitialDelay:       c.RetryInitialDelay,
		MaxDelay:           c.RetryMaxDelay,
		Multiplier:         c.RetryMultiplier,
		Jitter:             c.RetryJitter,
		DLQMaxAge:          c.DLQMaxAge,
		DLQCleanupInterval: c.DLQCleanupInterval,
	}
}

// Delay computes the backoff before retry number attempt (0-based):
// InitialDelay * Multiplier^attempt, capped at MaxDelay, with up to 25%
// jitter when enabled.
func (r RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(r.InitialDelay) * math.Pow(r.Multiplier, float64(attempt))
	if max := float64(r.MaxDelay); r.MaxDelay > 0 && d > max {
		d = max
	}
	if r.Jitter && d > 0 {
		d += d * 0.25 * rand.Float64() // #nosec G404 -- scheduling jitter, not security material
	}
	return time.Duration(d)
}
