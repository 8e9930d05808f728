package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/agent-orchestrator/internal/config"
	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

// Fabric owns one breaker per named dependency. Breakers are created lazily
// on first Get so callers never coordinate registration; tuning resolves as
// fabric defaults overridden by CB_<NAME>_THRESHOLD / CB_<NAME>_TIMEOUT.
type Fabric struct {
	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	threshold int
	timeout   time.Duration
	overrides map[string]config.BreakerOverride
}

// NewFabric builds a fabric with the given default tuning. overrides may be
// nil; pass config.BreakerOverrides() to honor the environment.
func NewFabric(threshold int, timeout time.Duration, overrides map[string]config.BreakerOverride) *Fabric {
	if threshold < 1 {
		threshold = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fabric{
		breakers:  make(map[string]*CircuitBreaker),
		threshold: threshold,
		timeout:   timeout,
		overrides: overrides,
	}
}

// Get returns the breaker for name, creating it on first use.
func (f *Fabric) Get(name string) *CircuitBreaker {
	f.mu.RLock()
	cb, ok := f.breakers[name]
	f.mu.RUnlock()
	if ok {
		return cb
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if cb, ok := f.breakers[name]; ok {
		return cb
	}

	threshold, timeout := f.resolve(name)
	cb = NewCircuitBreaker(name, threshold, timeout)
	f.breakers[name] = cb
	slog.Info("circuit breaker registered",
		slog.String("breaker", name),
		slog.Int("threshold", threshold),
		slog.Duration("timeout", timeout))
	return cb
}

// resolve applies environment overrides on top of the fabric defaults.
// Callers hold f.mu.
func (f *Fabric) resolve(name string) (int, time.Duration) {
	threshold, timeout := f.threshold, f.timeout
	if ov, ok := f.overrides[config.BreakerEnvName(name)]; ok {
		if ov.Threshold > 0 {
			threshold = ov.Threshold
		}
		if ov.Timeout > 0 {
			timeout = ov.Timeout
		}
	}
	return threshold, timeout
}

// SetFallback installs a fallback for the named breaker, creating the
// breaker if needed.
func (f *Fabric) SetFallback(name string, fb Fallback) {
	f.Get(name).SetFallback(fb)
}

// Execute runs op under the named breaker.
func (f *Fabric) Execute(ctx context.Context, name string, op Operation) error {
	return f.Get(name).Execute(ctx, op)
}

// Reset forces the named breaker back to closed. Unknown names are an error
// so the admin surface can 404 instead of silently creating breakers.
func (f *Fabric) Reset(name string) error {
	f.mu.RLock()
	cb, ok := f.breakers[name]
	f.mu.RUnlock()
	if !ok {
		return fmt.Errorf("breaker %s: %w", name, domain.ErrNotFound)
	}
	cb.Reset()
	return nil
}

// Names lists registered breakers in sorted order.
func (f *Fabric) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.breakers))
	for name := range f.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HealthyNames lists breakers currently closed.
func (f *Fabric) HealthyNames() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.breakers))
	for name, cb := range f.breakers {
		if cb.GetState() == CircuitClosed {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// AllStats snapshots every registered breaker keyed by name.
func (f *Fabric) AllStats() map[string]map[string]interface{} {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]map[string]interface{}, len(f.breakers))
	for name, cb := range f.breakers {
		out[name] = cb.GetStats()
	}
	return out
}
