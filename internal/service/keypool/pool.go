// Package keypool manages pooled provider API keys with health tracking.
//
// Each provider gets an ordered pool built from its environment key family.
// Selection walks the selectable set (healthy, degraded, unknown) picking the
// least-leased key, least-recently-used on ties, which yields round-robin
// rotation while keys stay healthy. Unhealthy keys receive no traffic until
// the reconciler restores them.
package keypool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/agent-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

// KeyState represents the health of a single pooled key.
type KeyState string

const (
	StateHealthy   KeyState = "healthy"
	StateDegraded  KeyState = "degraded"
	StateUnhealthy KeyState = "unhealthy"
	StateUnknown   KeyState = "unknown"
)

const (
	// degradedAfter / unhealthyAfter are consecutive-failure streaks.
	degradedAfter  = 2
	unhealthyAfter = 3
)

type keyEntry struct {
	secret           string
	state            KeyState
	leases           int64
	successes        int64
	failures         int64
	consecutiveFails int
	lastUsed         time.Time
	lastError        time.Time
	lastErrorKind    string
	latencyEWMA      float64
	quarantinedAt    time.Time
}

// Lease is a leased key. Index is the only identifier that ever appears in
// logs or stats.
type Lease struct {
	Secret string
	Index  int
}

// Pool tracks the keys of one provider.
type Pool struct {
	mu       sync.Mutex
	provider string
	keys     []*keyEntry

	now func() time.Time
}

// New builds a pool from the resolved secrets, preserving their order.
func New(provider string, secrets []string) *Pool {
	p := &Pool{provider: provider, now: time.Now}
	for _, s := range secrets {
		p.keys = append(p.keys, &keyEntry{secret: s, state: StateUnknown})
	}
	p.refreshGauges()
	return p
}

// Len returns the number of keys in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// Lease picks the next key. It fails fast with domain.ErrNoHealthyKey when
// every key is unhealthy or the pool is empty; it never blocks waiting for
// recovery.
func (p *Pool) Lease() (Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	best := -1
	for i, k := range p.keys {
		if k.state == StateUnhealthy {
			continue
		}
		if best == -1 {
			best = i
			continue
		}
		b := p.keys[best]
		if k.leases < b.leases || (k.leases == b.leases && k.lastUsed.Before(b.lastUsed)) {
			best = i
		}
	}
	if best == -1 {
		return Lease{}, fmt.Errorf("provider %s: %w", p.provider, domain.ErrNoHealthyKey)
	}

	k := p.keys[best]
	k.leases++
	k.lastUsed = p.now()
	return Lease{Secret: k.secret, Index: best}, nil
}

// RecordSuccess resets the failure streak and restores the key to healthy.
func (p *Pool) RecordSuccess(index int, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := p.entry(index)
	if k == nil {
		return
	}
	k.successes++
	k.consecutiveFails = 0
	if k.state != StateHealthy {
		slog.Debug("key recovered",
			slog.String("provider", p.provider),
			slog.String("key", keyRef(index)),
			slog.String("from", string(k.state)))
	}
	k.state = StateHealthy
	// EWMA with alpha 0.2; first observation seeds it.
	sec := latency.Seconds()
	if k.latencyEWMA == 0 {
		k.latencyEWMA = sec
	} else {
		k.latencyEWMA = 0.8*k.latencyEWMA + 0.2*sec
	}
	p.refreshGauges()
}

// RecordFailure advances the failure streak: two consecutive failures mark
// the key degraded, three unhealthy. Auth failures quarantine immediately
// regardless of streak.
func (p *Pool) RecordFailure(index int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := p.entry(index)
	if k == nil {
		return
	}
	k.failures++
	k.consecutiveFails++
	k.lastError = p.now()
	k.lastErrorKind = domain.ErrorKind(err)

	switch {
	case errors.Is(err, domain.ErrAuth):
		p.quarantine(index, k, "auth")
	case k.consecutiveFails >= unhealthyAfter:
		p.quarantine(index, k, "streak")
	case k.consecutiveFails >= degradedAfter:
		if k.state != StateDegraded && k.state != StateUnhealthy {
			k.state = StateDegraded
			slog.Info("key degraded",
				slog.String("provider", p.provider),
				slog.String("key", keyRef(index)),
				slog.Int("consecutive_fails", k.consecutiveFails))
		}
	}
	p.refreshGauges()
}

func (p *Pool) quarantine(index int, k *keyEntry, cause string) {
	if k.state == StateUnhealthy {
		return
	}
	k.state = StateUnhealthy
	k.quarantinedAt = p.now()
	observability.KeyQuarantinesTotal.WithLabelValues(p.provider, cause).Inc()
	slog.Warn("key quarantined",
		slog.String("provider", p.provider),
		slog.String("key", keyRef(index)),
		slog.String("cause", cause),
		slog.Int("consecutive_fails", k.consecutiveFails))
}

// Reconcile restores unhealthy keys whose last error is older than cooldown
// back to unknown so they re-enter rotation. Returns the number restored.
func (p *Pool) Reconcile(cooldown time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	restored := 0
	cutoff := p.now().Add(-cooldown)
	for i, k := range p.keys {
		if k.state != StateUnhealthy {
			continue
		}
		if k.lastError.After(cutoff) {
			continue
		}
		k.state = StateUnknown
		k.consecutiveFails = 0
		restored++
		slog.Info("key restored to rotation",
			slog.String("provider", p.provider),
			slog.String("key", keyRef(i)))
	}
	if restored > 0 {
		p.refreshGauges()
	}
	return restored
}

// Selectable returns how many keys can currently receive traffic.
func (p *Pool) Selectable() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, k := range p.keys {
		if k.state != StateUnhealthy {
			n++
		}
	}
	return n
}

// Stats reports per-key counters. Key material never appears here; keys are
// identified by index only.
func (p *Pool) Stats() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := make([]map[string]interface{}, 0, len(p.keys))
	for i, k := range p.keys {
		keys = append(keys, map[string]interface{}{
			"key":               keyRef(i),
			"state":             string(k.state),
			"leases":            k.leases,
			"successes":         k.successes,
			"failures":          k.failures,
			"consecutive_fails": k.consecutiveFails,
			"latency_ewma_s":    k.latencyEWMA,
			"last_error_kind":   k.lastErrorKind,
		})
	}
	return map[string]interface{}{
		"provider": p.provider,
		"total":    len(p.keys),
		"keys":     keys,
	}
}

func (p *Pool) entry(index int) *keyEntry {
	if index < 0 || index >= len(p.keys) {
		return nil
	}
	return p.keys[index]
}

func (p *Pool) refreshGauges() {
	counts := map[KeyState]int{}
	for _, k := range p.keys {
		counts[k.state]++
	}
	for _, s := range []KeyState{StateHealthy, StateDegraded, StateUnhealthy, StateUnknown} {
		observability.KeyPoolKeys.WithLabelValues(p.provider, string(s)).Set(float64(counts[s]))
	}
}

func keyRef(index int) string { return fmt.Sprintf("#%d", index) }
