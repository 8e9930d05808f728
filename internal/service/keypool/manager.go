package keypool

import (
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

// Manager holds one pool per provider.
type Manager struct {
	mu    sync.RWMutex
	pools map[string]*Pool
}

// NewManager creates an empty pool manager.
func NewManager() *Manager {
	return &Manager{pools: make(map[string]*Pool)}
}

// Register installs the pool for a provider, replacing any previous one.
func (m *Manager) Register(provider string, secrets []string) *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := New(provider, secrets)
	m.pools[provider] = p
	return p
}

// Pool returns the provider's pool.
func (m *Manager) Pool(provider string) (*Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[provider]
	return p, ok
}

// Lease leases a key from the provider's pool.
func (m *Manager) Lease(provider string) (Lease, error) {
	p, ok := m.Pool(provider)
	if !ok {
		return Lease{}, fmt.Errorf("provider %s not registered: %w", provider, domain.ErrNoHealthyKey)
	}
	return p.Lease()
}

// ReconcileAll runs the quarantine reconciler across every pool and returns
// the total number of keys restored.
func (m *Manager) ReconcileAll(cooldown time.Duration) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	restored := 0
	for _, p := range m.pools {
		restored += p.Reconcile(cooldown)
	}
	return restored
}

// AllStats returns per-provider pool stats keyed by provider name.
func (m *Manager) AllStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]interface{}, len(m.pools))
	for name, p := range m.pools {
		out[name] = p.Stats()
	}
	return out
}

// Selectable reports whether the provider has at least one key that can
// receive traffic.
func (m *Manager) Selectable(provider string) bool {
	p, ok := m.Pool(provider)
	return ok && p.Selectable() > 0
}
