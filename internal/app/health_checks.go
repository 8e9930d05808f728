package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
	"github.com/fairyhunter13/agent-orchestrator/internal/service/breaker"
	"github.com/fairyhunter13/agent-orchestrator/internal/service/dispatch"
	"github.com/fairyhunter13/agent-orchestrator/internal/service/keypool"
	"github.com/fairyhunter13/agent-orchestrator/internal/service/router"
)

// RegisterCoreHealthChecks wires the standard probe set: Redis, the agent
// memory store, and one probe per provider combining key availability with
// breaker state. Provider probes register under the router's breaker name,
// so three consecutive failures latch the provider out of routing until a
// probe passes again.
func RegisterCoreHealthChecks(m *dispatch.Monitor, rdb *redis.Client, memory domain.MemoryStore, fabric *breaker.Fabric, keys *keypool.Manager, providers []string) {
	if m == nil {
		return
	}
	if rdb != nil {
		m.RegisterCheck("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}
	if memory != nil {
		m.RegisterCheck("memstore", memory.Ping)
	}
	if fabric == nil || keys == nil {
		return
	}
	for _, provider := range providers {
		m.RegisterCheck(router.BreakerName(provider), providerProbe(fabric, keys, provider))
	}
}

// providerProbe reports a provider unhealthy when its pool has no selectable
// key or its breaker is open. The probe reads local state only; it never
// sends traffic to the provider.
func providerProbe(fabric *breaker.Fabric, keys *keypool.Manager, provider string) dispatch.CheckFunc {
	return func(context.Context) error {
		if !keys.Selectable(provider) {
			return fmt.Errorf("provider %s: no selectable api key", provider)
		}
		if fabric.Get(router.BreakerName(provider)).GetState() == breaker.CircuitOpen {
			return fmt.Errorf("provider %s: circuit open", provider)
		}
		return nil
	}
}
