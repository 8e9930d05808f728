package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Pinger is the minimal interface readiness probes need from a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BuildReadinessChecks returns probes for the orchestrator's dependencies:
// Redis (streams, breaker state, heartbeats), the agent memory store, and
// the optional Kafka audit sink. Passing a nil sink yields a nil kafka check
// so the readiness handler skips it.
func BuildReadinessChecks(rdb *redis.Client, store Pinger, sink Pinger) (redisCheck, storeCheck, kafkaCheck func(ctx context.Context) error) {
	redisCheck = func(ctx context.Context) error {
		if rdb == nil {
			return fmt.Errorf("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
	storeCheck = func(ctx context.Context) error {
		if store == nil {
			return fmt.Errorf("memory store not configured")
		}
		return store.Ping(ctx)
	}
	if sink != nil {
		kafkaCheck = sink.Ping
	}
	return redisCheck, storeCheck, kafkaCheck
}
