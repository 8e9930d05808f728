package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/agent-orchestrator/internal/config"
)

// WaitForRedis blocks until Redis answers PING or the configured bootstrap
// window elapses. Containers routinely start before their dependencies
// accept connections, so both binaries retry with exponential backoff
// instead of crash-looping.
func WaitForRedis(ctx context.Context, rdb *redis.Client, cfg config.Config) error {
	maxElapsed, initial, maxInterval, multiplier := cfg.BootstrapBackoff()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = maxInterval
	bo.MaxElapsedTime = maxElapsed
	bo.Multiplier = multiplier

	attempt := 0
	op := func() error {
		attempt++
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis not ready",
				slog.Int("attempt", attempt),
				slog.Any("error", err))
			return err
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("redis unavailable after %s: %w", maxElapsed, err)
	}
	return nil
}
