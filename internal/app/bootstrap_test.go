package app

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-orchestrator/internal/config"
)

func bootstrapConfig() config.Config {
	return config.Config{
		AppEnv:                   "prod",
		BootstrapMaxElapsedTime:  300 * time.Millisecond,
		BootstrapInitialInterval: 20 * time.Millisecond,
		BootstrapMaxInterval:     50 * time.Millisecond,
		BootstrapMultiplier:      1.5,
	}
}

func TestWaitForRedis_ReadyImmediately(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	assert.NoError(t, WaitForRedis(context.Background(), rdb, bootstrapConfig()))
}

func TestWaitForRedis_GivesUpAfterDeadline(t *testing.T) {
	// Reserved TEST-NET address; dials fail or time out quickly.
	rdb := redis.NewClient(&redis.Options{Addr: "192.0.2.1:6379", DialTimeout: 20 * time.Millisecond})
	t.Cleanup(func() { _ = rdb.Close() })

	start := time.Now()
	err := WaitForRedis(context.Background(), rdb, bootstrapConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis unavailable")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestWaitForRedis_HonorsContextCancel(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "192.0.2.1:6379", DialTimeout: 20 * time.Millisecond})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := bootstrapConfig()
	cfg.BootstrapMaxElapsedTime = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, WaitForRedis(ctx, rdb, cfg))
}
