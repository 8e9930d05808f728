package app

import (
	"context"
	"fmt"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-orchestrator/internal/adapter/memstore"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestBuildReadinessChecks_AllHealthy(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	redisCheck, storeCheck, kafkaCheck := BuildReadinessChecks(rdb, memstore.NewInMemory(), nil)
	assert.NoError(t, redisCheck(context.Background()))
	assert.NoError(t, storeCheck(context.Background()))
	assert.Nil(t, kafkaCheck, "no sink configured, check skipped")
}

func TestBuildReadinessChecks_NilDependencies(t *testing.T) {
	redisCheck, storeCheck, kafkaCheck := BuildReadinessChecks(nil, nil, nil)
	assert.Error(t, redisCheck(context.Background()))
	assert.Error(t, storeCheck(context.Background()))
	assert.Nil(t, kafkaCheck)
}

func TestBuildReadinessChecks_RedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	redisCheck, _, _ := BuildReadinessChecks(rdb, memstore.NewInMemory(), nil)
	assert.Error(t, redisCheck(context.Background()))
}

func TestBuildReadinessChecks_KafkaSinkProbed(t *testing.T) {
	called := false
	probe := pingFunc(func(context.Context) error {
		called = true
		return fmt.Errorf("broker down")
	})

	_, _, kafkaCheck := BuildReadinessChecks(nil, nil, probe)
	require.NotNil(t, kafkaCheck)
	assert.Error(t, kafkaCheck(context.Background()))
	assert.True(t, called)
}
