package dispatch

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

func newBalancer(t *testing.T, strategy string, opts ...BalancerOption) *Balancer {
	t.Helper()
	b, err := NewBalancer(strategy, opts...)
	require.NoError(t, err)
	return b
}

func TestParseStrategy(t *testing.T) {
	for _, name := range []string{
		"round_robin", "least_connections", "least_loaded",
		"weighted_round_robin", "random", "adaptive",
	} {
		s, err := ParseStrategy(name)
		require.NoError(t, err)
		assert.Equal(t, Strategy(name), s)
	}

	_, err := ParseStrategy("fastest_first")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = NewBalancer("fastest_first")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestBalancer_RoundRobinCycles(t *testing.T) {
	b := newBalancer(t, "round_robin")
	ctx := context.Background()
	for _, id := range []string{"w1", "w2", "w3"} {
		b.Register(Worker{ID: id, MaxConcurrent: 10})
	}

	var got []string
	for i := 0; i < 6; i++ {
		id, err := b.Assign(ctx, "")
		require.NoError(t, err)
		got = append(got, id)
	}
	assert.Equal(t, []string{"w1", "w2", "w3", "w1", "w2", "w3"}, got)
}

func TestBalancer_NoEligibleWorkers(t *testing.T) {
	b := newBalancer(t, "round_robin")
	ctx := context.Background()

	_, err := b.Assign(ctx, "t1")
	assert.ErrorIs(t, err, domain.ErrNoWorkers)

	b.Register(Worker{ID: "w1", MaxConcurrent: 1})
	b.SetHealth("w1", false)
	_, err = b.Assign(ctx, "t1")
	assert.ErrorIs(t, err, domain.ErrNoWorkers, "unhealthy workers are not assignable")

	b.SetHealth("w1", true)
	_, err = b.Assign(ctx, "t1")
	require.NoError(t, err)
	_, err = b.Assign(ctx, "t2")
	assert.ErrorIs(t, err, domain.ErrNoWorkers, "worker at its concurrency cap is skipped")

	b.Complete("w1", true, 10*time.Millisecond)
	_, err = b.Assign(ctx, "t3")
	require.NoError(t, err)
}

func TestBalancer_LeastConnections(t *testing.T) {
	b := newBalancer(t, "least_connections")
	ctx := context.Background()
	b.Register(Worker{ID: "w1", MaxConcurrent: 10})
	b.Register(Worker{ID: "w2", MaxConcurrent: 10})

	// First two picks load each worker once, then w1 frees a slot and must
	// win the next pick.
	first, err := b.Assign(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "w1", first)
	second, err := b.Assign(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "w2", second)

	b.Complete("w1", true, 0)
	third, err := b.Assign(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "w1", third)
}

func TestBalancer_LeastLoaded(t *testing.T) {
	b := newBalancer(t, "least_loaded")
	ctx := context.Background()
	b.Register(Worker{ID: "w1", MaxConcurrent: 10})
	b.Register(Worker{ID: "w2", MaxConcurrent: 10})
	b.Register(Worker{ID: "w3", MaxConcurrent: 10})
	b.SetLoad("w1", 0.9)
	b.SetLoad("w2", 0.2)
	b.SetLoad("w3", 0.5)

	id, err := b.Assign(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "w2", id)

	// Loads clamp into [0,1]; an out-of-range update cannot hide a worker.
	b.SetLoad("w2", 7)
	b.SetLoad("w1", -3)
	id, err = b.Assign(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "w1", id)
}

func TestBalancer_WeightedRoundRobin(t *testing.T) {
	b := newBalancer(t, "weighted_round_robin")
	ctx := context.Background()
	b.Register(Worker{ID: "w1", Weight: 3, MaxConcurrent: 100})
	b.Register(Worker{ID: "w2", Weight: 1, MaxConcurrent: 100})

	counts := map[string]int{}
	for i := 0; i < 8; i++ {
		id, err := b.Assign(ctx, "")
		require.NoError(t, err)
		counts[id]++
	}
	assert.Equal(t, 6, counts["w1"], "weight 3 gets three of every four picks")
	assert.Equal(t, 2, counts["w2"])
}

func TestBalancer_RandomUsesInjectedSource(t *testing.T) {
	b := newBalancer(t, "random")
	ctx := context.Background()
	b.Register(Worker{ID: "w1", MaxConcurrent: 10})
	b.Register(Worker{ID: "w2", MaxConcurrent: 10})
	b.Register(Worker{ID: "w3", MaxConcurrent: 10})

	b.randInt = func(int) int { return 2 }
	id, err := b.Assign(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "w3", id)
}

func TestBalancer_AdaptiveSwitchesPolicy(t *testing.T) {
	b := newBalancer(t, "adaptive")
	ctx := context.Background()
	b.Register(Worker{ID: "w1", MaxConcurrent: 100})
	b.Register(Worker{ID: "w2", MaxConcurrent: 100})

	// Idle fleet: round robin.
	a1, err := b.Assign(ctx, "")
	require.NoError(t, err)
	a2, err := b.Assign(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"w1", "w2"}, []string{a1, a2})

	// Mid utilization: least loaded wins regardless of the rotation.
	b.SetLoad("w1", 0.6)
	b.SetLoad("w2", 0.4)
	assert.InDelta(t, 0.5, b.Rebalance(), 0.001)
	id, err := b.Assign(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "w2", id)

	// Hot fleet: least connections. w1 and w2 both carry one slot from the
	// rotation, w2 a second from the previous pick, so w1 wins.
	b.SetLoad("w1", 0.9)
	b.SetLoad("w2", 0.8)
	id, err = b.Assign(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "w1", id)
}

func TestBalancer_CompleteTracksOutcomes(t *testing.T) {
	b := newBalancer(t, "round_robin")
	ctx := context.Background()
	b.Register(Worker{ID: "w1", MaxConcurrent: 10})

	_, err := b.Assign(ctx, "")
	require.NoError(t, err)
	b.Complete("w1", true, 100*time.Millisecond)
	_, err = b.Assign(ctx, "")
	require.NoError(t, err)
	b.Complete("w1", false, 200*time.Millisecond)
	b.Complete("ghost", true, time.Second)

	views := b.Workers()
	require.Len(t, views, 1)
	v := views[0]
	assert.Equal(t, int64(1), v.TasksCompleted)
	assert.Equal(t, int64(1), v.TasksFailed)
	assert.Equal(t, 0, v.CurrentConnections)
	// EWMA: (4*100ms + 200ms) / 5
	assert.InDelta(t, 0.12, v.AvgLatencySeconds, 0.001)
}

func TestBalancer_ReregisterResetsState(t *testing.T) {
	b := newBalancer(t, "round_robin")
	ctx := context.Background()
	b.Register(Worker{ID: "w1"})

	_, err := b.Assign(ctx, "")
	require.NoError(t, err)
	b.Complete("w1", false, time.Second)

	b.Register(Worker{ID: "w1", Weight: 2, MaxConcurrent: 5})
	views := b.Workers()
	require.Len(t, views, 1)
	assert.Equal(t, int64(0), views[0].TasksFailed)
	assert.Equal(t, 5, views[0].MaxConcurrent)
	assert.True(t, views[0].Healthy)

	b.Remove("w1")
	assert.Empty(t, b.Workers())
	_, err = b.Assign(ctx, "")
	assert.ErrorIs(t, err, domain.ErrNoWorkers)
}

func TestBalancer_MirrorsAssignments(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	b := newBalancer(t, "round_robin", WithAssignmentMirror(rdb, ""))
	ctx := context.Background()
	b.Register(Worker{ID: "w1", MaxConcurrent: 10})

	id, err := b.Assign(ctx, "task-42")
	require.NoError(t, err)

	got, err := rdb.HGet(ctx, "balancer:assignments", "task-42").Result()
	require.NoError(t, err)
	assert.Equal(t, id, got)
}
