package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-orchestrator/internal/adapter/redisstream"
	"github.com/fairyhunter13/agent-orchestrator/internal/config"
	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

type recordSink struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (r *recordSink) Publish(_ domain.Context, e domain.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordSink) Events() []domain.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.AuditEvent, len(r.events))
	copy(out, r.events)
	return out
}

type fakeProvisioner struct {
	mu      sync.Mutex
	added   []int
	removed []int
	err     error
}

func (p *fakeProvisioner) AddWorkers(_ domain.Context, n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.added = append(p.added, n)
	return p.err
}

func (p *fakeProvisioner) RemoveWorkers(_ domain.Context, n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, n)
	return p.err
}

func scalerTestConfig() config.Config {
	return config.Config{
		TaskStream:         "tasks",
		TaskGroup:          "workers",
		ScalingEventStream: "scaling_events",
		ScaleMinWorkers:    1,
		ScaleMaxWorkers:    8,
		ScaleInterval:      time.Second,
		ScaleUpBacklog:     100,
		ScaleDownBacklog:   10,
		ScaleCPUThreshold:  80,
		HeartbeatTimeout:   45 * time.Second,
	}
}

func newTestScaler(t *testing.T, cfg config.Config) (*Scaler, *redisstream.Store, *fakeProvisioner, *recordSink) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := redisstream.NewStore(rdb)
	prov := &fakeProvisioner{}
	sink := &recordSink{}
	return NewScaler(cfg, store, prov, sink), store, prov, sink
}

func seedHeartbeat(t *testing.T, rdb *redis.Client, id string, cpuPct float64, beat time.Time) {
	t.Helper()
	raw, err := json.Marshal(domain.WorkerMetrics{
		WorkerID:      id,
		CPUPercent:    cpuPct,
		LastHeartbeat: beat,
		Status:        domain.WorkerIdle,
	})
	require.NoError(t, err)
	require.NoError(t, rdb.HSet(context.Background(), HeartbeatHash, id, raw).Err())
}

func fillStream(t *testing.T, store *redisstream.Store, stream string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		_, err := store.Append(ctx, stream, domain.TaskEnvelope{Type: "work", MaxRetries: 1})
		require.NoError(t, err)
	}
}

func TestScaler_ScalesUpOnBacklog(t *testing.T) {
	s, store, prov, sink := newTestScaler(t, scalerTestConfig())
	ctx := context.Background()
	now := time.Now()
	s.now = func() time.Time { return now }

	seedHeartbeat(t, store.Client(), "w1", 20, now)
	fillStream(t, store, "tasks", 150)

	require.NoError(t, s.Evaluate(ctx))

	assert.Equal(t, []int{2}, prov.added, "scale up moves by two workers")
	assert.Empty(t, prov.removed)

	events, err := s.RecentEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "scale_up", events[0].EventType)
	assert.Equal(t, 2, events[0].NumWorkers)
	assert.Equal(t, 3, events[0].TotalWorkers)
	assert.Contains(t, events[0].Reason, "backlog per worker")
	assert.False(t, events[0].Timestamp.IsZero())

	audits := sink.Events()
	require.Len(t, audits, 1)
	assert.Equal(t, "scale_up", audits[0].Type)
	assert.Equal(t, "scaler", audits[0].Source)
}

func TestScaler_ScalesUpOnCPU(t *testing.T) {
	s, store, prov, _ := newTestScaler(t, scalerTestConfig())
	ctx := context.Background()
	now := time.Now()
	s.now = func() time.Time { return now }

	seedHeartbeat(t, store.Client(), "w1", 90, now)
	seedHeartbeat(t, store.Client(), "w2", 95, now)
	seedHeartbeat(t, store.Client(), "w3", 99, now)

	require.NoError(t, s.Evaluate(ctx))

	assert.Equal(t, []int{2}, prov.added)
	events, err := s.RecentEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Reason, "median cpu")
}

func TestScaler_ScaleUpClampsToMax(t *testing.T) {
	cfg := scalerTestConfig()
	cfg.ScaleMaxWorkers = 2
	s, store, prov, _ := newTestScaler(t, cfg)
	ctx := context.Background()
	now := time.Now()
	s.now = func() time.Time { return now }

	seedHeartbeat(t, store.Client(), "w1", 20, now)
	fillStream(t, store, "tasks", 150)

	require.NoError(t, s.Evaluate(ctx))
	assert.Equal(t, []int{1}, prov.added, "only one slot left below the maximum")
}

func TestScaler_ScalesDownWhenIdle(t *testing.T) {
	s, store, prov, _ := newTestScaler(t, scalerTestConfig())
	ctx := context.Background()
	now := time.Now()
	s.now = func() time.Time { return now }

	seedHeartbeat(t, store.Client(), "w1", 5, now)
	seedHeartbeat(t, store.Client(), "w2", 3, now)
	seedHeartbeat(t, store.Client(), "w3", 4, now)

	require.NoError(t, s.Evaluate(ctx))

	assert.Equal(t, []int{1}, prov.removed, "scale down moves by one worker")
	assert.Empty(t, prov.added)

	events, err := s.RecentEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "scale_down", events[0].EventType)
	assert.Equal(t, 2, events[0].TotalWorkers)
}

func TestScaler_RespectsMinimum(t *testing.T) {
	s, store, prov, _ := newTestScaler(t, scalerTestConfig())
	ctx := context.Background()
	now := time.Now()
	s.now = func() time.Time { return now }

	seedHeartbeat(t, store.Client(), "w1", 2, now)

	require.NoError(t, s.Evaluate(ctx))
	assert.Empty(t, prov.removed, "fleet already at the minimum")
}

func TestScaler_CooldownGatesRepeatActions(t *testing.T) {
	cfg := scalerTestConfig()
	cfg.ScaleUpCooldown = time.Minute
	s, store, prov, _ := newTestScaler(t, cfg)
	ctx := context.Background()

	current := time.Now()
	s.now = func() time.Time { return current }
	// lastUp starts at zero, so the first trigger is never cooldown-gated.

	seedHeartbeat(t, store.Client(), "w1", 20, current)
	fillStream(t, store, "tasks", 150)

	require.NoError(t, s.Evaluate(ctx))
	require.Len(t, prov.added, 1)

	require.NoError(t, s.Evaluate(ctx))
	assert.Len(t, prov.added, 1, "second trigger inside the cooldown is ignored")

	current = current.Add(61 * time.Second)
	seedHeartbeat(t, store.Client(), "w1", 20, current)
	require.NoError(t, s.Evaluate(ctx))
	assert.Len(t, prov.added, 2, "cooldown expired")
}

func TestScaler_EvictsDeadWorkers(t *testing.T) {
	s, store, _, _ := newTestScaler(t, scalerTestConfig())
	ctx := context.Background()
	now := time.Now()
	s.now = func() time.Time { return now }

	rdb := store.Client()
	seedHeartbeat(t, rdb, "fresh", 10, now)
	seedHeartbeat(t, rdb, "dead", 10, now.Add(-2*time.Minute))
	require.NoError(t, rdb.HSet(ctx, HeartbeatHash, "garbled", "{not json").Err())

	require.NoError(t, s.Evaluate(ctx))

	fields, err := rdb.HKeys(ctx, HeartbeatHash).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, fields)

	live, err := s.Workers(ctx)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "fresh", live[0].WorkerID)
}

func TestScaler_EmptyFleetStillScalesUp(t *testing.T) {
	cfg := scalerTestConfig()
	cfg.ScaleUpBacklog = 3
	s, store, prov, _ := newTestScaler(t, cfg)
	ctx := context.Background()
	now := time.Now()
	s.now = func() time.Time { return now }

	fillStream(t, store, "tasks", 5)

	require.NoError(t, s.Evaluate(ctx))
	assert.Equal(t, []int{2}, prov.added, "zero workers never divides the backlog away")
}

func TestScaler_ProvisionerErrorSurfacesAfterRecording(t *testing.T) {
	s, store, prov, _ := newTestScaler(t, scalerTestConfig())
	prov.err = assert.AnError
	ctx := context.Background()
	now := time.Now()
	s.now = func() time.Time { return now }

	seedHeartbeat(t, store.Client(), "w1", 20, now)
	fillStream(t, store, "tasks", 150)

	err := s.Evaluate(ctx)
	assert.ErrorIs(t, err, assert.AnError)

	events, rerr := s.RecentEvents(ctx, 10)
	require.NoError(t, rerr)
	assert.Len(t, events, 1, "the decision is recorded even when provisioning fails")
}
