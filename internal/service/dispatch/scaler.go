package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/agent-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/agent-orchestrator/internal/adapter/redisstream"
	"github.com/fairyhunter13/agent-orchestrator/internal/config"
	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

// scalingEventsMaxLen caps the scaling event stream (XADD MAXLEN ~).
const scalingEventsMaxLen = 1024

// NopProvisioner accepts scaling requests without acting on them. Wiring for
// deployments where an external operator watches the scaling_events stream
// instead.
type NopProvisioner struct{}

func (NopProvisioner) AddWorkers(domain.Context, int) error    { return nil }
func (NopProvisioner) RemoveWorkers(domain.Context, int) error { return nil }

// Scaler sizes the worker fleet from heartbeats and queue depth. It only
// decides: every action is recorded to the scaling_events stream and the
// audit sink, then handed to the Provisioner. Scale up moves by two workers,
// scale down by one, both cooldown-gated and clamped to [min, max].
type Scaler struct {
	store *redisstream.Store
	rdb   *redis.Client
	prov  domain.Provisioner
	sink  domain.EventSink

	stream       string
	eventStream  string
	min, max     int
	interval     time.Duration
	upBacklog    float64
	downBacklog  float64
	cpuThreshold float64
	upCooldown   time.Duration
	downCooldown time.Duration
	hbTimeout    time.Duration

	lastUp   time.Time
	lastDown time.Time

	now func() time.Time
}

// NewScaler builds a scaler over the heartbeat hash and the task stream.
// A nil provisioner gets the nop implementation; a nil sink disables audit
// mirroring.
func NewScaler(cfg config.Config, store *redisstream.Store, prov domain.Provisioner, sink domain.EventSink) *Scaler {
	if prov == nil {
		prov = NopProvisioner{}
	}
	return &Scaler{
		store:        store,
		rdb:          store.Client(),
		prov:         prov,
		sink:         sink,
		stream:       cfg.TaskStream,
		eventStream:  cfg.ScalingEventStream,
		min:          cfg.ScaleMinWorkers,
		max:          cfg.ScaleMaxWorkers,
		interval:     cfg.ScaleInterval,
		upBacklog:    float64(cfg.ScaleUpBacklog),
		downBacklog:  float64(cfg.ScaleDownBacklog),
		cpuThreshold: cfg.ScaleCPUThreshold,
		upCooldown:   cfg.ScaleUpCooldown,
		downCooldown: cfg.ScaleDownCooldown,
		hbTimeout:    cfg.HeartbeatTimeout,
		now:          time.Now,
	}
}

// Run evaluates on the configured interval until ctx is cancelled.
func (s *Scaler) Run(ctx context.Context) error {
	slog.Info("scaler started",
		slog.String("stream", s.stream),
		slog.Int("min_workers", s.min),
		slog.Int("max_workers", s.max),
		slog.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("scaler stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.Evaluate(ctx); err != nil {
				slog.Error("scaler evaluation failed", slog.Any("error", err))
			}
		}
	}
}

// Evaluate runs one control pass: evict dead workers, then decide at most one
// scaling action. Eviction happens before any decision so a stale fleet never
// counts toward capacity.
func (s *Scaler) Evaluate(ctx context.Context) error {
	now := s.now()
	live, err := s.heartbeats(ctx, now, true)
	if err != nil {
		return err
	}
	depth, err := s.store.Len(ctx, s.stream)
	if err != nil {
		return fmt.Errorf("queue depth: %w", err)
	}

	w := len(live)
	denom := w
	if denom < 1 {
		denom = 1
	}
	perWorker := float64(depth) / float64(denom)
	cpu := medianCPU(live)

	switch {
	case now.Sub(s.lastUp) >= s.upCooldown && w < s.max &&
		(perWorker > s.upBacklog || cpu > s.cpuThreshold):
		n := 2
		if w+n > s.max {
			n = s.max - w
		}
		s.lastUp = now
		reason := fmt.Sprintf("backlog per worker %.1f above %.0f", perWorker, s.upBacklog)
		if perWorker <= s.upBacklog {
			reason = fmt.Sprintf("median cpu %.1f%% above %.0f%%", cpu, s.cpuThreshold)
		}
		return s.act(ctx, "up", n, w+n, reason, now)

	case now.Sub(s.lastDown) >= s.downCooldown && w > s.min &&
		perWorker < s.downBacklog && cpu < s.cpuThreshold/2:
		s.lastDown = now
		reason := fmt.Sprintf("backlog per worker %.1f below %.0f", perWorker, s.downBacklog)
		return s.act(ctx, "down", 1, w-1, reason, now)
	}
	return nil
}

// Workers returns the current live fleet without evicting anyone; stale
// entries are just filtered from the view.
func (s *Scaler) Workers(ctx context.Context) ([]domain.WorkerMetrics, error) {
	return s.heartbeats(ctx, s.now(), false)
}

// RecentEvents reads up to count scaling events, oldest first.
func (s *Scaler) RecentEvents(ctx context.Context, count int64) ([]domain.ScalingEvent, error) {
	res, err := s.rdb.XRangeN(ctx, s.eventStream, "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", s.eventStream, err)
	}
	events := make([]domain.ScalingEvent, 0, len(res))
	for _, xm := range res {
		ev := domain.ScalingEvent{
			EventType: fieldString(xm.Values, "event_type"),
			Reason:    fieldString(xm.Values, "reason"),
		}
		_, _ = fmt.Sscanf(fieldString(xm.Values, "num_workers"), "%d", &ev.NumWorkers)
		_, _ = fmt.Sscanf(fieldString(xm.Values, "total_workers"), "%d", &ev.TotalWorkers)
		if ts, perr := time.Parse(time.RFC3339, fieldString(xm.Values, "timestamp")); perr == nil {
			ev.Timestamp = ts
		}
		events = append(events, ev)
	}
	return events, nil
}

// act records the decision everywhere it must land, then asks the
// provisioner. Event and audit writes come first: operators see the intent
// even when provisioning fails.
func (s *Scaler) act(ctx context.Context, dir string, n, total int, reason string, ts time.Time) error {
	ev := domain.ScalingEvent{
		EventType:    "scale_" + dir,
		NumWorkers:   n,
		TotalWorkers: total,
		Reason:       reason,
		Timestamp:    ts.UTC(),
	}
	if err := s.appendEvent(ctx, ev); err != nil {
		slog.Error("scaling event append failed", slog.Any("error", err))
	}
	if s.sink != nil {
		aerr := s.sink.Publish(ctx, domain.AuditEvent{
			Type:   ev.EventType,
			Source: "scaler",
			Payload: map[string]any{
				"num_workers":   ev.NumWorkers,
				"total_workers": ev.TotalWorkers,
				"reason":        ev.Reason,
			},
			CreatedAt: ev.Timestamp,
		})
		if aerr != nil {
			slog.Warn("scaling audit publish failed", slog.Any("error", aerr))
		}
	}
	observability.ScalingActionsTotal.WithLabelValues(dir).Inc()
	slog.Info("scaling "+dir,
		slog.Int("workers", n),
		slog.Int("total_workers", total),
		slog.String("reason", reason))

	var perr error
	if dir == "up" {
		perr = s.prov.AddWorkers(ctx, n)
	} else {
		perr = s.prov.RemoveWorkers(ctx, n)
	}
	if perr != nil {
		return fmt.Errorf("provision scale_%s %d: %w", dir, n, perr)
	}
	return nil
}

func (s *Scaler) appendEvent(ctx context.Context, ev domain.ScalingEvent) error {
	return s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.eventStream,
		MaxLen: scalingEventsMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"event_type":    ev.EventType,
			"num_workers":   ev.NumWorkers,
			"total_workers": ev.TotalWorkers,
			"reason":        ev.Reason,
			"timestamp":     ev.Timestamp.Format(time.RFC3339),
		},
	}).Err()
}

// heartbeats reads the worker hash, dropping entries older than the timeout.
// With evict set the stale entries are also deleted from the hash.
func (s *Scaler) heartbeats(ctx context.Context, now time.Time, evict bool) ([]domain.WorkerMetrics, error) {
	vals, err := s.rdb.HGetAll(ctx, HeartbeatHash).Result()
	if err != nil {
		return nil, fmt.Errorf("read heartbeats: %w", err)
	}
	live := make([]domain.WorkerMetrics, 0, len(vals))
	var stale []string
	for id, raw := range vals {
		var m domain.WorkerMetrics
		if uerr := json.Unmarshal([]byte(raw), &m); uerr != nil {
			slog.Warn("dropping undecodable heartbeat",
				slog.String("worker_id", id),
				slog.Any("error", uerr))
			stale = append(stale, id)
			continue
		}
		if now.Sub(m.LastHeartbeat) > s.hbTimeout {
			if evict {
				slog.Warn("evicting dead worker",
					slog.String("worker_id", id),
					slog.Time("last_heartbeat", m.LastHeartbeat))
			}
			stale = append(stale, id)
			continue
		}
		live = append(live, m)
	}
	if evict && len(stale) > 0 {
		if derr := s.rdb.HDel(ctx, HeartbeatHash, stale...).Err(); derr != nil {
			slog.Warn("heartbeat eviction failed", slog.Any("error", derr))
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].WorkerID < live[j].WorkerID })
	return live, nil
}

func medianCPU(workers []domain.WorkerMetrics) float64 {
	if len(workers) == 0 {
		return 0
	}
	cpus := make([]float64, len(workers))
	for i, w := range workers {
		cpus[i] = w.CPUPercent
	}
	sort.Float64s(cpus)
	return cpus[len(cpus)/2]
}

func fieldString(values map[string]interface{}, key string) string {
	if v, ok := values[key].(string); ok {
		return v
	}
	return ""
}
