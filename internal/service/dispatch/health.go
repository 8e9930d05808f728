package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/agent-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/agent-orchestrator/internal/config"
	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

// failoverThreshold is the number of consecutive failed checks that latches a
// service unavailable and fires its failover handler.
const failoverThreshold = 3

// healthKeyPrefix namespaces the cross-process result cache in Redis.
const healthKeyPrefix = "health:"

// CheckFunc probes one dependency. A nil return is a healthy report.
type CheckFunc func(ctx context.Context) error

// FailoverFunc reacts to a service latching unhealthy. It runs at most once
// per failure sequence; recovery re-arms it.
type FailoverFunc func(ctx context.Context, st domain.HealthStatus)

type healthCheck struct {
	id       string
	fn       CheckFunc
	interval time.Duration
	timeout  time.Duration
	lastRun  time.Time
}

// CheckOption overrides the monitor defaults for a single check.
type CheckOption func(*healthCheck)

// WithCheckInterval sets how often the check runs.
func WithCheckInterval(d time.Duration) CheckOption {
	return func(c *healthCheck) { c.interval = d }
}

// WithCheckTimeout bounds a single probe.
func WithCheckTimeout(d time.Duration) CheckOption {
	return func(c *healthCheck) { c.timeout = d }
}

// Monitor runs registered health checks on a schedule, keeps the latest
// result per service, and latches a failover after three consecutive
// failures. Results are mirrored into Redis under a short TTL so sibling
// processes can read them without probing the dependency themselves.
//
// A service that has latched is reported unavailable through Available until
// a check passes again.
type Monitor struct {
	rdb      *redis.Client
	sink     domain.EventSink
	interval time.Duration
	timeout  time.Duration
	cacheTTL time.Duration

	mu        sync.Mutex
	checks    map[string]*healthCheck
	statuses  map[string]domain.HealthStatus
	latched   map[string]bool
	failovers map[string]FailoverFunc
	hooks     []func(ctx context.Context)

	now func() time.Time
}

// NewMonitor builds a health monitor. rdb may be nil to disable the
// cross-process cache; sink may be nil to disable audit mirroring.
func NewMonitor(cfg config.Config, rdb *redis.Client, sink domain.EventSink) *Monitor {
	interval := cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	timeout := cfg.HealthCheckTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Monitor{
		rdb:       rdb,
		sink:      sink,
		interval:  interval,
		timeout:   timeout,
		cacheTTL:  cfg.HealthCacheTTL,
		checks:    make(map[string]*healthCheck),
		statuses:  make(map[string]domain.HealthStatus),
		latched:   make(map[string]bool),
		failovers: make(map[string]FailoverFunc),
		now:       time.Now,
	}
}

// RegisterCheck adds a probe under a service ID, replacing any previous one.
// The service starts in the unknown state until its first run.
func (m *Monitor) RegisterCheck(id string, fn CheckFunc, opts ...CheckOption) {
	c := &healthCheck{id: id, fn: fn, interval: m.interval, timeout: m.timeout}
	for _, opt := range opts {
		opt(c)
	}
	m.mu.Lock()
	m.checks[id] = c
	if _, ok := m.statuses[id]; !ok {
		m.statuses[id] = domain.HealthStatus{ServiceID: id, State: domain.HealthUnknown}
	}
	m.mu.Unlock()
	observability.SetHealthState(id, string(domain.HealthUnknown))
}

// OnFailover registers the handler invoked when the service latches
// unhealthy.
func (m *Monitor) OnFailover(id string, fn FailoverFunc) {
	m.mu.Lock()
	m.failovers[id] = fn
	m.mu.Unlock()
}

// OnCycle registers a hook that runs after every completed check cycle.
// The key pool reconciler hangs off this.
func (m *Monitor) OnCycle(fn func(ctx context.Context)) {
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

// Run cycles until ctx is cancelled, starting with an immediate pass so the
// gate has data before the first interval elapses.
func (m *Monitor) Run(ctx context.Context) error {
	slog.Info("health monitor started", slog.Duration("interval", m.interval))
	if err := m.Cycle(ctx); err != nil {
		slog.Error("health cycle failed", slog.Any("error", err))
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("health monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := m.Cycle(ctx); err != nil {
				slog.Error("health cycle failed", slog.Any("error", err))
			}
		}
	}
}

// Cycle runs every due check in parallel and then the registered hooks.
func (m *Monitor) Cycle(ctx context.Context) error {
	now := m.now()
	m.mu.Lock()
	due := make([]*healthCheck, 0, len(m.checks))
	for _, c := range m.checks {
		if c.lastRun.IsZero() || now.Sub(c.lastRun) >= c.interval {
			c.lastRun = now
			due = append(due, c)
		}
	}
	hooks := make([]func(ctx context.Context), len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range due {
		c := c
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, c.timeout)
			defer cancel()
			start := time.Now()
			err := c.fn(cctx)
			m.finish(ctx, c.id, err, time.Since(start))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, fn := range hooks {
		fn(ctx)
	}
	return nil
}

// finish folds one probe result into the service state. The failover handler
// fires on the transition into the latched state only; every later failure in
// the same sequence just extends the count.
func (m *Monitor) finish(ctx context.Context, id string, err error, latency time.Duration) {
	now := m.now().UTC()

	m.mu.Lock()
	prev := m.statuses[id]
	st := domain.HealthStatus{
		ServiceID:      id,
		LatencySeconds: latency.Seconds(),
		CheckedAt:      now,
	}
	var fire, recovered bool
	if err == nil {
		st.State = domain.HealthHealthy
		recovered = m.latched[id]
		m.latched[id] = false
	} else {
		st.Err = err.Error()
		st.ConsecutiveFails = prev.ConsecutiveFails + 1
		if st.ConsecutiveFails >= failoverThreshold {
			st.State = domain.HealthUnhealthy
			if !m.latched[id] {
				m.latched[id] = true
				fire = true
			}
		} else {
			st.State = domain.HealthDegraded
		}
	}
	m.statuses[id] = st
	handler := m.failovers[id]
	m.mu.Unlock()

	observability.SetHealthState(id, string(st.State))
	m.cache(ctx, st)

	if err != nil {
		slog.Warn("health check failed",
			slog.String("service", id),
			slog.Int("consecutive_fails", st.ConsecutiveFails),
			slog.Any("error", err))
	}
	if fire {
		observability.FailoversTotal.WithLabelValues(id).Inc()
		slog.Error("service failover triggered",
			slog.String("service", id),
			slog.Int("consecutive_fails", st.ConsecutiveFails))
		m.audit(ctx, "service_failover", st)
		if handler != nil {
			handler(ctx, st)
		}
	}
	if recovered {
		slog.Info("service recovered", slog.String("service", id))
		m.audit(ctx, "service_recovered", st)
	}
}

// Available reports whether outbound calls to the service should proceed.
// Unknown services are admitted; only a latched failover blocks traffic.
func (m *Monitor) Available(service string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.latched[service]
}

// Status returns the latest local result for one service.
func (m *Monitor) Status(id string) (domain.HealthStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statuses[id]
	return st, ok
}

// AllStatus returns the latest result for every registered service, sorted by
// service ID.
func (m *Monitor) AllStatus() []domain.HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.HealthStatus, 0, len(m.statuses))
	for _, st := range m.statuses {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
	return out
}

// CachedStatus reads a service's result from the Redis cache, falling back to
// the local state when the cache misses or is disabled.
func (m *Monitor) CachedStatus(ctx context.Context, id string) (domain.HealthStatus, error) {
	if m.rdb != nil {
		raw, err := m.rdb.Get(ctx, healthKeyPrefix+id).Result()
		if err == nil {
			var st domain.HealthStatus
			if uerr := json.Unmarshal([]byte(raw), &st); uerr == nil {
				return st, nil
			}
		}
	}
	if st, ok := m.Status(id); ok {
		return st, nil
	}
	return domain.HealthStatus{}, fmt.Errorf("health status %q: %w", id, domain.ErrNotFound)
}

func (m *Monitor) cache(ctx context.Context, st domain.HealthStatus) {
	if m.rdb == nil {
		return
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := m.rdb.Set(ctx, healthKeyPrefix+st.ServiceID, raw, m.cacheTTL).Err(); err != nil {
		slog.Warn("health cache write failed",
			slog.String("service", st.ServiceID),
			slog.Any("error", err))
	}
}

func (m *Monitor) audit(ctx context.Context, eventType string, st domain.HealthStatus) {
	if m.sink == nil {
		return
	}
	err := m.sink.Publish(ctx, domain.AuditEvent{
		Type:   eventType,
		Source: "health_monitor",
		Payload: map[string]any{
			"service":           st.ServiceID,
			"state":             string(st.State),
			"consecutive_fails": st.ConsecutiveFails,
			"error":             st.Err,
		},
		CreatedAt: st.CheckedAt,
	})
	if err != nil {
		slog.Warn("health audit publish failed", slog.Any("error", err))
	}
}
