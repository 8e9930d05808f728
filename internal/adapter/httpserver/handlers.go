package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/agent-orchestrator/internal/adapter/redisstream"
	"github.com/fairyhunter13/agent-orchestrator/internal/config"
	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
	"github.com/fairyhunter13/agent-orchestrator/internal/service/breaker"
	"github.com/fairyhunter13/agent-orchestrator/internal/service/dispatch"
	"github.com/fairyhunter13/agent-orchestrator/internal/service/keypool"
)

// probeTimeout bounds each readiness check.
const probeTimeout = 2 * time.Second

// recentEventCount caps the scaling-event tail returned by the workers
// endpoint.
const recentEventCount = 10

// CacheClearer is the slice of the router the admin cache endpoint needs.
type CacheClearer interface {
	ClearQueryCache(ctx context.Context) (int, error)
}

// Server aggregates the ops-surface dependencies. Any component pointer may
// be nil; the matching endpoint then reports what it has instead of failing.
type Server struct {
	Cfg      config.Config
	Fabric   *breaker.Fabric
	Keys     *keypool.Manager
	Scaler   *dispatch.Scaler
	Balancer *dispatch.Balancer
	Monitor  *dispatch.Monitor
	Streams  *redisstream.Store
	Cache    CacheClearer

	RedisCheck func(ctx context.Context) error
	StoreCheck func(ctx context.Context) error
	KafkaCheck func(ctx context.Context) error
}

// BreakersStatusHandler reports per-breaker state, counters and adaptive
// parameters. Key material never appears here; breakers are named
// agent:<provider>.
func (s *Server) BreakersStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Fabric == nil {
			writeJSON(w, http.StatusOK, map[string]any{"breakers": map[string]any{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"breakers": s.Fabric.AllStats(),
			"healthy":  s.Fabric.HealthyNames(),
		})
	}
}

// KeysStatusHandler reports pool membership and per-key health by index.
// Secrets are represented only by index and masked suffix.
func (s *Server) KeysStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Keys == nil {
			writeJSON(w, http.StatusOK, map[string]any{"pools": map[string]any{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"pools": s.Keys.AllStats()})
	}
}

// WorkersStatusHandler merges the balancer's in-process view with the
// heartbeat records other processes publish, plus the recent scaling tail.
func (s *Server) WorkersStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{}
		if s.Balancer != nil {
			out["balancer"] = s.Balancer.Workers()
			out["strategy"] = s.Balancer.Strategy()
		}
		if s.Scaler != nil {
			heartbeats, err := s.Scaler.Workers(r.Context())
			if err != nil {
				writeError(w, r, fmt.Errorf("read worker heartbeats: %w", err), nil)
				return
			}
			out["heartbeats"] = heartbeats
			if events, err := s.Scaler.RecentEvents(r.Context(), recentEventCount); err == nil {
				out["recent_scaling_events"] = events
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// HealthStatusHandler reports the monitor's last check result per service.
func (s *Server) HealthStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Monitor == nil {
			writeJSON(w, http.StatusOK, map[string]any{"services": []domain.HealthStatus{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"services": s.Monitor.AllStatus()})
	}
}

type streamStatus struct {
	Stream   string `json:"stream"`
	Depth    int64  `json:"depth"`
	Pending  int64  `json:"pending"`
	DLQDepth int64  `json:"dlq_depth"`
}

// StreamsStatusHandler reports depth, consumer-group backlog and DLQ size for
// the task stream, plus a tail of recent dead letters.
func (s *Server) StreamsStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Streams == nil {
			writeJSON(w, http.StatusOK, map[string]any{"streams": []streamStatus{}})
			return
		}
		ctx := r.Context()
		st := streamStatus{Stream: s.Cfg.TaskStream}
		var err error
		if st.Depth, err = s.Streams.Len(ctx, s.Cfg.TaskStream); err != nil {
			writeError(w, r, fmt.Errorf("stream depth: %w", err), nil)
			return
		}
		if pending, err := s.Streams.Pending(ctx, s.Cfg.TaskStream, s.Cfg.TaskGroup); err == nil && pending != nil {
			st.Pending = pending.Count
		}
		if st.DLQDepth, err = s.Streams.Len(ctx, s.Cfg.TaskStream+redisstream.DLQSuffix); err != nil {
			writeError(w, r, fmt.Errorf("dlq depth: %w", err), nil)
			return
		}
		deadLetters, err := s.Streams.DeadLetters(ctx, s.Cfg.TaskStream, recentEventCount)
		if err != nil {
			writeError(w, r, fmt.Errorf("read dead letters: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"streams":      []streamStatus{st},
			"dead_letters": deadLetters,
		})
	}
}

// BreakerResetHandler force-closes one breaker and zeroes its counters.
// Mounted behind AdminGuard.
func (s *Server) BreakerResetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if s.Fabric == nil {
			writeError(w, r, fmt.Errorf("breaker %q: %w", name, domain.ErrNotFound), nil)
			return
		}
		if err := s.Fabric.Reset(name); err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("breaker reset", "breaker", name)
		writeJSON(w, http.StatusOK, map[string]any{"breaker": name, "state": "closed"})
	}
}

// KeysReconcileHandler re-admits quarantined keys whose cooldown elapsed.
// Mounted behind AdminGuard.
func (s *Server) KeysReconcileHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Keys == nil {
			writeJSON(w, http.StatusOK, map[string]any{"restored": 0})
			return
		}
		cooldown := s.Cfg.KeyQuarantineCooldown
		if raw := r.URL.Query().Get("cooldown_seconds"); raw != "" {
			secs, err := strconv.Atoi(raw)
			if err != nil || secs < 0 {
				writeError(w, r, fmt.Errorf("cooldown_seconds %q: %w", raw, domain.ErrInvalidArgument), nil)
				return
			}
			cooldown = time.Duration(secs) * time.Second
		}
		restored := s.Keys.ReconcileAll(cooldown)
		LoggerFrom(r).Info("key pools reconciled", "restored", restored)
		writeJSON(w, http.StatusOK, map[string]any{"restored": restored})
	}
}

// CacheClearHandler drops all cached query responses. Mounted behind
// AdminGuard.
func (s *Server) CacheClearHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Cache == nil {
			writeJSON(w, http.StatusOK, map[string]any{"cleared": 0})
			return
		}
		cleared, err := s.Cache.ClearQueryCache(r.Context())
		if err != nil {
			writeError(w, r, fmt.Errorf("clear query cache: %w", err), nil)
			return
		}
		LoggerFrom(r).Info("query cache cleared", "entries", cleared)
		writeJSON(w, http.StatusOK, map[string]any{"cleared": cleared})
	}
}

// ReadyzHandler probes Redis, the memory store and, when configured, Kafka.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	run := func(ctx context.Context, name string, fn func(context.Context) error, checks []check) []check {
		if fn == nil {
			return checks
		}
		if err := fn(ctx); err != nil {
			return append(checks, check{Name: name, OK: false, Details: err.Error()})
		}
		return append(checks, check{Name: name, OK: true})
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		defer cancel()
		checks := make([]check, 0, 3)
		checks = run(ctx, "redis", s.RedisCheck, checks)
		checks = run(ctx, "memstore", s.StoreCheck, checks)
		checks = run(ctx, "kafka", s.KafkaCheck, checks)
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
