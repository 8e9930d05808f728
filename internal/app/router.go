// Package app wires orchestrator components and startup helpers.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/agent-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/agent-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/agent-orchestrator/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input allows all origins.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the ops HTTP handler: read-only status routes,
// guarded admin actions, and the health and metrics endpoints.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	requestTimeout := cfg.HTTPWriteTimeout
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(requestTimeout))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Read-only fleet visibility.
	r.Route("/v1/status", func(sr chi.Router) {
		sr.Get("/breakers", srv.BreakersStatusHandler())
		sr.Get("/keys", srv.KeysStatusHandler())
		sr.Get("/workers", srv.WorkersStatusHandler())
		sr.Get("/health", srv.HealthStatusHandler())
		sr.Get("/streams", srv.StreamsStatusHandler())
	})

	// Mutating admin actions are rate limited and mounted only when
	// credentials are configured.
	if cfg.AdminEnabled() {
		r.Route("/v1/admin", func(ar chi.Router) {
			ar.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
			ar.Use(srv.AdminGuard())
			ar.Post("/breakers/{name}/reset", srv.BreakerResetHandler())
			ar.Post("/keys/reconcile", srv.KeysReconcileHandler())
			ar.Post("/cache/clear", srv.CacheClearHandler())
		})
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/readyz", srv.ReadyzHandler())

	return httpserver.SecurityHeaders(r)
}
