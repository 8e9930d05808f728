package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	obsctx "github.com/fairyhunter13/agent-orchestrator/internal/observability"
)

// TraceMiddleware starts a span for each HTTP request. Spans are named by the
// chi route pattern so /v1/status/breakers and /v1/status/keys stay separate
// series without per-path cardinality, and carry the correlation id so
// operator traces join up with router and dispatcher logs.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tr := otel.Tracer("http.server")
		ctx, span := tr.Start(r.Context(), r.Method+" "+routePattern(r))
		defer span.End()
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		if cid := obsctx.CorrelationIDFromContext(ctx); cid != "" {
			span.SetAttributes(attribute.String("correlation_id", cid))
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
