package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPMetricsMiddleware_Basic(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	mw := HTTPMetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(204) }))
	mw.ServeHTTP(rec, r)
	if rec.Result().StatusCode != 204 {
		t.Fatalf("want 204")
	}
}

func TestMetricsHelpers(t *testing.T) {
	InitMetrics()
	RecordAgentRequest("deepseek", "DIRECT_API", "ok", 120*time.Millisecond)
	RecordAgentUsage("deepseek", 100, 50, 0.0004)
	StartProcessingTask("strategy_eval")
	CompleteTask("strategy_eval")
	StartProcessingTask("strategy_eval")
	FailTask("strategy_eval")
	SetHealthState("redis", "healthy")
	SetHealthState("agent:deepseek", "unhealthy")
	TelemetryWriteFailedTotal.Inc()
}
