package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	AgentRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_requests_total",
			Help: "Total number of agent requests by provider, channel and outcome",
		},
		[]string{"provider", "channel", "status"},
	)
	AgentRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agent_request_duration_seconds",
			Help:    "Agent request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "channel"},
	)
	AgentTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_tokens_total",
			Help: "Total tokens exchanged with agents by direction (in/out)",
		},
		[]string{"provider", "direction"},
	)
	AgentCostUSDTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_cost_usd_total",
			Help: "Accumulated agent spend in USD",
		},
		[]string{"provider"},
	)

	KeyPoolKeys = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keypool_keys",
			Help: "Number of keys per provider and health state",
		},
		[]string{"provider", "state"},
	)
	KeyQuarantinesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keypool_quarantines_total",
			Help: "Total keys quarantined, by provider and cause",
		},
		[]string{"provider", "cause"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		},
		[]string{"name"},
	)
	BreakerTripsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_trips_total",
			Help: "Total circuit breaker trips",
		},
		[]string{"name"},
	)

	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_enqueued_total",
			Help: "Total number of tasks appended to streams",
		},
		[]string{"stream", "type"},
	)
	TasksProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tasks_processing",
			Help: "Number of tasks currently processing",
		},
		[]string{"type"},
	)
	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_completed_total",
			Help: "Total number of tasks completed",
		},
		[]string{"type"},
	)
	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_failed_total",
			Help: "Total number of tasks failed",
		},
		[]string{"type"},
	)
	TasksRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_retried_total",
			Help: "Total number of task retries",
		},
		[]string{"type"},
	)
	TasksDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_dead_lettered_total",
			Help: "Total number of tasks moved to a dead letter stream",
		},
		[]string{"stream"},
	)
	StreamDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stream_depth",
			Help: "Entries currently in a stream",
		},
		[]string{"stream"},
	)

	WorkersRegistered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "balancer_workers_registered",
			Help: "Workers currently registered with the load balancer",
		},
	)
	AssignmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "balancer_assignments_total",
			Help: "Task assignments by strategy",
		},
		[]string{"strategy"},
	)
	ScalingActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scaler_actions_total",
			Help: "Scaling actions by direction",
		},
		[]string{"direction"},
	)

	HealthStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "service_health_state",
			Help: "Monitored service health (0=unknown, 1=healthy, 2=degraded, 3=unhealthy)",
		},
		[]string{"service"},
	)
	FailoversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "failovers_total",
			Help: "Failover activations per service",
		},
		[]string{"service"},
	)

	ConversationTurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_turns_total",
			Help: "Conversation turns executed per pattern",
		},
		[]string{"pattern"},
	)
	ConsensusConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "consensus_confidence",
			Help:    "Distribution of consensus confidence scores",
			Buckets: []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)
	LoopsDetectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conversation_loops_detected_total",
			Help: "Conversations aborted by the loop guard",
		},
	)
	TelemetryWriteFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_write_failed_total",
			Help: "Telemetry events dropped because the memory store write failed",
		},
	)
	ValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "artifact_validations_total",
			Help: "Artifact validation runs by verdict",
		},
		[]string{"verdict"},
	)
	RollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "artifact_rollbacks_total",
			Help: "Artifact rollbacks by outcome",
		},
		[]string{"outcome"},
	)

	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "query_cache_hits_total",
			Help: "Query cache hits",
		},
	)
	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "query_cache_misses_total",
			Help: "Query cache misses",
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_rate_limit_denied_total",
			Help: "Agent requests denied by the rate limiter",
		},
		[]string{"agent"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(AgentRequestsTotal)
	prometheus.MustRegister(AgentRequestDuration)
	prometheus.MustRegister(AgentTokensTotal)
	prometheus.MustRegister(AgentCostUSDTotal)
	prometheus.MustRegister(KeyPoolKeys)
	prometheus.MustRegister(KeyQuarantinesTotal)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(BreakerTripsTotal)
	prometheus.MustRegister(TasksEnqueuedTotal)
	prometheus.MustRegister(TasksProcessing)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TasksFailedTotal)
	prometheus.MustRegister(TasksRetriedTotal)
	prometheus.MustRegister(TasksDeadLetteredTotal)
	prometheus.MustRegister(StreamDepth)
	prometheus.MustRegister(WorkersRegistered)
	prometheus.MustRegister(AssignmentsTotal)
	prometheus.MustRegister(ScalingActionsTotal)
	prometheus.MustRegister(HealthStateGauge)
	prometheus.MustRegister(FailoversTotal)
	prometheus.MustRegister(ConversationTurnsTotal)
	prometheus.MustRegister(ConsensusConfidence)
	prometheus.MustRegister(LoopsDetectedTotal)
	prometheus.MustRegister(TelemetryWriteFailedTotal)
	prometheus.MustRegister(ValidationsTotal)
	prometheus.MustRegister(RollbacksTotal)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(RateLimitDeniedTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// RecordAgentRequest tracks one routed agent call end to end.
func RecordAgentRequest(provider, channel, status string, dur time.Duration) {
	AgentRequestsTotal.WithLabelValues(provider, channel, status).Inc()
	AgentRequestDuration.WithLabelValues(provider, channel).Observe(dur.Seconds())
}

// RecordAgentUsage tracks token and spend accounting for one call.
func RecordAgentUsage(provider string, tokensIn, tokensOut int, costUSD float64) {
	if tokensIn > 0 {
		AgentTokensTotal.WithLabelValues(provider, "in").Add(float64(tokensIn))
	}
	if tokensOut > 0 {
		AgentTokensTotal.WithLabelValues(provider, "out").Add(float64(tokensOut))
	}
	if costUSD > 0 {
		AgentCostUSDTotal.WithLabelValues(provider).Add(costUSD)
	}
}

func StartProcessingTask(taskType string) {
	TasksProcessing.WithLabelValues(taskType).Inc()
}

func CompleteTask(taskType string) {
	TasksProcessing.WithLabelValues(taskType).Dec()
	TasksCompletedTotal.WithLabelValues(taskType).Inc()
}

func FailTask(taskType string) {
	TasksProcessing.WithLabelValues(taskType).Dec()
	TasksFailedTotal.WithLabelValues(taskType).Inc()
}

// SetHealthState publishes a monitored service state as a gauge level.
func SetHealthState(service, state string) {
	var v float64
	switch state {
	case "healthy":
		v = 1
	case "degraded":
		v = 2
	case "unhealthy":
		v = 3
	}
	HealthStateGauge.WithLabelValues(service).Set(v)
}
