// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Memory backend names accepted by AGENT_MEMORY_BACKEND.
const (
	MemoryBackendFile   = "file"
	MemoryBackendSQLite = "sqlite"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	// DBURL enables the optional Postgres mirror for rate-limit buckets.
	DBURL string `env:"DB_URL"`
	// KafkaBrokers enables the optional Kafka audit sink when non-empty.
	KafkaBrokers    []string `env:"KAFKA_BROKERS" envSeparator:","`
	AuditTopic      string   `env:"AUDIT_TOPIC" envDefault:"orchestrator.events"`
	OTLPEndpoint    string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string   `env:"OTEL_SERVICE_NAME" envDefault:"agent-orchestrator"`

	// Provider credentials. Each provider reads its primary key variable plus
	// the _2.._5 suffixes; see ProviderKeys.
	DeepSeekAPIKey    string `env:"DEEPSEEK_API_KEY"`
	DeepSeekBaseURL   string `env:"DEEPSEEK_BASE_URL" envDefault:"https://api.deepseek.com/v1"`
	DeepSeekModel     string `env:"DEEPSEEK_MODEL" envDefault:"deepseek-chat"`
	PerplexityAPIKey  string `env:"PERPLEXITY_API_KEY"`
	PerplexityBaseURL string `env:"PERPLEXITY_BASE_URL" envDefault:"https://api.perplexity.ai"`
	PerplexityModel   string `env:"PERPLEXITY_MODEL" envDefault:"sonar-pro"`
	DefaultProvider   string `env:"DEFAULT_PROVIDER" envDefault:"deepseek"`
	// ProviderProfilesPath points at an optional YAML file overriding the
	// compiled-in provider profiles.
	ProviderProfilesPath string `env:"PROVIDER_PROFILES_PATH"`

	// Router behavior.
	ToolCallBudget      int           `env:"TOOL_CALL_BUDGET" envDefault:"10"`
	ForceDirectAgentAPI bool          `env:"FORCE_DIRECT_AGENT_API" envDefault:"true"`
	AgentTimeoutSeconds int           `env:"AGENT_TIMEOUT_SECONDS" envDefault:"300"`
	AgentMemoryBackend  string        `env:"AGENT_MEMORY_BACKEND" envDefault:"sqlite"`
	AgentMemoryDir      string        `env:"AGENT_MEMORY_DIR" envDefault:"./data"`
	MaxPromptChars      int           `env:"MAX_PROMPT_CHARS" envDefault:"65536"`
	RouterRetryDelay    time.Duration `env:"ROUTER_RETRY_DELAY" envDefault:"2s"`
	// ProgressiveTimeouts switches long calls to the 60/120/300/600s schedule
	// selected by attempt index.
	ProgressiveTimeouts bool          `env:"PROGRESSIVE_TIMEOUTS" envDefault:"false"`
	QueryCacheTTL       time.Duration `env:"QUERY_CACHE_TTL" envDefault:"15m"`

	// Key pool.
	KeyQuarantineCooldown time.Duration `env:"KEY_QUARANTINE_COOLDOWN" envDefault:"5m"`

	// Circuit breaker defaults. Per-breaker overrides come from
	// CB_<NAME>_THRESHOLD and CB_<NAME>_TIMEOUT (seconds).
	BreakerThreshold   int           `env:"CB_DEFAULT_THRESHOLD" envDefault:"5"`
	BreakerBaseTimeout time.Duration `env:"CB_DEFAULT_TIMEOUT" envDefault:"60s"`

	// Streams and dispatcher.
	TaskStream         string        `env:"TASK_STREAM" envDefault:"agent_tasks"`
	TaskGroup          string        `env:"TASK_GROUP" envDefault:"agent-workers"`
	ScalingEventStream string        `env:"SCALING_EVENT_STREAM" envDefault:"scaling_events"`
	StreamBatch        int           `env:"STREAM_BATCH" envDefault:"16"`
	StreamBlock        time.Duration `env:"STREAM_BLOCK" envDefault:"5s"`
	ClaimMinIdle       time.Duration `env:"CLAIM_MIN_IDLE" envDefault:"60s"`
	BalancerStrategy   string        `env:"BALANCER_STRATEGY" envDefault:"least_loaded"`

	// Retry Configuration
	RetryMaxRetries   int           `env:"RETRY_MAX_RETRIES" envDefault:"3"`
	RetryInitialDelay time.Duration `env:"RETRY_INITIAL_DELAY" envDefault:"2s"`
	RetryMaxDelay     time.Duration `env:"RETRY_MAX_DELAY" envDefault:"30s"`
	RetryMultiplier   float64       `env:"RETRY_MULTIPLIER" envDefault:"2.0"`
	RetryJitter       bool          `env:"RETRY_JITTER" envDefault:"true"`
	// DLQ Configuration (DLQ always enabled)
	DLQMaxAge          time.Duration `env:"DLQ_MAX_AGE" envDefault:"168h"`
	DLQCleanupInterval time.Duration `env:"DLQ_CLEANUP_INTERVAL" envDefault:"24h"`

	// Auto-scaler.
	ScaleMinWorkers   int           `env:"SCALE_MIN_WORKERS" envDefault:"1"`
	ScaleMaxWorkers   int           `env:"SCALE_MAX_WORKERS" envDefault:"8"`
	ScaleInterval     time.Duration `env:"SCALE_INTERVAL" envDefault:"15s"`
	ScaleUpBacklog    int           `env:"SCALE_UP_BACKLOG" envDefault:"100"`
	ScaleDownBacklog  int           `env:"SCALE_DOWN_BACKLOG" envDefault:"10"`
	ScaleCPUThreshold float64       `env:"SCALE_CPU_THRESHOLD" envDefault:"80"`
	ScaleUpCooldown   time.Duration `env:"SCALE_UP_COOLDOWN" envDefault:"60s"`
	ScaleDownCooldown time.Duration `env:"SCALE_DOWN_COOLDOWN" envDefault:"300s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"10s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"45s"`

	// Health monitor.
	HealthCheckInterval time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"15s"`
	HealthCheckTimeout  time.Duration `env:"HEALTH_CHECK_TIMEOUT" envDefault:"5s"`
	HealthCacheTTL      time.Duration `env:"HEALTH_CACHE_TTL" envDefault:"30s"`

	// Conductor.
	ConversationWindow  int           `env:"CONVERSATION_WINDOW" envDefault:"50"`
	MaxTurns            int           `env:"MAX_CONVERSATION_TURNS" envDefault:"10"`
	IterativeTarget     float64       `env:"ITERATIVE_TARGET_CONFIDENCE" envDefault:"0.85"`
	LoopGuardTTL        time.Duration `env:"LOOP_GUARD_TTL" envDefault:"10m"`
	ValidationBackupDir string        `env:"VALIDATION_BACKUP_DIR" envDefault:"./backups"`

	// Per-agent rate limits.
	AgentRatePerMin  int           `env:"AGENT_RATE_PER_MIN" envDefault:"30"`
	AgentRatePerHour int           `env:"AGENT_RATE_PER_HOUR" envDefault:"600"`
	AgentMinInterval time.Duration `env:"AGENT_MIN_INTERVAL" envDefault:"1s"`

	// Ops HTTP server.
	AdminUsername         string        `env:"ADMIN_USERNAME"`
	AdminPassword         string        `env:"ADMIN_PASSWORD"`
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	// Startup dependency wait. Both binaries block on Redis with this
	// backoff before serving.
	BootstrapMaxElapsedTime  time.Duration `env:"BOOTSTRAP_MAX_ELAPSED_TIME" envDefault:"180s"`
	BootstrapInitialInterval time.Duration `env:"BOOTSTRAP_INITIAL_INTERVAL" envDefault:"2s"`
	BootstrapMaxInterval     time.Duration `env:"BOOTSTRAP_MAX_INTERVAL" envDefault:"20s"`
	BootstrapMultiplier      float64       `env:"BOOTSTRAP_BACKOFF_MULTIPLIER" envDefault:"1.5"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	// AGENT_TIMEOUT_SECONDS is clamped rather than rejected; the platform
	// treats out-of-range values as operator typos.
	if cfg.AgentTimeoutSeconds < 1 {
		cfg.AgentTimeoutSeconds = 1
	}
	if cfg.AgentTimeoutSeconds > 3600 {
		cfg.AgentTimeoutSeconds = 3600
	}
	if cfg.ToolCallBudget < 0 {
		cfg.ToolCallBudget = 0
	}
	switch strings.ToLower(cfg.AgentMemoryBackend) {
	case MemoryBackendFile, MemoryBackendSQLite:
		cfg.AgentMemoryBackend = strings.ToLower(cfg.AgentMemoryBackend)
	default:
		return Config{}, fmt.Errorf("op=config.Load: unsupported AGENT_MEMORY_BACKEND %q", cfg.AgentMemoryBackend)
	}
	if cfg.ScaleMinWorkers < 0 {
		cfg.ScaleMinWorkers = 0
	}
	if cfg.ScaleMaxWorkers < cfg.ScaleMinWorkers {
		return Config{}, fmt.Errorf("op=config.Load: SCALE_MAX_WORKERS %d below SCALE_MIN_WORKERS %d", cfg.ScaleMaxWorkers, cfg.ScaleMinWorkers)
	}
	return cfg, nil
}

// AdminEnabled returns true if the guarded admin endpoints should be mounted.
func (c Config) AdminEnabled() bool {
	return c.AdminUsername != "" && c.AdminPassword != ""
}

// AgentTimeout returns the default per-call deadline for agent requests.
func (c Config) AgentTimeout() time.Duration {
	return time.Duration(c.AgentTimeoutSeconds) * time.Second
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// BootstrapBackoff returns the startup-wait backoff tuning for the current
// environment. Test environments get much shorter timeouts so suites fail
// fast when a dependency is missing.
func (c Config) BootstrapBackoff() (maxElapsedTime, initialInterval, maxInterval time.Duration, multiplier float64) {
	if c.IsTest() {
		return 5 * time.Second, 100 * time.Millisecond, 1 * time.Second, 2.0
	}
	return c.BootstrapMaxElapsedTime, c.BootstrapInitialInterval, c.BootstrapMaxInterval, c.BootstrapMultiplier
}

// ProgressiveSchedule is the long-call deadline ladder used when
// PROGRESSIVE_TIMEOUTS is enabled; attempts index into it and the last entry
// applies to everything beyond.
var ProgressiveSchedule = []time.Duration{60 * time.Second, 120 * time.Second, 300 * time.Second, 600 * time.Second}
