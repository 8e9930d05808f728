package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/agent-orchestrator/internal/adapter/agent"
	"github.com/fairyhunter13/agent-orchestrator/internal/adapter/audit"
	"github.com/fairyhunter13/agent-orchestrator/internal/adapter/cache"
	"github.com/fairyhunter13/agent-orchestrator/internal/adapter/memstore"
	"github.com/fairyhunter13/agent-orchestrator/internal/adapter/redisstream"
	"github.com/fairyhunter13/agent-orchestrator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/agent-orchestrator/internal/config"
	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
	"github.com/fairyhunter13/agent-orchestrator/internal/service/breaker"
	"github.com/fairyhunter13/agent-orchestrator/internal/service/conduct"
	"github.com/fairyhunter13/agent-orchestrator/internal/service/dispatch"
	"github.com/fairyhunter13/agent-orchestrator/internal/service/guard"
	"github.com/fairyhunter13/agent-orchestrator/internal/service/keypool"
	"github.com/fairyhunter13/agent-orchestrator/internal/service/ratelimiter"
	"github.com/fairyhunter13/agent-orchestrator/internal/service/router"
)

// Core is the dependency set shared by the orchestrator and worker binaries.
// Both processes route agent traffic, so both carry the full key pool,
// breaker fabric, router and conductor; only the loops they run differ.
type Core struct {
	Cfg       config.Config
	RDB       *redis.Client
	Memory    domain.MemoryStore
	Sink      *audit.FanOut
	Kafka     *audit.KafkaSink // nil when no brokers are configured
	PG        *pgxpool.Pool    // nil when DB_URL is empty
	Keys      *keypool.Manager
	Fabric    *breaker.Fabric
	Limiter   *ratelimiter.SlidingWindowLimiter
	Monitor   *dispatch.Monitor
	Router    *router.Router
	Conductor *conduct.Conductor
	Streams   *redisstream.Store
	Providers []string
}

// BuildCore wires the shared component graph: Redis (blocking until
// reachable), the agent memory store, audit sinks, the optional Postgres
// pool, key pools and provider clients, the breaker fabric, rate limiter,
// health monitor, router and conductor. The caller owns Close.
func BuildCore(ctx context.Context, cfg config.Config) (*Core, error) {
	c := &Core{Cfg: cfg}

	c.RDB = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := WaitForRedis(ctx, c.RDB, cfg); err != nil {
		c.Close()
		return nil, err
	}

	memory, err := memstore.Open(cfg.AgentMemoryBackend, cfg.AgentMemoryDir)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	c.Memory = memory

	sinks := []domain.EventSink{audit.NewStreamSink(c.RDB, cfg.AuditTopic)}
	if len(cfg.KafkaBrokers) > 0 {
		kafka, kerr := audit.NewKafkaSink(cfg.KafkaBrokers, cfg.AuditTopic)
		if kerr != nil {
			// The Redis stream sink still records everything; Kafka is a
			// mirror for downstream consumers.
			slog.Warn("kafka audit sink unavailable", slog.Any("error", kerr))
		} else {
			c.Kafka = kafka
			sinks = append(sinks, kafka)
		}
	}
	c.Sink = audit.NewFanOut(sinks...)

	if cfg.DBURL != "" {
		pool, perr := postgres.NewPool(ctx, cfg.DBURL)
		if perr != nil {
			c.Close()
			return nil, fmt.Errorf("postgres connect: %w", perr)
		}
		c.PG = pool
		if serr := postgres.EnsureRateLimitSchema(ctx, pool); serr != nil {
			c.Close()
			return nil, fmt.Errorf("rate limit schema: %w", serr)
		}
	}

	c.Keys = keypool.NewManager()
	c.Fabric = breaker.NewFabric(cfg.BreakerThreshold, cfg.BreakerBaseTimeout, config.BreakerOverrides())
	c.Limiter = ratelimiter.NewSlidingWindowLimiter(c.RDB, c.PG, ratelimiter.Limits{
		PerMinute:   cfg.AgentRatePerMin,
		PerHour:     cfg.AgentRatePerHour,
		MinInterval: cfg.AgentMinInterval,
	})
	if c.PG != nil {
		if werr := c.Limiter.WarmFromPostgres(ctx); werr != nil {
			slog.Warn("rate limit warm-up failed", slog.Any("error", werr))
		}
	}

	c.Monitor = dispatch.NewMonitor(cfg, c.RDB, c.Sink)
	c.Router = router.New(cfg, router.Deps{
		Keys:    c.Keys,
		Fabric:  c.Fabric,
		Guard:   guard.NewKeywordGuard(),
		Output:  guard.NewSanitizer(),
		Limiter: c.Limiter,
		Cache:   cache.NewRedisCache(c.RDB),
		Memory:  c.Memory,
		Health:  c.Monitor,
		Bridge:  router.NewToolBridge(cfg.ToolCallBudget),
	})

	c.Providers, err = registerProviders(cfg, c.Keys, c.Router)
	if err != nil {
		c.Close()
		return nil, err
	}

	RegisterCoreHealthChecks(c.Monitor, c.RDB, c.Memory, c.Fabric, c.Keys, c.Providers)
	quarantineCooldown := cfg.KeyQuarantineCooldown
	c.Monitor.OnCycle(func(context.Context) {
		c.Keys.ReconcileAll(quarantineCooldown)
	})

	c.Conductor = conduct.New(cfg, c.Router, c.Memory, conduct.NewLoopGuard(c.RDB, cfg.LoopGuardTTL))
	c.Streams = redisstream.NewStore(c.RDB)
	return c, nil
}

// registerProviders loads the provider profiles, registers a key pool and a
// client per provider, and returns the names that are routable. Providers
// without keys get a stub client in dev and test; in production they are
// skipped with a warning. Zero routable providers fails the build.
func registerProviders(cfg config.Config, keys *keypool.Manager, rt *router.Router) ([]string, error) {
	profiles, err := cfg.LoadProviderProfiles()
	if err != nil {
		return nil, err
	}
	providers := make([]string, 0, len(profiles))
	for _, profile := range profiles {
		secrets := config.ProviderKeys(profile.KeyEnvVar)
		switch {
		case len(secrets) > 0:
			keys.Register(profile.Name, secrets)
			rt.RegisterClient(agent.NewClient(profile, cfg.AgentTimeout()))
			slog.Info("provider registered",
				slog.String("provider", profile.Name),
				slog.Int("keys", len(secrets)))
		case cfg.IsDev() || cfg.IsTest():
			keys.Register(profile.Name, []string{"stub-" + profile.Name})
			rt.RegisterClient(agent.NewStub(profile))
			slog.Info("provider registered with stub client",
				slog.String("provider", profile.Name))
		default:
			slog.Warn("provider has no api keys, skipping",
				slog.String("provider", profile.Name),
				slog.String("env_var", profile.KeyEnvVar))
			continue
		}
		providers = append(providers, profile.Name)
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no provider has api keys configured")
	}
	return providers, nil
}

// Close releases everything BuildCore opened. Safe on a partially built
// core; later fields are nil and skipped.
func (c *Core) Close() {
	if c == nil {
		return
	}
	if c.Kafka != nil {
		if err := c.Kafka.Close(); err != nil {
			slog.Error("kafka sink close failed", slog.Any("error", err))
		}
	}
	if c.PG != nil {
		c.PG.Close()
	}
	if c.Memory != nil {
		if err := c.Memory.Close(); err != nil {
			slog.Error("memory store close failed", slog.Any("error", err))
		}
	}
	if c.RDB != nil {
		if err := c.RDB.Close(); err != nil {
			slog.Error("redis close failed", slog.Any("error", err))
		}
	}
}
