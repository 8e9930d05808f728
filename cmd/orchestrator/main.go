// Command orchestrator runs the control plane: the ops HTTP surface, the
// health monitor and the balancer's fleet view. Agent traffic flows through
// the worker fleet; this process watches and steers it.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/agent-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/agent-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/agent-orchestrator/internal/app"
	"github.com/fairyhunter13/agent-orchestrator/internal/config"
	"github.com/fairyhunter13/agent-orchestrator/internal/service/dispatch"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process; /metrics exposes
	// router, pool, breaker and dispatch instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	core, err := app.BuildCore(ctx, cfg)
	if err != nil {
		slog.Error("core build failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer core.Close()

	// The scaler instance here only reads: worker views and the recent
	// scaling tail for the status endpoint. The decision loop runs in the
	// leader worker.
	scaler := dispatch.NewScaler(cfg, core.Streams, nil, core.Sink)
	balancer, err := dispatch.NewBalancer(cfg.BalancerStrategy, dispatch.WithAssignmentMirror(core.RDB, ""))
	if err != nil {
		slog.Error("balancer init failed", slog.Any("error", err))
		os.Exit(1)
	}

	go func() { _ = core.Monitor.Run(ctx) }()
	go func() { _ = app.SyncWorkers(ctx, scaler, balancer, cfg.HeartbeatInterval, cfg.StreamBatch) }()

	var kafkaPing app.Pinger
	if core.Kafka != nil {
		kafkaPing = core.Kafka
	}
	redisCheck, storeCheck, kafkaCheck := app.BuildReadinessChecks(core.RDB, core.Memory, kafkaPing)

	srv := &httpserver.Server{
		Cfg:        cfg,
		Fabric:     core.Fabric,
		Keys:       core.Keys,
		Scaler:     scaler,
		Balancer:   balancer,
		Monitor:    core.Monitor,
		Streams:    core.Streams,
		Cache:      core.Router,
		RedisCheck: redisCheck,
		StoreCheck: storeCheck,
		KafkaCheck: kafkaCheck,
	}
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("orchestrator http server starting",
			slog.Int("port", cfg.Port),
			slog.Any("providers", core.Providers))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer shutdownCancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
