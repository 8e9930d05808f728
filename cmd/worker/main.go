// Command worker consumes the task stream. Every process runs the dispatch
// consumer loop and a heartbeat publisher; exactly one worker per fleet
// should run with -leader, which adds the scaling and health control loops.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/agent-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/agent-orchestrator/internal/app"
	"github.com/fairyhunter13/agent-orchestrator/internal/config"
	"github.com/fairyhunter13/agent-orchestrator/internal/service/dispatch"
)

func main() {
	leader := flag.Bool("leader", false, "run the scaler and health monitor control loops in this process")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Workers expose metrics on a dedicated port so Prometheus scrapes task
	// and heartbeat instrumentation per process.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

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

	workerID := "worker-" + uuid.NewString()
	hb := dispatch.NewHeartbeat(cfg, core.RDB, workerID)
	go func() { _ = hb.Run(ctx) }()

	dispatcher := dispatch.NewDispatcher(cfg, core.Streams, dispatch.WithHeartbeat(hb))
	app.RegisterTaskHandlers(dispatcher, core.Router, core.Conductor)

	consumerDone := make(chan error, 1)
	go func() { consumerDone <- dispatcher.RunConsumer(ctx, workerID) }()

	// DLQ aging runs with the consumers. Trims are idempotent, so replicas
	// can all carry the sweeper.
	sweeper := app.NewDeadLetterSweeper(core.Streams, cfg.TaskStream, cfg.DLQMaxAge, cfg.DLQCleanupInterval)
	go sweeper.Run(ctx)

	if *leader {
		scaler := dispatch.NewScaler(cfg, core.Streams, nil, core.Sink)
		go func() { _ = scaler.Run(ctx) }()
		go func() { _ = core.Monitor.Run(ctx) }()
		slog.Info("leader control loops started")
	}

	slog.Info("worker started",
		slog.String("worker_id", workerID),
		slog.Any("task_types", dispatcher.Types()),
		slog.Bool("leader", *leader))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, draining", slog.String("signal", sig.String()))

	// Cancelling the consumer lets in-flight handlers finish and scheduled
	// retries drain; unacked entries stay pending for other consumers.
	cancel()
	select {
	case <-consumerDone:
	case <-time.After(cfg.ServerShutdownTimeout):
		slog.Warn("consumer drain timed out")
	}
	slog.Info("worker stopped")
}
