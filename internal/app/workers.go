package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
	"github.com/fairyhunter13/agent-orchestrator/internal/service/dispatch"
)

// SyncWorkers mirrors the heartbeat fleet into the balancer on a fixed
// cadence: workers appearing in the heartbeat hash join the registry, load
// tracks their CPU, draining workers stop receiving assignments, and workers
// whose heartbeats expire are removed. Runs until ctx is cancelled.
func SyncWorkers(ctx context.Context, sc *dispatch.Scaler, b *dispatch.Balancer, interval time.Duration, capacity int) error {
	if sc == nil || b == nil {
		return nil
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if capacity < 1 {
		capacity = 1
	}
	syncWorkersOnce(ctx, sc, b, capacity)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker sync stopped")
			return ctx.Err()
		case <-ticker.C:
			syncWorkersOnce(ctx, sc, b, capacity)
		}
	}
}

func syncWorkersOnce(ctx context.Context, sc *dispatch.Scaler, b *dispatch.Balancer, capacity int) {
	beats, err := sc.Workers(ctx)
	if err != nil {
		slog.Warn("worker sync read failed", slog.Any("error", err))
		return
	}
	known := make(map[string]struct{})
	for _, v := range b.Workers() {
		known[v.ID] = struct{}{}
	}
	seen := make(map[string]struct{}, len(beats))
	for _, m := range beats {
		seen[m.WorkerID] = struct{}{}
		if _, ok := known[m.WorkerID]; !ok {
			b.Register(dispatch.Worker{ID: m.WorkerID, MaxConcurrent: capacity})
			slog.Info("worker joined balancer", slog.String("worker_id", m.WorkerID))
		}
		b.SetLoad(m.WorkerID, m.CPUPercent/100)
		b.SetHealth(m.WorkerID, m.Status != domain.WorkerDraining)
	}
	for id := range known {
		if _, ok := seen[id]; !ok {
			b.Remove(id)
			slog.Info("worker left balancer", slog.String("worker_id", id))
		}
	}
}
