package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/fairyhunter13/agent-orchestrator/internal/config"
	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

// HeartbeatHash is the Redis hash holding the latest WorkerMetrics sample per
// worker, keyed by worker ID. The scaler reads it; each worker writes only
// its own field.
const HeartbeatHash = "workers:heartbeats"

// deregisterTimeout bounds the final hash cleanup once Run's context is gone.
const deregisterTimeout = 2 * time.Second

// Heartbeat publishes this process's worker metrics on a fixed interval.
// All methods are safe on a nil receiver so a dispatcher can run without one
// (single-process deployments, tests).
type Heartbeat struct {
	rdb      *redis.Client
	workerID string
	interval time.Duration

	processed atomic.Int64
	failed    atomic.Int64

	mu     sync.Mutex
	status domain.WorkerStatus

	// sample reads CPU and memory usage; swapped out in tests.
	sample func(ctx context.Context) (cpuPct, memPct float64)
}

// NewHeartbeat builds a heartbeat publisher for the named worker.
func NewHeartbeat(cfg config.Config, rdb *redis.Client, workerID string) *Heartbeat {
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Heartbeat{
		rdb:      rdb,
		workerID: workerID,
		interval: interval,
		status:   domain.WorkerIdle,
		sample:   sampleSystem,
	}
}

// WorkerID returns the identity this heartbeat publishes under.
func (h *Heartbeat) WorkerID() string {
	if h == nil {
		return ""
	}
	return h.workerID
}

// SetStatus records the worker's current lifecycle state for the next beat.
func (h *Heartbeat) SetStatus(st domain.WorkerStatus) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.status = st
	h.mu.Unlock()
}

// TaskDone counts one finished task toward the processed or failed totals.
func (h *Heartbeat) TaskDone(ok bool) {
	if h == nil {
		return
	}
	if ok {
		h.processed.Add(1)
	} else {
		h.failed.Add(1)
	}
}

// Snapshot assembles the metrics sample that the next beat would publish.
func (h *Heartbeat) Snapshot(ctx context.Context) domain.WorkerMetrics {
	h.mu.Lock()
	status := h.status
	h.mu.Unlock()
	cpuPct, memPct := h.sample(ctx)
	return domain.WorkerMetrics{
		WorkerID:       h.workerID,
		CPUPercent:     cpuPct,
		MemoryPercent:  memPct,
		TasksProcessed: h.processed.Load(),
		TasksFailed:    h.failed.Load(),
		LastHeartbeat:  time.Now().UTC(),
		Status:         status,
	}
}

// Publish writes one beat into the worker hash.
func (h *Heartbeat) Publish(ctx context.Context) error {
	m := h.Snapshot(ctx)
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	if err := h.rdb.HSet(ctx, HeartbeatHash, h.workerID, raw).Err(); err != nil {
		return fmt.Errorf("publish heartbeat: %w", err)
	}
	return nil
}

// Run beats until ctx is cancelled. On the way out the worker reports itself
// draining once, then drops its hash field so the scaler sees the fleet
// shrink immediately instead of waiting out the heartbeat timeout.
func (h *Heartbeat) Run(ctx context.Context) error {
	slog.Info("heartbeat started",
		slog.String("worker_id", h.workerID),
		slog.Duration("interval", h.interval))
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	if err := h.Publish(ctx); err != nil {
		slog.Warn("heartbeat publish failed", slog.Any("error", err))
	}
	for {
		select {
		case <-ctx.Done():
			h.deregister()
			slog.Info("heartbeat stopped", slog.String("worker_id", h.workerID))
			return ctx.Err()
		case <-ticker.C:
			if err := h.Publish(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("heartbeat publish failed", slog.Any("error", err))
			}
		}
	}
}

// deregister announces the drain and removes this worker from the hash using
// a fresh context; the loop context is already dead when this runs.
func (h *Heartbeat) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), deregisterTimeout)
	defer cancel()
	h.SetStatus(domain.WorkerDraining)
	if err := h.Publish(ctx); err != nil {
		slog.Warn("final heartbeat failed", slog.Any("error", err))
	}
	if err := h.rdb.HDel(ctx, HeartbeatHash, h.workerID).Err(); err != nil {
		slog.Warn("heartbeat deregister failed", slog.Any("error", err))
	}
}

// sampleSystem reads host CPU and memory utilization. Sampling failures
// degrade to zero readings rather than skipping the beat.
func sampleSystem(ctx context.Context) (float64, float64) {
	var cpuPct, memPct float64
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		memPct = vm.UsedPercent
	}
	return cpuPct, memPct
}
