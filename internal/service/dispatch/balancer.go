package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/agent-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

// Strategy names a worker selection policy.
type Strategy string

const (
	RoundRobin         Strategy = "round_robin"
	LeastConnections   Strategy = "least_connections"
	LeastLoaded        Strategy = "least_loaded"
	WeightedRoundRobin Strategy = "weighted_round_robin"
	Random             Strategy = "random"
	// Adaptive picks a policy from average utilization: below 0.3 round
	// robin, up to 0.7 least loaded, above that least connections.
	Adaptive Strategy = "adaptive"
)

// ParseStrategy validates a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case RoundRobin, LeastConnections, LeastLoaded, WeightedRoundRobin, Random, Adaptive:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("balancer strategy %q: %w", s, domain.ErrInvalidArgument)
	}
}

// Worker describes a registration. Weight only matters to
// weighted_round_robin; MaxConcurrent caps in-flight assignments.
type Worker struct {
	ID            string
	Weight        int
	MaxConcurrent int
}

type workerState struct {
	Worker
	healthy    bool
	current    int
	load       float64
	completed  int64
	failed     int64
	avgLatency time.Duration
}

// WorkerView is a read-only snapshot for status endpoints.
type WorkerView struct {
	ID                 string  `json:"id"`
	Healthy            bool    `json:"healthy"`
	Weight             int     `json:"weight"`
	MaxConcurrent      int     `json:"max_concurrent"`
	CurrentConnections int     `json:"current_connections"`
	LoadFactor         float64 `json:"load_factor"`
	TasksCompleted     int64   `json:"tasks_completed"`
	TasksFailed        int64   `json:"tasks_failed"`
	AvgLatencySeconds  float64 `json:"avg_latency_seconds"`
}

// Balancer assigns tasks to registered workers. A worker is eligible while
// healthy and below its concurrency cap; an empty eligible set fails the
// assignment rather than queueing it.
type Balancer struct {
	strategy Strategy

	mu      sync.Mutex
	workers map[string]*workerState
	rr      uint64
	wrr     uint64

	randInt func(n int) int

	rdb       *redis.Client
	mirrorKey string
}

// BalancerOption tunes the balancer.
type BalancerOption func(*Balancer)

// WithAssignmentMirror records task→worker assignments in a Redis hash,
// best-effort, so operators can inspect placement across processes. An empty
// key selects "balancer:assignments".
func WithAssignmentMirror(rdb *redis.Client, key string) BalancerOption {
	return func(b *Balancer) {
		b.rdb = rdb
		if key == "" {
			key = "balancer:assignments"
		}
		b.mirrorKey = key
	}
}

// NewBalancer builds a balancer for the named strategy. Unknown names are
// rejected at construction so a typo fails the process instead of silently
// changing placement.
func NewBalancer(strategy string, opts ...BalancerOption) (*Balancer, error) {
	s, err := ParseStrategy(strategy)
	if err != nil {
		return nil, err
	}
	b := &Balancer{
		strategy: s,
		workers:  make(map[string]*workerState),
		randInt:  rand.Intn, // #nosec G404 -- placement choice, not security material
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Strategy returns the configured policy.
func (b *Balancer) Strategy() Strategy { return b.strategy }

// Register adds a worker, healthy and unloaded. Re-registering an existing
// ID resets its runtime state. Weight and MaxConcurrent floor at 1.
func (b *Balancer) Register(w Worker) {
	if w.Weight < 1 {
		w.Weight = 1
	}
	if w.MaxConcurrent < 1 {
		w.MaxConcurrent = 1
	}
	b.mu.Lock()
	b.workers[w.ID] = &workerState{Worker: w, healthy: true}
	n := len(b.workers)
	b.mu.Unlock()
	observability.WorkersRegistered.Set(float64(n))
}

// Remove deregisters a worker. In-flight assignments finish as usual;
// Complete on a removed worker is a no-op.
func (b *Balancer) Remove(id string) {
	b.mu.Lock()
	delete(b.workers, id)
	n := len(b.workers)
	b.mu.Unlock()
	observability.WorkersRegistered.Set(float64(n))
}

// SetHealth marks a worker (un)assignable. Unknown IDs are ignored: health
// updates can race worker eviction.
func (b *Balancer) SetHealth(id string, healthy bool) {
	b.mu.Lock()
	if w, ok := b.workers[id]; ok {
		w.healthy = healthy
	}
	b.mu.Unlock()
}

// SetLoad records a worker's utilization in [0,1], typically from its
// heartbeat. Unknown IDs are ignored.
func (b *Balancer) SetLoad(id string, load float64) {
	if load < 0 {
		load = 0
	}
	if load > 1 {
		load = 1
	}
	b.mu.Lock()
	if w, ok := b.workers[id]; ok {
		w.load = load
	}
	b.mu.Unlock()
}

// Assign picks a worker for the task per the configured strategy, bumps its
// connection count and mirrors the assignment. Returns the worker ID, or
// ErrNoWorkers when nothing is eligible.
func (b *Balancer) Assign(ctx context.Context, taskID string) (string, error) {
	b.mu.Lock()
	eligible := b.eligibleLocked()
	if len(eligible) == 0 {
		b.mu.Unlock()
		return "", fmt.Errorf("assign task %s: %w", taskID, domain.ErrNoWorkers)
	}
	w := b.pickLocked(eligible)
	w.current++
	id := w.ID
	b.mu.Unlock()

	observability.AssignmentsTotal.WithLabelValues(string(b.strategy)).Inc()
	b.mirror(ctx, taskID, id)
	return id, nil
}

// Complete records an assignment outcome: the connection slot frees up and
// the worker's counters and latency average move.
func (b *Balancer) Complete(workerID string, ok bool, latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, found := b.workers[workerID]
	if !found {
		return
	}
	if w.current > 0 {
		w.current--
	}
	if ok {
		w.completed++
	} else {
		w.failed++
	}
	if latency > 0 {
		if w.avgLatency == 0 {
			w.avgLatency = latency
		} else {
			w.avgLatency = (4*w.avgLatency + latency) / 5
		}
	}
}

// Rebalance recomputes the average utilization across healthy workers and
// returns it. No assignment moves; this only refreshes the bookkeeping the
// adaptive strategy reads.
func (b *Balancer) Rebalance() float64 {
	b.mu.Lock()
	avg := b.avgLoadLocked()
	b.mu.Unlock()
	slog.Debug("balancer rebalanced", slog.Float64("avg_load", avg))
	return avg
}

// Workers snapshots all registrations sorted by ID.
func (b *Balancer) Workers() []WorkerView {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]WorkerView, 0, len(b.workers))
	for _, w := range b.workers {
		out = append(out, WorkerView{
			ID:                 w.ID,
			Healthy:            w.healthy,
			Weight:             w.Weight,
			MaxConcurrent:      w.MaxConcurrent,
			CurrentConnections: w.current,
			LoadFactor:         w.load,
			TasksCompleted:     w.completed,
			TasksFailed:        w.failed,
			AvgLatencySeconds:  w.avgLatency.Seconds(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// eligibleLocked returns assignable workers in ID order so ties resolve
// deterministically.
func (b *Balancer) eligibleLocked() []*workerState {
	out := make([]*workerState, 0, len(b.workers))
	for _, w := range b.workers {
		if w.healthy && w.current < w.MaxConcurrent {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (b *Balancer) pickLocked(eligible []*workerState) *workerState {
	switch b.strategy {
	case RoundRobin:
		return b.pickRoundRobinLocked(eligible)
	case LeastConnections:
		return pickLeastConnections(eligible)
	case LeastLoaded:
		return pickLeastLoaded(eligible)
	case WeightedRoundRobin:
		return b.pickWeightedLocked(eligible)
	case Random:
		return eligible[b.randInt(len(eligible))]
	default: // Adaptive
		avg := b.avgLoadLocked()
		switch {
		case avg < 0.3:
			return b.pickRoundRobinLocked(eligible)
		case avg <= 0.7:
			return pickLeastLoaded(eligible)
		default:
			return pickLeastConnections(eligible)
		}
	}
}

func (b *Balancer) pickRoundRobinLocked(eligible []*workerState) *workerState {
	w := eligible[b.rr%uint64(len(eligible))]
	b.rr++
	return w
}

// pickWeightedLocked expands the eligible set by weight into a flat ring and
// round-robins over it.
func (b *Balancer) pickWeightedLocked(eligible []*workerState) *workerState {
	ring := make([]*workerState, 0, len(eligible))
	for _, w := range eligible {
		for i := 0; i < w.Weight; i++ {
			ring = append(ring, w)
		}
	}
	w := ring[b.wrr%uint64(len(ring))]
	b.wrr++
	return w
}

func pickLeastConnections(eligible []*workerState) *workerState {
	best := eligible[0]
	for _, w := range eligible[1:] {
		if w.current < best.current {
			best = w
		}
	}
	return best
}

func pickLeastLoaded(eligible []*workerState) *workerState {
	best := eligible[0]
	for _, w := range eligible[1:] {
		if w.load < best.load {
			best = w
		}
	}
	return best
}

// avgLoadLocked averages utilization over healthy workers, at-capacity ones
// included: their load is exactly the pressure signal.
func (b *Balancer) avgLoadLocked() float64 {
	var sum float64
	var n int
	for _, w := range b.workers {
		if w.healthy {
			sum += w.load
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func (b *Balancer) mirror(ctx context.Context, taskID, workerID string) {
	if b.rdb == nil || taskID == "" {
		return
	}
	if err := b.rdb.HSet(ctx, b.mirrorKey, taskID, workerID).Err(); err != nil {
		slog.Debug("assignment mirror write failed",
			slog.String("task_id", taskID),
			slog.String("worker_id", workerID),
			slog.Any("error", err))
	}
}
