// Package dispatch runs the distributed task machinery: the stream consumer
// loop, the worker load balancer, the auto-scaler and the health monitor.
// Tasks travel as TaskEnvelope entries on a Redis stream; delivery is
// at-least-once, so handlers must tolerate replays.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/agent-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/agent-orchestrator/internal/adapter/redisstream"
	"github.com/fairyhunter13/agent-orchestrator/internal/config"
	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

// idleWait paces the poll loop when reads are non-blocking and the stream is
// drained.
const idleWait = 50 * time.Millisecond

// Handler processes one task. A nil return acks the entry; an error schedules
// a retry until MaxRetries is exhausted, then the task dead-letters.
type Handler func(ctx context.Context, task domain.TaskEnvelope) error

// Dispatcher consumes a task stream through a consumer group and routes each
// entry to the handler registered for its type.
type Dispatcher struct {
	store     *redisstream.Store
	stream    string
	group     string
	batch     int64
	block     time.Duration
	claimIdle time.Duration
	retry     config.RetryConfig
	heartbeat *Heartbeat

	mu       sync.RWMutex
	handlers map[string]Handler

	wg    sync.WaitGroup
	sleep func(ctx context.Context, d time.Duration) error
}

// DispatcherOption tunes the dispatcher.
type DispatcherOption func(*Dispatcher)

// WithHeartbeat mirrors task outcomes into the worker heartbeat so the scaler
// sees per-worker throughput.
func WithHeartbeat(h *Heartbeat) DispatcherOption {
	return func(d *Dispatcher) { d.heartbeat = h }
}

// NewDispatcher builds a dispatcher on the configured task stream. A
// non-positive CLAIM_MIN_IDLE disables stale-entry claiming; everything else
// is claimed from dead consumers once idle long enough.
func NewDispatcher(cfg config.Config, store *redisstream.Store, opts ...DispatcherOption) *Dispatcher {
	batch := int64(cfg.StreamBatch)
	if batch < 1 {
		batch = 1
	}
	d := &Dispatcher{
		store:     store,
		stream:    cfg.TaskStream,
		group:     cfg.TaskGroup,
		batch:     batch,
		block:     cfg.StreamBlock,
		claimIdle: cfg.ClaimMinIdle,
		retry:     cfg.GetRetryConfig(),
		handlers:  make(map[string]Handler),
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register binds a handler to a task type, replacing any previous binding.
func (d *Dispatcher) Register(taskType string, h Handler) {
	d.mu.Lock()
	d.handlers[taskType] = h
	d.mu.Unlock()
}

// Types returns the registered task types, sorted.
func (d *Dispatcher) Types() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	types := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Enqueue appends a task to the dispatcher's stream. A zero MaxRetries picks
// up the configured default so ad-hoc producers get retry coverage.
func (d *Dispatcher) Enqueue(ctx context.Context, task domain.TaskEnvelope) (string, error) {
	if task.Type == "" {
		return "", fmt.Errorf("enqueue: missing task type: %w", domain.ErrInvalidArgument)
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = d.retry.MaxRetries
	}
	return d.store.Append(ctx, d.stream, task)
}

// RunConsumer polls the stream as the named consumer until ctx is cancelled.
// Each cycle first claims entries other consumers left idle past the
// threshold, then reads fresh deliveries. Scheduled retries started by this
// consumer are drained before returning.
func (d *Dispatcher) RunConsumer(ctx context.Context, consumer string) error {
	slog.Info("dispatch consumer started",
		slog.String("stream", d.stream),
		slog.String("group", d.group),
		slog.String("consumer", consumer))
	defer d.wg.Wait()
	defer slog.Info("dispatch consumer stopped", slog.String("consumer", consumer))

	cursor := "0-0"
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, next, err := d.poll(ctx, consumer, cursor)
		cursor = next
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("dispatch poll failed",
				slog.String("stream", d.stream),
				slog.String("consumer", consumer),
				slog.Any("error", err))
			if serr := d.sleep(ctx, time.Second); serr != nil {
				return serr
			}
			continue
		}
		if n == 0 && d.block <= 0 {
			if serr := d.sleep(ctx, idleWait); serr != nil {
				return serr
			}
		}
	}
}

// poll runs one claim+read cycle and returns the number of entries handled
// plus the next auto-claim cursor.
func (d *Dispatcher) poll(ctx context.Context, consumer, cursor string) (int, string, error) {
	d.store.ObserveDepth(ctx, d.stream)

	processed := 0
	if d.claimIdle > 0 {
		claimed, next, err := d.store.AutoClaim(ctx, d.stream, d.group, consumer, d.claimIdle, cursor, d.batch)
		if err != nil {
			return 0, cursor, err
		}
		cursor = next
		for _, msg := range claimed {
			d.process(ctx, msg)
		}
		processed += len(claimed)
	}

	msgs, err := d.store.ReadGroup(ctx, d.stream, d.group, consumer, d.batch, d.block)
	if err != nil {
		return processed, cursor, err
	}
	for _, msg := range msgs {
		d.process(ctx, msg)
	}
	return processed + len(msgs), cursor, nil
}

// process routes one entry. Entries with no registered handler can never
// succeed and dead-letter immediately; failed entries stay pending through
// the backoff delay so another consumer can claim them if this one dies.
func (d *Dispatcher) process(ctx context.Context, msg redisstream.Message) {
	task := msg.Task
	d.mu.RLock()
	h, ok := d.handlers[task.Type]
	d.mu.RUnlock()
	if !ok {
		slog.Warn("no handler for task type",
			slog.String("task_id", task.ID),
			slog.String("task_type", task.Type))
		if err := d.store.MoveToDeadLetter(ctx, d.stream, d.group, msg, redisstream.ReasonUnknownType); err != nil {
			slog.Error("dead-letter failed",
				slog.String("task_id", task.ID),
				slog.Any("error", err))
		}
		return
	}

	observability.StartProcessingTask(task.Type)
	d.heartbeat.SetStatus(domain.WorkerBusy)
	err := d.invoke(ctx, h, task)
	d.heartbeat.SetStatus(domain.WorkerIdle)
	if err == nil {
		observability.CompleteTask(task.Type)
		d.heartbeat.TaskDone(true)
		if aerr := d.store.Ack(ctx, d.stream, d.group, msg.ID); aerr != nil {
			slog.Error("ack failed",
				slog.String("task_id", task.ID),
				slog.Any("error", aerr))
		}
		return
	}

	observability.FailTask(task.Type)
	d.heartbeat.TaskDone(false)
	slog.Warn("task handler failed",
		slog.String("task_id", task.ID),
		slog.String("task_type", task.Type),
		slog.Int("retry_count", task.RetryCount),
		slog.Int("max_retries", task.MaxRetries),
		slog.Any("error", err))
	d.scheduleRetry(ctx, msg)
}

// scheduleRetry waits out the backoff off the poll loop, then requeues the
// entry (or dead-letters it once retries are exhausted). The delay cap stays
// below the claim idle threshold so a sleeping retry is not normally
// claimable by a peer.
func (d *Dispatcher) scheduleRetry(ctx context.Context, msg redisstream.Message) {
	delay := d.retry.Delay(msg.Task.RetryCount)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.sleep(ctx, delay); err != nil {
			// Shutting down; the entry stays pending and will be claimed.
			return
		}
		requeued, err := d.store.Retry(ctx, d.stream, d.group, msg, "")
		if err != nil {
			slog.Error("retry failed",
				slog.String("task_id", msg.Task.ID),
				slog.Any("error", err))
			return
		}
		if !requeued {
			slog.Warn("task retries exhausted",
				slog.String("task_id", msg.Task.ID),
				slog.String("task_type", msg.Task.Type),
				slog.Int("retry_count", msg.Task.RetryCount))
		}
	}()
}

// invoke shields the consumer loop from handler panics; a panic counts as a
// failed attempt.
func (d *Dispatcher) invoke(ctx context.Context, h Handler, task domain.TaskEnvelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("task handler panicked",
				slog.String("task_id", task.ID),
				slog.String("task_type", task.Type),
				slog.Any("panic", r))
			err = fmt.Errorf("handler panic: %v: %w", r, domain.ErrInternal)
		}
	}()
	return h(ctx, task)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
