// Package redisstream provides the durable task transport: Redis streams
// with consumer groups for at-least-once dispatch, a dead-letter stream per
// task stream, and a ZSET-based priority queue.
package redisstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/agent-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

const (
	// taskField holds the JSON-encoded TaskEnvelope inside a stream entry.
	taskField = "task"
	// DLQSuffix names the dead-letter stream derived from a task stream.
	DLQSuffix = ":dlq"

	// ReasonMaxRetries marks tasks dead-lettered after exhausting retries.
	ReasonMaxRetries = "max_retries_exceeded"
	// ReasonUnknownType marks tasks no handler is registered for.
	ReasonUnknownType = "unknown_task_type"
)

// Message is one stream entry: the Redis entry ID plus the decoded envelope.
type Message struct {
	ID   string
	Task domain.TaskEnvelope
}

// Store wraps a Redis client with the stream operations the dispatcher
// needs. Entry IDs are Redis-assigned and monotonic per stream; entries stay
// pending for their consumer until acked, claimed, or dead-lettered.
type Store struct {
	rdb    *redis.Client
	maxLen int64

	groupMu sync.Mutex
	groups  map[string]struct{}
}

// Option tunes the store.
type Option func(*Store)

// WithMaxLen caps streams at approximately n entries (XADD MAXLEN ~).
func WithMaxLen(n int64) Option {
	return func(s *Store) { s.maxLen = n }
}

// NewStore builds a stream store on the given client.
func NewStore(rdb *redis.Client, opts ...Option) *Store {
	s := &Store{
		rdb:    rdb,
		groups: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append adds the envelope to the stream and returns the Redis entry ID.
// Missing task IDs and timestamps are filled in.
func (s *Store) Append(ctx context.Context, stream string, task domain.TaskEnvelope) (string, error) {
	if task.ID == "" {
		task.ID = ulid.Make().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{taskField: string(payload)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	observability.TasksEnqueuedTotal.WithLabelValues(stream, task.Type).Inc()
	return id, nil
}

// ObserveDepth publishes the stream length as a gauge. The dispatcher calls
// this on its poll cycle.
func (s *Store) ObserveDepth(ctx context.Context, stream string) {
	if n, err := s.rdb.XLen(ctx, stream).Result(); err == nil {
		observability.StreamDepth.WithLabelValues(stream).Set(float64(n))
	}
}

// EnsureGroup creates the consumer group from the stream head, creating the
// stream too when absent. An already existing group is not an error.
func (s *Store) EnsureGroup(ctx context.Context, stream, group string) error {
	key := stream + "/" + group
	s.groupMu.Lock()
	_, done := s.groups[key]
	s.groupMu.Unlock()
	if done {
		return nil
	}

	err := s.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	s.groupMu.Lock()
	s.groups[key] = struct{}{}
	s.groupMu.Unlock()
	return nil
}

// ReadGroup fetches up to count undelivered entries for the consumer,
// blocking up to block (0 means no blocking). A drained stream returns an
// empty slice, not an error.
func (s *Store) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	if err := s.EnsureGroup(ctx, stream, group); err != nil {
		return nil, err
	}
	if block <= 0 {
		// go-redis encodes 0 as BLOCK 0 (wait forever); a negative value
		// omits BLOCK entirely.
		block = -1
	}
	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", stream, group, err)
	}

	var msgs []Message
	for _, xs := range res {
		for _, xm := range xs.Messages {
			m, perr := decodeMessage(xm)
			if perr != nil {
				// Undecodable entries would poison the loop; drop them to
				// the DLQ and ack.
				slog.Error("dropping undecodable stream entry",
					slog.String("stream", stream),
					slog.String("entry_id", xm.ID),
					slog.Any("error", perr))
				_ = s.deadLetterRaw(ctx, stream, group, xm.ID, fmt.Sprint(xm.Values[taskField]), "undecodable_entry", 0, "")
				continue
			}
			msgs = append(msgs, m)
		}
	}
	return msgs, nil
}

// Ack acknowledges processed entries.
func (s *Store) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s/%s: %w", stream, group, err)
	}
	return nil
}

// Claim transfers ownership of specific pending entries idle for at least
// minIdle to the consumer.
func (s *Store) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids []string) ([]Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	res, err := s.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("xclaim %s/%s: %w", stream, group, err)
	}
	return decodeAll(res), nil
}

// AutoClaim scans the pending entries list from start and claims entries
// idle for at least minIdle. It returns the claimed messages and the cursor
// for the next scan ("0-0" restarts).
func (s *Store) AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, start string, count int64) ([]Message, string, error) {
	if start == "" {
		start = "0-0"
	}
	if err := s.EnsureGroup(ctx, stream, group); err != nil {
		return nil, start, err
	}
	msgs, next, err := s.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    start,
		Count:    count,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, start, fmt.Errorf("xautoclaim %s/%s: %w", stream, group, err)
	}
	return decodeAll(msgs), next, nil
}

// Retry re-appends the task with retry_count+1 and acks the original entry
// in one pipeline; the new entry is delivered like any fresh task. Once
// retries are exhausted the task moves to the dead-letter stream instead and
// requeued is false.
func (s *Store) Retry(ctx context.Context, stream, group string, msg Message, reason string) (requeued bool, err error) {
	if msg.Task.RetryCount >= msg.Task.MaxRetries {
		if reason == "" {
			reason = ReasonMaxRetries
		}
		return false, s.MoveToDeadLetter(ctx, stream, group, msg, reason)
	}

	next := msg.Task
	next.RetryCount++
	payload, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("marshal retry %s: %w", next.ID, err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{taskField: string(payload)},
	})
	pipe.XAck(ctx, stream, group, msg.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("retry pipeline %s: %w", stream, err)
	}

	observability.TasksRetriedTotal.WithLabelValues(msg.Task.Type).Inc()
	slog.Info("task requeued for retry",
		slog.String("stream", stream),
		slog.String("task_id", msg.Task.ID),
		slog.String("task_type", msg.Task.Type),
		slog.Int("retry_count", next.RetryCount),
		slog.Int("max_retries", next.MaxRetries))
	return true, nil
}

// MoveToDeadLetter writes the fixed DLQ record to <stream>:dlq and acks the
// original entry.
func (s *Store) MoveToDeadLetter(ctx context.Context, stream, group string, msg Message, reason string) error {
	data, err := json.Marshal(msg.Task)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"id":%q}`, msg.Task.ID))
	}
	return s.deadLetterRaw(ctx, stream, group, msg.ID, string(data), reason, msg.Task.RetryCount, msg.Task.Type)
}

func (s *Store) deadLetterRaw(ctx context.Context, stream, group, entryID, taskData, reason string, retryCount int, taskType string) error {
	taskID := entryID
	var env domain.TaskEnvelope
	if err := json.Unmarshal([]byte(taskData), &env); err == nil && env.ID != "" {
		taskID = env.ID
		if taskType == "" {
			taskType = env.Type
		}
	}

	pipe := s.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: stream + DLQSuffix,
		Values: map[string]interface{}{
			"original_task_id": taskID,
			"task_type":        taskType,
			"task_data":        taskData,
			"failure_reason":   reason,
			"failed_at":        time.Now().UTC().Format(time.RFC3339),
			"retry_count":      retryCount,
		},
	})
	pipe.XAck(ctx, stream, group, entryID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dead-letter pipeline %s: %w", stream, err)
	}

	observability.TasksDeadLetteredTotal.WithLabelValues(stream).Inc()
	slog.Warn("task moved to dead letter queue",
		slog.String("stream", stream),
		slog.String("task_id", taskID),
		slog.String("task_type", taskType),
		slog.String("reason", reason),
		slog.Int("retry_count", retryCount))
	return nil
}

// Range returns up to count entries between start and end ("-", "+" for the
// whole stream).
func (s *Store) Range(ctx context.Context, stream, start, end string, count int64) ([]Message, error) {
	if start == "" {
		start = "-"
	}
	if end == "" {
		end = "+"
	}
	var (
		res []redis.XMessage
		err error
	)
	if count > 0 {
		res, err = s.rdb.XRangeN(ctx, stream, start, end, count).Result()
	} else {
		res, err = s.rdb.XRange(ctx, stream, start, end).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", stream, err)
	}
	return decodeAll(res), nil
}

// Len returns the number of entries in the stream.
func (s *Store) Len(ctx context.Context, stream string) (int64, error) {
	n, err := s.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", stream, err)
	}
	return n, nil
}

// Pending summarizes the group's pending entries list.
func (s *Store) Pending(ctx context.Context, stream, group string) (*redis.XPending, error) {
	p, err := s.rdb.XPending(ctx, stream, group).Result()
	if err != nil {
		return nil, fmt.Errorf("xpending %s/%s: %w", stream, group, err)
	}
	return p, nil
}

// DeadLetters reads up to count records from the stream's DLQ, oldest first.
func (s *Store) DeadLetters(ctx context.Context, stream string, count int64) ([]domain.DeadLetter, error) {
	res, err := s.rdb.XRangeN(ctx, stream+DLQSuffix, "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s%s: %w", stream, DLQSuffix, err)
	}
	letters := make([]domain.DeadLetter, 0, len(res))
	for _, xm := range res {
		letters = append(letters, domain.DeadLetter{
			OriginalTaskID: stringValue(xm.Values, "original_task_id"),
			TaskType:       stringValue(xm.Values, "task_type"),
			TaskData:       stringValue(xm.Values, "task_data"),
			FailureReason:  stringValue(xm.Values, "failure_reason"),
			FailedAt:       stringValue(xm.Values, "failed_at"),
			RetryCount:     intValue(xm.Values, "retry_count"),
		})
	}
	return letters, nil
}

// TrimDeadLetters drops DLQ records older than cutoff and reports how many
// were removed. Stream entry IDs encode milliseconds, so MINID trims by age
// without scanning the stream.
func (s *Store) TrimDeadLetters(ctx context.Context, stream string, cutoff time.Time) (int64, error) {
	dlq := stream + DLQSuffix
	minID := strconv.FormatInt(cutoff.UnixMilli(), 10)
	removed, err := s.rdb.XTrimMinID(ctx, dlq, minID).Result()
	if err != nil {
		return 0, fmt.Errorf("xtrim %s: %w", dlq, err)
	}
	return removed, nil
}

// Client exposes the underlying Redis client for readiness probes.
func (s *Store) Client() *redis.Client { return s.rdb }

func decodeAll(msgs []redis.XMessage) []Message {
	out := make([]Message, 0, len(msgs))
	for _, xm := range msgs {
		m, err := decodeMessage(xm)
		if err != nil {
			slog.Warn("skipping undecodable claimed entry",
				slog.String("entry_id", xm.ID),
				slog.Any("error", err))
			continue
		}
		out = append(out, m)
	}
	return out
}

func decodeMessage(xm redis.XMessage) (Message, error) {
	raw, ok := xm.Values[taskField]
	if !ok {
		return Message{}, fmt.Errorf("entry %s: missing %s field", xm.ID, taskField)
	}
	str, ok := raw.(string)
	if !ok {
		return Message{}, fmt.Errorf("entry %s: %s field is not a string", xm.ID, taskField)
	}
	var env domain.TaskEnvelope
	if err := json.Unmarshal([]byte(str), &env); err != nil {
		return Message{}, fmt.Errorf("entry %s: decode task: %w", xm.ID, err)
	}
	return Message{ID: xm.ID, Task: env}, nil
}

func stringValue(values map[string]interface{}, key string) string {
	if v, ok := values[key].(string); ok {
		return v
	}
	return ""
}

func intValue(values map[string]interface{}, key string) int {
	switch v := values[key].(type) {
	case string:
		var n int
		_, _ = fmt.Sscanf(v, "%d", &n)
		return n
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
