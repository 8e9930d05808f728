package redisstream

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

func newTestStore(t *testing.T) (*Store, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb), rdb
}

func TestStore_AppendReadAck(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	task := domain.TaskEnvelope{
		Type:       "backtest",
		Payload:    json.RawMessage(`{"strategy":"momentum"}`),
		MaxRetries: 3,
	}
	id, err := s.Append(ctx, "tasks", task)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs, err := s.ReadGroup(ctx, "tasks", "workers", "w1", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, "backtest", msgs[0].Task.Type)
	assert.NotEmpty(t, msgs[0].Task.ID, "task id assigned on append")
	assert.JSONEq(t, `{"strategy":"momentum"}`, string(msgs[0].Task.Payload))

	// Entry stays pending until acked.
	p, err := s.Pending(ctx, "tasks", "workers")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Count)

	require.NoError(t, s.Ack(ctx, "tasks", "workers", msgs[0].ID))
	p, err = s.Pending(ctx, "tasks", "workers")
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.Count)

	// Nothing new to read.
	msgs, err = s.ReadGroup(ctx, "tasks", "workers", "w1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestStore_EntryIDsMonotonic(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var prev string
	for i := 0; i < 5; i++ {
		id, err := s.Append(ctx, "tasks", domain.TaskEnvelope{Type: "t"})
		require.NoError(t, err)
		if prev != "" {
			assert.Greater(t, id, prev)
		}
		prev = id
	}

	n, err := s.Len(ctx, "tasks")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestStore_EnsureGroupIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureGroup(ctx, "tasks", "workers"))
	require.NoError(t, s.EnsureGroup(ctx, "tasks", "workers"))

	// A second store instance hits BUSYGROUP and tolerates it.
	s2 := NewStore(s.Client())
	require.NoError(t, s2.EnsureGroup(ctx, "tasks", "workers"))
}

func TestStore_RetryIncrementsAndRequeues(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, "tasks", domain.TaskEnvelope{Type: "ingest", MaxRetries: 2})
	require.NoError(t, err)

	msgs, err := s.ReadGroup(ctx, "tasks", "workers", "w1", 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	originalTaskID := msgs[0].Task.ID

	requeued, err := s.Retry(ctx, "tasks", "workers", msgs[0], "handler failed")
	require.NoError(t, err)
	assert.True(t, requeued)

	// Original acked, replacement delivered with the bumped count.
	p, err := s.Pending(ctx, "tasks", "workers")
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.Count)

	msgs, err = s.ReadGroup(ctx, "tasks", "workers", "w1", 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 1, msgs[0].Task.RetryCount)
	assert.Equal(t, originalTaskID, msgs[0].Task.ID, "retry keeps the task identity")
}

func TestStore_RetryExhaustionDeadLetters(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, "tasks", domain.TaskEnvelope{
		Type:       "backtest",
		Payload:    json.RawMessage(`{"run":1}`),
		MaxRetries: 2,
	})
	require.NoError(t, err)

	// Initial attempt plus two retries, each failing.
	var taskID string
	for attempt := 0; attempt < 3; attempt++ {
		msgs, err := s.ReadGroup(ctx, "tasks", "workers", "w1", 1, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1, "attempt %d should deliver the task", attempt)
		assert.Equal(t, attempt, msgs[0].Task.RetryCount)
		taskID = msgs[0].Task.ID

		requeued, err := s.Retry(ctx, "tasks", "workers", msgs[0], "still failing")
		require.NoError(t, err)
		assert.Equal(t, attempt < 2, requeued)
	}

	// Third failure exceeded maxRetries: task is in the DLQ, not the stream.
	msgs, err := s.ReadGroup(ctx, "tasks", "workers", "w1", 1, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	p, err := s.Pending(ctx, "tasks", "workers")
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.Count, "original entry acked on dead-letter")

	letters, err := s.DeadLetters(ctx, "tasks", 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, taskID, letters[0].OriginalTaskID)
	assert.Equal(t, "backtest", letters[0].TaskType)
	assert.Equal(t, ReasonMaxRetries, letters[0].FailureReason)
	assert.Equal(t, 2, letters[0].RetryCount)
	assert.NotEmpty(t, letters[0].TaskData)

	_, err = time.Parse(time.RFC3339, letters[0].FailedAt)
	assert.NoError(t, err, "failed_at is RFC3339")
}

func TestStore_MoveToDeadLetterExplicitReason(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, "tasks", domain.TaskEnvelope{Type: "mystery", MaxRetries: 5})
	require.NoError(t, err)

	msgs, err := s.ReadGroup(ctx, "tasks", "workers", "w1", 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, s.MoveToDeadLetter(ctx, "tasks", "workers", msgs[0], ReasonUnknownType))

	letters, err := s.DeadLetters(ctx, "tasks", 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, ReasonUnknownType, letters[0].FailureReason)
	assert.Equal(t, 0, letters[0].RetryCount)
}

func TestStore_ClaimTransfersPending(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, "tasks", domain.TaskEnvelope{Type: "t", MaxRetries: 1})
	require.NoError(t, err)

	msgs, err := s.ReadGroup(ctx, "tasks", "workers", "w1", 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// w1 dies without acking; w2 claims the entry.
	claimed, err := s.Claim(ctx, "tasks", "workers", "w2", 0, []string{msgs[0].ID})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, msgs[0].ID, claimed[0].ID)
	assert.Equal(t, "t", claimed[0].Task.Type)

	require.NoError(t, s.Ack(ctx, "tasks", "workers", claimed[0].ID))
	p, err := s.Pending(ctx, "tasks", "workers")
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.Count)
}

func TestStore_AutoClaimScansStale(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, "tasks", domain.TaskEnvelope{Type: "t", MaxRetries: 1})
		require.NoError(t, err)
	}
	msgs, err := s.ReadGroup(ctx, "tasks", "workers", "w1", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	claimed, next, err := s.AutoClaim(ctx, "tasks", "workers", "w2", 0, "0-0", 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 3)
	assert.NotEmpty(t, next)
}

func TestStore_RangeAndEmptyRead(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	msgs, err := s.ReadGroup(ctx, "empty", "workers", "w1", 5, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = s.Append(ctx, "tasks", domain.TaskEnvelope{Type: "a"})
	require.NoError(t, err)
	_, err = s.Append(ctx, "tasks", domain.TaskEnvelope{Type: "b"})
	require.NoError(t, err)

	all, err := s.Range(ctx, "tasks", "-", "+", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Task.Type)
	assert.Equal(t, "b", all[1].Task.Type)

	one, err := s.Range(ctx, "tasks", "-", "+", 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestStore_TrimDeadLettersByAge(t *testing.T) {
	s, rdb := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	for i, ts := range []time.Time{now.Add(-48 * time.Hour), now.Add(-time.Minute)} {
		_, err := rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: "tasks" + DLQSuffix,
			ID:     fmt.Sprintf("%d-%d", ts.UnixMilli(), i),
			Values: map[string]interface{}{
				"original_task_id": fmt.Sprintf("task-%d", i),
				"task_type":        "agent_request",
				"failure_reason":   ReasonMaxRetries,
			},
		}).Result()
		require.NoError(t, err)
	}

	removed, err := s.TrimDeadLetters(ctx, "tasks", now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	letters, err := s.DeadLetters(ctx, "tasks", 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "task-1", letters[0].OriginalTaskID)

	// A second sweep with the same cutoff finds nothing left to drop.
	removed, err = s.TrimDeadLetters(ctx, "tasks", now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)
}
