package redisstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

// priorityStride spaces priority bands far enough apart that the insertion
// sequence never crosses into the next band.
const priorityStride = 1e9

// PriorityQueue is a ZSET-backed task queue: higher priority pops first,
// FIFO within a priority. Score = priority·1e9 − insertion sequence.
type PriorityQueue struct {
	rdb *redis.Client
	key string
}

// NewPriorityQueue builds a queue on the given ZSET key.
func NewPriorityQueue(rdb *redis.Client, key string) *PriorityQueue {
	return &PriorityQueue{rdb: rdb, key: key}
}

// Add enqueues the task at its priority. Missing IDs are assigned so members
// stay unique.
func (q *PriorityQueue) Add(ctx context.Context, task domain.TaskEnvelope) error {
	if task.ID == "" {
		task.ID = ulid.Make().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	seq, err := q.rdb.Incr(ctx, q.key+":seq").Result()
	if err != nil {
		return fmt.Errorf("priority seq %s: %w", q.key, err)
	}
	member, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	score := float64(task.Priority)*priorityStride - float64(seq)
	if err := q.rdb.ZAdd(ctx, q.key, redis.Z{Score: score, Member: string(member)}).Err(); err != nil {
		return fmt.Errorf("zadd %s: %w", q.key, err)
	}
	return nil
}

// Pop removes and returns the highest-priority task. ok is false on an
// empty queue.
func (q *PriorityQueue) Pop(ctx context.Context) (domain.TaskEnvelope, bool, error) {
	res, err := q.rdb.ZPopMax(ctx, q.key, 1).Result()
	if err != nil {
		return domain.TaskEnvelope{}, false, fmt.Errorf("zpopmax %s: %w", q.key, err)
	}
	if len(res) == 0 {
		return domain.TaskEnvelope{}, false, nil
	}
	member, _ := res[0].Member.(string)
	var task domain.TaskEnvelope
	if err := json.Unmarshal([]byte(member), &task); err != nil {
		return domain.TaskEnvelope{}, false, fmt.Errorf("decode popped task: %w", err)
	}
	return task, true, nil
}

// Peek returns up to n tasks in pop order without removing them.
func (q *PriorityQueue) Peek(ctx context.Context, n int) ([]domain.TaskEnvelope, error) {
	if n <= 0 {
		return nil, nil
	}
	members, err := q.rdb.ZRevRange(ctx, q.key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange %s: %w", q.key, err)
	}
	tasks := make([]domain.TaskEnvelope, 0, len(members))
	for _, m := range members {
		var task domain.TaskEnvelope
		if err := json.Unmarshal([]byte(m), &task); err != nil {
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Size returns the number of queued tasks.
func (q *PriorityQueue) Size(ctx context.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard %s: %w", q.key, err)
	}
	return n, nil
}
