// Package conduct composes multi-agent conversation patterns on top of the
// router: sequential chains, two-agent collaboration, parallel consensus and
// iterative improve-then-review, plus the artifact validation pipeline.
package conduct

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

// loopPrefixLen is how many leading characters of a message count for the
// repeated-content rule.
const loopPrefixLen = 100

// loopWindow is how many trailing messages the repeated-content rule
// compares.
const loopWindow = 3

// LoopGuard detects conversations that stop making progress. Two rules
// apply: a Redis SET NX key per (conversation, iteration) catches replayed
// iterations across processes, and the repeated-content rule catches agents
// echoing each other.
type LoopGuard struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewLoopGuard builds a guard over rdb. A nil client disables the iteration
// rule; the content rule still applies.
func NewLoopGuard(rdb *redis.Client, ttl time.Duration) *LoopGuard {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &LoopGuard{rdb: rdb, ttl: ttl}
}

// Mark registers one routed iteration. A second mark for the same iteration
// within the TTL returns ErrLoopDetected. Redis unavailability degrades to
// no marking rather than failing the conversation.
func (g *LoopGuard) Mark(ctx context.Context, conversationID string, iteration int) error {
	if g == nil || g.rdb == nil {
		return nil
	}
	key := fmt.Sprintf("loop:%s:%d", conversationID, iteration)
	ok, err := g.rdb.SetNX(ctx, key, 1, g.ttl).Result()
	if err != nil {
		slog.Warn("loop guard write failed",
			slog.String("conversation_id", conversationID),
			slog.Int("iteration", iteration),
			slog.Any("error", err))
		return nil
	}
	if !ok {
		return fmt.Errorf("conversation %s iteration %d already routed: %w",
			conversationID, iteration, domain.ErrLoopDetected)
	}
	return nil
}

// repeatedContent reports whether the last three messages are pairwise
// identical on their first 100 characters.
func repeatedContent(msgs []domain.AgentMessage) bool {
	if len(msgs) < loopWindow {
		return false
	}
	tail := msgs[len(msgs)-loopWindow:]
	first := contentPrefix(tail[0].Content)
	for _, m := range tail[1:] {
		if contentPrefix(m.Content) != first {
			return false
		}
	}
	return true
}

func contentPrefix(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > loopPrefixLen {
		return s[:loopPrefixLen]
	}
	return s
}
