package conduct

import (
	"context"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

func guardRig(t *testing.T, ttl time.Duration) (*LoopGuard, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewLoopGuard(rdb, ttl), mr
}

func TestLoopGuard_DuplicateIterationDetected(t *testing.T) {
	g, _ := guardRig(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, g.Mark(ctx, "conv-1", 1))
	err := g.Mark(ctx, "conv-1", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrLoopDetected)

	assert.NoError(t, g.Mark(ctx, "conv-1", 2), "next iteration is fresh")
	assert.NoError(t, g.Mark(ctx, "conv-2", 1), "other conversations are independent")
}

func TestLoopGuard_MarkExpires(t *testing.T) {
	g, mr := guardRig(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, g.Mark(ctx, "conv-1", 1))
	mr.FastForward(time.Minute + time.Second)
	assert.NoError(t, g.Mark(ctx, "conv-1", 1), "expired mark no longer counts")
}

func TestLoopGuard_DisabledWithoutRedis(t *testing.T) {
	g := NewLoopGuard(nil, 0)
	ctx := context.Background()

	assert.NoError(t, g.Mark(ctx, "conv-1", 1))
	assert.NoError(t, g.Mark(ctx, "conv-1", 1))

	var nilGuard *LoopGuard
	assert.NoError(t, nilGuard.Mark(ctx, "conv-1", 1))
}

func TestLoopGuard_RedisOutageDegradesOpen(t *testing.T) {
	g, mr := guardRig(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, g.Mark(ctx, "conv-1", 1))
	mr.Close()
	assert.NoError(t, g.Mark(ctx, "conv-1", 1), "guard must not fail the conversation when Redis is down")
}

func TestRepeatedContent(t *testing.T) {
	msg := func(content string) domain.AgentMessage {
		return domain.AgentMessage{Content: content}
	}
	long := strings.Repeat("a", 100)

	tests := []struct {
		name string
		msgs []domain.AgentMessage
		want bool
	}{
		{"too short", []domain.AgentMessage{msg("x"), msg("x")}, false},
		{"three identical", []domain.AgentMessage{msg("same"), msg("same"), msg("same")}, true},
		{"tail of longer window", []domain.AgentMessage{msg("start"), msg("same"), msg("same"), msg("same")}, true},
		{"one differs", []domain.AgentMessage{msg("same"), msg("other"), msg("same")}, false},
		{"prefix rule ignores tails", []domain.AgentMessage{msg(long + "one"), msg(long + "two"), msg(long + "three")}, true},
		{"difference within prefix", []domain.AgentMessage{msg(long), msg("b" + long[1:]), msg(long)}, false},
		{"whitespace trimmed", []domain.AgentMessage{msg("  same"), msg("same  "), msg("\nsame\t")}, true},
		{"empty window", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, repeatedContent(tt.msgs))
		})
	}
}
