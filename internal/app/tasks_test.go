package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-orchestrator/internal/adapter/memstore"
	"github.com/fairyhunter13/agent-orchestrator/internal/adapter/redisstream"
	"github.com/fairyhunter13/agent-orchestrator/internal/config"
	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
	"github.com/fairyhunter13/agent-orchestrator/internal/service/conduct"
	"github.com/fairyhunter13/agent-orchestrator/internal/service/dispatch"
)

type stubCaller struct {
	mu    sync.Mutex
	calls []domain.AgentRequest
	reply func(req domain.AgentRequest) (domain.AgentResponse, error)
}

func (s *stubCaller) SendRequest(_ context.Context, req domain.AgentRequest) (domain.AgentResponse, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	if s.reply != nil {
		return s.reply(req)
	}
	return domain.AgentResponse{Content: "ok", Provider: req.Provider, Success: true}, nil
}

func (s *stubCaller) requests() []domain.AgentRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AgentRequest, len(s.calls))
	copy(out, s.calls)
	return out
}

func newTaskConductor(caller conduct.Caller) *conduct.Conductor {
	cfg := config.Config{ConversationWindow: 50, MaxTurns: 10, IterativeTarget: 0.85}
	return conduct.New(cfg, caller, memstore.NewInMemory(), nil)
}

func TestAgentRequestHandler_RoutesPayload(t *testing.T) {
	caller := &stubCaller{}
	h := AgentRequestHandler(caller)

	payload, err := json.Marshal(domain.AgentRequest{Prompt: "score AAPL momentum", Provider: "deepseek"})
	require.NoError(t, err)

	err = h(context.Background(), domain.TaskEnvelope{ID: "01TASK", Type: TaskAgentRequest, Payload: payload})
	require.NoError(t, err)

	calls := caller.requests()
	require.Len(t, calls, 1)
	assert.Equal(t, "score AAPL momentum", calls[0].Prompt)
	assert.Equal(t, "deepseek", calls[0].Provider)
	assert.Equal(t, "01TASK", calls[0].CorrelationID, "task id becomes the correlation id")
}

func TestAgentRequestHandler_KeepsExplicitCorrelationID(t *testing.T) {
	caller := &stubCaller{}
	h := AgentRequestHandler(caller)

	payload, err := json.Marshal(domain.AgentRequest{Prompt: "p", CorrelationID: "corr-42"})
	require.NoError(t, err)

	require.NoError(t, h(context.Background(), domain.TaskEnvelope{ID: "01TASK", Payload: payload}))
	require.Len(t, caller.requests(), 1)
	assert.Equal(t, "corr-42", caller.requests()[0].CorrelationID)
}

func TestAgentRequestHandler_MalformedPayload(t *testing.T) {
	h := AgentRequestHandler(&stubCaller{})

	err := h(context.Background(), domain.TaskEnvelope{ID: "t1", Payload: json.RawMessage(`{`)})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestAgentRequestHandler_RouterErrorPropagates(t *testing.T) {
	caller := &stubCaller{reply: func(domain.AgentRequest) (domain.AgentResponse, error) {
		return domain.AgentResponse{}, fmt.Errorf("lease: %w", domain.ErrNoHealthyKey)
	}}
	h := AgentRequestHandler(caller)

	payload, err := json.Marshal(domain.AgentRequest{Prompt: "p"})
	require.NoError(t, err)

	err = h(context.Background(), domain.TaskEnvelope{ID: "t2", Payload: payload})
	assert.ErrorIs(t, err, domain.ErrNoHealthyKey)
}

func TestConversationHandler_RunsSequentialPattern(t *testing.T) {
	caller := &stubCaller{}
	h := ConversationHandler(newTaskConductor(caller))

	payload, err := json.Marshal(ConversationTask{
		Pattern: conduct.PatternSequential,
		Agents:  []string{"analyst", "critic"},
		Task:    "review the pairs strategy",
	})
	require.NoError(t, err)

	require.NoError(t, h(context.Background(), domain.TaskEnvelope{ID: "t3", Payload: payload}))

	calls := caller.requests()
	require.Len(t, calls, 2)
	assert.Equal(t, "analyst", calls[0].Provider)
	assert.Equal(t, "critic", calls[1].Provider)
}

func TestConversationHandler_UnknownPattern(t *testing.T) {
	h := ConversationHandler(newTaskConductor(&stubCaller{}))

	payload, err := json.Marshal(ConversationTask{Pattern: "debate", Agents: []string{"a"}, Task: "t"})
	require.NoError(t, err)

	err = h(context.Background(), domain.TaskEnvelope{ID: "t4", Payload: payload})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestConversationHandler_CollaborativeNeedsTwoAgents(t *testing.T) {
	h := ConversationHandler(newTaskConductor(&stubCaller{}))

	payload, err := json.Marshal(ConversationTask{
		Pattern: conduct.PatternCollaborative,
		Agents:  []string{"a", "b", "c"},
		Task:    "t",
	})
	require.NoError(t, err)

	err = h(context.Background(), domain.TaskEnvelope{ID: "t5", Payload: payload})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestConversationHandler_MalformedPayload(t *testing.T) {
	h := ConversationHandler(newTaskConductor(&stubCaller{}))

	err := h(context.Background(), domain.TaskEnvelope{ID: "t6", Payload: json.RawMessage(`[`)})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestRegisterTaskHandlers(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.Config{TaskStream: "agent_tasks", TaskGroup: "agent-workers", StreamBatch: 10}
	d := dispatch.NewDispatcher(cfg, redisstream.NewStore(rdb))

	RegisterTaskHandlers(d, &stubCaller{}, newTaskConductor(&stubCaller{}))
	assert.Equal(t, []string{TaskAgentRequest, TaskConversation}, d.Types())
}
