package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
	"github.com/fairyhunter13/agent-orchestrator/internal/service/conduct"
	"github.com/fairyhunter13/agent-orchestrator/internal/service/dispatch"
)

// Task types consumed by the worker binary.
const (
	// TaskAgentRequest carries a single domain.AgentRequest payload.
	TaskAgentRequest = "agent_request"
	// TaskConversation carries a ConversationTask payload describing a
	// multi-agent pattern run.
	TaskConversation = "conversation"
)

// ConversationTask is the payload of a conversation task. Agents lists the
// participants in order: the full chain for sequential and consensus runs,
// [first, second] for collaborative, [worker, reviewer] for iterative.
type ConversationTask struct {
	Pattern          string   `json:"pattern"`
	Agents           []string `json:"agents"`
	Task             string   `json:"task"`
	MaxTurns         int      `json:"max_turns,omitempty"`
	MaxIterations    int      `json:"max_iterations,omitempty"`
	TargetConfidence float64  `json:"target_confidence,omitempty"`
}

// RegisterTaskHandlers binds the orchestration task types to the dispatcher.
func RegisterTaskHandlers(d *dispatch.Dispatcher, caller conduct.Caller, conductor *conduct.Conductor) {
	d.Register(TaskAgentRequest, AgentRequestHandler(caller))
	d.Register(TaskConversation, ConversationHandler(conductor))
}

// AgentRequestHandler decodes an AgentRequest payload and routes it through
// the agent router. Routing failures are returned unwrapped so the
// dispatcher's retry schedule applies to them.
func AgentRequestHandler(caller conduct.Caller) dispatch.Handler {
	return func(ctx context.Context, task domain.TaskEnvelope) error {
		var req domain.AgentRequest
		if err := json.Unmarshal(task.Payload, &req); err != nil {
			return fmt.Errorf("decode agent request payload: %w: %v", domain.ErrValidation, err)
		}
		if req.CorrelationID == "" {
			req.CorrelationID = task.ID
		}
		resp, err := caller.SendRequest(ctx, req)
		if err != nil {
			return fmt.Errorf("route task %s: %w", task.ID, err)
		}
		slog.Info("agent task completed",
			slog.String("task_id", task.ID),
			slog.String("provider", resp.Provider),
			slog.String("model", resp.Model),
			slog.Float64("latency_seconds", resp.LatencySeconds),
			slog.Int("tokens_out", resp.TokensOut),
			slog.Bool("cached", resp.Cached))
		return nil
	}
}

// ConversationHandler decodes a ConversationTask payload and runs the named
// conductor pattern to completion.
func ConversationHandler(c *conduct.Conductor) dispatch.Handler {
	return func(ctx context.Context, task domain.TaskEnvelope) error {
		var ct ConversationTask
		if err := json.Unmarshal(task.Payload, &ct); err != nil {
			return fmt.Errorf("decode conversation payload: %w: %v", domain.ErrValidation, err)
		}
		res, err := runPattern(ctx, c, ct)
		if err != nil {
			return fmt.Errorf("conversation task %s: %w", task.ID, err)
		}
		slog.Info("conversation task completed",
			slog.String("task_id", task.ID),
			slog.String("conversation_id", res.ConversationID),
			slog.String("pattern", res.Pattern),
			slog.String("terminated_by", res.TerminatedBy),
			slog.Int("iterations", res.Iterations),
			slog.Float64("confidence", res.Confidence))
		return nil
	}
}

func runPattern(ctx context.Context, c *conduct.Conductor, ct ConversationTask) (conduct.ConversationResult, error) {
	switch ct.Pattern {
	case conduct.PatternSequential:
		return c.RunSequential(ctx, ct.Agents, ct.Task)
	case conduct.PatternCollaborative:
		if len(ct.Agents) != 2 {
			return conduct.ConversationResult{}, fmt.Errorf("%w: collaborative pattern needs exactly two agents", domain.ErrInvalidArgument)
		}
		return c.RunCollaborative(ctx, ct.Agents[0], ct.Agents[1], ct.Task, ct.MaxTurns)
	case conduct.PatternConsensus:
		return c.RunConsensus(ctx, ct.Agents, ct.Task)
	case conduct.PatternIterative:
		if len(ct.Agents) != 2 {
			return conduct.ConversationResult{}, fmt.Errorf("%w: iterative pattern needs a worker and a reviewer", domain.ErrInvalidArgument)
		}
		return c.RunIterative(ctx, ct.Agents[0], ct.Agents[1], ct.Task, ct.MaxIterations, ct.TargetConfidence)
	default:
		return conduct.ConversationResult{}, fmt.Errorf("%w: unknown conversation pattern %q", domain.ErrInvalidArgument, ct.Pattern)
	}
}
