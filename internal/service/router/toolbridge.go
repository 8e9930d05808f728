package router

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

type bridgeOriginKey struct{}

// markBridgeOrigin flags ctx so nested sends from a tool handler resolve to
// the direct channel instead of re-entering the bridge.
func markBridgeOrigin(ctx context.Context) context.Context {
	return context.WithValue(ctx, bridgeOriginKey{}, true)
}

func fromBridge(ctx context.Context) bool {
	v, _ := ctx.Value(bridgeOriginKey{}).(bool)
	return v
}

type toolBudgetKey struct{}

// toolBudget is the per-request invocation allowance. It rides the context
// so nested tool calls drain the same counter.
type toolBudget struct {
	remaining atomic.Int64
}

func ensureBudget(ctx context.Context, limit int) (context.Context, *toolBudget) {
	if b, ok := ctx.Value(toolBudgetKey{}).(*toolBudget); ok {
		return ctx, b
	}
	b := &toolBudget{}
	b.remaining.Store(int64(limit))
	return context.WithValue(ctx, toolBudgetKey{}, b), b
}

// ToolBridge dispatches agent requests in-process to registered tool
// handlers keyed by task type. A per-request budget caps the invocation
// count so a handler that recurses through the router cannot run away.
type ToolBridge struct {
	mu    sync.RWMutex
	tools map[string]domain.ToolInvoker
	limit int
}

// NewToolBridge builds a bridge with the given per-request budget. A
// non-positive budget disables the bridge: every invocation is over budget.
func NewToolBridge(limit int) *ToolBridge {
	return &ToolBridge{
		tools: make(map[string]domain.ToolInvoker),
		limit: limit,
	}
}

// Register binds a tool to a task type, replacing any previous binding.
func (b *ToolBridge) Register(taskType string, tool domain.ToolInvoker) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tools[taskType] = tool
}

// Has reports whether a tool is registered for the task type.
func (b *ToolBridge) Has(taskType string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.tools[taskType]
	return ok
}

// Names lists registered task types in sorted order. Used by the ops surface.
func (b *ToolBridge) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.tools))
	for name := range b.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs the tool registered for the request's task type. Unknown
// task types return ErrToolNotFound so the router can fall back to the
// direct API; an exhausted budget returns ErrBudgetExceeded and does not
// fall back.
func (b *ToolBridge) Execute(ctx context.Context, req domain.AgentRequest) (domain.AgentResponse, error) {
	start := time.Now()

	b.mu.RLock()
	tool, ok := b.tools[req.TaskType]
	b.mu.RUnlock()
	if !ok {
		return domain.AgentResponse{}, fmt.Errorf("task type %q: %w", req.TaskType, domain.ErrToolNotFound)
	}

	ctx, budget := ensureBudget(ctx, b.limit)
	if budget.remaining.Add(-1) < 0 {
		return domain.AgentResponse{}, fmt.Errorf("tool budget for %q: %w", req.TaskType, domain.ErrBudgetExceeded)
	}

	args := map[string]any{"prompt": req.Prompt}
	for k, v := range req.Metadata {
		if k == "prompt" {
			continue
		}
		args[k] = v
	}

	out, err := tool.Invoke(markBridgeOrigin(ctx), req.TaskType, args)
	if err != nil {
		return domain.AgentResponse{}, fmt.Errorf("tool %s: %w", req.TaskType, err)
	}
	return domain.AgentResponse{
		Content:        out,
		Provider:       req.Provider,
		Success:        true,
		Channel:        domain.ChannelToolBridge,
		KeyIndex:       -1,
		LatencySeconds: time.Since(start).Seconds(),
		CreatedAt:      time.Now().UTC(),
	}, nil
}
