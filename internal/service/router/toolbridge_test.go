package router

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

type fakeTool struct {
	calls atomic.Int32
	fn    func(ctx context.Context, name string, args map[string]any) (string, error)
}

func (f *fakeTool) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	f.calls.Add(1)
	if f.fn != nil {
		return f.fn(ctx, name, args)
	}
	return "tool output", nil
}

func TestBridge_ExecutesRegisteredTool(t *testing.T) {
	b := NewToolBridge(4)
	tool := &fakeTool{fn: func(_ context.Context, name string, args map[string]any) (string, error) {
		assert.Equal(t, "backtest", name)
		assert.Equal(t, "run the sharpe screen", args["prompt"])
		assert.Equal(t, "2024", args["year"])
		return "sharpe 1.4", nil
	}}
	b.Register("backtest", tool)

	resp, err := b.Execute(context.Background(), domain.AgentRequest{
		TaskType: "backtest",
		Prompt:   "run the sharpe screen",
		Metadata: map[string]string{"year": "2024"},
	})
	require.NoError(t, err)
	assert.Equal(t, "sharpe 1.4", resp.Content)
	assert.Equal(t, domain.ChannelToolBridge, resp.Channel)
	assert.Equal(t, -1, resp.KeyIndex)
	assert.True(t, resp.Success)
	assert.EqualValues(t, 1, tool.calls.Load())
}

func TestBridge_UnknownToolNotFound(t *testing.T) {
	b := NewToolBridge(4)
	_, err := b.Execute(context.Background(), domain.AgentRequest{TaskType: "nonesuch", Prompt: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrToolNotFound)
}

func TestBridge_ZeroBudgetDisables(t *testing.T) {
	b := NewToolBridge(0)
	b.Register("backtest", &fakeTool{})
	_, err := b.Execute(context.Background(), domain.AgentRequest{TaskType: "backtest", Prompt: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBudgetExceeded)
}

func TestBridge_HasAndNames(t *testing.T) {
	b := NewToolBridge(4)
	b.Register("zeta", &fakeTool{})
	b.Register("alpha", &fakeTool{})

	assert.True(t, b.Has("alpha"))
	assert.False(t, b.Has("beta"))
	assert.Equal(t, []string{"alpha", "zeta"}, b.Names())
}

func TestRouter_ImplicitChannelPrefersBridge(t *testing.T) {
	cfg := testConfig()
	cfg.ForceDirectAgentAPI = false
	rig := newRig(t, cfg, nil)
	tool := &fakeTool{}
	rig.router.Bridge().Register("search", tool)

	resp, err := rig.router.SendRequest(context.Background(), domain.AgentRequest{
		Prompt:   "find the paper",
		TaskType: "search",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelToolBridge, resp.Channel)
	assert.Equal(t, "tool output", resp.Content)
	assert.EqualValues(t, 1, tool.calls.Load())
	assert.Equal(t, 0, rig.client.callCount(), "bridge path must not lease a key")
}

func TestRouter_ForceDirectSkipsBridge(t *testing.T) {
	cfg := testConfig()
	cfg.ForceDirectAgentAPI = true
	rig := newRig(t, cfg, nil)
	tool := &fakeTool{}
	rig.router.Bridge().Register("search", tool)

	resp, err := rig.router.SendRequest(context.Background(), domain.AgentRequest{
		Prompt:   "find the paper",
		TaskType: "search",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelDirectAPI, resp.Channel)
	assert.EqualValues(t, 0, tool.calls.Load())
	assert.Equal(t, 1, rig.client.callCount())
}

func TestRouter_FileAccessForcesDirect(t *testing.T) {
	cfg := testConfig()
	cfg.ForceDirectAgentAPI = false
	rig := newRig(t, cfg, nil)
	tool := &fakeTool{}
	rig.router.Bridge().Register("search", tool)

	resp, err := rig.router.SendRequest(context.Background(), domain.AgentRequest{
		Prompt:   "summarize the uploaded strategy",
		TaskType: "search",
		Metadata: map[string]string{"use_file_access": "true"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelDirectAPI, resp.Channel)
	assert.EqualValues(t, 0, tool.calls.Load())
}

func TestRouter_ToolNotFoundFallsBackToDirectOnce(t *testing.T) {
	cfg := testConfig()
	cfg.ForceDirectAgentAPI = false
	rig := newRig(t, cfg, nil)

	resp, err := rig.router.SendRequest(context.Background(), domain.AgentRequest{
		Prompt:   "hello",
		TaskType: "unregistered",
		Channel:  domain.ChannelToolBridge,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelDirectAPI, resp.Channel)
	assert.True(t, resp.Success)
	assert.Equal(t, 1, rig.client.callCount())
}

func TestRouter_ToolErrorDoesNotFallBack(t *testing.T) {
	cfg := testConfig()
	cfg.ForceDirectAgentAPI = false
	rig := newRig(t, cfg, nil)
	tool := &fakeTool{fn: func(context.Context, string, map[string]any) (string, error) {
		return "", fmt.Errorf("backtest engine offline: %w", domain.ErrInternal)
	}}
	rig.router.Bridge().Register("backtest", tool)

	resp, err := rig.router.SendRequest(context.Background(), domain.AgentRequest{
		Prompt:   "run it",
		TaskType: "backtest",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInternal)
	assert.False(t, resp.Success)
	assert.Equal(t, 0, rig.client.callCount(), "tool failures surface, they do not fall back")
}

// A tool that re-enters the router with an explicit bridge channel drains
// the shared per-request budget instead of recursing forever.
func TestRouter_ToolBudgetStopsRecursion(t *testing.T) {
	cfg := testConfig()
	cfg.ForceDirectAgentAPI = false
	cfg.ToolCallBudget = 3
	rig := newRig(t, cfg, nil)

	tool := &fakeTool{}
	tool.fn = func(ctx context.Context, _ string, _ map[string]any) (string, error) {
		resp, err := rig.router.SendRequest(ctx, domain.AgentRequest{
			Prompt:   "dig deeper",
			TaskType: "loop",
			Channel:  domain.ChannelToolBridge,
		})
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	}
	rig.router.Bridge().Register("loop", tool)

	_, err := rig.router.SendRequest(context.Background(), domain.AgentRequest{
		Prompt:   "start",
		TaskType: "loop",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBudgetExceeded)
	assert.EqualValues(t, 3, tool.calls.Load(), "every budgeted invocation ran once")
	assert.Equal(t, 0, rig.client.callCount())
}

// Without an explicit channel a nested send from inside a tool handler goes
// to the direct API even when the task type has a registered tool.
func TestRouter_NestedImplicitSendGoesDirect(t *testing.T) {
	cfg := testConfig()
	cfg.ForceDirectAgentAPI = false
	rig := newRig(t, cfg, nil)

	tool := &fakeTool{}
	tool.fn = func(ctx context.Context, _ string, _ map[string]any) (string, error) {
		resp, err := rig.router.SendRequest(ctx, domain.AgentRequest{
			Prompt:   "verify with the model",
			TaskType: "analyze",
		})
		if err != nil {
			return "", err
		}
		return "checked: " + resp.Content, nil
	}
	rig.router.Bridge().Register("analyze", tool)

	resp, err := rig.router.SendRequest(context.Background(), domain.AgentRequest{
		Prompt:   "analyze this strategy",
		TaskType: "analyze",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelToolBridge, resp.Channel)
	assert.EqualValues(t, 1, tool.calls.Load(), "nested send must not re-enter the bridge")
	assert.Equal(t, 1, rig.client.callCount(), "nested send went to the provider")
	assert.Contains(t, resp.Content, "checked:")
}

func TestRouter_ExplicitBridgeWithNilBridgeFallsBack(t *testing.T) {
	cfg := testConfig()
	rig := newRig(t, cfg, func(d *Deps) { d.Bridge = nil })

	resp, err := rig.router.SendRequest(context.Background(), domain.AgentRequest{
		Prompt:  "hello",
		Channel: domain.ChannelToolBridge,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelDirectAPI, resp.Channel)
	assert.Equal(t, 1, rig.client.callCount())
}

func TestErrorKindMapping(t *testing.T) {
	err := fmt.Errorf("tool budget for %q: %w", "loop", domain.ErrBudgetExceeded)
	assert.Equal(t, "BudgetExceeded", domain.ErrorKind(err))
	assert.False(t, errors.Is(err, domain.ErrToolNotFound))
}
