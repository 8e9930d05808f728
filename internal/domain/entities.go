// Package domain contains the core orchestration entities and ports.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrInternal        = errors.New("internal error")

	ErrValidation     = errors.New("validation failed")
	ErrNoHealthyKey   = errors.New("no healthy key")
	ErrNoWorkers      = errors.New("no workers available")
	ErrCircuitOpen    = errors.New("circuit open")
	ErrTimeout        = errors.New("timeout")
	ErrNetwork        = errors.New("network error")
	ErrProvider       = errors.New("provider error")
	ErrRateLimited    = errors.New("rate limited")
	ErrAuth           = errors.New("auth failed")
	ErrToolNotFound   = errors.New("tool not found")
	ErrLoopDetected   = errors.New("loop detected")
	ErrBudgetExceeded = errors.New("budget exceeded")
	ErrRollbackFailed = errors.New("rollback failed")
)

// ErrorKind maps an error chain to its canonical taxonomy name so that
// responses and logs carry a stable kind independent of wrapping.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidArgument):
		return "ValidationError"
	case errors.Is(err, ErrNoHealthyKey):
		return "NoHealthyKey"
	case errors.Is(err, ErrNoWorkers):
		return "NoWorkers"
	case errors.Is(err, ErrCircuitOpen):
		return "CircuitOpen"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	case errors.Is(err, ErrNetwork):
		return "NetworkError"
	case errors.Is(err, ErrRateLimited):
		return "RateLimited"
	case errors.Is(err, ErrAuth):
		return "AuthError"
	case errors.Is(err, ErrToolNotFound):
		return "ToolNotFound"
	case errors.Is(err, ErrLoopDetected):
		return "LoopDetected"
	case errors.Is(err, ErrBudgetExceeded):
		return "BudgetExceeded"
	case errors.Is(err, ErrRollbackFailed):
		return "RollbackFailed"
	case errors.Is(err, ErrProvider):
		return "ProviderError"
	default:
		return "InternalError"
	}
}

// Channel selects the transport used to reach an agent.
type Channel string

const (
	// ChannelDirectAPI calls the provider HTTP API directly.
	ChannelDirectAPI Channel = "DIRECT_API"
	// ChannelToolBridge dispatches in-process to a registered tool server.
	ChannelToolBridge Channel = "TOOL_BRIDGE"
)

// AgentRequest is a single outbound request to an agent.
// Prompt is required; Temperature and MaxTokens are validated against the
// provider contract before any key is leased.
type AgentRequest struct {
	Prompt          string            `json:"prompt" validate:"required"`
	Provider        string            `json:"provider,omitempty"`
	Model           string            `json:"model,omitempty"`
	TaskType        string            `json:"task_type,omitempty"`
	Channel         Channel           `json:"channel,omitempty"`
	Temperature     float64           `json:"temperature,omitempty" validate:"gte=0,lte=2"`
	MaxTokens       int               `json:"max_tokens,omitempty" validate:"gte=0"`
	ConversationID  string            `json:"conversation_id,omitempty"`
	CorrelationID   string            `json:"correlation_id,omitempty"`
	TimeoutOverride time.Duration     `json:"timeout_override,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	ExtraParams     map[string]any    `json:"extra_params,omitempty"`
}

// AgentResponse is the normalized result of an agent call. Failed calls set
// Success=false and Error to "<Kind>: details"; latency and the leased key
// index (or -1) are populated in both cases.
type AgentResponse struct {
	Content        string    `json:"content"`
	Provider       string    `json:"provider,omitempty"`
	Model          string    `json:"model,omitempty"`
	Success        bool      `json:"success"`
	Error          string    `json:"error,omitempty"`
	LatencySeconds float64   `json:"latency_seconds"`
	TokensIn       int       `json:"tokens_in,omitempty"`
	TokensOut      int       `json:"tokens_out,omitempty"`
	CostUSD        float64   `json:"cost_usd,omitempty"`
	KeyIndex       int       `json:"key_index"`
	Channel        Channel   `json:"channel,omitempty"`
	Cached         bool      `json:"cached,omitempty"`
	Truncated      bool      `json:"truncated,omitempty"`
	Degraded       bool      `json:"degraded,omitempty"`
	FinishReason   string    `json:"finish_reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// TelemetryEvent records one conductor or router observation. Writes are
// best-effort and never block the request path.
type TelemetryEvent struct {
	ID             string         `json:"id"`
	Kind           string         `json:"kind"`
	ConversationID string         `json:"conversation_id,omitempty"`
	AgentID        string         `json:"agent_id,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// AuditEvent is an operational event (scaling, failover, DLQ, breaker trip)
// mirrored to external sinks.
type AuditEvent struct {
	Type      string         `json:"event_type"`
	Source    string         `json:"source,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"timestamp"`
}

// Severity levels for output validation issues.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ValidationIssue describes one finding from output validation.
type ValidationIssue struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
}

// ValidationResult is the outcome of validating agent output. Cleaned holds
// a sanitized variant safe to return when critical issues were found.
type ValidationResult struct {
	Valid   bool              `json:"valid"`
	Issues  []ValidationIssue `json:"issues,omitempty"`
	Cleaned string            `json:"cleaned,omitempty"`
}

// MemoryStore (port)

type MemoryStore interface {
	StoreMessage(ctx Context, m AgentMessage) error
	Conversation(ctx Context, conversationID string, limit int) ([]AgentMessage, error)
	ClearConversation(ctx Context, conversationID string) error
	RecordEvent(ctx Context, e TelemetryEvent) error
	Ping(ctx Context) error
	Close() error
}

// QueryCache (port)

type QueryCache interface {
	Get(ctx Context, fingerprint string) (AgentResponse, bool, error)
	Set(ctx Context, fingerprint string, resp AgentResponse, ttl time.Duration) error
	ClearAll(ctx Context) (int, error)
}

// PromptGuard (port)
// Inspect returns an ErrValidation-wrapped error when the prompt is blocked.
type PromptGuard interface {
	Inspect(ctx Context, prompt string) error
}

// OutputValidator (port)

type OutputValidator interface {
	Validate(ctx Context, content string) ValidationResult
}

// EventSink (port)

type EventSink interface {
	Publish(ctx Context, e AuditEvent) error
}

// ToolInvoker (port)
// Invoke runs a named tool; unknown names return ErrToolNotFound.
type ToolInvoker interface {
	Invoke(ctx Context, name string, args map[string]any) (string, error)
}

// Provisioner (port)
// Implementations add or remove worker processes; the scaler only decides.
type Provisioner interface {
	AddWorkers(ctx Context, n int) error
	RemoveWorkers(ctx Context, n int) error
}

// Context is an alias to allow decoupling from std context in domain
// signatures; adapters and services pass context.Context through.
type Context = context.Context
