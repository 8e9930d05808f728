// Package agent implements the outbound HTTP client for provider agents.
// Every configured provider speaks the OpenAI-compatible chat-completions
// contract; profiles carry the base URL, model, and cost rates.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"log/slog"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/agent-orchestrator/internal/adapter/agent/tokencount"
	"github.com/fairyhunter13/agent-orchestrator/internal/config"
	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

// maxRetryAfter caps how long a 429 Retry-After hint can push the retry.
const maxRetryAfter = 30 * time.Second

// errSnippetLen bounds how much of an error body makes it into logs.
const errSnippetLen = 512

// RateLimitedError carries the provider's Retry-After hint. It unwraps to
// domain.ErrRateLimited so callers classify with errors.Is and read the
// delay with errors.As.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return domain.ErrRateLimited }

// Client calls one provider profile. The API key is supplied per call by the
// router's key pool; the client never stores key material.
type Client struct {
	profile config.ProviderProfile
	hc      *http.Client
	counter *tokencount.Counter
}

// NewClient constructs a provider client. The HTTP client timeout is a
// backstop; per-call deadlines come from the caller's context.
func NewClient(profile config.ProviderProfile, defaultTimeout time.Duration) *Client {
	name := profile.Name
	return &Client{
		profile: profile,
		hc: &http.Client{
			Timeout: profile.Timeout(defaultTimeout) + 5*time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return "agent." + name + " " + r.Method
				})),
		},
		counter: tokencount.NewCounter(),
	}
}

// Profile returns the provider profile the client serves.
func (c *Client) Profile() config.ProviderProfile { return c.profile }

type chatRequest struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Messages    []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Call performs one chat-completions request with the given key. Errors are
// classified into the shared taxonomy; the router owns retry policy.
func (c *Client) Call(ctx context.Context, apiKey string, req domain.AgentRequest) (domain.AgentResponse, error) {
	model := req.Model
	if model == "" {
		model = c.profile.Model
	}

	body := chatRequest{
		Model:       model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
	}
	payload, err := json.Marshal(buildPayload(body, req.ExtraParams))
	if err != nil {
		return domain.AgentResponse{}, fmt.Errorf("%w: marshal chat request: %v", domain.ErrInvalidArgument, err)
	}

	endpoint := c.profile.BaseURL + c.profile.ChatPath
	start := time.Now()

	// The request is rebuilt here on every invocation so a retried call
	// never reuses a consumed body.
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return domain.AgentResponse{}, fmt.Errorf("%w: build request: %v", domain.ErrInvalidArgument, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return domain.AgentResponse{}, classifyTransportError(c.profile.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return domain.AgentResponse{}, fmt.Errorf("%w: read response: %v", domain.ErrNetwork, err)
	}

	if err := c.classifyStatus(resp, respBody); err != nil {
		return domain.AgentResponse{}, err
	}

	var out chatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		slog.Error("agent response decode error",
			slog.String("provider", c.profile.Name),
			slog.String("endpoint", endpoint),
			slog.Any("error", err))
		return domain.AgentResponse{}, fmt.Errorf("%w: decode response: %v", domain.ErrProvider, err)
	}
	if len(out.Choices) == 0 {
		return domain.AgentResponse{}, fmt.Errorf("%w: empty choices", domain.ErrProvider)
	}

	content := out.Choices[0].Message.Content
	actualModel := out.Model
	if actualModel == "" {
		actualModel = model
	}
	if actualModel != model {
		slog.Warn("model substitution detected",
			slog.String("provider", c.profile.Name),
			slog.String("requested_model", model),
			slog.String("actual_model", actualModel))
	}

	tokensIn, tokensOut := out.Usage.PromptTokens, out.Usage.CompletionTokens
	if out.Usage.TotalTokens == 0 {
		est := c.counter.EstimateUsage(req.Prompt, content, model)
		tokensIn, tokensOut = est.PromptTokens, est.CompletionTokens
	}

	return domain.AgentResponse{
		Content:        content,
		Provider:       c.profile.Name,
		Model:          actualModel,
		Success:        true,
		LatencySeconds: time.Since(start).Seconds(),
		TokensIn:       tokensIn,
		TokensOut:      tokensOut,
		CostUSD:        c.cost(tokensIn, tokensOut),
		FinishReason:   out.Choices[0].FinishReason,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

func (c *Client) cost(tokensIn, tokensOut int) float64 {
	return float64(tokensIn)/1000*c.profile.InputCostPer1K +
		float64(tokensOut)/1000*c.profile.OutputCostPer1K
}

// classifyStatus maps a non-2xx response onto the error taxonomy. Error
// bodies are logged as bounded snippets; they may quote the prompt but never
// the key.
func (c *Client) classifyStatus(resp *http.Response, body []byte) error {
	status := resp.StatusCode
	if status >= 200 && status < 300 {
		return nil
	}

	snippet := string(body)
	if len(snippet) > errSnippetLen {
		snippet = snippet[:errSnippetLen]
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		slog.Warn("agent auth rejected",
			slog.String("provider", c.profile.Name),
			slog.Int("status", status))
		return fmt.Errorf("%w: status %d", domain.ErrAuth, status)
	case status == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		slog.Warn("agent rate limited",
			slog.String("provider", c.profile.Name),
			slog.Int("status", status),
			slog.Duration("retry_after", retryAfter))
		return &RateLimitedError{RetryAfter: retryAfter}
	case status == http.StatusRequestTimeout:
		return fmt.Errorf("%w: status %d", domain.ErrTimeout, status)
	case status >= 500:
		slog.Error("agent provider 5xx",
			slog.String("provider", c.profile.Name),
			slog.Int("status", status),
			slog.String("body", snippet))
		return fmt.Errorf("%w: status %d", domain.ErrProvider, status)
	default:
		slog.Warn("agent provider 4xx",
			slog.String("provider", c.profile.Name),
			slog.Int("status", status),
			slog.String("body", snippet))
		return fmt.Errorf("%w: status %d: %s", domain.ErrValidation, status, snippet)
	}
}

func classifyTransportError(provider string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("agent call timed out", slog.String("provider", provider))
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	slog.Warn("agent transport error",
		slog.String("provider", provider),
		slog.Any("error", err))
	return fmt.Errorf("%w: %v", domain.ErrNetwork, err)
}

// parseRetryAfter reads a seconds-valued Retry-After header, capped so a
// hostile hint cannot stall the router.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return time.Second
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return time.Second
	}
	d := time.Duration(secs) * time.Second
	if d > maxRetryAfter {
		return maxRetryAfter
	}
	return d
}

// buildPayload merges extra provider parameters without letting them clobber
// the core contract fields.
func buildPayload(req chatRequest, extra map[string]any) map[string]any {
	payload := map[string]any{
		"model":    req.Model,
		"messages": req.Messages,
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	for k, v := range extra {
		switch k {
		case "model", "messages", "temperature", "max_tokens":
			continue
		}
		payload[k] = v
	}
	return payload
}
