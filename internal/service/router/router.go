// Package router implements the agent request router: channel selection,
// request validation, key leasing, breaker-guarded provider calls, and
// response normalization. The router owns retry policy; provider clients
// perform exactly one attempt per call.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/agent-orchestrator/internal/adapter/agent"
	"github.com/fairyhunter13/agent-orchestrator/internal/adapter/cache"
	"github.com/fairyhunter13/agent-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/agent-orchestrator/internal/config"
	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
	obsctx "github.com/fairyhunter13/agent-orchestrator/internal/observability"
	"github.com/fairyhunter13/agent-orchestrator/internal/service/breaker"
	"github.com/fairyhunter13/agent-orchestrator/internal/service/keypool"
	"github.com/fairyhunter13/agent-orchestrator/internal/service/ratelimiter"
)

// truncationTail marks a prompt cut down to MAX_PROMPT_CHARS. The truncated
// prompt is exactly max chars long and ends with this tail.
const truncationTail = "[TRUNCATED]"

// maxAttempts bounds the direct-call loop: one attempt plus at most one retry.
const maxAttempts = 2

// telemetryTimeout bounds the best-effort telemetry write so a slow store
// never stalls the request path.
const telemetryTimeout = 2 * time.Second

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// ProviderClient is the outbound side the router drives. Both the HTTP
// client and the test stub satisfy it.
type ProviderClient interface {
	Profile() config.ProviderProfile
	Call(ctx context.Context, apiKey string, req domain.AgentRequest) (domain.AgentResponse, error)
}

// HealthGate short-circuits requests to services the health monitor has
// failed over. A nil gate admits everything.
type HealthGate interface {
	Available(service string) bool
}

// Deps carries the router's collaborators. Optional fields may be nil: a nil
// Guard skips prompt inspection, a nil Output skips response sanitization, a
// nil Cache disables Query caching, a nil Memory disables telemetry, a nil
// Health admits all providers, and a nil Bridge forces the direct channel.
type Deps struct {
	Keys    *keypool.Manager
	Fabric  *breaker.Fabric
	Guard   domain.PromptGuard
	Output  domain.OutputValidator
	Limiter ratelimiter.Limiter
	Cache   domain.QueryCache
	Memory  domain.MemoryStore
	Health  HealthGate
	Bridge  *ToolBridge
}

// Router routes agent requests over the direct provider API or the
// in-process tool bridge.
type Router struct {
	cfg    config.Config
	keys   *keypool.Manager
	fabric *breaker.Fabric
	guard  domain.PromptGuard
	output domain.OutputValidator
	limit  ratelimiter.Limiter
	cache  domain.QueryCache
	memory domain.MemoryStore
	health HealthGate
	bridge *ToolBridge

	mu        sync.Mutex
	clients   map[string]ProviderClient
	deadlines map[string]*obsctx.DeadlineManager

	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a router. Provider clients are attached with RegisterClient.
func New(cfg config.Config, deps Deps) *Router {
	return &Router{
		cfg:       cfg,
		keys:      deps.Keys,
		fabric:    deps.Fabric,
		guard:     deps.Guard,
		output:    deps.Output,
		limit:     deps.Limiter,
		cache:     deps.Cache,
		memory:    deps.Memory,
		health:    deps.Health,
		bridge:    deps.Bridge,
		clients:   make(map[string]ProviderClient),
		deadlines: make(map[string]*obsctx.DeadlineManager),
		sleep:     sleepCtx,
	}
}

// RegisterClient attaches the client for its profile's provider name.
func (r *Router) RegisterClient(c ProviderClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.Profile().Name] = c
}

// Providers lists registered provider names. Used by the ops surface.
func (r *Router) Providers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	return names
}

// Bridge returns the tool bridge, or nil when none is attached.
func (r *Router) Bridge() *ToolBridge { return r.bridge }

// BreakerName is the per-provider breaker and health-check identity.
func BreakerName(provider string) string { return "agent:" + provider }

// SendRequest routes one agent request. The returned response is populated
// on failure too: Success=false, Error="<Kind>: details", latency and the
// last leased key index (or -1) filled in.
func (r *Router) SendRequest(ctx context.Context, req domain.AgentRequest) (domain.AgentResponse, error) {
	start := time.Now()
	if req.CorrelationID != "" {
		ctx = obsctx.ContextWithCorrelationID(ctx, req.CorrelationID)
	}
	ctx, correlationID := obsctx.EnsureCorrelationID(ctx)
	req.CorrelationID = correlationID

	if req.Provider == "" {
		req.Provider = r.cfg.DefaultProvider
	}
	channel := r.selectChannel(ctx, req)

	if err := getValidator().Struct(req); err != nil {
		return r.finishFailure(ctx, req, channel, -1, start, false,
			fmt.Errorf("%w: %v", domain.ErrValidation, err))
	}

	var truncated bool
	req.Prompt, truncated = TruncatePrompt(req.Prompt, r.cfg.MaxPromptChars)
	if truncated {
		obsctx.LoggerFromContext(ctx).Warn("prompt truncated",
			slog.String("provider", req.Provider),
			slog.Int("max_chars", r.cfg.MaxPromptChars))
	}

	if r.guard != nil {
		if err := r.guard.Inspect(ctx, req.Prompt); err != nil {
			return r.finishFailure(ctx, req, channel, -1, start, truncated, err)
		}
	}

	if channel == domain.ChannelToolBridge {
		var resp domain.AgentResponse
		err := fmt.Errorf("no tool bridge attached: %w", domain.ErrToolNotFound)
		if r.bridge != nil {
			resp, err = r.bridge.Execute(ctx, req)
		}
		switch {
		case err == nil:
			return r.finishSuccess(ctx, req, channel, resp, start, truncated)
		case errors.Is(err, domain.ErrToolNotFound):
			// Exactly one fallback to the direct API.
			obsctx.LoggerFromContext(ctx).Info("tool not registered, falling back to direct API",
				slog.String("task_type", req.TaskType),
				slog.String("provider", req.Provider))
			channel = domain.ChannelDirectAPI
		default:
			return r.finishFailure(ctx, req, channel, -1, start, truncated, err)
		}
	}

	client, ok := r.client(req.Provider)
	if !ok {
		return r.finishFailure(ctx, req, channel, -1, start, truncated,
			fmt.Errorf("%w: unknown provider %q", domain.ErrInvalidArgument, req.Provider))
	}

	if r.limit != nil {
		allowed, retryAfter, err := r.limit.Allow(ctx, req.Provider)
		if err == nil && !allowed {
			return r.finishFailure(ctx, req, channel, -1, start, truncated,
				fmt.Errorf("agent %s over limit, retry in %s: %w",
					req.Provider, retryAfter.Round(time.Millisecond), domain.ErrRateLimited))
		}
	}

	if r.health != nil && !r.health.Available(BreakerName(req.Provider)) {
		return r.finishFailure(ctx, req, channel, -1, start, truncated,
			fmt.Errorf("provider %s failed over: %w", req.Provider, domain.ErrProvider))
	}

	resp, keyIdx, err := r.callDirect(ctx, client, req)
	if err != nil {
		return r.finishFailure(ctx, req, channel, keyIdx, start, truncated, err)
	}
	return r.finishSuccess(ctx, req, channel, resp, start, truncated)
}

// selectChannel resolves the transport. An explicit request channel wins;
// requests originating inside a tool handler, or flagged for file access,
// stay on the direct API so the bridge never re-enters itself.
func (r *Router) selectChannel(ctx context.Context, req domain.AgentRequest) domain.Channel {
	if req.Channel == domain.ChannelDirectAPI || req.Channel == domain.ChannelToolBridge {
		return req.Channel
	}
	if fromBridge(ctx) || req.Metadata["use_file_access"] == "true" {
		return domain.ChannelDirectAPI
	}
	if r.cfg.ForceDirectAgentAPI {
		return domain.ChannelDirectAPI
	}
	if r.bridge != nil && r.bridge.Has(req.TaskType) {
		return domain.ChannelToolBridge
	}
	return domain.ChannelDirectAPI
}

// callDirect leases a key and performs the breaker-guarded provider call,
// retrying at most once for transient failures. Rotation makes the retry
// land on a different key whenever the pool has one.
func (r *Router) callDirect(ctx context.Context, client ProviderClient, req domain.AgentRequest) (domain.AgentResponse, int, error) {
	provider := req.Provider
	pool, ok := r.keys.Pool(provider)
	if !ok {
		return domain.AgentResponse{}, -1, fmt.Errorf("provider %s has no key pool: %w", provider, domain.ErrNoHealthyKey)
	}

	keyIdx := -1
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := r.cfg.RouterRetryDelay * time.Duration(attempt)
			var rl *agent.RateLimitedError
			if errors.As(lastErr, &rl) && rl.RetryAfter > 0 {
				delay = rl.RetryAfter
			}
			if err := r.sleep(ctx, delay); err != nil {
				return domain.AgentResponse{}, keyIdx, fmt.Errorf("%w: %v", domain.ErrTimeout, err)
			}
		}

		lease, err := pool.Lease()
		if err != nil {
			return domain.AgentResponse{}, keyIdx, err
		}
		keyIdx = lease.Index

		timeout := r.timeoutFor(provider, req.TimeoutOverride, attempt)
		attemptStart := time.Now()
		var resp domain.AgentResponse
		execErr := r.fabric.Execute(ctx, BreakerName(provider), func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			var callErr error
			resp, callErr = client.Call(callCtx, lease.Secret, req)
			return callErr
		})
		elapsed := time.Since(attemptStart)

		if execErr == nil {
			pool.RecordSuccess(lease.Index, elapsed)
			r.deadline(provider).RecordSuccess(elapsed)
			resp.KeyIndex = lease.Index
			return resp, lease.Index, nil
		}

		if errors.Is(execErr, domain.ErrCircuitOpen) {
			// The call never ran; the leased key saw no traffic.
			return domain.AgentResponse{}, lease.Index, execErr
		}

		pool.RecordFailure(lease.Index, execErr)
		dm := r.deadline(provider)
		if errors.Is(execErr, domain.ErrTimeout) {
			dm.RecordTimeout()
		} else {
			dm.RecordFailure(execErr)
		}

		lastErr = execErr
		if !retryable(execErr) {
			break
		}
		if attempt+1 < maxAttempts {
			obsctx.LoggerFromContext(ctx).Warn("agent call failed, retrying on another key",
				slog.String("provider", provider),
				slog.String("key", fmt.Sprintf("#%d", lease.Index)),
				slog.String("kind", domain.ErrorKind(execErr)),
				slog.Duration("attempt_latency", elapsed))
		}
	}
	return domain.AgentResponse{}, keyIdx, lastErr
}

// retryable reports whether the error class permits the single retry.
func retryable(err error) bool {
	return errors.Is(err, domain.ErrTimeout) ||
		errors.Is(err, domain.ErrNetwork) ||
		errors.Is(err, domain.ErrProvider) ||
		errors.Is(err, domain.ErrRateLimited)
}

// timeoutFor resolves the per-attempt deadline. The adaptive manager (or the
// progressive ladder when enabled) supplies the base; a caller override can
// only tighten it.
func (r *Router) timeoutFor(provider string, override time.Duration, attempt int) time.Duration {
	d := r.deadline(provider).Timeout(attempt)
	if override > 0 && override < d {
		d = override
	}
	return d
}

// deadline returns the provider's deadline manager, creating it on first use
// seeded with min(profile timeout, AGENT_TIMEOUT_SECONDS).
func (r *Router) deadline(provider string) *obsctx.DeadlineManager {
	r.mu.Lock()
	defer r.mu.Unlock()
	if dm, ok := r.deadlines[provider]; ok {
		return dm
	}
	base := r.cfg.AgentTimeout()
	if c, ok := r.clients[provider]; ok {
		if t := c.Profile().Timeout(base); t < base {
			base = t
		}
	}
	dm := obsctx.NewDeadlineManager(base, time.Second, 10*time.Minute)
	if r.cfg.ProgressiveTimeouts {
		dm.SetProgressiveSchedule(config.ProgressiveSchedule)
	}
	r.deadlines[provider] = dm
	return dm
}

func (r *Router) client(provider string) (ProviderClient, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[provider]
	return c, ok
}

func (r *Router) finishSuccess(ctx context.Context, req domain.AgentRequest, channel domain.Channel, resp domain.AgentResponse, start time.Time, truncated bool) (domain.AgentResponse, error) {
	elapsed := time.Since(start)

	if r.output != nil {
		vr := r.output.Validate(ctx, resp.Content)
		resp.Content = vr.Cleaned
		if !vr.Valid {
			resp.Degraded = true
			codes := make([]string, 0, len(vr.Issues))
			for _, is := range vr.Issues {
				codes = append(codes, is.Code)
			}
			obsctx.LoggerFromContext(ctx).Warn("agent response sanitized",
				slog.String("provider", req.Provider),
				slog.Any("issues", codes))
		}
	}

	resp.Channel = channel
	resp.Truncated = resp.Truncated || truncated
	resp.LatencySeconds = elapsed.Seconds()
	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = time.Now().UTC()
	}

	observability.RecordAgentRequest(req.Provider, string(channel), "success", elapsed)
	observability.RecordAgentUsage(req.Provider, resp.TokensIn, resp.TokensOut, resp.CostUSD)
	obsctx.LoggerFromContext(ctx).Info("agent request completed",
		slog.String("provider", req.Provider),
		slog.String("channel", string(channel)),
		slog.String("key", fmt.Sprintf("#%d", resp.KeyIndex)),
		slog.Duration("latency", elapsed),
		slog.Int("tokens_in", resp.TokensIn),
		slog.Int("tokens_out", resp.TokensOut))

	r.emitTelemetry(ctx, req, resp, "success")
	return resp, nil
}

func (r *Router) finishFailure(ctx context.Context, req domain.AgentRequest, channel domain.Channel, keyIdx int, start time.Time, truncated bool, err error) (domain.AgentResponse, error) {
	elapsed := time.Since(start)
	kind := domain.ErrorKind(err)
	resp := domain.AgentResponse{
		Provider:       req.Provider,
		Success:        false,
		Error:          kind + ": " + err.Error(),
		LatencySeconds: elapsed.Seconds(),
		KeyIndex:       keyIdx,
		Channel:        channel,
		Truncated:      truncated,
		CreatedAt:      time.Now().UTC(),
	}

	observability.RecordAgentRequest(req.Provider, string(channel), kind, elapsed)
	obsctx.LoggerFromContext(ctx).Warn("agent request failed",
		slog.String("provider", req.Provider),
		slog.String("channel", string(channel)),
		slog.String("kind", kind),
		slog.String("key", fmt.Sprintf("#%d", keyIdx)),
		slog.Duration("latency", elapsed),
		slog.Any("error", err))

	r.emitTelemetry(ctx, req, resp, kind)
	return resp, err
}

// emitTelemetry records the request outcome in the memory store. Failures
// only bump a counter; the request path never depends on the store.
func (r *Router) emitTelemetry(ctx context.Context, req domain.AgentRequest, resp domain.AgentResponse, status string) {
	if r.memory == nil {
		return
	}
	ev := domain.TelemetryEvent{
		Kind:           "agent_request",
		ConversationID: req.ConversationID,
		AgentID:        req.Provider,
		Payload: map[string]any{
			"channel":         string(resp.Channel),
			"status":          status,
			"latency_seconds": resp.LatencySeconds,
			"tokens_in":       resp.TokensIn,
			"tokens_out":      resp.TokensOut,
			"cost_usd":        resp.CostUSD,
			"key_index":       resp.KeyIndex,
			"truncated":       resp.Truncated,
			"correlation_id":  req.CorrelationID,
		},
	}
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), telemetryTimeout)
	defer cancel()
	if err := r.memory.RecordEvent(tctx, ev); err != nil {
		observability.TelemetryWriteFailedTotal.Inc()
		obsctx.LoggerFromContext(ctx).Warn("telemetry write failed",
			slog.String("kind", ev.Kind),
			slog.Any("error", err))
	}
}

// TruncatePrompt cuts p down to max chars. The result is exactly max long
// and ends with the truncation tail; when max cannot even hold the tail the
// prompt is hard-cut instead. max <= 0 disables truncation.
func TruncatePrompt(p string, max int) (string, bool) {
	if max <= 0 || len(p) <= max {
		return p, false
	}
	if max < len(truncationTail) {
		return p[:max], true
	}
	return p[:max-len(truncationTail)] + truncationTail, true
}

// QueryOptions tunes the Query convenience wrapper. Zero values fall back to
// the default provider, its profile model, and QUERY_CACHE_TTL.
type QueryOptions struct {
	Provider    string
	Model       string
	TaskType    string
	Temperature float64
	MaxTokens   int
	TTL         time.Duration
}

// Query is a read-through cached SendRequest. The fingerprint covers the
// prompt and every option that changes the provider's answer; hits are
// returned with Cached=true and never touch a key.
func (r *Router) Query(ctx context.Context, prompt string, opts QueryOptions) (domain.AgentResponse, error) {
	provider := opts.Provider
	if provider == "" {
		provider = r.cfg.DefaultProvider
	}
	model := opts.Model
	if model == "" {
		if c, ok := r.client(provider); ok {
			model = c.Profile().Model
		}
	}
	fp := cache.Fingerprint(prompt, provider, model,
		strconv.FormatFloat(opts.Temperature, 'f', -1, 64),
		strconv.Itoa(opts.MaxTokens))

	if r.cache != nil {
		if hit, ok, _ := r.cache.Get(ctx, fp); ok {
			observability.CacheHitsTotal.Inc()
			hit.Cached = true
			return hit, nil
		}
		observability.CacheMissesTotal.Inc()
	}

	resp, err := r.SendRequest(ctx, domain.AgentRequest{
		Prompt:      prompt,
		Provider:    provider,
		Model:       opts.Model,
		TaskType:    opts.TaskType,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	})
	if err != nil {
		return resp, err
	}

	if r.cache != nil && resp.Success {
		ttl := opts.TTL
		if ttl <= 0 {
			ttl = r.cfg.QueryCacheTTL
		}
		if err := r.cache.Set(ctx, fp, resp, ttl); err != nil {
			obsctx.LoggerFromContext(ctx).Warn("query cache store failed",
				slog.String("provider", provider),
				slog.Any("error", err))
		}
	}
	return resp, nil
}

// ClearQueryCache drops every cached query result. Used by the admin surface.
func (r *Router) ClearQueryCache(ctx context.Context) (int, error) {
	if r.cache == nil {
		return 0, nil
	}
	return r.cache.ClearAll(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
