package conduct

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/agent-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/agent-orchestrator/internal/config"
	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

// orchestratorID is the sender recorded for messages the conductor itself
// injects.
const orchestratorID = "orchestrator"

// telemetryTimeout bounds best-effort telemetry writes off the request path.
const telemetryTimeout = 2 * time.Second

// Pattern names, also used as the task_type on routed requests.
const (
	PatternSequential    = "sequential"
	PatternCollaborative = "collaborative"
	PatternConsensus     = "consensus"
	PatternIterative     = "iterative"
)

// Termination reasons reported in ConversationResult.TerminatedBy.
const (
	TerminatedChainComplete    = "chain_complete"
	TerminatedCompletionMarker = "completion_marker"
	TerminatedTurnBudget       = "turn_budget"
	TerminatedLoopDetected     = "loop_detected"
	TerminatedError            = "error"
	TerminatedConsensus        = "consensus"
	TerminatedTargetReached    = "confidence_target"
	TerminatedIterationBudget  = "iteration_budget"
)

// Caller is the slice of the router the conductor uses.
type Caller interface {
	SendRequest(ctx context.Context, req domain.AgentRequest) (domain.AgentResponse, error)
}

// ConversationResult is the outcome of one conversation pattern run. The
// transcript is the rolling window, not necessarily the full history.
type ConversationResult struct {
	ConversationID string                `json:"conversation_id"`
	Pattern        string                `json:"pattern"`
	Transcript     []domain.AgentMessage `json:"transcript"`
	Final          string                `json:"final"`
	Confidence     float64               `json:"confidence,omitempty"`
	Iterations     int                   `json:"iterations"`
	TerminatedBy   string                `json:"terminated_by"`
}

// Conductor drives multi-agent conversations over the router. Within one
// conversation the next call is only issued after the prior response
// returned, so messages are strictly ordered by iteration.
type Conductor struct {
	router Caller
	memory domain.MemoryStore
	guard  *LoopGuard

	window   int
	maxTurns int
	target   float64

	mu     sync.Mutex
	recent map[string][]domain.AgentMessage
}

// New builds a conductor. memory may be nil to disable persistence and
// telemetry; guard may be nil to disable the iteration rule.
func New(cfg config.Config, router Caller, memory domain.MemoryStore, guard *LoopGuard) *Conductor {
	window := cfg.ConversationWindow
	if window <= 0 {
		window = 50
	}
	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 10
	}
	target := cfg.IterativeTarget
	if target <= 0 || target > 1 {
		target = 0.85
	}
	return &Conductor{
		router:   router,
		memory:   memory,
		guard:    guard,
		window:   window,
		maxTurns: maxTurns,
		target:   target,
		recent:   make(map[string][]domain.AgentMessage),
	}
}

// RunSequential feeds the task through the agents in order, each agent
// receiving the previous agent's output as a handoff.
func (c *Conductor) RunSequential(ctx context.Context, agents []string, task string) (ConversationResult, error) {
	res := ConversationResult{Pattern: PatternSequential}
	if len(agents) == 0 {
		return res, fmt.Errorf("sequential: no agents: %w", domain.ErrInvalidArgument)
	}
	conv := ulid.Make().String()
	res.ConversationID = conv
	c.append(ctx, domain.AgentMessage{
		ConversationID: conv,
		From:           orchestratorID,
		To:             agents[0],
		Type:           domain.MessageRequest,
		Content:        task,
	})

	content, from := task, orchestratorID
	for i, agent := range agents {
		iteration := i + 1
		next := orchestratorID
		replyType := domain.MessageResponse
		if i < len(agents)-1 {
			next = agents[i+1]
			replyType = domain.MessageHandoff
		}
		msg, err := c.route(ctx, turn{
			pattern:   PatternSequential,
			conv:      conv,
			iteration: iteration,
			from:      from,
			to:        agent,
			next:      next,
			content:   content,
			replyType: replyType,
		})
		res.Iterations = iteration
		if err != nil {
			return c.abort(res, conv, err)
		}
		res.Final = msg.Content
		if c.loopTripped(conv) {
			return c.loopAbort(res, conv)
		}
		content, from = msg.Content, agent
	}
	res.TerminatedBy = TerminatedChainComplete
	res.Transcript = c.Window(conv)
	return res, nil
}

// RunCollaborative alternates turns between two agents, each receiving the
// other's last output, until one emits a completion marker or a budget or
// loop rule ends the exchange.
func (c *Conductor) RunCollaborative(ctx context.Context, a, b, task string, maxTurns int) (ConversationResult, error) {
	res := ConversationResult{Pattern: PatternCollaborative}
	if a == "" || b == "" {
		return res, fmt.Errorf("collaborative: two agents required: %w", domain.ErrInvalidArgument)
	}
	if maxTurns <= 0 {
		maxTurns = c.maxTurns
	}
	conv := ulid.Make().String()
	res.ConversationID = conv
	c.append(ctx, domain.AgentMessage{
		ConversationID: conv,
		From:           orchestratorID,
		To:             a,
		Type:           domain.MessageRequest,
		Content:        task,
	})

	participants := [2]string{a, b}
	content, from := task, orchestratorID
	for turnNo := 1; turnNo <= maxTurns; turnNo++ {
		agent := participants[(turnNo-1)%2]
		peer := participants[turnNo%2]
		msg, err := c.route(ctx, turn{
			pattern:   PatternCollaborative,
			conv:      conv,
			iteration: turnNo,
			from:      from,
			to:        agent,
			next:      peer,
			content:   content,
			replyType: domain.MessageHandoff,
		})
		res.Iterations = turnNo
		if err != nil {
			return c.abort(res, conv, err)
		}
		res.Final = msg.Content
		if completionMarker(msg.Content) {
			res.TerminatedBy = TerminatedCompletionMarker
			res.Transcript = c.Window(conv)
			return res, nil
		}
		if c.loopTripped(conv) {
			return c.loopAbort(res, conv)
		}
		content, from = msg.Content, agent
	}
	res.TerminatedBy = TerminatedTurnBudget
	res.Transcript = c.Window(conv)
	return res, nil
}

// RunConsensus sends the same task to every agent in parallel and waits for
// all of them. The majority answer wins; confidence is the mean of the
// individual scores with a 0.05 penalty per extra distinct answer.
func (c *Conductor) RunConsensus(ctx context.Context, agents []string, task string) (ConversationResult, error) {
	res := ConversationResult{Pattern: PatternConsensus}
	if len(agents) == 0 {
		return res, fmt.Errorf("consensus: no agents: %w", domain.ErrInvalidArgument)
	}
	conv := ulid.Make().String()
	res.ConversationID = conv
	c.append(ctx, domain.AgentMessage{
		ConversationID: conv,
		From:           orchestratorID,
		Type:           domain.MessageBroadcast,
		Content:        task,
	})

	type answer struct {
		content string
		conf    float64
		err     error
	}
	answers := make([]answer, len(agents))
	g, gctx := errgroup.WithContext(ctx)
	for i, agent := range agents {
		i, agent := i, agent
		g.Go(func() error {
			msg, err := c.route(gctx, turn{
				pattern:   PatternConsensus,
				conv:      conv,
				iteration: i + 1,
				from:      orchestratorID,
				to:        agent,
				content:   task,
				replyType: domain.MessageResponse,
			})
			if err != nil {
				answers[i] = answer{err: err}
				return nil
			}
			answers[i] = answer{content: msg.Content, conf: msg.Confidence}
			return nil
		})
	}
	_ = g.Wait()
	res.Iterations = len(agents)
	res.Transcript = c.Window(conv)

	votes := make(map[string]int)
	confs := make(map[string]float64)
	var sum float64
	var n int
	var lastErr error
	for _, a := range answers {
		if a.err != nil {
			lastErr = a.err
			continue
		}
		key := voteKey(a.content)
		votes[key]++
		confs[key] += a.conf
		sum += a.conf
		n++
	}
	if n == 0 {
		res.TerminatedBy = TerminatedError
		return res, fmt.Errorf("consensus conversation %s: all agents failed: %w", conv, lastErr)
	}

	var final string
	bestVotes, bestConf := 0, -1.0
	for content, v := range votes {
		mean := confs[content] / float64(v)
		if v > bestVotes || (v == bestVotes && mean > bestConf) {
			final, bestVotes, bestConf = content, v, mean
		}
	}

	distinct := len(votes)
	confidence := clamp01(sum/float64(n) - 0.05*float64(distinct-1))
	observability.ConsensusConfidence.Observe(confidence)

	res.Final = final
	res.Confidence = confidence
	res.TerminatedBy = TerminatedConsensus
	return res, nil
}

// RunIterative alternates an improving agent and a reviewing agent over the
// task, stopping once the reviewer's confidence reaches the target.
func (c *Conductor) RunIterative(ctx context.Context, worker, reviewer, task string, maxIter int, target float64) (ConversationResult, error) {
	res := ConversationResult{Pattern: PatternIterative}
	if worker == "" || reviewer == "" {
		return res, fmt.Errorf("iterative: worker and reviewer required: %w", domain.ErrInvalidArgument)
	}
	if maxIter <= 0 {
		maxIter = c.maxTurns
	}
	if target <= 0 || target > 1 {
		target = c.target
	}
	conv := ulid.Make().String()
	res.ConversationID = conv
	c.append(ctx, domain.AgentMessage{
		ConversationID: conv,
		From:           orchestratorID,
		To:             worker,
		Type:           domain.MessageRequest,
		Content:        task,
	})

	artifact := task
	turnNo := 0
	for round := 1; round <= maxIter; round++ {
		res.Iterations = round

		turnNo++
		improved, err := c.route(ctx, turn{
			pattern:   PatternIterative,
			conv:      conv,
			iteration: turnNo,
			from:      orchestratorID,
			to:        worker,
			next:      reviewer,
			content:   artifact,
			replyType: domain.MessageHandoff,
		})
		if err != nil {
			return c.abort(res, conv, err)
		}
		res.Final = improved.Content
		if c.loopTripped(conv) {
			return c.loopAbort(res, conv)
		}

		turnNo++
		review, err := c.route(ctx, turn{
			pattern:   PatternIterative,
			conv:      conv,
			iteration: turnNo,
			from:      worker,
			to:        reviewer,
			next:      worker,
			content:   improved.Content,
			replyType: domain.MessageResponse,
		})
		if err != nil {
			return c.abort(res, conv, err)
		}
		res.Confidence = review.Confidence
		if review.Confidence >= target {
			res.TerminatedBy = TerminatedTargetReached
			res.Transcript = c.Window(conv)
			return res, nil
		}
		if c.loopTripped(conv) {
			return c.loopAbort(res, conv)
		}
		artifact = improved.Content
	}
	res.TerminatedBy = TerminatedIterationBudget
	res.Transcript = c.Window(conv)
	return res, nil
}

// Window returns the in-memory tail of a conversation.
func (c *Conductor) Window(conversationID string) []domain.AgentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.recent[conversationID]
	out := make([]domain.AgentMessage, len(msgs))
	copy(out, msgs)
	return out
}

// History reads the stored conversation, falling back to the window when no
// store is attached.
func (c *Conductor) History(ctx context.Context, conversationID string) ([]domain.AgentMessage, error) {
	if c.memory != nil {
		return c.memory.Conversation(ctx, conversationID, c.window)
	}
	return c.Window(conversationID), nil
}

// EndConversation drops the window and clears stored history.
func (c *Conductor) EndConversation(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	delete(c.recent, conversationID)
	c.mu.Unlock()
	if c.memory == nil {
		return nil
	}
	return c.memory.ClearConversation(ctx, conversationID)
}

// turn is one routed step inside a conversation.
type turn struct {
	pattern   string
	conv      string
	iteration int
	from      string // sender of the content
	to        string // agent being called
	next      string // recipient of the reply; empty means the orchestrator
	content   string
	replyType domain.MessageType
}

// route sends one turn through the router and folds the reply into the
// transcript. Failed turns are recorded as error messages so the transcript
// shows where the conversation broke.
func (c *Conductor) route(ctx context.Context, tn turn) (domain.AgentMessage, error) {
	if err := c.guard.Mark(ctx, tn.conv, tn.iteration); err != nil {
		observability.LoopsDetectedTotal.Inc()
		return domain.AgentMessage{}, err
	}
	observability.ConversationTurnsTotal.WithLabelValues(tn.pattern).Inc()

	resp, err := c.router.SendRequest(ctx, domain.AgentRequest{
		Prompt:         tn.content,
		Provider:       tn.to,
		TaskType:       tn.pattern,
		ConversationID: tn.conv,
	})
	if err != nil {
		c.append(ctx, domain.AgentMessage{
			ConversationID: tn.conv,
			From:           tn.to,
			To:             orchestratorID,
			Type:           domain.MessageError,
			Content:        err.Error(),
			Iteration:      tn.iteration,
		})
		c.telemetry(ctx, tn, 0, err)
		return domain.AgentMessage{}, fmt.Errorf("route %s turn %d via %s: %w",
			tn.conv, tn.iteration, tn.to, err)
	}

	next := tn.next
	if next == "" {
		next = orchestratorID
	}
	msg := c.append(ctx, domain.AgentMessage{
		ConversationID: tn.conv,
		From:           tn.to,
		To:             next,
		Type:           tn.replyType,
		Content:        resp.Content,
		Confidence:     ExtractConfidence(resp.Content),
		Iteration:      tn.iteration,
	})
	c.telemetry(ctx, tn, msg.Confidence, nil)
	return msg, nil
}

// append stores a message in the rolling window and the memory store. Store
// failures are logged; the conversation continues on the window alone.
func (c *Conductor) append(ctx context.Context, m domain.AgentMessage) domain.AgentMessage {
	if m.ID == "" {
		m.ID = ulid.Make().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	c.mu.Lock()
	msgs := append(c.recent[m.ConversationID], m)
	if len(msgs) > c.window {
		msgs = msgs[len(msgs)-c.window:]
	}
	c.recent[m.ConversationID] = msgs
	c.mu.Unlock()

	if c.memory != nil {
		if err := c.memory.StoreMessage(ctx, m); err != nil {
			slog.Warn("conversation store failed",
				slog.String("conversation_id", m.ConversationID),
				slog.Any("error", err))
		}
	}
	return m
}

// telemetry records one routed turn, best-effort.
func (c *Conductor) telemetry(ctx context.Context, tn turn, confidence float64, routeErr error) {
	if c.memory == nil {
		return
	}
	payload := map[string]any{
		"pattern":      tn.pattern,
		"iteration":    tn.iteration,
		"from":         tn.from,
		"to":           tn.to,
		"message_type": string(tn.replyType),
		"confidence":   confidence,
	}
	if routeErr != nil {
		payload["error"] = routeErr.Error()
	}
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), telemetryTimeout)
	defer cancel()
	err := c.memory.RecordEvent(tctx, domain.TelemetryEvent{
		Kind:           "route",
		ConversationID: tn.conv,
		AgentID:        tn.to,
		Payload:        payload,
	})
	if err != nil {
		observability.TelemetryWriteFailedTotal.Inc()
		slog.Warn("telemetry write failed",
			slog.String("conversation_id", tn.conv),
			slog.Any("error", err))
	}
}

// loopTripped applies the repeated-content rule to the conversation window.
func (c *Conductor) loopTripped(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return repeatedContent(c.recent[conversationID])
}

func (c *Conductor) abort(res ConversationResult, conv string, err error) (ConversationResult, error) {
	res.TerminatedBy = TerminatedError
	res.Transcript = c.Window(conv)
	return res, err
}

func (c *Conductor) loopAbort(res ConversationResult, conv string) (ConversationResult, error) {
	observability.LoopsDetectedTotal.Inc()
	res.TerminatedBy = TerminatedLoopDetected
	res.Transcript = c.Window(conv)
	return res, fmt.Errorf("conversation %s stalled on repeated content: %w", conv, domain.ErrLoopDetected)
}

// completionMarker reports the DONE/COMPLETE convention collaborating agents
// use to close a conversation.
func completionMarker(s string) bool {
	t := strings.ToUpper(strings.TrimRight(strings.TrimSpace(s), " .!*\n\t"))
	return strings.HasSuffix(t, "DONE") || strings.HasSuffix(t, "COMPLETE")
}
