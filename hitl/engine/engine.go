// Package engine runs the human-in-the-loop conversation cycle: it calls the
// model, executes auto-approved tools, suspends before gated ones and resumes
// once a human decides.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/hitl-chat/hitl"
	ports "github.com/ZanzyTHEbar/hitl-chat/hitl/engine/ports"
	"github.com/rs/zerolog"
)

// RejectedToolResult answers each call of a turn the user declined.
const RejectedToolResult = "Not performed: rejected by user."

// Status is the outcome of a submit or resolve call.
type Status string

const (
	StatusDone            Status = "done"
	StatusPendingApproval Status = "pending_approval"
)

// Policy bounds a single engine call.
type Policy struct {
	MaxIterations    int           // model calls per engine call
	ModelTimeout     time.Duration // 0 disables
	RejectionMessage string        // assistant reply after a declined action
}

// DefaultPolicy returns the stock limits.
func DefaultPolicy() Policy {
	return Policy{
		MaxIterations:    internal.DefaultMaxIterations,
		ModelTimeout:     internal.DefaultModelTimeout,
		RejectionMessage: internal.RejectionMessage,
	}
}

// ToolCallView is the presentation form of a tool call.
type ToolCallView struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// TurnView is the presentation form of a turn.
type TurnView struct {
	Role       string         `json:"role"`
	Kind       TurnKind       `json:"kind"`
	Content    string         `json:"content"`
	ToolCalls  []ToolCallView `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// Result is returned by SubmitMessage and ResolveApproval.
type Result struct {
	ThreadID string        `json:"thread_id"`
	Status   Status        `json:"status"`
	Response string        `json:"response,omitempty"`  // done only
	ToolCall *ToolCallView `json:"tool_call,omitempty"` // pending only
	Turns    []TurnView    `json:"turns"`
}

// ApprovalDecision is a human verdict on the pending action of a thread.
type ApprovalDecision struct {
	ThreadID string `json:"thread_id"`
	Approved bool   `json:"approved"`
}

// Dependencies are the collaborators of an Engine. Limiter and Tracer are optional.
type Dependencies struct {
	Provider ports.Provider
	Registry *Registry
	Invoker  *Invoker
	Gate     *ApprovalGate
	Store    ports.CheckpointStore
	Limiter  ports.RateLimiter
	Tracer   ports.Tracer
}

// Engine is the conversation state machine. It is safe for concurrent use;
// calls on the same thread are serialized.
type Engine struct {
	provider     ports.Provider
	registry     *Registry
	invoker      *Invoker
	gate         *ApprovalGate
	turns        *TurnStore
	limiter      ports.RateLimiter
	tracer       ports.Tracer
	policy       Policy
	systemPrompt string
	logger       zerolog.Logger
	now          func() time.Time
}

// NewEngine wires an engine from deps.
func NewEngine(deps Dependencies, policy Policy, logger zerolog.Logger) (*Engine, error) {
	if deps.Provider == nil {
		return nil, fmt.Errorf("engine requires a model provider")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("engine requires a checkpoint store")
	}
	if deps.Registry == nil {
		deps.Registry, _ = NewRegistry()
	}
	if deps.Gate == nil {
		deps.Gate = NewApprovalGateForRegistry(deps.Registry, nil, nil)
	}
	if deps.Tracer == nil {
		deps.Tracer = noOpTracer{}
	}
	if deps.Limiter == nil {
		deps.Limiter = noOpRateLimiter{}
	}
	if deps.Invoker == nil {
		deps.Invoker = NewInvoker(deps.Registry, NewGuardrails(internal.DefaultMaxToolOutput), internal.DefaultToolTimeout, deps.Tracer, logger)
	}
	if policy.MaxIterations < 1 {
		policy.MaxIterations = 1
	}
	if policy.RejectionMessage == "" {
		policy.RejectionMessage = internal.RejectionMessage
	}

	return &Engine{
		provider:     deps.Provider,
		registry:     deps.Registry,
		invoker:      deps.Invoker,
		gate:         deps.Gate,
		turns:        NewTurnStore(deps.Store),
		limiter:      deps.Limiter,
		tracer:       deps.Tracer,
		policy:       policy,
		systemPrompt: SystemPrompt(deps.Registry.Specs(), deps.Gate),
		logger:       logger,
		now:          time.Now,
	}, nil
}

// SubmitMessage appends a user message and drives the cycle until it is done
// or suspended for approval. A thread awaiting approval rejects new messages
// with ErrInvalidState. If the model fails before any tool ran, the thread is
// left exactly as it was.
func (e *Engine) SubmitMessage(ctx context.Context, threadID, text string) (res *Result, err error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, fmt.Errorf("%w: thread id cannot be empty", ErrInvalidInput)
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: message cannot be empty", ErrInvalidInput)
	}

	ctx, finish := e.tracer.StartSpan(ctx, "submit_message", map[string]any{"thread_id": threadID})
	defer func() { finish(err) }()

	unlock := e.turns.lock(threadID)
	defer unlock()

	sess, err := e.turns.open(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if sess.cp.Pending != nil {
		return nil, fmt.Errorf("%w: thread %q is awaiting approval of %q", ErrInvalidState, threadID, sess.cp.Pending.Call.Name)
	}

	if len(sess.turns()) == 0 {
		if err := sess.append(ports.Turn{Role: ports.RoleSystem, Content: e.systemPrompt, CreatedAt: e.timestamp()}); err != nil {
			return nil, err
		}
	}
	if err := sess.append(ports.Turn{Role: ports.RoleUser, Content: text, CreatedAt: e.timestamp()}); err != nil {
		return nil, err
	}

	m := newMachine(StateAwaitingUserInput, e.tracer)
	return e.run(ctx, sess, m)
}

// ResolveApproval applies a human decision to the pending action of a thread.
// Approval runs every call of the suspended turn and resumes the cycle.
// Rejection runs none of them and ends the cycle with the rejection message.
func (e *Engine) ResolveApproval(ctx context.Context, decision ApprovalDecision) (res *Result, err error) {
	threadID := decision.ThreadID
	if strings.TrimSpace(threadID) == "" {
		return nil, fmt.Errorf("%w: thread id cannot be empty", ErrInvalidInput)
	}

	ctx, finish := e.tracer.StartSpan(ctx, "resolve_approval", map[string]any{
		"thread_id": threadID,
		"approved":  decision.Approved,
	})
	defer func() { finish(err) }()

	unlock := e.turns.lock(threadID)
	defer unlock()

	sess, err := e.turns.open(ctx, threadID)
	if err != nil {
		return nil, err
	}
	pending := sess.cp.Pending
	if pending == nil {
		return nil, fmt.Errorf("%w: thread %q has no pending approval", ErrInvalidState, threadID)
	}
	turns := sess.turns()
	if pending.TurnIndex < 0 || pending.TurnIndex >= len(turns) || turns[pending.TurnIndex].Role != ports.RoleAssistant {
		return nil, fmt.Errorf("%w: pending approval points at turn %d", ErrInvalidState, pending.TurnIndex)
	}

	calls := unansweredCalls(turns, pending.TurnIndex)
	sess.cp.Pending = nil

	m := newMachine(StateAwaitingApproval, e.tracer)

	if !decision.Approved {
		e.logger.Info().Str("thread_id", threadID).Str("tool", pending.Call.Name).Msg("Action rejected by user")
		for _, call := range calls {
			if err := sess.append(ports.Turn{
				Role:       ports.RoleTool,
				Content:    RejectedToolResult,
				ToolCallID: call.ID,
				Name:       call.Name,
				CreatedAt:  e.timestamp(),
			}); err != nil {
				return nil, err
			}
		}
		if err := sess.append(ports.Turn{Role: ports.RoleAssistant, Content: e.policy.RejectionMessage, CreatedAt: e.timestamp()}); err != nil {
			return nil, err
		}
		if err := m.to(ctx, StateDone); err != nil {
			return nil, err
		}
		if err := sess.commit(ctx); err != nil {
			return nil, err
		}
		return e.doneResult(sess, e.policy.RejectionMessage), nil
	}

	e.logger.Info().Str("thread_id", threadID).Str("tool", pending.Call.Name).Msg("Action approved by user")
	if err := m.to(ctx, StateToolExecuting); err != nil {
		return nil, err
	}
	if len(calls) == 0 {
		// Consume the approval even when every call was already answered.
		if err := sess.commit(ctx); err != nil {
			return nil, err
		}
	}
	if err := e.executeCalls(ctx, sess, calls); err != nil {
		return nil, err
	}
	return e.run(ctx, sess, m)
}

// History returns every turn of the thread. Unknown threads yield an empty list.
func (e *Engine) History(ctx context.Context, threadID string) ([]TurnView, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, fmt.Errorf("%w: thread id cannot be empty", ErrInvalidInput)
	}
	turns, err := e.turns.List(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return toViews(turns), nil
}

// ClearHistory removes the thread's turns and any pending approval. Clearing
// an unknown thread succeeds.
func (e *Engine) ClearHistory(ctx context.Context, threadID string) error {
	if strings.TrimSpace(threadID) == "" {
		return fmt.Errorf("%w: thread id cannot be empty", ErrInvalidInput)
	}
	ctx, finish := e.tracer.StartSpan(ctx, "clear_history", map[string]any{"thread_id": threadID})
	err := e.turns.Clear(ctx, threadID)
	finish(err)
	return err
}

// State reports the resting state of a thread: AWAITING_APPROVAL while an
// action waits for a decision, AWAITING_USER_INPUT otherwise.
func (e *Engine) State(ctx context.Context, threadID string) (State, error) {
	cp, err := e.turns.load(ctx, threadID)
	if err != nil {
		return "", err
	}
	return StateOf(cp), nil
}

// run alternates model calls and tool execution until the model answers or a
// gated call suspends the cycle.
func (e *Engine) run(ctx context.Context, sess *session, m *machine) (*Result, error) {
	for iteration := 1; ; iteration++ {
		if iteration > e.policy.MaxIterations {
			return nil, fmt.Errorf("%w: %w (%d)", ErrModelInvocation, ErrMaxIterations, e.policy.MaxIterations)
		}
		if err := m.to(ctx, StateModelThinking); err != nil {
			return nil, err
		}

		completion, err := e.callModel(ctx, sess.cp.ThreadID, sess.turns(), iteration)
		if err != nil {
			e.logger.Error().Err(err).Str("thread_id", sess.cp.ThreadID).Int("iteration", iteration).Msg("Model call failed")
			return nil, fmt.Errorf("%w: %w", ErrModelInvocation, err)
		}

		turn := completion.Turn
		turn.Role = ports.RoleAssistant
		turn.ToolCallID = ""
		turn.Name = ""
		if turn.CreatedAt.IsZero() {
			turn.CreatedAt = e.timestamp()
		}
		if err := sess.append(turn); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrModelInvocation, err)
		}

		if kind := ClassifyTurn(turn); kind == TurnFinalAnswer || kind == TurnEmptyAnswer {
			if err := m.to(ctx, StateDone); err != nil {
				return nil, err
			}
			if err := sess.commit(ctx); err != nil {
				return nil, err
			}
			return e.doneResult(sess, turn.Content), nil
		}

		if gated, ok := e.gate.FirstGated(turn.ToolCalls); ok {
			if err := m.to(ctx, StateAwaitingApproval); err != nil {
				return nil, err
			}
			sess.cp.Pending = &ports.PendingApproval{
				TurnIndex:   len(sess.turns()) - 1,
				Call:        gated.Clone(),
				RequestedAt: e.timestamp(),
			}
			if err := sess.commit(ctx); err != nil {
				return nil, err
			}
			e.tracer.Event(ctx, "approval_requested", map[string]any{"tool": gated.Name, "tool_call_id": gated.ID})
			e.logger.Info().Str("thread_id", sess.cp.ThreadID).Str("tool", gated.Name).Msg("Awaiting approval")
			return e.pendingResult(sess, gated), nil
		}

		if err := m.to(ctx, StateToolExecuting); err != nil {
			return nil, err
		}
		if err := e.executeCalls(ctx, sess, turn.ToolCalls); err != nil {
			return nil, err
		}
	}
}

// executeCalls runs calls in order, committing after each result so tool side
// effects are never forgotten.
func (e *Engine) executeCalls(ctx context.Context, sess *session, calls []ports.ToolCallRequest) error {
	for _, call := range calls {
		// Refuse before the side effect, never after it.
		if err := sess.check(ports.Turn{Role: ports.RoleTool, ToolCallID: call.ID, Name: call.Name}); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidState, err)
		}
		result := e.invoker.Invoke(ctx, call)
		if err := sess.append(result); err != nil {
			return err
		}
		if err := sess.commit(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) callModel(ctx context.Context, threadID string, turns []ports.Turn, iteration int) (ports.Completion, error) {
	release, err := e.limiter.Acquire(ctx, e.provider.Name())
	if err != nil {
		return ports.Completion{}, err
	}
	defer release()

	ctx, finish := e.tracer.StartSpan(ctx, "model_call", map[string]any{
		"thread_id": threadID,
		"provider":  e.provider.Name(),
		"iteration": iteration,
		"turns":     len(turns),
	})

	if e.policy.ModelTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.policy.ModelTimeout)
		defer cancel()
	}

	in := ports.PromptInput{
		Turns: make([]ports.Turn, len(turns)),
		Tools: e.registry.Specs(),
	}
	for i, t := range turns {
		in.Turns[i] = t.Clone()
	}

	completion, err := e.provider.Complete(ctx, in)
	if err == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("model call timed out after %s", e.policy.ModelTimeout)
	}
	finish(err)
	if err != nil {
		return ports.Completion{}, err
	}

	if completion.Usage != nil {
		e.tracer.Event(ctx, "model_usage", map[string]any{
			"prompt_tokens":     completion.Usage.PromptTokens,
			"completion_tokens": completion.Usage.CompletionTokens,
			"total_tokens":      completion.Usage.TotalTokens,
		})
	}
	return completion, nil
}

func (e *Engine) doneResult(sess *session, response string) *Result {
	return &Result{
		ThreadID: sess.cp.ThreadID,
		Status:   StatusDone,
		Response: response,
		Turns:    toViews(sess.turns()),
	}
}

func (e *Engine) pendingResult(sess *session, call ports.ToolCallRequest) *Result {
	view := toCallView(call)
	return &Result{
		ThreadID: sess.cp.ThreadID,
		Status:   StatusPendingApproval,
		ToolCall: &view,
		Turns:    toViews(sess.turns()),
	}
}

func (e *Engine) timestamp() time.Time {
	return e.now().UTC()
}

func toViews(turns []ports.Turn) []TurnView {
	views := make([]TurnView, 0, len(turns))
	for _, t := range turns {
		v := TurnView{
			Role:       string(t.Role),
			Kind:       ClassifyTurn(t),
			Content:    t.Content,
			ToolCallID: t.ToolCallID,
		}
		for _, c := range t.ToolCalls {
			v.ToolCalls = append(v.ToolCalls, toCallView(c))
		}
		views = append(views, v)
	}
	return views
}

func toCallView(c ports.ToolCallRequest) ToolCallView {
	c = c.Clone()
	if c.Arguments == nil {
		c.Arguments = map[string]any{}
	}
	return ToolCallView{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
}

// noOpTracer discards spans and events.
type noOpTracer struct{}

func (noOpTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	return ctx, func(err error) {}
}

func (noOpTracer) Event(ctx context.Context, name string, attrs map[string]any) {}

// noOpRateLimiter admits every call.
type noOpRateLimiter struct{}

func (noOpRateLimiter) Acquire(ctx context.Context, key string) (func(), error) {
	return func() {}, nil
}

var (
	_ ports.Tracer      = noOpTracer{}
	_ ports.RateLimiter = noOpRateLimiter{}
)
