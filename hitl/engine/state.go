package engine

import (
	"context"
	"fmt"
	"strings"

	ports "github.com/ZanzyTHEbar/hitl-chat/hitl/engine/ports"
)

// State is a phase of the conversation cycle.
type State string

const (
	StateAwaitingUserInput State = "AWAITING_USER_INPUT"
	StateModelThinking     State = "MODEL_THINKING"
	StateToolExecuting     State = "TOOL_EXECUTING"
	StateAwaitingApproval  State = "AWAITING_APPROVAL"
	StateDone              State = "DONE"
)

var transitions = map[State][]State{
	StateAwaitingUserInput: {StateModelThinking},
	StateModelThinking:     {StateDone, StateToolExecuting, StateAwaitingApproval},
	StateToolExecuting:     {StateModelThinking},
	StateAwaitingApproval:  {StateToolExecuting, StateDone},
	StateDone:              {StateAwaitingUserInput},
}

// CanTransition reports whether the machine may move from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StateOf derives the resting state of a persisted conversation.
func StateOf(cp ports.Checkpoint) State {
	if cp.Pending != nil {
		return StateAwaitingApproval
	}
	return StateAwaitingUserInput
}

// TurnKind classifies a turn for callers that render or route on it.
type TurnKind string

const (
	TurnSystem      TurnKind = "system"
	TurnUserMessage TurnKind = "user_message"
	TurnToolRequest TurnKind = "tool_request"
	TurnToolResult  TurnKind = "tool_result"
	TurnFinalAnswer TurnKind = "final_answer"
	TurnEmptyAnswer TurnKind = "empty_answer" // assistant turn with neither text nor tool requests
)

// ClassifyTurn reports what kind of turn t is.
func ClassifyTurn(t ports.Turn) TurnKind {
	switch t.Role {
	case ports.RoleSystem:
		return TurnSystem
	case ports.RoleUser:
		return TurnUserMessage
	case ports.RoleTool:
		return TurnToolResult
	}
	if t.HasToolCalls() {
		return TurnToolRequest
	}
	if strings.TrimSpace(t.Content) == "" {
		return TurnEmptyAnswer
	}
	return TurnFinalAnswer
}

// IsFinalAnswer reports whether t ends a cycle: an assistant turn with text and no tool requests.
func IsFinalAnswer(t ports.Turn) bool {
	return ClassifyTurn(t) == TurnFinalAnswer
}

// machine tracks one engine call through its states.
type machine struct {
	state  State
	tracer ports.Tracer
}

func newMachine(start State, tracer ports.Tracer) *machine {
	return &machine{state: start, tracer: tracer}
}

func (m *machine) to(ctx context.Context, next State) error {
	if !m.state.CanTransition(next) {
		return fmt.Errorf("%w: cannot move from %s to %s", ErrInvalidState, m.state, next)
	}
	m.tracer.Event(ctx, "state_transition", map[string]any{
		"from": string(m.state),
		"to":   string(next),
	})
	m.state = next
	return nil
}
