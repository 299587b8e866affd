package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ports "github.com/ZanzyTHEbar/hitl-chat/hitl/engine/ports"
)

// TurnStore is the append-only turn log of every conversation, layered over a
// CheckpointStore. Writers to the same thread are serialized; different
// threads proceed independently.
type TurnStore struct {
	store ports.CheckpointStore
	locks *keyedMutex
}

// NewTurnStore creates a turn store over store.
func NewTurnStore(store ports.CheckpointStore) *TurnStore {
	return &TurnStore{
		store: store,
		locks: newKeyedMutex(),
	}
}

// Append adds turn to the end of the thread's log.
func (s *TurnStore) Append(ctx context.Context, threadID string, turn ports.Turn) error {
	unlock := s.lock(threadID)
	defer unlock()

	sess, err := s.open(ctx, threadID)
	if err != nil {
		return err
	}
	if err := sess.append(turn); err != nil {
		return err
	}
	return sess.commit(ctx)
}

// List returns the thread's turns in order. Unknown threads yield an empty list.
func (s *TurnStore) List(ctx context.Context, threadID string) ([]ports.Turn, error) {
	cp, err := s.load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return cp.Turns, nil
}

// Clear removes every turn and any pending approval of the thread.
func (s *TurnStore) Clear(ctx context.Context, threadID string) error {
	unlock := s.lock(threadID)
	defer unlock()

	if err := s.store.Delete(ctx, threadID); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}

func (s *TurnStore) lock(threadID string) func() {
	return s.locks.Lock(threadID)
}

func (s *TurnStore) load(ctx context.Context, threadID string) (ports.Checkpoint, error) {
	cp, err := s.store.Load(ctx, threadID)
	if errors.Is(err, ports.ErrCheckpointNotFound) {
		return ports.Checkpoint{ThreadID: threadID, Turns: []ports.Turn{}}, nil
	}
	if err != nil {
		return ports.Checkpoint{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if cp.Turns == nil {
		cp.Turns = []ports.Turn{}
	}
	return cp, nil
}

// open loads the thread into a session. Callers must hold the thread lock.
func (s *TurnStore) open(ctx context.Context, threadID string) (*session, error) {
	cp, err := s.load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return &session{store: s.store, cp: cp}, nil
}

// session is a working copy of one conversation. Nothing reaches the store
// until commit; an abandoned session leaves the last commit intact.
type session struct {
	store ports.CheckpointStore
	cp    ports.Checkpoint
}

func (s *session) turns() []ports.Turn {
	return s.cp.Turns
}

func (s *session) append(turn ports.Turn) error {
	if err := validateAppend(s.cp.Turns, turn); err != nil {
		return err
	}
	s.cp.Turns = append(s.cp.Turns, turn.Clone())
	return nil
}

// check reports whether turn could be appended without appending it.
func (s *session) check(turn ports.Turn) error {
	return validateAppend(s.cp.Turns, turn)
}

func (s *session) commit(ctx context.Context) error {
	saved, err := s.store.Save(ctx, s.cp)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	s.cp = saved
	return nil
}

// validateAppend enforces role rules and tool-call pairing.
func validateAppend(existing []ports.Turn, turn ports.Turn) error {
	if !turn.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidTurn, turn.Role)
	}
	if turn.HasToolCalls() && turn.Role != ports.RoleAssistant {
		return fmt.Errorf("%w: only assistant turns may request tools", ErrInvalidTurn)
	}
	if turn.ToolCallID != "" && turn.Role != ports.RoleTool {
		return fmt.Errorf("%w: only tool turns may reference a tool call", ErrInvalidTurn)
	}

	switch turn.Role {
	case ports.RoleAssistant:
		seen := make(map[string]bool, len(turn.ToolCalls))
		for _, call := range turn.ToolCalls {
			if call.ID == "" || call.Name == "" {
				return fmt.Errorf("%w: tool call requires an id and a name", ErrInvalidTurn)
			}
			if seen[call.ID] {
				return fmt.Errorf("%w: duplicate tool call id %q", ErrInvalidTurn, call.ID)
			}
			seen[call.ID] = true
		}
	case ports.RoleTool:
		if turn.ToolCallID == "" {
			return fmt.Errorf("%w: tool result without tool call id", ErrInvalidTurn)
		}
		idx := lastAssistant(existing)
		if idx < 0 {
			return fmt.Errorf("%w: tool call %q was never requested", ErrInvalidTurn, turn.ToolCallID)
		}
		requested := false
		for _, call := range existing[idx].ToolCalls {
			if call.ID == turn.ToolCallID {
				requested = true
				break
			}
		}
		if !requested {
			return fmt.Errorf("%w: tool call %q was never requested", ErrInvalidTurn, turn.ToolCallID)
		}
		for _, t := range existing[idx+1:] {
			if t.Role == ports.RoleTool && t.ToolCallID == turn.ToolCallID {
				return fmt.Errorf("%w: tool call %q already answered", ErrInvalidTurn, turn.ToolCallID)
			}
		}
	}
	return nil
}

// lastAssistant returns the index of the latest assistant turn, or -1. Tool
// results always answer that turn, so call ids only need to be unique within it.
func lastAssistant(turns []ports.Turn) int {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == ports.RoleAssistant {
			return i
		}
	}
	return -1
}

// unansweredCalls returns the calls of turns[idx] that have no tool result yet.
func unansweredCalls(turns []ports.Turn, idx int) []ports.ToolCallRequest {
	answered := make(map[string]bool)
	for _, t := range turns[idx+1:] {
		if t.Role == ports.RoleTool {
			answered[t.ToolCallID] = true
		}
	}
	var out []ports.ToolCallRequest
	for _, call := range turns[idx].ToolCalls {
		if !answered[call.ID] {
			out = append(out, call)
		}
	}
	return out
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock blocks until key is free and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.mu.Lock()

	return func() {
		m.mu.Unlock()

		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
