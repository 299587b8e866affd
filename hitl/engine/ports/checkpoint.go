package engineports

import (
	"context"
	"errors"
	"time"
)

var (
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrVersionConflict    = errors.New("checkpoint version conflict")
)

// PendingApproval records a suspended assistant turn awaiting a human decision.
type PendingApproval struct {
	TurnIndex   int             `json:"turn_index"` // index of the assistant turn that proposed the calls
	Call        ToolCallRequest `json:"tool_call"`  // first call that needs approval
	RequestedAt time.Time       `json:"requested_at"`
}

// Checkpoint is the persisted snapshot of one conversation.
type Checkpoint struct {
	ThreadID  string           `json:"thread_id"`
	Turns     []Turn           `json:"turns"`
	Pending   *PendingApproval `json:"pending"`
	Version   int64            `json:"version"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// CheckpointStore persists conversation snapshots keyed by thread id.
//
// Save is an optimistic write: cp.Version must equal the stored version (zero
// when the thread has never been saved), otherwise ErrVersionConflict is
// returned. On success the stored checkpoint, with its new version, is returned.
type CheckpointStore interface {
	Load(ctx context.Context, threadID string) (Checkpoint, error)
	Save(ctx context.Context, cp Checkpoint) (Checkpoint, error)
	Delete(ctx context.Context, threadID string) error
}

// Clone returns a deep copy that shares no mutable state with cp.
func (cp Checkpoint) Clone() Checkpoint {
	out := cp
	if cp.Turns != nil {
		out.Turns = make([]Turn, len(cp.Turns))
		for i, t := range cp.Turns {
			out.Turns[i] = t.Clone()
		}
	}
	if cp.Pending != nil {
		p := *cp.Pending
		p.Call = p.Call.Clone()
		out.Pending = &p
	}
	return out
}
