package adapters

import (
	"context"
	"fmt"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/hitl-chat/hitl/engine/ports"
)

// MemoryCheckpointStore keeps checkpoints for the lifetime of the process.
type MemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]ports.Checkpoint
	now         func() time.Time
}

// NewMemoryCheckpointStore creates an empty in-memory checkpoint store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		checkpoints: make(map[string]ports.Checkpoint),
		now:         time.Now,
	}
}

// Load returns a copy of the checkpoint for threadID.
func (s *MemoryCheckpointStore) Load(_ context.Context, threadID string) (ports.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[threadID]
	if !ok {
		return ports.Checkpoint{}, fmt.Errorf("thread %q: %w", threadID, ports.ErrCheckpointNotFound)
	}
	return cp.Clone(), nil
}

// Save stores cp when its version matches the stored one.
func (s *MemoryCheckpointStore) Save(_ context.Context, cp ports.Checkpoint) (ports.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored int64
	if current, ok := s.checkpoints[cp.ThreadID]; ok {
		stored = current.Version
	}
	if cp.Version != stored {
		return ports.Checkpoint{}, fmt.Errorf(
			"%w: thread %q expected version %d, got %d",
			ports.ErrVersionConflict,
			cp.ThreadID,
			stored,
			cp.Version,
		)
	}

	next := cp.Clone()
	next.Version = stored + 1
	next.UpdatedAt = s.now().UTC()
	s.checkpoints[cp.ThreadID] = next

	return next.Clone(), nil
}

// Delete removes the checkpoint for threadID. Unknown threads are not an error.
func (s *MemoryCheckpointStore) Delete(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.checkpoints, threadID)
	return nil
}

// Ensure MemoryCheckpointStore implements the CheckpointStore interface.
var _ ports.CheckpointStore = (*MemoryCheckpointStore)(nil)
