package adapters

import (
	"context"
	"errors"

	ports "github.com/ZanzyTHEbar/hitl-chat/hitl/engine/ports"
)

// TracedCheckpointStore wraps a CheckpointStore with checkpoint_* spans.
type TracedCheckpointStore struct {
	next   ports.CheckpointStore
	tracer ports.Tracer
}

// NewTracedCheckpointStore decorates next with tracer.
func NewTracedCheckpointStore(next ports.CheckpointStore, tracer ports.Tracer) *TracedCheckpointStore {
	return &TracedCheckpointStore{next: next, tracer: tracer}
}

func (s *TracedCheckpointStore) Load(ctx context.Context, threadID string) (ports.Checkpoint, error) {
	ctx, finish := s.tracer.StartSpan(ctx, "checkpoint_load", map[string]any{"thread_id": threadID})
	cp, err := s.next.Load(ctx, threadID)
	if errors.Is(err, ports.ErrCheckpointNotFound) {
		finish(nil)
	} else {
		finish(err)
	}
	return cp, err
}

func (s *TracedCheckpointStore) Save(ctx context.Context, cp ports.Checkpoint) (ports.Checkpoint, error) {
	ctx, finish := s.tracer.StartSpan(ctx, "checkpoint_save", map[string]any{
		"thread_id": cp.ThreadID,
		"version":   cp.Version,
		"turns":     len(cp.Turns),
		"pending":   cp.Pending != nil,
	})
	saved, err := s.next.Save(ctx, cp)
	finish(err)
	return saved, err
}

func (s *TracedCheckpointStore) Delete(ctx context.Context, threadID string) error {
	ctx, finish := s.tracer.StartSpan(ctx, "checkpoint_delete", map[string]any{"thread_id": threadID})
	err := s.next.Delete(ctx, threadID)
	finish(err)
	return err
}

var _ ports.CheckpointStore = (*TracedCheckpointStore)(nil)
