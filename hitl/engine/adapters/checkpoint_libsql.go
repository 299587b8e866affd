package adapters

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	ports "github.com/ZanzyTHEbar/hitl-chat/hitl/engine/ports"
)

// LibSQLCheckpointStore persists checkpoints in a libsql database. The schema
// is created by db.Migrate. Several processes may share one database; writes
// are guarded by the version column.
type LibSQLCheckpointStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewLibSQLCheckpointStore creates a checkpoint store over an open database.
func NewLibSQLCheckpointStore(db *sql.DB) *LibSQLCheckpointStore {
	return &LibSQLCheckpointStore{
		db:  db,
		now: time.Now,
	}
}

// Load reads the checkpoint for threadID.
func (s *LibSQLCheckpointStore) Load(ctx context.Context, threadID string) (ports.Checkpoint, error) {
	query := `
		SELECT turns_json, pending_json, version, updated_at
		FROM checkpoints
		WHERE thread_id = ?
	`

	var (
		turnsJSON   string
		pendingJSON sql.NullString
		version     int64
		updatedAt   string
	)
	err := s.db.QueryRowContext(ctx, query, threadID).Scan(&turnsJSON, &pendingJSON, &version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ports.Checkpoint{}, fmt.Errorf("thread %q: %w", threadID, ports.ErrCheckpointNotFound)
	}
	if err != nil {
		return ports.Checkpoint{}, fmt.Errorf("failed to query checkpoint: %w", err)
	}

	cp := ports.Checkpoint{
		ThreadID: threadID,
		Version:  version,
	}
	if err := json.Unmarshal([]byte(turnsJSON), &cp.Turns); err != nil {
		return ports.Checkpoint{}, fmt.Errorf("failed to unmarshal turns: %w", err)
	}
	if pendingJSON.Valid && pendingJSON.String != "" {
		var pending ports.PendingApproval
		if err := json.Unmarshal([]byte(pendingJSON.String), &pending); err != nil {
			return ports.Checkpoint{}, fmt.Errorf("failed to unmarshal pending approval: %w", err)
		}
		cp.Pending = &pending
	}
	if cp.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return ports.Checkpoint{}, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	return cp, nil
}

// Save writes cp when the stored version still equals cp.Version.
func (s *LibSQLCheckpointStore) Save(ctx context.Context, cp ports.Checkpoint) (ports.Checkpoint, error) {
	turnsJSON, err := json.Marshal(cp.Turns)
	if err != nil {
		return ports.Checkpoint{}, fmt.Errorf("failed to marshal turns: %w", err)
	}

	var pendingJSON sql.NullString
	if cp.Pending != nil {
		b, err := json.Marshal(cp.Pending)
		if err != nil {
			return ports.Checkpoint{}, fmt.Errorf("failed to marshal pending approval: %w", err)
		}
		pendingJSON = sql.NullString{String: string(b), Valid: true}
	}

	next := cp.Clone()
	next.Version = cp.Version + 1
	next.UpdatedAt = s.now().UTC()
	updatedAt := next.UpdatedAt.Format(time.RFC3339Nano)

	var res sql.Result
	if cp.Version == 0 {
		query := `
			INSERT INTO checkpoints (thread_id, turns_json, pending_json, version, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(thread_id) DO NOTHING
		`
		res, err = s.db.ExecContext(ctx, query, cp.ThreadID, string(turnsJSON), pendingJSON, next.Version, updatedAt)
	} else {
		query := `
			UPDATE checkpoints
			SET turns_json = ?, pending_json = ?, version = ?, updated_at = ?
			WHERE thread_id = ? AND version = ?
		`
		res, err = s.db.ExecContext(ctx, query, string(turnsJSON), pendingJSON, next.Version, updatedAt, cp.ThreadID, cp.Version)
	}
	if err != nil {
		return ports.Checkpoint{}, fmt.Errorf("failed to save checkpoint: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return ports.Checkpoint{}, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return ports.Checkpoint{}, fmt.Errorf(
			"%w: thread %q was modified concurrently (expected version %d)",
			ports.ErrVersionConflict,
			cp.ThreadID,
			cp.Version,
		)
	}

	return next, nil
}

// Delete removes the checkpoint for threadID. Unknown threads are not an error.
func (s *LibSQLCheckpointStore) Delete(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// Ensure LibSQLCheckpointStore implements the CheckpointStore interface.
var _ ports.CheckpointStore = (*LibSQLCheckpointStore)(nil)
