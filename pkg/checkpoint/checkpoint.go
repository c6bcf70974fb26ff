// Package checkpoint implements perspective (read-model projection)
// checkpoints (spec component C8): a per-(stream, projection) cursor with
// CatchingUp/Completed status bits.
package checkpoint

import (
	"context"
	stdsql "database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/whizbang-io/whizbang/pkg/envelope"
)

// Status bits for a perspective checkpoint. CatchingUp and Completed
// share the bitmask layout used elsewhere (spec §3), but a checkpoint
// only ever uses these two.
const (
	StatusCatchingUp = 0x0008
	StatusCompleted  = 0x0004
)

// Checkpoint is the current cursor state for one (stream, projection) pair.
type Checkpoint struct {
	StreamID       string
	ProjectionName string
	LastEventID    uuid.NullUUID
	Status         int
	Error          string
}

// Checkpoints is the SQL-backed repository over wh_perspective_checkpoints.
type Checkpoints struct {
	db *stdsql.DB
}

// New returns a Checkpoints repository backed by db.
func New(db *stdsql.DB) *Checkpoints {
	return &Checkpoints{db: db}
}

// Get returns the checkpoint for (streamID, projectionName), or the zero
// value with ok=false if no checkpoint has ever been recorded.
func (c *Checkpoints) Get(ctx context.Context, streamID, projectionName string) (Checkpoint, bool, error) {
	var cp Checkpoint
	cp.StreamID, cp.ProjectionName = streamID, projectionName
	var errStr stdsql.NullString
	err := c.db.QueryRowContext(ctx, `
		SELECT last_event_id, status, error FROM wh_perspective_checkpoints
		WHERE stream_id = $1 AND projection_name = $2`,
		streamID, projectionName,
	).Scan(&cp.LastEventID, &cp.Status, &errStr)
	if err == stdsql.ErrNoRows {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("checkpoint: get: %w", err)
	}
	cp.Error = errStr.String
	return cp, true, nil
}

// BeginCatchUp marks (streamID, projectionName) as catching up, creating
// the row if it does not yet exist.
func (c *Checkpoints) BeginCatchUp(ctx context.Context, streamID, projectionName string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO wh_perspective_checkpoints (stream_id, projection_name, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (stream_id, projection_name) DO UPDATE SET status = wh_perspective_checkpoints.status | $3`,
		streamID, projectionName, StatusCatchingUp,
	)
	if err != nil {
		return fmt.Errorf("checkpoint: begin catch up: %w", err)
	}
	return nil
}

// CompletionUpdate is one reported outcome from a projection handler.
type CompletionUpdate struct {
	StreamID       string
	ProjectionName string
	LastEventID    envelope.MessageID
	Completed      bool
	Error          string
}

// Apply advances the checkpoint: last_event_id is set to the update's value
// (it is not compared against the stored one) and processed_at to now();
// if the row was CatchingUp and this update reports
// Completed, the CatchingUp bit is cleared and Completed is set,
// matching spec §4.6 exactly.
func (c *Checkpoints) Apply(ctx context.Context, u CompletionUpdate) error {
	status := 0
	if u.Completed {
		status = StatusCompleted
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO wh_perspective_checkpoints (stream_id, projection_name, last_event_id, status, processed_at, error)
		VALUES ($1, $2, $3, $4, now(), NULLIF($5, ''))
		ON CONFLICT (stream_id, projection_name) DO UPDATE SET
			last_event_id = EXCLUDED.last_event_id,
			processed_at = now(),
			error = EXCLUDED.error,
			status = CASE
				WHEN wh_perspective_checkpoints.status & $6 != 0 AND EXCLUDED.status & $7 != 0
					THEN (wh_perspective_checkpoints.status & ~$6) | $7
				ELSE wh_perspective_checkpoints.status | EXCLUDED.status
			END`,
		u.StreamID, u.ProjectionName, u.LastEventID.UUID(), status, u.Error,
		StatusCatchingUp, StatusCompleted,
	)
	if err != nil {
		return fmt.Errorf("checkpoint: apply: %w", err)
	}
	return nil
}
