// Package outbox implements the durable outbound message buffer (spec
// component C3). Production code reaches it through the Work Coordinator;
// the operations here exist for tests and for synchronous callers that
// need a dedup check before work is persisted.
package outbox

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/whizbang-io/whizbang/pkg/envelope"
)

// Status bits, shared bitmask layout with the inbox (spec §3).
const (
	StatusPending            = 0x0001
	StatusReceptorProcessed  = 0x0002
	StatusPublished          = 0x0004
	StatusCatchingUp         = 0x0008
	StatusTerminalFailure    = 0x8000
)

// FailureReason enumerates why a record entered terminal failure. Values
// 7-98 are reserved for future reasons; Unknown stays pinned at 99 so a
// reserved-range addition never collides with it.
type FailureReason int

const (
	FailureNone                FailureReason = 0
	FailureTransportNotReady   FailureReason = 1
	FailureTransportException  FailureReason = 2
	FailureSerializationError  FailureReason = 3
	FailureValidationError     FailureReason = 4
	FailureMaxAttemptsExceeded FailureReason = 5
	FailureLeaseExpired        FailureReason = 6
	FailureUnknown             FailureReason = 99
)

// Record is a durable outbound message row.
type Record struct {
	MessageID      envelope.MessageID
	Destination    string
	MessageType    string
	MessageData    json.RawMessage
	Metadata       json.RawMessage
	Scope          envelope.Scope
	StreamID       string
	Partition      *int
	IsEvent        bool
	Status         int
	Attempts       int
	Error          string
	InstanceID     uuid.NullUUID
	LeaseExpiresAt *time.Time
	FailureReason  FailureReason
	ScheduledFor   *time.Time
	CreatedAt      time.Time
	PublishedAt    *time.Time
	ProcessedAt    *time.Time
}

// Outbox is the SQL-backed repository over wh_outbox.
type Outbox struct {
	db *stdsql.DB
}

// New returns an Outbox backed by db.
func New(db *stdsql.DB) *Outbox {
	return &Outbox{db: db}
}

// Append inserts a new record with status Pending. Production code almost
// never calls this directly; new outbox rows normally flow through the
// coordinator's new_outbox[] batch so they get deduplicated and
// partitioned atomically with the rest of a polling cycle.
func (o *Outbox) Append(ctx context.Context, r Record) error {
	if r.MessageID.IsZero() {
		r.MessageID = envelope.NewMessageID()
	}
	scopeJSON, err := marshalScope(r.Scope)
	if err != nil {
		return err
	}
	_, err = o.db.ExecContext(ctx, `
		INSERT INTO wh_outbox
			(message_id, destination, message_type, message_data, metadata, scope, stream_id, partition, is_event, status, scheduled_for)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (message_id) DO NOTHING`,
		r.MessageID.UUID(), r.Destination, r.MessageType, []byte(r.MessageData), nullableJSON(r.Metadata), scopeJSON,
		nullableString(r.StreamID), r.Partition, r.IsEvent, StatusPending, r.ScheduledFor,
	)
	if err != nil {
		return fmt.Errorf("outbox: append: %w", err)
	}
	return nil
}

// HasProcessed reports whether message_id has already been seen, by
// checking both this table's completion state and the permanent
// deduplication table (pkg/dedup).
func (o *Outbox) HasProcessed(ctx context.Context, messageID envelope.MessageID) (bool, error) {
	var status int
	err := o.db.QueryRowContext(ctx, `SELECT status FROM wh_outbox WHERE message_id = $1`, messageID.UUID()).Scan(&status)
	if errors.Is(err, stdsql.ErrNoRows) {
		var exists bool
		err := o.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM wh_message_deduplication WHERE message_id = $1)`, messageID.UUID()).Scan(&exists)
		if err != nil {
			return false, fmt.Errorf("outbox: has processed (dedup lookup): %w", err)
		}
		return exists, nil
	}
	if err != nil {
		return false, fmt.Errorf("outbox: has processed: %w", err)
	}
	return status&StatusPublished != 0, nil
}

// MarkProcessed sets the Published bit and processed_at.
func (o *Outbox) MarkProcessed(ctx context.Context, messageID envelope.MessageID) error {
	_, err := o.db.ExecContext(ctx, `
		UPDATE wh_outbox SET status = status | $2, processed_at = now(), published_at = now()
		WHERE message_id = $1`,
		messageID.UUID(), StatusPublished,
	)
	if err != nil {
		return fmt.Errorf("outbox: mark processed: %w", err)
	}
	return nil
}

// CleanupExpired deletes terminal (published or terminally failed) rows
// older than retention. This is operator maintenance, not correctness:
// the coordinator never reads a row after it reaches a terminal state.
func (o *Outbox) CleanupExpired(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	res, err := o.db.ExecContext(ctx, `
		DELETE FROM wh_outbox
		WHERE created_at < $1 AND (status & $2 != 0 OR status & $3 != 0)`,
		cutoff, StatusPublished, StatusTerminalFailure,
	)
	if err != nil {
		return 0, fmt.Errorf("outbox: cleanup expired: %w", err)
	}
	return res.RowsAffected()
}

// Requeue clears a row's lease, making it immediately claimable again
// regardless of its current lease_expires_at. Used by the operator CLI to
// force a retry without waiting for natural lease expiry.
func (o *Outbox) Requeue(ctx context.Context, messageID envelope.MessageID) error {
	_, err := o.db.ExecContext(ctx, `
		UPDATE wh_outbox SET instance_id = NULL, lease_expires_at = NULL
		WHERE message_id = $1`,
		messageID.UUID(),
	)
	if err != nil {
		return fmt.Errorf("outbox: requeue: %w", err)
	}
	return nil
}

// ReleaseByInstance clears the lease on every row claimed by instanceID,
// used by the operator CLI's force-reap command.
func (o *Outbox) ReleaseByInstance(ctx context.Context, instanceID uuid.UUID) (int64, error) {
	res, err := o.db.ExecContext(ctx, `
		UPDATE wh_outbox SET instance_id = NULL, lease_expires_at = NULL
		WHERE instance_id = $1`,
		instanceID,
	)
	if err != nil {
		return 0, fmt.Errorf("outbox: release by instance: %w", err)
	}
	return res.RowsAffected()
}

// Depth returns the number of rows still pending publication, for
// periodic gauge sampling (pkg/metrics.QueueDepth).
func (o *Outbox) Depth(ctx context.Context) (int64, error) {
	var n int64
	err := o.db.QueryRowContext(ctx, `
		SELECT count(*) FROM wh_outbox WHERE status & $1 != 0 AND status & $2 = 0`,
		StatusPending, StatusTerminalFailure,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("outbox: depth: %w", err)
	}
	return n, nil
}

// CausationOf implements envelope.CausationLookup by reading the
// causation id off the first recorded hop in message_data's envelope
// trail. Returns ok=false if the message isn't found or has no hops.
func (o *Outbox) CausationOf(ctx context.Context, id envelope.MessageID) (envelope.CausationID, bool, error) {
	var data []byte
	err := o.db.QueryRowContext(ctx, `SELECT message_data FROM wh_outbox WHERE message_id = $1`, id.UUID()).Scan(&data)
	if errors.Is(err, stdsql.ErrNoRows) {
		return envelope.CausationID{}, false, nil
	}
	if err != nil {
		return envelope.CausationID{}, false, fmt.Errorf("outbox: causation of: %w", err)
	}
	return causationFromEnvelopeJSON(data)
}

func marshalScope(scope envelope.Scope) (any, error) {
	if len(scope) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(scope)
	if err != nil {
		return nil, fmt.Errorf("outbox: marshal scope: %w", err)
	}
	return []byte(b), nil
}

func nullableJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// causationFromEnvelopeJSON extracts the causation id of the earliest hop
// recorded in a stored envelope's JSON form, shared by outbox and inbox.
func causationFromEnvelopeJSON(data []byte) (envelope.CausationID, bool, error) {
	var wrapper struct {
		Hops []struct {
			CausationID string `json:"causation_id"`
		} `json:"Hops"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return envelope.CausationID{}, false, fmt.Errorf("outbox: decode envelope for causation: %w", err)
	}
	if len(wrapper.Hops) == 0 || wrapper.Hops[0].CausationID == "" {
		return envelope.CausationID{}, false, nil
	}
	parsed, err := uuid.Parse(wrapper.Hops[0].CausationID)
	if err != nil {
		return envelope.CausationID{}, false, fmt.Errorf("outbox: parse causation id: %w", err)
	}
	return envelope.CausationIDFromUUID(parsed), true, nil
}
