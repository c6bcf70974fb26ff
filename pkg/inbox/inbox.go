// Package inbox implements the durable inbound message buffer (spec
// component C4): same shape as the outbox plus a handler name and
// received timestamp, deduplicated against the outbox by message id.
package inbox

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

// Status bitmask, identical layout to the outbox (spec §3).
const (
	StatusPending           = 0x0001
	StatusReceptorProcessed = 0x0002
	StatusProcessed         = 0x0004
	StatusCatchingUp        = 0x0008
	StatusTerminalFailure   = 0x8000
)

// FailureReason mirrors pkg/outbox.FailureReason; kept as a distinct type
// so an inbox failure reason can never be passed where an outbox one is
// expected, even though the underlying enum values are identical.
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

// Record is a durable inbound message row.
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
	HandlerName    string
	ReceivedAt     *time.Time
	CreatedAt      time.Time
	ProcessedAt    *time.Time
}

// Inbox is the SQL-backed repository over wh_inbox.
type Inbox struct {
	db *stdsql.DB
}

// New returns an Inbox backed by db.
func New(db *stdsql.DB) *Inbox {
	return &Inbox{db: db}
}

// Append inserts a new record with status Pending.
func (ib *Inbox) Append(ctx context.Context, r Record) error {
	if r.MessageID.IsZero() {
		r.MessageID = envelope.NewMessageID()
	}
	scopeJSON, err := marshalScope(r.Scope)
	if err != nil {
		return err
	}
	_, err = ib.db.ExecContext(ctx, `
		INSERT INTO wh_inbox
			(message_id, destination, message_type, message_data, metadata, scope, stream_id, partition, is_event, status, scheduled_for, handler_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (message_id) DO NOTHING`,
		r.MessageID.UUID(), r.Destination, r.MessageType, []byte(r.MessageData), nullableJSON(r.Metadata), scopeJSON,
		nullableString(r.StreamID), r.Partition, r.IsEvent, StatusPending, r.ScheduledFor, nullableString(r.HandlerName),
	)
	if err != nil {
		return fmt.Errorf("inbox: append: %w", err)
	}
	return nil
}

// HasProcessed reports whether message_id has already been handled, by
// checking this table's completion state and the permanent dedup table.
func (ib *Inbox) HasProcessed(ctx context.Context, messageID envelope.MessageID) (bool, error) {
	var status int
	err := ib.db.QueryRowContext(ctx, `SELECT status FROM wh_inbox WHERE message_id = $1`, messageID.UUID()).Scan(&status)
	if errors.Is(err, stdsql.ErrNoRows) {
		var exists bool
		err := ib.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM wh_message_deduplication WHERE message_id = $1)`, messageID.UUID()).Scan(&exists)
		if err != nil {
			return false, fmt.Errorf("inbox: has processed (dedup lookup): %w", err)
		}
		return exists, nil
	}
	if err != nil {
		return false, fmt.Errorf("inbox: has processed: %w", err)
	}
	return status&StatusProcessed != 0, nil
}

// MarkProcessed sets the Processed bit, processed_at, received_at and the
// handler that completed the message.
func (ib *Inbox) MarkProcessed(ctx context.Context, messageID envelope.MessageID, handlerName string) error {
	_, err := ib.db.ExecContext(ctx, `
		UPDATE wh_inbox SET status = status | $2, processed_at = now(), received_at = now(), handler_name = $3
		WHERE message_id = $1`,
		messageID.UUID(), StatusProcessed, handlerName,
	)
	if err != nil {
		return fmt.Errorf("inbox: mark processed: %w", err)
	}
	return nil
}

// CleanupExpired deletes terminal rows older than retention.
func (ib *Inbox) CleanupExpired(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	res, err := ib.db.ExecContext(ctx, `
		DELETE FROM wh_inbox
		WHERE created_at < $1 AND (status & $2 != 0 OR status & $3 != 0)`,
		cutoff, StatusProcessed, StatusTerminalFailure,
	)
	if err != nil {
		return 0, fmt.Errorf("inbox: cleanup expired: %w", err)
	}
	return res.RowsAffected()
}

// Requeue clears a row's lease, making it immediately claimable again
// regardless of its current lease_expires_at. Used by the operator CLI to
// force a retry without waiting for natural lease expiry.
func (ib *Inbox) Requeue(ctx context.Context, messageID envelope.MessageID) error {
	_, err := ib.db.ExecContext(ctx, `
		UPDATE wh_inbox SET instance_id = NULL, lease_expires_at = NULL
		WHERE message_id = $1`,
		messageID.UUID(),
	)
	if err != nil {
		return fmt.Errorf("inbox: requeue: %w", err)
	}
	return nil
}

// ReleaseByInstance clears the lease on every row claimed by instanceID,
// used by the operator CLI's force-reap command.
func (ib *Inbox) ReleaseByInstance(ctx context.Context, instanceID uuid.UUID) (int64, error) {
	res, err := ib.db.ExecContext(ctx, `
		UPDATE wh_inbox SET instance_id = NULL, lease_expires_at = NULL
		WHERE instance_id = $1`,
		instanceID,
	)
	if err != nil {
		return 0, fmt.Errorf("inbox: release by instance: %w", err)
	}
	return res.RowsAffected()
}

// Depth returns the number of rows still pending handling, for periodic
// gauge sampling (pkg/metrics.QueueDepth).
func (ib *Inbox) Depth(ctx context.Context) (int64, error) {
	var n int64
	err := ib.db.QueryRowContext(ctx, `
		SELECT count(*) FROM wh_inbox WHERE status & $1 != 0 AND status & $2 = 0`,
		StatusPending, StatusTerminalFailure,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("inbox: depth: %w", err)
	}
	return n, nil
}

// CausationOf implements envelope.CausationLookup over the inbox table.
func (ib *Inbox) CausationOf(ctx context.Context, id envelope.MessageID) (envelope.CausationID, bool, error) {
	var data []byte
	err := ib.db.QueryRowContext(ctx, `SELECT message_data FROM wh_inbox WHERE message_id = $1`, id.UUID()).Scan(&data)
	if errors.Is(err, stdsql.ErrNoRows) {
		return envelope.CausationID{}, false, nil
	}
	if err != nil {
		return envelope.CausationID{}, false, fmt.Errorf("inbox: causation of: %w", err)
	}
	return causationFromEnvelopeJSON(data)
}

func marshalScope(scope envelope.Scope) (any, error) {
	if len(scope) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(scope)
	if err != nil {
		return nil, fmt.Errorf("inbox: marshal scope: %w", err)
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

func causationFromEnvelopeJSON(data []byte) (envelope.CausationID, bool, error) {
	var wrapper struct {
		Hops []struct {
			CausationID string `json:"causation_id"`
		} `json:"Hops"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return envelope.CausationID{}, false, fmt.Errorf("inbox: decode envelope for causation: %w", err)
	}
	if len(wrapper.Hops) == 0 || wrapper.Hops[0].CausationID == "" {
		return envelope.CausationID{}, false, nil
	}
	parsed, err := uuid.Parse(wrapper.Hops[0].CausationID)
	if err != nil {
		return envelope.CausationID{}, false, fmt.Errorf("inbox: parse causation id: %w", err)
	}
	return envelope.CausationIDFromUUID(parsed), true, nil
}
