// Package store implements the append-only per-stream event store (spec
// component C2): optimistic-concurrency append, ordered reads, and
// polymorphic materialization via an envelope.TypeRegistry.
package store

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/whizbang-io/whizbang/pkg/envelope"
)

// ErrVersionConflict is returned by AppendAsync if every retry raced
// another writer for the same (stream_id, version).
var ErrVersionConflict = errors.New("store: version conflict after retries")

// Record is a single stored event, independent of its concrete payload type.
type Record struct {
	EventID        envelope.MessageID
	StreamID       string
	AggregateID    string
	AggregateType  string
	EventType      string
	EventData      json.RawMessage
	Metadata       json.RawMessage
	Scope          envelope.Scope
	SequenceNumber int64
	Version        int64
	CreatedAt      time.Time
}

// Store is the SQL-backed event store. A single *sql.DB pool is shared
// with every other repository package; there is no per-package
// connection.
type Store struct {
	db          *stdsql.DB
	maxAttempts int
}

// New returns a Store with the default retry budget for version conflicts.
func New(db *stdsql.DB) *Store {
	return &Store{db: db, maxAttempts: 5}
}

// WithMaxAppendAttempts overrides the retry budget, mostly useful in tests
// that want to observe ErrVersionConflict deterministically.
func (s *Store) WithMaxAppendAttempts(n int) *Store {
	s.maxAttempts = n
	return s
}

// AppendAsync inserts a new event at the next version for streamID.
// Concurrent appends to the same stream race on the unique (stream_id,
// version) index; the loser retries with exponential backoff plus
// jitter up to maxAttempts before returning ErrVersionConflict.
func (s *Store) AppendAsync(
	ctx context.Context,
	streamID, aggregateID, aggregateType, eventType string,
	data, metadata json.RawMessage,
	scope envelope.Scope,
) (Record, error) {
	eventID := envelope.NewMessageID()

	var scopeJSON json.RawMessage
	if len(scope) > 0 {
		b, err := json.Marshal(scope)
		if err != nil {
			return Record{}, fmt.Errorf("store: marshal scope: %w", err)
		}
		scopeJSON = b
	}

	backoff := 5 * time.Millisecond
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		rec, err := s.tryAppend(ctx, eventID, streamID, aggregateID, aggregateType, eventType, data, metadata, scopeJSON)
		if err == nil {
			return rec, nil
		}
		if !isUniqueViolation(err) {
			return Record{}, fmt.Errorf("store: append: %w", err)
		}
		select {
		case <-ctx.Done():
			return Record{}, ctx.Err()
		case <-time.After(backoff + time.Duration(rand.Intn(5))*time.Millisecond):
		}
		backoff *= 2
	}
	return Record{}, ErrVersionConflict
}

func (s *Store) tryAppend(
	ctx context.Context,
	eventID envelope.MessageID,
	streamID, aggregateID, aggregateType, eventType string,
	data, metadata, scope json.RawMessage,
) (Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var nextVersion int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), -1) + 1 FROM wh_event_store WHERE stream_id = $1`,
		streamID,
	).Scan(&nextVersion)
	if err != nil {
		return Record{}, err
	}

	var createdAt time.Time
	var sequenceNumber int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO wh_event_store
			(event_id, stream_id, aggregate_id, aggregate_type, event_type, event_data, metadata, scope, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING sequence_number, created_at`,
		eventID.UUID(), streamID, aggregateID, aggregateType, eventType, []byte(data), nullableJSON(metadata), nullableJSON(scope), nextVersion,
	).Scan(&sequenceNumber, &createdAt)
	if err != nil {
		return Record{}, err
	}

	if err := tx.Commit(); err != nil {
		return Record{}, err
	}

	return Record{
		EventID:        eventID,
		StreamID:       streamID,
		AggregateID:    aggregateID,
		AggregateType:  aggregateType,
		EventType:      eventType,
		EventData:      data,
		Metadata:       metadata,
		SequenceNumber: sequenceNumber,
		Version:        nextVersion,
		CreatedAt:      createdAt,
	}, nil
}

// ReadAsync returns every event recorded for streamID with
// sequence_number >= fromSequence, in ascending sequence order.
func (s *Store) ReadAsync(ctx context.Context, streamID string, fromSequence int64) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, stream_id, aggregate_id, aggregate_type, event_type, event_data, metadata, scope, sequence_number, version, created_at
		FROM wh_event_store
		WHERE stream_id = $1 AND sequence_number >= $2
		ORDER BY sequence_number ASC`,
		streamID, fromSequence,
	)
	if err != nil {
		return nil, fmt.Errorf("store: read: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ReadFromEventID returns every event for streamID recorded at or after
// fromEventID's sequence position. Because event_id is a UUIDv7 (time
// ordered) but Postgres has no native "UUID >= UUID implies time order"
// guarantee across all UUID-generating clients, the cursor is resolved to
// a sequence number first and the real filter is the monotonic sequence.
func (s *Store) ReadFromEventID(ctx context.Context, streamID string, fromEventID envelope.MessageID) ([]Record, error) {
	var fromSequence int64
	err := s.db.QueryRowContext(ctx,
		`SELECT sequence_number FROM wh_event_store WHERE stream_id = $1 AND event_id = $2`,
		streamID, fromEventID.UUID(),
	).Scan(&fromSequence)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, fmt.Errorf("store: event %s not found in stream %s", fromEventID, streamID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: resolve cursor: %w", err)
	}
	return s.ReadAsync(ctx, streamID, fromSequence)
}

// GetEventsBetweenAsync returns events for streamID in the half-open range
// (afterEventID, upToEventID], in ascending order.
func (s *Store) GetEventsBetweenAsync(ctx context.Context, streamID string, afterEventID, upToEventID envelope.MessageID) ([]Record, error) {
	var afterSeq, uptoSeq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT sequence_number FROM wh_event_store WHERE stream_id = $1 AND event_id = $2`,
		streamID, afterEventID.UUID(),
	).Scan(&afterSeq)
	if err != nil && !errors.Is(err, stdsql.ErrNoRows) {
		return nil, fmt.Errorf("store: resolve after cursor: %w", err)
	}
	if errors.Is(err, stdsql.ErrNoRows) {
		afterSeq = -1
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT sequence_number FROM wh_event_store WHERE stream_id = $1 AND event_id = $2`,
		streamID, upToEventID.UUID(),
	).Scan(&uptoSeq)
	if err != nil {
		return nil, fmt.Errorf("store: resolve upto cursor: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, stream_id, aggregate_id, aggregate_type, event_type, event_data, metadata, scope, sequence_number, version, created_at
		FROM wh_event_store
		WHERE stream_id = $1 AND sequence_number > $2 AND sequence_number <= $3
		ORDER BY sequence_number ASC`,
		streamID, afterSeq, uptoSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("store: get events between: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// PolymorphicRecord pairs a stored Record with its materialized payload.
type PolymorphicRecord struct {
	Record
	Payload any
}

// ReadPolymorphicAsync reads from fromEventID (inclusive of that event
// itself) and materializes each row whose event_type is registered in reg
// and included in eventTypes (nil means "every registered type").
func (s *Store) ReadPolymorphicAsync(ctx context.Context, streamID string, fromEventID envelope.MessageID, reg *envelope.TypeRegistry, eventTypes []string) ([]PolymorphicRecord, error) {
	records, err := s.ReadFromEventID(ctx, streamID, fromEventID)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		wanted[t] = struct{}{}
	}

	out := make([]PolymorphicRecord, 0, len(records))
	for _, r := range records {
		if len(wanted) > 0 {
			if _, ok := wanted[r.EventType]; !ok {
				continue
			}
		}
		if !reg.Has(r.EventType) {
			continue
		}
		payload, err := reg.Decode(r.EventType, r.EventData)
		if err != nil {
			return nil, fmt.Errorf("store: decode %s: %w", r.EventType, err)
		}
		out = append(out, PolymorphicRecord{Record: r, Payload: payload})
	}
	return out, nil
}

func scanRecords(rows *stdsql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var r Record
		var metadata, scope stdsql.NullString
		var id uuid.UUID
		if err := rows.Scan(&id, &r.StreamID, &r.AggregateID, &r.AggregateType, &r.EventType, &r.EventData, &metadata, &scope, &r.SequenceNumber, &r.Version, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		r.EventID = envelope.MessageIDFromUUID(id)
		if metadata.Valid {
			r.Metadata = json.RawMessage(metadata.String)
		}
		if scope.Valid {
			_ = json.Unmarshal([]byte(scope.String), &r.Scope)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullableJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
