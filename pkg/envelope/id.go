// Package envelope defines the message envelope, hop trail, and typed
// identifiers that flow between the outbox, inbox, event store, and
// dispatcher.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// idTag marks a phantom type used to give TypedID distinct Go types per
// identifier role (MessageID, CorrelationID, CausationID) without
// duplicating the wrapper's implementation.
type idTag interface {
	idTag()
}

// TypedID wraps a 128-bit, time-ordered (UUIDv7) identifier. Two TypedID
// values with different tag types are different Go types, so a MessageID
// can never be passed where a CorrelationID is expected.
type TypedID[T idTag] struct {
	value uuid.UUID
}

// NewID generates a new TypedID using a version-7 (time-ordered) UUID.
// IDs generated by successive calls on the same process are monotonically
// non-decreasing, per the spec's TypedId invariant.
func NewID[T idTag]() TypedID[T] {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if crypto/rand is broken; fall back to v4
		// rather than panic, preserving uniqueness if not strict ordering.
		id = uuid.New()
	}
	return TypedID[T]{value: id}
}

// ParseID parses a string-form UUID into a TypedID.
func ParseID[T idTag](s string) (TypedID[T], error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return TypedID[T]{}, fmt.Errorf("envelope: parse id: %w", err)
	}
	return TypedID[T]{value: id}, nil
}

// FromExternalID adopts an externally generated UUID (e.g. from a transport
// adapter or another language's client) as a TypedID.
func FromExternalID[T idTag](id uuid.UUID) TypedID[T] {
	return TypedID[T]{value: id}
}

// IsZero reports whether the ID is the zero value (never assigned).
func (id TypedID[T]) IsZero() bool {
	return id.value == uuid.Nil
}

// Compare returns chronological ordering: negative if id sorts before other,
// zero if equal, positive if after. For UUIDv7 values this is time order.
func (id TypedID[T]) Compare(other TypedID[T]) int {
	return bytes.Compare(id.value[:], other.value[:])
}

// UUID returns the underlying uuid.UUID value.
func (id TypedID[T]) UUID() uuid.UUID {
	return id.value
}

// String returns the canonical string form.
func (id TypedID[T]) String() string {
	return id.value.String()
}

// MarshalJSON renders the ID as a plain JSON string.
func (id TypedID[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.value.String())
}

// UnmarshalJSON parses the ID from a plain JSON string.
func (id *TypedID[T]) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		id.value = uuid.Nil
		return nil
	}
	parsed, err := uuid.Parse(s)
	if err != nil {
		return fmt.Errorf("envelope: unmarshal id: %w", err)
	}
	id.value = parsed
	return nil
}

// messageTag / correlationTag / causationTag distinguish the three
// identifier roles the spec names in C1 (MessageId, CorrelationId, plus
// CausationId implied by the Hop model).
type messageTag struct{}

func (messageTag) idTag() {}

type correlationTag struct{}

func (correlationTag) idTag() {}

type causationTag struct{}

func (causationTag) idTag() {}

// MessageID uniquely identifies one MessageEnvelope.
type MessageID = TypedID[messageTag]

// CorrelationID threads together all messages belonging to one business
// operation, propagated unchanged from parent to child envelopes.
type CorrelationID = TypedID[correlationTag]

// CausationID identifies the immediate parent message that caused this one.
type CausationID = TypedID[causationTag]

// NewMessageID and NewCorrelationID are convenience
// constructors to avoid callers writing out the generic instantiation.
func NewMessageID() MessageID         { return NewID[messageTag]() }
func NewCorrelationID() CorrelationID { return NewID[correlationTag]() }

// MessageIDFromUUID adopts a raw uuid.UUID (e.g. scanned from a database
// column) as a MessageID. messageTag is unexported, so this is the only
// way for other packages to construct one from an externally obtained UUID.
func MessageIDFromUUID(id uuid.UUID) MessageID {
	return FromExternalID[messageTag](id)
}

// CorrelationIDFromUUID adopts a raw uuid.UUID as a CorrelationID.
func CorrelationIDFromUUID(id uuid.UUID) CorrelationID {
	return FromExternalID[correlationTag](id)
}

// CausationIDFromUUID adopts a raw uuid.UUID as a CausationID.
func CausationIDFromUUID(id uuid.UUID) CausationID {
	return FromExternalID[causationTag](id)
}

// CausationFromMessage derives a CausationID from a parent MessageID —
// the causation id of a child envelope is always its parent's message id.
func CausationFromMessage(parent MessageID) CausationID {
	return FromExternalID[causationTag](parent.UUID())
}

// StreamKey identifies a totally-ordered stream of events, usually an
// aggregate. Unlike MessageID/CorrelationID it is not time-ordered: it is a
// stable business key such as "order:4812" so consistent hashing (pkg/
// partition) produces the same partition across restarts and languages.
type StreamKey string

// NewStreamKey builds a conventional "type:id" stream key. Callers may also
// construct a StreamKey directly when a different convention is required.
func NewStreamKey(aggregateType, aggregateID string) StreamKey {
	return StreamKey(aggregateType + ":" + aggregateID)
}

func (k StreamKey) String() string { return string(k) }
