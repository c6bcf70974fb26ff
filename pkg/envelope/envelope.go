package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrEmptyHops is returned by Validate, and so by UnmarshalJSON, when an
// envelope has zero hops, violating the spec's "hops is non-empty from
// the moment an envelope enters the system" invariant.
var ErrEmptyHops = errors.New("envelope: hops must be non-empty")

// MessageEnvelope is the unit of work that flows through the outbox,
// inbox, event store and dispatcher. Field names match the wire contract
// in spec §6.2 exactly (MessageId, Payload, Hops, Scope) so the JSON form
// is identical across languages.
type MessageEnvelope[T any] struct {
	MessageID MessageID `json:"MessageId"`
	Payload   T         `json:"Payload"`
	Hops      []Hop     `json:"Hops"`
	Scope     Scope     `json:"Scope,omitempty"`
}

// New creates an envelope with its first hop already appended. A producer
// always has at least one hop (the one recording creation), so an empty
// hop list is never observable.
func New[T any](payload T, firstHop Hop) *MessageEnvelope[T] {
	return &MessageEnvelope[T]{
		MessageID: NewMessageID(),
		Payload:   payload,
		Hops:      []Hop{firstHop},
	}
}

// AppendHop appends a hop to the envelope's trail. Hops are never removed
// or reordered once appended.
func (e *MessageEnvelope[T]) AppendHop(h Hop) {
	e.Hops = append(e.Hops, h)
}

// CurrentCorrelationID returns the correlation id recorded on the most
// recent hop, or the zero value if the envelope somehow has no hops.
func (e *MessageEnvelope[T]) CurrentCorrelationID() CorrelationID {
	if len(e.Hops) == 0 {
		return CorrelationID{}
	}
	return e.Hops[len(e.Hops)-1].CorrelationID
}

// CurrentCausationID returns the causation id recorded on the most recent
// hop, or the zero value if unset.
func (e *MessageEnvelope[T]) CurrentCausationID() CausationID {
	if len(e.Hops) == 0 {
		return CausationID{}
	}
	return e.Hops[len(e.Hops)-1].CausationID
}

// LastHop returns the most recently appended hop and true, or the zero Hop
// and false if the envelope has no hops (should not occur post-construction,
// but UnmarshalJSON of a malformed wire payload may produce one).
func (e *MessageEnvelope[T]) LastHop() (Hop, bool) {
	if len(e.Hops) == 0 {
		return Hop{}, false
	}
	return e.Hops[len(e.Hops)-1], true
}

// DeriveChild creates a new envelope for a message emitted as a side effect
// of processing a parent envelope. The child inherits the parent's
// correlation id and sets its causation id to the parent's message id, per
// spec §4.7.
func DeriveChild[T any](parentCorrelation CorrelationID, parentMessageID MessageID, payload T, firstHop Hop) *MessageEnvelope[T] {
	firstHop.CorrelationID = parentCorrelation
	firstHop.CausationID = CausationFromMessage(parentMessageID)
	return &MessageEnvelope[T]{
		MessageID: NewMessageID(),
		Payload:   payload,
		Hops:      []Hop{firstHop},
	}
}

// Validate checks the envelope's invariants: non-empty hops, and every hop
// carrying a non-zero timestamp.
func (e *MessageEnvelope[T]) Validate() error {
	if len(e.Hops) == 0 {
		return ErrEmptyHops
	}
	for i, h := range e.Hops {
		if h.Timestamp.IsZero() {
			return fmt.Errorf("envelope: hop %d has zero timestamp", i)
		}
	}
	return nil
}

// UnmarshalJSON accepts extra unknown fields (forward compatibility, per
// spec §6.2) because encoding/json already ignores fields not present in
// the target struct; it additionally enforces the non-empty-hops
// invariant so a malformed wire payload fails fast at the boundary rather
// than surfacing later as a nil-hop panic.
func (e *MessageEnvelope[T]) UnmarshalJSON(data []byte) error {
	type alias MessageEnvelope[T]
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*e = MessageEnvelope[T](a)
	return e.Validate()
}
