package envelope

import "time"

// HopType distinguishes the two kinds of hop record the spec names in C1:
// a "Current" hop appended at the point of processing, and a "Causation"
// hop recording the parent that caused this message to be produced.
type HopType string

const (
	HopCurrent   HopType = "current"
	HopCausation HopType = "causation"
)

// ServiceInstanceRef identifies the process that recorded a hop.
type ServiceInstanceRef struct {
	Name       string `json:"name"`
	InstanceID string `json:"instance_id"`
	Host       string `json:"host"`
	PID        int    `json:"pid"`
}

// CallSite optionally records the member/file/line that appended the hop,
// used for debugging.
type CallSite struct {
	Member string `json:"member,omitempty"`
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
}

// Hop is one append-only record of a processing step. Hops are never
// mutated or removed once appended — see MessageEnvelope.AppendHop.
type Hop struct {
	Type               HopType             `json:"type"`
	ServiceInstance     ServiceInstanceRef `json:"service_instance"`
	Timestamp          time.Time           `json:"timestamp"`
	Topic              string              `json:"topic,omitempty"`
	StreamKey          StreamKey           `json:"stream_key,omitempty"`
	Partition          *int                `json:"partition,omitempty"`
	Sequence           *int64              `json:"sequence,omitempty"`
	ExecutionStrategy  string              `json:"execution_strategy,omitempty"`
	CorrelationID      CorrelationID       `json:"correlation_id"`
	CausationID        CausationID         `json:"causation_id,omitempty"`
	Scope              Scope               `json:"scope,omitempty"`
	CallSite           *CallSite           `json:"call_site,omitempty"`
	Duration           *time.Duration      `json:"duration_ns,omitempty"`
}

// NewCurrentHop builds a "Current" hop for the given service instance,
// stamped with the current time. Optional fields are set via the With*
// helpers before the hop is appended.
func NewCurrentHop(instance ServiceInstanceRef, correlation CorrelationID, causation CausationID) Hop {
	return Hop{
		Type:            HopCurrent,
		ServiceInstance: instance,
		Timestamp:       time.Now().UTC(),
		CorrelationID:   correlation,
		CausationID:     causation,
	}
}

// WithStream attaches stream/partition/sequence routing metadata.
func (h Hop) WithStream(key StreamKey, partition int, sequence int64) Hop {
	h.StreamKey = key
	h.Partition = &partition
	h.Sequence = &sequence
	return h
}

// WithTopic attaches the transport topic the hop was delivered on/to.
func (h Hop) WithTopic(topic string) Hop {
	h.Topic = topic
	return h
}

// WithExecutionStrategy records which execution strategy processed the hop.
func (h Hop) WithExecutionStrategy(name string) Hop {
	h.ExecutionStrategy = name
	return h
}

// WithScope attaches a tenant/user/partition scope to the hop.
func (h Hop) WithScope(scope Scope) Hop {
	h.Scope = scope
	return h
}

// WithCallSite records the member/file/line that appended the hop.
func (h Hop) WithCallSite(member, file string, line int) Hop {
	h.CallSite = &CallSite{Member: member, File: file, Line: line}
	return h
}

// WithDuration records how long the processing step took.
func (h Hop) WithDuration(d time.Duration) Hop {
	h.Duration = &d
	return h
}
