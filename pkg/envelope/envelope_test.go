package envelope

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testHop() Hop {
	return NewCurrentHop(
		ServiceInstanceRef{Name: "whizbangd", InstanceID: "inst-1", Host: "host-a", PID: 42},
		NewCorrelationID(),
		CausationID{},
	)
}

func TestNewRequiresNonEmptyHops(t *testing.T) {
	env := New("payload", testHop())
	require.NoError(t, env.Validate())
	require.Len(t, env.Hops, 1)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	type Payload struct {
		Amount int `json:"amount"`
	}

	env := New(Payload{Amount: 7}, testHop())
	env.AppendHop(testHop())

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded MessageEnvelope[Payload]
	require.NoError(t, json.Unmarshal(data, &decoded))

	require.Equal(t, env.MessageID.String(), decoded.MessageID.String())
	require.Equal(t, env.Payload, decoded.Payload)
	require.Len(t, decoded.Hops, 2)
}

func TestEnvelopeUnmarshalAcceptsUnknownFields(t *testing.T) {
	raw := []byte(`{
		"MessageId": "` + NewMessageID().String() + `",
		"Payload": {"amount": 1},
		"Hops": [{
			"type": "current",
			"service_instance": {"name":"svc","instance_id":"i1","host":"h","pid":1},
			"timestamp": "2026-01-01T00:00:00Z",
			"correlation_id": "` + NewCorrelationID().String() + `"
		}],
		"SomeFutureField": {"nested": true}
	}`)

	type Payload struct {
		Amount int `json:"amount"`
	}

	var env MessageEnvelope[Payload]
	require.NoError(t, json.Unmarshal(raw, &env))
	require.Equal(t, 1, env.Payload.Amount)
}

func TestEnvelopeUnmarshalRejectsEmptyHops(t *testing.T) {
	raw := []byte(`{"MessageId":"` + NewMessageID().String() + `","Payload":{},"Hops":[]}`)
	var env MessageEnvelope[struct{}]
	err := json.Unmarshal(raw, &env)
	require.ErrorIs(t, err, ErrEmptyHops)
}

func TestDeriveChildInheritsCorrelationSetsCausation(t *testing.T) {
	parent := New("parent-payload", testHop())
	parentCorrelation := parent.CurrentCorrelationID()

	child := DeriveChild(parentCorrelation, parent.MessageID, "child-payload", testHop())

	require.Equal(t, parentCorrelation.String(), child.CurrentCorrelationID().String())
	require.Equal(t, parent.MessageID.String(), child.CurrentCausationID().String())
}

func TestTypedIDCompareIsChronological(t *testing.T) {
	a := NewMessageID()
	time.Sleep(time.Millisecond)
	b := NewMessageID()
	require.Negative(t, a.Compare(b))
	require.Positive(t, b.Compare(a))
	require.Zero(t, a.Compare(a))
}

func TestNormalizeEventTypeIsIdempotent(t *testing.T) {
	decorated := "Whizbang.OrderPlaced, Whizbang.Contracts, Version=1.0.0.0"
	once := NormalizeEventType(decorated)
	require.Equal(t, "Whizbang.OrderPlaced", once)
	require.Equal(t, once, NormalizeEventType(once))
}

func TestTypeRegistryDecode(t *testing.T) {
	type OrderPlaced struct {
		OrderID string `json:"order_id"`
	}

	reg := NewTypeRegistry()
	reg.Register("OrderPlaced", OrderPlaced{})

	decoded, err := reg.Decode("OrderPlaced", []byte(`{"order_id":"o-1"}`))
	require.NoError(t, err)
	require.Equal(t, OrderPlaced{OrderID: "o-1"}, decoded)

	_, err = reg.Decode("Unknown", []byte(`{}`))
	require.Error(t, err)
}

type fakeLookup struct {
	parents map[MessageID]CausationID
}

func (f fakeLookup) CausationOf(_ context.Context, id MessageID) (CausationID, bool, error) {
	c, ok := f.parents[id]
	return c, ok, nil
}

func TestTraceWalksCausationChain(t *testing.T) {
	root := NewMessageID()
	mid := NewMessageID()
	leaf := NewMessageID()

	lookup := fakeLookup{parents: map[MessageID]CausationID{
		leaf: FromExternalID[causationTag](mid.UUID()),
		mid:  FromExternalID[causationTag](root.UUID()),
	}}

	chain, err := Trace(context.Background(), lookup, leaf)
	require.NoError(t, err)
	require.Equal(t, []MessageID{leaf, mid, root}, chain)
}

func TestTraceStopsOnCycle(t *testing.T) {
	a := NewMessageID()
	b := NewMessageID()

	lookup := fakeLookup{parents: map[MessageID]CausationID{
		a: FromExternalID[causationTag](b.UUID()),
		b: FromExternalID[causationTag](a.UUID()),
	}}

	chain, err := Trace(context.Background(), lookup, a)
	require.NoError(t, err)
	require.Len(t, chain, 2)
}
