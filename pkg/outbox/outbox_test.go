package outbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whizbang-io/whizbang/pkg/envelope"
	testdb "github.com/whizbang-io/whizbang/test/database"
)

func TestAppendThenHasProcessedIsFalseUntilMarked(t *testing.T) {
	client := testdb.NewTestClient(t)
	o := New(client.DB())
	ctx := context.Background()

	rec := Record{
		MessageID:   envelope.NewMessageID(),
		Destination: "orders.events",
		MessageType: "OrderPlaced",
		MessageData: json.RawMessage(`{"order_id":"o-1"}`),
		StreamID:    "order:1",
	}
	require.NoError(t, o.Append(ctx, rec))

	processed, err := o.HasProcessed(ctx, rec.MessageID)
	require.NoError(t, err)
	assert.False(t, processed)

	require.NoError(t, o.MarkProcessed(ctx, rec.MessageID))

	processed, err = o.HasProcessed(ctx, rec.MessageID)
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestAppendIsIdempotentOnConflictingMessageID(t *testing.T) {
	client := testdb.NewTestClient(t)
	o := New(client.DB())
	ctx := context.Background()

	id := envelope.NewMessageID()
	rec := Record{MessageID: id, Destination: "orders.events", MessageType: "OrderPlaced", MessageData: json.RawMessage(`{}`)}
	require.NoError(t, o.Append(ctx, rec))
	require.NoError(t, o.Append(ctx, rec)) // second insert is a no-op, not an error
}

func TestHasProcessedFallsBackToDedupTableWhenRowMissing(t *testing.T) {
	client := testdb.NewTestClient(t)
	o := New(client.DB())
	ctx := context.Background()

	id := envelope.NewMessageID()
	_, err := client.DB().ExecContext(ctx, `INSERT INTO wh_message_deduplication (message_id) VALUES ($1)`, id.UUID())
	require.NoError(t, err)

	processed, err := o.HasProcessed(ctx, id)
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestHasProcessedFalseWhenNeverSeen(t *testing.T) {
	client := testdb.NewTestClient(t)
	o := New(client.DB())
	ctx := context.Background()

	processed, err := o.HasProcessed(ctx, envelope.NewMessageID())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestCleanupExpiredDeletesOnlyTerminalRowsPastRetention(t *testing.T) {
	client := testdb.NewTestClient(t)
	o := New(client.DB())
	ctx := context.Background()

	published := Record{MessageID: envelope.NewMessageID(), Destination: "d", MessageType: "T", MessageData: json.RawMessage(`{}`)}
	require.NoError(t, o.Append(ctx, published))
	require.NoError(t, o.MarkProcessed(ctx, published.MessageID))
	_, err := client.DB().ExecContext(ctx, `UPDATE wh_outbox SET created_at = now() - interval '2 days' WHERE message_id = $1`, published.MessageID.UUID())
	require.NoError(t, err)

	pending := Record{MessageID: envelope.NewMessageID(), Destination: "d", MessageType: "T", MessageData: json.RawMessage(`{}`)}
	require.NoError(t, o.Append(ctx, pending))
	_, err = client.DB().ExecContext(ctx, `UPDATE wh_outbox SET created_at = now() - interval '2 days' WHERE message_id = $1`, pending.MessageID.UUID())
	require.NoError(t, err)

	n, err := o.CleanupExpired(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	processed, err := o.HasProcessed(ctx, pending.MessageID)
	require.NoError(t, err)
	assert.False(t, processed) // still present, just not published/failed
}

func TestCausationOfReadsFirstHopCausationID(t *testing.T) {
	client := testdb.NewTestClient(t)
	o := New(client.DB())
	ctx := context.Background()

	parentMessageID := envelope.NewMessageID()
	causation := envelope.CausationFromMessage(parentMessageID)
	envJSON, err := json.Marshal(struct {
		Hops []struct {
			CausationID string `json:"causation_id"`
		} `json:"Hops"`
	}{
		Hops: []struct {
			CausationID string `json:"causation_id"`
		}{{CausationID: causation.String()}},
	})
	require.NoError(t, err)

	rec := Record{MessageID: envelope.NewMessageID(), Destination: "d", MessageType: "T", MessageData: envJSON}
	require.NoError(t, o.Append(ctx, rec))

	got, ok, err := o.CausationOf(ctx, rec.MessageID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, causation, got)
}

func TestCausationOfFalseWhenMessageNotFound(t *testing.T) {
	client := testdb.NewTestClient(t)
	o := New(client.DB())
	ctx := context.Background()

	_, ok, err := o.CausationOf(ctx, envelope.NewMessageID())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDepthCountsOnlyPendingRows(t *testing.T) {
	client := testdb.NewTestClient(t)
	o := New(client.DB())
	ctx := context.Background()

	pending := Record{MessageID: envelope.NewMessageID(), Destination: "d", MessageType: "T", MessageData: json.RawMessage(`{}`)}
	require.NoError(t, o.Append(ctx, pending))

	published := Record{MessageID: envelope.NewMessageID(), Destination: "d", MessageType: "T", MessageData: json.RawMessage(`{}`)}
	require.NoError(t, o.Append(ctx, published))
	require.NoError(t, o.MarkProcessed(ctx, published.MessageID))

	n, err := o.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRequeueClearsLease(t *testing.T) {
	client := testdb.NewTestClient(t)
	o := New(client.DB())
	ctx := context.Background()

	rec := Record{MessageID: envelope.NewMessageID(), Destination: "d", MessageType: "T", MessageData: json.RawMessage(`{}`)}
	require.NoError(t, o.Append(ctx, rec))

	instanceID := uuid.New()
	_, err := client.DB().ExecContext(ctx, `
		UPDATE wh_outbox SET instance_id = $2, lease_expires_at = now() + interval '1 hour' WHERE message_id = $1`,
		rec.MessageID.UUID(), instanceID)
	require.NoError(t, err)

	require.NoError(t, o.Requeue(ctx, rec.MessageID))

	var gotInstance uuid.NullUUID
	var gotLease *time.Time
	require.NoError(t, client.DB().QueryRowContext(ctx,
		`SELECT instance_id, lease_expires_at FROM wh_outbox WHERE message_id = $1`, rec.MessageID.UUID(),
	).Scan(&gotInstance, &gotLease))
	assert.False(t, gotInstance.Valid)
	assert.Nil(t, gotLease)
}

func TestReleaseByInstanceClearsOnlyThatInstancesLeases(t *testing.T) {
	client := testdb.NewTestClient(t)
	o := New(client.DB())
	ctx := context.Background()

	mine := Record{MessageID: envelope.NewMessageID(), Destination: "d", MessageType: "T", MessageData: json.RawMessage(`{}`)}
	require.NoError(t, o.Append(ctx, mine))
	other := Record{MessageID: envelope.NewMessageID(), Destination: "d", MessageType: "T", MessageData: json.RawMessage(`{}`)}
	require.NoError(t, o.Append(ctx, other))

	instanceID := uuid.New()
	otherInstanceID := uuid.New()
	_, err := client.DB().ExecContext(ctx,
		`UPDATE wh_outbox SET instance_id = $2, lease_expires_at = now() + interval '1 hour' WHERE message_id = $1`,
		mine.MessageID.UUID(), instanceID)
	require.NoError(t, err)
	_, err = client.DB().ExecContext(ctx,
		`UPDATE wh_outbox SET instance_id = $2, lease_expires_at = now() + interval '1 hour' WHERE message_id = $1`,
		other.MessageID.UUID(), otherInstanceID)
	require.NoError(t, err)

	n, err := o.ReleaseByInstance(ctx, instanceID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var otherInstance uuid.NullUUID
	require.NoError(t, client.DB().QueryRowContext(ctx,
		`SELECT instance_id FROM wh_outbox WHERE message_id = $1`, other.MessageID.UUID(),
	).Scan(&otherInstance))
	assert.True(t, otherInstance.Valid)
}
