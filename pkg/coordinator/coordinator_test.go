package coordinator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whizbang-io/whizbang/pkg/envelope"
	"github.com/whizbang-io/whizbang/pkg/outbox"
	testdb "github.com/whizbang-io/whizbang/test/database"
)

func baseTopology() Topology {
	return Topology{
		PartitionCount:         4,
		LeaseSeconds:           30,
		StaleThresholdSeconds:  0,
		ClaimQuotaPerPartition: 100,
	}
}

func baseRequest(instanceID uuid.UUID) Request {
	return Request{
		InstanceID:  instanceID,
		ServiceName: "whizbang-worker",
		Host:        "localhost",
		PID:         1234,
		Topology:    baseTopology(),
	}
}

func TestProcessWorkBatchRegistersInstanceOnEveryCall(t *testing.T) {
	client := testdb.NewTestClient(t)
	c := New(client.DB())
	ctx := context.Background()

	instanceID := uuid.New()
	_, err := c.ProcessWorkBatch(ctx, baseRequest(instanceID))
	require.NoError(t, err)

	var count int
	require.NoError(t, client.DB().QueryRowContext(ctx, `SELECT count(*) FROM wh_service_instances WHERE instance_id = $1`, instanceID).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestProcessWorkBatchWritesNewOutboxAndClaimsIt(t *testing.T) {
	client := testdb.NewTestClient(t)
	c := New(client.DB())
	ctx := context.Background()

	instanceID := uuid.New()
	req := baseRequest(instanceID)
	req.NewOutbox = []NewMessage{{
		Destination: "orders.events",
		MessageType: "OrderPlaced",
		MessageData: json.RawMessage(`{"order_id":"o-1"}`),
		StreamID:    "order:1",
	}}

	batch, err := c.ProcessWorkBatch(ctx, req)
	require.NoError(t, err)
	require.Len(t, batch.OutboxWork, 1)
	assert.Equal(t, "orders.events", batch.OutboxWork[0].Destination)
	assert.Equal(t, 1, batch.OutboxWork[0].Attempts)
}

func TestProcessWorkBatchIsIdempotentForDuplicateNewMessageID(t *testing.T) {
	client := testdb.NewTestClient(t)
	c := New(client.DB())
	ctx := context.Background()

	instanceID := uuid.New()
	msgID := envelope.NewMessageID()
	req := baseRequest(instanceID)
	req.NewOutbox = []NewMessage{{
		MessageID:   msgID,
		Destination: "orders.events",
		MessageType: "OrderPlaced",
		MessageData: json.RawMessage(`{}`),
	}}

	_, err := c.ProcessWorkBatch(ctx, req)
	require.NoError(t, err)

	// second call with the same message id must not insert a duplicate row
	req2 := baseRequest(instanceID)
	req2.NewOutbox = req.NewOutbox
	_, err = c.ProcessWorkBatch(ctx, req2)
	require.NoError(t, err)

	var count int
	require.NoError(t, client.DB().QueryRowContext(ctx, `SELECT count(*) FROM wh_outbox WHERE message_id = $1`, msgID.UUID()).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestProcessWorkBatchEnforcesPerStreamOrdering(t *testing.T) {
	client := testdb.NewTestClient(t)
	c := New(client.DB())
	ctx := context.Background()

	instanceID := uuid.New()
	req := baseRequest(instanceID)
	req.NewOutbox = []NewMessage{
		{Destination: "d", MessageType: "T1", MessageData: json.RawMessage(`{}`), StreamID: "order:1"},
	}
	_, err := c.ProcessWorkBatch(ctx, req)
	require.NoError(t, err)

	req2 := baseRequest(instanceID)
	req2.NewOutbox = []NewMessage{
		{Destination: "d", MessageType: "T2", MessageData: json.RawMessage(`{}`), StreamID: "order:1"},
	}
	batch, err := c.ProcessWorkBatch(ctx, req2)
	require.NoError(t, err)

	// The first row for order:1 (T1) is still non-terminal, so T2 must not
	// be claimable yet even though it was just written.
	for _, w := range batch.OutboxWork {
		assert.NotEqual(t, "T2", w.MessageType)
	}
}

func TestProcessWorkBatchClaimsSuccessorAfterPredecessorCompletes(t *testing.T) {
	client := testdb.NewTestClient(t)
	c := New(client.DB())
	ctx := context.Background()

	instanceID := uuid.New()
	req := baseRequest(instanceID)
	req.NewOutbox = []NewMessage{
		{Destination: "d", MessageType: "T1", MessageData: json.RawMessage(`{}`), StreamID: "order:1"},
	}
	first, err := c.ProcessWorkBatch(ctx, req)
	require.NoError(t, err)
	require.Len(t, first.OutboxWork, 1)
	firstID := first.OutboxWork[0].MessageID

	req2 := baseRequest(instanceID)
	req2.NewOutbox = []NewMessage{
		{Destination: "d", MessageType: "T2", MessageData: json.RawMessage(`{}`), StreamID: "order:1"},
	}
	_, err = c.ProcessWorkBatch(ctx, req2)
	require.NoError(t, err)

	req3 := baseRequest(instanceID)
	req3.OutboxCompletedIDs = []envelope.MessageID{firstID}
	batch, err := c.ProcessWorkBatch(ctx, req3)
	require.NoError(t, err)

	var found bool
	for _, w := range batch.OutboxWork {
		if w.MessageType == "T2" {
			found = true
		}
	}
	assert.True(t, found, "T2 should become claimable once T1 completes")
}

func TestProcessWorkBatchFailureSetsTerminalFailureStatus(t *testing.T) {
	client := testdb.NewTestClient(t)
	c := New(client.DB())
	ctx := context.Background()

	instanceID := uuid.New()
	req := baseRequest(instanceID)
	req.NewOutbox = []NewMessage{{Destination: "d", MessageType: "T1", MessageData: json.RawMessage(`{}`)}}
	batch, err := c.ProcessWorkBatch(ctx, req)
	require.NoError(t, err)
	require.Len(t, batch.OutboxWork, 1)
	id := batch.OutboxWork[0].MessageID

	req2 := baseRequest(instanceID)
	req2.OutboxFailed = []FailedResult{{MessageID: id, FailureReason: 7, Error: "boom"}}
	_, err = c.ProcessWorkBatch(ctx, req2)
	require.NoError(t, err)

	var status int
	var errMsg string
	require.NoError(t, client.DB().QueryRowContext(ctx, `SELECT status, error FROM wh_outbox WHERE message_id = $1`, id.UUID()).Scan(&status, &errMsg))
	assert.NotZero(t, status&outbox.StatusTerminalFailure)
	assert.Equal(t, "boom", errMsg)
}

func TestProcessWorkBatchRenewsLeaseOnlyForOwner(t *testing.T) {
	client := testdb.NewTestClient(t)
	c := New(client.DB())
	ctx := context.Background()

	instanceA := uuid.New()
	instanceB := uuid.New()

	req := baseRequest(instanceA)
	req.NewOutbox = []NewMessage{{Destination: "d", MessageType: "T1", MessageData: json.RawMessage(`{}`)}}
	batch, err := c.ProcessWorkBatch(ctx, req)
	require.NoError(t, err)
	require.Len(t, batch.OutboxWork, 1)
	id := batch.OutboxWork[0].MessageID

	var leaseBefore string
	require.NoError(t, client.DB().QueryRowContext(ctx, `SELECT lease_expires_at::text FROM wh_outbox WHERE message_id = $1`, id.UUID()).Scan(&leaseBefore))

	// instanceB does not own the lease, so its renewal request is a silent no-op.
	reqB := baseRequest(instanceB)
	reqB.RenewOutboxLeaseIDs = []envelope.MessageID{id}
	_, err = c.ProcessWorkBatch(ctx, reqB)
	require.NoError(t, err)

	var leaseAfter string
	require.NoError(t, client.DB().QueryRowContext(ctx, `SELECT lease_expires_at::text FROM wh_outbox WHERE message_id = $1`, id.UUID()).Scan(&leaseAfter))
	assert.Equal(t, leaseBefore, leaseAfter)

	// instanceA, the owner, can renew.
	reqA := baseRequest(instanceA)
	reqA.RenewOutboxLeaseIDs = []envelope.MessageID{id}
	_, err = c.ProcessWorkBatch(ctx, reqA)
	require.NoError(t, err)

	var leaseRenewed string
	require.NoError(t, client.DB().QueryRowContext(ctx, `SELECT lease_expires_at::text FROM wh_outbox WHERE message_id = $1`, id.UUID()).Scan(&leaseRenewed))
	assert.NotEqual(t, leaseBefore, leaseRenewed)
}

func TestProcessWorkBatchReapsStaleInstances(t *testing.T) {
	client := testdb.NewTestClient(t)
	c := New(client.DB())
	ctx := context.Background()

	staleInstance := uuid.New()
	req := baseRequest(staleInstance)
	_, err := c.ProcessWorkBatch(ctx, req)
	require.NoError(t, err)

	_, err = client.DB().ExecContext(ctx, `UPDATE wh_service_instances SET last_heartbeat_at = now() - interval '1 hour' WHERE instance_id = $1`, staleInstance)
	require.NoError(t, err)

	liveInstance := uuid.New()
	live := baseRequest(liveInstance)
	live.Topology.StaleThresholdSeconds = 60
	_, err = c.ProcessWorkBatch(ctx, live)
	require.NoError(t, err)

	var count int
	require.NoError(t, client.DB().QueryRowContext(ctx, `SELECT count(*) FROM wh_service_instances WHERE instance_id = $1`, staleInstance).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestProcessWorkBatchAppliesPerspectiveCompletion(t *testing.T) {
	client := testdb.NewTestClient(t)
	c := New(client.DB())
	ctx := context.Background()

	instanceID := uuid.New()
	req := baseRequest(instanceID)
	req.PerspectiveCompletions = []PerspectiveResult{{
		StreamID:       "order:1",
		ProjectionName: "order-summary",
		LastEventID:    envelope.NewMessageID(),
		Completed:      true,
	}}
	_, err := c.ProcessWorkBatch(ctx, req)
	require.NoError(t, err)

	var status int
	require.NoError(t, client.DB().QueryRowContext(ctx,
		`SELECT status FROM wh_perspective_checkpoints WHERE stream_id = $1 AND projection_name = $2`,
		"order:1", "order-summary").Scan(&status))
	assert.NotZero(t, status&0x0004)
}

func TestLiveInstancesReturnsEveryRegisteredInstance(t *testing.T) {
	client := testdb.NewTestClient(t)
	c := New(client.DB())
	ctx := context.Background()

	instanceA := uuid.New()
	instanceB := uuid.New()
	_, err := c.ProcessWorkBatch(ctx, baseRequest(instanceA))
	require.NoError(t, err)
	_, err = c.ProcessWorkBatch(ctx, baseRequest(instanceB))
	require.NoError(t, err)

	instances, err := c.LiveInstances(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{instanceA, instanceB}, instances)
}

func TestForceReapInstanceDeletesServiceInstanceRow(t *testing.T) {
	client := testdb.NewTestClient(t)
	c := New(client.DB())
	ctx := context.Background()

	instanceID := uuid.New()
	_, err := c.ProcessWorkBatch(ctx, baseRequest(instanceID))
	require.NoError(t, err)

	require.NoError(t, c.ForceReapInstance(ctx, instanceID))

	var count int
	require.NoError(t, client.DB().QueryRowContext(ctx,
		`SELECT count(*) FROM wh_service_instances WHERE instance_id = $1`, instanceID).Scan(&count))
	assert.Equal(t, 0, count)
}
