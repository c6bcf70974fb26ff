package cleanup

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whizbang-io/whizbang/pkg/dedup"
	"github.com/whizbang-io/whizbang/pkg/envelope"
	"github.com/whizbang-io/whizbang/pkg/inbox"
	"github.com/whizbang-io/whizbang/pkg/outbox"
	"github.com/whizbang-io/whizbang/pkg/partition"
	testdb "github.com/whizbang-io/whizbang/test/database"
)

func testConfig() Config {
	return Config{
		Interval:          time.Hour,
		DedupRetention:    7 * 24 * time.Hour,
		OutboxRetention:   24 * time.Hour,
		InboxRetention:    24 * time.Hour,
		OrphanedStreamTTL: time.Hour,
	}
}

func TestServiceRunAllGCsOldDedupRecords(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()
	d := dedup.New(client.DB())

	id := envelope.NewMessageID()
	_, err := d.Seen(ctx, id)
	require.NoError(t, err)
	_, err = client.DB().ExecContext(ctx, `UPDATE wh_message_deduplication SET first_seen_at = now() - interval '30 days' WHERE message_id = $1`, id.UUID())
	require.NoError(t, err)

	svc := NewService(testConfig(), d, outbox.New(client.DB()), inbox.New(client.DB()), partition.New(client.DB()))
	svc.runAll(ctx)

	var count int
	require.NoError(t, client.DB().QueryRowContext(ctx, `SELECT count(*) FROM wh_message_deduplication WHERE message_id = $1`, id.UUID()).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestServiceRunAllExpiresTerminalOutboxAndInboxRows(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()
	o := outbox.New(client.DB())
	i := inbox.New(client.DB())

	oRec := outbox.Record{MessageID: envelope.NewMessageID(), Destination: "d", MessageType: "T", MessageData: json.RawMessage(`{}`)}
	require.NoError(t, o.Append(ctx, oRec))
	require.NoError(t, o.MarkProcessed(ctx, oRec.MessageID))
	_, err := client.DB().ExecContext(ctx, `UPDATE wh_outbox SET created_at = now() - interval '2 days' WHERE message_id = $1`, oRec.MessageID.UUID())
	require.NoError(t, err)

	iRec := inbox.Record{MessageID: envelope.NewMessageID(), Destination: "d", MessageType: "T", MessageData: json.RawMessage(`{}`)}
	require.NoError(t, i.Append(ctx, iRec))
	require.NoError(t, i.MarkProcessed(ctx, iRec.MessageID, "handler"))
	_, err = client.DB().ExecContext(ctx, `UPDATE wh_inbox SET created_at = now() - interval '2 days' WHERE message_id = $1`, iRec.MessageID.UUID())
	require.NoError(t, err)

	svc := NewService(testConfig(), dedup.New(client.DB()), o, i, partition.New(client.DB()))
	svc.runAll(ctx)

	var outboxCount, inboxCount int
	require.NoError(t, client.DB().QueryRowContext(ctx, `SELECT count(*) FROM wh_outbox WHERE message_id = $1`, oRec.MessageID.UUID()).Scan(&outboxCount))
	require.NoError(t, client.DB().QueryRowContext(ctx, `SELECT count(*) FROM wh_inbox WHERE message_id = $1`, iRec.MessageID.UUID()).Scan(&inboxCount))
	assert.Equal(t, 0, outboxCount)
	assert.Equal(t, 0, inboxCount)
}

func TestServiceRunAllReapsOrphanedStreams(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()
	ownership := partition.New(client.DB())

	instance := uuid.New()
	stream := envelope.StreamKey("order:idle")
	require.NoError(t, ownership.AcquireStream(ctx, stream, 0, instance, 30))
	require.NoError(t, ownership.ReleaseStream(ctx, stream))
	_, err := client.DB().ExecContext(ctx, `UPDATE wh_active_streams SET last_activity_at = now() - interval '2 hours' WHERE stream_id = $1`, stream.String())
	require.NoError(t, err)

	svc := NewService(testConfig(), dedup.New(client.DB()), outbox.New(client.DB()), inbox.New(client.DB()), ownership)
	svc.runAll(ctx)

	var count int
	require.NoError(t, client.DB().QueryRowContext(ctx, `SELECT count(*) FROM wh_active_streams WHERE stream_id = $1`, stream.String()).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestServiceStartStopIsIdempotent(t *testing.T) {
	client := testdb.NewTestClient(t)
	svc := NewService(testConfig(), dedup.New(client.DB()), outbox.New(client.DB()), inbox.New(client.DB()), partition.New(client.DB()))

	svc.Start(context.Background())
	assert.NotPanics(t, func() { svc.Start(context.Background()) })
	svc.Stop()
	assert.NotPanics(t, func() { svc.Stop() })
}
