package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whizbang-io/whizbang/pkg/envelope"
	testdb "github.com/whizbang-io/whizbang/test/database"
)

func TestSeenFalseOnFirstSighting(t *testing.T) {
	client := testdb.NewTestClient(t)
	d := New(client.DB())
	ctx := context.Background()

	alreadySeen, err := d.Seen(ctx, envelope.NewMessageID())
	require.NoError(t, err)
	assert.False(t, alreadySeen)
}

func TestSeenTrueOnRepeatSighting(t *testing.T) {
	client := testdb.NewTestClient(t)
	d := New(client.DB())
	ctx := context.Background()

	id := envelope.NewMessageID()
	alreadySeen, err := d.Seen(ctx, id)
	require.NoError(t, err)
	require.False(t, alreadySeen)

	alreadySeen, err = d.Seen(ctx, id)
	require.NoError(t, err)
	assert.True(t, alreadySeen)
}

func TestGCDeletesOnlyRecordsPastRetention(t *testing.T) {
	client := testdb.NewTestClient(t)
	d := New(client.DB())
	ctx := context.Background()

	old := envelope.NewMessageID()
	_, err := d.Seen(ctx, old)
	require.NoError(t, err)
	_, err = client.DB().ExecContext(ctx, `UPDATE wh_message_deduplication SET first_seen_at = now() - interval '30 days' WHERE message_id = $1`, old.UUID())
	require.NoError(t, err)

	recent := envelope.NewMessageID()
	_, err = d.Seen(ctx, recent)
	require.NoError(t, err)

	n, err := d.GC(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	alreadySeen, err := d.Seen(ctx, recent)
	require.NoError(t, err)
	assert.True(t, alreadySeen)

	alreadySeen, err = d.Seen(ctx, old)
	require.NoError(t, err)
	assert.False(t, alreadySeen)
}
