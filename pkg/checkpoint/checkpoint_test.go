package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whizbang-io/whizbang/pkg/envelope"
	testdb "github.com/whizbang-io/whizbang/test/database"
)

func TestGetReturnsNotOkWhenNeverRecorded(t *testing.T) {
	client := testdb.NewTestClient(t)
	c := New(client.DB())
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "order:1", "order-summary")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBeginCatchUpCreatesRowWithCatchingUpBit(t *testing.T) {
	client := testdb.NewTestClient(t)
	c := New(client.DB())
	ctx := context.Background()

	require.NoError(t, c.BeginCatchUp(ctx, "order:1", "order-summary"))

	cp, ok, err := c.Get(ctx, "order:1", "order-summary")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusCatchingUp, cp.Status&StatusCatchingUp)
}

func TestApplyAdvancesLastEventIDAndError(t *testing.T) {
	client := testdb.NewTestClient(t)
	c := New(client.DB())
	ctx := context.Background()

	eventID := envelope.NewMessageID()
	require.NoError(t, c.Apply(ctx, CompletionUpdate{
		StreamID:       "order:1",
		ProjectionName: "order-summary",
		LastEventID:    eventID,
		Error:          "boom",
	}))

	cp, ok, err := c.Get(ctx, "order:1", "order-summary")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, eventID.UUID().String(), cp.LastEventID.UUID.String())
	assert.Equal(t, "boom", cp.Error)
}

func TestApplyCompletedClearsCatchingUpAndSetsCompleted(t *testing.T) {
	client := testdb.NewTestClient(t)
	c := New(client.DB())
	ctx := context.Background()

	require.NoError(t, c.BeginCatchUp(ctx, "order:1", "order-summary"))

	require.NoError(t, c.Apply(ctx, CompletionUpdate{
		StreamID:       "order:1",
		ProjectionName: "order-summary",
		LastEventID:    envelope.NewMessageID(),
		Completed:      true,
	}))

	cp, ok, err := c.Get(ctx, "order:1", "order-summary")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, cp.Status&StatusCatchingUp)
	assert.Equal(t, StatusCompleted, cp.Status&StatusCompleted)
}

func TestApplyWithoutCatchingUpStillSetsCompleted(t *testing.T) {
	client := testdb.NewTestClient(t)
	c := New(client.DB())
	ctx := context.Background()

	require.NoError(t, c.Apply(ctx, CompletionUpdate{
		StreamID:       "order:1",
		ProjectionName: "order-summary",
		LastEventID:    envelope.NewMessageID(),
		Completed:      true,
	}))

	cp, ok, err := c.Get(ctx, "order:1", "order-summary")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, cp.Status&StatusCompleted)
}

func TestApplyIncompleteAfterCatchingUpLeavesCatchingUpSet(t *testing.T) {
	client := testdb.NewTestClient(t)
	c := New(client.DB())
	ctx := context.Background()

	require.NoError(t, c.BeginCatchUp(ctx, "order:1", "order-summary"))
	require.NoError(t, c.Apply(ctx, CompletionUpdate{
		StreamID:       "order:1",
		ProjectionName: "order-summary",
		LastEventID:    envelope.NewMessageID(),
		Completed:      false,
	}))

	cp, ok, err := c.Get(ctx, "order:1", "order-summary")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusCatchingUp, cp.Status&StatusCatchingUp)
	assert.Equal(t, 0, cp.Status&StatusCompleted)
}
