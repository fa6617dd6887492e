package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/splitsync/pkg/types"
)

func TestSettlementLifecycle(t *testing.T) {
	b, clock := createTestBackend(t)
	ctx := context.Background()

	s, err := b.CreateSettlement(ctx, types.Settlement{
		FromUserID: "bob", ToUserID: "alice", Amount: 33.34, Currency: "USD", Notes: "dinner",
	}, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Version)
	assert.True(t, s.Date.Equal(clock.Now()), "date defaults to now")

	clock.Advance(time.Minute)
	s.Notes = "dinner, paid in cash"
	updated, err := b.UpdateSettlement(ctx, *s, 1, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, "alice", updated.ModifiedBy)

	_, err = b.UpdateSettlement(ctx, *s, 1, "bob")
	assert.ErrorIs(t, err, types.ErrVersionConflict)

	list, err := b.SettlementsForUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "dinner, paid in cash", list[0].Notes)
	assert.Equal(t, 33.34, list[0].Amount)

	_, err = b.DeleteSettlement(ctx, s.ID, 2, "bob")
	require.NoError(t, err)
	list, err = b.SettlementsForUser(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, list)

	got, err := b.GetSettlement(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.Equal(t, int64(3), got.Version)
}

func TestCreateSettlement_Invalid(t *testing.T) {
	b, _ := createTestBackend(t)
	_, err := b.CreateSettlement(context.Background(), types.Settlement{
		FromUserID: "bob", ToUserID: "bob", Amount: 1,
	}, "bob")
	assert.ErrorIs(t, err, types.ErrInvalidData)

	_, err = b.GetSettlement(context.Background(), "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}
