package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/splitsync/pkg/types"
)

func TestBalances_ReplaceAndRead(t *testing.T) {
	b, _ := createTestBackend(t)
	ctx := context.Background()

	empty, err := b.StoredBalances(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, empty.Entries())

	require.NoError(t, b.ReplaceBalances(ctx, types.Balances{
		UserID: "alice",
		Friends: []types.BalanceEntry{
			{Kind: types.BalanceKindFriend, CounterpartyID: "bob", Amount: 33.34},
			{Kind: types.BalanceKindFriend, CounterpartyID: "carol", Amount: -12.5},
		},
		Groups: []types.BalanceEntry{
			{Kind: types.BalanceKindGroup, CounterpartyID: "trip", Amount: 20.84},
		},
	}))

	got, err := b.StoredBalances(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 33.34, got.Friend("bob"))
	assert.Equal(t, -12.5, got.Friend("carol"))
	assert.Equal(t, 20.84, got.Group("trip"))

	require.NoError(t, b.ReplaceBalances(ctx, types.Balances{UserID: "alice"}))
	got, err = b.StoredBalances(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, got.Entries())
}

func TestUserIDs(t *testing.T) {
	b, _ := createTestBackend(t)
	ctx := context.Background()

	_, err := b.CreateExpense(ctx, dinner(), "alice")
	require.NoError(t, err)
	_, err = b.CreateSettlement(ctx, types.Settlement{
		FromUserID: "dave", ToUserID: "alice", Amount: 5, Currency: "USD",
	}, "dave")
	require.NoError(t, err)
	require.NoError(t, b.ReplaceBalances(ctx, types.Balances{UserID: "zed"}))

	ids, err := b.UserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol", "dave"}, ids)
}
