package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/splitsync/pkg/types"
)

func newItem(t *testing.T, recordID string, now time.Time) types.OutboxItem {
	t.Helper()
	item, err := types.NewOutboxItem(types.OutboxUpsert, types.TableExpenses, recordID,
		[]byte(`{"id":"`+recordID+`"}`), now)
	require.NoError(t, err)
	return item
}

func TestInsertOutbox_Idempotent(t *testing.T) {
	b, clock := createTestBackend(t)
	ctx := context.Background()

	item := newItem(t, "e1", clock.Now())
	inserted, err := b.InsertOutbox(ctx, item)
	require.NoError(t, err)
	assert.True(t, inserted)

	item.Retries = 7
	inserted, err = b.InsertOutbox(ctx, item)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := b.GetOutbox(ctx, item.IdempotencyKey)
	require.NoError(t, err)
	assert.Zero(t, got.Retries, "existing row is left untouched")
	assert.JSONEq(t, `{"id":"e1"}`, string(got.Payload))
}

func TestClaimOutbox(t *testing.T) {
	b, clock := createTestBackend(t)
	ctx := context.Background()
	now := clock.Now()

	first := newItem(t, "e1", now)
	second := newItem(t, "e2", now.Add(time.Second))
	later := newItem(t, "e3", now)
	later.NextRetryAt = now.Add(time.Hour)
	for _, it := range []types.OutboxItem{second, first, later} {
		_, err := b.InsertOutbox(ctx, it)
		require.NoError(t, err)
	}

	claimed, err := b.ClaimOutbox(ctx, 10, now.Add(2*time.Second), now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "e1", claimed[0].RecordID, "oldest first")
	assert.Equal(t, "e2", claimed[1].RecordID)
	assert.Equal(t, types.OutboxProcessing, claimed[0].Status)

	// Claimed rows are not handed out again while the claim is fresh.
	again, err := b.ClaimOutbox(ctx, 10, now.Add(2*time.Second), now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, again)

	// Once the claim is stale it is reclaimed.
	stale, err := b.ClaimOutbox(ctx, 10, now.Add(10*time.Minute), now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Len(t, stale, 2)
}

func TestClaimOutbox_Limit(t *testing.T) {
	b, clock := createTestBackend(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := b.InsertOutbox(ctx, newItem(t, id, clock.Now()))
		require.NoError(t, err)
	}
	claimed, err := b.ClaimOutbox(ctx, 2, clock.Now(), clock.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Len(t, claimed, 2)

	none, err := b.ClaimOutbox(ctx, 0, clock.Now(), clock.Now())
	require.NoError(t, err)
	assert.Nil(t, none)
}

func versionedItem(t *testing.T, recordID string, version int, now time.Time) types.OutboxItem {
	t.Helper()
	payload := fmt.Sprintf(`{"id":%q,"version":%d}`, recordID, version)
	item, err := types.NewOutboxItem(types.OutboxUpsert, types.TableExpenses, recordID, []byte(payload), now)
	require.NoError(t, err)
	return item
}

func TestClaimOutbox_NewestWriteSupersedesOlder(t *testing.T) {
	b, clock := createTestBackend(t)
	ctx := context.Background()
	now := clock.Now()

	v1 := versionedItem(t, "e1", 1, now)
	v1.Retries = 1
	v1.NextRetryAt = now.Add(time.Minute)
	v2 := versionedItem(t, "e1", 2, now.Add(time.Second))
	other := newItem(t, "e2", now)
	for _, it := range []types.OutboxItem{v1, v2, other} {
		_, err := b.InsertOutbox(ctx, it)
		require.NoError(t, err)
	}

	claimed, err := b.ClaimOutbox(ctx, 10, now.Add(2*time.Second), now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "e2", claimed[0].RecordID)
	assert.Equal(t, v2.IdempotencyKey, claimed[1].IdempotencyKey)

	got, err := b.GetOutbox(ctx, v1.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, types.OutboxDone, got.Status)
	assert.Equal(t, supersededError, got.LastError)

	// The retired item never comes back, even after its retry time.
	again, err := b.ClaimOutbox(ctx, 10, now.Add(time.Hour), now.Add(-time.Minute))
	require.NoError(t, err)
	for _, it := range again {
		assert.NotEqual(t, v1.IdempotencyKey, it.IdempotencyKey)
	}
}

func TestClaimOutbox_WaitsForOlderClaim(t *testing.T) {
	b, clock := createTestBackend(t)
	ctx := context.Background()
	now := clock.Now()

	v1 := versionedItem(t, "e1", 1, now)
	_, err := b.InsertOutbox(ctx, v1)
	require.NoError(t, err)
	claimed, err := b.ClaimOutbox(ctx, 10, now, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	v2 := versionedItem(t, "e1", 2, now)
	_, err = b.InsertOutbox(ctx, v2)
	require.NoError(t, err)

	claimed, err = b.ClaimOutbox(ctx, 10, now, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, claimed, "newer write waits while the older one is in flight")

	require.NoError(t, b.MarkOutboxDone(ctx, v1.IdempotencyKey, now))
	claimed, err = b.ClaimOutbox(ctx, 10, now, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, v2.IdempotencyKey, claimed[0].IdempotencyKey)
}

func TestOutboxLifecycle(t *testing.T) {
	b, clock := createTestBackend(t)
	ctx := context.Background()
	now := clock.Now()

	item := newItem(t, "e1", now)
	item.MaxRetries = 1
	_, err := b.InsertOutbox(ctx, item)
	require.NoError(t, err)
	key := item.IdempotencyKey

	assert.ErrorIs(t, b.RequeueOutbox(ctx, key, now), types.ErrNotTerminal)

	require.NoError(t, b.MarkOutboxRetry(ctx, key, 2, types.OutboxFailed, now, "boom", now))
	got, err := b.GetOutbox(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, types.OutboxFailed, got.Status)
	assert.Equal(t, "boom", got.LastError)

	claimed, err := b.ClaimOutbox(ctx, 10, now.Add(time.Hour), now)
	require.NoError(t, err)
	assert.Empty(t, claimed, "terminal items are never claimed")

	require.NoError(t, b.RequeueOutbox(ctx, key, now))
	got, err = b.GetOutbox(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, types.OutboxPending, got.Status)
	assert.Zero(t, got.Retries)

	require.NoError(t, b.MarkOutboxDone(ctx, key, now))
	counts, err := b.CountOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.OutboxDone])
	assert.Equal(t, 0, counts[types.OutboxPending])

	n, err := b.PruneOutbox(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, n, "prune keeps items updated at or after the cutoff")

	n, err = b.PruneOutbox(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = b.GetOutbox(ctx, key)
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.ErrorIs(t, b.MarkOutboxDone(ctx, key, now), types.ErrNotFound)
	assert.ErrorIs(t, b.RequeueOutbox(ctx, key, now), types.ErrNotFound)
}
