package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/splitsync/pkg/types"
)

// testClock is a settable clock shared by a test and its backend.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// createTestBackend attaches a backend in a temp dir and detaches it on
// cleanup.
func createTestBackend(t *testing.T, opts ...Option) (*Backend, *testClock) {
	t.Helper()
	clock := newTestClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	b := NewBackend(opts...)
	require.NoError(t, b.Attach(types.Config{DataDir: t.TempDir()}))
	t.Cleanup(func() { b.Detach() })
	return b, clock
}

func TestBackend_Attach(t *testing.T) {
	dir := t.TempDir()
	b := NewBackend()
	require.NoError(t, b.Attach(types.Config{DataDir: dir}))
	defer b.Detach()

	_, err := os.Stat(filepath.Join(dir, DBFileName))
	require.NoError(t, err, "database file should exist")

	assert.ErrorIs(t, b.Attach(types.Config{DataDir: dir}), types.ErrAlreadyAttached)

	var version int
	require.NoError(t, b.DB().QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestBackend_DetachIsIdempotent(t *testing.T) {
	b := NewBackend()
	require.NoError(t, b.Attach(types.Config{DataDir: t.TempDir()}))
	require.NoError(t, b.Detach())
	require.NoError(t, b.Detach())

	_, err := b.GetExpense(context.Background(), "x")
	assert.ErrorIs(t, err, types.ErrDetached)
}

func TestBackend_ReattachKeepsData(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	b := NewBackend()
	require.NoError(t, b.Attach(types.Config{DataDir: dir}))
	created, err := b.CreateExpense(ctx, dinner(), "alice")
	require.NoError(t, err)
	require.NoError(t, b.Detach())

	b2 := NewBackend()
	require.NoError(t, b2.Attach(types.Config{DataDir: dir}))
	defer b2.Detach()

	got, err := b2.GetExpense(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Description, got.Description)
}

func TestBackend_MigratesVersionOne(t *testing.T) {
	dir := t.TempDir()

	b := NewBackend()
	require.NoError(t, b.Attach(types.Config{DataDir: dir}))
	db := b.DB()
	// Rebuild the v1 shape: no balances table, no conflicts.user_id.
	for _, stmt := range []string{"DROP TABLE balances", "DROP TABLE conflicts"} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	for _, stmt := range schemaV1 {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	_, err := db.Exec("PRAGMA user_version = 1")
	require.NoError(t, err)
	require.NoError(t, b.Detach())

	b = NewBackend()
	require.NoError(t, b.Attach(types.Config{DataDir: dir}))
	defer b.Detach()

	_, err = b.StoredBalances(context.Background(), "alice")
	assert.NoError(t, err)
	_, err = b.ListConflicts(context.Background(), "alice")
	assert.NoError(t, err)
}

func TestBackend_OutboxMaxRetriesFromConfig(t *testing.T) {
	b := NewBackend()
	cfg := types.Config{DataDir: t.TempDir()}
	cfg.Outbox.MaxRetries = 3
	require.NoError(t, b.Attach(cfg))
	defer b.Detach()

	ctx := context.Background()
	_, err := b.CreateExpense(ctx, dinner(), "alice")
	require.NoError(t, err)

	items, err := b.ListOutbox(ctx, types.OutboxPending, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 3, items[0].MaxRetries)
}
