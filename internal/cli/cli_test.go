package cli

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/splitsync/internal/cache"
	"github.com/mesh-intelligence/splitsync/internal/ledger"
	"github.com/mesh-intelligence/splitsync/internal/offline"
	"github.com/mesh-intelligence/splitsync/internal/server"
	"github.com/mesh-intelligence/splitsync/internal/sqlite"
	"github.com/mesh-intelligence/splitsync/pkg/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	configDir string
	dataDir   string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	root := t.TempDir()
	return testEnv{
		configDir: filepath.Join(root, "config"),
		dataDir:   filepath.Join(root, "data"),
	}
}

// run executes the CLI in-process and returns stdout.
func (e testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config-dir", e.configDir, "--data-dir", e.dataDir}, args...))
	err := cmd.Execute()
	return stdout.String(), err
}

func (e testEnv) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(t, args...)
	require.NoError(t, err, out)
	return out
}

func TestVersion(t *testing.T) {
	out := newTestEnv(t).mustRun(t, "version")
	assert.Contains(t, out, "splitsync v"+Version)
	assert.Contains(t, out, modulePath)
}

func TestInit_WritesConfigAndDatabase(t *testing.T) {
	env := newTestEnv(t)
	out := env.mustRun(t, "--json", "init")

	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, true, result["configWritten"])
	assert.FileExists(t, filepath.Join(env.configDir, configFileExt))
	assert.FileExists(t, filepath.Join(env.dataDir, sqlite.DBFileName))

	out = env.mustRun(t, "--json", "init")
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, false, result["configWritten"], "init is idempotent")
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults when config.yaml is missing", func(t *testing.T) {
		cfg, err := loadConfig(t.TempDir())
		require.NoError(t, err)
		assert.Equal(t, types.DefaultConfig().Outbox, cfg.Outbox)
		assert.Equal(t, types.MirrorJSONL, cfg.Mirror.Kind)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("default file round-trips to the defaults", func(t *testing.T) {
		dir := t.TempDir()
		written, err := ensureDefaultConfigFile(dir)
		require.NoError(t, err)
		require.True(t, written)
		cfg, err := loadConfig(dir)
		require.NoError(t, err)
		want := types.DefaultConfig()
		assert.Equal(t, want.Outbox, cfg.Outbox)
		assert.Equal(t, want.Client, cfg.Client)
		assert.Equal(t, want.Cache, cfg.Cache)
	})

	t.Run("file values then env overrides", func(t *testing.T) {
		dir := t.TempDir()
		yaml := "outbox:\n  max_retries: 3\n  flush_interval: 2s\nmirror:\n  kind: none\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, configFileExt), []byte(yaml), 0o644))
		t.Setenv("SPLITSYNC_OUTBOX_MAX_RETRIES", "7")
		t.Setenv("SPLITSYNC_CLIENT_USER_ID", "bob")

		cfg, err := loadConfig(dir)
		require.NoError(t, err)
		assert.Equal(t, 7, cfg.Outbox.MaxRetries)
		assert.Equal(t, 2*time.Second, cfg.Outbox.FlushInterval)
		assert.Equal(t, types.MirrorNone, cfg.Mirror.Kind)
		assert.Equal(t, "bob", cfg.Client.UserID)
	})
}

func TestSetup_PlacesStoresUnderDataDir(t *testing.T) {
	env := newTestEnv(t)
	t.Setenv("SPLITSYNC_CLIENT_QUEUE_PATH", "client-queue")
	t.Setenv("SPLITSYNC_CACHE_PATH", "badger")
	env.mustRun(t, "init")

	assert.Equal(t, filepath.Join(env.dataDir, "client-queue"), current.cfg.Client.QueuePath)
	assert.Equal(t, filepath.Join(env.dataDir, "badger"), current.cfg.Cache.Path)
	assert.Equal(t, filepath.Join(env.dataDir, "mirror"), current.cfg.Mirror.Dir)
}

func TestInvalidConfigIsRejected(t *testing.T) {
	env := newTestEnv(t)
	t.Setenv("SPLITSYNC_MIRROR_KIND", "carrier-pigeon")
	_, err := env.run(t, "balances", "validate")
	assert.ErrorIs(t, err, types.ErrMirrorUnknown)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(types.LogConfig{Level: "debug", Format: types.LogFormatJSON}, &buf)
	require.NoError(t, err)
	logger.Debug("hello")
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	_, err = newLogger(types.LogConfig{Level: "info", Format: "xml"}, &buf)
	assert.ErrorIs(t, err, types.ErrLogFormatUnknown)

	_, err = newLogger(types.LogConfig{Level: "loud", Format: types.LogFormatText}, &buf)
	assert.Error(t, err)
}

func TestMaintenanceCommands(t *testing.T) {
	env := newTestEnv(t)
	env.mustRun(t, "init")

	out := env.mustRun(t, "--json", "balances", "validate")
	assert.JSONEq(t, `[]`, out)

	out = env.mustRun(t, "--json", "balances", "recalc")
	assert.JSONEq(t, `{"recalculated":0}`, out)

	out = env.mustRun(t, "--json", "friends", "repair")
	assert.JSONEq(t, `{"pairs":0,"repaired":0,"removedRows":0}`, out)

	out = env.mustRun(t, "--json", "outbox", "flush")
	assert.JSONEq(t, `{"claimed":0,"delivered":0,"retried":0,"failed":0}`, out)

	out = env.mustRun(t, "outbox", "prune")
	assert.Contains(t, out, "pruned 0 items")

	_, err := env.run(t, "outbox", "requeue", "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestBalancesAfterWrites(t *testing.T) {
	env := newTestEnv(t)
	env.mustRun(t, "init")

	cfg := types.DefaultConfig()
	cfg.DataDir = env.dataDir
	backend := sqlite.NewBackend()
	require.NoError(t, backend.Attach(cfg))
	svc := ledger.NewService(backend, cache.NewLayer("test"))
	_, err := svc.CreateSettlement(t.Context(), types.Settlement{FromUserID: "bob", ToUserID: "alice", Amount: 12.5}, "bob")
	require.NoError(t, err)
	require.NoError(t, backend.Detach())

	out := env.mustRun(t, "--json", "balances", "show", "alice")
	var bal types.Balances
	require.NoError(t, json.Unmarshal([]byte(out), &bal))
	assert.Equal(t, -12.5, bal.Friend("bob"))

	out = env.mustRun(t, "--json", "outbox", "stats")
	var stats map[string]int
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 1, stats[types.OutboxPending])

	out = env.mustRun(t, "--json", "outbox", "flush")
	assert.JSONEq(t, `{"claimed":1,"delivered":1,"retried":0,"failed":0}`, out)
	assert.FileExists(t, filepath.Join(env.dataDir, "mirror", types.TableSettlements+".jsonl"))
}

func TestClientCommands(t *testing.T) {
	env := newTestEnv(t)

	store := sqlite.NewBackend(sqlite.WithoutMirroring())
	require.NoError(t, store.Attach(types.Config{DataDir: t.TempDir()}))
	t.Cleanup(func() { store.Detach() })
	svc := ledger.NewService(store, cache.NewLayer("test"))
	ts := httptest.NewServer(server.New(svc, nil).Handler())
	t.Cleanup(ts.Close)

	t.Setenv("SPLITSYNC_CLIENT_SERVER_URL", ts.URL)

	_, err := env.run(t, "client", "status")
	assert.Error(t, err, "user id is required")

	t.Setenv("SPLITSYNC_CLIENT_USER_ID", "bob")

	expense := types.Expense{
		Description: "Taxi",
		Amount:      30,
		Currency:    "USD",
		PaidBy:      "bob",
		Participants: []types.Participant{
			{UserID: "bob", PaidAmount: 30, OwedAmount: 15},
			{UserID: "alice", OwedAmount: 15},
		},
	}
	raw, err := json.Marshal(expense)
	require.NoError(t, err)
	file := filepath.Join(t.TempDir(), "taxi.json")
	require.NoError(t, os.WriteFile(file, raw, 0o644))

	out := env.mustRun(t, "--json", "client", "enqueue", "create", "expense", "-f", file)
	var item types.SyncQueueItem
	require.NoError(t, json.Unmarshal([]byte(out), &item))
	assert.Equal(t, types.QueuePending, item.Status)

	out = env.mustRun(t, "--json", "client", "status")
	assert.JSONEq(t, `{"pending":1,"failed":0,"conflicts":0}`, out)

	out = env.mustRun(t, "--json", "client", "sync")
	var report offline.SyncReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, offline.SyncReport{Synced: 1}, report)

	got, err := svc.GetExpense(t.Context(), item.EntityID)
	require.NoError(t, err)
	assert.Equal(t, "Taxi", got.Description)

	out = env.mustRun(t, "--json", "client", "conflicts")
	assert.JSONEq(t, `[]`, out)

	_, err = env.run(t, "client", "resolve", "nope", "manual")
	assert.ErrorIs(t, err, types.ErrInvalidResolution)

	_, err = env.run(t, "client", "discard", "nope")
	assert.ErrorIs(t, err, types.ErrNotFound)
}
