package cache

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/mesh-intelligence/splitsync/pkg/types"
)

// brokenProvider fails every operation.
type brokenProvider struct{}

var errBroken = errors.New("connection refused")

func (brokenProvider) Get(context.Context, string) ([]byte, bool, error) { return nil, false, errBroken }
func (brokenProvider) Set(context.Context, string, []byte, time.Duration) error {
	return errBroken
}
func (brokenProvider) AddMember(context.Context, string, string, time.Duration) error {
	return errBroken
}
func (brokenProvider) Members(context.Context, string) ([]string, error) { return nil, errBroken }
func (brokenProvider) DeleteMany(context.Context, []string) error        { return errBroken }
func (brokenProvider) Close() error                                      { return nil }

func newBadgerLayer(t *testing.T, opts ...Option) (*Layer, *BadgerProvider) {
	t.Helper()
	remote, err := OpenBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	layer := NewLayer("test", append([]Option{WithRemote(remote)}, opts...)...)
	t.Cleanup(func() { layer.Close() })
	return layer, remote
}

func countingLoader(calls *int32, value string) Loader {
	return func(context.Context) ([]byte, error) {
		atomic.AddInt32(calls, 1)
		return []byte(value), nil
	}
}

func balancesKey(userID string) Key {
	return Key{Scope: ScopeBalances, UserID: userID, Params: url.Values{"currency": {"USD"}}}
}

func TestGetOrSet_MissThenHit(t *testing.T) {
	layer, _ := newBadgerLayer(t)
	ctx := context.Background()
	var calls int32

	v, status, err := layer.GetOrSet(ctx, balancesKey("alice"), 0, countingLoader(&calls, "v1"))
	require.NoError(t, err)
	assert.Equal(t, StatusMiss, status)
	assert.Equal(t, "v1", string(v))

	v, status, err = layer.GetOrSet(ctx, balancesKey("alice"), 0, countingLoader(&calls, "v2"))
	require.NoError(t, err)
	assert.Equal(t, StatusHit, status)
	assert.Equal(t, "v1", string(v))
	assert.Equal(t, int32(1), calls)
}

func TestGetOrSet_LoaderErrorIsReturned(t *testing.T) {
	layer := NewLayer("test")
	boom := errors.New("db down")
	_, _, err := layer.GetOrSet(context.Background(), balancesKey("alice"), 0,
		func(context.Context) ([]byte, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
}

func TestGetOrSet_CollapsesConcurrentMisses(t *testing.T) {
	layer := NewLayer("test")
	ctx := context.Background()

	var calls int32
	release := make(chan struct{})
	loader := func(context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []byte("v"), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := layer.GetOrSet(ctx, balancesKey("alice"), 0, loader)
			assert.NoError(t, err)
			assert.Equal(t, "v", string(v))
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetOrSet_FailsOpenOnBrokenRemote(t *testing.T) {
	layer := NewLayer("test", WithRemote(brokenProvider{}))
	ctx := context.Background()
	var calls int32

	v, status, err := layer.GetOrSet(ctx, balancesKey("alice"), 0, countingLoader(&calls, "v1"))
	require.NoError(t, err)
	assert.Equal(t, StatusMiss, status)
	assert.Equal(t, "v1", string(v))

	// The local tier took the write.
	_, status, err = layer.GetOrSet(ctx, balancesKey("alice"), 0, countingLoader(&calls, "v2"))
	require.NoError(t, err)
	assert.Equal(t, StatusHit, status)

	// Invalidation of a broken remote does not stop the local tier.
	layer.Invalidate(ctx, []string{"alice"}, ScopeBalances)
	_, status, err = layer.GetOrSet(ctx, balancesKey("alice"), 0, countingLoader(&calls, "v3"))
	require.NoError(t, err)
	assert.Equal(t, StatusMiss, status)
}

func TestGetOrSet_ExhaustedBudgetFallsBackToLocal(t *testing.T) {
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	layer, remote := newBadgerLayer(t, WithLimiter(limiter))
	ctx := context.Background()
	var calls int32

	// The single token is spent on the remote get; the write goes local.
	_, _, err := layer.GetOrSet(ctx, balancesKey("alice"), 0, countingLoader(&calls, "v1"))
	require.NoError(t, err)

	_, found, err := remote.Get(ctx, balancesKey("alice").String("test"))
	require.NoError(t, err)
	assert.False(t, found)

	_, status, err := layer.GetOrSet(ctx, balancesKey("alice"), 0, countingLoader(&calls, "v2"))
	require.NoError(t, err)
	assert.Equal(t, StatusHit, status)
	assert.Equal(t, int32(1), calls)
}

func TestInvalidate_IsIdempotentAndScoped(t *testing.T) {
	layer, remote := newBadgerLayer(t)
	ctx := context.Background()
	var calls int32

	keys := []Key{
		balancesKey("alice"),
		{Scope: ScopeBalances, UserID: "alice", Params: url.Values{"currency": {"EUR"}}},
		{Scope: ScopeExpenses, UserID: "alice"},
		balancesKey("bob"),
	}
	for _, k := range keys {
		_, _, err := layer.GetOrSet(ctx, k, 0, countingLoader(&calls, "v"))
		require.NoError(t, err)
	}

	members, err := remote.Members(ctx, RegistryKey("test", ScopeBalances, "alice"))
	require.NoError(t, err)
	assert.Len(t, members, 2)

	layer.Invalidate(ctx, []string{"alice"}, ScopeBalances)
	afterOnce := snapshot(t, layer, keys)
	layer.Invalidate(ctx, []string{"alice"}, ScopeBalances)
	afterTwice := snapshot(t, layer, keys)

	assert.Equal(t, afterOnce, afterTwice)
	assert.Equal(t, []bool{false, false, true, true}, afterOnce)

	members, err = remote.Members(ctx, RegistryKey("test", ScopeBalances, "alice"))
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestInvalidate_AllScopesByDefault(t *testing.T) {
	layer := NewLayer("test")
	ctx := context.Background()
	var calls int32

	for _, scope := range AllScopes {
		_, _, err := layer.GetOrSet(ctx, Key{Scope: scope, UserID: "alice"}, 0, countingLoader(&calls, "v"))
		require.NoError(t, err)
	}
	layer.Invalidate(ctx, []string{"alice", ""})

	for _, scope := range AllScopes {
		_, status, err := layer.GetOrSet(ctx, Key{Scope: scope, UserID: "alice"}, 0, countingLoader(&calls, "v"))
		require.NoError(t, err)
		assert.Equal(t, StatusMiss, status, string(scope))
	}
}

// snapshot reports which keys are present without touching the loader.
func snapshot(t *testing.T, layer *Layer, keys []Key) []bool {
	t.Helper()
	out := make([]bool, len(keys))
	for i, k := range keys {
		_, ok := layer.get(context.Background(), k.String(layer.Prefix()))
		out[i] = ok
	}
	return out
}

func TestGetOrSetJSON(t *testing.T) {
	layer := NewLayer("test")
	ctx := context.Background()
	calls := 0
	loader := func(context.Context) (types.Balances, error) {
		calls++
		return types.Balances{UserID: "alice", Friends: []types.BalanceEntry{
			{Kind: types.BalanceKindFriend, CounterpartyID: "bob", Amount: 33.34},
		}}, nil
	}

	got, status, err := GetOrSetJSON(ctx, layer, balancesKey("alice"), 0, loader)
	require.NoError(t, err)
	assert.Equal(t, StatusMiss, status)
	assert.Equal(t, 33.34, got.Friend("bob"))

	got, status, err = GetOrSetJSON(ctx, layer, balancesKey("alice"), 0, loader)
	require.NoError(t, err)
	assert.Equal(t, StatusHit, status)
	assert.Equal(t, 33.34, got.Friend("bob"))
	assert.Equal(t, 1, calls)
}

func TestOpen_FromConfig(t *testing.T) {
	cfg := types.DefaultConfig().Cache
	cfg.InMemory = true
	layer, err := Open(cfg, nil)
	require.NoError(t, err)
	defer layer.Close()
	assert.NotNil(t, layer.remote)
	assert.Equal(t, "splitsync", layer.Prefix())

	cfg.Enabled = false
	local, err := Open(cfg, nil)
	require.NoError(t, err)
	defer local.Close()
	assert.Nil(t, local.remote)
}

func TestGetOrSet_InvalidationDuringLoadIsNotCached(t *testing.T) {
	layer := NewLayer("test")
	ctx := context.Background()
	var calls int32

	v, status, err := layer.GetOrSet(ctx, balancesKey("alice"), 0, func(ctx context.Context) ([]byte, error) {
		layer.Invalidate(ctx, []string{"alice"}, ScopeBalances)
		return []byte("old"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusMiss, status)
	assert.Equal(t, "old", string(v), "the caller still gets its result")

	v, status, err = layer.GetOrSet(ctx, balancesKey("alice"), 0, countingLoader(&calls, "new"))
	require.NoError(t, err)
	assert.Equal(t, StatusMiss, status)
	assert.Equal(t, "new", string(v))
	assert.Equal(t, int32(1), calls)
}

// ttlRecorder records the registry TTLs requested from the wrapped tier.
type ttlRecorder struct {
	Provider
	mu   sync.Mutex
	ttls []time.Duration
}

func (r *ttlRecorder) AddMember(ctx context.Context, key, member string, ttl time.Duration) error {
	r.mu.Lock()
	r.ttls = append(r.ttls, ttl)
	r.mu.Unlock()
	return r.Provider.AddMember(ctx, key, member, ttl)
}

func TestGetOrSet_RegistryOutlivesLongEntries(t *testing.T) {
	rec := &ttlRecorder{Provider: NewMemoryProvider()}
	layer := NewLayer("test", WithLocal(rec))
	ctx := context.Background()
	var calls int32

	_, _, err := layer.GetOrSet(ctx, balancesKey("alice"), 0, countingLoader(&calls, "v"))
	require.NoError(t, err)
	_, _, err = layer.GetOrSet(ctx, balancesKey("bob"), 10*time.Minute, countingLoader(&calls, "v"))
	require.NoError(t, err)

	require.Len(t, rec.ttls, 2)
	assert.Equal(t, RegistryTTL(), rec.ttls[0])
	assert.Equal(t, 11*time.Minute, rec.ttls[1])
}
