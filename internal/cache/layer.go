package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/mesh-intelligence/splitsync/pkg/types"
)

// Status reports whether a value came from the cache.
type Status string

// Lookup results, also sent as the X-Cache response header.
const (
	StatusHit  Status = "HIT"
	StatusMiss Status = "MISS"
)

// Loader produces the value for a missed key.
type Loader func(ctx context.Context) ([]byte, error)

// errRateLimited marks a remote operation skipped for lack of tokens.
var errRateLimited = errors.New("cache ops budget exhausted")

// Layer fronts reads with a remote tier and a process-local fallback tier.
// Cache failures are logged and never returned: a failed read runs the
// loader, a failed write is dropped.
type Layer struct {
	prefix  string
	remote  Provider // nil when the remote tier is disabled
	local   Provider
	limiter *rate.Limiter
	group   singleflight.Group
	logger  *slog.Logger

	mu   sync.Mutex
	gens map[string]uint64 // invalidation count per registry key
}

// Option configures a Layer.
type Option func(*Layer)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Layer) { c.logger = l }
}

// WithRemote installs p as the remote tier.
func WithRemote(p Provider) Option {
	return func(c *Layer) { c.remote = p }
}

// WithLocal replaces the process-local tier.
func WithLocal(p Provider) Option {
	return func(c *Layer) { c.local = p }
}

// WithLimiter replaces the remote ops budget.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Layer) { c.limiter = l }
}

// NewLayer builds a layer with no remote tier and an unlimited budget.
func NewLayer(prefix string, opts ...Option) *Layer {
	if prefix == "" {
		prefix = "splitsync"
	}
	c := &Layer{
		prefix:  prefix,
		local:   NewMemoryProvider(),
		limiter: rate.NewLimiter(rate.Inf, 0),
		logger:  slog.Default(),
		gens:    map[string]uint64{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "cache"))
	return c
}

// Open builds a layer from configuration, opening the Badger tier when the
// cache is enabled.
func Open(cfg types.CacheConfig, logger *slog.Logger) (*Layer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []Option{WithLogger(logger)}
	if cfg.OpsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		opts = append(opts, WithLimiter(rate.NewLimiter(rate.Limit(cfg.OpsPerSecond), burst)))
	}
	if cfg.Enabled {
		remote, err := OpenBadger(BadgerConfig{
			Path:     cfg.Path,
			InMemory: cfg.InMemory || cfg.Path == "",
			Logger:   logger.With(slog.String("component", "badger")),
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithRemote(remote))
	}
	return NewLayer(cfg.Prefix, opts...), nil
}

// Prefix returns the key prefix.
func (c *Layer) Prefix() string {
	return c.prefix
}

// GetOrSet returns the cached value for key or runs loader, stores its
// result for ttl, and registers the key for invalidation. A zero ttl uses
// the scope's TTL. Concurrent misses on one key share a single loader call.
// A result whose {scope, user} was invalidated while the loader ran is
// returned but not stored. Only loader errors are returned.
func (c *Layer) GetOrSet(ctx context.Context, key Key, ttl time.Duration, loader Loader) ([]byte, Status, error) {
	if ttl <= 0 {
		ttl = key.Scope.TTL()
	}
	full := key.String(c.prefix)

	if value, ok := c.get(ctx, full); ok {
		cacheRequests.WithLabelValues(string(key.Scope), "hit").Inc()
		return value, StatusHit, nil
	}
	cacheRequests.WithLabelValues(string(key.Scope), "miss").Inc()

	reg := RegistryKey(c.prefix, key.Scope, key.UserID)
	gen := c.generation(reg)
	v, err, _ := c.group.Do(full+"#"+strconv.FormatUint(gen, 10), func() (any, error) {
		value, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		if c.generation(reg) != gen {
			c.logger.Debug("dropping result loaded across an invalidation", slog.String("key", full))
			return value, nil
		}
		c.set(ctx, key, full, value, ttl)
		return value, nil
	})
	if err != nil {
		return nil, StatusMiss, err
	}
	return v.([]byte), StatusMiss, nil
}

// GetOrSetJSON is GetOrSet for values encoded as JSON.
func GetOrSetJSON[T any](ctx context.Context, c *Layer, key Key, ttl time.Duration, loader func(ctx context.Context) (T, error)) (T, Status, error) {
	var zero T
	raw, status, err := c.GetOrSet(ctx, key, ttl, func(ctx context.Context) ([]byte, error) {
		v, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return zero, status, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		// A corrupt entry is treated as a miss.
		c.logger.Warn("decoding cached value", slog.String("error", err.Error()))
		v, lerr := loader(ctx)
		return v, StatusMiss, lerr
	}
	return out, status, nil
}

// Invalidate drops every cached entry of the given scopes for each user,
// on both tiers. Each {scope, user} registry is read once and its members
// are deleted together with the registry key in one batch. Invalidating
// twice is the same as invalidating once.
func (c *Layer) Invalidate(ctx context.Context, userIDs []string, scopes ...Scope) {
	if len(scopes) == 0 {
		scopes = AllScopes
	}
	for _, tier := range c.tiers() {
		for _, scope := range scopes {
			for _, userID := range userIDs {
				if userID == "" {
					continue
				}
				c.invalidateOne(ctx, tier, scope, userID)
			}
		}
	}
}

func (c *Layer) invalidateOne(ctx context.Context, tier namedTier, scope Scope, userID string) {
	reg := RegistryKey(c.prefix, scope, userID)
	c.bump(reg)
	// Invalidation waits for budget instead of skipping the remote tier.
	if tier.name == "remote" {
		if err := c.limiter.Wait(ctx); err != nil {
			c.fail(tier, "invalidate", err, slog.String("registry", reg))
			return
		}
	}
	members, err := tier.p.Members(ctx, reg)
	if err != nil {
		c.fail(tier, "invalidate", err, slog.String("registry", reg))
		return
	}
	if err := tier.p.DeleteMany(ctx, append(members, reg)); err != nil {
		c.fail(tier, "invalidate", err, slog.String("registry", reg))
		return
	}
	cacheInvalidations.WithLabelValues(string(scope)).Add(float64(len(members)))
}

func (c *Layer) generation(reg string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[reg]
}

func (c *Layer) bump(reg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[reg]++
}

// Close releases both tiers.
func (c *Layer) Close() error {
	var errs []error
	if c.remote != nil {
		errs = append(errs, c.remote.Close())
	}
	errs = append(errs, c.local.Close())
	return errors.Join(errs...)
}

type namedTier struct {
	name string
	p    Provider
}

func (c *Layer) tiers() []namedTier {
	if c.remote == nil {
		return []namedTier{{"local", c.local}}
	}
	return []namedTier{{"remote", c.remote}, {"local", c.local}}
}

// get reads from the remote tier, or from the local tier when the remote is
// disabled or unreachable.
func (c *Layer) get(ctx context.Context, key string) ([]byte, bool) {
	if c.remote != nil {
		tier := namedTier{"remote", c.remote}
		err := c.allow(tier)
		if err == nil {
			var value []byte
			var ok bool
			value, ok, err = c.remote.Get(ctx, key)
			if err == nil {
				return value, ok
			}
		}
		c.fail(tier, "get", err, slog.String("key", key))
	}
	value, ok, err := c.local.Get(ctx, key)
	if err != nil {
		c.fail(namedTier{"local", c.local}, "get", err, slog.String("key", key))
		return nil, false
	}
	return value, ok
}

// set writes the entry and its registry membership to the remote tier, or
// to the local tier when the remote is disabled or unreachable.
func (c *Layer) set(ctx context.Context, key Key, full string, value []byte, ttl time.Duration) {
	reg := RegistryKey(c.prefix, key.Scope, key.UserID)
	write := func(p Provider) error {
		if err := p.Set(ctx, full, value, ttl); err != nil {
			return err
		}
		return p.AddMember(ctx, reg, full, registryTTLFor(ttl))
	}

	if c.remote != nil {
		tier := namedTier{"remote", c.remote}
		err := c.allow(tier)
		if err == nil {
			if err = write(c.remote); err == nil {
				return
			}
		}
		c.fail(tier, "set", err, slog.String("key", full))
	}
	if err := write(c.local); err != nil {
		c.fail(namedTier{"local", c.local}, "set", err, slog.String("key", full))
	}
}

// allow spends one token of the remote budget. The local tier is free.
func (c *Layer) allow(tier namedTier) error {
	if tier.name != "remote" {
		return nil
	}
	if !c.limiter.Allow() {
		return errRateLimited
	}
	return nil
}

func (c *Layer) fail(tier namedTier, op string, err error, attrs ...any) {
	cacheErrors.WithLabelValues(op).Inc()
	args := append([]any{
		slog.String("tier", tier.name),
		slog.String("op", op),
		slog.String("error", err.Error()),
	}, attrs...)
	c.logger.Warn(fmt.Sprintf("cache %s failed, continuing without cache", op), args...)
}
