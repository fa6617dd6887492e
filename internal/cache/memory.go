package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryProvider is the process-local tier. Values expire with their TTL;
// expired items are swept every cleanupInterval.
type MemoryProvider struct {
	mu    sync.Mutex // guards registry read-modify-write and batch deletes
	cache *gocache.Cache
}

const cleanupInterval = time.Minute

// NewMemoryProvider returns an empty process-local tier.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{cache: gocache.New(defaultTTL, cleanupInterval)}
}

func (p *MemoryProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	obj, found := p.cache.Get(key)
	if !found {
		return nil, false, nil
	}
	value, ok := obj.([]byte)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (p *MemoryProvider) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	p.cache.Set(key, append([]byte(nil), value...), ttl)
	return nil
}

func (p *MemoryProvider) AddMember(_ context.Context, key, member string, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	set := map[string]struct{}{}
	if obj, expires, found := p.cache.GetWithExpiration(key); found {
		if remaining := time.Until(expires); !expires.IsZero() && remaining > ttl {
			ttl = remaining
		}
		if existing, ok := obj.(map[string]struct{}); ok {
			set = make(map[string]struct{}, len(existing)+1)
			for m := range existing {
				set[m] = struct{}{}
			}
		}
	}
	set[member] = struct{}{}
	p.cache.Set(key, set, ttl)
	return nil
}

func (p *MemoryProvider) Members(_ context.Context, key string) ([]string, error) {
	obj, found := p.cache.Get(key)
	if !found {
		return nil, nil
	}
	set, ok := obj.(map[string]struct{})
	if !ok {
		return nil, nil
	}
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	sort.Strings(members)
	return members, nil
}

func (p *MemoryProvider) DeleteMany(_ context.Context, keys []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range keys {
		p.cache.Delete(k)
	}
	return nil
}

func (p *MemoryProvider) Close() error {
	p.cache.Flush()
	return nil
}

// Len reports the number of stored items, expired ones included until swept.
func (p *MemoryProvider) Len() int {
	return p.cache.ItemCount()
}
