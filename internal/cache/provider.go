package cache

import (
	"context"
	"time"
)

// Provider is one cache tier. Implementations must be safe for concurrent
// use.
type Provider interface {
	// Get returns the value and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// AddMember adds member to the set stored at key. The set lives for at
	// least ttl; a longer remaining lifetime is kept.
	AddMember(ctx context.Context, key, member string, ttl time.Duration) error
	// Members returns the set stored at key, or nil.
	Members(ctx context.Context, key string) ([]string, error)
	// DeleteMany removes every key in one batch. Missing keys are ignored.
	DeleteMany(ctx context.Context, keys []string) error
	Close() error
}
