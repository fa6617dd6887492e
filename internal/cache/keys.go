// Package cache is the read cache in front of the authoritative store.
//
// Entries are addressed by {prefix}:{scope}:user:{userId}:{sha1(query)}.
// Every entry written for a {scope, user} pair is also recorded in that
// pair's registry key, so a write can drop all of a user's cached queries
// for a scope with one registry read and one batched delete.
package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"time"
)

// Scope names a family of cached queries.
type Scope string

// Cached scopes.
const (
	ScopeBalances Scope = "balances"
	ScopeExpenses Scope = "expenses"
	ScopeFriends  Scope = "friends"
	ScopeGroups   Scope = "groups"
	ScopeActivity Scope = "activity"
)

// AllScopes lists every scope, used when a write touches all of them.
var AllScopes = []Scope{ScopeBalances, ScopeExpenses, ScopeFriends, ScopeGroups, ScopeActivity}

var scopeTTLs = map[Scope]time.Duration{
	ScopeBalances: 120 * time.Second,
	ScopeExpenses: 180 * time.Second,
	ScopeFriends:  180 * time.Second,
	ScopeGroups:   150 * time.Second,
	ScopeActivity: 120 * time.Second,
}

// defaultTTL applies to scopes missing from scopeTTLs.
const defaultTTL = 60 * time.Second

// TTL returns the entry lifetime for the scope.
func (s Scope) TTL() time.Duration {
	if ttl, ok := scopeTTLs[s]; ok {
		return ttl
	}
	return defaultTTL
}

// registryMargin is how long a registry outlives its longest-lived member.
const registryMargin = 60 * time.Second

// RegistryTTL outlives every entry stored with a scope TTL.
func RegistryTTL() time.Duration {
	longest := defaultTTL
	for _, ttl := range scopeTTLs {
		if ttl > longest {
			longest = ttl
		}
	}
	return longest + registryMargin
}

// registryTTLFor returns the registry lifetime needed to cover an entry
// stored for ttl.
func registryTTLFor(ttl time.Duration) time.Duration {
	return max(RegistryTTL(), ttl+registryMargin)
}

// Key identifies one cached query result.
type Key struct {
	Scope  Scope
	UserID string
	Params url.Values
}

// QueryString encodes the parameters sorted by key.
func (k Key) QueryString() string {
	if len(k.Params) == 0 {
		return ""
	}
	return k.Params.Encode()
}

// String renders the full cache key under prefix.
func (k Key) String(prefix string) string {
	sum := sha1.Sum([]byte(k.QueryString()))
	return prefix + ":" + string(k.Scope) + ":user:" + k.UserID + ":" + hex.EncodeToString(sum[:])
}

// RegistryKey returns the key of the registry for a scope and user.
func RegistryKey(prefix string, scope Scope, userID string) string {
	return prefix + ":reg:" + string(scope) + ":" + userID
}
