package types

import (
	"crypto/sha256"
	"encoding/hex"
)

// Domain prefixes for content-derived ids. The version suffix allows a future
// change of algorithm without colliding with existing rows.
const (
	DomainFriendship = "splitsync/friendship/v1"
	DomainOutbox     = "splitsync/outbox/v1"
	DomainConflict   = "splitsync/conflict/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + part[0] + 0x00 + part[1] ...).
// The null separators keep ("ab","c") and ("a","bc") apart.
func hashWithDomain(domain string, parts ...[]byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	for _, p := range parts {
		h.Write([]byte{0x00})
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}
