package types

import (
	"encoding/json"
	"strconv"
	"time"
)

// Conflict resolution strategies.
const (
	StrategyServerWins = "server-wins"
	StrategyClientWins = "client-wins"
	StrategyMerge      = "merge"
	StrategyManual     = "manual"
)

// Per-field choices for manual resolution.
const (
	ChoiceServer = "server"
	ChoiceClient = "client"
	ChoiceMerge  = "merge"
)

// ValidResolution reports whether r may be submitted to resolve a conflict.
func ValidResolution(r string) bool {
	return r == StrategyServerWins || r == StrategyClientWins || r == StrategyMerge
}

// FieldConflict is one field whose server and client values differ.
type FieldConflict struct {
	Field       string `json:"field"`
	ServerValue any    `json:"serverValue"`
	ClientValue any    `json:"clientValue"`
}

// ConflictRecord is a persisted conflict. Records that need a user decision
// have RequiresUserInput set; auto-merged records keep the discarded client
// value for audit and are stored already resolved.
type ConflictRecord struct {
	ID                string          `json:"id"`
	UserID            string          `json:"userId,omitempty"`
	EntityType        string          `json:"entityType"`
	EntityID          string          `json:"entityId"`
	Field             string          `json:"field"`
	ServerValue       json.RawMessage `json:"serverValue"`
	ClientValue       json.RawMessage `json:"clientValue"`
	LastModified      time.Time       `json:"lastModified"`
	RequiresUserInput bool            `json:"requiresUserInput"`
	Resolution        string          `json:"resolution,omitempty"`
	ResolvedAt        *time.Time      `json:"resolvedAt,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
}

// Resolved reports whether a resolution has been recorded.
func (c *ConflictRecord) Resolved() bool {
	return c.ResolvedAt != nil
}

// ConflictID derives the id of the conflict on field of an entity at a given
// server version. Detecting the same conflict twice yields the same id.
func ConflictID(entityType, entityID, field string, serverVersion int64) string {
	return hashWithDomain(DomainConflict, []byte(entityType), []byte(entityID), []byte(field),
		[]byte(strconv.FormatInt(serverVersion, 10)))
}
