package types

import (
	"encoding/json"
	"time"
)

// Sync queue mutation types.
const (
	MutationCreate = "create"
	MutationUpdate = "update"
	MutationDelete = "delete"
)

// Sync queue item statuses.
const (
	QueuePending  = "pending"
	QueueFailed   = "failed"
	QueueConflict = "conflict"
)

// DefaultQueueMaxRetries is the per-item replay ceiling on the client.
const DefaultQueueMaxRetries = 5

// SyncQueueItem is a mutation captured on the device and replayed against the
// server once connectivity returns.
type SyncQueueItem struct {
	ID         string          `json:"id"`
	Seq        uint64          `json:"seq"`
	Type       string          `json:"type"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Data       json.RawMessage `json:"data,omitempty"`
	Version    int64           `json:"version"`
	RetryCount int             `json:"retryCount"`
	MaxRetries int             `json:"maxRetries"`
	Status     string          `json:"status"`
	LastError  string          `json:"lastError,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Validate checks that the item can be replayed.
func (i *SyncQueueItem) Validate() error {
	switch i.Type {
	case MutationCreate:
		if len(i.Data) == 0 {
			return ErrInvalidQueueItem
		}
	case MutationUpdate:
		if i.EntityID == "" || len(i.Data) == 0 {
			return ErrInvalidQueueItem
		}
	case MutationDelete:
		if i.EntityID == "" {
			return ErrInvalidQueueItem
		}
	default:
		return ErrInvalidQueueItem
	}
	if _, err := TableForEntity(i.EntityType); err != nil {
		return err
	}
	return nil
}
