package types

import (
	"encoding/json"
	"time"
)

// Outbox operations.
const (
	OutboxUpsert = "upsert"
	OutboxDelete = "delete"
)

// Outbox item statuses.
const (
	OutboxPending    = "pending"
	OutboxProcessing = "processing"
	OutboxDone       = "done"
	OutboxFailed     = "failed"
)

// DefaultOutboxMaxRetries is the retry ceiling applied when an item does not
// set its own.
const DefaultOutboxMaxRetries = 10

// OutboxItem is a write waiting to be mirrored to the secondary store.
type OutboxItem struct {
	IdempotencyKey string          `json:"idempotencyKey"`
	Operation      string          `json:"operation"`
	Table          string          `json:"table"`
	RecordID       string          `json:"recordId"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Status         string          `json:"status"`
	Retries        int             `json:"retries"`
	MaxRetries     int             `json:"maxRetries"`
	NextRetryAt    time.Time       `json:"nextRetryAt"`
	LastError      string          `json:"lastError,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// ValidOutboxOperation reports whether op is upsert or delete.
func ValidOutboxOperation(op string) bool {
	return op == OutboxUpsert || op == OutboxDelete
}

// OutboxKey hashes the logical write. Enqueuing the same operation, table,
// record, and payload twice yields the same key.
func OutboxKey(operation, table, recordID string, payload []byte) string {
	return hashWithDomain(DomainOutbox, []byte(operation), []byte(table), []byte(recordID), payload)
}

// NewOutboxItem builds a pending item with a computed idempotency key.
func NewOutboxItem(operation, table, recordID string, payload []byte, now time.Time) (OutboxItem, error) {
	if !ValidOutboxOperation(operation) {
		return OutboxItem{}, ErrInvalidOperation
	}
	if table == "" || recordID == "" {
		return OutboxItem{}, ErrInvalidID
	}
	if operation == OutboxUpsert && len(payload) == 0 {
		return OutboxItem{}, ErrInvalidData
	}
	now = now.UTC()
	return OutboxItem{
		IdempotencyKey: OutboxKey(operation, table, recordID, payload),
		Operation:      operation,
		Table:          table,
		RecordID:       recordID,
		Payload:        json.RawMessage(payload),
		Status:         OutboxPending,
		MaxRetries:     DefaultOutboxMaxRetries,
		NextRetryAt:    now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}
