package types

import (
	"errors"
	"fmt"
)

// Entity and store errors.
var (
	ErrNotFound     = errors.New("entity not found")
	ErrInvalidID    = errors.New("invalid entity ID")
	ErrInvalidData  = errors.New("invalid entity data")
	ErrInvalidActor = errors.New("actor cannot be empty")
)

// Store lifecycle errors.
var (
	ErrDetached        = errors.New("store is detached")
	ErrAlreadyAttached = errors.New("store is already attached")
)

// Optimistic concurrency errors.
var (
	ErrVersionConflict      = errors.New("version conflict")
	ErrPreconditionRequired = errors.New("precondition required")
	ErrInvalidPrecondition  = errors.New("invalid precondition")
)

// Relationship errors.
var (
	ErrInvalidStatus = errors.New("invalid relationship status")
	ErrSelfRelation  = errors.New("relationship endpoints must differ")
)

// Outbox errors.
var (
	ErrInvalidOperation = errors.New("invalid outbox operation")
	ErrNotTerminal      = errors.New("outbox item is not in a terminal state")
)

// Sync and conflict errors.
var (
	ErrSyncInProgress    = errors.New("sync already in progress")
	ErrInvalidResolution = errors.New("invalid conflict resolution")
	ErrConflictResolved  = errors.New("conflict already resolved")
	ErrUnknownEntityType = errors.New("unknown entity type")
	ErrUnsupportedMirror = errors.New("unsupported mirror kind")
	ErrInvalidQueueItem  = errors.New("invalid sync queue item")
	ErrRemoteUnavailable = errors.New("remote unavailable")
)

// VersionConflictError reports a rejected write whose expected version does
// not match the stored one. It unwraps to ErrVersionConflict.
type VersionConflictError struct {
	EntityType      string
	EntityID        string
	ExpectedVersion int64
	CurrentVersion  int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("%s %s: expected version %d, current version %d",
		e.EntityType, e.EntityID, e.ExpectedVersion, e.CurrentVersion)
}

func (e *VersionConflictError) Unwrap() error {
	return ErrVersionConflict
}
