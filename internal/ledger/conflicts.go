package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mesh-intelligence/splitsync/internal/conflict"
	"github.com/mesh-intelligence/splitsync/pkg/types"
)

// Resolved is the outcome of resolving a stored conflict.
type Resolved struct {
	Conflict types.ConflictRecord `json:"conflict"`
	Entity   map[string]any       `json:"entity"`
}

// ListConflicts returns the conflicts waiting for userID's decision.
func (s *Service) ListConflicts(ctx context.Context, userID string) ([]types.ConflictRecord, error) {
	return s.store.ListConflicts(ctx, userID)
}

// ReportConflicts stores conflicts detected by a client on behalf of
// userID. Reporting a conflict twice is a no-op.
func (s *Service) ReportConflicts(ctx context.Context, userID string, records []types.ConflictRecord) ([]types.ConflictRecord, error) {
	for i := range records {
		if records[i].UserID == "" {
			records[i].UserID = userID
		}
	}
	stored, err := s.store.InsertConflicts(ctx, records)
	if err != nil {
		return nil, err
	}
	s.logger.Info("conflicts reported", slog.String("user_id", userID), slog.Int("count", len(stored)))
	return stored, nil
}

// ResolveConflict applies resolution to the conflicting field of the
// entity and marks the conflict resolved. server-wins leaves the entity
// untouched; client-wins and merge write it back with a version bump.
func (s *Service) ResolveConflict(ctx context.Context, id, resolution, actor string) (*Resolved, error) {
	if actor == "" {
		return nil, types.ErrInvalidActor
	}
	choice, err := conflict.ChoiceFor(resolution)
	if err != nil {
		return nil, err
	}
	rec, err := s.store.GetConflict(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Resolved() {
		return nil, types.ErrConflictResolved
	}

	entity, err := s.loadEntity(ctx, rec.EntityType, rec.EntityID)
	if err != nil {
		return nil, err
	}
	server, err := conflict.ToMap(entity)
	if err != nil {
		return nil, err
	}

	var clientValue any
	if err := json.Unmarshal(rec.ClientValue, &clientValue); err != nil {
		return nil, fmt.Errorf("decoding client value of conflict %s: %w", id, err)
	}
	client := make(map[string]any, len(server))
	for k, v := range server {
		client[k] = v
	}
	client[rec.Field] = clientValue

	applied := conflict.ApplyChoices(server, client, map[string]string{rec.Field: choice})
	if !conflict.Equal(applied[rec.Field], server[rec.Field]) {
		written, err := s.writeResolved(ctx, rec.EntityType, applied, actor)
		if err != nil {
			return nil, err
		}
		if applied, err = conflict.ToMap(written); err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	if err := s.store.MarkConflictResolved(ctx, id, resolution, now); err != nil {
		return nil, err
	}
	rec.Resolution = resolution
	rec.ResolvedAt = &now

	s.logger.Info("conflict resolved",
		slog.String("conflict_id", id),
		slog.String("entity_type", rec.EntityType),
		slog.String("entity_id", rec.EntityID),
		slog.String("field", rec.Field),
		slog.String("resolution", resolution),
	)
	return &Resolved{Conflict: *rec, Entity: applied}, nil
}

func (s *Service) loadEntity(ctx context.Context, entityType, id string) (any, error) {
	switch entityType {
	case types.EntityExpense:
		return s.GetExpense(ctx, id)
	case types.EntitySettlement:
		return s.GetSettlement(ctx, id)
	}
	return nil, errUnsupported(entityType)
}

// writeResolved stores fields as the new state of the entity at the
// version they were read at.
func (s *Service) writeResolved(ctx context.Context, entityType string, fields map[string]any, actor string) (any, error) {
	switch entityType {
	case types.EntityExpense:
		e, err := conflict.FromMap[types.Expense](fields)
		if err != nil {
			return nil, err
		}
		return s.UpdateExpense(ctx, e, e.Version, actor)
	case types.EntitySettlement:
		st, err := conflict.FromMap[types.Settlement](fields)
		if err != nil {
			return nil, err
		}
		return s.UpdateSettlement(ctx, st, st.Version, actor)
	}
	return nil, errUnsupported(entityType)
}
