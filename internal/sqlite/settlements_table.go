package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mesh-intelligence/splitsync/pkg/types"
)

const settlementColumns = `settlement_id, group_id, from_user_id, to_user_id, amount_cents, currency,
    settlement_date, notes, deleted, version, last_modified, modified_by, created_at, updated_at`

// CreateSettlement inserts a new settlement at version 1.
func (b *Backend) CreateSettlement(ctx context.Context, s types.Settlement, actor string) (*types.Settlement, error) {
	if actor == "" {
		return nil, types.ErrInvalidActor
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generating UUID v7: %w", err)
		}
		s.ID = id.String()
	}

	now := b.clock()
	s.CreatedAt = now
	s.UpdatedAt = now
	s.Deleted = false
	s.VersionVector = types.VersionVector{}.Bump(actor, now)
	if s.Date.IsZero() {
		s.Date = now
	}

	err := b.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, "SELECT 1 FROM settlements WHERE settlement_id = ?", s.ID).Scan(&exists)
		if err == nil {
			return fmt.Errorf("settlement %s already exists: %w", s.ID, types.ErrInvalidID)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking settlement existence: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO settlements (`+settlementColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.ID, s.GroupID, s.FromUserID, s.ToUserID, types.ToCents(s.Amount), s.Currency,
			formatTime(s.Date), s.Notes, boolToInt(s.Deleted), s.Version,
			formatTime(s.LastModified), s.ModifiedBy, formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("inserting settlement: %w", err)
		}
		return b.enqueueEntity(ctx, tx, types.TableSettlements, s.ID, &s)
	})
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSettlement returns the settlement with id, including soft-deleted ones.
func (b *Backend) GetSettlement(ctx context.Context, id string) (*types.Settlement, error) {
	if id == "" {
		return nil, types.ErrInvalidID
	}
	db, err := b.conn()
	if err != nil {
		return nil, err
	}
	return getSettlement(ctx, db, id)
}

// UpdateSettlement replaces the mutable fields of a settlement when
// expectedVersion matches.
func (b *Backend) UpdateSettlement(ctx context.Context, s types.Settlement, expectedVersion int64, actor string) (*types.Settlement, error) {
	if s.ID == "" {
		return nil, types.ErrInvalidID
	}
	if actor == "" {
		return nil, types.ErrInvalidActor
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	var updated *types.Settlement
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getSettlement(ctx, tx, s.ID)
		if err != nil {
			return err
		}
		if current.Deleted {
			return types.ErrNotFound
		}
		if current.Version != expectedVersion {
			return &types.VersionConflictError{
				EntityType:      types.EntitySettlement,
				EntityID:        s.ID,
				ExpectedVersion: expectedVersion,
				CurrentVersion:  current.Version,
			}
		}

		now := b.clock()
		s.CreatedAt = current.CreatedAt
		s.UpdatedAt = now
		s.Deleted = false
		s.VersionVector = current.VersionVector.Bump(actor, now)
		if s.Date.IsZero() {
			s.Date = current.Date
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE settlements SET group_id = ?, from_user_id = ?, to_user_id = ?, amount_cents = ?, currency = ?,
			    settlement_date = ?, notes = ?, version = ?, last_modified = ?, modified_by = ?, updated_at = ?
			 WHERE settlement_id = ?`,
			s.GroupID, s.FromUserID, s.ToUserID, types.ToCents(s.Amount), s.Currency,
			formatTime(s.Date), s.Notes, s.Version, formatTime(s.LastModified), s.ModifiedBy,
			formatTime(s.UpdatedAt), s.ID,
		)
		if err != nil {
			return fmt.Errorf("updating settlement: %w", err)
		}
		updated = &s
		return b.enqueueEntity(ctx, tx, types.TableSettlements, s.ID, &s)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteSettlement soft-deletes a settlement and bumps its version.
func (b *Backend) DeleteSettlement(ctx context.Context, id string, expectedVersion int64, actor string) (*types.Settlement, error) {
	if id == "" {
		return nil, types.ErrInvalidID
	}
	if actor == "" {
		return nil, types.ErrInvalidActor
	}

	var deleted *types.Settlement
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getSettlement(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Deleted {
			return types.ErrNotFound
		}
		if current.Version != expectedVersion {
			return &types.VersionConflictError{
				EntityType:      types.EntitySettlement,
				EntityID:        id,
				ExpectedVersion: expectedVersion,
				CurrentVersion:  current.Version,
			}
		}

		now := b.clock()
		current.Deleted = true
		current.UpdatedAt = now
		current.VersionVector = current.VersionVector.Bump(actor, now)

		_, err = tx.ExecContext(ctx,
			`UPDATE settlements SET deleted = 1, version = ?, last_modified = ?, modified_by = ?, updated_at = ?
			 WHERE settlement_id = ?`,
			current.Version, formatTime(current.LastModified), current.ModifiedBy, formatTime(now), id,
		)
		if err != nil {
			return fmt.Errorf("deleting settlement: %w", err)
		}
		deleted = current
		return b.enqueueDelete(ctx, tx, types.TableSettlements, id)
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// SettlementsForUser returns the live settlements the user paid or received,
// oldest first.
func (b *Backend) SettlementsForUser(ctx context.Context, userID string) ([]*types.Settlement, error) {
	if userID == "" {
		return nil, types.ErrInvalidID
	}
	db, err := b.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+settlementColumns+` FROM settlements
		 WHERE deleted = 0 AND (from_user_id = ? OR to_user_id = ?)
		 ORDER BY settlement_date, created_at, settlement_id`,
		userID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying settlements: %w", err)
	}
	defer rows.Close()

	var settlements []*types.Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		settlements = append(settlements, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating settlements: %w", err)
	}
	return settlements, nil
}

func getSettlement(ctx context.Context, q querier, id string) (*types.Settlement, error) {
	row := q.QueryRowContext(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE settlement_id = ?`, id)
	s, err := scanSettlement(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("getting settlement %s: %w", id, err)
	}
	return s, nil
}

func scanSettlement(sc scanner) (*types.Settlement, error) {
	var (
		s                                        types.Settlement
		amount                                   int64
		deleted                                  int
		date, lastModified, createdAt, updatedAt string
	)
	err := sc.Scan(&s.ID, &s.GroupID, &s.FromUserID, &s.ToUserID, &amount, &s.Currency,
		&date, &s.Notes, &deleted, &s.Version, &lastModified, &s.ModifiedBy, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	s.Amount = types.FromCents(amount)
	s.Deleted = deleted != 0
	if err := parseTimes(
		timeField{date, &s.Date},
		timeField{lastModified, &s.LastModified},
		timeField{createdAt, &s.CreatedAt},
		timeField{updatedAt, &s.UpdatedAt},
	); err != nil {
		return nil, fmt.Errorf("settlement %s: %w", s.ID, err)
	}
	return &s, nil
}
