package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mesh-intelligence/splitsync/pkg/types"
)

const conflictColumns = `conflict_id, user_id, entity_type, entity_id, field, server_value, client_value,
    last_modified, requires_user_input, resolution, resolved_at, created_at`

// InsertConflicts stores conflict records in one transaction. Records
// without an ID get a UUID v7. Records whose ID already exists are ignored,
// so a client may report the same conflict twice.
func (b *Backend) InsertConflicts(ctx context.Context, records []types.ConflictRecord) ([]types.ConflictRecord, error) {
	now := b.clock()
	out := make([]types.ConflictRecord, 0, len(records))
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range records {
			if _, err := types.TableForEntity(rec.EntityType); err != nil {
				return err
			}
			if rec.EntityID == "" || rec.Field == "" {
				return types.ErrInvalidData
			}
			if rec.ID == "" {
				id, err := uuid.NewV7()
				if err != nil {
					return fmt.Errorf("generating UUID v7: %w", err)
				}
				rec.ID = id.String()
			}
			if rec.CreatedAt.IsZero() {
				rec.CreatedAt = now
			}
			if rec.LastModified.IsZero() {
				rec.LastModified = now
			}
			if len(rec.ServerValue) == 0 {
				rec.ServerValue = []byte("null")
			}
			if len(rec.ClientValue) == 0 {
				rec.ClientValue = []byte("null")
			}

			var resolvedAt any
			if rec.ResolvedAt != nil {
				resolvedAt = formatTime(*rec.ResolvedAt)
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO conflicts (`+conflictColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT(conflict_id) DO NOTHING`,
				rec.ID, rec.UserID, rec.EntityType, rec.EntityID, rec.Field,
				string(rec.ServerValue), string(rec.ClientValue), formatTime(rec.LastModified),
				boolToInt(rec.RequiresUserInput), rec.Resolution, resolvedAt, formatTime(rec.CreatedAt),
			)
			if err != nil {
				return fmt.Errorf("inserting conflict: %w", err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetConflict returns the conflict record with id.
func (b *Backend) GetConflict(ctx context.Context, id string) (*types.ConflictRecord, error) {
	if id == "" {
		return nil, types.ErrInvalidID
	}
	db, err := b.conn()
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE conflict_id = ?`, id)
	rec, err := scanConflict(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("getting conflict %s: %w", id, err)
	}
	return rec, nil
}

// ListConflicts returns the unresolved conflicts that need user input. An
// empty userID lists every user's conflicts.
func (b *Backend) ListConflicts(ctx context.Context, userID string) ([]types.ConflictRecord, error) {
	db, err := b.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+conflictColumns+` FROM conflicts
		 WHERE resolved_at IS NULL AND requires_user_input = 1 AND (? = '' OR user_id = ?)
		 ORDER BY created_at, conflict_id`,
		userID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying conflicts: %w", err)
	}
	defer rows.Close()

	var out []types.ConflictRecord
	for rows.Next() {
		rec, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conflict: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// MarkConflictResolved records the resolution. It returns
// ErrConflictResolved if the record was already resolved.
func (b *Backend) MarkConflictResolved(ctx context.Context, id, resolution string, now time.Time) error {
	db, err := b.conn()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx,
		"UPDATE conflicts SET resolution = ?, resolved_at = ? WHERE conflict_id = ? AND resolved_at IS NULL",
		resolution, formatTime(now), id,
	)
	if err != nil {
		return fmt.Errorf("resolving conflict: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := b.GetConflict(ctx, id); err != nil {
		return err
	}
	return types.ErrConflictResolved
}

func scanConflict(s scanner) (*types.ConflictRecord, error) {
	var (
		rec                       types.ConflictRecord
		serverValue, clientValue  string
		lastModified, createdAt   string
		requiresInput             int
		resolvedAt                sql.NullString
	)
	err := s.Scan(&rec.ID, &rec.UserID, &rec.EntityType, &rec.EntityID, &rec.Field,
		&serverValue, &clientValue, &lastModified, &requiresInput, &rec.Resolution, &resolvedAt, &createdAt)
	if err != nil {
		return nil, err
	}
	rec.ServerValue = []byte(serverValue)
	rec.ClientValue = []byte(clientValue)
	rec.RequiresUserInput = requiresInput != 0
	if err := parseTimes(
		timeField{lastModified, &rec.LastModified},
		timeField{createdAt, &rec.CreatedAt},
	); err != nil {
		return nil, fmt.Errorf("conflict %s: %w", rec.ID, err)
	}
	if resolvedAt.Valid {
		t, err := parseTime(resolvedAt.String)
		if err != nil {
			return nil, fmt.Errorf("conflict %s: parsing resolved_at: %w", rec.ID, err)
		}
		rec.ResolvedAt = &t
	}
	return &rec, nil
}
