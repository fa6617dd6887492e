package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mesh-intelligence/splitsync/pkg/types"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const expenseColumns = `expense_id, group_id, description, amount_cents, currency, category,
    expense_date, notes, paid_by, deleted, version, last_modified, modified_by, created_at, updated_at`

// CreateExpense inserts a new expense at version 1. An empty ID is replaced
// with a UUID v7. The outbox upsert is written in the same transaction.
func (b *Backend) CreateExpense(ctx context.Context, e types.Expense, actor string) (*types.Expense, error) {
	if actor == "" {
		return nil, types.ErrInvalidActor
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if e.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generating UUID v7: %w", err)
		}
		e.ID = id.String()
	}

	now := b.clock()
	e.CreatedAt = now
	e.UpdatedAt = now
	e.Deleted = false
	e.VersionVector = types.VersionVector{}.Bump(actor, now)
	if e.Date.IsZero() {
		e.Date = now
	}

	err := b.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, "SELECT 1 FROM expenses WHERE expense_id = ?", e.ID).Scan(&exists)
		if err == nil {
			return fmt.Errorf("expense %s already exists: %w", e.ID, types.ErrInvalidID)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking expense existence: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO expenses (`+expenseColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.GroupID, e.Description, types.ToCents(e.Amount), e.Currency, e.Category,
			formatTime(e.Date), e.Notes, e.PaidBy, boolToInt(e.Deleted), e.Version,
			formatTime(e.LastModified), e.ModifiedBy, formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("inserting expense: %w", err)
		}
		if err := insertParticipants(ctx, tx, e.ID, e.Participants); err != nil {
			return err
		}
		return b.enqueueEntity(ctx, tx, types.TableExpenses, e.ID, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetExpense returns the expense with id, including soft-deleted ones.
func (b *Backend) GetExpense(ctx context.Context, id string) (*types.Expense, error) {
	if id == "" {
		return nil, types.ErrInvalidID
	}
	db, err := b.conn()
	if err != nil {
		return nil, err
	}
	return getExpense(ctx, db, id)
}

// UpdateExpense replaces the mutable fields of an expense when
// expectedVersion matches the stored version. A mismatch returns a
// *types.VersionConflictError carrying the current version.
func (b *Backend) UpdateExpense(ctx context.Context, e types.Expense, expectedVersion int64, actor string) (*types.Expense, error) {
	if e.ID == "" {
		return nil, types.ErrInvalidID
	}
	if actor == "" {
		return nil, types.ErrInvalidActor
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}

	var updated *types.Expense
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getExpense(ctx, tx, e.ID)
		if err != nil {
			return err
		}
		if current.Deleted {
			return types.ErrNotFound
		}
		if current.Version != expectedVersion {
			return &types.VersionConflictError{
				EntityType:      types.EntityExpense,
				EntityID:        e.ID,
				ExpectedVersion: expectedVersion,
				CurrentVersion:  current.Version,
			}
		}

		now := b.clock()
		e.CreatedAt = current.CreatedAt
		e.UpdatedAt = now
		e.Deleted = false
		e.VersionVector = current.VersionVector.Bump(actor, now)
		if e.Date.IsZero() {
			e.Date = current.Date
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE expenses SET group_id = ?, description = ?, amount_cents = ?, currency = ?, category = ?,
			    expense_date = ?, notes = ?, paid_by = ?, version = ?, last_modified = ?, modified_by = ?, updated_at = ?
			 WHERE expense_id = ? AND version = ?`,
			e.GroupID, e.Description, types.ToCents(e.Amount), e.Currency, e.Category,
			formatTime(e.Date), e.Notes, e.PaidBy, e.Version, formatTime(e.LastModified), e.ModifiedBy,
			formatTime(e.UpdatedAt), e.ID, expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("updating expense: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return &types.VersionConflictError{
				EntityType: types.EntityExpense, EntityID: e.ID,
				ExpectedVersion: expectedVersion, CurrentVersion: current.Version,
			}
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM expense_participants WHERE expense_id = ?", e.ID); err != nil {
			return fmt.Errorf("clearing participants: %w", err)
		}
		if err := insertParticipants(ctx, tx, e.ID, e.Participants); err != nil {
			return err
		}
		updated = &e
		return b.enqueueEntity(ctx, tx, types.TableExpenses, e.ID, &e)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteExpense soft-deletes an expense. The row is kept with Deleted set and
// its version bumped; the mirror receives a delete.
func (b *Backend) DeleteExpense(ctx context.Context, id string, expectedVersion int64, actor string) (*types.Expense, error) {
	if id == "" {
		return nil, types.ErrInvalidID
	}
	if actor == "" {
		return nil, types.ErrInvalidActor
	}

	var deleted *types.Expense
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getExpense(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Deleted {
			return types.ErrNotFound
		}
		if current.Version != expectedVersion {
			return &types.VersionConflictError{
				EntityType:      types.EntityExpense,
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
			`UPDATE expenses SET deleted = 1, version = ?, last_modified = ?, modified_by = ?, updated_at = ?
			 WHERE expense_id = ?`,
			current.Version, formatTime(current.LastModified), current.ModifiedBy, formatTime(now), id,
		)
		if err != nil {
			return fmt.Errorf("deleting expense: %w", err)
		}
		deleted = current
		return b.enqueueDelete(ctx, tx, types.TableExpenses, id)
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// ExpensesForUser returns the live expenses the user paid for or takes part
// in, oldest first.
func (b *Backend) ExpensesForUser(ctx context.Context, userID string) ([]*types.Expense, error) {
	if userID == "" {
		return nil, types.ErrInvalidID
	}
	db, err := b.conn()
	if err != nil {
		return nil, err
	}

	const match = `deleted = 0 AND (paid_by = ? OR expense_id IN
	    (SELECT expense_id FROM expense_participants WHERE user_id = ?))`

	rows, err := db.QueryContext(ctx,
		`SELECT `+expenseColumns+` FROM expenses WHERE `+match+` ORDER BY expense_date, created_at, expense_id`,
		userID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying expenses: %w", err)
	}
	var expenses []*types.Expense
	byID := make(map[string]*types.Expense)
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		expenses = append(expenses, e)
		byID[e.ID] = e
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating expenses: %w", err)
	}
	rows.Close()

	// The pool holds one connection, so participants are read after the
	// expense rows are closed.
	prows, err := db.QueryContext(ctx,
		`SELECT expense_id, user_id, paid_cents, owed_cents FROM expense_participants
		 WHERE expense_id IN (SELECT expense_id FROM expenses WHERE `+match+`)
		 ORDER BY expense_id, ordinal`,
		userID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying participants: %w", err)
	}
	defer prows.Close()
	for prows.Next() {
		var expenseID string
		var p types.Participant
		var paid, owed int64
		if err := prows.Scan(&expenseID, &p.UserID, &paid, &owed); err != nil {
			return nil, fmt.Errorf("scanning participant: %w", err)
		}
		p.PaidAmount = types.FromCents(paid)
		p.OwedAmount = types.FromCents(owed)
		if e, ok := byID[expenseID]; ok {
			e.Participants = append(e.Participants, p)
		}
	}
	if err := prows.Err(); err != nil {
		return nil, fmt.Errorf("iterating participants: %w", err)
	}
	return expenses, nil
}

func getExpense(ctx context.Context, q querier, id string) (*types.Expense, error) {
	row := q.QueryRowContext(ctx, `SELECT `+expenseColumns+` FROM expenses WHERE expense_id = ?`, id)
	e, err := scanExpense(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("getting expense %s: %w", id, err)
	}
	participants, err := loadParticipants(ctx, q, id)
	if err != nil {
		return nil, err
	}
	e.Participants = participants
	return e, nil
}

func loadParticipants(ctx context.Context, q querier, expenseID string) ([]types.Participant, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT user_id, paid_cents, owed_cents FROM expense_participants WHERE expense_id = ? ORDER BY ordinal",
		expenseID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	var participants []types.Participant
	for rows.Next() {
		var p types.Participant
		var paid, owed int64
		if err := rows.Scan(&p.UserID, &paid, &owed); err != nil {
			return nil, fmt.Errorf("scanning participant: %w", err)
		}
		p.PaidAmount = types.FromCents(paid)
		p.OwedAmount = types.FromCents(owed)
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

func insertParticipants(ctx context.Context, tx *sql.Tx, expenseID string, participants []types.Participant) error {
	for i, p := range participants {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO expense_participants (expense_id, user_id, paid_cents, owed_cents, ordinal) VALUES (?, ?, ?, ?, ?)",
			expenseID, p.UserID, types.ToCents(p.PaidAmount), types.ToCents(p.OwedAmount), i,
		)
		if err != nil {
			return fmt.Errorf("inserting participant %s: %w", p.UserID, err)
		}
	}
	return nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanExpense(s scanner) (*types.Expense, error) {
	var (
		e                                        types.Expense
		amount                                   int64
		deleted                                  int
		date, lastModified, createdAt, updatedAt string
	)
	err := s.Scan(&e.ID, &e.GroupID, &e.Description, &amount, &e.Currency, &e.Category,
		&date, &e.Notes, &e.PaidBy, &deleted, &e.Version, &lastModified, &e.ModifiedBy,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	e.Amount = types.FromCents(amount)
	e.Deleted = deleted != 0
	if err := parseTimes(
		timeField{date, &e.Date},
		timeField{lastModified, &e.LastModified},
		timeField{createdAt, &e.CreatedAt},
		timeField{updatedAt, &e.UpdatedAt},
	); err != nil {
		return nil, fmt.Errorf("expense %s: %w", e.ID, err)
	}
	return &e, nil
}

type timeField struct {
	raw string
	dst *time.Time
}

// parseTimes parses each raw column into its destination.
func parseTimes(fields ...timeField) error {
	for _, f := range fields {
		t, err := parseTime(f.raw)
		if err != nil {
			return fmt.Errorf("parsing time %q: %w", f.raw, err)
		}
		*f.dst = t
	}
	return nil
}

// enqueueEntity writes an upsert outbox row carrying the JSON of entity.
func (b *Backend) enqueueEntity(ctx context.Context, tx *sql.Tx, table, id string, entity any) error {
	if !b.mirroring {
		return nil
	}
	payload, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", table, err)
	}
	item, err := types.NewOutboxItem(types.OutboxUpsert, table, id, payload, b.clock())
	if err != nil {
		return err
	}
	item.MaxRetries = b.outboxMaxRetries
	return insertOutbox(ctx, tx, item)
}

// enqueueDelete writes a delete outbox row.
func (b *Backend) enqueueDelete(ctx context.Context, tx *sql.Tx, table, id string) error {
	if !b.mirroring {
		return nil
	}
	now := b.clock()
	// The key includes the timestamp so a record deleted, recreated, and
	// deleted again is mirrored twice.
	item, err := types.NewOutboxItem(types.OutboxDelete, table, id, nil, now)
	if err != nil {
		return err
	}
	item.IdempotencyKey = types.OutboxKey(types.OutboxDelete, table, id, []byte(formatTime(now)))
	item.MaxRetries = b.outboxMaxRetries
	return insertOutbox(ctx, tx, item)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
