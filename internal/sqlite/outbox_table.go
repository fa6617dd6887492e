package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mesh-intelligence/splitsync/pkg/types"
)

const outboxColumns = `idempotency_key, operation, table_name, record_id, payload, status, retries,
    max_retries, next_retry_at, last_error, created_at, updated_at`

// InsertOutbox stores item unless an item with the same idempotency key
// already exists. It reports whether a row was inserted.
func (b *Backend) InsertOutbox(ctx context.Context, item types.OutboxItem) (bool, error) {
	if item.IdempotencyKey == "" {
		return false, types.ErrInvalidID
	}
	if !types.ValidOutboxOperation(item.Operation) {
		return false, types.ErrInvalidOperation
	}
	if item.MaxRetries <= 0 {
		item.MaxRetries = b.outboxMaxRetries
	}
	db, err := b.conn()
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, insertOutboxSQL, outboxArgs(item)...)
	if err != nil {
		return false, fmt.Errorf("inserting outbox item: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

const insertOutboxSQL = `INSERT INTO outbox (` + outboxColumns + `)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON CONFLICT(idempotency_key) DO NOTHING`

func insertOutbox(ctx context.Context, tx *sql.Tx, item types.OutboxItem) error {
	if _, err := tx.ExecContext(ctx, insertOutboxSQL, outboxArgs(item)...); err != nil {
		return fmt.Errorf("enqueueing outbox %s %s/%s: %w", item.Operation, item.Table, item.RecordID, err)
	}
	return nil
}

func outboxArgs(item types.OutboxItem) []any {
	var payload any
	if len(item.Payload) > 0 {
		payload = string(item.Payload)
	}
	return []any{
		item.IdempotencyKey, item.Operation, item.Table, item.RecordID, payload, item.Status,
		item.Retries, item.MaxRetries, formatTime(item.NextRetryAt), item.LastError,
		formatTime(item.CreatedAt), formatTime(item.UpdatedAt),
	}
}

// GetOutbox returns the item with the given key.
func (b *Backend) GetOutbox(ctx context.Context, key string) (*types.OutboxItem, error) {
	db, err := b.conn()
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE idempotency_key = ?`, key)
	item, err := scanOutbox(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("getting outbox item: %w", err)
	}
	return item, nil
}

// supersededError is recorded on items retired because a newer write for
// the same record exists.
const supersededError = "superseded by a newer write"

// ClaimOutbox marks up to limit due items as processing and returns them,
// oldest first. Due means pending or failed with retries left and
// next_retry_at reached, or processing with a claim older than staleBefore.
//
// Only the newest item of a record is ever delivered. Older undelivered items
// for the same record are archived as done before the claim, and a record
// whose older item still holds a fresh claim is skipped until that claim
// settles.
func (b *Backend) ClaimOutbox(ctx context.Context, limit int, now, staleBefore time.Time) ([]types.OutboxItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	var claimed []types.OutboxItem
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE outbox SET status = ?, last_error = ?, updated_at = ?
			 WHERE (status IN (?, ?) OR (status = ? AND updated_at <= ?))
			   AND EXISTS (SELECT 1 FROM outbox AS newer
			               WHERE newer.table_name = outbox.table_name
			                 AND newer.record_id = outbox.record_id
			                 AND newer.rowid > outbox.rowid)`,
			types.OutboxDone, supersededError, formatTime(now),
			types.OutboxPending, types.OutboxFailed,
			types.OutboxProcessing, formatTime(staleBefore),
		)
		if err != nil {
			return fmt.Errorf("retiring superseded outbox items: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			b.logger.Debug("outbox items superseded", slog.Int64("count", n))
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT `+outboxColumns+` FROM outbox AS o
			 WHERE ((status IN (?, ?) AND retries <= max_retries AND next_retry_at <= ?)
			        OR (status = ? AND updated_at <= ?))
			   AND NOT EXISTS (SELECT 1 FROM outbox AS older
			                   WHERE older.table_name = o.table_name
			                     AND older.record_id = o.record_id
			                     AND older.rowid < o.rowid
			                     AND older.status = ?
			                     AND older.updated_at > ?)
			 ORDER BY created_at, rowid
			 LIMIT ?`,
			types.OutboxPending, types.OutboxFailed, formatTime(now),
			types.OutboxProcessing, formatTime(staleBefore),
			types.OutboxProcessing, formatTime(staleBefore),
			limit,
		)
		if err != nil {
			return fmt.Errorf("selecting due outbox items: %w", err)
		}
		for rows.Next() {
			item, err := scanOutbox(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scanning outbox item: %w", err)
			}
			claimed = append(claimed, *item)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterating outbox items: %w", err)
		}
		rows.Close()

		stamp := formatTime(now)
		for i := range claimed {
			_, err := tx.ExecContext(ctx,
				"UPDATE outbox SET status = ?, updated_at = ? WHERE idempotency_key = ?",
				types.OutboxProcessing, stamp, claimed[i].IdempotencyKey,
			)
			if err != nil {
				return fmt.Errorf("claiming outbox item: %w", err)
			}
			claimed[i].Status = types.OutboxProcessing
			claimed[i].UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkOutboxDone archives a delivered item.
func (b *Backend) MarkOutboxDone(ctx context.Context, key string, now time.Time) error {
	return b.updateOutbox(ctx,
		"UPDATE outbox SET status = ?, last_error = '', updated_at = ? WHERE idempotency_key = ?",
		types.OutboxDone, formatTime(now), key,
	)
}

// MarkOutboxRetry records a failed delivery. status is pending (with
// nextRetryAt) or failed when retries exceed the ceiling.
func (b *Backend) MarkOutboxRetry(ctx context.Context, key string, retries int, status string, nextRetryAt time.Time, lastError string, now time.Time) error {
	return b.updateOutbox(ctx,
		`UPDATE outbox SET status = ?, retries = ?, next_retry_at = ?, last_error = ?, updated_at = ?
		 WHERE idempotency_key = ?`,
		status, retries, formatTime(nextRetryAt), lastError, formatTime(now), key,
	)
}

// RequeueOutbox resets a terminal failed item to pending with zero retries.
func (b *Backend) RequeueOutbox(ctx context.Context, key string, now time.Time) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		var retries, maxRetries int
		err := tx.QueryRowContext(ctx,
			"SELECT status, retries, max_retries FROM outbox WHERE idempotency_key = ?", key,
		).Scan(&status, &retries, &maxRetries)
		if errors.Is(err, sql.ErrNoRows) {
			return types.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("reading outbox item: %w", err)
		}
		if status != types.OutboxFailed || retries <= maxRetries {
			return types.ErrNotTerminal
		}
		stamp := formatTime(now)
		_, err = tx.ExecContext(ctx,
			`UPDATE outbox SET status = ?, retries = 0, next_retry_at = ?, updated_at = ?
			 WHERE idempotency_key = ?`,
			types.OutboxPending, stamp, stamp, key,
		)
		if err != nil {
			return fmt.Errorf("requeueing outbox item: %w", err)
		}
		return nil
	})
}

// PruneOutbox deletes done items last updated before olderThan and returns
// how many were removed.
func (b *Backend) PruneOutbox(ctx context.Context, olderThan time.Time) (int64, error) {
	db, err := b.conn()
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx,
		"DELETE FROM outbox WHERE status = ? AND updated_at < ?",
		types.OutboxDone, formatTime(olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning outbox: %w", err)
	}
	return res.RowsAffected()
}

// CountOutbox returns the number of items per status.
func (b *Backend) CountOutbox(ctx context.Context) (map[string]int, error) {
	db, err := b.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, "SELECT status, COUNT(*) FROM outbox GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("counting outbox: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{
		types.OutboxPending:    0,
		types.OutboxProcessing: 0,
		types.OutboxDone:       0,
		types.OutboxFailed:     0,
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning outbox count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ListOutbox returns items with the given status, oldest first. An empty
// status lists every item.
func (b *Backend) ListOutbox(ctx context.Context, status string, limit int) ([]types.OutboxItem, error) {
	db, err := b.conn()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox WHERE (? = '' OR status = ?)
		 ORDER BY created_at, rowid LIMIT ?`,
		status, status, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing outbox: %w", err)
	}
	defer rows.Close()

	var items []types.OutboxItem
	for rows.Next() {
		item, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning outbox item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func (b *Backend) updateOutbox(ctx context.Context, query string, args ...any) error {
	db, err := b.conn()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating outbox item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

func scanOutbox(s scanner) (*types.OutboxItem, error) {
	var (
		item                              types.OutboxItem
		payload                           sql.NullString
		nextRetryAt, createdAt, updatedAt string
	)
	err := s.Scan(&item.IdempotencyKey, &item.Operation, &item.Table, &item.RecordID, &payload,
		&item.Status, &item.Retries, &item.MaxRetries, &nextRetryAt, &item.LastError, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		item.Payload = []byte(payload.String)
	}
	if err := parseTimes(
		timeField{nextRetryAt, &item.NextRetryAt},
		timeField{createdAt, &item.CreatedAt},
		timeField{updatedAt, &item.UpdatedAt},
	); err != nil {
		return nil, fmt.Errorf("outbox item %s: %w", item.IdempotencyKey, err)
	}
	return &item, nil
}
