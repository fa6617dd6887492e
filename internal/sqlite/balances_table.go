package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/mesh-intelligence/splitsync/pkg/types"
)

// StoredBalances returns the balance snapshot last written for userID.
func (b *Backend) StoredBalances(ctx context.Context, userID string) (types.Balances, error) {
	out := types.Balances{UserID: userID, Friends: []types.BalanceEntry{}, Groups: []types.BalanceEntry{}}
	if userID == "" {
		return out, types.ErrInvalidID
	}
	db, err := b.conn()
	if err != nil {
		return out, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT kind, counterparty_id, amount_cents FROM balances WHERE user_id = ?
		 ORDER BY kind, counterparty_id`,
		userID,
	)
	if err != nil {
		return out, fmt.Errorf("querying balances: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e types.BalanceEntry
		var cents int64
		if err := rows.Scan(&e.Kind, &e.CounterpartyID, &cents); err != nil {
			return out, fmt.Errorf("scanning balance: %w", err)
		}
		e.Amount = types.FromCents(cents)
		switch e.Kind {
		case types.BalanceKindFriend:
			out.Friends = append(out.Friends, e)
		case types.BalanceKindGroup:
			out.Groups = append(out.Groups, e)
		}
	}
	return out, rows.Err()
}

// ReplaceBalances overwrites the stored snapshot of bal.UserID.
func (b *Backend) ReplaceBalances(ctx context.Context, bal types.Balances) error {
	if bal.UserID == "" {
		return types.ErrInvalidID
	}
	now := formatTime(b.clock())
	return b.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM balances WHERE user_id = ?", bal.UserID); err != nil {
			return fmt.Errorf("clearing balances: %w", err)
		}
		for _, e := range bal.Entries() {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO balances (user_id, kind, counterparty_id, amount_cents, updated_at)
				 VALUES (?, ?, ?, ?, ?)`,
				bal.UserID, e.Kind, e.CounterpartyID, types.ToCents(e.Amount), now,
			)
			if err != nil {
				return fmt.Errorf("inserting balance: %w", err)
			}
		}
		return nil
	})
}

// UserIDs returns every user that appears in the ledger or the balance
// snapshot, sorted.
func (b *Backend) UserIDs(ctx context.Context) ([]string, error) {
	db, err := b.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT paid_by FROM expenses
		UNION SELECT user_id FROM expense_participants
		UNION SELECT from_user_id FROM settlements
		UNION SELECT to_user_id FROM settlements
		UNION SELECT user_id FROM balances`)
	if err != nil {
		return nil, fmt.Errorf("querying user ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning user id: %w", err)
		}
		if id != "" {
			ids = append(ids, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}
