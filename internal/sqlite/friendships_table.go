package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/mesh-intelligence/splitsync/pkg/types"
)

const friendshipColumns = `friendship_id, user_id, friend_id, status, requested_by, created_at, updated_at`

// RepairReport summarizes a RepairFriendships pass.
type RepairReport struct {
	Pairs       int `json:"pairs"`
	Repaired    int `json:"repaired"`
	RemovedRows int `json:"removedRows"`
}

// UpsertSymmetric writes both directions of the relationship between userID
// and otherID at their deterministic ids, with the same status and
// requestedBy. Rows for the pair stored at any other id are removed. It
// returns the edge owned by userID.
func (b *Backend) UpsertSymmetric(ctx context.Context, userID, otherID, status, requestedBy string) (types.Friendship, error) {
	if userID == "" || otherID == "" {
		return types.Friendship{}, types.ErrInvalidID
	}
	if userID == otherID {
		return types.Friendship{}, types.ErrSelfRelation
	}
	if !types.ValidFriendshipStatus(status) {
		return types.Friendship{}, types.ErrInvalidStatus
	}
	if requestedBy != userID && requestedBy != otherID {
		return types.Friendship{}, types.ErrInvalidData
	}

	var edge types.Friendship
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		edge, _, err = b.upsertPair(ctx, tx, userID, otherID, status, requestedBy)
		return err
	})
	if err != nil {
		return types.Friendship{}, err
	}
	return edge, nil
}

// upsertPair writes both canonical rows inside tx and returns the edge owned
// by userID plus the number of non-canonical rows removed.
func (b *Backend) upsertPair(ctx context.Context, tx *sql.Tx, userID, otherID, status, requestedBy string) (types.Friendship, int, error) {
	now := b.clock()
	existing, err := pairRows(ctx, tx, userID, otherID)
	if err != nil {
		return types.Friendship{}, 0, err
	}

	createdAt := now
	for _, f := range existing {
		if f.CreatedAt.Before(createdAt) {
			createdAt = f.CreatedAt
		}
	}

	removed := 0
	for _, f := range existing {
		if f.Canonical() {
			continue
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM friendships WHERE friendship_id = ?", f.ID); err != nil {
			return types.Friendship{}, 0, fmt.Errorf("removing legacy friendship %s: %w", f.ID, err)
		}
		if err := b.enqueueDelete(ctx, tx, types.TableFriendships, f.ID); err != nil {
			return types.Friendship{}, 0, err
		}
		removed++
	}

	var owned types.Friendship
	for _, dir := range [][2]string{{userID, otherID}, {otherID, userID}} {
		f := types.Friendship{
			ID:          types.FriendshipID(dir[0], dir[1]),
			UserID:      dir[0],
			FriendID:    dir[1],
			Status:      status,
			RequestedBy: requestedBy,
			CreatedAt:   createdAt,
			UpdatedAt:   now,
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO friendships (`+friendshipColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(friendship_id) DO UPDATE SET
			    status = excluded.status,
			    requested_by = excluded.requested_by,
			    created_at = excluded.created_at,
			    updated_at = excluded.updated_at`,
			f.ID, f.UserID, f.FriendID, f.Status, f.RequestedBy, formatTime(f.CreatedAt), formatTime(f.UpdatedAt),
		)
		if err != nil {
			return types.Friendship{}, 0, fmt.Errorf("writing friendship %s->%s: %w", f.UserID, f.FriendID, err)
		}
		if err := b.enqueueEntity(ctx, tx, types.TableFriendships, f.ID, &f); err != nil {
			return types.Friendship{}, 0, err
		}
		if dir[0] == userID {
			owned = f
		}
	}
	return owned, removed, nil
}

// DeleteSymmetric removes every row between userID and otherID in both
// directions and returns how many were removed.
func (b *Backend) DeleteSymmetric(ctx context.Context, userID, otherID string) (int, error) {
	if userID == "" || otherID == "" {
		return 0, types.ErrInvalidID
	}
	if userID == otherID {
		return 0, types.ErrSelfRelation
	}

	removed := 0
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := pairRows(ctx, tx, userID, otherID)
		if err != nil {
			return err
		}
		for _, f := range rows {
			if _, err := tx.ExecContext(ctx, "DELETE FROM friendships WHERE friendship_id = ?", f.ID); err != nil {
				return fmt.Errorf("deleting friendship %s: %w", f.ID, err)
			}
			if err := b.enqueueDelete(ctx, tx, types.TableFriendships, f.ID); err != nil {
				return err
			}
		}
		removed = len(rows)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// GetFriendship returns the edge owned by userID toward otherID. The row at
// the deterministic id wins; otherwise the most recently updated legacy row
// is returned.
func (b *Backend) GetFriendship(ctx context.Context, userID, otherID string) (*types.Friendship, error) {
	if userID == "" || otherID == "" {
		return nil, types.ErrInvalidID
	}
	db, err := b.conn()
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx,
		`SELECT `+friendshipColumns+` FROM friendships WHERE friendship_id = ?`,
		types.FriendshipID(userID, otherID),
	)
	f, err := scanFriendship(row)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("getting friendship: %w", err)
	}

	row = db.QueryRowContext(ctx,
		`SELECT `+friendshipColumns+` FROM friendships WHERE user_id = ? AND friend_id = ?
		 ORDER BY updated_at DESC, friendship_id LIMIT 1`,
		userID, otherID,
	)
	f, err = scanFriendship(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("getting legacy friendship: %w", err)
	}
	return f, nil
}

// ListFriendships returns one edge per friend of userID, sorted by friend id.
func (b *Backend) ListFriendships(ctx context.Context, userID string) ([]types.Friendship, error) {
	if userID == "" {
		return nil, types.ErrInvalidID
	}
	db, err := b.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT `+friendshipColumns+` FROM friendships WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying friendships: %w", err)
	}
	defer rows.Close()

	best := make(map[string]types.Friendship)
	for rows.Next() {
		f, err := scanFriendship(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning friendship: %w", err)
		}
		cur, ok := best[f.FriendID]
		if !ok || (!cur.Canonical() && (f.Canonical() || preferEdge(*f, cur))) {
			best[f.FriendID] = *f
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating friendships: %w", err)
	}

	out := make([]types.Friendship, 0, len(best))
	for _, f := range best {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FriendID < out[j].FriendID })
	return out, nil
}

// RepairFriendships rewrites every inconsistent pair through the symmetric
// upsert. The most recently updated row of a pair supplies its status and
// requestedBy. Consistent pairs are left untouched.
func (b *Backend) RepairFriendships(ctx context.Context) (RepairReport, error) {
	var report RepairReport
	db, err := b.conn()
	if err != nil {
		return report, err
	}

	rows, err := db.QueryContext(ctx, `SELECT `+friendshipColumns+` FROM friendships`)
	if err != nil {
		return report, fmt.Errorf("querying friendships: %w", err)
	}
	pairs := make(map[[2]string][]types.Friendship)
	for rows.Next() {
		f, err := scanFriendship(rows)
		if err != nil {
			rows.Close()
			return report, fmt.Errorf("scanning friendship: %w", err)
		}
		key := pairKey(f.UserID, f.FriendID)
		pairs[key] = append(pairs[key], *f)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return report, fmt.Errorf("iterating friendships: %w", err)
	}
	rows.Close()

	keys := make([][2]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})

	report.Pairs = len(keys)
	for _, k := range keys {
		edges := pairs[k]
		if consistentPair(edges) {
			continue
		}
		latest := edges[0]
		for _, f := range edges[1:] {
			if preferEdge(f, latest) {
				latest = f
			}
		}
		status := latest.Status
		if !types.ValidFriendshipStatus(status) {
			status = types.FriendshipPending
		}

		var removed int
		err := b.withTx(ctx, func(tx *sql.Tx) error {
			var err error
			_, removed, err = b.upsertPair(ctx, tx, latest.UserID, latest.FriendID, status, latest.RequestedBy)
			return err
		})
		if err != nil {
			return report, fmt.Errorf("repairing %s<->%s: %w", k[0], k[1], err)
		}
		report.Repaired++
		report.RemovedRows += removed
		b.logger.Info("repaired friendship",
			slog.String("user_id", k[0]),
			slog.String("friend_id", k[1]),
			slog.Int("removed_rows", removed),
		)
	}
	return report, nil
}

// pairRows returns every row between a and b in either direction.
func pairRows(ctx context.Context, q querier, a, b string) ([]types.Friendship, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+friendshipColumns+` FROM friendships
		 WHERE (user_id = ? AND friend_id = ?) OR (user_id = ? AND friend_id = ?)`,
		a, b, b, a,
	)
	if err != nil {
		return nil, fmt.Errorf("querying friendship pair: %w", err)
	}
	defer rows.Close()

	var out []types.Friendship
	for rows.Next() {
		f, err := scanFriendship(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning friendship: %w", err)
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// consistentPair reports whether edges are exactly the two canonical rows
// with matching status and requestedBy.
func consistentPair(edges []types.Friendship) bool {
	if len(edges) != 2 {
		return false
	}
	a, c := edges[0], edges[1]
	return a.Canonical() && c.Canonical() &&
		a.UserID == c.FriendID && a.FriendID == c.UserID &&
		a.Status == c.Status && a.RequestedBy == c.RequestedBy
}

// preferEdge reports whether f should win over cur: later update first,
// canonical row on a tie.
func preferEdge(f, cur types.Friendship) bool {
	if f.Canonical() != cur.Canonical() && f.UpdatedAt.Equal(cur.UpdatedAt) {
		return f.Canonical()
	}
	if !f.UpdatedAt.Equal(cur.UpdatedAt) {
		return f.UpdatedAt.After(cur.UpdatedAt)
	}
	return f.ID < cur.ID
}

func pairKey(a, b string) [2]string {
	if a < b {
		return [2]string{a, b}
	}
	return [2]string{b, a}
}

func scanFriendship(s scanner) (*types.Friendship, error) {
	var f types.Friendship
	var createdAt, updatedAt string
	if err := s.Scan(&f.ID, &f.UserID, &f.FriendID, &f.Status, &f.RequestedBy, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if f.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if f.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &f, nil
}
