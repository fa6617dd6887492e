package balance

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/mesh-intelligence/splitsync/pkg/types"
)

// Store reads the ledger and the balance snapshot.
type Store interface {
	ExpensesForUser(ctx context.Context, userID string) ([]*types.Expense, error)
	SettlementsForUser(ctx context.Context, userID string) ([]*types.Settlement, error)
	StoredBalances(ctx context.Context, userID string) (types.Balances, error)
	ReplaceBalances(ctx context.Context, bal types.Balances) error
	UserIDs(ctx context.Context) ([]string, error)
}

// Recalculator keeps the stored balance snapshot in line with the ledger.
type Recalculator struct {
	store  Store
	logger *slog.Logger
}

// NewRecalculator creates a Recalculator. A nil logger means slog.Default().
func NewRecalculator(store Store, logger *slog.Logger) *Recalculator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recalculator{store: store, logger: logger.With(slog.String("component", "balance"))}
}

// Derive computes the balances of userID from the ledger without storing
// them.
func (r *Recalculator) Derive(ctx context.Context, userID string) (types.Balances, error) {
	if userID == "" {
		return types.Balances{}, types.ErrInvalidID
	}
	expenses, err := r.store.ExpensesForUser(ctx, userID)
	if err != nil {
		return types.Balances{}, fmt.Errorf("loading expenses of %s: %w", userID, err)
	}
	settlements, err := r.store.SettlementsForUser(ctx, userID)
	if err != nil {
		return types.Balances{}, fmt.Errorf("loading settlements of %s: %w", userID, err)
	}
	return Compute(userID, expenses, settlements), nil
}

// Recalculate derives the balances of userID and replaces the stored
// snapshot with them.
func (r *Recalculator) Recalculate(ctx context.Context, userID string) (types.Balances, error) {
	bal, err := r.Derive(ctx, userID)
	if err != nil {
		return bal, err
	}
	if err := r.store.ReplaceBalances(ctx, bal); err != nil {
		return bal, fmt.Errorf("storing balances of %s: %w", userID, err)
	}
	r.logger.Debug("balances recalculated", slog.String("user_id", userID), slog.Int("entries", len(bal.Entries())))
	return bal, nil
}

// Validate compares every stored snapshot with the ledger and reports
// entries that differ by more than types.BalanceTolerance. Nothing is
// corrected.
func (r *Recalculator) Validate(ctx context.Context) ([]types.BalanceInconsistency, error) {
	users, err := r.store.UserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	var out []types.BalanceInconsistency
	for _, u := range users {
		derived, err := r.Derive(ctx, u)
		if err != nil {
			return nil, err
		}
		stored, err := r.store.StoredBalances(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("loading stored balances of %s: %w", u, err)
		}
		out = append(out, Diff(stored, derived)...)
	}
	if len(out) > 0 {
		r.logger.Warn("balance inconsistencies found", slog.Int("count", len(out)))
	}
	return out, nil
}

// ForceRecalculation rewrites the snapshots of userIDs, or of every known
// user when none are given. It returns the number of users rewritten.
func (r *Recalculator) ForceRecalculation(ctx context.Context, userIDs ...string) (int, error) {
	if len(userIDs) == 0 {
		all, err := r.store.UserIDs(ctx)
		if err != nil {
			return 0, fmt.Errorf("listing users: %w", err)
		}
		userIDs = all
	}
	for i, u := range userIDs {
		if _, err := r.Recalculate(ctx, u); err != nil {
			return i, err
		}
	}
	r.logger.Info("balances force-recalculated", slog.Int("users", len(userIDs)))
	return len(userIDs), nil
}

// Diff lists the entries where stored and derived differ by more than the
// tolerance. An entry missing on one side counts as zero.
func Diff(stored, derived types.Balances) []types.BalanceInconsistency {
	var out []types.BalanceInconsistency
	out = append(out, diffKind(derived.UserID, types.BalanceKindFriend, stored.Friends, derived.Friends)...)
	out = append(out, diffKind(derived.UserID, types.BalanceKindGroup, stored.Groups, derived.Groups)...)
	return out
}

func diffKind(userID, kind string, stored, derived []types.BalanceEntry) []types.BalanceInconsistency {
	s := amounts(stored)
	d := amounts(derived)
	ids := make([]string, 0, len(s)+len(d))
	for id := range s {
		ids = append(ids, id)
	}
	for id := range d {
		if _, ok := s[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var out []types.BalanceInconsistency
	for _, id := range ids {
		if math.Abs(s[id]-d[id]) > types.BalanceTolerance+1e-9 {
			out = append(out, types.BalanceInconsistency{
				UserID:         userID,
				Kind:           kind,
				CounterpartyID: id,
				Stored:         s[id],
				Derived:        d[id],
			})
		}
	}
	return out
}

func amounts(entries []types.BalanceEntry) map[string]float64 {
	m := make(map[string]float64, len(entries))
	for _, e := range entries {
		m[e.CounterpartyID] = e.Amount
	}
	return m
}
