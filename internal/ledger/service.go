// Package ledger is the write path of the server. Every ledger write commits
// to the store together with its outbox row, then invalidates the cached
// reads of every affected user and recalculates their balances.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mesh-intelligence/splitsync/internal/balance"
	"github.com/mesh-intelligence/splitsync/internal/cache"
	"github.com/mesh-intelligence/splitsync/pkg/types"
)

// Store is the authoritative store behind the service.
type Store interface {
	balance.Store

	CreateExpense(ctx context.Context, e types.Expense, actor string) (*types.Expense, error)
	GetExpense(ctx context.Context, id string) (*types.Expense, error)
	UpdateExpense(ctx context.Context, e types.Expense, expectedVersion int64, actor string) (*types.Expense, error)
	DeleteExpense(ctx context.Context, id string, expectedVersion int64, actor string) (*types.Expense, error)

	CreateSettlement(ctx context.Context, s types.Settlement, actor string) (*types.Settlement, error)
	GetSettlement(ctx context.Context, id string) (*types.Settlement, error)
	UpdateSettlement(ctx context.Context, s types.Settlement, expectedVersion int64, actor string) (*types.Settlement, error)
	DeleteSettlement(ctx context.Context, id string, expectedVersion int64, actor string) (*types.Settlement, error)

	UpsertSymmetric(ctx context.Context, userID, otherID, status, requestedBy string) (types.Friendship, error)
	DeleteSymmetric(ctx context.Context, userID, otherID string) (int, error)
	ListFriendships(ctx context.Context, userID string) ([]types.Friendship, error)

	InsertConflicts(ctx context.Context, records []types.ConflictRecord) ([]types.ConflictRecord, error)
	GetConflict(ctx context.Context, id string) (*types.ConflictRecord, error)
	ListConflicts(ctx context.Context, userID string) ([]types.ConflictRecord, error)
	MarkConflictResolved(ctx context.Context, id, resolution string, now time.Time) error
}

// Scopes touched by writes.
var (
	ledgerScopes     = []cache.Scope{cache.ScopeBalances, cache.ScopeExpenses, cache.ScopeGroups, cache.ScopeActivity}
	friendshipScopes = []cache.Scope{cache.ScopeFriends, cache.ScopeActivity}
)

// Service runs ledger writes and the cached reads in front of them.
type Service struct {
	store  Store
	cache  *cache.Layer
	recalc *balance.Recalculator
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service. A nil layer gets a local-only cache.
func NewService(store Store, layer *cache.Layer, opts ...Option) *Service {
	s := &Service{
		store:  store,
		cache:  layer,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cache == nil {
		s.cache = cache.NewLayer("splitsync", cache.WithLogger(s.logger))
	}
	s.logger = s.logger.With(slog.String("component", "ledger"))
	s.recalc = balance.NewRecalculator(store, s.logger)
	return s
}

// Recalculator returns the balance recalculator used after writes.
func (s *Service) Recalculator() *balance.Recalculator {
	return s.recalc
}

// CreateExpense stores a new expense.
func (s *Service) CreateExpense(ctx context.Context, e types.Expense, actor string) (*types.Expense, error) {
	created, err := s.store.CreateExpense(ctx, e, actor)
	if err != nil {
		return nil, err
	}
	s.afterLedgerWrite(ctx, created.UserIDs())
	return created, nil
}

// GetExpense returns a live expense.
func (s *Service) GetExpense(ctx context.Context, id string) (*types.Expense, error) {
	e, err := s.store.GetExpense(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Deleted {
		return nil, types.ErrNotFound
	}
	return e, nil
}

// UpdateExpense replaces an expense when expectedVersion is current.
func (s *Service) UpdateExpense(ctx context.Context, e types.Expense, expectedVersion int64, actor string) (*types.Expense, error) {
	before, err := s.store.GetExpense(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	updated, err := s.store.UpdateExpense(ctx, e, expectedVersion, actor)
	if err != nil {
		return nil, err
	}
	s.afterLedgerWrite(ctx, union(before.UserIDs(), updated.UserIDs()))
	return updated, nil
}

// DeleteExpense soft-deletes an expense when expectedVersion is current.
func (s *Service) DeleteExpense(ctx context.Context, id string, expectedVersion int64, actor string) (*types.Expense, error) {
	deleted, err := s.store.DeleteExpense(ctx, id, expectedVersion, actor)
	if err != nil {
		return nil, err
	}
	s.afterLedgerWrite(ctx, deleted.UserIDs())
	return deleted, nil
}

// CreateSettlement stores a new settlement.
func (s *Service) CreateSettlement(ctx context.Context, st types.Settlement, actor string) (*types.Settlement, error) {
	created, err := s.store.CreateSettlement(ctx, st, actor)
	if err != nil {
		return nil, err
	}
	s.afterLedgerWrite(ctx, created.UserIDs())
	return created, nil
}

// GetSettlement returns a live settlement.
func (s *Service) GetSettlement(ctx context.Context, id string) (*types.Settlement, error) {
	st, err := s.store.GetSettlement(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.Deleted {
		return nil, types.ErrNotFound
	}
	return st, nil
}

// UpdateSettlement replaces a settlement when expectedVersion is current.
func (s *Service) UpdateSettlement(ctx context.Context, st types.Settlement, expectedVersion int64, actor string) (*types.Settlement, error) {
	before, err := s.store.GetSettlement(ctx, st.ID)
	if err != nil {
		return nil, err
	}
	updated, err := s.store.UpdateSettlement(ctx, st, expectedVersion, actor)
	if err != nil {
		return nil, err
	}
	s.afterLedgerWrite(ctx, union(before.UserIDs(), updated.UserIDs()))
	return updated, nil
}

// DeleteSettlement soft-deletes a settlement when expectedVersion is
// current.
func (s *Service) DeleteSettlement(ctx context.Context, id string, expectedVersion int64, actor string) (*types.Settlement, error) {
	deleted, err := s.store.DeleteSettlement(ctx, id, expectedVersion, actor)
	if err != nil {
		return nil, err
	}
	s.afterLedgerWrite(ctx, deleted.UserIDs())
	return deleted, nil
}

// UpsertFriendship writes both directions of a relationship.
func (s *Service) UpsertFriendship(ctx context.Context, userID, otherID, status, requestedBy string) (types.Friendship, error) {
	f, err := s.store.UpsertSymmetric(ctx, userID, otherID, status, requestedBy)
	if err != nil {
		return f, err
	}
	s.cache.Invalidate(ctx, []string{userID, otherID}, friendshipScopes...)
	return f, nil
}

// DeleteFriendship removes both directions of a relationship. It returns
// the number of rows removed.
func (s *Service) DeleteFriendship(ctx context.Context, userID, otherID string) (int, error) {
	n, err := s.store.DeleteSymmetric(ctx, userID, otherID)
	if err != nil {
		return 0, err
	}
	s.cache.Invalidate(ctx, []string{userID, otherID}, friendshipScopes...)
	return n, nil
}

// UserBalances returns the stored balances of userID through the cache.
func (s *Service) UserBalances(ctx context.Context, userID string) (types.Balances, cache.Status, error) {
	return cache.GetOrSetJSON(ctx, s.cache, cache.Key{Scope: cache.ScopeBalances, UserID: userID}, 0,
		func(ctx context.Context) (types.Balances, error) {
			return s.store.StoredBalances(ctx, userID)
		})
}

// UserExpenses returns the live expenses of userID through the cache.
func (s *Service) UserExpenses(ctx context.Context, userID string) ([]*types.Expense, cache.Status, error) {
	return cache.GetOrSetJSON(ctx, s.cache, cache.Key{Scope: cache.ScopeExpenses, UserID: userID}, 0,
		func(ctx context.Context) ([]*types.Expense, error) {
			return s.store.ExpensesForUser(ctx, userID)
		})
}

// UserFriends returns the relationships of userID through the cache.
func (s *Service) UserFriends(ctx context.Context, userID string) ([]types.Friendship, cache.Status, error) {
	return cache.GetOrSetJSON(ctx, s.cache, cache.Key{Scope: cache.ScopeFriends, UserID: userID}, 0,
		func(ctx context.Context) ([]types.Friendship, error) {
			return s.store.ListFriendships(ctx, userID)
		})
}

// afterLedgerWrite recalculates balances for the affected users and drops
// their cached reads. The cache is invalidated on both sides of the
// recalculation so a read served from the old snapshot in between is not
// kept. Failures are logged; the write itself has committed.
func (s *Service) afterLedgerWrite(ctx context.Context, userIDs []string) {
	s.cache.Invalidate(ctx, userIDs, ledgerScopes...)
	for _, u := range userIDs {
		if _, err := s.recalc.Recalculate(ctx, u); err != nil {
			s.logger.Error("balance recalculation failed",
				slog.String("user_id", u),
				slog.String("error", err.Error()),
			)
		}
	}
	s.cache.Invalidate(ctx, userIDs, ledgerScopes...)
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// errUnsupported wraps entity types that cannot be resolved server-side.
func errUnsupported(entityType string) error {
	return fmt.Errorf("%w: %q", types.ErrUnknownEntityType, entityType)
}
