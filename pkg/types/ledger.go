package types

import (
	"math"
	"time"
)

// Entity type names used on the wire, in the outbox, and in conflict records.
const (
	EntityExpense    = "expense"
	EntitySettlement = "settlement"
	EntityFriendship = "friendship"
)

// Store table names. The outbox addresses mirror targets by these names.
const (
	TableExpenses    = "expenses"
	TableSettlements = "settlements"
	TableFriendships = "friendships"
)

// TableForEntity maps an entity type to its table name.
func TableForEntity(entityType string) (string, error) {
	switch entityType {
	case EntityExpense:
		return TableExpenses, nil
	case EntitySettlement:
		return TableSettlements, nil
	case EntityFriendship:
		return TableFriendships, nil
	default:
		return "", ErrUnknownEntityType
	}
}

// VersionVector is embedded on every mutable ledger entity. Each successful
// write increments Version by exactly one and stamps LastModified and
// ModifiedBy.
type VersionVector struct {
	Version      int64     `json:"version"`
	LastModified time.Time `json:"lastModified"`
	ModifiedBy   string    `json:"modifiedBy"`
}

// Bump returns the vector that a successful write by actor at now produces.
func (v VersionVector) Bump(actor string, now time.Time) VersionVector {
	return VersionVector{
		Version:      v.Version + 1,
		LastModified: now.UTC(),
		ModifiedBy:   actor,
	}
}

// Participant is one user's share of an expense.
type Participant struct {
	UserID     string  `json:"userId"`
	PaidAmount float64 `json:"paidAmount"`
	OwedAmount float64 `json:"owedAmount"`
}

// Net returns paid minus owed in cents.
func (p Participant) Net() int64 {
	return ToCents(p.PaidAmount) - ToCents(p.OwedAmount)
}

// Expense is a shared cost split between participants.
type Expense struct {
	ID           string        `json:"id"`
	GroupID      string        `json:"groupId,omitempty"`
	Description  string        `json:"description"`
	Amount       float64       `json:"amount"`
	Currency     string        `json:"currency"`
	Category     string        `json:"category,omitempty"`
	Date         time.Time     `json:"date"`
	Notes        string        `json:"notes,omitempty"`
	PaidBy       string        `json:"paidBy"`
	Participants []Participant `json:"participants"`
	Deleted      bool          `json:"deleted"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	VersionVector
}

// Validate checks the fields the store relies on. Shares must add up to the
// expense amount on both the paid and owed side.
func (e *Expense) Validate() error {
	if e.Description == "" || e.PaidBy == "" || len(e.Participants) == 0 {
		return ErrInvalidData
	}
	if e.Amount <= 0 || math.IsNaN(e.Amount) || math.IsInf(e.Amount, 0) {
		return ErrInvalidData
	}
	var paid, owed int64
	seen := make(map[string]bool, len(e.Participants))
	for _, p := range e.Participants {
		if p.UserID == "" || seen[p.UserID] {
			return ErrInvalidData
		}
		if p.PaidAmount < 0 || p.OwedAmount < 0 {
			return ErrInvalidData
		}
		seen[p.UserID] = true
		paid += ToCents(p.PaidAmount)
		owed += ToCents(p.OwedAmount)
	}
	total := ToCents(e.Amount)
	if paid != total || owed != total {
		return ErrInvalidData
	}
	return nil
}

// UserIDs returns the payer and every participant, without duplicates.
func (e *Expense) UserIDs() []string {
	ids := []string{e.PaidBy}
	seen := map[string]bool{e.PaidBy: true}
	for _, p := range e.Participants {
		if !seen[p.UserID] {
			seen[p.UserID] = true
			ids = append(ids, p.UserID)
		}
	}
	return ids
}

// Settlement records a payment from one user to another.
type Settlement struct {
	ID         string    `json:"id"`
	GroupID    string    `json:"groupId,omitempty"`
	FromUserID string    `json:"fromUserId"`
	ToUserID   string    `json:"toUserId"`
	Amount     float64   `json:"amount"`
	Currency   string    `json:"currency"`
	Date       time.Time `json:"date"`
	Notes      string    `json:"notes,omitempty"`
	Deleted    bool      `json:"deleted"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	VersionVector
}

// Validate checks the fields the store relies on.
func (s *Settlement) Validate() error {
	if s.FromUserID == "" || s.ToUserID == "" || s.FromUserID == s.ToUserID {
		return ErrInvalidData
	}
	if s.Amount <= 0 || math.IsNaN(s.Amount) || math.IsInf(s.Amount, 0) {
		return ErrInvalidData
	}
	return nil
}

// UserIDs returns payer and receiver.
func (s *Settlement) UserIDs() []string {
	return []string{s.FromUserID, s.ToUserID}
}

// ToCents converts a currency amount to integer cents, rounding half away
// from zero.
func ToCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// FromCents converts integer cents back to a currency amount.
func FromCents(cents int64) float64 {
	return float64(cents) / 100
}
