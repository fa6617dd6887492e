package types

// Balance kinds.
const (
	BalanceKindFriend = "friend"
	BalanceKindGroup  = "group"
)

// BalanceTolerance is the largest divergence between a stored and a derived
// balance that is not reported as an inconsistency.
const BalanceTolerance = 0.01

// BalanceEntry is a signed balance between a user and a counterparty. For
// friends, a positive amount means the friend owes the user. For groups, a
// positive amount means the group owes the user.
type BalanceEntry struct {
	Kind           string  `json:"kind"`
	CounterpartyID string  `json:"counterpartyId"`
	Amount         float64 `json:"amount"`
}

// Balances is the derived balance state of one user. Friends and Groups are
// sorted by counterparty id.
type Balances struct {
	UserID  string         `json:"userId"`
	Friends []BalanceEntry `json:"friends"`
	Groups  []BalanceEntry `json:"groups"`
}

// Friend returns the balance toward friendID, or zero.
func (b Balances) Friend(friendID string) float64 {
	for _, e := range b.Friends {
		if e.CounterpartyID == friendID {
			return e.Amount
		}
	}
	return 0
}

// Group returns the balance toward groupID, or zero.
func (b Balances) Group(groupID string) float64 {
	for _, e := range b.Groups {
		if e.CounterpartyID == groupID {
			return e.Amount
		}
	}
	return 0
}

// Entries returns friend and group entries in one slice.
func (b Balances) Entries() []BalanceEntry {
	out := make([]BalanceEntry, 0, len(b.Friends)+len(b.Groups))
	out = append(out, b.Friends...)
	return append(out, b.Groups...)
}

// BalanceInconsistency reports a stored balance that diverges from the
// balance derived from the ledger.
type BalanceInconsistency struct {
	UserID         string  `json:"userId"`
	Kind           string  `json:"kind"`
	CounterpartyID string  `json:"counterpartyId"`
	Stored         float64 `json:"stored"`
	Derived        float64 `json:"derived"`
}
