// Package balance derives per-user balances from ledger state.
//
// Compute is a pure function of the expenses and settlements it is given:
// running it twice over the same ledger produces identical output, so a
// recalculation can be repeated after every write without drift. All
// arithmetic happens in integer cents.
package balance

import (
	"sort"

	"github.com/mesh-intelligence/splitsync/pkg/types"
)

// Compute returns the balances of userID. Friend balances are positive when
// the friend owes the user. Group balances are positive when the group owes
// the user. Deleted entries are ignored.
func Compute(userID string, expenses []*types.Expense, settlements []*types.Settlement) types.Balances {
	friends := map[string]int64{}
	groups := map[string]int64{}

	for _, e := range expenses {
		if e == nil || e.Deleted {
			continue
		}
		nets := netCents(e)
		mine, involved := nets[userID]
		if !involved {
			continue
		}
		for pair, cents := range allocate(nets) {
			switch userID {
			case pair.creditor:
				friends[pair.debtor] += cents
			case pair.debtor:
				friends[pair.creditor] -= cents
			}
		}
		if e.GroupID != "" {
			groups[e.GroupID] += mine
		}
	}

	for _, s := range settlements {
		if s == nil || s.Deleted {
			continue
		}
		cents := types.ToCents(s.Amount)
		switch userID {
		case s.FromUserID:
			friends[s.ToUserID] += cents
			if s.GroupID != "" {
				groups[s.GroupID] += cents
			}
		case s.ToUserID:
			friends[s.FromUserID] -= cents
			if s.GroupID != "" {
				groups[s.GroupID] -= cents
			}
		}
	}

	return types.Balances{
		UserID:  userID,
		Friends: entries(types.BalanceKindFriend, friends),
		Groups:  entries(types.BalanceKindGroup, groups),
	}
}

// netCents returns paid minus owed per participant. A payer missing from the
// participant list is credited with the whole amount.
func netCents(e *types.Expense) map[string]int64 {
	nets := make(map[string]int64, len(e.Participants)+1)
	var paid int64
	for _, p := range e.Participants {
		nets[p.UserID] += p.Net()
		paid += types.ToCents(p.PaidAmount)
	}
	if paid == 0 && e.PaidBy != "" {
		nets[e.PaidBy] += types.ToCents(e.Amount)
	}
	return nets
}

type debt struct {
	debtor   string
	creditor string
}

// allocate splits each debtor's shortfall across creditors in proportion to
// what each creditor is owed. Remainder cents go to the creditors with the
// largest fractional share, ties broken by user id.
func allocate(nets map[string]int64) map[debt]int64 {
	var creditors, debtors []string
	var credit int64
	for id, n := range nets {
		switch {
		case n > 0:
			creditors = append(creditors, id)
			credit += n
		case n < 0:
			debtors = append(debtors, id)
		}
	}
	sort.Strings(creditors)
	sort.Strings(debtors)

	out := make(map[debt]int64, len(creditors)*len(debtors))
	if credit == 0 {
		return out
	}
	for _, d := range debtors {
		owed := -nets[d]
		type share struct {
			creditor string
			rem      int64
		}
		shares := make([]share, 0, len(creditors))
		var given int64
		for _, c := range creditors {
			num := owed * nets[c]
			cents := num / credit
			out[debt{d, c}] = cents
			given += cents
			shares = append(shares, share{c, num % credit})
		}
		sort.SliceStable(shares, func(i, j int) bool {
			return shares[i].rem > shares[j].rem
		})
		for i := 0; given < owed && i < len(shares); i++ {
			out[debt{d, shares[i].creditor}]++
			given++
		}
	}
	return out
}

func entries(kind string, cents map[string]int64) []types.BalanceEntry {
	out := make([]types.BalanceEntry, 0, len(cents))
	for id, c := range cents {
		if c == 0 {
			continue
		}
		out = append(out, types.BalanceEntry{Kind: kind, CounterpartyID: id, Amount: types.FromCents(c)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CounterpartyID < out[j].CounterpartyID })
	return out
}
