package types

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threeWaySplit() Expense {
	return Expense{
		Description: "Dinner",
		Amount:      100,
		Currency:    "USD",
		PaidBy:      "alice",
		Participants: []Participant{
			{UserID: "alice", PaidAmount: 100, OwedAmount: 33.33},
			{UserID: "bob", OwedAmount: 33.34},
			{UserID: "carol", OwedAmount: 33.33},
		},
	}
}

func TestExpenseValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(e *Expense)
		wantErr error
	}{
		{name: "valid three way split", mutate: func(e *Expense) {}},
		{name: "missing description", mutate: func(e *Expense) { e.Description = "" }, wantErr: ErrInvalidData},
		{name: "zero amount", mutate: func(e *Expense) { e.Amount = 0 }, wantErr: ErrInvalidData},
		{name: "owed shares do not add up", mutate: func(e *Expense) { e.Participants[1].OwedAmount = 30 }, wantErr: ErrInvalidData},
		{name: "paid shares do not add up", mutate: func(e *Expense) { e.Participants[0].PaidAmount = 90 }, wantErr: ErrInvalidData},
		{name: "duplicate participant", mutate: func(e *Expense) { e.Participants[2].UserID = "bob" }, wantErr: ErrInvalidData},
		{name: "negative share", mutate: func(e *Expense) { e.Participants[2].OwedAmount = -1 }, wantErr: ErrInvalidData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := threeWaySplit()
			tt.mutate(&e)
			err := e.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestExpenseUserIDs(t *testing.T) {
	e := threeWaySplit()
	assert.Equal(t, []string{"alice", "bob", "carol"}, e.UserIDs())
}

func TestSettlementValidate(t *testing.T) {
	s := Settlement{FromUserID: "bob", ToUserID: "alice", Amount: 33.34}
	require.NoError(t, s.Validate())

	s.ToUserID = "bob"
	assert.ErrorIs(t, s.Validate(), ErrInvalidData)
}

func TestCentsRoundTrip(t *testing.T) {
	assert.Equal(t, int64(3334), ToCents(33.34))
	assert.Equal(t, int64(3333), ToCents(33.329))
	assert.Equal(t, int64(-3334), ToCents(-33.34))
	assert.Equal(t, 33.33, FromCents(3333))
}

func TestVersionVectorBump(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	v := VersionVector{Version: 3}.Bump("bob", now)
	assert.Equal(t, int64(4), v.Version)
	assert.Equal(t, "bob", v.ModifiedBy)
	assert.True(t, v.LastModified.Equal(now))
}

func TestVersionConflictErrorUnwraps(t *testing.T) {
	var err error = &VersionConflictError{EntityType: EntityExpense, EntityID: "e1", ExpectedVersion: 3, CurrentVersion: 4}
	assert.ErrorIs(t, err, ErrVersionConflict)

	var vc *VersionConflictError
	require.True(t, errors.As(err, &vc))
	assert.Equal(t, int64(4), vc.CurrentVersion)
}
