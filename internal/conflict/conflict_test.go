package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/splitsync/pkg/types"
)

func expenseFields(overrides map[string]any) map[string]any {
	m := map[string]any{
		"id":           "e1",
		"description":  "Dinner",
		"amount":       100.0,
		"category":     "food",
		"date":         "2025-03-01T19:00:00Z",
		"notes":        "",
		"participants": []any{map[string]any{"userId": "alice", "paidAmount": 100.0, "owedAmount": 50.0}},
		"version":      3.0,
		"lastModified": "2025-03-01T19:05:00Z",
		"modifiedBy":   "alice",
	}
	for k, v := range overrides {
		m[k] = v
	}
	return m
}

func TestEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b any
		want bool
	}{
		{"identical numbers", 10.0, 10.0, true},
		{"within tolerance", 10.0, 10.005, true},
		{"one cent apart", 10.0, 10.02, false},
		{"int and float", 3, 3.0, true},
		{"times within a second", "2025-03-01T19:00:00Z", "2025-03-01T19:00:00.900Z", true},
		{"times two seconds apart", "2025-03-01T19:00:00Z", "2025-03-01T19:00:02Z", false},
		{"plain strings", "a", "a", true},
		{"different strings", "a", "b", false},
		{"nil and nil", nil, nil, true},
		{"nil and value", nil, "x", false},
		{"arrays with tolerant leaves", []any{1.0, "x"}, []any{1.001, "x"}, true},
		{"arrays of different length", []any{1.0}, []any{1.0, 2.0}, false},
		{"nested objects", map[string]any{"a": 1.0}, map[string]any{"a": 1.004}, true},
		{"objects with different keys", map[string]any{"a": 1.0}, map[string]any{"b": 1.0}, false},
		{"number and string", 1.0, "1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Equal(tt.a, tt.b))
		})
	}
}

func TestDetect_IgnoresUncomparedFields(t *testing.T) {
	server := expenseFields(nil)
	client := expenseFields(map[string]any{"modifiedBy": "bob", "version": 2.0, "id": "other"})
	assert.Empty(t, Detect(types.EntityExpense, server, client))
}

func TestDetect_UnknownTypeComparesEveryField(t *testing.T) {
	conflicts := Detect("widget", map[string]any{"a": 1.0, "version": 2.0}, map[string]any{"a": 1.0, "version": 1.0})
	require.Len(t, conflicts, 1)
	assert.Equal(t, "version", conflicts[0].Field)
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name       string
		entityType string
		server     map[string]any
		client     map[string]any
		strategy   string
		userInput  bool
	}{
		{
			name:       "no conflicts",
			entityType: types.EntityExpense,
			server:     expenseFields(nil),
			client:     expenseFields(nil),
			strategy:   types.StrategyServerWins,
		},
		{
			name:       "metadata only",
			entityType: "widget",
			server:     map[string]any{"version": 3.0},
			client:     map[string]any{"version": 2.0},
			strategy:   types.StrategyServerWins,
		},
		{
			name:       "small amount difference",
			entityType: types.EntityExpense,
			server:     expenseFields(map[string]any{"amount": 100.0}),
			client:     expenseFields(map[string]any{"amount": 100.5}),
			strategy:   types.StrategyServerWins,
		},
		{
			name:       "large amount difference",
			entityType: types.EntityExpense,
			server:     expenseFields(map[string]any{"amount": 100.0}),
			client:     expenseFields(map[string]any{"amount": 120.0}),
			strategy:   types.StrategyManual,
			userInput:  true,
		},
		{
			name:       "description edit",
			entityType: types.EntityExpense,
			server:     expenseFields(map[string]any{"description": "Dinner"}),
			client:     expenseFields(map[string]any{"description": "Dinner at Luigi's"}),
			strategy:   types.StrategyMerge,
		},
		{
			name:       "description and notes",
			entityType: types.EntityExpense,
			server:     expenseFields(map[string]any{"description": "Dinner", "notes": "a"}),
			client:     expenseFields(map[string]any{"description": "Supper", "notes": "b"}),
			strategy:   types.StrategyMerge,
		},
		{
			name:       "description and category",
			entityType: types.EntityExpense,
			server:     expenseFields(map[string]any{"description": "Dinner", "category": "food"}),
			client:     expenseFields(map[string]any{"description": "Taxi", "category": "travel"}),
			strategy:   types.StrategyManual,
			userInput:  true,
		},
		{
			name:       "settlement receiver changed",
			entityType: types.EntitySettlement,
			server:     map[string]any{"amount": 20.0, "fromUserId": "bob", "toUserId": "alice"},
			client:     map[string]any{"amount": 20.0, "fromUserId": "bob", "toUserId": "carol"},
			strategy:   types.StrategyManual,
			userInput:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Resolve(tt.entityType, "e1", tt.server, tt.client)
			assert.Equal(t, tt.strategy, res.Strategy)
			assert.Equal(t, tt.userInput, res.RequiresUserInput)
			if tt.userInput {
				assert.Nil(t, res.Resolved)
			} else {
				assert.Equal(t, tt.server, res.Resolved, "server values are kept")
			}
		})
	}
}

func TestResolve_SmallAmountKeepsServerAmount(t *testing.T) {
	server := expenseFields(map[string]any{"amount": 100.0})
	client := expenseFields(map[string]any{"amount": 100.99})

	res := Resolve(types.EntityExpense, "e1", server, client)
	assert.Equal(t, types.StrategyServerWins, res.Strategy)
	assert.Equal(t, 100.0, res.Resolved["amount"])

	records, err := res.Records("alice", server, time.Now())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestResolve_MergeKeepsDiscardedClientText(t *testing.T) {
	server := expenseFields(map[string]any{"description": "Dinner"})
	client := expenseFields(map[string]any{"description": "Dinner at Luigi's"})
	now := time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC)

	res := Resolve(types.EntityExpense, "e1", server, client)
	require.Equal(t, types.StrategyMerge, res.Strategy)
	assert.Equal(t, "Dinner", res.Resolved["description"])
	assert.Equal(t, map[string]any{"description": "Dinner at Luigi's"}, res.Discarded)

	records, err := res.Records("bob", server, now)
	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "description", rec.Field)
	assert.False(t, rec.RequiresUserInput)
	assert.Equal(t, types.StrategyMerge, rec.Resolution)
	require.NotNil(t, rec.ResolvedAt)
	assert.JSONEq(t, `"Dinner at Luigi's"`, string(rec.ClientValue))
	assert.Equal(t, "bob", rec.UserID)
	assert.True(t, rec.LastModified.Equal(time.Date(2025, 3, 1, 19, 5, 0, 0, time.UTC)))
}

func TestResolution_RecordsAreStable(t *testing.T) {
	server := expenseFields(map[string]any{"amount": 100.0})
	client := expenseFields(map[string]any{"amount": 150.0})
	res := Resolve(types.EntityExpense, "e1", server, client)

	first, err := res.Records("alice", server, time.Now())
	require.NoError(t, err)
	second, err := res.Records("alice", server, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.True(t, first[0].RequiresUserInput)
	assert.Nil(t, first[0].ResolvedAt)
	assert.Equal(t, types.ConflictID(types.EntityExpense, "e1", "amount", 3), first[0].ID)
}

func TestApplyChoices(t *testing.T) {
	server := map[string]any{"description": "Dinner", "amount": 100.0, "notes": "paid cash"}
	client := map[string]any{"description": "Supper", "amount": 120.0, "notes": "tip included"}

	got := ApplyChoices(server, client, map[string]string{
		"description": types.ChoiceMerge,
		"amount":      types.ChoiceClient,
		"notes":       types.ChoiceServer,
	})
	assert.Equal(t, "Dinner | Supper", got["description"])
	assert.Equal(t, 120.0, got["amount"])
	assert.Equal(t, "paid cash", got["notes"])

	merged := ApplyChoices(server, client, map[string]string{"amount": types.ChoiceMerge})
	assert.Equal(t, 100.0, merged["amount"], "non-text merge keeps the server value")

	assert.Equal(t, "Dinner", server["description"], "inputs are not modified")
}

func TestChoiceFor(t *testing.T) {
	c, err := ChoiceFor(types.StrategyClientWins)
	require.NoError(t, err)
	assert.Equal(t, types.ChoiceClient, c)

	_, err = ChoiceFor(types.StrategyManual)
	assert.ErrorIs(t, err, types.ErrInvalidResolution)
}

func TestToMapRoundTrip(t *testing.T) {
	e := types.Expense{ID: "e1", Description: "Taxi", Amount: 12.5}
	m, err := ToMap(e)
	require.NoError(t, err)
	assert.Equal(t, 12.5, m["amount"])

	back, err := FromMap[types.Expense](m)
	require.NoError(t, err)
	assert.Equal(t, "Taxi", back.Description)
}
