package costs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clay-good/proxilion-grc-sub001/pkg/contracts"
	"github.com/clay-good/proxilion-grc-sub001/pkg/faults"
	"github.com/clay-good/proxilion-grc-sub001/pkg/tenants"
)

func testPricing() *PricingTable {
	return NewPricingTable(map[string]map[string]Price{
		"openai": {
			"gpt-4o": {InputPerMillion: 2.5, OutputPerMillion: 10},
		},
	})
}

func costRequest() *contracts.Request {
	return &contracts.Request{
		CorrelationID: contracts.NewCorrelationID(),
		TenantID:      "acme",
		UserID:        "u-1",
		Provider:      "openai",
		Model:         "gpt-4o",
	}
}

func TestComputeKnownPricing(t *testing.T) {
	b := testPricing().Compute("openai", "gpt-4o", contracts.TokenUsage{InputTokens: 1_000_000, OutputTokens: 500_000})
	assert.True(t, b.Known)
	assert.InDelta(t, 2.5, b.InputCost, 1e-9)
	assert.InDelta(t, 5.0, b.OutputCost, 1e-9)
	assert.InDelta(t, 7.5, b.TotalCost, 1e-9)
}

func TestComputeUnknownPricingIsZero(t *testing.T) {
	b := testPricing().Compute("mystery", "model-x", contracts.TokenUsage{InputTokens: 1000, OutputTokens: 1000})
	assert.False(t, b.Known)
	assert.Zero(t, b.TotalCost)
}

func TestTrackerPrice(t *testing.T) {
	tr := NewTracker(testPricing(), NewMemoryStore())

	in, out, ok := tr.Price("openai", "gpt-4o")
	require.True(t, ok)
	assert.InDelta(t, 2.5, in, 1e-9)
	assert.InDelta(t, 10.0, out, 1e-9)

	_, _, ok = tr.Price("openai", "gpt-99")
	assert.False(t, ok)
}

func TestTrackerRecord(t *testing.T) {
	store := NewMemoryStore()
	tr := NewTracker(testPricing(), store)
	ctx := context.Background()

	resp := &contracts.Response{
		Provider: "openai", Model: "gpt-4o",
		Usage: contracts.TokenUsage{InputTokens: 200_000, OutputTokens: 100_000},
	}
	entry, err := tr.Record(ctx, costRequest(), resp)
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
	assert.InDelta(t, 0.5, entry.InputCost, 1e-9)  // 0.2M * 2.5
	assert.InDelta(t, 1.0, entry.OutputCost, 1e-9) // 0.1M * 10
	assert.InDelta(t, 1.5, entry.TotalCost, 1e-9)
	assert.False(t, entry.Cached)

	total, err := store.Total(ctx, ScopeTenant, "acme", time.Time{})
	require.NoError(t, err)
	assert.InDelta(t, 1.5, total, 1e-9)
}

func TestTrackerRecordCachedIsFree(t *testing.T) {
	tr := NewTracker(testPricing(), NewMemoryStore())

	resp := &contracts.Response{
		Provider: "openai", Model: "gpt-4o", Cached: true,
		Usage: contracts.TokenUsage{InputTokens: 1_000_000, OutputTokens: 1_000_000},
	}
	entry, err := tr.Record(context.Background(), costRequest(), resp)
	require.NoError(t, err)
	assert.True(t, entry.Cached)
	assert.Zero(t, entry.TotalCost)
	assert.Zero(t, entry.InputTokens)
}

func TestCheckBudgetScopes(t *testing.T) {
	store := NewMemoryStore()
	tr := NewTracker(testPricing(), store)
	ctx := context.Background()

	tr.SetLimits([]BudgetLimit{
		{Scope: ScopeTenant, ScopeID: "acme", Period: tenants.PeriodMonth, Limit: 10},
		{Scope: ScopeUser, ScopeID: "u-1", Period: tenants.PeriodDay, Limit: 2},
		{Scope: ScopeTenant, ScopeID: "other", Period: tenants.PeriodMonth, Limit: 1},
		{Scope: ScopeGlobal, Period: tenants.PeriodMonth, Limit: 100},
	})

	resp := &contracts.Response{
		Provider: "openai", Model: "gpt-4o",
		Usage: contracts.TokenUsage{InputTokens: 400_000, OutputTokens: 200_000}, // 1 + 2 = 3
	}
	_, err := tr.Record(ctx, costRequest(), resp)
	require.NoError(t, err)

	statuses, err := tr.CheckBudget(ctx, "u-1", "acme")
	require.NoError(t, err)
	require.Len(t, statuses, 3, "the limit for tenant 'other' does not apply")

	byScope := map[Scope]BudgetStatus{}
	for _, s := range statuses {
		byScope[s.Scope] = s
	}
	assert.InDelta(t, 3.0, byScope[ScopeTenant].Current, 1e-9)
	assert.False(t, byScope[ScopeTenant].Exceeded)
	assert.True(t, byScope[ScopeUser].Exceeded, "user spent 3 against a limit of 2")
	assert.InDelta(t, 3.0, byScope[ScopeGlobal].Pct, 1e-9)
}

func TestEnforceBudgetBlocksWhenExceeded(t *testing.T) {
	tr := NewTracker(testPricing(), NewMemoryStore())
	ctx := context.Background()
	tr.SetLimits([]BudgetLimit{
		{Scope: ScopeTenant, ScopeID: "acme", Period: tenants.PeriodHour, Limit: 1},
	})

	require.NoError(t, tr.EnforceBudget(ctx, "u-1", "acme"))

	resp := &contracts.Response{
		Provider: "openai", Model: "gpt-4o",
		Usage: contracts.TokenUsage{InputTokens: 400_000, OutputTokens: 0}, // cost 1.0
	}
	_, err := tr.Record(ctx, costRequest(), resp)
	require.NoError(t, err)

	err = tr.EnforceBudget(ctx, "u-1", "acme")
	require.Error(t, err)
	assert.Equal(t, faults.BudgetExceeded, faults.CodeOf(err))
}

func TestBudgetAlertThreshold(t *testing.T) {
	tr := NewTracker(testPricing(), NewMemoryStore())
	ctx := context.Background()
	tr.SetLimits([]BudgetLimit{
		{Scope: ScopeTenant, ScopeID: "acme", Period: tenants.PeriodMonth, Limit: 2, AlertThresholdPct: 50},
	})
	var alerts []BudgetStatus
	tr.OnAlert = func(s BudgetStatus) { alerts = append(alerts, s) }

	resp := &contracts.Response{
		Provider: "openai", Model: "gpt-4o",
		Usage: contracts.TokenUsage{InputTokens: 400_000, OutputTokens: 0}, // cost 1.0, 50% of limit
	}
	_, err := tr.Record(ctx, costRequest(), resp)
	require.NoError(t, err)

	statuses, err := tr.CheckBudget(ctx, "", "acme")
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].AlertTriggered)
	assert.False(t, statuses[0].Exceeded)
	require.Len(t, alerts, 1)
}

func TestMemoryStoreEntriesNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	t0 := time.Now().UTC()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Append(ctx, CostEntry{
			ID: string(rune('a' + i)), TenantID: "acme",
			Timestamp: t0.Add(time.Duration(i) * time.Second), TotalCost: 1,
		}))
	}
	entries, err := store.Entries(ctx, "acme", t0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "c", entries[0].ID)
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store, err := OpenSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	entries := []CostEntry{
		{ID: "e1", Timestamp: now, Provider: "openai", Model: "gpt-4o",
			UserID: "u-1", TenantID: "acme", InputTokens: 100, OutputTokens: 50,
			InputCost: 0.1, OutputCost: 0.2, TotalCost: 0.3, RequestID: "r1"},
		{ID: "e2", Timestamp: now.Add(time.Second), Provider: "openai", Model: "gpt-4o",
			UserID: "u-2", TenantID: "acme", TotalCost: 0.7, RequestID: "r2", Cached: true},
		{ID: "e3", Timestamp: now, Provider: "openai", Model: "gpt-4o",
			UserID: "u-1", TenantID: "globex", TotalCost: 5, RequestID: "r3"},
	}
	for _, e := range entries {
		require.NoError(t, store.Append(ctx, e))
	}

	total, err := store.Total(ctx, ScopeTenant, "acme", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, total, 1e-9)

	total, err = store.Total(ctx, ScopeUser, "u-1", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.InDelta(t, 5.3, total, 1e-9)

	total, err = store.Total(ctx, ScopeGlobal, "", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.InDelta(t, 6.0, total, 1e-9)

	got, err := store.Entries(ctx, "acme", now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e2", got[0].ID, "newest first")
	assert.True(t, got[0].Cached)
	assert.Equal(t, 100, got[1].InputTokens)
}
