package costguard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingsync/internal/clock"
	"github.com/smallbiznis/billingsync/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memoryStore is an in-process CounterStore for breaker tests.
type memoryStore struct {
	counters map[string]float64
	failGet  bool
	failIncr bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{counters: map[string]float64{}}
}

func (s *memoryStore) IncrByFloat(_ context.Context, key string, amount float64, _ time.Duration) (float64, error) {
	if s.failIncr {
		return 0, errors.New("store down")
	}
	s.counters[key] += amount
	return s.counters[key], nil
}

func (s *memoryStore) Get(_ context.Context, key string) (float64, error) {
	if s.failGet {
		return 0, errors.New("store down")
	}
	return s.counters[key], nil
}

func newTestBreaker(t *testing.T, store CounterStore, limits config.CostGuardConfig, clk clock.Clock) *Breaker {
	t.Helper()
	return NewBreaker(Params{
		Store:  store,
		Holder: config.NewStaticCostGuardHolder(limits),
		Clock:  clk,
		Log:    zap.NewNop(),
	})
}

func testLimits() config.CostGuardConfig {
	return config.CostGuardConfig{
		DailyLimitUSD:        50,
		HourlyLimitUSD:       5,
		AccountDailyLimitUSD: 1,
	}
}

func TestCheckBudget_AllowsUnderAllCeilings(t *testing.T) {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))
	store := newMemoryStore()
	breaker := newTestBreaker(t, store, testLimits(), clk)

	decision := breaker.CheckBudget(context.Background(), node.Generate())
	assert.True(t, decision.Allowed)
	assert.Empty(t, decision.Layer)
}

func TestCheckBudget_DailyCeilingDenies(t *testing.T) {
	node, _ := snowflake.NewNode(1)
	accountID := node.Generate()
	clk := clock.NewFakeClock(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))
	store := newMemoryStore()
	store.counters["cost:daily:2026-03-14"] = 55

	breaker := newTestBreaker(t, store, testLimits(), clk)

	decision := breaker.CheckBudget(context.Background(), accountID)
	assert.False(t, decision.Allowed)
	assert.Equal(t, LayerDaily, decision.Layer)
	assert.Equal(t, 55.0, decision.CurrentCost)
	assert.Equal(t, 50.0, decision.Limit)
}

func TestCheckBudget_DeniesAtExactLimit(t *testing.T) {
	node, _ := snowflake.NewNode(1)
	clk := clock.NewFakeClock(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))
	store := newMemoryStore()
	store.counters["cost:hourly:2026-03-14T10"] = 5

	breaker := newTestBreaker(t, store, testLimits(), clk)

	decision := breaker.CheckBudget(context.Background(), node.Generate())
	assert.False(t, decision.Allowed)
	assert.Equal(t, LayerHourly, decision.Layer)
}

func TestCheckBudget_AccountCeilingDenies(t *testing.T) {
	node, _ := snowflake.NewNode(1)
	accountID := node.Generate()
	clk := clock.NewFakeClock(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))
	store := newMemoryStore()
	store.counters["cost:account:"+accountID.String()+":2026-03-14"] = 1.25

	breaker := newTestBreaker(t, store, testLimits(), clk)

	decision := breaker.CheckBudget(context.Background(), accountID)
	assert.False(t, decision.Allowed)
	assert.Equal(t, LayerAccountDaily, decision.Layer)

	// Another account is unaffected by the per-account counter.
	other := breaker.CheckBudget(context.Background(), node.Generate())
	assert.True(t, other.Allowed)
}

func TestCheckBudget_FailsOpenOnStoreError(t *testing.T) {
	node, _ := snowflake.NewNode(1)
	clk := clock.NewFakeClock(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))
	store := newMemoryStore()
	store.counters["cost:daily:2026-03-14"] = 999
	store.failGet = true

	breaker := newTestBreaker(t, store, testLimits(), clk)

	decision := breaker.CheckBudget(context.Background(), node.Generate())
	assert.True(t, decision.Allowed)
}

func TestRecordSpend_AccumulatesAcrossLayers(t *testing.T) {
	node, _ := snowflake.NewNode(1)
	accountID := node.Generate()
	clk := clock.NewFakeClock(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))
	store := newMemoryStore()
	breaker := newTestBreaker(t, store, testLimits(), clk)

	for i := 0; i < 4; i++ {
		breaker.RecordSpend(context.Background(), accountID, 0.25)
	}

	assert.InDelta(t, 1.0, store.counters["cost:daily:2026-03-14"], 1e-9)
	assert.InDelta(t, 1.0, store.counters["cost:hourly:2026-03-14T10"], 1e-9)
	assert.InDelta(t, 1.0, store.counters["cost:account:"+accountID.String()+":2026-03-14"], 1e-9)
}

func TestRecordSpend_IgnoresNonPositiveAmounts(t *testing.T) {
	node, _ := snowflake.NewNode(1)
	clk := clock.NewFakeClock(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))
	store := newMemoryStore()
	breaker := newTestBreaker(t, store, testLimits(), clk)

	breaker.RecordSpend(context.Background(), node.Generate(), 0)
	breaker.RecordSpend(context.Background(), node.Generate(), -1)
	assert.Empty(t, store.counters)
}

func TestRecordSpend_SwallowsStoreErrors(t *testing.T) {
	node, _ := snowflake.NewNode(1)
	clk := clock.NewFakeClock(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))
	store := newMemoryStore()
	store.failIncr = true
	breaker := newTestBreaker(t, store, testLimits(), clk)

	// Must not panic or surface the failure.
	breaker.RecordSpend(context.Background(), node.Generate(), 0.5)
}

func TestBreaker_WindowRollover(t *testing.T) {
	node, _ := snowflake.NewNode(1)
	accountID := node.Generate()
	clk := clock.NewFakeClock(time.Date(2026, 3, 14, 22, 30, 0, 0, time.UTC))
	store := newMemoryStore()
	breaker := newTestBreaker(t, store, testLimits(), clk)

	breaker.RecordSpend(context.Background(), accountID, 5)
	decision := breaker.CheckBudget(context.Background(), accountID)
	assert.False(t, decision.Allowed)
	assert.Equal(t, LayerHourly, decision.Layer)

	// The next hour reads a fresh hourly counter but the same daily one.
	clk.Advance(time.Hour)
	decision = breaker.CheckBudget(context.Background(), accountID)
	assert.False(t, decision.Allowed)
	assert.Equal(t, LayerAccountDaily, decision.Layer)

	// The next day starts every window from zero.
	clk.Advance(time.Hour)
	decision = breaker.CheckBudget(context.Background(), accountID)
	assert.True(t, decision.Allowed)
}
