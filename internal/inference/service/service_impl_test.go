package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	accountdomain "github.com/smallbiznis/billingsync/internal/account/domain"
	"github.com/smallbiznis/billingsync/internal/clock"
	"github.com/smallbiznis/billingsync/internal/config"
	"github.com/smallbiznis/billingsync/internal/costguard"
	"github.com/smallbiznis/billingsync/internal/inference/domain"
	subscriptiondomain "github.com/smallbiznis/billingsync/internal/subscription/domain"
	"github.com/smallbiznis/billingsync/internal/usagereport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type completionMock struct {
	mock.Mock
}

func (m *completionMock) Complete(ctx context.Context, model, prompt string) (domain.CompletionResult, error) {
	args := m.Called(ctx, model, prompt)
	return args.Get(0).(domain.CompletionResult), args.Error(1)
}

type meteringMock struct {
	mock.Mock
}

func (m *meteringMock) ReportUsage(ctx context.Context, subscriptionItemID string, quantity int) error {
	args := m.Called(ctx, subscriptionItemID, quantity)
	return args.Error(0)
}

type memoryStore struct {
	counters map[string]float64
}

func (s *memoryStore) IncrByFloat(_ context.Context, key string, amount float64, _ time.Duration) (float64, error) {
	s.counters[key] += amount
	return s.counters[key], nil
}

func (s *memoryStore) Get(_ context.Context, key string) (float64, error) {
	return s.counters[key], nil
}

type fixture struct {
	db         *gorm.DB
	node       *snowflake.Node
	store      *memoryStore
	completion *completionMock
	metering   *meteringMock
	svc        domain.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&accountdomain.Account{},
		&subscriptiondomain.Subscription{},
		&domain.InferenceCall{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))
	store := &memoryStore{counters: map[string]float64{}}
	breaker := costguard.NewBreaker(costguard.Params{
		Store: store,
		Holder: config.NewStaticCostGuardHolder(config.CostGuardConfig{
			DailyLimitUSD:        50,
			HourlyLimitUSD:       5,
			AccountDailyLimitUSD: 1,
		}),
		Clock: clk,
		Log:   zap.NewNop(),
	})

	metering := new(meteringMock)
	reporter := usagereport.NewService(usagereport.Params{
		DB:       db,
		Log:      zap.NewNop(),
		Metering: metering,
		Clock:    clk,
	})

	completion := new(completionMock)
	svc := NewService(ServiceParam{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Breaker:    breaker,
		Reporter:   reporter,
		Completion: completion,
	})

	return &fixture{
		db:         db,
		node:       node,
		store:      store,
		completion: completion,
		metering:   metering,
		svc:        svc,
	}
}

func (f *fixture) seedAccount(t *testing.T, tier subscriptiondomain.Tier) accountdomain.Account {
	t.Helper()
	account := accountdomain.Account{
		ID:    f.node.Generate(),
		Email: fmt.Sprintf("%s@example.com", strings.ReplaceAll(t.Name(), "/", ".")),
		Tier:  tier,
	}
	require.NoError(t, f.db.Create(&account).Error)
	return account
}

func (f *fixture) seedMeteredSubscription(t *testing.T, accountID snowflake.ID) {
	t.Helper()
	sub := subscriptiondomain.Subscription{
		ID:                 f.node.Generate(),
		AccountID:          accountID,
		LemonSqueezyID:     "ls_sub_1",
		SubscriptionItemID: "item_1",
		Tier:               subscriptiondomain.TierPayPerUse,
		Status:             subscriptiondomain.StatusActive,
	}
	require.NoError(t, f.db.Create(&sub).Error)
}

func TestExecute_BillsAndReports(t *testing.T) {
	f := newFixture(t)
	account := f.seedAccount(t, subscriptiondomain.TierPayPerUse)
	f.seedMeteredSubscription(t, account.ID)

	f.completion.On("Complete", mock.Anything, "small-1", "hello").
		Return(domain.CompletionResult{Output: "hi", Cost: 0.02}, nil)
	f.metering.On("ReportUsage", mock.Anything, "item_1", 1).Return(nil)

	execution, err := f.svc.Execute(context.Background(), account.ID, "small-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hi", execution.Output)
	assert.InDelta(t, 0.02, execution.Cost, 1e-9)

	var call domain.InferenceCall
	require.NoError(t, f.db.Where("id = ?", execution.CallID).First(&call).Error)
	assert.Equal(t, account.ID, call.AccountID)
	assert.True(t, call.UsageReported)

	assert.InDelta(t, 0.02, f.store.counters["cost:daily:2026-03-14"], 1e-9)
	f.metering.AssertNumberOfCalls(t, "ReportUsage", 1)
}

func TestExecute_AccountNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Execute(context.Background(), f.node.Generate(), "small-1", "hello")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	f.completion.AssertNotCalled(t, "Complete")
}

func TestExecute_BudgetExhausted(t *testing.T) {
	f := newFixture(t)
	account := f.seedAccount(t, subscriptiondomain.TierPayPerUse)
	f.store.counters["cost:daily:2026-03-14"] = 55

	_, err := f.svc.Execute(context.Background(), account.ID, "small-1", "hello")
	require.ErrorIs(t, err, domain.ErrBudgetExhausted)

	// No completion, no call row, no spend.
	f.completion.AssertNotCalled(t, "Complete")
	var count int64
	require.NoError(t, f.db.Model(&domain.InferenceCall{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestExecute_CompletionFailure(t *testing.T) {
	f := newFixture(t)
	account := f.seedAccount(t, subscriptiondomain.TierPayPerUse)

	f.completion.On("Complete", mock.Anything, "small-1", "hello").
		Return(domain.CompletionResult{}, errors.New("backend timeout"))

	_, err := f.svc.Execute(context.Background(), account.ID, "small-1", "hello")
	require.ErrorIs(t, err, domain.ErrCompletionFailed)

	var count int64
	require.NoError(t, f.db.Model(&domain.InferenceCall{}).Count(&count).Error)
	assert.Zero(t, count)
	assert.Empty(t, f.store.counters)
}

func TestExecute_ReportFailureDoesNotFailCall(t *testing.T) {
	f := newFixture(t)
	account := f.seedAccount(t, subscriptiondomain.TierPayPerUse)
	f.seedMeteredSubscription(t, account.ID)

	f.completion.On("Complete", mock.Anything, "small-1", "hello").
		Return(domain.CompletionResult{Output: "hi", Cost: 0.02}, nil)
	f.metering.On("ReportUsage", mock.Anything, "item_1", 1).Return(errors.New("provider 500"))

	execution, err := f.svc.Execute(context.Background(), account.ID, "small-1", "hello")
	require.NoError(t, err)

	// The call stands, the usage row stays unreported for the sweep.
	var call domain.InferenceCall
	require.NoError(t, f.db.Where("id = ?", execution.CallID).First(&call).Error)
	assert.False(t, call.UsageReported)
}

func TestExecute_ZeroCostNotRecorded(t *testing.T) {
	f := newFixture(t)
	account := f.seedAccount(t, subscriptiondomain.TierTrial)

	f.completion.On("Complete", mock.Anything, "small-1", "hello").
		Return(domain.CompletionResult{Output: "hi", Cost: 0}, nil)

	_, err := f.svc.Execute(context.Background(), account.ID, "small-1", "hello")
	require.NoError(t, err)
	assert.Empty(t, f.store.counters)
}
