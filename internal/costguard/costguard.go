// Package costguard throttles spend on the paid inference API with three
// layered rolling counters: global daily, global hourly and per-account
// daily. It is a soft spend guard, not a hard quota: check and record are
// separate calls, and a narrow overshoot race near the ceiling is accepted.
package costguard

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingsync/internal/clock"
	"github.com/smallbiznis/billingsync/internal/config"
	obsmetrics "github.com/smallbiznis/billingsync/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	LayerDaily        = "daily"
	LayerHourly       = "hourly"
	LayerAccountDaily = "account_daily"

	keyDaily        = "cost:daily:%s"
	keyHourly       = "cost:hourly:%s"
	keyAccountDaily = "cost:account:%s:%s"

	dailyTTL  = 24 * time.Hour
	hourlyTTL = time.Hour
)

// CounterStore is the atomic counter backend. Counters that were never
// written read as zero.
type CounterStore interface {
	// IncrByFloat atomically adds amount to key and (re)sets its expiry.
	IncrByFloat(ctx context.Context, key string, amount float64, ttl time.Duration) (float64, error)
	// Get returns the current value of key, zero if absent.
	Get(ctx context.Context, key string) (float64, error)
}

// Decision reports the outcome of a budget check.
type Decision struct {
	Allowed     bool
	Layer       string
	CurrentCost float64
	Limit       float64
}

type Params struct {
	fx.In

	Store   CounterStore
	Holder  *config.CostGuardHolder
	Clock   clock.Clock
	Log     *zap.Logger
	Metrics *obsmetrics.Metrics `optional:"true"`
}

// Breaker gates access to the paid inference call.
type Breaker struct {
	store   CounterStore
	holder  *config.CostGuardHolder
	clock   clock.Clock
	log     *zap.Logger
	metrics *obsmetrics.Metrics
}

func NewBreaker(p Params) *Breaker {
	return &Breaker{
		store:   p.Store,
		holder:  p.Holder,
		clock:   p.Clock,
		log:     p.Log.Named("costguard"),
		metrics: p.Metrics,
	}
}

// CheckBudget reads the three counters in priority order and returns the
// first layer whose ceiling is reached. If the counter store is unreachable
// the breaker fails open: a short read outage must not block every caller.
func (b *Breaker) CheckBudget(ctx context.Context, accountID snowflake.ID) Decision {
	limits := b.holder.Get()
	now := b.clock.Now()

	layers := []struct {
		name  string
		key   string
		limit float64
	}{
		{LayerDaily, dailyKey(now), limits.DailyLimitUSD},
		{LayerHourly, hourlyKey(now), limits.HourlyLimitUSD},
		{LayerAccountDaily, accountDailyKey(accountID, now), limits.AccountDailyLimitUSD},
	}

	for _, layer := range layers {
		current, err := b.store.Get(ctx, layer.key)
		if err != nil {
			b.log.Warn("counter store unreachable, failing open",
				zap.String("layer", layer.name),
				zap.Error(err),
			)
			b.recordDecision(ctx, true, "")
			return Decision{Allowed: true}
		}
		if current >= layer.limit {
			b.log.Warn("cost budget exhausted",
				zap.String("layer", layer.name),
				zap.String("account_id", accountID.String()),
				zap.Float64("current_cost", current),
				zap.Float64("limit", layer.limit),
			)
			b.recordDecision(ctx, false, layer.name)
			return Decision{
				Allowed:     false,
				Layer:       layer.name,
				CurrentCost: current,
				Limit:       layer.limit,
			}
		}
	}

	b.recordDecision(ctx, true, "")
	return Decision{Allowed: true}
}

// RecordSpend adds amount to all three counters with an atomic increment and
// refreshes each counter's expiry so stale totals do not survive wall-clock
// rollover. Failures are logged and swallowed: a missed increment
// under-counts the budget but must never fail the action that already
// happened.
func (b *Breaker) RecordSpend(ctx context.Context, accountID snowflake.ID, amount float64) {
	if amount <= 0 {
		return
	}
	now := b.clock.Now()

	counters := []struct {
		key string
		ttl time.Duration
	}{
		{dailyKey(now), dailyTTL},
		{hourlyKey(now), hourlyTTL},
		{accountDailyKey(accountID, now), dailyTTL},
	}

	for _, counter := range counters {
		if _, err := b.store.IncrByFloat(ctx, counter.key, amount, counter.ttl); err != nil {
			b.log.Warn("failed to record spend",
				zap.String("key", counter.key),
				zap.Float64("amount", amount),
				zap.Error(err),
			)
		}
	}
}

func (b *Breaker) recordDecision(ctx context.Context, allowed bool, layer string) {
	if b.metrics == nil {
		return
	}
	b.metrics.RecordBreakerDecision(ctx, allowed, layer)
}

func dailyKey(t time.Time) string {
	return fmt.Sprintf(keyDaily, t.UTC().Format("2006-01-02"))
}

func hourlyKey(t time.Time) string {
	return fmt.Sprintf(keyHourly, t.UTC().Format("2006-01-02T15"))
}

func accountDailyKey(id snowflake.ID, t time.Time) string {
	return fmt.Sprintf(keyAccountDaily, id.String(), t.UTC().Format("2006-01-02"))
}
