// Package reconcile detects drift between local subscription state and
// LemonSqueezy. It is read-only against both systems; every finding is a
// typed issue for operator remediation, never an automatic repair.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	accountdomain "github.com/smallbiznis/billingsync/internal/account/domain"
	"github.com/smallbiznis/billingsync/internal/clock"
	inferencedomain "github.com/smallbiznis/billingsync/internal/inference/domain"
	"github.com/smallbiznis/billingsync/internal/lemonsqueezy"
	obsmetrics "github.com/smallbiznis/billingsync/internal/observability/metrics"
	"github.com/smallbiznis/billingsync/internal/providers/slack"
	subscriptiondomain "github.com/smallbiznis/billingsync/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// renewalTolerance absorbs timezone skew between the two systems; only
	// drift beyond a calendar day is real.
	renewalTolerance = 24 * time.Hour
	// usageTolerancePercent is the relative usage-count difference below
	// which billing noise is ignored.
	usageTolerancePercent = 5.0
	// usagePeriod is the billing window compared on each run.
	usagePeriod = 30 * 24 * time.Hour
)

// ProviderClient is the read-only LemonSqueezy query surface the engine uses.
type ProviderClient interface {
	GetSubscription(ctx context.Context, id string) (*lemonsqueezy.Subscription, error)
	ListSubscriptions(ctx context.Context) ([]lemonsqueezy.Subscription, error)
	ListUsageRecords(ctx context.Context, subscriptionItemID string) ([]lemonsqueezy.UsageRecord, error)
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	Provider ProviderClient
	Alerts   slack.Provider
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Engine struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	provider ProviderClient
	alerts   slack.Provider
	metrics  *obsmetrics.Metrics
}

func NewEngine(p Params) *Engine {
	return &Engine{
		db:       p.DB,
		log:      p.Log.Named("reconcile"),
		clock:    p.Clock,
		provider: p.Provider,
		alerts:   p.Alerts,
		metrics:  p.Metrics,
	}
}

// Run executes all checks and raises an operator alert when anything is
// flagged. Individual check failures are recorded on the report and do not
// abort the remaining checks.
func (e *Engine) Run(ctx context.Context) (Report, error) {
	report := Report{
		StartedAt: e.clock.Now(),
		Counts:    map[IssueType]int{},
	}

	var subs []subscriptiondomain.Subscription
	if err := e.db.WithContext(ctx).Find(&subs).Error; err != nil {
		return report, fmt.Errorf("load local subscriptions: %w", err)
	}

	checks := []struct {
		name string
		run  func(context.Context, []subscriptiondomain.Subscription) ([]Issue, error)
	}{
		{"provider_state", e.checkProviderState},
		{"tier_mirror", e.checkTierMirror},
		{"usage_drift", e.checkUsageDrift},
		{"orphans", e.checkOrphans},
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, check := range checks {
		wg.Add(1)
		go func(name string, run func(context.Context, []subscriptiondomain.Subscription) ([]Issue, error)) {
			defer wg.Done()
			issues, err := run(ctx, subs)
			mu.Lock()
			defer mu.Unlock()
			report.Issues = append(report.Issues, issues...)
			if err != nil {
				report.CheckErrs = append(report.CheckErrs, fmt.Sprintf("%s: %v", name, err))
				e.log.Error("reconciliation check failed", zap.String("check", name), zap.Error(err))
			}
		}(check.name, check.run)
	}
	wg.Wait()

	sort.Slice(report.Issues, func(i, j int) bool {
		if report.Issues[i].Type != report.Issues[j].Type {
			return report.Issues[i].Type < report.Issues[j].Type
		}
		return report.Issues[i].SubscriptionID < report.Issues[j].SubscriptionID
	})
	for _, issue := range report.Issues {
		report.Counts[issue.Type]++
	}
	report.FinishedAt = e.clock.Now()

	if e.metrics != nil {
		for issueType, count := range report.Counts {
			e.metrics.RecordReconcileIssues(ctx, string(issueType), count)
		}
	}

	if report.HasIssues() {
		e.alert(ctx, report)
	} else {
		e.log.Info("reconciliation clean",
			zap.Int("subscriptions", len(subs)),
			zap.Duration("took", report.FinishedAt.Sub(report.StartedAt)),
		)
	}
	return report, nil
}

// checkProviderState compares each local subscription against the provider's
// record: status, existence and renewal date.
func (e *Engine) checkProviderState(ctx context.Context, subs []subscriptiondomain.Subscription) ([]Issue, error) {
	var issues []Issue
	for _, sub := range subs {
		if sub.LemonSqueezyID == "" {
			continue
		}

		remote, err := e.provider.GetSubscription(ctx, sub.LemonSqueezyID)
		if err != nil {
			if errors.Is(err, lemonsqueezy.ErrNotFound) {
				issues = append(issues, Issue{
					Type:           IssueMissingInProvider,
					SubscriptionID: sub.LemonSqueezyID,
					AccountID:      sub.AccountID.String(),
					DBValue:        string(sub.Status),
				})
				continue
			}
			return issues, err
		}

		if string(sub.Status) != remote.Attributes.Status {
			issues = append(issues, Issue{
				Type:              IssueStatusMismatch,
				SubscriptionID:    sub.LemonSqueezyID,
				AccountID:         sub.AccountID.String(),
				DBValue:           string(sub.Status),
				LemonSqueezyValue: remote.Attributes.Status,
			})
		}

		if sub.RenewsAt != nil && remote.Attributes.RenewsAt != nil {
			drift := sub.RenewsAt.Sub(*remote.Attributes.RenewsAt)
			if drift < 0 {
				drift = -drift
			}
			if drift > renewalTolerance {
				issues = append(issues, Issue{
					Type:              IssueRenewalDateMismatch,
					SubscriptionID:    sub.LemonSqueezyID,
					AccountID:         sub.AccountID.String(),
					DBValue:           sub.RenewsAt.UTC().Format(time.RFC3339),
					LemonSqueezyValue: remote.Attributes.RenewsAt.UTC().Format(time.RFC3339),
				})
			}
		}
	}
	return issues, nil
}

// checkTierMirror verifies the invariant that an account's tier equals its
// subscription's tier. The invariant is not enforced transactionally because
// tier changes originate from two writers, which is why this check exists.
func (e *Engine) checkTierMirror(ctx context.Context, subs []subscriptiondomain.Subscription) ([]Issue, error) {
	var issues []Issue
	for _, sub := range subs {
		var account accountdomain.Account
		err := e.db.WithContext(ctx).Where("id = ?", sub.AccountID).First(&account).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return issues, err
		}
		if account.Tier != sub.Tier {
			issues = append(issues, Issue{
				Type:           IssueTierMismatch,
				SubscriptionID: sub.LemonSqueezyID,
				AccountID:      sub.AccountID.String(),
				DBValue:        string(account.Tier),
				// The subscription side of the mirror.
				LemonSqueezyValue: string(sub.Tier),
			})
		}
	}
	return issues, nil
}

// checkUsageDrift compares local billable-action counts against the
// provider's usage records for the current billing window.
func (e *Engine) checkUsageDrift(ctx context.Context, subs []subscriptiondomain.Subscription) ([]Issue, error) {
	periodStart := e.clock.Now().Add(-usagePeriod)

	var issues []Issue
	for _, sub := range subs {
		if !sub.IsMetered() || sub.SubscriptionItemID == "" {
			continue
		}

		var dbCount int64
		err := e.db.WithContext(ctx).
			Model(&inferencedomain.InferenceCall{}).
			Where("account_id = ? AND created_at >= ?", sub.AccountID, periodStart).
			Count(&dbCount).Error
		if err != nil {
			return issues, err
		}

		records, err := e.provider.ListUsageRecords(ctx, sub.SubscriptionItemID)
		if err != nil {
			return issues, err
		}
		var providerCount int64
		for _, record := range records {
			if record.Attributes.CreatedAt.Before(periodStart) {
				continue
			}
			providerCount += int64(record.Attributes.Quantity)
		}

		if dbCount == 0 && providerCount == 0 {
			continue
		}

		var relative float64
		if dbCount == 0 {
			relative = -100
		} else {
			relative = float64(dbCount-providerCount) / float64(dbCount) * 100
		}
		if math.Abs(relative) > usageTolerancePercent {
			issues = append(issues, Issue{
				Type:              IssueUsageMismatch,
				SubscriptionID:    sub.LemonSqueezyID,
				AccountID:         sub.AccountID.String(),
				DBValue:           fmt.Sprintf("%d", dbCount),
				LemonSqueezyValue: fmt.Sprintf("%d", providerCount),
				Difference:        relative,
			})
		}
	}
	return issues, nil
}

// checkOrphans flags provider subscriptions that are active but unknown
// locally. Cancelled provider subscriptions with no local row are expected
// leftovers and never flagged.
func (e *Engine) checkOrphans(ctx context.Context, subs []subscriptiondomain.Subscription) ([]Issue, error) {
	remote, err := e.provider.ListSubscriptions(ctx)
	if err != nil {
		return nil, err
	}

	known := make(map[string]struct{}, len(subs))
	for _, sub := range subs {
		known[sub.LemonSqueezyID] = struct{}{}
	}

	var issues []Issue
	for _, r := range remote {
		if r.Attributes.Status != string(subscriptiondomain.StatusActive) {
			continue
		}
		if _, ok := known[r.ID]; ok {
			continue
		}
		issues = append(issues, Issue{
			Type:              IssueOrphanSubscription,
			SubscriptionID:    r.ID,
			LemonSqueezyValue: r.Attributes.Status,
		})
	}
	return issues, nil
}

func (e *Engine) alert(ctx context.Context, report Report) {
	var parts []string
	for issueType, count := range report.Counts {
		parts = append(parts, fmt.Sprintf("%s=%d", issueType, count))
	}
	sort.Strings(parts)
	message := fmt.Sprintf("billing reconciliation found %d issue(s): %s",
		len(report.Issues), strings.Join(parts, ", "))

	e.log.Error("reconciliation found drift",
		zap.Int("issues", len(report.Issues)),
		zap.Any("counts", report.Counts),
	)
	if err := e.alerts.PostMessage(ctx, message); err != nil {
		e.log.Warn("failed to post reconciliation alert", zap.Error(err))
	}
}

// Module wires the reconciliation engine.
var Module = fx.Module("reconcile",
	fx.Provide(func(client *lemonsqueezy.Client) ProviderClient { return client }),
	fx.Provide(NewEngine),
)
