// Package usagereport converts billable inference calls into metered-usage
// records with LemonSqueezy, exactly once per call.
package usagereport

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingsync/internal/clock"
	inferencedomain "github.com/smallbiznis/billingsync/internal/inference/domain"
	obsmetrics "github.com/smallbiznis/billingsync/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/billingsync/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrNothingToReport means the inference call row does not exist. Callers
// log and discard it; there is no usage to bill.
var ErrNothingToReport = errors.New("nothing_to_report")

// MeteringClient is the provider call that records one usage unit.
type MeteringClient interface {
	ReportUsage(ctx context.Context, subscriptionItemID string, quantity int) error
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Metering MeteringClient
	Clock    clock.Clock
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	metering MeteringClient
	clock    clock.Clock
	metrics  *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("usagereport"),
		metering: p.Metering,
		clock:    p.Clock,
		metrics:  p.Metrics,
	}
}

// Report sends exactly one metering call for the given inference call.
//
// The reported flag is claimed with a conditional update inside the same
// transaction as the provider call, so concurrent invocations serialize on
// the row: at most one observes usage_reported=false and talks to the
// provider. A provider failure rolls the claim back and leaves the row for
// the sweep to retry. Reporting never blocks or fails the action that
// generated the usage; every error here is best effort for the caller.
func (s *Service) Report(ctx context.Context, accountID, callID snowflake.ID) error {
	var call inferencedomain.InferenceCall
	err := s.db.WithContext(ctx).
		Where("id = ? AND account_id = ?", callID, accountID).
		First(&call).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNothingToReport
		}
		return err
	}

	if call.UsageReported {
		s.recordMetric(ctx, "already_reported")
		return nil
	}

	sub, err := s.activeSubscription(ctx, accountID)
	if err != nil {
		return err
	}
	if sub == nil || !sub.IsMetered() || sub.SubscriptionItemID == "" {
		// Flat-rate tier or no active subscription: nothing to meter.
		s.recordMetric(ctx, "not_metered")
		return nil
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&inferencedomain.InferenceCall{}).
			Where("id = ? AND usage_reported = ?", callID, false).
			Update("usage_reported", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// A concurrent invocation won the claim.
			return nil
		}

		if err := s.metering.ReportUsage(ctx, sub.SubscriptionItemID, 1); err != nil {
			s.log.Error("usage metering call failed",
				zap.String("account_id", accountID.String()),
				zap.String("call_id", callID.String()),
				zap.String("subscription_item_id", sub.SubscriptionItemID),
				zap.Error(err),
			)
			return err
		}
		return nil
	})
	if err != nil {
		s.recordMetric(ctx, "error")
		return err
	}

	s.recordMetric(ctx, "reported")
	return nil
}

// SweepUnreported retries reporting for calls whose metering call previously
// failed. Returns the number of calls successfully reported.
func (s *Service) SweepUnreported(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	cutoff := s.clock.Now().Add(-olderThan)

	var calls []inferencedomain.InferenceCall
	err := s.db.WithContext(ctx).
		Where("usage_reported = ? AND created_at < ?", false, cutoff).
		Order("created_at asc").
		Limit(limit).
		Find(&calls).Error
	if err != nil {
		return 0, err
	}

	reported := 0
	for _, call := range calls {
		if err := s.Report(ctx, call.AccountID, call.ID); err != nil {
			s.log.Warn("usage sweep report failed",
				zap.String("call_id", call.ID.String()),
				zap.Error(err),
			)
			continue
		}
		reported++
	}
	return reported, nil
}

func (s *Service) activeSubscription(ctx context.Context, accountID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("updated_at desc").
		First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (s *Service) recordMetric(ctx context.Context, result string) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordUsageReport(ctx, result)
}
