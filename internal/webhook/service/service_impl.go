package service

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/billingsync/internal/account/domain"
	"github.com/smallbiznis/billingsync/internal/config"
	obsmetrics "github.com/smallbiznis/billingsync/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/billingsync/internal/subscription/domain"
	"github.com/smallbiznis/billingsync/internal/webhook/domain"
	"github.com/smallbiznis/billingsync/internal/webhook/signature"
	"github.com/smallbiznis/billingsync/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Cfg     config.Config
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	secret  string
	metrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("webhook.service"),
		genID:   p.GenID,
		secret:  p.Cfg.LemonSqueezy.WebhookSecret,
		metrics: p.Metrics,
	}
}

// ProcessEvent verifies, admits and applies one LemonSqueezy delivery.
//
// The admission row and every state write share a single transaction: either
// the event is marked processed together with its side effects, or nothing
// commits and the provider's retry redelivers. Two concurrent deliveries of
// the same event id race on the unique index; the loser's insert collides
// and is reported as a duplicate, not an error.
func (s *Service) ProcessEvent(ctx context.Context, payload []byte, sig string) (domain.Result, error) {
	if err := signature.Verify(payload, sig, s.secret); err != nil {
		return domain.Result{}, err
	}

	var envelope domain.Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return domain.Result{}, domain.ErrInvalidPayload
	}

	eventID := strings.TrimSpace(envelope.Meta.WebhookID)
	eventType := domain.EventType(strings.TrimSpace(envelope.Meta.EventName))
	if eventID == "" || eventType == "" {
		return domain.Result{}, domain.ErrInvalidPayload
	}

	result := domain.Result{EventName: eventType}

	processed, err := s.alreadyProcessed(ctx, eventID)
	if err != nil {
		return domain.Result{}, err
	}
	if processed {
		result.Duplicate = true
		s.recordMetric(ctx, eventType, "duplicate")
		return result, nil
	}

	if !eventType.Known() {
		// Admitted and acknowledged so the provider stops redelivering,
		// but no state changes.
		s.log.Warn("unhandled webhook event type",
			zap.String("event_id", eventID),
			zap.String("event_name", string(eventType)),
		)
		if err := s.admitOnly(ctx, eventID, eventType, payload); err != nil {
			if errors.Is(err, domain.ErrEventAlreadyProcessed) {
				result.Duplicate = true
				return result, nil
			}
			return domain.Result{}, err
		}
		s.recordMetric(ctx, eventType, "unhandled")
		return result, nil
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.insertAdmission(tx, eventID, eventType, payload); err != nil {
			return err
		}
		return s.applyTransition(tx, eventType, envelope)
	})
	if err != nil {
		if errors.Is(err, domain.ErrEventAlreadyProcessed) {
			result.Duplicate = true
			s.recordMetric(ctx, eventType, "duplicate")
			return result, nil
		}
		s.log.Error("webhook event processing failed",
			zap.String("event_id", eventID),
			zap.String("event_name", string(eventType)),
			zap.Error(err),
		)
		s.recordMetric(ctx, eventType, "error")
		return domain.Result{}, err
	}

	result.Handled = true
	s.recordMetric(ctx, eventType, "processed")
	s.log.Info("webhook event processed",
		zap.String("event_id", eventID),
		zap.String("event_name", string(eventType)),
	)
	return result, nil
}

func (s *Service) alreadyProcessed(ctx context.Context, eventID string) (bool, error) {
	var existing domain.WebhookEvent
	err := s.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		First(&existing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return existing.Processed, nil
}

func (s *Service) admitOnly(ctx context.Context, eventID string, eventType domain.EventType, payload []byte) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.insertAdmission(tx, eventID, eventType, payload)
	})
}

func (s *Service) insertAdmission(tx *gorm.DB, eventID string, eventType domain.EventType, payload []byte) error {
	row := domain.WebhookEvent{
		ID:        s.genID.Generate(),
		EventID:   eventID,
		EventName: string(eventType),
		Payload:   payload,
		Processed: true,
	}
	if err := tx.Create(&row).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return domain.ErrEventAlreadyProcessed
		}
		return err
	}
	return nil
}

func (s *Service) applyTransition(tx *gorm.DB, eventType domain.EventType, envelope domain.Envelope) error {
	switch eventType {
	case domain.EventSubscriptionCreated:
		return s.applyCreated(tx, envelope)
	case domain.EventSubscriptionPaymentSuccess, domain.EventSubscriptionPaymentRecovered:
		return s.applyPaymentRecovered(tx, envelope)
	case domain.EventSubscriptionPaymentFailed:
		return s.applyPaymentFailed(tx, envelope)
	case domain.EventSubscriptionExpired:
		return s.applyEnded(tx, envelope, subscriptiondomain.StatusExpired)
	case domain.EventSubscriptionCancelled:
		return s.applyEnded(tx, envelope, subscriptiondomain.StatusCancelled)
	default:
		return nil
	}
}

func (s *Service) applyCreated(tx *gorm.DB, envelope domain.Envelope) error {
	account, err := findAccount(tx, envelope.Meta.CustomData.UserID)
	if err != nil {
		return err
	}

	attrs := envelope.Data.Attributes
	granted := subscriptiondomain.GrantedTier(attrs.VariantName)

	var existing subscriptiondomain.Subscription
	err = tx.Where("lemon_squeezy_id = ?", envelope.Data.ID).First(&existing).Error
	switch {
	case err == nil:
		existing.AccountID = account.ID
		existing.Status = subscriptiondomain.StatusActive
		existing.Tier = granted
		applyAttributes(&existing, envelope)
		if err := tx.Save(&existing).Error; err != nil {
			return err
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		sub := subscriptiondomain.Subscription{
			ID:             s.genID.Generate(),
			AccountID:      account.ID,
			LemonSqueezyID: envelope.Data.ID,
			Status:         subscriptiondomain.StatusActive,
			Tier:           granted,
		}
		applyAttributes(&sub, envelope)
		if err := tx.Create(&sub).Error; err != nil {
			return err
		}
	default:
		return err
	}

	return setAccountTier(tx, account.ID, granted)
}

func (s *Service) applyPaymentRecovered(tx *gorm.DB, envelope domain.Envelope) error {
	sub, err := findSubscription(tx, envelope.Data.ID)
	if err != nil {
		return err
	}

	granted := subscriptiondomain.GrantedTier(envelope.Data.Attributes.VariantName)
	sub.Status = subscriptiondomain.StatusActive
	sub.Tier = granted
	applyAttributes(sub, envelope)
	if err := tx.Save(sub).Error; err != nil {
		return err
	}
	return setAccountTier(tx, sub.AccountID, granted)
}

func (s *Service) applyPaymentFailed(tx *gorm.DB, envelope domain.Envelope) error {
	sub, err := findSubscription(tx, envelope.Data.ID)
	if err != nil {
		return err
	}

	// Tier is revoked immediately on the first failed payment rather than
	// waiting for subscription_expired. Recorded product decision; a later
	// payment_recovered event restores the granted tier.
	sub.Status = subscriptiondomain.StatusPastDue
	sub.Tier = subscriptiondomain.TierTrial
	applyAttributes(sub, envelope)
	if err := tx.Save(sub).Error; err != nil {
		return err
	}
	return setAccountTier(tx, sub.AccountID, subscriptiondomain.TierTrial)
}

func (s *Service) applyEnded(tx *gorm.DB, envelope domain.Envelope, status subscriptiondomain.Status) error {
	sub, err := findSubscription(tx, envelope.Data.ID)
	if err != nil {
		return err
	}

	sub.Status = status
	sub.Tier = subscriptiondomain.TierTrial
	applyAttributes(sub, envelope)
	if err := tx.Save(sub).Error; err != nil {
		return err
	}
	return setAccountTier(tx, sub.AccountID, subscriptiondomain.TierTrial)
}

func findAccount(tx *gorm.DB, rawUserID string) (*accountdomain.Account, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(rawUserID), 10, 64)
	if err != nil || id == 0 {
		return nil, domain.ErrAccountNotFound
	}

	var account accountdomain.Account
	if err := tx.Where("id = ?", id).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func findSubscription(tx *gorm.DB, lemonSqueezyID string) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	if err := tx.Where("lemon_squeezy_id = ?", lemonSqueezyID).First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

func setAccountTier(tx *gorm.DB, accountID snowflake.ID, tier subscriptiondomain.Tier) error {
	res := tx.Model(&accountdomain.Account{}).
		Where("id = ?", accountID).
		Update("tier", tier)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func applyAttributes(sub *subscriptiondomain.Subscription, envelope domain.Envelope) {
	attrs := envelope.Data.Attributes
	sub.OrderID = formatID(attrs.OrderID)
	sub.ProductID = formatID(attrs.ProductID)
	sub.VariantID = formatID(attrs.VariantID)
	if attrs.VariantName != "" {
		sub.VariantName = attrs.VariantName
	}
	if attrs.FirstSubscriptionItem.ID != 0 {
		sub.SubscriptionItemID = formatID(attrs.FirstSubscriptionItem.ID)
	}
	sub.RenewsAt = attrs.RenewsAt
	sub.EndsAt = attrs.EndsAt
}

func formatID(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

func (s *Service) recordMetric(ctx context.Context, eventType domain.EventType, result string) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordWebhookEvent(ctx, string(eventType), result)
}
