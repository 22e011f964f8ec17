// Package domain contains persistence models for subscriptions and the tier
// entitlements they grant.
package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Tier is the entitlement level granted to an account.
type Tier string

const (
	TierTrial        Tier = "trial"
	TierPayPerUse    Tier = "pay-per-use"
	TierSubscription Tier = "subscription"
	TierCancelled    Tier = "cancelled"
)

// Status represents lifecycle states for a subscription, orthogonal to tier.
type Status string

const (
	StatusActive    Status = "active"
	StatusPastDue   Status = "past_due"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Subscription captures an account's billing agreement with LemonSqueezy.
// One subscription per account at a time, enforced by the webhook service,
// not by the schema.
type Subscription struct {
	ID                 snowflake.ID `gorm:"primaryKey"`
	AccountID          snowflake.ID `gorm:"not null;index"`
	LemonSqueezyID     string       `gorm:"type:text;not null;index"`
	OrderID            string       `gorm:"type:text"`
	ProductID          string       `gorm:"type:text"`
	VariantID          string       `gorm:"type:text"`
	VariantName        string       `gorm:"type:text"`
	SubscriptionItemID string       `gorm:"type:text"`
	Tier               Tier         `gorm:"type:text;not null"`
	Status             Status       `gorm:"type:text;not null"`
	RenewsAt           *time.Time   `gorm:""`
	EndsAt             *time.Time   `gorm:""`
	CreatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// IsMetered reports whether usage on this subscription is billed per unit.
func (s Subscription) IsMetered() bool {
	return s.Status == StatusActive && s.Tier == TierPayPerUse
}

// GrantedTier maps a LemonSqueezy variant name to the tier it grants.
// Unknown variants default to the flat-rate subscription tier.
func GrantedTier(variantName string) Tier {
	normalized := strings.ToLower(strings.TrimSpace(variantName))
	normalized = strings.ReplaceAll(normalized, " ", "-")
	normalized = strings.ReplaceAll(normalized, "_", "-")
	switch normalized {
	case "pay-per-use", "payperuse", "usage", "metered":
		return TierPayPerUse
	default:
		return TierSubscription
	}
}
