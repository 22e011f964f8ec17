// Package domain contains the inbound webhook event model and the envelope
// shape LemonSqueezy delivers.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

var (
	ErrMissingSignature      = errors.New("missing_signature")
	ErrInvalidSignature      = errors.New("invalid_signature")
	ErrInvalidPayload        = errors.New("invalid_payload")
	ErrEventAlreadyProcessed = errors.New("event_already_processed")
	ErrAccountNotFound       = errors.New("account_not_found")
	ErrSubscriptionNotFound  = errors.New("subscription_not_found")
)

// EventType enumerates the LemonSqueezy event names the state machine handles.
type EventType string

const (
	EventSubscriptionCreated          EventType = "subscription_created"
	EventSubscriptionPaymentSuccess   EventType = "subscription_payment_success"
	EventSubscriptionPaymentRecovered EventType = "subscription_payment_recovered"
	EventSubscriptionPaymentFailed    EventType = "subscription_payment_failed"
	EventSubscriptionExpired          EventType = "subscription_expired"
	EventSubscriptionCancelled        EventType = "subscription_cancelled"
)

// Known reports whether the event type maps to a state transition. Unknown
// types are admitted and acknowledged without side effects.
func (t EventType) Known() bool {
	switch t {
	case EventSubscriptionCreated,
		EventSubscriptionPaymentSuccess,
		EventSubscriptionPaymentRecovered,
		EventSubscriptionPaymentFailed,
		EventSubscriptionExpired,
		EventSubscriptionCancelled:
		return true
	default:
		return false
	}
}

// WebhookEvent is the admission record for one provider delivery. The row is
// inserted in the same transaction as the state transition it triggers, so an
// event id is marked processed if and only if its side effects committed.
type WebhookEvent struct {
	ID        snowflake.ID   `gorm:"primaryKey"`
	EventID   string         `gorm:"type:text;not null;uniqueIndex"`
	EventName string         `gorm:"type:text;not null"`
	Payload   datatypes.JSON `gorm:"type:jsonb"`
	Processed bool           `gorm:"not null;default:false"`
	CreatedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (WebhookEvent) TableName() string { return "webhook_events" }

// Envelope is the subset of the LemonSqueezy webhook payload the state
// machine consumes.
type Envelope struct {
	Meta struct {
		EventName  string `json:"event_name"`
		WebhookID  string `json:"webhook_id"`
		CustomData struct {
			UserID string `json:"user_id"`
		} `json:"custom_data"`
	} `json:"meta"`
	Data struct {
		ID         string                 `json:"id"`
		Type       string                 `json:"type"`
		Attributes SubscriptionAttributes `json:"attributes"`
	} `json:"data"`
}

// SubscriptionAttributes mirrors the attributes block of a LemonSqueezy
// subscription object.
type SubscriptionAttributes struct {
	StoreID               int64      `json:"store_id"`
	CustomerID            int64      `json:"customer_id"`
	OrderID               int64      `json:"order_id"`
	ProductID             int64      `json:"product_id"`
	VariantID             int64      `json:"variant_id"`
	VariantName           string     `json:"variant_name"`
	UserEmail             string     `json:"user_email"`
	Status                string     `json:"status"`
	RenewsAt              *time.Time `json:"renews_at"`
	EndsAt                *time.Time `json:"ends_at"`
	FirstSubscriptionItem struct {
		ID             int64 `json:"id"`
		SubscriptionID int64 `json:"subscription_id"`
	} `json:"first_subscription_item"`
}

// Result reports the outcome of processing one delivery.
type Result struct {
	EventName EventType
	Duplicate bool
	Handled   bool
}

// Service processes inbound LemonSqueezy webhook deliveries.
type Service interface {
	ProcessEvent(ctx context.Context, payload []byte, signature string) (Result, error)
}
