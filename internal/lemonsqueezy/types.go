package lemonsqueezy

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound means the provider has no record of the requested resource.
// Callers treat it as data, not as a failure.
var ErrNotFound = errors.New("lemonsqueezy: not found")

// APIError is a non-2xx response from the provider.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("lemonsqueezy: api error status=%d body=%s", e.Status, e.Body)
}

// Subscription is the provider's view of a subscription.
type Subscription struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Attributes SubscriptionAttributes `json:"attributes"`
}

type SubscriptionAttributes struct {
	StoreID     int64      `json:"store_id"`
	CustomerID  int64      `json:"customer_id"`
	ProductID   int64      `json:"product_id"`
	VariantID   int64      `json:"variant_id"`
	VariantName string     `json:"variant_name"`
	UserEmail   string     `json:"user_email"`
	Status      string     `json:"status"`
	RenewsAt    *time.Time `json:"renews_at"`
	EndsAt      *time.Time `json:"ends_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

// UsageRecord is one metered-usage unit recorded with the provider.
type UsageRecord struct {
	ID         string                `json:"id"`
	Type       string                `json:"type"`
	Attributes UsageRecordAttributes `json:"attributes"`
}

type UsageRecordAttributes struct {
	SubscriptionItemID int64     `json:"subscription_item_id"`
	Quantity           int       `json:"quantity"`
	CreatedAt          time.Time `json:"created_at"`
}

type singleDocument[T any] struct {
	Data T `json:"data"`
}

type listDocument[T any] struct {
	Data  []T `json:"data"`
	Links struct {
		Next string `json:"next"`
	} `json:"links"`
}

type usageRecordRequest struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			Quantity int `json:"quantity"`
		} `json:"attributes"`
		Relationships struct {
			SubscriptionItem struct {
				Data struct {
					Type string `json:"type"`
					ID   string `json:"id"`
				} `json:"data"`
			} `json:"subscription-item"`
		} `json:"relationships"`
	} `json:"data"`
}

func newUsageRecordRequest(subscriptionItemID string, quantity int) usageRecordRequest {
	var req usageRecordRequest
	req.Data.Type = "usage-records"
	req.Data.Attributes.Quantity = quantity
	req.Data.Relationships.SubscriptionItem.Data.Type = "subscription-items"
	req.Data.Relationships.SubscriptionItem.Data.ID = subscriptionItemID
	return req
}
