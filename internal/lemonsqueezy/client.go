// Package lemonsqueezy is a minimal client for the LemonSqueezy API surface
// this service needs: recording usage, and the read-only subscription and
// usage-record queries the reconciliation engine runs.
package lemonsqueezy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/billingsync/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	defaultBaseURL = "https://api.lemonsqueezy.com"
	requestTimeout = 30 * time.Second
	pageSize       = 100
)

// Client talks to the LemonSqueezy API.
type Client struct {
	baseURL    string
	apiKey     string
	storeID    string
	httpClient *http.Client
	log        *zap.Logger
}

type ClientParams struct {
	fx.In

	Cfg config.Config
	Log *zap.Logger
}

func NewClient(p ClientParams) *Client {
	return &Client{
		baseURL:    defaultBaseURL,
		apiKey:     p.Cfg.LemonSqueezy.APIKey,
		storeID:    p.Cfg.LemonSqueezy.StoreID,
		httpClient: &http.Client{Timeout: requestTimeout},
		log:        p.Log.Named("lemonsqueezy"),
	}
}

// NewClientWithBaseURL is used by tests to point the client at a local server.
func NewClientWithBaseURL(baseURL, apiKey, storeID string, log *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		storeID:    storeID,
		httpClient: &http.Client{Timeout: requestTimeout},
		log:        log.Named("lemonsqueezy"),
	}
}

// ReportUsage records quantity usage units against a subscription item.
func (c *Client) ReportUsage(ctx context.Context, subscriptionItemID string, quantity int) error {
	body, err := json.Marshal(newUsageRecordRequest(subscriptionItemID, quantity))
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, http.MethodPost, "/v1/usage-records", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(resp)
	}
	return nil
}

// GetSubscription fetches a subscription by provider id. A 404 is returned
// as ErrNotFound.
func (c *Client) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/subscriptions/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var doc singleDocument[Subscription]
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode subscription: %w", err)
	}
	return &doc.Data, nil
}

// ListSubscriptions returns every subscription in the configured store,
// following pagination links.
func (c *Client) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	path := fmt.Sprintf("/v1/subscriptions?filter[store_id]=%s&page[size]=%d",
		url.QueryEscape(c.storeID), pageSize)
	return listAll[Subscription](ctx, c, path)
}

// ListUsageRecords returns every usage record for a subscription item,
// following pagination links. Period filtering is left to the caller.
func (c *Client) ListUsageRecords(ctx context.Context, subscriptionItemID string) ([]UsageRecord, error) {
	path := fmt.Sprintf("/v1/usage-records?filter[subscription_item_id]=%s&page[size]=%d",
		url.QueryEscape(subscriptionItemID), pageSize)
	return listAll[UsageRecord](ctx, c, path)
}

func listAll[T any](ctx context.Context, c *Client, path string) ([]T, error) {
	var out []T
	for path != "" {
		resp, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			return out, nil
		}
		if resp.StatusCode != http.StatusOK {
			defer resp.Body.Close()
			return nil, apiError(resp)
		}

		var doc listDocument[T]
		err = json.NewDecoder(resp.Body).Decode(&doc)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decode list page: %w", err)
		}

		out = append(out, doc.Data...)
		path = relativePath(c.baseURL, doc.Links.Next)
	}
	return out, nil
}

// relativePath strips the base URL from a pagination link so the next
// request goes through do() with auth headers attached.
func relativePath(baseURL, link string) string {
	link = strings.TrimSpace(link)
	if link == "" {
		return ""
	}
	if strings.HasPrefix(link, baseURL) {
		return strings.TrimPrefix(link, baseURL)
	}
	parsed, err := url.Parse(link)
	if err != nil {
		return ""
	}
	out := parsed.Path
	if parsed.RawQuery != "" {
		out += "?" + parsed.RawQuery
	}
	return out
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.api+json")
	req.Header.Set("Content-Type", "application/vnd.api+json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	return c.httpClient.Do(req)
}

func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{Status: resp.StatusCode, Body: string(body)}
}

// Module wires the LemonSqueezy API client.
var Module = fx.Module("lemonsqueezy",
	fx.Provide(NewClient),
)
