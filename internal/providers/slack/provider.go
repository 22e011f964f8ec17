// Package slack delivers operator-facing alerts to a Slack incoming webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/billingsync/internal/config"
	"go.uber.org/fx"
)

type Provider interface {
	PostMessage(ctx context.Context, message string) error
}

type NoOpProvider struct{}

func (p *NoOpProvider) PostMessage(ctx context.Context, message string) error {
	return nil
}

// WebhookProvider posts messages to a Slack incoming webhook URL.
type WebhookProvider struct {
	webhookURL string
	httpClient *http.Client
}

func NewWebhookProvider(webhookURL string) *WebhookProvider {
	return &WebhookProvider{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *WebhookProvider) PostMessage(ctx context.Context, message string) error {
	body, err := json.Marshal(map[string]string{"text": message})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func newProvider(cfg config.Config) Provider {
	if strings.TrimSpace(cfg.SlackWebhookURL) == "" {
		return &NoOpProvider{}
	}
	return NewWebhookProvider(cfg.SlackWebhookURL)
}

// Module wires the alert sink.
var Module = fx.Module("providers.slack",
	fx.Provide(newProvider),
)
