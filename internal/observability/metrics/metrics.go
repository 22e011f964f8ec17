// Package metrics exposes application-level OTel instruments.
package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	webhookEvents   metric.Int64Counter
	breakerAllowed  metric.Int64Counter
	breakerDenied   metric.Int64Counter
	usageReports    metric.Int64Counter
	reconcileIssues metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "billingsync"
	}
	meter := provider.Meter(name)

	webhookEvents, err := meter.Int64Counter("billingsync_webhook_events_total")
	if err != nil {
		return nil, err
	}
	breakerAllowed, err := meter.Int64Counter("billingsync_cost_breaker_allowed_total")
	if err != nil {
		return nil, err
	}
	breakerDenied, err := meter.Int64Counter("billingsync_cost_breaker_denied_total")
	if err != nil {
		return nil, err
	}
	usageReports, err := meter.Int64Counter("billingsync_usage_reports_total")
	if err != nil {
		return nil, err
	}
	reconcileIssues, err := meter.Int64Counter("billingsync_reconcile_issues_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		webhookEvents:   webhookEvents,
		breakerAllowed:  breakerAllowed,
		breakerDenied:   breakerDenied,
		usageReports:    usageReports,
		reconcileIssues: reconcileIssues,
	}, nil
}

// RecordWebhookEvent increments webhook processing counts.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, eventType, result string) {
	if m == nil {
		return
	}
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("result", strings.TrimSpace(result)),
	))
}

// RecordBreakerDecision increments breaker allow or deny counts.
func (m *Metrics) RecordBreakerDecision(ctx context.Context, allowed bool, layer string) {
	if m == nil {
		return
	}
	if allowed {
		m.breakerAllowed.Add(ctx, 1)
		return
	}
	m.breakerDenied.Add(ctx, 1, metric.WithAttributes(
		attribute.String("layer", strings.TrimSpace(layer)),
	))
}

// RecordUsageReport increments usage report counts.
func (m *Metrics) RecordUsageReport(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.usageReports.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", strings.TrimSpace(result)),
	))
}

// RecordReconcileIssues adds to the reconciliation issue count.
func (m *Metrics) RecordReconcileIssues(ctx context.Context, issueType string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.reconcileIssues.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("issue_type", strings.TrimSpace(issueType)),
	))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}
