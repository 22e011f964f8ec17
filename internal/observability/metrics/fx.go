package metrics

import (
	"github.com/smallbiznis/billingsync/internal/config"
	"go.uber.org/fx"
)

func newConfig(appCfg config.Config) Config {
	return Config{
		Enabled:          appCfg.Observability.MetricsEnabled,
		ExporterEndpoint: appCfg.Observability.ExporterEndpoint,
		ExporterProtocol: appCfg.Observability.ExporterProtocol,
		ServiceName:      appCfg.AppName,
		Environment:      appCfg.Environment,
	}
}

// Module wires the meter provider and domain instruments.
var Module = fx.Module("observability.metrics",
	fx.Provide(newConfig),
	fx.Provide(NewProvider),
	fx.Provide(New),
)
