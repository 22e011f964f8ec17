package webhook

import (
	"github.com/smallbiznis/billingsync/internal/webhook/service"
	"go.uber.org/fx"
)

// Module wires the webhook processing service.
var Module = fx.Module("webhook",
	fx.Provide(service.NewService),
)
