package usagereport

import (
	"github.com/smallbiznis/billingsync/internal/lemonsqueezy"
	"go.uber.org/fx"
)

// Module wires the usage reporter against the LemonSqueezy client.
var Module = fx.Module("usagereport",
	fx.Provide(func(client *lemonsqueezy.Client) MeteringClient { return client }),
	fx.Provide(NewService),
)
