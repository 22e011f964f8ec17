package inference

import (
	"context"

	"github.com/smallbiznis/billingsync/internal/inference/domain"
	"github.com/smallbiznis/billingsync/internal/inference/service"
	"go.uber.org/fx"
)

// NoOpCompletionClient stands in when no inference backend is configured,
// e.g. in local development. Calls cost nothing and echo the prompt.
type NoOpCompletionClient struct{}

func (NoOpCompletionClient) Complete(ctx context.Context, model, prompt string) (domain.CompletionResult, error) {
	return domain.CompletionResult{Output: prompt, Cost: 0}, nil
}

// Module wires the gated inference service.
var Module = fx.Module("inference",
	fx.Provide(func() domain.CompletionClient { return NoOpCompletionClient{} }),
	fx.Provide(service.NewService),
)
