package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// CompletionResult is the opaque outcome of one paid inference call plus the
// cost it incurred.
type CompletionResult struct {
	Output string
	Cost   float64
}

// CompletionClient is the downstream paid inference API. Its response content
// is opaque to this system; only the cost figure feeds the breaker.
type CompletionClient interface {
	Complete(ctx context.Context, model, prompt string) (CompletionResult, error)
}

// Execution is the recorded outcome of a gated inference call.
type Execution struct {
	CallID snowflake.ID
	Output string
	Cost   float64
}

// Service executes inference calls behind the cost breaker and feeds the
// usage reporter.
type Service interface {
	Execute(ctx context.Context, accountID snowflake.ID, model, prompt string) (*Execution, error)
}
