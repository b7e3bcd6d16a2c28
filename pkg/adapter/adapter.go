package adapter

import (
	"context"
)

// Adapter defines the interface for LLM provider adapters.
type Adapter interface {
	// Generate sends a prompt to the model and returns its completion.
	Generate(ctx context.Context, model string, prompt string, opts CallOptions) (*Response, error)

	// Name returns the adapter's identifier.
	Name() string

	// Models returns the list of supported models.
	Models() []string
}

// Caller invokes a catalog backend by id. It is the boundary between the
// routing core and the network.
type Caller interface {
	Call(ctx context.Context, prompt string, backendID string, opts CallOptions) (*Response, error)
}

// CallerFunc adapts a function to the Caller interface.
type CallerFunc func(ctx context.Context, prompt string, backendID string, opts CallOptions) (*Response, error)

// Call implements Caller.
func (f CallerFunc) Call(ctx context.Context, prompt string, backendID string, opts CallOptions) (*Response, error) {
	return f(ctx, prompt, backendID, opts)
}
