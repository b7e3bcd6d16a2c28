package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockAdapter returns deterministic responses for local runs and tests.
type MockAdapter struct {
	name            string
	responses       map[string]string
	defaultResponse string

	// Delay is applied before responding; it honors context cancellation.
	Delay time.Duration
	// Usage overrides the estimated token usage when set.
	Usage *Usage

	mu       sync.Mutex
	failures map[string]error
	calls    map[string]int
}

// NewMockAdapter creates a mock adapter with a default response.
func NewMockAdapter() *MockAdapter {
	return NewMockAdapterWithResponses(nil, "")
}

// NewMockAdapterWithResponses creates a mock adapter with predefined responses.
func NewMockAdapterWithResponses(responses map[string]string, defaultResponse string) *MockAdapter {
	if defaultResponse == "" {
		defaultResponse = "mock response:"
	}
	if responses == nil {
		responses = make(map[string]string)
	}
	return &MockAdapter{
		name:            "mock",
		responses:       responses,
		defaultResponse: defaultResponse,
		failures:        make(map[string]error),
		calls:           make(map[string]int),
	}
}

// Named returns the adapter registered under a different provider name.
func (a *MockAdapter) Named(name string) *MockAdapter {
	a.name = name
	return a
}

// FailModel makes every call for model return err. A nil err clears it.
func (a *MockAdapter) FailModel(model string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.failures, model)
		return
	}
	a.failures[model] = err
}

// Calls returns how many times model was invoked.
func (a *MockAdapter) Calls(model string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[model]
}

// Name returns the adapter identifier.
func (a *MockAdapter) Name() string {
	return a.name
}

// Models returns the list of supported mock models.
func (a *MockAdapter) Models() []string {
	return []string{"mock-1"}
}

// Generate returns a deterministic completion for the prompt.
func (a *MockAdapter) Generate(ctx context.Context, model string, prompt string, _ CallOptions) (*Response, error) {
	if model == "" {
		model = "mock-1"
	}
	a.mu.Lock()
	a.calls[model]++
	failure := a.failures[model]
	a.mu.Unlock()

	if a.Delay > 0 {
		timer := time.NewTimer(a.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if failure != nil {
		return nil, failure
	}

	content, ok := a.responses[prompt]
	if !ok {
		content = fmt.Sprintf("%s\n%s", a.defaultResponse, prompt)
	}
	usage := Usage{PromptTokens: EstimateTokens(prompt), CompletionTokens: EstimateTokens(content)}
	if a.Usage != nil {
		usage = *a.Usage
	}
	return &Response{Text: content, Model: model, Usage: usage.Normalize()}, nil
}
