package adapter

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zen-systems/switchyard/pkg/catalog"
)

func testCatalog(t *testing.T, descriptors ...catalog.Descriptor) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New(descriptors...)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return cat
}

func TestCallTimeout(t *testing.T) {
	tests := []struct {
		name       string
		p99        time.Duration
		multiplier float64
		want       time.Duration
	}{
		{name: "no prior", p99: 0, multiplier: 3, want: DefaultCallTimeout},
		{name: "scaled", p99: 2 * time.Second, multiplier: 3, want: 6 * time.Second},
		{name: "invalid multiplier", p99: 2 * time.Second, multiplier: 0, want: 2 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CallTimeout(catalog.Descriptor{LatencyP99: tt.p99}, tt.multiplier)
			if got != tt.want {
				t.Fatalf("CallTimeout = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDispatcherRoutesByProvider(t *testing.T) {
	cat := testCatalog(t,
		catalog.Descriptor{ID: "fast", Provider: "alpha", Model: "alpha-small"},
		catalog.Descriptor{ID: "slow", Provider: "beta"},
	)
	alpha := NewMockAdapterWithResponses(nil, "alpha").Named("alpha")
	beta := NewMockAdapterWithResponses(nil, "beta").Named("beta")
	d := NewDispatcher(cat, map[string]Adapter{"alpha": alpha, "beta": beta})

	resp, err := d.Call(context.Background(), "hello", "fast", CallOptions{})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.HasPrefix(resp.Text, "alpha") || resp.Model != "alpha-small" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if alpha.Calls("alpha-small") != 1 {
		t.Fatalf("expected the model name to be forwarded")
	}
	if _, err := d.Call(context.Background(), "hello", "slow", CallOptions{}); err != nil {
		t.Fatalf("call slow: %v", err)
	}
	if beta.Calls("slow") != 1 {
		t.Fatalf("expected the backend id as model fallback")
	}
}

func TestDispatcherUnknownBackend(t *testing.T) {
	d := NewDispatcher(testCatalog(t), nil)
	_, err := d.Call(context.Background(), "x", "ghost", CallOptions{})
	if !errors.Is(err, catalog.ErrUnknownBackend) {
		t.Fatalf("expected ErrUnknownBackend, got %v", err)
	}
}

func TestDispatcherMissingAdapter(t *testing.T) {
	cat := testCatalog(t, catalog.Descriptor{ID: "a", Provider: "nowhere"})
	d := NewDispatcher(cat, map[string]Adapter{})
	_, err := d.Call(context.Background(), "x", "a", CallOptions{})
	if !errors.Is(err, ErrBackendCall) {
		t.Fatalf("expected ErrBackendCall, got %v", err)
	}
}

func TestDispatcherRetriesTransientErrors(t *testing.T) {
	cat := testCatalog(t, catalog.Descriptor{ID: "a", Provider: "p"})
	var attempts int32
	flaky := &funcAdapter{fn: func(ctx context.Context, model, prompt string) (*Response, error) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return nil, &AdapterError{Status: 503, Err: errors.New("unavailable")}
		}
		return &Response{Text: "ok"}, nil
	}}
	d := NewDispatcher(cat, map[string]Adapter{"p": flaky},
		WithRetry(RetryConfig{MaxRetries: 3, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}))

	resp, err := d.Call(context.Background(), "x", "a", CallOptions{})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Text != "ok" || atomic.LoadInt32(&attempts) != 3 {
		t.Fatalf("expected success on third attempt, got %q after %d", resp.Text, attempts)
	}
}

func TestDispatcherDoesNotRetryPermanentErrors(t *testing.T) {
	cat := testCatalog(t, catalog.Descriptor{ID: "a", Provider: "p"})
	var attempts int32
	broken := &funcAdapter{fn: func(ctx context.Context, model, prompt string) (*Response, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, &AdapterError{Status: 400, Err: errors.New("bad request")}
	}}
	d := NewDispatcher(cat, map[string]Adapter{"p": broken},
		WithRetry(RetryConfig{MaxRetries: 3, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}))

	_, err := d.Call(context.Background(), "x", "a", CallOptions{})
	if !errors.Is(err, ErrBackendCall) {
		t.Fatalf("expected ErrBackendCall, got %v", err)
	}
	var adapterErr *AdapterError
	if !errors.As(err, &adapterErr) || adapterErr.Status != 400 {
		t.Fatalf("expected wrapped adapter error, got %v", err)
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts)
	}
}

func TestDispatcherAbandonsHungCalls(t *testing.T) {
	cat := testCatalog(t, catalog.Descriptor{ID: "a", Provider: "p", LatencyP99: 10 * time.Millisecond})
	release := make(chan struct{})
	defer close(release)
	hung := &funcAdapter{fn: func(ctx context.Context, model, prompt string) (*Response, error) {
		<-release
		return &Response{Text: "late"}, nil
	}}
	d := NewDispatcher(cat, map[string]Adapter{"p": hung},
		WithTimeoutMultiplier(2), WithRetry(RetryConfig{}))

	start := time.Now()
	_, err := d.Call(context.Background(), "x", "a", CallOptions{})
	if !errors.Is(err, context.DeadlineExceeded) || !errors.Is(err, ErrBackendCall) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("hung call blocked for %s", elapsed)
	}
}

func TestDispatcherRateLimitHonorsContext(t *testing.T) {
	cat := testCatalog(t, catalog.Descriptor{ID: "a", Provider: "p"})
	d := NewDispatcher(cat, map[string]Adapter{"p": NewMockAdapter()},
		WithRateLimit("a", RateLimit{RPS: 0.001, Burst: 1}))

	if _, err := d.Call(context.Background(), "x", "a", CallOptions{}); err != nil {
		t.Fatalf("first call should use the burst: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := d.Call(ctx, "x", "a", CallOptions{}); !errors.Is(err, ErrBackendCall) {
		t.Fatalf("expected rate limited call to fail, got %v", err)
	}
}

func TestComputeBackoffCaps(t *testing.T) {
	base, max := 100*time.Millisecond, 350*time.Millisecond
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, max, max}
	for attempt, w := range want {
		if got := computeBackoff(base, max, attempt); got != w {
			t.Fatalf("attempt %d: got %s want %s", attempt, got, w)
		}
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "rate limited", err: &AdapterError{Status: 429}, want: true},
		{name: "server error", err: &AdapterError{Status: 502}, want: true},
		{name: "client error", err: &AdapterError{Status: 401}, want: false},
		{name: "temporary", err: &AdapterError{Temporary: true}, want: true},
		{name: "plain", err: errors.New("boom"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Fatalf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

type funcAdapter struct {
	fn func(ctx context.Context, model, prompt string) (*Response, error)
}

func (f *funcAdapter) Generate(ctx context.Context, model string, prompt string, _ CallOptions) (*Response, error) {
	return f.fn(ctx, model, prompt)
}

func (f *funcAdapter) Name() string     { return "func" }
func (f *funcAdapter) Models() []string { return nil }
