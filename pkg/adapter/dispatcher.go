package adapter

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zen-systems/switchyard/pkg/catalog"
)

// DefaultCallTimeout bounds calls to backends that declare no latency prior.
const DefaultCallTimeout = 60 * time.Second

// CallTimeout derives a call deadline from the backend's p99 latency prior.
func CallTimeout(d catalog.Descriptor, multiplier float64) time.Duration {
	if d.LatencyP99 <= 0 {
		return DefaultCallTimeout
	}
	if multiplier <= 0 {
		multiplier = 1
	}
	return time.Duration(float64(d.LatencyP99) * multiplier)
}

// RetryConfig defines retry and backoff behavior for transient errors.
type RetryConfig struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// RateLimit bounds requests per second to one backend.
type RateLimit struct {
	RPS   float64
	Burst int
}

// Dispatcher implements Caller by resolving backend ids through the catalog
// and forwarding to the adapter registered for the backend's provider.
type Dispatcher struct {
	catalog           *catalog.Catalog
	adapters          map[string]Adapter
	retry             RetryConfig
	timeoutMultiplier float64
	debug             bool

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithRetry sets the retry policy for transient errors.
func WithRetry(cfg RetryConfig) DispatcherOption {
	return func(d *Dispatcher) {
		d.retry = cfg
	}
}

// WithRateLimit bounds calls to backendID.
func WithRateLimit(backendID string, limit RateLimit) DispatcherOption {
	return func(d *Dispatcher) {
		if limit.RPS <= 0 {
			return
		}
		burst := limit.Burst
		if burst <= 0 {
			burst = 1
		}
		d.limiters[backendID] = rate.NewLimiter(rate.Limit(limit.RPS), burst)
	}
}

// WithTimeoutMultiplier scales the p99 latency prior into a call timeout.
func WithTimeoutMultiplier(m float64) DispatcherOption {
	return func(d *Dispatcher) {
		if m > 0 {
			d.timeoutMultiplier = m
		}
	}
}

// WithDispatcherDebug enables retry logging.
func WithDispatcherDebug(debug bool) DispatcherOption {
	return func(d *Dispatcher) {
		d.debug = debug
	}
}

// NewDispatcher creates a dispatcher over provider adapters keyed by name.
func NewDispatcher(cat *catalog.Catalog, adapters map[string]Adapter, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		catalog:           cat,
		adapters:          adapters,
		retry:             RetryConfig{MaxRetries: 2, BaseBackoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second},
		timeoutMultiplier: 3,
		limiters:          make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Adapter returns the adapter registered for a provider.
func (d *Dispatcher) Adapter(provider string) (Adapter, bool) {
	a, ok := d.adapters[provider]
	return a, ok
}

func (d *Dispatcher) limiter(backendID string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.limiters[backendID]
}

// Call invokes the backend. Failures are wrapped with ErrBackendCall.
func (d *Dispatcher) Call(ctx context.Context, prompt string, backendID string, opts CallOptions) (*Response, error) {
	desc, ok := d.catalog.Get(backendID)
	if !ok {
		return nil, fmt.Errorf("backend %s: %w", backendID, catalog.ErrUnknownBackend)
	}
	impl, ok := d.adapters[desc.Provider]
	if !ok || impl == nil {
		return nil, fmt.Errorf("backend %s: no adapter for provider %s: %w", backendID, desc.Provider, ErrBackendCall)
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= d.retry.MaxRetries; attempt++ {
		if lim := d.limiter(backendID); lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return nil, fmt.Errorf("backend %s: rate limit wait: %w: %w", backendID, ErrBackendCall, err)
			}
		}

		resp, err := d.callOnce(ctx, impl, desc, prompt, opts)
		if err == nil {
			resp.Latency = time.Since(start)
			return resp, nil
		}
		lastErr = err
		if !IsTransient(err) || attempt == d.retry.MaxRetries || ctx.Err() != nil {
			break
		}

		backoff := computeBackoff(d.retry.BaseBackoff, d.retry.MaxBackoff, attempt)
		if d.debug {
			log.Printf("[dispatch] %s: transient error, retrying in %s: %v", backendID, backoff, err)
		}
		if err := sleepWithContext(ctx, backoff); err != nil {
			lastErr = err
			break
		}
	}
	return nil, fmt.Errorf("backend %s: %w: %w", backendID, ErrBackendCall, lastErr)
}

func (d *Dispatcher) callOnce(ctx context.Context, impl Adapter, desc catalog.Descriptor, prompt string, opts CallOptions) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout(desc, d.timeoutMultiplier))
	defer cancel()
	return Invoke(ctx, func(ctx context.Context) (*Response, error) {
		return impl.Generate(ctx, desc.ModelName(), prompt, opts)
	})
}

// Invoke runs fn and returns early with the context error when ctx ends
// before fn does, so a backend that ignores cancellation cannot block callers.
func Invoke(ctx context.Context, fn func(ctx context.Context) (*Response, error)) (*Response, error) {
	type result struct {
		resp *Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := fn(ctx)
		done <- result{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil && r.resp == nil {
			return nil, fmt.Errorf("empty response")
		}
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func computeBackoff(base, max time.Duration, attempt int) time.Duration {
	backoff := base
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= max {
			return max
		}
	}
	if backoff > max {
		return max
	}
	return backoff
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
