package catalog

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrUnknownBackend is returned for lookups against an unregistered backend id.
var ErrUnknownBackend = errors.New("unknown backend")

// Descriptor describes one interchangeable model backend.
// Descriptors are immutable once registered.
type Descriptor struct {
	ID                 string        `json:"id" yaml:"id"`
	Provider           string        `json:"provider" yaml:"provider"`
	Model              string        `json:"model,omitempty" yaml:"model,omitempty"`
	CostPerInputToken  float64       `json:"cost_per_input_token" yaml:"cost_per_input_token"`
	CostPerOutputToken float64       `json:"cost_per_output_token" yaml:"cost_per_output_token"`
	MaxTokens          int           `json:"max_tokens" yaml:"max_tokens"`
	ContextWindow      int           `json:"context_window" yaml:"context_window"`
	Capabilities       []string      `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	LatencyP50         time.Duration `json:"latency_p50" yaml:"latency_p50"`
	LatencyP99         time.Duration `json:"latency_p99" yaml:"latency_p99"`
	Quality            float64       `json:"quality" yaml:"quality"`
	Local              bool          `json:"local,omitempty" yaml:"local,omitempty"`
}

// ModelName returns the provider-side model name for the backend.
func (d Descriptor) ModelName() string {
	if d.Model != "" {
		return d.Model
	}
	return d.ID
}

// Supports reports whether the backend can serve the task type.
// Backends that declare no capabilities are general purpose.
func (d Descriptor) Supports(taskType string) bool {
	if len(d.Capabilities) == 0 || taskType == "" {
		return true
	}
	for _, c := range d.Capabilities {
		if c == taskType {
			return true
		}
	}
	return false
}

// Cost returns the price of a call with the given token counts.
func (d Descriptor) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*d.CostPerInputToken + float64(outputTokens)*d.CostPerOutputToken
}

// Catalog is a registry of backend descriptors kept in registration order.
type Catalog struct {
	mu    sync.RWMutex
	byID  map[string]int
	order []Descriptor
}

// New creates a catalog seeded with the given descriptors.
func New(descriptors ...Descriptor) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]int)}
	for _, d := range descriptors {
		if err := c.Register(d); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register adds a descriptor. Ids must be unique and non-empty.
func (c *Catalog) Register(d Descriptor) error {
	if d.ID == "" {
		return fmt.Errorf("backend id is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byID[d.ID]; exists {
		return fmt.Errorf("backend %s already registered", d.ID)
	}
	d.Capabilities = append([]string(nil), d.Capabilities...)
	c.byID[d.ID] = len(c.order)
	c.order = append(c.order, d)
	return nil
}

// Get returns a descriptor by id.
func (c *Catalog) Get(id string) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.byID[id]
	if !ok {
		return Descriptor{}, false
	}
	return c.order[idx], true
}

// Index returns the registration position of a backend, or -1.
func (c *Catalog) Index(id string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.byID[id]
	if !ok {
		return -1
	}
	return idx
}

// List returns all descriptors in registration order.
func (c *Catalog) List() []Descriptor {
	return c.filter(func(Descriptor) bool { return true })
}

// Len returns the number of registered backends.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// FilterByCapability returns backends that can serve the task type.
func (c *Catalog) FilterByCapability(tag string) []Descriptor {
	return c.filter(func(d Descriptor) bool { return d.Supports(tag) })
}

// FilterByProvider returns backends hosted by the provider.
func (c *Catalog) FilterByProvider(provider string) []Descriptor {
	return c.filter(func(d Descriptor) bool { return d.Provider == provider })
}

// FilterByMinQuality returns backends whose quality prior is at least q.
func (c *Catalog) FilterByMinQuality(q float64) []Descriptor {
	return c.filter(func(d Descriptor) bool { return d.Quality >= q })
}

// CalculateCost prices a call against a registered backend.
func (c *Catalog) CalculateCost(id string, inputTokens, outputTokens int) (float64, error) {
	d, ok := c.Get(id)
	if !ok {
		return 0, fmt.Errorf("backend %s: %w", id, ErrUnknownBackend)
	}
	return d.Cost(inputTokens, outputTokens), nil
}

func (c *Catalog) filter(keep func(Descriptor) bool) []Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Descriptor
	for _, d := range c.order {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out
}
