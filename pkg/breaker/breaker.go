package breaker

import (
	"errors"
	"log"
	"sort"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a backend's circuit rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Status is the state of a backend's circuit.
type Status int

const (
	// Closed allows calls through.
	Closed Status = iota
	// Open blocks calls until the cooldown elapses.
	Open
	// HalfOpen allows a single probe call.
	HalfOpen
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config holds breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// Cooldown is how long the circuit stays open before allowing a probe.
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
	}
}

// Snapshot is a point-in-time view of one backend's circuit.
type Snapshot struct {
	BackendID           string    `json:"backend_id"`
	Status              Status    `json:"status"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
}

type circuit struct {
	mu            sync.Mutex
	status        Status
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

// Registry tracks circuit state for every backend.
type Registry struct {
	config Config
	now    func() time.Time
	debug  bool

	mu       sync.RWMutex
	circuits map[string]*circuit
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithDebug enables transition logging.
func WithDebug(debug bool) Option {
	return func(r *Registry) {
		r.debug = debug
	}
}

// NewRegistry creates a breaker registry.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	r := &Registry{
		config:   cfg,
		now:      time.Now,
		circuits: make(map[string]*circuit),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the registry thresholds.
func (r *Registry) Config() Config {
	return r.config
}

func (r *Registry) get(backendID string) *circuit {
	r.mu.RLock()
	c, ok := r.circuits[backendID]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.circuits[backendID]; ok {
		return c
	}
	c = &circuit{}
	r.circuits[backendID] = c
	return c
}

// statusLocked resolves an elapsed cooldown into half-open. Caller holds c.mu.
func (r *Registry) statusLocked(c *circuit) Status {
	if c.status == Open && r.now().Sub(c.openedAt) >= r.config.Cooldown {
		return HalfOpen
	}
	return c.status
}

// IsAvailable reports whether the backend may receive traffic.
// It is false only while the circuit is open.
func (r *Registry) IsAvailable(backendID string) bool {
	c := r.get(backendID)
	c.mu.Lock()
	defer c.mu.Unlock()
	return r.statusLocked(c) != Open
}

// Permit records what Acquire granted.
type Permit struct {
	BackendID string
	// Probe is set when the permit holds the half-open probe slot.
	Probe bool
}

// Allow claims permission for one call. In half-open state only a single
// probe is admitted until its outcome is recorded.
func (r *Registry) Allow(backendID string) bool {
	_, ok := r.Acquire(backendID)
	return ok
}

// Acquire is Allow returning a permit that can later be handed to Release.
func (r *Registry) Acquire(backendID string) (Permit, bool) {
	c := r.get(backendID)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch r.statusLocked(c) {
	case Closed:
		return Permit{BackendID: backendID}, true
	case HalfOpen:
		if c.probeInFlight {
			return Permit{}, false
		}
		if c.status == Open && r.debug {
			log.Printf("[breaker] %s: cooldown elapsed, admitting probe", backendID)
		}
		c.status = HalfOpen
		c.probeInFlight = true
		return Permit{BackendID: backendID, Probe: true}, true
	default:
		return Permit{}, false
	}
}

// RecordFailure records a failed call against the backend.
func (r *Registry) RecordFailure(backendID string) {
	c := r.get(backendID)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch r.statusLocked(c) {
	case HalfOpen:
		if c.status != HalfOpen || !c.probeInFlight {
			// Late result of a call admitted before the circuit opened.
			return
		}
		c.status = Open
		c.openedAt = r.now()
		c.probeInFlight = false
		c.failures++
		log.Printf("[breaker] %s: probe failed, reopening circuit", backendID)
	case Closed:
		c.failures++
		if c.failures >= r.config.FailureThreshold {
			c.status = Open
			c.openedAt = r.now()
			log.Printf("[breaker] %s: opened after %d consecutive failures", backendID, c.failures)
		}
	case Open:
		// Calls already in flight when the circuit opened do not extend it.
	}
}

// RecordSuccess records a successful call and closes the circuit.
func (r *Registry) RecordSuccess(backendID string) {
	c := r.get(backendID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != Closed {
		log.Printf("[breaker] %s: closed after successful call", backendID)
	}
	c.status = Closed
	c.failures = 0
	c.openedAt = time.Time{}
	c.probeInFlight = false
}

// Release returns an unused probe slot without recording an outcome, for
// calls that were abandoned before the backend answered. Permits that do
// not hold the probe slot are a no-op.
func (r *Registry) Release(p Permit) {
	if !p.Probe {
		return
	}
	c := r.get(p.BackendID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == HalfOpen {
		c.probeInFlight = false
	}
}

// Health returns a value in [0, 1]; 1 is fully healthy, 0 is open.
func (r *Registry) Health(backendID string) float64 {
	c := r.get(backendID)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch r.statusLocked(c) {
	case Open:
		return 0
	case HalfOpen:
		return 0.5
	}
	h := 1 - float64(c.failures)/float64(r.config.FailureThreshold)
	if h < 0 {
		return 0
	}
	return h
}

// Snapshot returns the circuit state for one backend.
func (r *Registry) Snapshot(backendID string) Snapshot {
	c := r.get(backendID)
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		BackendID:           backendID,
		Status:              r.statusLocked(c),
		ConsecutiveFailures: c.failures,
		OpenedAt:            c.openedAt,
	}
}

// Snapshots returns the state of every backend seen so far.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	ids := make([]string, 0, len(r.circuits))
	for id := range r.circuits {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)

	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.Snapshot(id))
	}
	return out
}

// Reset forgets all circuit state.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.circuits = make(map[string]*circuit)
}
