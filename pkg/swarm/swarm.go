package swarm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zen-systems/switchyard/pkg/breaker"
	"github.com/zen-systems/switchyard/pkg/budget"
	"github.com/zen-systems/switchyard/pkg/catalog"
	"github.com/zen-systems/switchyard/pkg/observe"
	"github.com/zen-systems/switchyard/pkg/router"
	"github.com/zen-systems/switchyard/pkg/speculative"
)

var (
	// ErrDeadlineExceeded marks requests still pending when the batch deadline hit.
	ErrDeadlineExceeded = errors.New("swarm deadline exceeded")
	// ErrAdmissionDenied marks requests rejected by budget admission control.
	ErrAdmissionDenied = errors.New("admission denied")
)

// Priority controls admission once the budget is nearly spent.
type Priority string

const (
	PriorityNormal   Priority = "normal"
	PriorityCritical Priority = "critical"
)

// Request is one independent unit of work.
type Request struct {
	ID              string              `json:"id,omitempty" yaml:"id,omitempty"`
	AgentID         string              `json:"agent_id" yaml:"agent_id"`
	TaskType        string              `json:"task_type,omitempty" yaml:"task_type,omitempty"`
	Prompt          string              `json:"prompt" yaml:"prompt"`
	EstimatedTokens int                 `json:"estimated_tokens,omitempty" yaml:"estimated_tokens,omitempty"`
	Constraints     *router.Constraints `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	Priority        Priority            `json:"priority,omitempty" yaml:"priority,omitempty"`
	Speculative     bool                `json:"speculative,omitempty" yaml:"speculative,omitempty"`
}

// Outcome is produced exactly once per request.
type Outcome struct {
	RequestID string               `json:"request_id"`
	Success   bool                 `json:"success"`
	Output    string               `json:"output,omitempty"`
	Err       error                `json:"-"`
	Error     string               `json:"error,omitempty"`
	Cost      float64              `json:"cost"`
	LatencyMs float64              `json:"latency_ms"`
	BackendID string               `json:"backend_id,omitempty"`
	TaskType  string               `json:"task_type,omitempty"`
	Strategy  speculative.Strategy `json:"strategy,omitempty"`
}

// BatchResult aggregates the outcomes of ExecuteParallel.
type BatchResult struct {
	Outcomes  []Outcome `json:"outcomes"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
}

// Grader scores a successful output in [0, 1] for the router statistics.
type Grader func(req Request, output string) float64

// DefaultGrader scores any non-empty output as 1.
func DefaultGrader(_ Request, output string) float64 {
	if strings.TrimSpace(output) == "" {
		return 0
	}
	return 1
}

// Config tunes the dispatcher.
type Config struct {
	// Concurrency bounds the number of requests in flight.
	Concurrency int `json:"concurrency" yaml:"concurrency"`
	// Deadline bounds a whole batch. Zero means no deadline.
	Deadline time.Duration `json:"deadline" yaml:"deadline"`
	// MaxRouteAttempts bounds rerouting when a breaker denies a probe.
	MaxRouteAttempts int `json:"max_route_attempts" yaml:"max_route_attempts"`
	// StableOrder sorts outcomes by request id.
	StableOrder bool `json:"stable_order" yaml:"stable_order"`
	// Speculative enables draft-then-verify for every request.
	Speculative bool `json:"speculative" yaml:"speculative"`
}

// DefaultConfig returns the default dispatcher settings.
func DefaultConfig() Config {
	return Config{
		Concurrency:      8,
		MaxRouteAttempts: 3,
	}
}

// Components are the shared collaborators every request goes through.
type Components struct {
	Catalog  *catalog.Catalog
	Router   *router.Router
	Breakers *breaker.Registry
	Budget   *budget.Tracker
	Executor *speculative.Executor
}

// Dispatcher fans batches of requests out to the routing stack.
type Dispatcher struct {
	Components
	classifier *router.Classifier
	sink       observe.Sink
	grader     Grader
	cfg        Config
	debug      bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithConfig replaces the dispatcher settings. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(d *Dispatcher) {
		def := DefaultConfig()
		if cfg.Concurrency <= 0 {
			cfg.Concurrency = def.Concurrency
		}
		if cfg.MaxRouteAttempts <= 0 {
			cfg.MaxRouteAttempts = def.MaxRouteAttempts
		}
		if cfg.Deadline < 0 {
			cfg.Deadline = 0
		}
		d.cfg = cfg
	}
}

// WithClassifier infers task types for requests that carry none.
func WithClassifier(c *router.Classifier) Option {
	return func(d *Dispatcher) {
		d.classifier = c
	}
}

// WithSink reports every backend call to s.
func WithSink(s observe.Sink) Option {
	return func(d *Dispatcher) {
		d.sink = observe.OrNop(s)
	}
}

// WithGrader overrides how successful outputs are scored.
func WithGrader(g Grader) Option {
	return func(d *Dispatcher) {
		if g != nil {
			d.grader = g
		}
	}
}

// WithDebug enables debug logging.
func WithDebug(debug bool) Option {
	return func(d *Dispatcher) {
		d.debug = debug
	}
}

// NewDispatcher creates a dispatcher over explicitly constructed components.
func NewDispatcher(c Components, opts ...Option) (*Dispatcher, error) {
	switch {
	case c.Catalog == nil:
		return nil, fmt.Errorf("swarm: catalog is required")
	case c.Router == nil:
		return nil, fmt.Errorf("swarm: router is required")
	case c.Breakers == nil:
		return nil, fmt.Errorf("swarm: breaker registry is required")
	case c.Budget == nil:
		return nil, fmt.Errorf("swarm: budget tracker is required")
	case c.Executor == nil:
		return nil, fmt.Errorf("swarm: executor is required")
	}
	d := &Dispatcher{
		Components: c,
		sink:       observe.Nop{},
		grader:     DefaultGrader,
		cfg:        DefaultConfig(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Config returns the active settings.
func (d *Dispatcher) Config() Config {
	return d.cfg
}

// ExecuteParallel runs every request concurrently, bounded by Concurrency.
// Per-request failures become outcomes; the batch itself never fails.
func (d *Dispatcher) ExecuteParallel(ctx context.Context, requests []Request) *BatchResult {
	start := time.Now()
	if d.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Deadline)
		defer cancel()
	}

	reqs := make([]Request, len(requests))
	copy(reqs, requests)
	for i := range reqs {
		if reqs[i].ID == "" {
			reqs[i].ID = uuid.NewString()
		}
	}

	outcomes := make([]Outcome, len(reqs))
	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for i := range reqs {
		i := i
		g.Go(func() error {
			outcomes[i] = d.execute(ctx, reqs[i])
			return nil // outcomes carry per-request errors
		})
	}
	_ = g.Wait()

	result := &BatchResult{Outcomes: outcomes}
	for _, o := range outcomes {
		if o.Success {
			result.Completed++
		} else {
			result.Failed++
		}
	}
	if d.cfg.StableOrder {
		sort.SliceStable(result.Outcomes, func(i, j int) bool {
			return result.Outcomes[i].RequestID < result.Outcomes[j].RequestID
		})
	}
	if d.debug {
		log.Printf("[swarm] batch of %d: %d completed, %d failed in %s",
			len(reqs), result.Completed, result.Failed, time.Since(start).Round(time.Millisecond))
	}
	return result
}

// Execute runs a single request through the full cycle.
func (d *Dispatcher) Execute(ctx context.Context, req Request) Outcome {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	return d.execute(ctx, req)
}

func (d *Dispatcher) execute(ctx context.Context, req Request) Outcome {
	start := time.Now()
	out := Outcome{RequestID: req.ID, TaskType: req.TaskType}
	fail := func(err error) Outcome {
		out.Success = false
		out.Err = err
		out.Error = err.Error()
		out.LatencyMs = msSince(start)
		if d.debug {
			log.Printf("[swarm] request %s failed: %v", req.ID, err)
		}
		return out
	}

	if err := ctx.Err(); err != nil {
		return fail(deadlineError(err))
	}

	constraints, err := d.admit(req)
	if err != nil {
		return fail(err)
	}

	if req.TaskType == "" && d.classifier != nil {
		class, _ := d.classifier.Classify(ctx, req.Prompt)
		if class != nil {
			req.TaskType = class.TaskType
			out.TaskType = class.TaskType
		}
	}

	pair, permit, err := d.route(req, constraints)
	if err != nil {
		return fail(err)
	}
	out.BackendID = pair.Expensive.ID

	var res *speculative.Result
	if (req.Speculative || d.cfg.Speculative) && pair.HasCheap {
		res, err = d.Executor.SpeculativeDecode(ctx, req.Prompt, pair.Cheap, pair.Expensive)
	} else {
		res, err = d.Executor.Direct(ctx, req.Prompt, pair.Expensive)
	}

	batchDone := ctx.Err() != nil
	if res != nil {
		out.Strategy = res.Strategy
		for _, call := range res.Calls {
			out.Cost += d.record(req, call, batchDone)
		}
	}
	if batchDone && err != nil {
		d.Breakers.Release(permit)
		return fail(deadlineError(err))
	}
	if err != nil {
		return fail(err)
	}

	out.Success = true
	out.Output = res.Output
	out.LatencyMs = msSince(start)
	return out
}

// admit applies budget admission control and returns the effective constraints.
func (d *Dispatcher) admit(req Request) (router.Constraints, error) {
	var c router.Constraints
	if req.Constraints != nil {
		c = *req.Constraints
		c.Exclude = append([]string(nil), req.Constraints.Exclude...)
	}
	if err := d.Budget.Check(); err != nil {
		return c, fmt.Errorf("%w: %w", ErrAdmissionDenied, err)
	}
	if d.Budget.OnlyCriticalAllowed() && req.Priority != PriorityCritical {
		return c, fmt.Errorf("%w: budget reserved for critical requests", ErrAdmissionDenied)
	}
	if d.Budget.ShouldDowngrade() {
		c.PreferCheap = true
	}
	return c, nil
}

// route picks a backend whose breaker admits the call, excluding backends
// that deny it, up to MaxRouteAttempts.
func (d *Dispatcher) route(req Request, c router.Constraints) (*router.Pair, breaker.Permit, error) {
	for attempt := 0; attempt < d.cfg.MaxRouteAttempts; attempt++ {
		pair, err := d.Router.RoutePair(req.AgentID, req.TaskType, &c, req.EstimatedTokens)
		if err != nil {
			return nil, breaker.Permit{}, err
		}
		if permit, ok := d.Breakers.Acquire(pair.Expensive.ID); ok {
			if pair.HasCheap && d.Breakers.Snapshot(pair.Cheap.ID).Status != breaker.Closed {
				pair.HasCheap = false
			}
			return pair, permit, nil
		}
		if d.debug {
			log.Printf("[swarm] request %s: %s denied by breaker, rerouting", req.ID, pair.Expensive.ID)
		}
		c.Exclude = append(c.Exclude, pair.Expensive.ID)
	}
	return nil, breaker.Permit{}, fmt.Errorf("%w: no backend admitted after %d attempts", breaker.ErrCircuitOpen, d.cfg.MaxRouteAttempts)
}

// record bills one call and feeds its outcome back into the router,
// breaker and sink. Calls abandoned because the batch ended are billed but
// not attributed to the backend.
func (d *Dispatcher) record(req Request, call speculative.Call, batchDone bool) float64 {
	// Failed calls carry no tokens; they are still ledgered so per-backend
	// call counts include them.
	cost, err := d.Budget.RecordSpend(call.BackendID, req.AgentID, call.InputTokens, call.OutputTokens)
	if err != nil {
		log.Printf("[swarm] request %s: record spend on %s: %v", req.ID, call.BackendID, err)
	}

	d.sink.LogModelCall(observe.ModelCall{
		BackendID:    call.BackendID,
		AgentID:      req.AgentID,
		InputTokens:  call.InputTokens,
		OutputTokens: call.OutputTokens,
		Latency:      call.Latency,
		Success:      call.Success(),
		Cost:         cost,
	})
	if batchDone && !call.Success() {
		return cost
	}

	quality := 0.0
	if call.Success() {
		quality = d.grader(req, call.Output)
		d.Breakers.RecordSuccess(call.BackendID)
	} else {
		d.Breakers.RecordFailure(call.BackendID)
	}
	d.Router.UpdateStats(call.BackendID, req.TaskType, router.Outcome{
		Success:   call.Success(),
		Quality:   quality,
		LatencyMs: float64(call.Latency.Microseconds()) / 1000,
		Cost:      cost,
	})
	return cost
}

func deadlineError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrDeadlineExceeded, err)
	}
	return fmt.Errorf("%w: %v", ErrDeadlineExceeded, err)
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
