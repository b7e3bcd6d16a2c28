// Package engine assembles the routing stack from a routing config.
package engine

import (
	"fmt"
	"log"
	"time"

	"github.com/zen-systems/switchyard/pkg/adapter"
	"github.com/zen-systems/switchyard/pkg/breaker"
	"github.com/zen-systems/switchyard/pkg/budget"
	"github.com/zen-systems/switchyard/pkg/catalog"
	"github.com/zen-systems/switchyard/pkg/config"
	"github.com/zen-systems/switchyard/pkg/observe"
	"github.com/zen-systems/switchyard/pkg/profile"
	"github.com/zen-systems/switchyard/pkg/router"
	"github.com/zen-systems/switchyard/pkg/speculative"
	"github.com/zen-systems/switchyard/pkg/swarm"
)

// Engine owns one instance of every routing component. All components
// share the same catalog, breaker registry and budget tracker.
type Engine struct {
	Catalog    *catalog.Catalog
	Breakers   *breaker.Registry
	Budget     *budget.Tracker
	Profiles   *profile.Static
	Router     *router.Router
	Classifier *router.Classifier
	Executor   *speculative.Executor
	Swarm      *swarm.Dispatcher
	Caller     adapter.Caller
}

type options struct {
	caller adapter.Caller
	sink   observe.Sink
	grader swarm.Grader
	now    func() time.Time
	debug  bool
}

// Option configures New.
type Option func(*options)

// WithCaller replaces the adapter dispatcher.
func WithCaller(c adapter.Caller) Option {
	return func(o *options) {
		o.caller = c
	}
}

// WithSink reports routing decisions and backend calls to s.
func WithSink(s observe.Sink) Option {
	return func(o *options) {
		o.sink = s
	}
}

// WithGrader overrides how successful outputs are scored.
func WithGrader(g swarm.Grader) Option {
	return func(o *options) {
		o.grader = g
	}
}

// WithClock sets the clock used by breakers and the budget tracker.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithDebug enables debug logging in every component.
func WithDebug(debug bool) Option {
	return func(o *options) {
		o.debug = debug
	}
}

// New builds the stack. adapters are keyed by provider name and are only
// used when no caller is supplied.
func New(rc *config.RoutingConfig, adapters map[string]adapter.Adapter, opts ...Option) (*Engine, error) {
	if rc == nil {
		rc = config.DefaultRoutingConfig()
	}
	o := options{sink: observe.Nop{}, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	cat, err := catalog.New(rc.Backends...)
	if err != nil {
		return nil, fmt.Errorf("build catalog: %w", err)
	}

	caller := o.caller
	if caller == nil {
		dopts := []adapter.DispatcherOption{
			adapter.WithRetry(rc.DispatcherRetry()),
			adapter.WithTimeoutMultiplier(rc.Speculative.TimeoutMultiplier),
			adapter.WithDispatcherDebug(o.debug),
		}
		for id, rl := range rc.RateLimits {
			dopts = append(dopts, adapter.WithRateLimit(id, adapter.RateLimit{RPS: rl.RPS, Burst: rl.Burst}))
		}
		for _, d := range cat.List() {
			if _, ok := adapters[d.Provider]; !ok && o.debug {
				log.Printf("[engine] no adapter for provider %s, backend %s will fail", d.Provider, d.ID)
			}
		}
		caller = adapter.NewDispatcher(cat, adapters, dopts...)
	}

	breakers := breaker.NewRegistry(rc.Breaker, breaker.WithClock(o.now), breaker.WithDebug(o.debug))
	tracker := budget.NewTracker(cat, budget.Budget{Daily: rc.Budget.Daily},
		budget.WithClock(o.now), budget.WithThresholds(rc.Budget.Thresholds))
	profiles := profile.NewStatic(rc.Profiles)

	rt := router.NewRouter(cat,
		router.WithConfig(rc.Router),
		router.WithBreakers(breakers),
		router.WithProfiles(profiles),
		router.WithSink(o.sink),
		router.WithDebug(o.debug),
	)

	var copts []router.ClassifierOption
	if rc.TieBreakerEnabled() {
		copts = append(copts, router.WithTieBreaker(caller, rc.ClassifierBackend, rc.ClassifierConfidenceThreshold))
	}
	classifier := router.NewClassifier(rc.TriggerMap(), copts...)

	executor := speculative.NewExecutor(caller,
		speculative.WithConfig(rc.Speculative),
		speculative.WithDebug(o.debug),
	)

	sw, err := swarm.NewDispatcher(swarm.Components{
		Catalog:  cat,
		Router:   rt,
		Breakers: breakers,
		Budget:   tracker,
		Executor: executor,
	},
		swarm.WithConfig(rc.Swarm),
		swarm.WithClassifier(classifier),
		swarm.WithSink(o.sink),
		swarm.WithGrader(o.grader),
		swarm.WithDebug(o.debug),
	)
	if err != nil {
		return nil, err
	}

	return &Engine{
		Catalog:    cat,
		Breakers:   breakers,
		Budget:     tracker,
		Profiles:   profiles,
		Router:     rt,
		Classifier: classifier,
		Executor:   executor,
		Swarm:      sw,
		Caller:     caller,
	}, nil
}

// Reset clears learned statistics, breaker state and recorded spend.
func (e *Engine) Reset() {
	e.Router.Reset()
	e.Breakers.Reset()
	e.Budget.Reset()
}
