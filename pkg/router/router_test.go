package router

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zen-systems/switchyard/pkg/breaker"
	"github.com/zen-systems/switchyard/pkg/catalog"
	"github.com/zen-systems/switchyard/pkg/observe"
)

func newCatalog(t *testing.T, descriptors ...catalog.Descriptor) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New(descriptors...)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return cat
}

// abCatalog mirrors two code-generation backends: A is better and pricier.
func abCatalog(t *testing.T) *catalog.Catalog {
	return newCatalog(t,
		catalog.Descriptor{ID: "A", Provider: "p", CostPerInputToken: 0.005, CostPerOutputToken: 0.005, Quality: 0.95, Capabilities: []string{"code-generation"}},
		catalog.Descriptor{ID: "B", Provider: "p", CostPerInputToken: 0.003, CostPerOutputToken: 0.003, Quality: 0.85, Capabilities: []string{"code-generation"}},
	)
}

type staticProfiles map[string]Constraints

func (s staticProfiles) Constraints(agentID, _ string) Constraints {
	return s[agentID]
}

type decisionSink struct {
	mu        sync.Mutex
	decisions []observe.RoutingDecision
}

func (s *decisionSink) LogRoutingDecision(_ string, _ string, d observe.RoutingDecision) {
	s.mu.Lock()
	s.decisions = append(s.decisions, d)
	s.mu.Unlock()
}

func (s *decisionSink) LogModelCall(observe.ModelCall) {}

func TestEndToEndConvergesWithHighConfidence(t *testing.T) {
	sink := &decisionSink{}
	r := NewRouter(abCatalog(t), WithSink(sink))

	for i := 0; i < 100; i++ {
		r.UpdateStats("A", "code-generation", Outcome{Success: true, Quality: 0.95, LatencyMs: 800, Cost: 10})
		r.UpdateStats("B", "code-generation", Outcome{Success: true, Quality: 0.85, LatencyMs: 600, Cost: 6})
	}

	d, err := r.Route("agentX", "code-generation", nil, 0)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if d.BackendID != "A" {
		t.Fatalf("expected A, got %s (%s)", d.BackendID, d.Reason)
	}
	if d.ConfidenceTier() != TierHigh {
		t.Fatalf("expected high confidence, got %.3f (%s)", d.Confidence, d.ConfidenceTier())
	}
	if len(sink.decisions) != 1 || sink.decisions[0].BackendID != "A" {
		t.Fatalf("expected the decision to be logged, got %+v", sink.decisions)
	}
}

func TestConvergesTowardHigherObservedQuality(t *testing.T) {
	cat := newCatalog(t,
		catalog.Descriptor{ID: "A", Provider: "p", Quality: 0.5},
		catalog.Descriptor{ID: "B", Provider: "p", Quality: 0.5},
	)
	r := NewRouter(cat)
	for i := 0; i < 50; i++ {
		r.UpdateStats("A", "review", Outcome{Success: true, Quality: 0.9})
		r.UpdateStats("B", "review", Outcome{Success: true, Quality: 0.3})
	}
	d, err := r.Route("agent", "review", nil, 100)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if d.BackendID != "A" {
		t.Fatalf("expected A after convergence, got %s", d.BackendID)
	}
}

func TestColdStartTriesUnobservedBackend(t *testing.T) {
	r := NewRouter(abCatalog(t))
	for i := 0; i < 20; i++ {
		r.UpdateStats("A", "code-generation", Outcome{Success: true, Quality: 1})
	}
	d, err := r.Route("agent", "code-generation", nil, 0)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if d.BackendID != "B" {
		t.Fatalf("expected cold-start preference for B, got %s", d.BackendID)
	}
	if d.Confidence != 0 || d.ConfidenceTier() != TierLow {
		t.Fatalf("expected zero confidence without samples, got %.3f", d.Confidence)
	}
}

func TestImpossibleConstraints(t *testing.T) {
	r := NewRouter(abCatalog(t))
	_, err := r.Route("agentX", "code-generation", &Constraints{MaxCost: 0.0000001, MinQuality: 0.99}, 0)
	if !errors.Is(err, ErrNoBackendsAvailable) {
		t.Fatalf("expected ErrNoBackendsAvailable, got %v", err)
	}
}

func TestInvalidConstraints(t *testing.T) {
	r := NewRouter(abCatalog(t))
	tests := []Constraints{
		{MaxCost: -1},
		{MinQuality: 1.5},
		{MinQuality: -0.1},
		{MaxLatency: -time.Second},
	}
	for _, c := range tests {
		c := c
		if _, err := r.Route("agent", "code-generation", &c, 0); !errors.Is(err, ErrInvalidConstraints) {
			t.Fatalf("constraints %+v: expected ErrInvalidConstraints, got %v", c, err)
		}
	}
}

func TestFilters(t *testing.T) {
	cat := newCatalog(t,
		catalog.Descriptor{ID: "slow", Provider: "p", Quality: 0.9, LatencyP50: 5 * time.Second, Capabilities: []string{"review"}},
		catalog.Descriptor{ID: "fast", Provider: "p", Quality: 0.7, LatencyP50: 500 * time.Millisecond},
		catalog.Descriptor{ID: "other", Provider: "p", Quality: 0.99, Capabilities: []string{"research"}},
	)
	r := NewRouter(cat)

	tests := []struct {
		name string
		c    *Constraints
		want string
	}{
		{name: "latency prior", c: &Constraints{MaxLatency: time.Second}, want: "fast"},
		{name: "quality", c: &Constraints{MinQuality: 0.8}, want: "slow"},
		{name: "exclude", c: &Constraints{Exclude: []string{"slow"}}, want: "fast"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := r.Route("agent", "review", tt.c, 0)
			if err != nil {
				t.Fatalf("route: %v", err)
			}
			if d.BackendID != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, d.BackendID)
			}
			for _, cand := range d.Candidates {
				if cand.BackendID == "other" {
					t.Fatalf("backend without the capability was considered")
				}
			}
		})
	}
}

func TestObservedLatencyOverridesPrior(t *testing.T) {
	cat := newCatalog(t, catalog.Descriptor{ID: "a", Provider: "p", Quality: 0.8, LatencyP50: 100 * time.Millisecond})
	r := NewRouter(cat)
	r.UpdateStats("a", "", Outcome{Success: true, Quality: 0.8, LatencyMs: 4000})
	if _, err := r.Route("agent", "", &Constraints{MaxLatency: time.Second}, 0); !errors.Is(err, ErrNoBackendsAvailable) {
		t.Fatalf("expected observed latency to exclude the backend, got %v", err)
	}
}

func TestOpenCircuitExcluded(t *testing.T) {
	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	r := NewRouter(abCatalog(t), WithBreakers(breakers))
	for i := 0; i < 3; i++ {
		breakers.RecordFailure("A")
	}
	for i := 0; i < 5; i++ {
		d, err := r.Route("agent", "code-generation", nil, 0)
		if err != nil {
			t.Fatalf("route: %v", err)
		}
		if d.BackendID != "B" {
			t.Fatalf("expected open backend A to be skipped, got %s", d.BackendID)
		}
	}
	for i := 0; i < 3; i++ {
		breakers.RecordFailure("B")
	}
	if _, err := r.Route("agent", "code-generation", nil, 0); !errors.Is(err, ErrNoBackendsAvailable) {
		t.Fatalf("expected ErrNoBackendsAvailable with every circuit open, got %v", err)
	}
}

func TestTieBreakByCostThenRegistrationOrder(t *testing.T) {
	cat := newCatalog(t,
		catalog.Descriptor{ID: "first", Provider: "p", Quality: 0.8},
		catalog.Descriptor{ID: "second", Provider: "p", Quality: 0.8},
	)
	r := NewRouter(cat, WithConfig(Config{CostWeight: 0}))
	d, err := r.Route("agent", "", nil, 0)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if d.BackendID != "first" {
		t.Fatalf("expected registration order to break ties, got %s", d.BackendID)
	}

	for i := 0; i < 10; i++ {
		r.UpdateStats("first", "", Outcome{Success: true, Quality: 0.8, Cost: 0.02})
		r.UpdateStats("second", "", Outcome{Success: true, Quality: 0.8, Cost: 0.01})
	}
	d, err = r.Route("agent", "", nil, 0)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if d.BackendID != "second" {
		t.Fatalf("expected lower observed cost per call to break ties, got %s", d.BackendID)
	}
}

func TestPreferLocal(t *testing.T) {
	cat := newCatalog(t,
		catalog.Descriptor{ID: "cloud", Provider: "p", Quality: 0.8},
		catalog.Descriptor{ID: "local", Provider: "ollama", Quality: 0.78, Local: true},
	)
	r := NewRouter(cat)
	for i := 0; i < 30; i++ {
		r.UpdateStats("cloud", "", Outcome{Success: true, Quality: 0.9})
		r.UpdateStats("local", "", Outcome{Success: true, Quality: 0.9})
	}

	d, err := r.Route("agent", "", nil, 0)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if d.BackendID != "cloud" {
		t.Fatalf("expected higher prior to win without preference, got %s", d.BackendID)
	}
	d, err = r.Route("agent", "", &Constraints{PreferLocal: true}, 0)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if d.BackendID != "local" {
		t.Fatalf("expected local preference, got %s", d.BackendID)
	}
}

func TestPreferCheapAmplifiesCostPenalty(t *testing.T) {
	cat := newCatalog(t,
		catalog.Descriptor{ID: "paid", Provider: "p", Quality: 0.8, CostPerInputToken: 0.00001},
		catalog.Descriptor{ID: "free", Provider: "ollama", Quality: 0.7, Local: true},
	)
	r := NewRouter(cat)

	d, err := r.Route("agent", "", &Constraints{PreferCheap: true}, 0)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	var penalty float64
	for _, cand := range d.Candidates {
		if cand.BackendID == "paid" {
			penalty = cand.CostPenalty
		}
	}
	if want := DefaultConfig().CostWeight * DefaultConfig().DowngradeCostFactor; penalty != want {
		t.Fatalf("expected amplified penalty %.2f, got %.2f", want, penalty)
	}
}

func TestProfileDefaultsMergeWithExplicitConstraints(t *testing.T) {
	profiles := staticProfiles{"careful": {MinQuality: 0.9}}
	r := NewRouter(abCatalog(t), WithProfiles(profiles))

	d, err := r.Route("careful", "code-generation", nil, 0)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if d.BackendID != "A" {
		t.Fatalf("expected profile min quality to exclude B, got %s", d.BackendID)
	}
	d, err = r.Route("careful", "code-generation", &Constraints{MinQuality: 0.5}, 0)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(d.Candidates) != 2 {
		t.Fatalf("expected explicit constraint to override profile, got %d candidates", len(d.Candidates))
	}
	if _, err := r.Route("unknown-agent", "code-generation", nil, 0); err != nil {
		t.Fatalf("unknown agent should route with empty constraints: %v", err)
	}
}

func TestConfidenceMonotonic(t *testing.T) {
	r := NewRouter(abCatalog(t))
	prev := -1.0
	for _, margin := range []float64{0, 0.001, 0.01, 0.05, 0.2} {
		c := r.confidence(margin, false, 50)
		if c < prev {
			t.Fatalf("confidence decreased with margin %.3f: %.3f < %.3f", margin, c, prev)
		}
		prev = c
	}
	prev = -1.0
	for _, n := range []int{0, 1, 5, 50, 500} {
		c := r.confidence(0.05, false, n)
		if c < prev || c < 0 || c > 1 {
			t.Fatalf("confidence not monotonic in samples at n=%d: %.3f", n, c)
		}
		prev = c
	}
}

func TestConcurrentUpdatesAreNotLost(t *testing.T) {
	r := NewRouter(abCatalog(t))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				r.UpdateStats("A", "code-generation", Outcome{Success: j%2 == 0, Quality: 0.5, LatencyMs: 100})
			}
		}(i)
	}
	wg.Wait()

	s, ok := r.Stats("A", "code-generation")
	if !ok {
		t.Fatalf("expected statistic")
	}
	if s.TotalCalls != 1000 || s.SuccessCount != 500 {
		t.Fatalf("lost updates: %+v", s)
	}
	if s.Quality < 0.4999 || s.Quality > 0.5001 || s.LatencyMs < 99.99 || s.LatencyMs > 100.01 {
		t.Fatalf("unexpected means: %+v", s)
	}
	if rate := s.SuccessRate(); rate < 0 || rate > 1 {
		t.Fatalf("success rate out of range: %f", rate)
	}
}

func TestRoutePair(t *testing.T) {
	r := NewRouter(abCatalog(t))
	for i := 0; i < 40; i++ {
		r.UpdateStats("A", "code-generation", Outcome{Success: true, Quality: 1})
		r.UpdateStats("B", "code-generation", Outcome{Success: true, Quality: 0.6})
	}
	pair, err := r.RoutePair("agent", "code-generation", nil, 0)
	if err != nil {
		t.Fatalf("route pair: %v", err)
	}
	if pair.Expensive.ID != "A" || !pair.HasCheap || pair.Cheap.ID != "B" {
		t.Fatalf("unexpected pair: expensive=%s cheap=%s has=%v", pair.Expensive.ID, pair.Cheap.ID, pair.HasCheap)
	}

	single := NewRouter(newCatalog(t, catalog.Descriptor{ID: "only", Provider: "p", Quality: 0.7}))
	pair, err = single.RoutePair("agent", "", nil, 0)
	if err != nil {
		t.Fatalf("route pair: %v", err)
	}
	if pair.HasCheap || pair.Expensive.ID != "only" {
		t.Fatalf("expected no cheap backend for a single candidate")
	}
	if pair.Decision.Confidence != 0 {
		t.Fatalf("expected zero confidence without samples")
	}
}

func TestResetClearsStatistics(t *testing.T) {
	r := NewRouter(abCatalog(t))
	r.UpdateStats("A", "x", Outcome{Success: true, Quality: 1})
	r.Reset()
	if _, ok := r.Stats("A", "x"); ok {
		t.Fatalf("expected statistics to be cleared")
	}
}

func TestConstraintsMerge(t *testing.T) {
	base := Constraints{MaxCost: 1, MinQuality: 0.5, Exclude: []string{"a"}}
	got := base.Merge(Constraints{MinQuality: 0.7, PreferCheap: true, Exclude: []string{"a", "b"}})
	if got.MaxCost != 1 || got.MinQuality != 0.7 || !got.PreferCheap {
		t.Fatalf("unexpected merge: %+v", got)
	}
	if len(got.Exclude) != 2 {
		t.Fatalf("expected deduplicated exclusions, got %v", got.Exclude)
	}
	if len(base.Exclude) != 1 {
		t.Fatalf("merge mutated its receiver")
	}
}
