package router

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sort"

	"github.com/zen-systems/switchyard/pkg/breaker"
	"github.com/zen-systems/switchyard/pkg/catalog"
	"github.com/zen-systems/switchyard/pkg/observe"
)

// ErrNoBackendsAvailable is returned when constraints and breaker state
// eliminate every candidate backend.
var ErrNoBackendsAvailable = errors.New("no backends available")

// coldStartBonus dominates every finite score so unobserved backends are
// tried before the formula exploits.
const coldStartBonus = 1e9

// Config tunes the scoring formula.
type Config struct {
	// Exploration scales the UCB exploration bonus.
	Exploration float64 `json:"exploration" yaml:"exploration"`
	// CostWeight scales the normalized cost penalty.
	CostWeight float64 `json:"cost_weight" yaml:"cost_weight"`
	// PriorWeight is the pseudo-count given to the catalog quality prior.
	PriorWeight float64 `json:"prior_weight" yaml:"prior_weight"`
	// MarginScale controls how quickly confidence saturates with score margin.
	MarginScale float64 `json:"margin_scale" yaml:"margin_scale"`
	// SampleScale controls how quickly confidence saturates with sample size.
	SampleScale float64 `json:"sample_scale" yaml:"sample_scale"`
	// LocalBonus is added to local backends when PreferLocal is set.
	LocalBonus float64 `json:"local_bonus" yaml:"local_bonus"`
	// DowngradeCostFactor multiplies CostWeight when PreferCheap is set.
	DowngradeCostFactor float64 `json:"downgrade_cost_factor" yaml:"downgrade_cost_factor"`
	// DefaultTokenEstimate is used when a request carries no estimate.
	DefaultTokenEstimate int `json:"default_token_estimate" yaml:"default_token_estimate"`
	// OutputRatio estimates output tokens as a share of input tokens.
	OutputRatio float64 `json:"output_ratio" yaml:"output_ratio"`
}

// DefaultConfig returns the default scoring parameters.
func DefaultConfig() Config {
	return Config{
		Exploration:          1.0,
		CostWeight:           0.1,
		PriorWeight:          5,
		MarginScale:          0.02,
		SampleScale:          10,
		LocalBonus:           0.05,
		DowngradeCostFactor:  4,
		DefaultTokenEstimate: 1000,
		OutputRatio:          1.0,
	}
}

// withDefaults fills unset or invalid fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Exploration < 0 {
		c.Exploration = d.Exploration
	}
	if c.CostWeight < 0 {
		c.CostWeight = d.CostWeight
	}
	if c.PriorWeight <= 0 {
		c.PriorWeight = d.PriorWeight
	}
	if c.MarginScale <= 0 {
		c.MarginScale = d.MarginScale
	}
	if c.SampleScale <= 0 {
		c.SampleScale = d.SampleScale
	}
	if c.LocalBonus < 0 {
		c.LocalBonus = d.LocalBonus
	}
	if c.DowngradeCostFactor < 1 {
		c.DowngradeCostFactor = d.DowngradeCostFactor
	}
	if c.DefaultTokenEstimate <= 0 {
		c.DefaultTokenEstimate = d.DefaultTokenEstimate
	}
	if c.OutputRatio < 0 {
		c.OutputRatio = d.OutputRatio
	}
	return c
}

// Router picks a backend per request with a UCB bandit over observed outcomes.
type Router struct {
	catalog  *catalog.Catalog
	breakers *breaker.Registry
	profiles ProfileSource
	sink     observe.Sink
	cfg      Config
	debug    bool
	stats    *statStore
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithConfig replaces the scoring parameters.
func WithConfig(cfg Config) RouterOption {
	return func(r *Router) {
		r.cfg = cfg.withDefaults()
	}
}

// WithExploration sets the exploration constant.
func WithExploration(c float64) RouterOption {
	return func(r *Router) {
		if c >= 0 {
			r.cfg.Exploration = c
		}
	}
}

// WithBreakers excludes backends whose circuit is open.
func WithBreakers(b *breaker.Registry) RouterOption {
	return func(r *Router) {
		r.breakers = b
	}
}

// WithProfiles supplies per-agent default constraints.
func WithProfiles(p ProfileSource) RouterOption {
	return func(r *Router) {
		r.profiles = p
	}
}

// WithSink reports every decision to s.
func WithSink(s observe.Sink) RouterOption {
	return func(r *Router) {
		r.sink = observe.OrNop(s)
	}
}

// WithDebug enables debug logging.
func WithDebug(debug bool) RouterOption {
	return func(r *Router) {
		r.debug = debug
	}
}

// NewRouter creates a router over the catalog.
func NewRouter(cat *catalog.Catalog, opts ...RouterOption) *Router {
	r := &Router{
		catalog: cat,
		sink:    observe.Nop{},
		cfg:     DefaultConfig(),
		stats:   newStatStore(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the active scoring parameters.
func (r *Router) Config() Config {
	return r.cfg
}

// UpdateStats folds one observation into the running means for the key.
// Safe for concurrent use.
func (r *Router) UpdateStats(backendID, taskType string, o Outcome) {
	r.stats.update(statKey{backendID: backendID, taskType: taskType}, o)
}

// Stats returns the statistic for a key and whether it has been observed.
func (r *Router) Stats(backendID, taskType string) (Statistic, bool) {
	return r.stats.get(statKey{backendID: backendID, taskType: taskType})
}

// Reset discards every statistic.
func (r *Router) Reset() {
	r.stats.reset()
}

// Route chooses a backend for the request.
func (r *Router) Route(agentID, taskType string, c *Constraints, tokenEstimate int) (*Decision, error) {
	d, _, err := r.route(agentID, taskType, c, tokenEstimate)
	if err != nil {
		return nil, err
	}
	r.sink.LogRoutingDecision(agentID, taskType, d.observed())
	return d, nil
}

// Pair is a (cheap, expensive) backend pair for speculative execution.
type Pair struct {
	Decision  *Decision
	Expensive catalog.Descriptor
	Cheap     catalog.Descriptor
	// HasCheap is false when no surviving candidate is cheaper than Expensive.
	HasCheap bool
}

// RoutePair routes the request and picks the cheapest other surviving
// candidate that is strictly cheaper than the winner as the draft backend.
func (r *Router) RoutePair(agentID, taskType string, c *Constraints, tokenEstimate int) (*Pair, error) {
	d, survivors, err := r.route(agentID, taskType, c, tokenEstimate)
	if err != nil {
		return nil, err
	}
	r.sink.LogRoutingDecision(agentID, taskType, d.observed())

	pair := &Pair{Decision: d}
	pair.Expensive, _ = r.catalog.Get(d.BackendID)

	var cheapest *CandidateScore
	for i := range d.Candidates {
		cand := &d.Candidates[i]
		if cand.BackendID == d.BackendID || cand.EstimatedCost >= d.EstimatedCost {
			continue
		}
		if cheapest == nil || cand.EstimatedCost < cheapest.EstimatedCost {
			cheapest = cand
		}
	}
	if cheapest != nil {
		pair.Cheap = survivors[cheapest.BackendID]
		pair.HasCheap = true
	}
	return pair, nil
}

type rejections struct {
	capability, unavailable, excluded, cost, quality, latency int
}

func (r *Router) route(agentID, taskType string, c *Constraints, tokenEstimate int) (*Decision, map[string]catalog.Descriptor, error) {
	constraints := Constraints{}
	if r.profiles != nil {
		constraints = r.profiles.Constraints(agentID, taskType)
	}
	if c != nil {
		constraints = constraints.Merge(*c)
	}
	if err := constraints.Validate(); err != nil {
		return nil, nil, err
	}

	if tokenEstimate <= 0 {
		tokenEstimate = r.cfg.DefaultTokenEstimate
	}
	outputTokens := int(math.Round(float64(tokenEstimate) * r.cfg.OutputRatio))

	var (
		rejected   rejections
		candidates []CandidateScore
		survivors  = make(map[string]catalog.Descriptor)
	)
	for i, desc := range r.catalog.List() {
		if !desc.Supports(taskType) {
			rejected.capability++
			continue
		}
		if r.breakers != nil && !r.breakers.IsAvailable(desc.ID) {
			rejected.unavailable++
			continue
		}
		if constraints.excludes(desc.ID) {
			rejected.excluded++
			continue
		}

		stat, _ := r.Stats(desc.ID, taskType)
		estCost := desc.Cost(tokenEstimate, outputTokens)
		if constraints.MaxCost > 0 && estCost > constraints.MaxCost {
			rejected.cost++
			continue
		}
		quality := r.blendedQuality(desc.Quality, stat)
		if constraints.MinQuality > 0 && quality < constraints.MinQuality {
			rejected.quality++
			continue
		}
		if constraints.MaxLatency > 0 {
			latencyMs := float64(desc.LatencyP50.Milliseconds())
			if stat.TotalCalls > 0 {
				latencyMs = stat.LatencyMs
			}
			if latencyMs > float64(constraints.MaxLatency.Milliseconds()) {
				rejected.latency++
				continue
			}
		}

		costPerCall := estCost
		if stat.TotalCalls > 0 {
			costPerCall = stat.CostPerCall
		}
		candidates = append(candidates, CandidateScore{
			BackendID:     desc.ID,
			Quality:       quality,
			EstimatedCost: estCost,
			Calls:         stat.TotalCalls,
			costPerCall:   costPerCall,
			index:         i,
		})
		survivors[desc.ID] = desc
	}

	if len(candidates) == 0 {
		return nil, nil, fmt.Errorf("%w: task %q (capability=%d unavailable=%d excluded=%d cost=%d quality=%d latency=%d)",
			ErrNoBackendsAvailable, taskType, rejected.capability, rejected.unavailable, rejected.excluded,
			rejected.cost, rejected.quality, rejected.latency)
	}

	r.score(candidates, survivors, constraints)

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.costPerCall != b.costPerCall {
			return a.costPerCall < b.costPerCall
		}
		return a.index < b.index
	})

	winner := candidates[0]
	margin := 1.0
	if len(candidates) > 1 {
		margin = winner.Score - candidates[1].Score
	}
	confidence := r.confidence(margin, len(candidates) == 1, winner.Calls)

	d := &Decision{
		BackendID:     winner.BackendID,
		TaskType:      taskType,
		Reason:        reason(winner, len(candidates)),
		Confidence:    confidence,
		Score:         winner.Score,
		EstimatedCost: winner.EstimatedCost,
		Candidates:    candidates,
	}
	if r.debug {
		for _, cand := range candidates {
			log.Printf("[router] %s task=%s score=%.4f quality=%.3f penalty=%.3f bonus=%.3f calls=%d",
				cand.BackendID, taskType, cand.Score, cand.Quality, cand.CostPenalty, cand.Exploration, cand.Calls)
		}
		log.Printf("[router] agent=%s task=%s -> %s (confidence %.2f)", agentID, taskType, d.BackendID, d.Confidence)
	}
	return d, survivors, nil
}

// score fills Score, CostPenalty and Exploration for every candidate.
func (r *Router) score(candidates []CandidateScore, descs map[string]catalog.Descriptor, c Constraints) {
	totalCalls := 0
	maxCost := 0.0
	for _, cand := range candidates {
		totalCalls += cand.Calls
		if cand.EstimatedCost > maxCost {
			maxCost = cand.EstimatedCost
		}
	}

	costWeight := r.cfg.CostWeight
	if c.PreferCheap {
		costWeight *= r.cfg.DowngradeCostFactor
	}
	logN := 0.0
	if totalCalls > 1 {
		logN = math.Log(float64(totalCalls))
	}

	for i := range candidates {
		cand := &candidates[i]
		if maxCost > 0 {
			cand.CostPenalty = costWeight * cand.EstimatedCost / maxCost
		}
		if cand.Calls == 0 {
			cand.Exploration = coldStartBonus
		} else {
			cand.Exploration = r.cfg.Exploration * math.Sqrt(2*logN/float64(cand.Calls))
		}
		cand.Score = cand.Quality - cand.CostPenalty + cand.Exploration
		if c.PreferLocal && descs[cand.BackendID].Local {
			cand.Score += r.cfg.LocalBonus
		}
	}
}

// blendedQuality shrinks the empirical mean toward the catalog prior.
func (r *Router) blendedQuality(prior float64, s Statistic) float64 {
	n := float64(s.TotalCalls)
	w := r.cfg.PriorWeight
	return (clamp01(prior)*w + s.Quality*n) / (w + n)
}

// confidence rises with both the score margin and the winner's sample size.
func (r *Router) confidence(margin float64, only bool, calls int) float64 {
	marginFactor := 1.0
	if !only {
		if margin < 0 {
			margin = 0
		}
		marginFactor = 1 - math.Exp(-margin/r.cfg.MarginScale)
	}
	n := float64(calls)
	return clamp01(marginFactor * n / (n + r.cfg.SampleScale))
}

func reason(winner CandidateScore, survivors int) string {
	if winner.Calls == 0 {
		return fmt.Sprintf("cold start: %s has no observations (1 of %d candidates)", winner.BackendID, survivors)
	}
	return fmt.Sprintf("best score %.4f of %d candidates (quality %.3f, cost penalty %.3f, exploration %.3f, %d calls)",
		winner.Score, survivors, winner.Quality, winner.CostPenalty, winner.Exploration, winner.Calls)
}
