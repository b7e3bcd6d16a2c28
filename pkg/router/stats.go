package router

import "sync"

// Outcome is one observed backend call.
type Outcome struct {
	Success   bool
	Quality   float64
	LatencyMs float64
	Cost      float64
}

// Statistic holds running means for one (backend, task type) pair.
type Statistic struct {
	TotalCalls   int     `json:"total_calls"`
	SuccessCount int     `json:"success_count"`
	Quality      float64 `json:"quality"`
	LatencyMs    float64 `json:"latency_ms"`
	CostPerCall  float64 `json:"cost_per_call"`
}

// SuccessRate returns SuccessCount / TotalCalls, or 0 without observations.
func (s Statistic) SuccessRate() float64 {
	if s.TotalCalls == 0 {
		return 0
	}
	return float64(s.SuccessCount) / float64(s.TotalCalls)
}

type statKey struct {
	backendID string
	taskType  string
}

type statEntry struct {
	mu   sync.Mutex
	stat Statistic
}

// statStore keeps statistics behind a per-key mutex; the map itself is only
// write-locked when a key is first observed.
type statStore struct {
	mu      sync.RWMutex
	entries map[statKey]*statEntry
}

func newStatStore() *statStore {
	return &statStore{entries: make(map[statKey]*statEntry)}
}

func (s *statStore) entry(key statKey) *statEntry {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e
	}
	e = &statEntry{}
	s.entries[key] = e
	return e
}

func (s *statStore) update(key statKey, o Outcome) {
	quality := clamp01(o.Quality)
	latency := o.LatencyMs
	if latency < 0 {
		latency = 0
	}
	cost := o.Cost
	if cost < 0 {
		cost = 0
	}

	e := s.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stat.TotalCalls++
	if o.Success {
		e.stat.SuccessCount++
	}
	n := float64(e.stat.TotalCalls)
	e.stat.Quality += (quality - e.stat.Quality) / n
	e.stat.LatencyMs += (latency - e.stat.LatencyMs) / n
	e.stat.CostPerCall += (cost - e.stat.CostPerCall) / n
}

func (s *statStore) get(key statKey) (Statistic, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return Statistic{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stat, true
}

func (s *statStore) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[statKey]*statEntry)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
