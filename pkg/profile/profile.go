// Package profile stores per-agent default routing constraints.
package profile

import (
	"sort"
	"sync"

	"github.com/zen-systems/switchyard/pkg/router"
)

// Profile holds an agent's default constraints and per-task overrides.
type Profile struct {
	Defaults  router.Constraints            `json:"defaults" yaml:"defaults"`
	TaskTypes map[string]router.Constraints `json:"task_types,omitempty" yaml:"task_types,omitempty"`
}

// Static is an in-memory profile store. It implements router.ProfileSource.
type Static struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewStatic creates a store seeded with profiles keyed by agent id.
func NewStatic(profiles map[string]Profile) *Static {
	s := &Static{profiles: make(map[string]Profile, len(profiles))}
	for id, p := range profiles {
		s.profiles[id] = p
	}
	return s
}

// Set replaces the profile for an agent.
func (s *Static) Set(agentID string, p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[agentID] = p
}

// Get returns the profile for an agent.
func (s *Static) Get(agentID string) (Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[agentID]
	return p, ok
}

// Agents returns the known agent ids in sorted order.
func (s *Static) Agents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.profiles))
	for id := range s.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Constraints returns the agent's defaults overlaid with the task-specific
// overrides. Unknown agents get empty constraints.
func (s *Static) Constraints(agentID, taskType string) router.Constraints {
	p, ok := s.Get(agentID)
	if !ok {
		return router.Constraints{}
	}
	c := p.Defaults
	if override, ok := p.TaskTypes[taskType]; ok && taskType != "" {
		c = c.Merge(override)
	}
	return c
}
