package router

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConstraints is returned when a constraint value is out of range.
var ErrInvalidConstraints = errors.New("invalid routing constraints")

// Constraints restricts which backends may serve a request.
// Zero values mean "no limit".
type Constraints struct {
	// MaxCost is the highest acceptable estimated cost for the call.
	MaxCost float64 `json:"max_cost,omitempty" yaml:"max_cost,omitempty"`
	// MinQuality is the lowest acceptable blended quality in [0, 1].
	MinQuality float64 `json:"min_quality,omitempty" yaml:"min_quality,omitempty"`
	// MaxLatency bounds the observed mean latency, or the p50 prior before
	// any observation exists.
	MaxLatency time.Duration `json:"max_latency,omitempty" yaml:"max_latency,omitempty"`
	// PreferLocal adds a small score bonus to local backends.
	PreferLocal bool `json:"prefer_local,omitempty" yaml:"prefer_local,omitempty"`
	// PreferCheap raises the cost penalty. Set by budget downgrade.
	PreferCheap bool `json:"prefer_cheap,omitempty" yaml:"prefer_cheap,omitempty"`
	// Exclude lists backend ids that must not be chosen.
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
}

// Validate checks that every constraint is within range.
func (c Constraints) Validate() error {
	if c.MaxCost < 0 {
		return fmt.Errorf("%w: max_cost %v is negative", ErrInvalidConstraints, c.MaxCost)
	}
	if c.MinQuality < 0 || c.MinQuality > 1 {
		return fmt.Errorf("%w: min_quality %v outside [0, 1]", ErrInvalidConstraints, c.MinQuality)
	}
	if c.MaxLatency < 0 {
		return fmt.Errorf("%w: max_latency %s is negative", ErrInvalidConstraints, c.MaxLatency)
	}
	return nil
}

// Merge overlays the non-zero fields of override on c. Boolean preferences
// are combined and exclusions are unioned.
func (c Constraints) Merge(override Constraints) Constraints {
	out := c
	if override.MaxCost != 0 {
		out.MaxCost = override.MaxCost
	}
	if override.MinQuality != 0 {
		out.MinQuality = override.MinQuality
	}
	if override.MaxLatency != 0 {
		out.MaxLatency = override.MaxLatency
	}
	out.PreferLocal = c.PreferLocal || override.PreferLocal
	out.PreferCheap = c.PreferCheap || override.PreferCheap

	out.Exclude = nil
	seen := make(map[string]bool)
	for _, list := range [][]string{c.Exclude, override.Exclude} {
		for _, id := range list {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			out.Exclude = append(out.Exclude, id)
		}
	}
	return out
}

func (c Constraints) excludes(backendID string) bool {
	for _, id := range c.Exclude {
		if id == backendID {
			return true
		}
	}
	return false
}

// ProfileSource supplies default constraints per agent and task type.
// Unknown agents yield empty constraints.
type ProfileSource interface {
	Constraints(agentID, taskType string) Constraints
}
