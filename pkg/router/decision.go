package router

import "github.com/zen-systems/switchyard/pkg/observe"

// Tier buckets a continuous confidence for display.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// CandidateScore captures how one surviving backend was scored.
type CandidateScore struct {
	BackendID     string  `json:"backend_id"`
	Score         float64 `json:"score"`
	Quality       float64 `json:"quality"`
	CostPenalty   float64 `json:"cost_penalty"`
	Exploration   float64 `json:"exploration"`
	EstimatedCost float64 `json:"estimated_cost"`
	Calls         int     `json:"calls"`

	costPerCall float64
	index       int
}

// Decision captures routing decision details.
type Decision struct {
	BackendID     string           `json:"backend_id"`
	TaskType      string           `json:"task_type"`
	Reason        string           `json:"reason"`
	Confidence    float64          `json:"confidence"`
	Score         float64          `json:"score"`
	EstimatedCost float64          `json:"estimated_cost"`
	Candidates    []CandidateScore `json:"candidates,omitempty"`
}

// ConfidenceTier maps Confidence to low (<0.4), medium (<0.7) or high.
func (d *Decision) ConfidenceTier() Tier {
	switch {
	case d == nil || d.Confidence < 0.4:
		return TierLow
	case d.Confidence < 0.7:
		return TierMedium
	default:
		return TierHigh
	}
}

func (d *Decision) observed() observe.RoutingDecision {
	return observe.RoutingDecision{
		BackendID:  d.BackendID,
		Reason:     d.Reason,
		Confidence: d.Confidence,
		Score:      d.Score,
	}
}
