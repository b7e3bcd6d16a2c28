package observe

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink exports routing and call events as Prometheus metrics.
type PrometheusSink struct {
	decisions  *prometheus.CounterVec
	confidence *prometheus.HistogramVec
	calls      *prometheus.CounterVec
	tokens     *prometheus.CounterVec
	cost       *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

// NewPrometheusSink registers the switchyard metrics with reg. A nil
// registerer uses prometheus.DefaultRegisterer.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchyard",
			Name:      "routing_decisions_total",
			Help:      "Routing decisions by chosen backend and task type.",
		}, []string{"backend", "task_type"}),
		confidence: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "switchyard",
			Name:      "routing_confidence",
			Help:      "Confidence reported for routing decisions.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}, []string{"task_type"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchyard",
			Name:      "model_calls_total",
			Help:      "Backend calls by backend and outcome.",
		}, []string{"backend", "status"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchyard",
			Name:      "model_tokens_total",
			Help:      "Tokens consumed by backend and direction.",
		}, []string{"backend", "direction"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchyard",
			Name:      "model_cost_usd_total",
			Help:      "Spend attributed to each backend and agent.",
		}, []string{"backend", "agent"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "switchyard",
			Name:      "model_call_latency_seconds",
			Help:      "Backend call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"backend"}),
	}

	for _, c := range []prometheus.Collector{s.decisions, s.confidence, s.calls, s.tokens, s.cost, s.latency} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// LogRoutingDecision implements Sink.
func (s *PrometheusSink) LogRoutingDecision(_ string, taskType string, d RoutingDecision) {
	s.decisions.WithLabelValues(d.BackendID, taskType).Inc()
	s.confidence.WithLabelValues(taskType).Observe(d.Confidence)
}

// LogModelCall implements Sink.
func (s *PrometheusSink) LogModelCall(c ModelCall) {
	status := "success"
	if !c.Success {
		status = "failure"
	}
	s.calls.WithLabelValues(c.BackendID, status).Inc()
	s.tokens.WithLabelValues(c.BackendID, "input").Add(float64(c.InputTokens))
	s.tokens.WithLabelValues(c.BackendID, "output").Add(float64(c.OutputTokens))
	if c.Cost > 0 {
		s.cost.WithLabelValues(c.BackendID, c.AgentID).Add(c.Cost)
	}
	s.latency.WithLabelValues(c.BackendID).Observe(c.Latency.Seconds())
}
