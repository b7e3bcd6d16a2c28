package observe

import (
	"log"
	"time"
)

// RoutingDecision is the part of a routing decision reported to sinks.
type RoutingDecision struct {
	BackendID  string  `json:"backend_id"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
	Score      float64 `json:"score"`
}

// ModelCall describes one backend invocation.
type ModelCall struct {
	BackendID    string        `json:"backend_id"`
	AgentID      string        `json:"agent_id"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Latency      time.Duration `json:"latency"`
	Success      bool          `json:"success"`
	Cost         float64       `json:"cost"`
}

// Sink receives routing and call events. Implementations must be safe for
// concurrent use; return values are never inspected by callers.
type Sink interface {
	LogRoutingDecision(agentID, taskType string, decision RoutingDecision)
	LogModelCall(call ModelCall)
}

// Nop discards all events.
type Nop struct{}

// LogRoutingDecision implements Sink.
func (Nop) LogRoutingDecision(string, string, RoutingDecision) {}

// LogModelCall implements Sink.
func (Nop) LogModelCall(ModelCall) {}

// LogSink writes events with the standard logger.
type LogSink struct {
	// Logger defaults to log.Printf.
	Logger func(format string, args ...any)
}

func (s LogSink) printf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger(format, args...)
		return
	}
	log.Printf(format, args...)
}

// LogRoutingDecision implements Sink.
func (s LogSink) LogRoutingDecision(agentID, taskType string, d RoutingDecision) {
	s.printf("[route] agent=%s task=%s backend=%s score=%.4f confidence=%.2f reason=%q",
		agentID, taskType, d.BackendID, d.Score, d.Confidence, d.Reason)
}

// LogModelCall implements Sink.
func (s LogSink) LogModelCall(c ModelCall) {
	s.printf("[call] backend=%s agent=%s in=%d out=%d latency=%s success=%t cost=%.6f",
		c.BackendID, c.AgentID, c.InputTokens, c.OutputTokens, c.Latency, c.Success, c.Cost)
}

// Multi fans events out to several sinks.
type Multi []Sink

// LogRoutingDecision implements Sink.
func (m Multi) LogRoutingDecision(agentID, taskType string, d RoutingDecision) {
	for _, s := range m {
		if s != nil {
			s.LogRoutingDecision(agentID, taskType, d)
		}
	}
}

// LogModelCall implements Sink.
func (m Multi) LogModelCall(c ModelCall) {
	for _, s := range m {
		if s != nil {
			s.LogModelCall(c)
		}
	}
}

// OrNop returns s, or a Nop sink when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return s
}
