package router

import (
	"context"
	"math"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zen-systems/switchyard/pkg/adapter"
)

type countingCaller struct {
	mu       sync.Mutex
	calls    int
	backend  string
	response string
}

func (c *countingCaller) Call(_ context.Context, _ string, backendID string, _ adapter.CallOptions) (*adapter.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.backend = backendID
	return &adapter.Response{Text: c.response}, nil
}

func TestHeuristicClassificationConfidence(t *testing.T) {
	taskTypes := map[string][]string{
		"alpha": {"alpha", "beta", "gamma"},
		"beta":  {"alpha", "beta"},
	}

	decision := HeuristicClassification("alpha beta gamma", taskTypes)
	if decision.TaskType != "alpha" {
		t.Fatalf("expected alpha, got %s", decision.TaskType)
	}
	if len(decision.Candidates) < 2 {
		t.Fatalf("expected candidates")
	}
	if decision.Candidates[0].Score != 3 || decision.Candidates[1].Score != 2 {
		t.Fatalf("unexpected scores: %+v", decision.Candidates)
	}

	want := 0.55
	if math.Abs(decision.Confidence-want) > 0.02 {
		t.Fatalf("confidence mismatch: got %.2f want %.2f", decision.Confidence, want)
	}
}

func TestHeuristicClassificationStrongMatch(t *testing.T) {
	taskTypes := map[string][]string{
		"alpha": {"alpha", "beta", "gamma"},
		"beta":  {"delta"},
	}

	decision := HeuristicClassification("alpha beta gamma", taskTypes)
	if decision.TaskType != "alpha" {
		t.Fatalf("expected alpha, got %s", decision.TaskType)
	}
	if decision.Confidence < 0.9 {
		t.Fatalf("expected high confidence, got %.2f", decision.Confidence)
	}
}

func TestHeuristicClassificationNoMatches(t *testing.T) {
	decision := HeuristicClassification("no matches here", map[string][]string{"alpha": {"alpha"}})
	if decision.TaskType != "" {
		t.Fatalf("expected empty task type, got %s", decision.TaskType)
	}
	if decision.Confidence != 0 {
		t.Fatalf("expected confidence 0, got %.2f", decision.Confidence)
	}
	if len(decision.Candidates) != 0 {
		t.Fatalf("expected no candidates")
	}
}

func TestTieBreakerGating(t *testing.T) {
	caller := &countingCaller{response: "{}"}
	taskTypes := map[string][]string{
		"alpha": {"alpha", "beta", "gamma"},
		"beta":  {"alpha"},
	}

	classifier := NewClassifier(taskTypes, WithTieBreaker(caller, "classifier", 0.65))
	decision, err := classifier.Classify(context.Background(), "alpha beta gamma")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if decision.UsedLLM {
		t.Fatalf("expected no LLM usage")
	}
	if caller.calls != 0 {
		t.Fatalf("expected classifier not called")
	}

	classifier = NewClassifier(map[string][]string{"alpha": {"alpha"}, "beta": {"beta"}})
	decision, _ = classifier.Classify(context.Background(), "alpha beta")
	if decision.UsedLLM {
		t.Fatalf("expected no LLM without a tie breaker")
	}
}

func TestTieBreakerPicksCandidate(t *testing.T) {
	caller := &countingCaller{response: "```json\n{\"task_type\":\"beta\",\"confidence\":0.8,\"reason\":\"asks for beta\"}\n```"}
	classifier := NewClassifier(map[string][]string{"alpha": {"alpha"}, "beta": {"beta"}},
		WithTieBreaker(caller, "claude-sonnet", 0.65))

	decision, err := classifier.Classify(context.Background(), "alpha beta")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if !decision.UsedLLM || decision.TaskType != "beta" || decision.Confidence != 0.8 {
		t.Fatalf("unexpected decision: %+v", decision)
	}
	if caller.backend != "claude-sonnet" || decision.ClassifierBackend != "claude-sonnet" {
		t.Fatalf("expected the configured backend to be called, got %q", caller.backend)
	}
}

func TestTieBreakerRejectsUnknownTaskType(t *testing.T) {
	caller := &countingCaller{response: `{"task_type":"gamma","confidence":0.9}`}
	classifier := NewClassifier(map[string][]string{"alpha": {"alpha"}, "beta": {"beta"}},
		WithTieBreaker(caller, "c", 0))

	decision, err := classifier.Classify(context.Background(), "alpha beta")
	if err == nil {
		t.Fatalf("expected error for task type outside candidates")
	}
	if decision.UsedLLM || decision.TaskType != "alpha" {
		t.Fatalf("expected heuristic decision to stand, got %+v", decision)
	}
}

func TestTieBreakerHonorsDeadlineWhenCallerHangs(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	stuck := adapter.CallerFunc(func(context.Context, string, string, adapter.CallOptions) (*adapter.Response, error) {
		<-release
		return &adapter.Response{Text: `{"task_type":"beta","confidence":0.9}`}, nil
	})
	classifier := NewClassifier(map[string][]string{"alpha": {"alpha"}, "beta": {"beta"}},
		WithTieBreaker(stuck, "c", 0.65))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	decision, err := classifier.Classify(ctx, "alpha beta")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("classify outlived its context: %s", elapsed)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if decision == nil || decision.UsedLLM || decision.TaskType != "alpha" {
		t.Fatalf("expected heuristic decision to stand, got %+v", decision)
	}
}

func TestClassifierTaskTypeUsesLongestTrigger(t *testing.T) {
	classifier := NewClassifier(DefaultTaskTypes())
	if got := classifier.TaskType("Please fix the memory leak"); got != "debug" {
		t.Fatalf("expected debug, got %q", got)
	}
	if got := classifier.TaskType("hello there"); got != "" {
		t.Fatalf("expected no task type, got %q", got)
	}
}
