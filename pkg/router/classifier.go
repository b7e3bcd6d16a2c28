package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/zen-systems/switchyard/pkg/adapter"
)

// TaskCandidate captures a heuristic candidate task type.
type TaskCandidate struct {
	TaskType string   `json:"task_type"`
	Score    int      `json:"score"`
	Triggers []string `json:"triggers,omitempty"`
}

// Classification is the inferred task type of a prompt.
type Classification struct {
	TaskType          string          `json:"task_type"`
	Confidence        float64         `json:"confidence"`
	Reasons           []string        `json:"reasons,omitempty"`
	Candidates        []TaskCandidate `json:"candidates,omitempty"`
	UsedLLM           bool            `json:"used_llm"`
	ClassifierBackend string          `json:"classifier_backend,omitempty"`
}

// Classifier infers task types from prompt triggers, optionally asking a
// backend to break ties between close candidates.
type Classifier struct {
	taskTypes map[string][]string
	rules     *RuleSet
	caller    adapter.Caller
	backendID string
	threshold float64
}

// ClassifierOption configures a Classifier.
type ClassifierOption func(*Classifier)

// WithTieBreaker asks backendID to pick among candidates when heuristic
// confidence is below threshold.
func WithTieBreaker(caller adapter.Caller, backendID string, threshold float64) ClassifierOption {
	return func(c *Classifier) {
		c.caller = caller
		c.backendID = strings.TrimSpace(backendID)
		if threshold > 0 {
			c.threshold = threshold
		}
	}
}

// NewClassifier creates a classifier over trigger phrases keyed by task type.
func NewClassifier(taskTypes map[string][]string, opts ...ClassifierOption) *Classifier {
	c := &Classifier{
		taskTypes: taskTypes,
		rules:     NewRuleSet(taskTypes),
		threshold: 0.65,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TaskType returns the best task type for a prompt without calling a
// backend. An empty result means no trigger matched.
func (c *Classifier) TaskType(prompt string) string {
	taskType, _ := c.rules.Match(prompt)
	return taskType
}

// Classify determines the task type for a prompt.
func (c *Classifier) Classify(ctx context.Context, prompt string) (*Classification, error) {
	decision := HeuristicClassification(prompt, c.taskTypes)
	if !c.shouldUseTieBreaker(decision) {
		return decision, nil
	}

	promptText := buildClassifierPrompt(prompt, decision.Candidates)
	resp, err := adapter.Invoke(ctx, func(ctx context.Context) (*adapter.Response, error) {
		return c.caller.Call(ctx, promptText, c.backendID, adapter.CallOptions{Temperature: adapter.Temperature(0)})
	})
	if err != nil {
		decision.Reasons = append(decision.Reasons, fmt.Sprintf("classifier error: %v", err))
		return decision, err
	}
	if resp == nil || strings.TrimSpace(resp.Text) == "" {
		decision.Reasons = append(decision.Reasons, "classifier returned empty response")
		return decision, fmt.Errorf("classifier returned empty response")
	}

	picked, err := parseClassifierResponse(resp.Text)
	if err != nil {
		decision.Reasons = append(decision.Reasons, fmt.Sprintf("classifier response invalid: %v", err))
		return decision, err
	}
	if !validTaskType(picked.TaskType, decision.Candidates) {
		decision.Reasons = append(decision.Reasons, "classifier task_type not in candidates")
		return decision, fmt.Errorf("classifier task_type not in candidates")
	}
	if picked.Confidence < 0 || picked.Confidence > 1 {
		decision.Reasons = append(decision.Reasons, "classifier confidence out of range")
		return decision, fmt.Errorf("classifier confidence out of range")
	}

	decision.TaskType = picked.TaskType
	decision.Confidence = picked.Confidence
	decision.UsedLLM = true
	decision.ClassifierBackend = c.backendID
	decision.Reasons = append(decision.Reasons, picked.Reason)
	return decision, nil
}

func (c *Classifier) shouldUseTieBreaker(decision *Classification) bool {
	if c.caller == nil || c.backendID == "" || decision == nil {
		return false
	}
	if decision.Confidence >= c.threshold {
		return false
	}
	return len(decision.Candidates) > 1
}

type classifierPick struct {
	TaskType   string  `json:"task_type"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

func parseClassifierResponse(content string) (*classifierPick, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var pick classifierPick
	if err := json.Unmarshal([]byte(content), &pick); err != nil {
		return nil, err
	}
	if pick.TaskType == "" {
		return nil, fmt.Errorf("missing task_type")
	}
	return &pick, nil
}

func validTaskType(taskType string, candidates []TaskCandidate) bool {
	for _, candidate := range candidates {
		if candidate.TaskType == taskType {
			return true
		}
	}
	return false
}

func buildClassifierPrompt(userPrompt string, candidates []TaskCandidate) string {
	var sb strings.Builder
	sb.WriteString("You are a routing classifier. Choose the best task_type.\n")
	sb.WriteString("Return ONLY JSON: {\"task_type\":\"...\",\"confidence\":0-1,\"reason\":\"...\"}.\n\n")
	sb.WriteString("User prompt:\n")
	sb.WriteString(userPrompt)
	sb.WriteString("\n\nCandidates:\n")

	for _, c := range candidates {
		sb.WriteString(fmt.Sprintf("- %s (score=%d)\n", c.TaskType, c.Score))
		if len(c.Triggers) > 0 {
			sb.WriteString(fmt.Sprintf("  triggers: %s\n", strings.Join(c.Triggers, ", ")))
		}
	}
	return sb.String()
}

// HeuristicClassification scores task types using trigger matches.
func HeuristicClassification(prompt string, taskTypes map[string][]string) *Classification {
	promptLower := strings.ToLower(prompt)

	var candidates []TaskCandidate
	for taskType, triggers := range taskTypes {
		var matched []string
		for _, trig := range triggers {
			trigger := strings.ToLower(strings.TrimSpace(trig))
			if trigger != "" && containsTrigger(promptLower, trigger) {
				matched = append(matched, trig)
			}
		}
		if len(matched) == 0 {
			continue
		}
		candidates = append(candidates, TaskCandidate{
			TaskType: taskType,
			Score:    len(matched),
			Triggers: matched,
		})
	}

	if len(candidates) == 0 {
		return &Classification{
			Reasons: []string{"no triggers matched; task type left unset"},
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score == candidates[j].Score {
			return candidates[i].TaskType < candidates[j].TaskType
		}
		return candidates[i].Score > candidates[j].Score
	})
	if len(candidates) > 3 {
		candidates = candidates[:3]
	}

	topScore := candidates[0].Score
	secondScore := 0
	if len(candidates) > 1 {
		secondScore = candidates[1].Score
	}

	margin := float64(topScore-secondScore) / float64(max(topScore, 1))
	strength := float64(min(topScore, 5)) / 5.0
	confidence := 0.75*margin + 0.25*strength
	if topScore >= 2 && secondScore == 0 {
		confidence = max(confidence, 0.9)
	}
	if topScore >= 3 {
		confidence = min(confidence+0.15, 1.0)
	}

	return &Classification{
		TaskType:   candidates[0].TaskType,
		Confidence: confidence,
		Reasons:    []string{fmt.Sprintf("top_score=%d second_score=%d", topScore, secondScore)},
		Candidates: candidates,
	}
}
