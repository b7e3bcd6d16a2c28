package router

import (
	"sort"
	"strings"
)

// RuleSet contains the compiled task-type triggers for pattern matching.
type RuleSet struct {
	// Compiled rules ordered by priority (longer triggers first for specificity)
	rules []compiledRule
}

type compiledRule struct {
	taskType string
	trigger  string
}

// NewRuleSet compiles trigger phrases keyed by task type.
func NewRuleSet(taskTypes map[string][]string) *RuleSet {
	rs := &RuleSet{}
	for name, triggers := range taskTypes {
		for _, trigger := range triggers {
			trigger = strings.ToLower(strings.TrimSpace(trigger))
			if trigger == "" {
				continue
			}
			rs.rules = append(rs.rules, compiledRule{taskType: name, trigger: trigger})
		}
	}

	sort.Slice(rs.rules, func(i, j int) bool {
		a, b := rs.rules[i], rs.rules[j]
		if len(a.trigger) != len(b.trigger) {
			return len(a.trigger) > len(b.trigger)
		}
		if a.taskType != b.taskType {
			return a.taskType < b.taskType
		}
		return a.trigger < b.trigger
	})
	return rs
}

// Match returns the task type of the most specific trigger found in the
// prompt, or false when nothing matches.
func (rs *RuleSet) Match(prompt string) (string, bool) {
	promptLower := strings.ToLower(prompt)

	for _, rule := range rs.rules {
		if containsTrigger(promptLower, rule.trigger) {
			return rule.taskType, true
		}
	}
	return "", false
}

// Len returns the number of compiled triggers.
func (rs *RuleSet) Len() int {
	return len(rs.rules)
}

// containsTrigger checks if the prompt contains the trigger phrase at word
// boundaries.
func containsTrigger(prompt, trigger string) bool {
	for start := 0; start < len(prompt); {
		idx := strings.Index(prompt[start:], trigger)
		if idx == -1 {
			return false
		}
		idx += start

		endIdx := idx + len(trigger)
		before := idx == 0 || !isWordChar(prompt[idx-1])
		after := endIdx >= len(prompt) || !isWordChar(prompt[endIdx])
		if before && after {
			return true
		}
		start = idx + 1
	}
	return false
}

func isWordChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}

// DefaultTaskTypes returns the built-in trigger phrases for each task type
// used by the default catalog's capability tags.
func DefaultTaskTypes() map[string][]string {
	return map[string][]string{
		"research":        {"research", "find", "look up", "what is", "compare"},
		"summarize":       {"summarize", "tldr", "key points"},
		"scaffold":        {"scaffold", "boilerplate", "starter", "template"},
		"code-generation": {"implement", "code", "write a function", "build", "create"},
		"refactor":        {"refactor", "large refactor", "migrate", "rewrite"},
		"debug":           {"debug", "fix", "error", "bug", "failing", "race condition", "memory leak", "deadlock"},
		"review":          {"review", "check", "audit", "evaluate"},
		"reasoning":       {"calculate", "equation", "formula", "proof", "derive"},
		"architecture":    {"architect", "system design", "design review", "architecture"},
		"bulk-code":       {"bulk code", "generate multiple", "batch generate", "generate all"},
	}
}
