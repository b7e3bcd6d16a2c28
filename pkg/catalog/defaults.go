package catalog

import "time"

// DefaultDescriptors returns the built-in backend catalog used when the
// routing config lists no backends. Prices are USD per token.
func DefaultDescriptors() []Descriptor {
	return []Descriptor{
		{
			ID:                 "claude-opus",
			Provider:           "anthropic",
			Model:              "claude-opus-4-20250514",
			CostPerInputToken:  15.0 / 1e6,
			CostPerOutputToken: 75.0 / 1e6,
			MaxTokens:          8192,
			ContextWindow:      200000,
			Capabilities:       []string{"code-generation", "review", "architecture", "debug", "reasoning"},
			LatencyP50:         6 * time.Second,
			LatencyP99:         30 * time.Second,
			Quality:            0.95,
		},
		{
			ID:                 "claude-sonnet",
			Provider:           "anthropic",
			Model:              "claude-sonnet-4-20250514",
			CostPerInputToken:  3.0 / 1e6,
			CostPerOutputToken: 15.0 / 1e6,
			MaxTokens:          8192,
			ContextWindow:      200000,
			Capabilities:       []string{"code-generation", "review", "debug", "refactor", "summarize"},
			LatencyP50:         3 * time.Second,
			LatencyP99:         15 * time.Second,
			Quality:            0.9,
		},
		{
			ID:                 "gpt-codex",
			Provider:           "openai",
			Model:              "gpt-5.2-codex",
			CostPerInputToken:  1.25 / 1e6,
			CostPerOutputToken: 10.0 / 1e6,
			MaxTokens:          8192,
			ContextWindow:      128000,
			Capabilities:       []string{"code-generation", "refactor", "scaffold"},
			LatencyP50:         3 * time.Second,
			LatencyP99:         20 * time.Second,
			Quality:            0.88,
		},
		{
			ID:                 "gemini-pro",
			Provider:           "google",
			Model:              "gemini-2.0-pro",
			CostPerInputToken:  1.25 / 1e6,
			CostPerOutputToken: 5.0 / 1e6,
			MaxTokens:          8192,
			ContextWindow:      1000000,
			Capabilities:       []string{"research", "summarize", "review"},
			LatencyP50:         2 * time.Second,
			LatencyP99:         12 * time.Second,
			Quality:            0.85,
		},
		{
			ID:                 "deepseek-coder",
			Provider:           "deepseek",
			Model:              "deepseek-coder",
			CostPerInputToken:  0.27 / 1e6,
			CostPerOutputToken: 1.1 / 1e6,
			MaxTokens:          4096,
			ContextWindow:      64000,
			Capabilities:       []string{"code-generation", "scaffold", "bulk-code"},
			LatencyP50:         4 * time.Second,
			LatencyP99:         25 * time.Second,
			Quality:            0.8,
		},
		{
			ID:            "ollama-llama",
			Provider:      "ollama",
			Model:         "llama3.1",
			MaxTokens:     4096,
			ContextWindow: 8192,
			LatencyP50:    5 * time.Second,
			LatencyP99:    40 * time.Second,
			Quality:       0.6,
			Local:         true,
		},
	}
}
