package adapter

import "time"

// Usage captures normalized token usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Normalize fills TotalTokens when a provider omits it.
func (u Usage) Normalize() Usage {
	if u.TotalTokens == 0 && (u.PromptTokens > 0 || u.CompletionTokens > 0) {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

// CallOptions tunes a single backend call. Zero values use provider defaults.
type CallOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

// Temperature returns a pointer suitable for CallOptions.Temperature.
func Temperature(t float64) *float64 {
	return &t
}

// Response wraps a backend completion.
type Response struct {
	Text    string        `json:"text"`
	Model   string        `json:"model,omitempty"`
	Usage   Usage         `json:"usage"`
	Latency time.Duration `json:"latency"`
}

// EstimateTokens approximates the token count of a text at four
// characters per token.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
