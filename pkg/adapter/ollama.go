package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const ollamaBaseURL = "http://localhost:11434"

// OllamaAdapter implements the Adapter interface for a local Ollama server.
type OllamaAdapter struct {
	baseURL    string
	httpClient *http.Client
}

type ollamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error,omitempty"`
}

// NewOllamaAdapter creates an adapter for the Ollama server at baseURL.
// An empty baseURL uses the default local port.
func NewOllamaAdapter(baseURL string) *OllamaAdapter {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = ollamaBaseURL
	}
	return &OllamaAdapter{
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
}

// Name returns the adapter identifier.
func (a *OllamaAdapter) Name() string {
	return "ollama"
}

// Models returns the list of commonly pulled local models.
func (a *OllamaAdapter) Models() []string {
	return []string{
		"llama3.1",
		"qwen2.5-coder",
	}
}

// Generate sends a non-streaming generate request to Ollama.
func (a *OllamaAdapter) Generate(ctx context.Context, model string, prompt string, opts CallOptions) (*Response, error) {
	reqBody := ollamaRequest{
		Model:  model,
		Prompt: prompt,
		Stream: false,
	}
	if opts.Temperature != nil || opts.MaxTokens > 0 {
		reqBody.Options = map[string]any{}
		if opts.Temperature != nil {
			reqBody.Options["temperature"] = *opts.Temperature
		}
		if opts.MaxTokens > 0 {
			reqBody.Options["num_predict"] = opts.MaxTokens
		}
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/generate", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, &AdapterError{Provider: "ollama", Temporary: true, Err: fmt.Errorf("ollama request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &AdapterError{
			Provider: "ollama",
			Status:   resp.StatusCode,
			Err:      fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var ollamaResp ollamaResponse
	if err := json.Unmarshal(body, &ollamaResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if ollamaResp.Error != "" {
		return nil, fmt.Errorf("ollama error: %s", ollamaResp.Error)
	}

	return &Response{
		Text:  ollamaResp.Response,
		Model: model,
		Usage: Usage{
			PromptTokens:     ollamaResp.PromptEvalCount,
			CompletionTokens: ollamaResp.EvalCount,
		}.Normalize(),
	}, nil
}
