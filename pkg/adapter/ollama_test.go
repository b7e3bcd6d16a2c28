package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOllamaGenerate(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(ollamaResponse{
			Model:           got.Model,
			Response:        "local answer",
			Done:            true,
			PromptEvalCount: 12,
			EvalCount:       30,
		})
	}))
	defer srv.Close()

	a := NewOllamaAdapter(srv.URL + "/")
	resp, err := a.Generate(context.Background(), "llama3.1", "hi", CallOptions{Temperature: Temperature(0.2), MaxTokens: 64})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Text != "local answer" {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if resp.Usage.PromptTokens != 12 || resp.Usage.CompletionTokens != 30 || resp.Usage.TotalTokens != 42 {
		t.Fatalf("unexpected usage %+v", resp.Usage)
	}
	if got.Stream || got.Model != "llama3.1" {
		t.Fatalf("unexpected request %+v", got)
	}
	if got.Options["num_predict"] != float64(64) || got.Options["temperature"] != 0.2 {
		t.Fatalf("expected options to be forwarded, got %v", got.Options)
	}
}

func TestOllamaServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model is loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewOllamaAdapter(srv.URL).Generate(context.Background(), "llama3.1", "hi", CallOptions{})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !IsTransient(err) {
		t.Fatalf("expected 503 to be transient: %v", err)
	}
}

func TestOllamaDefaultBaseURL(t *testing.T) {
	if a := NewOllamaAdapter("  "); a.baseURL != ollamaBaseURL {
		t.Fatalf("expected default base url, got %s", a.baseURL)
	}
}
