package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/zen-systems/switchyard/pkg/catalog"
)

func TestResolve(t *testing.T) {
	aliases := &ModelAliases{
		Aliases: map[string]string{
			"fast":    "gpt-5.2-instant",
			"quality": "claude-sonnet-4-20250514",
		},
	}

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "resolve known alias", input: "fast", expected: "gpt-5.2-instant"},
		{name: "resolve another alias", input: "quality", expected: "claude-sonnet-4-20250514"},
		{name: "unknown alias returns input unchanged", input: "unknown-model", expected: "unknown-model"},
		{name: "canonical model returns unchanged", input: "gpt-5.2-instant", expected: "gpt-5.2-instant"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := aliases.Resolve(tt.input); got != tt.expected {
				t.Errorf("Resolve(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestResolve_NilAliases(t *testing.T) {
	var aliases *ModelAliases
	if got := aliases.Resolve("fast"); got != "fast" {
		t.Errorf("Resolve on nil should return input, got %q", got)
	}
	if aliases.IsAlias("fast") {
		t.Errorf("nil aliases should know no alias")
	}
}

func TestValidateModel(t *testing.T) {
	aliases := &ModelAliases{
		Providers: map[string][]string{
			"openai": {"gpt-5.2-instant"},
		},
	}

	if err := aliases.ValidateModel("openai", "gpt-5.2-instant"); err != nil {
		t.Errorf("expected listed model to validate, got %v", err)
	}
	if err := aliases.ValidateModel("openai", "gpt-2"); err == nil {
		t.Errorf("expected unlisted model to fail")
	}
	if err := aliases.ValidateModel("ollama", "anything"); err != nil {
		t.Errorf("providers without a list are not validated, got %v", err)
	}
}

func TestResolveBackends(t *testing.T) {
	aliases := &ModelAliases{Aliases: map[string]string{"quality": "claude-sonnet-4-20250514"}}
	backends := []catalog.Descriptor{
		{ID: "sonnet", Provider: "anthropic", Model: "quality"},
		{ID: "llama3.1", Provider: "ollama"},
	}

	resolved := aliases.ResolveBackends(backends)
	if resolved[0].Model != "claude-sonnet-4-20250514" {
		t.Errorf("expected alias to resolve, got %q", resolved[0].Model)
	}
	if resolved[1].Model != "llama3.1" {
		t.Errorf("expected id to stand in for the model, got %q", resolved[1].Model)
	}
	if backends[0].Model != "quality" {
		t.Errorf("input descriptors must not be modified")
	}
}

func TestValidateBackends(t *testing.T) {
	aliases := DefaultAliases()
	backends := []catalog.Descriptor{
		{ID: "ok", Provider: "anthropic", Model: "quality"},
		{ID: "bad", Provider: "openai", Model: "gpt-1"},
	}

	errs := aliases.ValidateBackends(backends)
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %v", errs)
	}
}

func TestLoadAliases(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "models.yaml")

	content := `aliases:
  fast: gpt-5.2-instant
  quality: claude-sonnet-4-20250514

providers:
  openai:
    - gpt-5.2-instant
  anthropic:
    - claude-sonnet-4-20250514
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	aliases, err := LoadAliases(configPath)
	if err != nil {
		t.Fatalf("LoadAliases() error = %v", err)
	}
	if aliases.Resolve("fast") != "gpt-5.2-instant" {
		t.Error("alias 'fast' should resolve to 'gpt-5.2-instant'")
	}
	if got := aliases.ListProviders(); len(got) != 2 || got[0] != "anthropic" {
		t.Errorf("unexpected providers: %v", got)
	}
}

func TestLoadAliases_FileNotFound(t *testing.T) {
	if _, err := LoadAliases("/nonexistent/path/models.yaml"); err == nil {
		t.Error("LoadAliases should error for nonexistent file")
	}
}

func TestLoadAliasesWithFallback(t *testing.T) {
	setHomeEnv(t, t.TempDir())

	dir := t.TempDir()
	fallbackPath := filepath.Join(dir, "models.yaml")
	content := `aliases:
  test-alias: test-model
`
	if err := os.WriteFile(fallbackPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	aliases, err := LoadAliasesWithFallback(fallbackPath)
	if err != nil {
		t.Fatalf("LoadAliasesWithFallback() error = %v", err)
	}
	if aliases.Resolve("test-alias") != "test-model" {
		t.Error("fallback config should be loaded")
	}
}

func TestLoadAliasesWithFallback_UserFileWins(t *testing.T) {
	home := t.TempDir()
	setHomeEnv(t, home)

	userDir := filepath.Join(home, configDirName)
	if err := os.MkdirAll(userDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(userDir, "models.yaml"), []byte("aliases:\n  mine: user-model\n"), 0644); err != nil {
		t.Fatal(err)
	}

	aliases, err := LoadAliasesWithFallback("/nonexistent/path/models.yaml")
	if err != nil {
		t.Fatalf("LoadAliasesWithFallback() error = %v", err)
	}
	if aliases.Resolve("mine") != "user-model" {
		t.Error("user config should take precedence")
	}
}

func TestLoadAliasesWithFallback_NoFile(t *testing.T) {
	setHomeEnv(t, t.TempDir())

	aliases, err := LoadAliasesWithFallback("/nonexistent/path/models.yaml")
	if err != nil {
		t.Fatalf("LoadAliasesWithFallback() should not error, got %v", err)
	}
	if aliases.Resolve("any") != "any" {
		t.Error("unknown names should be returned unchanged")
	}
	if !aliases.IsAlias("local") {
		t.Error("expected built-in aliases")
	}
}

func TestDefaultAliases(t *testing.T) {
	aliases := DefaultAliases()
	for alias, model := range aliases.Aliases {
		found := false
		for _, models := range aliases.Providers {
			for _, m := range models {
				if m == model {
					found = true
				}
			}
		}
		if !found && alias != "local" {
			t.Errorf("alias %q resolves to %q which no provider lists", alias, model)
		}
	}
	if errs := aliases.ValidateBackends(catalog.DefaultDescriptors()); len(errs) != 0 {
		t.Errorf("default backends should validate: %v", errs)
	}
}
