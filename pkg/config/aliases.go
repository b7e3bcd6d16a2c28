package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/zen-systems/switchyard/pkg/catalog"
)

// ModelAliases maps short model names used in backend definitions to the
// provider's canonical model names, and lists the models each provider serves.
type ModelAliases struct {
	Aliases   map[string]string   `yaml:"aliases"`
	Providers map[string][]string `yaml:"providers"`
}

// LoadAliases reads model aliases from a YAML file.
func LoadAliases(path string) (*ModelAliases, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var aliases ModelAliases
	if err := yaml.Unmarshal(data, &aliases); err != nil {
		return nil, err
	}
	if aliases.Aliases == nil {
		aliases.Aliases = make(map[string]string)
	}
	if aliases.Providers == nil {
		aliases.Providers = make(map[string][]string)
	}
	return &aliases, nil
}

// LoadAliasesWithFallback loads ~/.switchyard/models.yaml, then defaultPath,
// then the built-in aliases.
func LoadAliasesWithFallback(defaultPath string) (*ModelAliases, error) {
	if home, err := os.UserHomeDir(); err == nil {
		userPath := filepath.Join(home, configDirName, "models.yaml")
		if _, err := os.Stat(userPath); err == nil {
			return LoadAliases(userPath)
		}
	}
	if defaultPath != "" {
		if _, err := os.Stat(defaultPath); err == nil {
			return LoadAliases(defaultPath)
		}
	}
	return DefaultAliases(), nil
}

// Resolve returns the canonical model name for an alias.
// If the input is not an alias, it returns the input unchanged.
func (a *ModelAliases) Resolve(modelOrAlias string) string {
	if a == nil || a.Aliases == nil {
		return modelOrAlias
	}
	if canonical, ok := a.Aliases[modelOrAlias]; ok {
		return canonical
	}
	return modelOrAlias
}

// IsAlias returns true if the given string is a known alias.
func (a *ModelAliases) IsAlias(name string) bool {
	if a == nil || a.Aliases == nil {
		return false
	}
	_, ok := a.Aliases[name]
	return ok
}

// ValidateModel checks that a provider serves the model. Providers without
// a model list are not validated.
func (a *ModelAliases) ValidateModel(provider, model string) error {
	if a == nil || a.Providers == nil {
		return nil
	}
	models, ok := a.Providers[provider]
	if !ok {
		return nil
	}
	for _, m := range models {
		if m == model {
			return nil
		}
	}
	return fmt.Errorf("model %q not in %s provider list", model, provider)
}

// ListProviders returns a sorted list of provider names.
func (a *ModelAliases) ListProviders() []string {
	if a == nil || a.Providers == nil {
		return nil
	}
	providers := make([]string, 0, len(a.Providers))
	for p := range a.Providers {
		providers = append(providers, p)
	}
	sort.Strings(providers)
	return providers
}

// ResolveBackends returns copies of the descriptors with model aliases
// replaced by canonical names.
func (a *ModelAliases) ResolveBackends(backends []catalog.Descriptor) []catalog.Descriptor {
	out := make([]catalog.Descriptor, len(backends))
	for i, d := range backends {
		d.Model = a.Resolve(d.ModelName())
		out[i] = d
	}
	return out
}

// ValidateBackends checks every backend's model against its provider list.
func (a *ModelAliases) ValidateBackends(backends []catalog.Descriptor) []error {
	var errs []error
	for _, d := range backends {
		if err := a.ValidateModel(d.Provider, a.Resolve(d.ModelName())); err != nil {
			errs = append(errs, fmt.Errorf("backend %q: %w", d.ID, err))
		}
	}
	return errs
}

// DefaultAliases returns the built-in model aliases.
func DefaultAliases() *ModelAliases {
	return &ModelAliases{
		Aliases: map[string]string{
			"fast-code":  "gpt-5.2-codex",
			"quality":    "claude-sonnet-4-20250514",
			"deep":       "claude-opus-4-20250514",
			"research":   "gemini-2.0-pro",
			"cheap":      "deepseek-chat",
			"cheap-code": "deepseek-coder",
			"local":      "llama3.1",
		},
		Providers: map[string][]string{
			"anthropic": {"claude-sonnet-4-20250514", "claude-opus-4-20250514"},
			"openai":    {"gpt-5.2-instant", "gpt-5.2-codex", "gpt-5.2-pro"},
			"google":    {"gemini-2.0-pro"},
			"deepseek":  {"deepseek-chat", "deepseek-coder", "deepseek-reasoner"},
		},
	}
}
