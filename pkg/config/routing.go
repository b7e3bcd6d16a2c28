package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zen-systems/switchyard/pkg/adapter"
	"github.com/zen-systems/switchyard/pkg/breaker"
	"github.com/zen-systems/switchyard/pkg/budget"
	"github.com/zen-systems/switchyard/pkg/catalog"
	"github.com/zen-systems/switchyard/pkg/profile"
	"github.com/zen-systems/switchyard/pkg/router"
	"github.com/zen-systems/switchyard/pkg/speculative"
	"github.com/zen-systems/switchyard/pkg/swarm"
)

// DefaultDailyBudget is the daily spend limit in USD when none is configured.
const DefaultDailyBudget = 10.0

// RoutingConfig holds the backend catalog and the tuning for every stage of
// the routing stack.
type RoutingConfig struct {
	Backends    []catalog.Descriptor       `yaml:"backends"`
	TaskTypes   map[string]TaskType        `yaml:"task_types"`
	Profiles    map[string]profile.Profile `yaml:"profiles,omitempty"`
	Router      router.Config              `yaml:"router,omitempty"`
	Breaker     breaker.Config             `yaml:"breaker,omitempty"`
	Budget      BudgetConfig               `yaml:"budget,omitempty"`
	Swarm       swarm.Config               `yaml:"swarm,omitempty"`
	Speculative speculative.Config         `yaml:"speculative,omitempty"`
	Retry       RetryConfig                `yaml:"retry,omitempty"`
	RateLimits  map[string]RateLimit       `yaml:"rate_limits,omitempty"`

	ClassifierBackend             string  `yaml:"classifier_backend,omitempty"`
	ClassifierConfidenceThreshold float64 `yaml:"classifier_confidence_threshold,omitempty"`
	EnableLLMTieBreaker           *bool   `yaml:"enable_llm_tie_breaker,omitempty"`
}

// TaskType lists the prompt phrases that identify a task category.
type TaskType struct {
	Triggers []string `yaml:"triggers"`
}

// BudgetConfig sets the daily limit and pressure thresholds.
type BudgetConfig struct {
	Daily      float64           `yaml:"daily"`
	Thresholds budget.Thresholds `yaml:"thresholds,omitempty"`
}

// RetryConfig defines retry and backoff behavior.
type RetryConfig struct {
	MaxRetries    int `yaml:"max_retries,omitempty"`
	BaseBackoffMs int `yaml:"base_backoff_ms,omitempty"`
	MaxBackoffMs  int `yaml:"max_backoff_ms,omitempty"`
}

// RateLimit bounds requests per second to one backend.
type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst,omitempty"`
}

// LoadRoutingConfig reads routing configuration from a YAML file.
func LoadRoutingConfig(path string) (*RoutingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg RoutingConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyRoutingDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultRoutingConfig returns the default routing configuration.
func DefaultRoutingConfig() *RoutingConfig {
	cfg := &RoutingConfig{}
	applyRoutingDefaults(cfg)
	return cfg
}

// ApplyDefaults fills unset fields in place and returns c.
func (c *RoutingConfig) ApplyDefaults() *RoutingConfig {
	applyRoutingDefaults(c)
	return c
}

// Validate checks the parts of the config that would otherwise fail late.
func (c *RoutingConfig) Validate() error {
	seen := make(map[string]bool, len(c.Backends))
	for _, b := range c.Backends {
		if b.ID == "" {
			return fmt.Errorf("backend id is required")
		}
		if b.Provider == "" {
			return fmt.Errorf("backend %q: provider is required", b.ID)
		}
		if seen[b.ID] {
			return fmt.Errorf("duplicate backend %q", b.ID)
		}
		seen[b.ID] = true
	}
	if c.ClassifierBackend != "" && !seen[c.ClassifierBackend] {
		return fmt.Errorf("classifier backend %q is not a configured backend", c.ClassifierBackend)
	}
	for id := range c.RateLimits {
		if !seen[id] {
			return fmt.Errorf("rate limit for unknown backend %q", id)
		}
	}
	for agent, p := range c.Profiles {
		if err := p.Defaults.Validate(); err != nil {
			return fmt.Errorf("profile %q: %w", agent, err)
		}
		for task, tc := range p.TaskTypes {
			if err := tc.Validate(); err != nil {
				return fmt.Errorf("profile %q task %q: %w", agent, task, err)
			}
		}
	}
	if c.Budget.Daily < 0 {
		return fmt.Errorf("budget: daily limit must be non-negative")
	}
	return nil
}

// TriggerMap returns the task type triggers in the form the classifier uses.
func (c *RoutingConfig) TriggerMap() map[string][]string {
	out := make(map[string][]string, len(c.TaskTypes))
	for name, tt := range c.TaskTypes {
		out[name] = append([]string(nil), tt.Triggers...)
	}
	return out
}

// TieBreakerEnabled reports whether low-confidence classifications may be
// settled by a model call.
func (c *RoutingConfig) TieBreakerEnabled() bool {
	return c.ClassifierBackend != "" && c.EnableLLMTieBreaker != nil && *c.EnableLLMTieBreaker
}

// DispatcherRetry converts the retry section for the adapter dispatcher.
func (c *RoutingConfig) DispatcherRetry() adapter.RetryConfig {
	return adapter.RetryConfig{
		MaxRetries:  c.Retry.MaxRetries,
		BaseBackoff: time.Duration(c.Retry.BaseBackoffMs) * time.Millisecond,
		MaxBackoff:  time.Duration(c.Retry.MaxBackoffMs) * time.Millisecond,
	}
}

func applyRoutingDefaults(cfg *RoutingConfig) {
	if cfg == nil {
		return
	}
	if len(cfg.Backends) == 0 {
		cfg.Backends = catalog.DefaultDescriptors()
	}
	if len(cfg.TaskTypes) == 0 {
		cfg.TaskTypes = make(map[string]TaskType)
		for name, triggers := range router.DefaultTaskTypes() {
			cfg.TaskTypes[name] = TaskType{Triggers: triggers}
		}
	}

	rd := router.DefaultConfig()
	if cfg.Router.Exploration == 0 {
		cfg.Router.Exploration = rd.Exploration
	}
	if cfg.Router.CostWeight == 0 {
		cfg.Router.CostWeight = rd.CostWeight
	}
	if cfg.Router.PriorWeight == 0 {
		cfg.Router.PriorWeight = rd.PriorWeight
	}
	if cfg.Router.MarginScale == 0 {
		cfg.Router.MarginScale = rd.MarginScale
	}
	if cfg.Router.SampleScale == 0 {
		cfg.Router.SampleScale = rd.SampleScale
	}
	if cfg.Router.LocalBonus == 0 {
		cfg.Router.LocalBonus = rd.LocalBonus
	}
	if cfg.Router.DowngradeCostFactor == 0 {
		cfg.Router.DowngradeCostFactor = rd.DowngradeCostFactor
	}
	if cfg.Router.DefaultTokenEstimate == 0 {
		cfg.Router.DefaultTokenEstimate = rd.DefaultTokenEstimate
	}
	if cfg.Router.OutputRatio == 0 {
		cfg.Router.OutputRatio = rd.OutputRatio
	}

	bd := breaker.DefaultConfig()
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = bd.FailureThreshold
	}
	if cfg.Breaker.Cooldown == 0 {
		cfg.Breaker.Cooldown = bd.Cooldown
	}

	if cfg.Budget.Daily == 0 {
		cfg.Budget.Daily = DefaultDailyBudget
	}
	td := budget.DefaultThresholds()
	if cfg.Budget.Thresholds.DowngradeAt == 0 {
		cfg.Budget.Thresholds.DowngradeAt = td.DowngradeAt
	}
	if cfg.Budget.Thresholds.CriticalAt == 0 {
		cfg.Budget.Thresholds.CriticalAt = td.CriticalAt
	}

	sd := swarm.DefaultConfig()
	if cfg.Swarm.Concurrency == 0 {
		cfg.Swarm.Concurrency = sd.Concurrency
	}
	if cfg.Swarm.MaxRouteAttempts == 0 {
		cfg.Swarm.MaxRouteAttempts = sd.MaxRouteAttempts
	}

	pd := speculative.DefaultConfig()
	if cfg.Speculative.DraftEnvelope == 0 {
		cfg.Speculative.DraftEnvelope = pd.DraftEnvelope
	}
	if cfg.Speculative.DefaultDraftTimeout == 0 {
		cfg.Speculative.DefaultDraftTimeout = pd.DefaultDraftTimeout
	}
	if cfg.Speculative.TimeoutMultiplier == 0 {
		cfg.Speculative.TimeoutMultiplier = pd.TimeoutMultiplier
	}
	if cfg.Speculative.MinPromptTokens == 0 {
		cfg.Speculative.MinPromptTokens = pd.MinPromptTokens
	}

	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 2
	}
	if cfg.Retry.BaseBackoffMs == 0 {
		cfg.Retry.BaseBackoffMs = 200
	}
	if cfg.Retry.MaxBackoffMs == 0 {
		cfg.Retry.MaxBackoffMs = 2000
	}
	if cfg.Retry.MaxBackoffMs < cfg.Retry.BaseBackoffMs {
		cfg.Retry.MaxBackoffMs = cfg.Retry.BaseBackoffMs
	}
	if cfg.ClassifierConfidenceThreshold == 0 {
		cfg.ClassifierConfidenceThreshold = 0.65
	}
	if cfg.EnableLLMTieBreaker == nil {
		enabled := true
		cfg.EnableLLMTieBreaker = &enabled
	}
}
