package speculative

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/zen-systems/switchyard/pkg/adapter"
	"github.com/zen-systems/switchyard/pkg/catalog"
)

// Strategy names the code path that produced a result.
type Strategy string

const (
	StrategySpeculative Strategy = "speculative"
	StrategyDirect      Strategy = "direct"
)

// Role identifies why a call was made.
type Role string

const (
	RoleDraft  Role = "draft"
	RoleVerify Role = "verify"
	RoleDirect Role = "direct"
)

// Call records one backend invocation made while serving a request.
type Call struct {
	BackendID    string        `json:"backend_id"`
	Role         Role          `json:"role"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Latency      time.Duration `json:"latency"`
	Cost         float64       `json:"cost"`
	Output       string        `json:"-"`
	Err          error         `json:"-"`
}

// Success reports whether the call returned usable output.
func (c Call) Success() bool {
	return c.Err == nil
}

// Result is the outcome of SpeculativeDecode.
type Result struct {
	Output       string        `json:"output"`
	TotalLatency time.Duration `json:"total_latency"`
	Strategy     Strategy      `json:"strategy"`
	// Calls lists every call actually made, in order.
	Calls []Call `json:"calls"`
}

// Policy decides whether drafting on cheap is worth trying for a prompt.
type Policy func(prompt string, cheap, expensive catalog.Descriptor) bool

// Config tunes the executor.
type Config struct {
	// DraftEnvelope scales the cheap backend's p99 latency into the draft timeout.
	DraftEnvelope float64 `json:"draft_envelope" yaml:"draft_envelope"`
	// DefaultDraftTimeout applies when the cheap backend has no latency prior.
	DefaultDraftTimeout time.Duration `json:"default_draft_timeout" yaml:"default_draft_timeout"`
	// TimeoutMultiplier scales the expensive backend's p99 latency.
	TimeoutMultiplier float64 `json:"timeout_multiplier" yaml:"timeout_multiplier"`
	// MinPromptTokens is the smallest prompt worth drafting.
	MinPromptTokens int `json:"min_prompt_tokens" yaml:"min_prompt_tokens"`
}

// DefaultConfig returns the default executor settings.
func DefaultConfig() Config {
	return Config{
		DraftEnvelope:       1.0,
		DefaultDraftTimeout: 10 * time.Second,
		TimeoutMultiplier:   3,
		MinPromptTokens:     8,
	}
}

// Executor runs the draft-then-verify strategy.
type Executor struct {
	caller adapter.Caller
	cfg    Config
	policy Policy
	debug  bool
}

// Option configures an Executor.
type Option func(*Executor)

// WithConfig replaces the executor settings. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(e *Executor) {
		d := DefaultConfig()
		if cfg.DraftEnvelope <= 0 {
			cfg.DraftEnvelope = d.DraftEnvelope
		}
		if cfg.DefaultDraftTimeout <= 0 {
			cfg.DefaultDraftTimeout = d.DefaultDraftTimeout
		}
		if cfg.TimeoutMultiplier <= 0 {
			cfg.TimeoutMultiplier = d.TimeoutMultiplier
		}
		if cfg.MinPromptTokens < 0 {
			cfg.MinPromptTokens = 0
		}
		e.cfg = cfg
	}
}

// WithPolicy overrides the default speculation policy.
func WithPolicy(p Policy) Option {
	return func(e *Executor) {
		if p != nil {
			e.policy = p
		}
	}
}

// WithDebug enables debug logging.
func WithDebug(debug bool) Option {
	return func(e *Executor) {
		e.debug = debug
	}
}

// NewExecutor creates an executor that issues calls through caller.
func NewExecutor(caller adapter.Caller, opts ...Option) *Executor {
	e := &Executor{
		caller: caller,
		cfg:    DefaultConfig(),
	}
	e.policy = e.defaultPolicy
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// defaultPolicy drafts only when cheap is a distinct, cheaper backend and
// the prompt is large enough to benefit.
func (e *Executor) defaultPolicy(prompt string, cheap, expensive catalog.Descriptor) bool {
	if cheap.ID == "" || cheap.ID == expensive.ID {
		return false
	}
	if adapter.EstimateTokens(prompt) < e.cfg.MinPromptTokens {
		return false
	}
	return cheap.Cost(1000, 1000) < expensive.Cost(1000, 1000) || (cheap.Local && !expensive.Local)
}

// DraftTimeout returns the latency envelope for a draft on d.
func (e *Executor) DraftTimeout(d catalog.Descriptor) time.Duration {
	if d.LatencyP99 <= 0 {
		return e.cfg.DefaultDraftTimeout
	}
	return time.Duration(float64(d.LatencyP99) * e.cfg.DraftEnvelope)
}

type draftKind int

const (
	draftFailed draftKind = iota
	draftOK
)

type draft struct {
	kind draftKind
	text string
	call Call
}

// SpeculativeDecode drafts on cheap and verifies on expensive, or calls
// expensive directly when the policy declines or the draft fails. Draft
// failures are never returned. On error the result still lists the calls
// that were made so they can be billed.
func (e *Executor) SpeculativeDecode(ctx context.Context, prompt string, cheap, expensive catalog.Descriptor) (*Result, error) {
	if !e.policy(prompt, cheap, expensive) {
		return e.direct(ctx, prompt, expensive, nil)
	}

	d := e.draft(ctx, prompt, cheap)
	switch d.kind {
	case draftOK:
		return e.verify(ctx, prompt, d, expensive)
	default:
		if e.debug {
			log.Printf("[speculative] draft on %s failed, calling %s directly: %v", cheap.ID, expensive.ID, d.call.Err)
		}
		return e.direct(ctx, prompt, expensive, []Call{d.call})
	}
}

// Direct calls expensive once without drafting.
func (e *Executor) Direct(ctx context.Context, prompt string, expensive catalog.Descriptor) (*Result, error) {
	return e.direct(ctx, prompt, expensive, nil)
}

func (e *Executor) draft(ctx context.Context, prompt string, cheap catalog.Descriptor) draft {
	ctx, cancel := context.WithTimeout(ctx, e.DraftTimeout(cheap))
	defer cancel()

	text, call := e.call(ctx, prompt, cheap, RoleDraft)
	if call.Err != nil {
		return draft{kind: draftFailed, call: call}
	}
	if strings.TrimSpace(text) == "" {
		call.Err = fmt.Errorf("backend %s: empty draft: %w", cheap.ID, adapter.ErrBackendCall)
		return draft{kind: draftFailed, call: call}
	}
	return draft{kind: draftOK, text: text, call: call}
}

func (e *Executor) verify(ctx context.Context, prompt string, d draft, expensive catalog.Descriptor) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, adapter.CallTimeout(expensive, e.cfg.TimeoutMultiplier))
	defer cancel()

	text, call := e.call(ctx, buildVerifyPrompt(prompt, d.text), expensive, RoleVerify)
	result := &Result{
		Strategy:     StrategySpeculative,
		Calls:        []Call{d.call, call},
		TotalLatency: d.call.Latency + call.Latency,
	}
	if call.Err != nil {
		return result, call.Err
	}
	result.Output = text
	if strings.TrimSpace(text) == "" {
		result.Output = d.text
	}
	return result, nil
}

func (e *Executor) direct(ctx context.Context, prompt string, expensive catalog.Descriptor, prior []Call) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, adapter.CallTimeout(expensive, e.cfg.TimeoutMultiplier))
	defer cancel()

	text, call := e.call(ctx, prompt, expensive, RoleDirect)
	if call.Err == nil && strings.TrimSpace(text) == "" {
		call.Err = fmt.Errorf("backend %s: empty response: %w", expensive.ID, adapter.ErrBackendCall)
	}

	result := &Result{
		Strategy: StrategyDirect,
		Calls:    append(prior, call),
	}
	for _, c := range result.Calls {
		result.TotalLatency += c.Latency
	}
	if call.Err != nil {
		return result, call.Err
	}
	result.Output = text
	return result, nil
}

// call invokes one backend and prices the tokens it reports.
func (e *Executor) call(ctx context.Context, prompt string, d catalog.Descriptor, role Role) (string, Call) {
	start := time.Now()
	resp, err := adapter.Invoke(ctx, func(ctx context.Context) (*adapter.Response, error) {
		return e.caller.Call(ctx, prompt, d.ID, adapter.CallOptions{MaxTokens: d.MaxTokens})
	})
	call := Call{BackendID: d.ID, Role: role, Latency: time.Since(start)}
	if err != nil {
		call.Err = wrapCallError(d.ID, err)
		return "", call
	}

	call.InputTokens = resp.Usage.PromptTokens
	call.OutputTokens = resp.Usage.CompletionTokens
	if call.InputTokens == 0 && call.OutputTokens == 0 {
		call.InputTokens = adapter.EstimateTokens(prompt)
		call.OutputTokens = adapter.EstimateTokens(resp.Text)
	}
	call.Cost = d.Cost(call.InputTokens, call.OutputTokens)
	call.Output = resp.Text
	return resp.Text, call
}

func wrapCallError(backendID string, err error) error {
	if errors.Is(err, adapter.ErrBackendCall) {
		return err
	}
	return fmt.Errorf("backend %s: %w: %w", backendID, adapter.ErrBackendCall, err)
}

func buildVerifyPrompt(prompt, draft string) string {
	var sb strings.Builder
	sb.WriteString("A faster model drafted an answer to the request below. ")
	sb.WriteString("Check the draft, correct any mistakes, and return only the final answer.\n\n")
	sb.WriteString("Request:\n")
	sb.WriteString(prompt)
	sb.WriteString("\n\nDraft:\n")
	sb.WriteString(draft)
	return sb.String()
}
