package budget

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrBudgetExhausted is returned when the daily budget has been spent.
var ErrBudgetExhausted = errors.New("budget exhausted")

// CostCalculator abstracts token-to-currency conversion.
type CostCalculator interface {
	CalculateCost(backendID string, inputTokens, outputTokens int) (float64, error)
}

// Budget holds the spend limits.
type Budget struct {
	Daily float64 `json:"daily" yaml:"daily"`
}

// Thresholds are fractions of the daily limit at which admission tightens.
type Thresholds struct {
	// DowngradeAt switches callers to cheaper backends.
	DowngradeAt float64 `json:"downgrade_at" yaml:"downgrade_at"`
	// CriticalAt admits only critical work.
	CriticalAt float64 `json:"critical_at" yaml:"critical_at"`
}

// DefaultThresholds returns the default soft and critical thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{DowngradeAt: 0.75, CriticalAt: 0.95}
}

// Key identifies one slice of the spend breakdown.
type Key struct {
	BackendID string `json:"backend_id"`
	AgentID   string `json:"agent_id"`
}

// Entry is one row of the spend breakdown.
type Entry struct {
	Key
	Amount float64 `json:"amount"`
	Calls  int     `json:"calls"`
}

type spendEvent struct {
	at     time.Time
	amount float64
}

// Tracker keeps the daily spend ledger.
type Tracker struct {
	calc       CostCalculator
	thresholds Thresholds
	now        func() time.Time

	mu         sync.Mutex
	dailyLimit float64
	spent      float64
	breakdown  map[Key]*Entry
	events     []spendEvent
	day        time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// WithThresholds overrides the downgrade and critical thresholds.
func WithThresholds(th Thresholds) Option {
	return func(t *Tracker) {
		def := DefaultThresholds()
		if th.DowngradeAt <= 0 || th.DowngradeAt > 1 {
			th.DowngradeAt = def.DowngradeAt
		}
		if th.CriticalAt <= 0 || th.CriticalAt > 1 {
			th.CriticalAt = def.CriticalAt
		}
		if th.CriticalAt < th.DowngradeAt {
			th.CriticalAt = th.DowngradeAt
		}
		t.thresholds = th
	}
}

// NewTracker creates a tracker with the given starting budget.
func NewTracker(calc CostCalculator, b Budget, opts ...Option) *Tracker {
	t := &Tracker{
		calc:       calc,
		thresholds: DefaultThresholds(),
		now:        time.Now,
		dailyLimit: b.Daily,
		breakdown:  make(map[Key]*Entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.day = startOfDay(t.now())
	return t
}

// SetBudget replaces the daily limit. Spend so far is kept.
func (t *Tracker) SetBudget(b Budget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dailyLimit = b.Daily
}

// Budget returns the configured limits.
func (t *Tracker) Budget() Budget {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Budget{Daily: t.dailyLimit}
}

// RecordSpend prices a call and adds it to the ledger. Each invocation
// records exactly once; unknown backends leave the ledger untouched.
func (t *Tracker) RecordSpend(backendID, agentID string, inputTokens, outputTokens int) (float64, error) {
	if t.calc == nil {
		return 0, errors.New("cost calculator unavailable")
	}
	cost, err := t.calc.CalculateCost(backendID, inputTokens, outputTokens)
	if err != nil {
		return 0, fmt.Errorf("record spend: %w", err)
	}
	t.addSpend(backendID, agentID, cost)
	return cost, nil
}

// RecordCost adds an already priced amount to the ledger.
func (t *Tracker) RecordCost(backendID, agentID string, amount float64) {
	if amount < 0 {
		amount = 0
	}
	t.addSpend(backendID, agentID, amount)
}

func (t *Tracker) addSpend(backendID, agentID string, amount float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()

	wasDowngrade := t.shouldDowngradeLocked()
	t.spent += amount
	key := Key{BackendID: backendID, AgentID: agentID}
	entry, ok := t.breakdown[key]
	if !ok {
		entry = &Entry{Key: key}
		t.breakdown[key] = entry
	}
	entry.Amount += amount
	entry.Calls++
	t.events = append(t.events, spendEvent{at: t.now(), amount: amount})

	if !wasDowngrade && t.shouldDowngradeLocked() {
		log.Printf("[budget] spend %.4f crossed downgrade threshold of daily limit %.4f", t.spent, t.dailyLimit)
	}
}

// rolloverLocked starts a new ledger when the day changes. Caller holds t.mu.
func (t *Tracker) rolloverLocked() {
	today := startOfDay(t.now())
	if today.Equal(t.day) {
		return
	}
	t.day = today
	t.spent = 0
	t.breakdown = make(map[Key]*Entry)
	t.events = nil
}

// DailySpend returns the amount spent today.
func (t *Tracker) DailySpend() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()
	return t.spent
}

// IsExhausted reports whether spend reached the limit. A non-positive
// limit is always exhausted.
func (t *Tracker) IsExhausted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()
	return t.exhaustedLocked()
}

func (t *Tracker) exhaustedLocked() bool {
	return t.dailyLimit <= 0 || t.spent >= t.dailyLimit
}

// Check returns ErrBudgetExhausted when no further spend is admitted.
func (t *Tracker) Check() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()
	if t.exhaustedLocked() {
		return fmt.Errorf("spent %.4f of daily limit %.4f: %w", t.spent, t.dailyLimit, ErrBudgetExhausted)
	}
	return nil
}

// Remaining returns the unspent part of the daily limit, never negative.
func (t *Tracker) Remaining() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()
	if r := t.dailyLimit - t.spent; r > 0 {
		return r
	}
	return 0
}

// Utilization returns spent/limit clamped to [0, 1].
func (t *Tracker) Utilization() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()
	if t.dailyLimit <= 0 {
		return 1
	}
	u := t.spent / t.dailyLimit
	if u > 1 {
		return 1
	}
	return u
}

// ShouldDowngrade reports whether spend crossed the soft threshold.
func (t *Tracker) ShouldDowngrade() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()
	return t.shouldDowngradeLocked()
}

func (t *Tracker) shouldDowngradeLocked() bool {
	return t.dailyLimit <= 0 || t.spent >= t.thresholds.DowngradeAt*t.dailyLimit
}

// OnlyCriticalAllowed reports whether spend is close enough to the limit
// that only critical work should run.
func (t *Tracker) OnlyCriticalAllowed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()
	return t.dailyLimit <= 0 || t.spent >= t.thresholds.CriticalAt*t.dailyLimit
}

// Breakdown returns spend per (backend, agent), largest first.
func (t *Tracker) Breakdown() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()

	out := make([]Entry, 0, len(t.breakdown))
	for _, e := range t.breakdown {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Amount != out[j].Amount {
			return out[i].Amount > out[j].Amount
		}
		if out[i].BackendID != out[j].BackendID {
			return out[i].BackendID < out[j].BackendID
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

// Reset clears the ledger and keeps the limit.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spent = 0
	t.breakdown = make(map[Key]*Entry)
	t.events = nil
	t.day = startOfDay(t.now())
}

func startOfDay(ts time.Time) time.Time {
	y, m, d := ts.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, ts.Location())
}

// Window is a reporting period for spend projections.
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
)

// Duration returns the length of the window.
func (w Window) Duration() time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// ParseWindow parses a window name.
func ParseWindow(s string) (Window, error) {
	switch Window(strings.ToLower(strings.TrimSpace(s))) {
	case WindowMinute:
		return WindowMinute, nil
	case WindowHour:
		return WindowHour, nil
	case WindowDay, "":
		return WindowDay, nil
	default:
		return "", fmt.Errorf("unknown spend window %q", s)
	}
}

// SpendReport summarizes spend inside a window with a linear daily projection.
type SpendReport struct {
	Window         Window  `json:"window"`
	Spent          float64 `json:"spent"`
	SpentToday     float64 `json:"spent_today"`
	ProjectedDaily float64 `json:"projected_daily"`
	Limit          float64 `json:"limit"`
	Remaining      float64 `json:"remaining"`
	WillExceed     bool    `json:"will_exceed"`
}

// SpendReport returns spend over the trailing window and projects it over
// a full day. It is advisory and does not block spending.
func (t *Tracker) SpendReport(w Window) SpendReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()

	span := w.Duration()
	cutoff := t.now().Add(-span)
	var spent float64
	for _, ev := range t.events {
		if !ev.at.Before(cutoff) {
			spent += ev.amount
		}
	}

	projected := spent * float64(24*time.Hour) / float64(span)
	remaining := t.dailyLimit - t.spent
	if remaining < 0 {
		remaining = 0
	}
	return SpendReport{
		Window:         w,
		Spent:          spent,
		SpentToday:     t.spent,
		ProjectedDaily: projected,
		Limit:          t.dailyLimit,
		Remaining:      remaining,
		WillExceed:     projected >= t.dailyLimit,
	}
}
