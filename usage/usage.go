// Package usage implements process-safe token and cost accounting with
// budget enforcement. Every LLM call is recorded under the usage file
// lock; the budget check runs inside the same critical section, so
// concurrent workers cannot race past the hard limit.
package usage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cleoai/cleo/config"
	"github.com/cleoai/cleo/lockfile"
)

const (
	DefaultUsageFile = "memory/usage_stats.json"
	DefaultUsageLock = "memory/usage_stats.lock"
	DefaultAlertFile = "memory/alerts.jsonl"
)

// ErrBudgetExceeded is the typed failure workers catch to fail the
// current task with reason budget_exceeded.
var ErrBudgetExceeded = errors.New("budget exceeded")

// ── Cost estimation (per 1M tokens) ──

type modelCost struct {
	Input  float64
	Output float64
}

// modelCosts is keyed by model-name substring; first match wins,
// "_default" is the fallback.
var modelCosts = []struct {
	key  string
	cost modelCost
}{
	{"minimax-m2.1", modelCost{Input: 1.0, Output: 4.0}},
	{"deepseek-v3.2", modelCost{Input: 0.5, Output: 2.0}},
	{"qwen3-235b-thinking", modelCost{Input: 1.5, Output: 6.0}},
	{"kimi-k2.5", modelCost{Input: 1.0, Output: 4.0}},
}

var defaultCost = modelCost{Input: 1.0, Output: 4.0}

// EstimateCost returns the USD cost estimate for a single call.
func EstimateCost(model string, promptTokens, completionTokens int64) float64 {
	cost := defaultCost
	lower := strings.ToLower(model)
	for _, mc := range modelCosts {
		if strings.Contains(lower, mc.key) {
			cost = mc.cost
			break
		}
	}
	return float64(promptTokens)/1_000_000*cost.Input +
		float64(completionTokens)/1_000_000*cost.Output
}

// Record is one LLM call's usage entry.
type Record struct {
	AgentID          string  `json:"agent_id"`
	Model            string  `json:"model"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	LatencyMS        float64 `json:"latency_ms"`
	Success          bool    `json:"success"`
	Retries          int     `json:"retries"`
	Failover         bool    `json:"failover"`
	TS               float64 `json:"ts"`
}

// Aggregate is the incrementally maintained running totals.
type Aggregate struct {
	TotalCalls            int64   `json:"total_calls"`
	TotalPromptTokens     int64   `json:"total_prompt_tokens"`
	TotalCompletionTokens int64   `json:"total_completion_tokens"`
	TotalTokens           int64   `json:"total_tokens"`
	TotalCostUSD          float64 `json:"total_cost_usd"`
	TotalRetries          int64   `json:"total_retries"`
	TotalFailovers        int64   `json:"total_failovers"`
	SuccessCount          int64   `json:"success_count"`
	FailureCount          int64   `json:"failure_count"`
}

type usageDoc struct {
	Calls     []Record  `json:"calls"`
	Aggregate Aggregate `json:"aggregate"`
}

// Alert is one budget alert line in alerts.jsonl.
type Alert struct {
	Type    string  `json:"type"` // budget_warning | budget_exceeded
	Message string  `json:"message"`
	CostUSD float64 `json:"cost_usd,omitempty"`
	Tokens  int64   `json:"tokens,omitempty"`
	TS      float64 `json:"ts"`
}

// Tracker is the process-safe usage statistics store.
type Tracker struct {
	file      *lockfile.LockedFile[usageDoc]
	alertPath string
	budget    *config.Budget

	warned bool // one budget_warning per process

	now func() float64
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithBudget enables budget enforcement.
func WithBudget(b *config.Budget) Option {
	return func(t *Tracker) { t.budget = b }
}

// WithAlertPath overrides the alerts.jsonl location.
func WithAlertPath(path string) Option {
	return func(t *Tracker) { t.alertPath = path }
}

// New creates a tracker over the given document and lock paths.
func New(path, lockPath string, opts ...Option) *Tracker {
	t := &Tracker{
		file:      lockfile.NewLockedFile[usageDoc](path, lockPath),
		alertPath: DefaultAlertFile,
		now:       func() float64 { return float64(time.Now().UnixNano()) / float64(time.Second) },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open creates a tracker with the default file names.
func Open(opts ...Option) *Tracker {
	return New(DefaultUsageFile, DefaultUsageLock, opts...)
}

// SetBudget swaps the enforced budget (gateway POST /v1/budget).
func (t *Tracker) SetBudget(b *config.Budget) { t.budget = b }

// Budget returns the currently enforced budget, nil when none.
func (t *Tracker) Budget() *config.Budget { return t.budget }

// CallInfo carries the per-call inputs to Record.
type CallInfo struct {
	AgentID          string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	LatencyMS        float64
	Success          bool
	Retries          int
	Failover         bool
}

// Record appends one call entry, updates the aggregates, and enforces the
// budget inside the same critical section. Returns ErrBudgetExceeded
// (wrapped) when the post-update aggregate crosses the hard limit; the
// entry is still recorded.
func (t *Tracker) Record(info CallInfo) error {
	entry := Record{
		AgentID:          info.AgentID,
		Model:            info.Model,
		PromptTokens:     info.PromptTokens,
		CompletionTokens: info.CompletionTokens,
		TotalTokens:      info.PromptTokens + info.CompletionTokens,
		CostUSD:          EstimateCost(info.Model, info.PromptTokens, info.CompletionTokens),
		LatencyMS:        info.LatencyMS,
		Success:          info.Success,
		Retries:          info.Retries,
		Failover:         info.Failover,
		TS:               t.now(),
	}

	var budgetErr error
	err := t.file.Modify(func(doc *usageDoc) error {
		doc.Calls = append(doc.Calls, entry)
		agg := &doc.Aggregate
		agg.TotalCalls++
		agg.TotalPromptTokens += entry.PromptTokens
		agg.TotalCompletionTokens += entry.CompletionTokens
		agg.TotalTokens += entry.TotalTokens
		agg.TotalCostUSD += entry.CostUSD
		agg.TotalRetries += int64(entry.Retries)
		if entry.Failover {
			agg.TotalFailovers++
		}
		if entry.Success {
			agg.SuccessCount++
		} else {
			agg.FailureCount++
		}

		budgetErr = t.enforceBudget(agg)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return budgetErr
}

// enforceBudget runs inside the usage lock with the post-update aggregate.
func (t *Tracker) enforceBudget(agg *Aggregate) error {
	b := t.budget
	if b == nil || !b.Enabled {
		return nil
	}

	costLimited := b.MaxCostUSD > 0
	tokenLimited := b.MaxTokens > 0

	if (costLimited && agg.TotalCostUSD >= b.MaxCostUSD) ||
		(tokenLimited && agg.TotalTokens >= b.MaxTokens) {
		t.appendAlert(Alert{
			Type: "budget_exceeded",
			Message: fmt.Sprintf("budget exceeded: $%.4f / $%.4f, %d / %d tokens",
				agg.TotalCostUSD, b.MaxCostUSD, agg.TotalTokens, b.MaxTokens),
			CostUSD: agg.TotalCostUSD,
			Tokens:  agg.TotalTokens,
			TS:      t.now(),
		})
		return fmt.Errorf("%w: $%.4f of $%.4f", ErrBudgetExceeded, agg.TotalCostUSD, b.MaxCostUSD)
	}

	if t.warned || b.WarnAtPercent <= 0 {
		return nil
	}
	warnFrac := b.WarnAtPercent / 100
	if (costLimited && agg.TotalCostUSD >= b.MaxCostUSD*warnFrac) ||
		(tokenLimited && float64(agg.TotalTokens) >= float64(b.MaxTokens)*warnFrac) {
		t.warned = true
		t.appendAlert(Alert{
			Type: "budget_warning",
			Message: fmt.Sprintf("budget at %.0f%% threshold: $%.4f of $%.4f",
				b.WarnAtPercent, agg.TotalCostUSD, b.MaxCostUSD),
			CostUSD: agg.TotalCostUSD,
			Tokens:  agg.TotalTokens,
			TS:      t.now(),
		})
	}
	return nil
}

func (t *Tracker) appendAlert(alert Alert) {
	// the caller already holds the usage lock; alerts use their own
	_ = lockfile.AppendLine(lockfile.New(t.alertPath+".lock"), t.alertPath, alert)
}

// ── Summaries ──

// AgentSummary is the per-agent (or per-model) rollup.
type AgentSummary struct {
	Calls  int64   `json:"calls"`
	Tokens int64   `json:"tokens"`
	Cost   float64 `json:"cost"`
}

// Summary is the full aggregated view served by the gateway.
type Summary struct {
	Aggregate Aggregate               `json:"aggregate"`
	ByAgent   map[string]AgentSummary `json:"by_agent"`
	ByModel   map[string]AgentSummary `json:"by_model"`
}

// GetSummary computes the per-agent and per-model breakdowns.
func (t *Tracker) GetSummary() Summary {
	doc := t.file.Read()
	s := Summary{
		Aggregate: doc.Aggregate,
		ByAgent:   make(map[string]AgentSummary),
		ByModel:   make(map[string]AgentSummary),
	}
	for _, call := range doc.Calls {
		a := s.ByAgent[call.AgentID]
		a.Calls++
		a.Tokens += call.TotalTokens
		a.Cost += call.CostUSD
		s.ByAgent[call.AgentID] = a

		m := s.ByModel[call.Model]
		m.Calls++
		m.Tokens += call.TotalTokens
		m.Cost += call.CostUSD
		s.ByModel[call.Model] = m
	}
	return s
}

// Recent returns the newest n call records, newest first.
func (t *Tracker) Recent(n int) []Record {
	doc := t.file.Read()
	calls := doc.Calls
	if n > 0 && len(calls) > n {
		calls = calls[len(calls)-n:]
	}
	out := make([]Record, len(calls))
	for i, c := range calls {
		out[len(calls)-1-i] = c
	}
	return out
}

// SessionSummary aggregates calls recorded since a timestamp.
type SessionSummary struct {
	Calls      int     `json:"calls"`
	Tokens     int64   `json:"tokens"`
	CostUSD    float64 `json:"cost_usd"`
	Successes  int     `json:"successes"`
	Failures   int     `json:"failures"`
	AvgLatency float64 `json:"avg_latency"`
}

// GetSessionSummary summarizes calls at or after sinceTS.
func (t *Tracker) GetSessionSummary(sinceTS float64) SessionSummary {
	doc := t.file.Read()
	var s SessionSummary
	var latencySum float64
	var latencyCount int
	for _, c := range doc.Calls {
		if c.TS < sinceTS {
			continue
		}
		s.Calls++
		s.Tokens += c.TotalTokens
		s.CostUSD += c.CostUSD
		if c.Success {
			s.Successes++
			if c.LatencyMS > 0 {
				latencySum += c.LatencyMS
				latencyCount++
			}
		} else {
			s.Failures++
		}
	}
	if latencyCount > 0 {
		s.AvgLatency = latencySum / float64(latencyCount)
	}
	return s
}

// Clear resets all usage data.
func (t *Tracker) Clear() error {
	return t.file.Modify(func(doc *usageDoc) error {
		*doc = usageDoc{}
		return nil
	})
}
