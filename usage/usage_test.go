package usage

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cleoai/cleo/config"
)

func newTestTracker(t *testing.T, opts ...Option) (*Tracker, string) {
	t.Helper()
	dir := t.TempDir()
	opts = append([]Option{WithAlertPath(filepath.Join(dir, "alerts.jsonl"))}, opts...)
	tr := New(filepath.Join(dir, "usage_stats.json"), filepath.Join(dir, "usage_stats.lock"), opts...)
	return tr, dir
}

func readAlerts(t *testing.T, dir string) []Alert {
	t.Helper()
	f, err := os.Open(filepath.Join(dir, "alerts.jsonl"))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	defer f.Close()

	var alerts []Alert
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var a Alert
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &a))
		alerts = append(alerts, a)
	}
	return alerts
}

func TestEstimateCost(t *testing.T) {
	// deepseek-v3.2: $0.5/M in, $2/M out
	assert.InDelta(t, 0.5+2.0, EstimateCost("deepseek-v3.2", 1_000_000, 1_000_000), 1e-9)
	// substring match against a provider-prefixed name
	assert.InDelta(t, 1.5, EstimateCost("openrouter/qwen3-235b-thinking", 1_000_000, 0), 1e-9)
	// unknown model falls back to the default rate
	assert.InDelta(t, 1.0+4.0, EstimateCost("some-new-model", 1_000_000, 1_000_000), 1e-9)
	assert.Zero(t, EstimateCost("deepseek-v3.2", 0, 0))
}

func TestRecordAggregates(t *testing.T) {
	tr, _ := newTestTracker(t)

	require.NoError(t, tr.Record(CallInfo{
		AgentID: "jerry", Model: "deepseek-v3.2",
		PromptTokens: 1000, CompletionTokens: 500,
		LatencyMS: 120, Success: true,
	}))
	require.NoError(t, tr.Record(CallInfo{
		AgentID: "leo", Model: "kimi-k2.5",
		PromptTokens: 2000, CompletionTokens: 100,
		Success: false, Retries: 2, Failover: true,
	}))

	s := tr.GetSummary()
	assert.Equal(t, int64(2), s.Aggregate.TotalCalls)
	assert.Equal(t, int64(3000), s.Aggregate.TotalPromptTokens)
	assert.Equal(t, int64(600), s.Aggregate.TotalCompletionTokens)
	assert.Equal(t, int64(3600), s.Aggregate.TotalTokens)
	assert.Equal(t, int64(2), s.Aggregate.TotalRetries)
	assert.Equal(t, int64(1), s.Aggregate.TotalFailovers)
	assert.Equal(t, int64(1), s.Aggregate.SuccessCount)
	assert.Equal(t, int64(1), s.Aggregate.FailureCount)
	assert.Greater(t, s.Aggregate.TotalCostUSD, 0.0)

	assert.Equal(t, int64(1), s.ByAgent["jerry"].Calls)
	assert.Equal(t, int64(1500), s.ByAgent["jerry"].Tokens)
	assert.Equal(t, int64(1), s.ByModel["kimi-k2.5"].Calls)
}

func TestRecordPersistsAcrossTrackers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "usage_stats.json")
	lock := filepath.Join(dir, "usage_stats.lock")

	tr1 := New(path, lock)
	require.NoError(t, tr1.Record(CallInfo{AgentID: "jerry", Model: "deepseek-v3.2", PromptTokens: 10, CompletionTokens: 5, Success: true}))

	tr2 := New(path, lock)
	assert.Equal(t, int64(1), tr2.GetSummary().Aggregate.TotalCalls)
}

func TestBudgetExceeded(t *testing.T) {
	budget := &config.Budget{Enabled: true, MaxCostUSD: 0.0001, WarnAtPercent: 80}
	tr, dir := newTestTracker(t, WithBudget(budget))

	// 100k prompt + 50k completion on qwen3-235b-thinking ≈ $0.45
	err := tr.Record(CallInfo{
		AgentID: "executor", Model: "qwen3-235b-thinking",
		PromptTokens: 100_000, CompletionTokens: 50_000,
		Success: true,
	})
	require.ErrorIs(t, err, ErrBudgetExceeded)

	// the call is still recorded
	s := tr.GetSummary()
	assert.Equal(t, int64(1), s.Aggregate.TotalCalls)
	assert.Greater(t, s.Aggregate.TotalCostUSD, 0.0001)

	alerts := readAlerts(t, dir)
	require.NotEmpty(t, alerts)
	assert.Equal(t, "budget_exceeded", alerts[len(alerts)-1].Type)
}

func TestBudgetWarningOnce(t *testing.T) {
	// warn at 80% of $1: the first call lands in the warning band,
	// the second stays under the hard limit
	budget := &config.Budget{Enabled: true, MaxCostUSD: 1.0, WarnAtPercent: 80}
	tr, dir := newTestTracker(t, WithBudget(budget))

	// deepseek-v3.2: 1M+0 prompt → $0.5; two calls → $0.85 total
	require.NoError(t, tr.Record(CallInfo{AgentID: "jerry", Model: "deepseek-v3.2", PromptTokens: 1_000_000, Success: true}))
	require.NoError(t, tr.Record(CallInfo{AgentID: "jerry", Model: "deepseek-v3.2", PromptTokens: 700_000, Success: true}))
	require.NoError(t, tr.Record(CallInfo{AgentID: "jerry", Model: "deepseek-v3.2", PromptTokens: 100_000, Success: true}))

	var warnings int
	for _, a := range readAlerts(t, dir) {
		if a.Type == "budget_warning" {
			warnings++
		}
	}
	assert.Equal(t, 1, warnings)
}

func TestBudgetTokenLimit(t *testing.T) {
	budget := &config.Budget{Enabled: true, MaxTokens: 1000}
	tr, _ := newTestTracker(t, WithBudget(budget))

	require.NoError(t, tr.Record(CallInfo{AgentID: "jerry", Model: "x", PromptTokens: 500, Success: true}))
	err := tr.Record(CallInfo{AgentID: "jerry", Model: "x", PromptTokens: 600, Success: true})
	assert.ErrorIs(t, err, ErrBudgetExceeded)
}

func TestDisabledBudgetNeverTrips(t *testing.T) {
	budget := &config.Budget{Enabled: false, MaxCostUSD: 0.000001}
	tr, dir := newTestTracker(t, WithBudget(budget))

	require.NoError(t, tr.Record(CallInfo{AgentID: "jerry", Model: "kimi-k2.5", PromptTokens: 1_000_000, CompletionTokens: 1_000_000, Success: true}))
	assert.Empty(t, readAlerts(t, dir))
}

func TestSessionSummary(t *testing.T) {
	tr, _ := newTestTracker(t)
	ts := 100.0
	tr.now = func() float64 { ts += 10; return ts }

	require.NoError(t, tr.Record(CallInfo{AgentID: "jerry", Model: "x", PromptTokens: 100, Success: true, LatencyMS: 200}))
	require.NoError(t, tr.Record(CallInfo{AgentID: "jerry", Model: "x", PromptTokens: 100, Success: false}))
	require.NoError(t, tr.Record(CallInfo{AgentID: "jerry", Model: "x", PromptTokens: 100, Success: true, LatencyMS: 400}))

	all := tr.GetSessionSummary(0)
	assert.Equal(t, 3, all.Calls)
	assert.Equal(t, 2, all.Successes)
	assert.Equal(t, 1, all.Failures)
	assert.InDelta(t, 300, all.AvgLatency, 1e-9)

	// only the last call is at or after ts=130
	late := tr.GetSessionSummary(130)
	assert.Equal(t, 1, late.Calls)
}

func TestRecent(t *testing.T) {
	tr, _ := newTestTracker(t)
	for _, model := range []string{"a", "b", "c"} {
		require.NoError(t, tr.Record(CallInfo{AgentID: "jerry", Model: model, PromptTokens: 1, Success: true}))
	}

	recent := tr.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].Model)
	assert.Equal(t, "b", recent[1].Model)
}

func TestClear(t *testing.T) {
	tr, _ := newTestTracker(t)
	require.NoError(t, tr.Record(CallInfo{AgentID: "jerry", Model: "x", PromptTokens: 1, Success: true}))
	require.NoError(t, tr.Clear())
	assert.Zero(t, tr.GetSummary().Aggregate.TotalCalls)
}
