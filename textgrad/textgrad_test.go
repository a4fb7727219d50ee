package textgrad

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cleoai/cleo/protocol"
)

func newTestPipeline(t *testing.T) (*Pipeline, string) {
	t.Helper()
	dir := t.TempDir()
	p := New(WithPaths(
		filepath.Join(dir, "critique_log.jsonl"),
		filepath.Join(dir, "overrides"),
		filepath.Join(dir, "memory"),
	))
	return p, dir
}

func accumulateN(t *testing.T, p *Pipeline, agentID, issue string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		var items []protocol.CritiqueItem
		if issue != "" {
			items = []protocol.CritiqueItem{{Dimension: "accuracy", Issue: issue}}
		}
		require.NoError(t, p.Accumulate(LogEntry{
			TaskID:  "task-x",
			AgentID: agentID,
			Items:   items,
			Score:   6,
		}))
	}
}

func TestRunBelowThresholdDoesNothing(t *testing.T) {
	p, _ := newTestPipeline(t)
	accumulateN(t, p, "jerry", "missing citations", 5)

	stats := p.Run()
	assert.Equal(t, 5, stats.EntriesProcessed)
	assert.Zero(t, stats.AgentsPatched)
	assert.NoFileExists(t, p.OverridePath("jerry"))
}

func TestRecurringIssueBecomesPatch(t *testing.T) {
	p, _ := newTestPipeline(t)
	accumulateN(t, p, "jerry", "Missing Citations in output", 4)
	accumulateN(t, p, "jerry", "only once", 1)
	accumulateN(t, p, "jerry", "", 15) // clean reviews

	stats := p.Run()
	assert.Equal(t, 20, stats.EntriesProcessed)
	assert.Equal(t, 1, stats.AgentsPatched)
	assert.Equal(t, 1, stats.IssuesFound)

	data, err := os.ReadFile(p.OverridePath("jerry"))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "# TextGrad Auto-Improvements")
	assert.Contains(t, content, "**[4x]** missing citations in output")
	assert.Contains(t, content, "1. Address: missing citations in output")
	assert.NotContains(t, content, "only once")
}

func TestIssueKeyNormalization(t *testing.T) {
	// case folds and truncates to 60 runes, so rephrased suffixes collapse
	long := "The Report Is Missing A Conclusion Section Which Was Required by the brief"
	key := issueKey(long)
	assert.Equal(t, 60, len([]rune(key)))
	assert.Equal(t, issueKey(long+" trailing difference"), key)
}

func TestGradientSignalWritten(t *testing.T) {
	p, dir := newTestPipeline(t)
	accumulateN(t, p, "jerry", "vague answers", 3)
	accumulateN(t, p, "jerry", "", 17)

	stats := p.Run()
	require.Equal(t, 1, stats.AgentsPatched)

	data, err := os.ReadFile(filepath.Join(dir, "memory", "gradient_signal_jerry.json"))
	require.NoError(t, err)
	signal, err := protocol.GradientSignalFromJSON(string(data))
	require.NoError(t, err)
	assert.Equal(t, "jerry", signal.AgentID)
	assert.Equal(t, []string{"vague answers"}, signal.RecurringIssues)
	assert.Equal(t, []string{"Avoid: vague answers"}, signal.ImprovementPatches)
	assert.Len(t, signal.SourceCritiqueIDs, 10)
	assert.Greater(t, signal.GeneratedAt, 0.0)
}

func TestDecayRemovesPatch(t *testing.T) {
	p, _ := newTestPipeline(t)

	// issue recurs early, then 40+ clean reviews push it out of the window
	accumulateN(t, p, "jerry", "stale issue", 5)
	accumulateN(t, p, "jerry", "", 15)
	stats := p.Run()
	require.Equal(t, 1, stats.AgentsPatched)
	require.FileExists(t, p.OverridePath("jerry"))

	accumulateN(t, p, "jerry", "", 45)
	stats = p.Run()
	assert.Zero(t, stats.AgentsPatched)
	assert.Equal(t, 1, stats.Decayed)
	assert.NoFileExists(t, p.OverridePath("jerry"))
}

func TestAgentsProcessedIndependently(t *testing.T) {
	p, _ := newTestPipeline(t)
	accumulateN(t, p, "jerry", "sloppy tests", 3)
	accumulateN(t, p, "leo", "", 17)

	stats := p.Run()
	assert.Equal(t, 1, stats.AgentsPatched)
	assert.FileExists(t, p.OverridePath("jerry"))
	assert.NoFileExists(t, p.OverridePath("leo"))
}

func TestShouldRun(t *testing.T) {
	p, _ := newTestPipeline(t)
	base := time.Unix(1_700_000_000, 0)
	p.now = func() time.Time { return base }

	// too few entries
	accumulateN(t, p, "jerry", "x", 5)
	assert.False(t, p.ShouldRun(time.Minute))

	accumulateN(t, p, "jerry", "x", 15)
	assert.True(t, p.ShouldRun(time.Minute))

	// interval gate after a run
	p.Run()
	accumulateN(t, p, "jerry", "x", 25)
	assert.False(t, p.ShouldRun(time.Minute))

	base = base.Add(2 * time.Minute)
	assert.True(t, p.ShouldRun(time.Minute))
}
