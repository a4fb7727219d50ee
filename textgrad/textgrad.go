// Package textgrad implements the feedback loop that turns accumulated
// critique reviews into auto-injected skill improvements per agent.
//
// Pipeline steps:
//  1. Accumulate: critique entries appended to memory/critique_log.jsonl
//  2. Aggregate:  extract recurring issues (>=3 occurrences) per agent
//  3. Inject:     write improvement patches to skills/agent_overrides/<id>_textgrad.md
//  4. Decay:      drop patches for issues no longer recurring in the recent window
//
// Override files are hot-loaded by the skills loader on each agent turn.
package textgrad

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cleoai/cleo/lockfile"
	"github.com/cleoai/cleo/protocol"
)

const (
	DefaultCritiqueLog  = "memory/critique_log.jsonl"
	DefaultOverridesDir = "skills/agent_overrides"
	DefaultSignalDir    = "memory"

	aggregateThreshold = 20 // run after this many new log entries
	recurrenceMin      = 3  // issue becomes a patch at this count
	decayWindow        = 40 // recent entries examined for decay
	decayThreshold     = 2  // below this in the window, the issue decays

	issueKeyLen = 60
)

// LogEntry is one accumulated critique observation.
type LogEntry struct {
	TaskID  string                  `json:"task_id"`
	AgentID string                  `json:"agent_id"`
	Items   []protocol.CritiqueItem `json:"items"`
	Score   float64                 `json:"score"`
	TS      float64                 `json:"ts"`
}

// Stats summarizes one pipeline run.
type Stats struct {
	EntriesProcessed int `json:"entries_processed"`
	AgentsPatched    int `json:"agents_patched"`
	IssuesFound      int `json:"issues_found"`
	Decayed          int `json:"decayed"`
}

// Pipeline converts repeated critique feedback into agent skill patches.
// Meant to run as a periodic background task.
type Pipeline struct {
	logPath      string
	overridesDir string
	signalDir    string
	logLock      *lockfile.Lock

	lastLineCount int
	lastRun       time.Time

	now func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithPaths overrides the critique log, overrides dir, and signal dir.
func WithPaths(logPath, overridesDir, signalDir string) Option {
	return func(p *Pipeline) {
		p.logPath = logPath
		p.overridesDir = overridesDir
		p.signalDir = signalDir
		p.logLock = lockfile.New(logPath + ".lock")
	}
}

// New creates a pipeline with the default file layout.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		logPath:      DefaultCritiqueLog,
		overridesDir: DefaultOverridesDir,
		signalDir:    DefaultSignalDir,
		logLock:      lockfile.New(DefaultCritiqueLog + ".lock"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Accumulate appends one critique observation to the log. Called by the
// orchestrator whenever a reviewer submits a critique.
func (p *Pipeline) Accumulate(entry LogEntry) error {
	if entry.TS == 0 {
		entry.TS = float64(p.now().UnixNano()) / float64(time.Second)
	}
	return lockfile.AppendLine(p.logLock, p.logPath, entry)
}

// ShouldRun reports whether enough time has passed and enough new
// entries exist to justify a pipeline run.
func (p *Pipeline) ShouldRun(interval time.Duration) bool {
	if p.now().Sub(p.lastRun) < interval {
		return false
	}
	return countLines(p.logPath) >= p.lastLineCount+aggregateThreshold
}

// Run executes aggregate, inject, and decay for every agent present in
// the critique log.
func (p *Pipeline) Run() Stats {
	p.lastRun = p.now()
	var stats Stats

	entries := p.loadLog()
	stats.EntriesProcessed = len(entries)
	p.lastLineCount = len(entries)

	if len(entries) < aggregateThreshold {
		return stats
	}

	byAgent := make(map[string][]LogEntry)
	for _, e := range entries {
		if e.AgentID != "" {
			byAgent[e.AgentID] = append(byAgent[e.AgentID], e)
		}
	}

	for agentID, agentEntries := range byAgent {
		patched, issues, decayed := p.processAgent(agentID, agentEntries)
		if patched {
			stats.AgentsPatched++
		}
		stats.IssuesFound += issues
		stats.Decayed += decayed
	}
	return stats
}

// issueKey normalizes an issue string so near-identical phrasings
// aggregate together.
func issueKey(issue string) string {
	issue = strings.TrimSpace(issue)
	runes := []rune(issue)
	if len(runes) > issueKeyLen {
		runes = runes[:issueKeyLen]
	}
	return strings.ToLower(string(runes))
}

func countIssues(entries []LogEntry) map[string]int {
	counts := make(map[string]int)
	for _, e := range entries {
		for _, item := range e.Items {
			if key := issueKey(item.Issue); key != "" {
				counts[key]++
			}
		}
	}
	return counts
}

func (p *Pipeline) processAgent(agentID string, entries []LogEntry) (patched bool, issues, decayed int) {
	// Aggregate: recurring issues across the full history
	recurring := make(map[string]int)
	for issue, count := range countIssues(entries) {
		if count >= recurrenceMin {
			recurring[issue] = count
		}
	}
	issues = len(recurring)
	if issues == 0 {
		return false, 0, 0
	}

	// Decay: issue must still recur within the recent window
	recent := entries
	if len(recent) > decayWindow {
		recent = recent[len(recent)-decayWindow:]
	}
	recentCounts := countIssues(recent)

	active := make(map[string]int)
	var decayedIssues []string
	for issue, total := range recurring {
		if recentCounts[issue] >= decayThreshold {
			active[issue] = total
		} else {
			decayedIssues = append(decayedIssues, issue)
			decayed++
		}
	}
	sort.Strings(decayedIssues)

	// Inject or retire
	if len(active) == 0 {
		p.removePatch(agentID)
		return false, issues, decayed
	}
	if err := p.writePatch(agentID, active); err != nil {
		slog.Warn("textgrad patch write failed", "agent", agentID, "error", err)
		return false, issues, decayed
	}
	p.writeGradientSignal(agentID, active, decayedIssues, entries)
	return true, issues, decayed
}

type issueCount struct {
	issue string
	count int
}

func sortByCount(active map[string]int) []issueCount {
	out := make([]issueCount, 0, len(active))
	for issue, count := range active {
		out = append(out, issueCount{issue, count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].issue < out[j].issue
	})
	return out
}

// OverridePath returns the patch file location for an agent.
func (p *Pipeline) OverridePath(agentID string) string {
	return filepath.Join(p.overridesDir, agentID+"_textgrad.md")
}

func (p *Pipeline) writePatch(agentID string, active map[string]int) error {
	if err := os.MkdirAll(p.overridesDir, 0o755); err != nil {
		return err
	}

	total := 0
	for _, count := range active {
		total += count
	}

	var b strings.Builder
	b.WriteString("# TextGrad Auto-Improvements\n\n")
	fmt.Fprintf(&b, "_Auto-generated from %d critique observations. Updated: %s_\n\n",
		total, p.now().UTC().Format("2006-01-02 15:04"))
	b.WriteString("## Known Issues to Avoid\n\n")

	ranked := sortByCount(active)
	for _, ic := range ranked {
		fmt.Fprintf(&b, "- **[%dx]** %s\n", ic.count, ic.issue)
	}

	b.WriteString("\n## Improvement Guidelines\n\n")
	b.WriteString("Based on recurring feedback, pay special attention to:\n")
	for i, ic := range ranked {
		if i >= 5 {
			break
		}
		fmt.Fprintf(&b, "%d. Address: %s\n", i+1, ic.issue)
	}

	if err := os.WriteFile(p.OverridePath(agentID), []byte(b.String()), 0o644); err != nil {
		return err
	}
	slog.Info("textgrad patch written", "agent", agentID, "active_issues", len(active))
	return nil
}

func (p *Pipeline) removePatch(agentID string) {
	path := p.OverridePath(agentID)
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := os.Remove(path); err == nil {
		slog.Info("textgrad patch retired", "agent", agentID)
	}
}

func (p *Pipeline) writeGradientSignal(agentID string, active map[string]int, decayed []string, entries []LogEntry) {
	signal := protocol.GradientSignal{
		AgentID:       agentID,
		GeneratedAt:   float64(p.now().UnixNano()) / float64(time.Second),
		DecayedIssues: decayed,
	}
	for _, ic := range sortByCount(active) {
		signal.RecurringIssues = append(signal.RecurringIssues, ic.issue)
		signal.ImprovementPatches = append(signal.ImprovementPatches, "Avoid: "+ic.issue)
	}
	tail := entries
	if len(tail) > 10 {
		tail = tail[len(tail)-10:]
	}
	for _, e := range tail {
		signal.SourceCritiqueIDs = append(signal.SourceCritiqueIDs, e.TaskID)
	}

	path := filepath.Join(p.signalDir, "gradient_signal_"+agentID+".json")
	if err := os.MkdirAll(p.signalDir, 0o755); err != nil {
		return
	}
	if err := os.WriteFile(path, []byte(signal.ToJSON()), 0o644); err != nil {
		slog.Debug("gradient signal write failed", "agent", agentID, "error", err)
	}
}

// ── Log reading ──

func (p *Pipeline) loadLog() []LogEntry {
	f, err := os.Open(p.logPath)
	if err != nil {
		return nil
	}
	defer f.Close()

	var entries []LogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e LogEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries
}

func countLines(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		count++
	}
	return count
}
