package gateway

import (
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/cleoai/cleo/board"
	"github.com/cleoai/cleo/bus"
	"github.com/cleoai/cleo/config"
)

var safeNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ============================================================================
// SCORES
// ============================================================================

type agentScore struct {
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Critiques int     `json:"critiques"`
	AvgScore  float64 `json:"avg_score"`
}

// handleScores aggregates per-agent outcomes from the live board.
func (g *Gateway) handleScores(w http.ResponseWriter, _ *http.Request) {
	scores := make(map[string]*agentScore)
	for _, t := range g.board.List() {
		if t.AgentID == "" {
			continue
		}
		s, ok := scores[t.AgentID]
		if !ok {
			s = &agentScore{}
			scores[t.AgentID] = s
		}
		switch t.Status {
		case board.StatusCompleted:
			s.Completed++
		case board.StatusFailed:
			s.Failed++
		}
		if t.Critique != nil {
			s.AvgScore = (s.AvgScore*float64(s.Critiques) + t.Critique.Score) / float64(s.Critiques+1)
			s.Critiques++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"scores": scores})
}

// ============================================================================
// AGENTS
// ============================================================================

type currentTaskView struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

type agentView struct {
	ID             string                 `json:"id"`
	Role           string                 `json:"role"`
	Model          string                 `json:"model"`
	Provider       string                 `json:"provider,omitempty"`
	APIKeyEnv      string                 `json:"api_key_env"`
	APIKeySet      bool                   `json:"api_key_set"`
	APIKeyMasked   string                 `json:"api_key_masked,omitempty"`
	BaseURL        string                 `json:"base_url,omitempty"`
	Skills         []string               `json:"skills,omitempty"`
	FallbackModels []string               `json:"fallback_models,omitempty"`
	AutonomyLevel  string                 `json:"autonomy_level,omitempty"`
	Tools          config.AgentToolConfig `json:"tools"`
	CurrentTask    *currentTaskView       `json:"current_task,omitempty"`
	RecentLogs     []string               `json:"recent_logs,omitempty"`
}

func (g *Gateway) handleAgents(w http.ResponseWriter, _ *http.Request) {
	views := make([]agentView, 0, len(g.cfg.Agents))
	for i := range g.cfg.Agents {
		a := &g.cfg.Agents[i]

		keyEnv := a.LLM.APIKeyEnv
		if keyEnv == "" {
			keyEnv = strings.ToUpper(a.ID) + "_API_KEY"
		}
		key := os.Getenv(keyEnv)

		v := agentView{
			ID:             a.ID,
			Role:           a.Role,
			Model:          a.Model,
			Provider:       a.LLM.Provider,
			APIKeyEnv:      keyEnv,
			APIKeySet:      key != "",
			Skills:         a.Skills,
			FallbackModels: a.FallbackModels,
			AutonomyLevel:  a.AutonomyLevel,
			Tools:          a.Tools,
			RecentLogs:     g.tailLog(a.ID, 5),
		}
		if v.Provider == "" {
			v.Provider = g.cfg.LLM.Provider
		}
		if len(key) > 12 {
			v.APIKeyMasked = key[:6] + "…" + key[len(key)-4:]
		} else if key != "" {
			v.APIKeyMasked = "***"
		}
		if a.LLM.BaseURLEnv != "" {
			v.BaseURL = os.Getenv(a.LLM.BaseURLEnv)
		}

		for _, t := range g.board.ListByAgent(a.ID) {
			if t.Status == board.StatusClaimed || t.Status == board.StatusCritique {
				v.CurrentTask = &currentTaskView{
					ID:          t.ShortID(),
					Description: truncate(t.Description, 80),
					Status:      string(t.Status),
				}
				break
			}
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": views})
}

// tailLog reads the last n lines of an agent's log file.
func (g *Gateway) tailLog(agentID string, n int) []string {
	if !safeNameRe.MatchString(agentID) {
		return nil
	}
	raw, err := os.ReadFile(filepath.Join(g.logDir, agentID+".log"))
	if err != nil {
		return nil
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}

// handleLogs serves the tail of one agent's log file.
func (g *Gateway) handleLogs(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent")
	if !safeNameRe.MatchString(agentID) {
		writeError(w, http.StatusBadRequest, "invalid agent id")
		return
	}
	n := 100
	if q := r.URL.Query().Get("lines"); q != "" {
		if parsed, err := strconv.Atoi(q); err == nil && parsed > 0 {
			n = parsed
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id": agentID,
		"lines":    g.tailLog(agentID, n),
	})
}

// ============================================================================
// USAGE / CONFIG / HEARTBEAT / MEMORY
// ============================================================================

func (g *Gateway) handleUsage(w http.ResponseWriter, _ *http.Request) {
	if g.tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "usage tracking is not wired on this gateway")
		return
	}
	writeJSON(w, http.StatusOK, g.tracker.GetSummary())
}

func (g *Gateway) handleUsageRecent(w http.ResponseWriter, _ *http.Request) {
	if g.tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "usage tracking is not wired on this gateway")
		return
	}
	calls := g.tracker.Recent(50)
	writeJSON(w, http.StatusOK, map[string]any{"calls": calls, "total": len(calls)})
}

// handleConfig returns the agents.yaml content with every credential-like
// value masked and env references annotated with set/unset state.
func (g *Gateway) handleConfig(w http.ResponseWriter, _ *http.Request) {
	raw, err := os.ReadFile(g.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			writeJSON(w, http.StatusOK, map[string]any{"config": "", "note": "no config file; using zero-config defaults"})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	redacted, err := redactYAML(raw)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"config": redacted})
}

func (g *Gateway) handleHeartbeat(w http.ResponseWriter, _ *http.Request) {
	recs := bus.ReadAllHeartbeats(g.heartbeatDir, 0, g.cfg.AgentIDs())
	online := 0
	for _, rec := range recs {
		if rec.Online {
			online++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": recs,
		"online": online,
		"total":  len(recs),
	})
}

// handleMemory exposes the live context bus entries across all layers.
func (g *Gateway) handleMemory(w http.ResponseWriter, _ *http.Request) {
	if g.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "context bus is not wired on this gateway")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": g.bus.SnapshotForAgent("gateway", bus.LayerLong),
	})
}
