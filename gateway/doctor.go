package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"

	"github.com/cleoai/cleo/bus"
	"github.com/cleoai/cleo/config"
)

// Check is one diagnostic result row.
type Check struct {
	OK     bool   `json:"ok"`
	Label  string `json:"label"`
	Detail string `json:"detail"`
}

// RunChecks executes every environment diagnostic. Shared by the
// /v1/doctor endpoint and the doctor CLI subcommand.
func (g *Gateway) RunChecks() []Check {
	return []Check{
		g.checkWorkspace(),
		g.checkBoard(),
		g.checkConfig(),
		g.checkLock(),
		g.checkEnvKeys(),
		g.checkHeartbeats(),
	}
}

// handleDoctor runs the environment diagnostics and reports an overall
// healthy/degraded verdict.
func (g *Gateway) handleDoctor(w http.ResponseWriter, _ *http.Request) {
	checks := g.RunChecks()
	passed := 0
	for _, c := range checks {
		if c.OK {
			passed++
		}
	}
	status := "healthy"
	if passed < len(checks) {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": status,
		"checks": checks,
		"passed": passed,
		"total":  len(checks),
	})
}

func (g *Gateway) checkWorkspace() Check {
	c := Check{Label: "workspace writable"}
	if err := os.MkdirAll(g.workspace, 0o755); err != nil {
		c.Detail = err.Error()
		return c
	}
	probe := filepath.Join(g.workspace, ".doctor_probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		c.Detail = err.Error()
		return c
	}
	_ = os.Remove(probe)
	c.OK = true
	c.Detail = g.workspace
	return c
}

func (g *Gateway) checkBoard() Check {
	c := Check{Label: "task board parseable"}
	raw, err := os.ReadFile(g.board.Path())
	if err != nil {
		if os.IsNotExist(err) {
			c.OK = true
			c.Detail = "no board file yet"
			return c
		}
		c.Detail = err.Error()
		return c
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		c.Detail = fmt.Sprintf("corrupt board file: %v", err)
		return c
	}
	c.OK = true
	c.Detail = fmt.Sprintf("%d tasks", len(g.board.List()))
	return c
}

func (g *Gateway) checkConfig() Check {
	c := Check{Label: "config loadable"}
	if _, err := os.Stat(g.configPath); os.IsNotExist(err) {
		c.OK = true
		c.Detail = "no config file; zero-config defaults active"
		return c
	}
	if _, err := config.LoadConfig(g.configPath); err != nil {
		c.Detail = err.Error()
		return c
	}
	c.OK = true
	c.Detail = g.configPath
	return c
}

func (g *Gateway) checkLock() Check {
	c := Check{Label: "board lock acquirable"}
	lock := flock.New(g.board.LockPath())
	ok, err := lock.TryLock()
	if err != nil {
		c.Detail = err.Error()
		return c
	}
	if !ok {
		c.Detail = "lock held by another process (a run may be active)"
		return c
	}
	_ = lock.Unlock()
	c.OK = true
	c.Detail = "acquired and released"
	return c
}

func (g *Gateway) checkEnvKeys() Check {
	c := Check{Label: "agent API keys present"}
	var missing []string
	for i := range g.cfg.Agents {
		a := &g.cfg.Agents[i]
		keyEnv := a.LLM.APIKeyEnv
		if keyEnv == "" {
			keyEnv = strings.ToUpper(a.ID) + "_API_KEY"
		}
		if os.Getenv(keyEnv) == "" {
			missing = append(missing, keyEnv)
		}
	}
	if len(missing) > 0 {
		c.Detail = "missing: " + strings.Join(missing, ", ")
		return c
	}
	c.OK = true
	c.Detail = fmt.Sprintf("%d agents configured", len(g.cfg.Agents))
	return c
}

func (g *Gateway) checkHeartbeats() Check {
	c := Check{Label: "agent heartbeats"}
	recs := bus.ReadAllHeartbeats(g.heartbeatDir, 0, g.cfg.AgentIDs())
	online := 0
	for _, rec := range recs {
		if rec.Online {
			online++
		}
	}
	if online == 0 && !g.board.Quiescent() {
		c.Detail = "tasks active but no agent is beating"
		return c
	}
	c.OK = true
	c.Detail = fmt.Sprintf("%d/%d online", online, len(recs))
	return c
}
