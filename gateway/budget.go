package gateway

import (
	"bufio"
	"encoding/json"
	"net/http"
	"os"

	"github.com/cleoai/cleo/config"
	"github.com/cleoai/cleo/usage"
)

func (g *Gateway) handleGetBudget(w http.ResponseWriter, _ *http.Request) {
	var budget *config.Budget
	if g.tracker != nil {
		budget = g.tracker.Budget()
	}
	if budget == nil {
		loaded, err := config.LoadBudget(g.budgetPath)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		budget = loaded
	}
	writeJSON(w, http.StatusOK, map[string]any{"budget": budget})
}

// handleSetBudget persists the new budget and applies it to the live
// tracker so enforcement starts immediately.
func (g *Gateway) handleSetBudget(w http.ResponseWriter, r *http.Request) {
	var budget config.Budget
	if err := decodeBody(r, &budget); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	budget.SetDefaults()
	if err := config.SaveBudget(g.budgetPath, &budget); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if g.tracker != nil {
		g.tracker.SetBudget(&budget)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "budget": budget})
}

// handleAlerts returns the budget alert log, oldest first.
func (g *Gateway) handleAlerts(w http.ResponseWriter, _ *http.Request) {
	alerts := []usage.Alert{}
	f, err := os.Open(g.alertPath)
	if err == nil {
		defer f.Close()
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			var a usage.Alert
			if json.Unmarshal(scanner.Bytes(), &a) == nil {
				alerts = append(alerts, a)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "total": len(alerts)})
}
