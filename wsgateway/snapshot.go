package wsgateway

import (
	"encoding/json"
	"hash/fnv"
	"math"
	"time"

	"github.com/cleoai/cleo/board"
	"github.com/cleoai/cleo/bus"
)

// Compact wire shapes, shared with the SSE stream's vocabulary.
type taskView struct {
	S    string                `json:"s"`
	A    string                `json:"a,omitempty"`
	D    string                `json:"d"`
	CA   float64               `json:"ca,omitempty"`
	CO   float64               `json:"co,omitempty"`
	RC   int                   `json:"rc,omitempty"`
	RS   *int                  `json:"rs,omitempty"`
	PR   string                `json:"pr,omitempty"`
	Cost float64               `json:"cost,omitempty"`
	PID  string                `json:"pid,omitempty"`
	CS   *board.CritiqueRecord `json:"cs,omitempty"`
}

type agentView struct {
	Status      string  `json:"status"`
	CurrentTask string  `json:"current_task,omitempty"`
	LastActive  float64 `json:"last_active"`
	Online      bool    `json:"online"`
}

type stateSnapshot struct {
	TS      float64              `json:"ts"`
	Clients int                  `json:"clients"`
	Tasks   map[string]taskView  `json:"tasks"`
	Agents  map[string]agentView `json:"agents"`
}

func (g *Gateway) snapshot() stateSnapshot {
	snap, _ := g.snapshotHashed()
	return snap
}

// snapshotHashed builds the compact state and a hash over everything
// except the timestamp and client count, so only real changes broadcast.
func (g *Gateway) snapshotHashed() (stateSnapshot, uint64) {
	snap := stateSnapshot{
		Tasks:  make(map[string]taskView),
		Agents: make(map[string]agentView),
	}

	for _, t := range g.board.List() {
		view := taskView{
			S:    string(t.Status),
			A:    t.AgentID,
			D:    truncate(t.Description, 60),
			CA:   t.ClaimedAt,
			CO:   t.CompletedAt,
			RC:   t.RetryCount,
			Cost: math.Round(t.CostUSD*10000) / 10000,
			PID:  t.ParentID,
			CS:   t.Critique,
		}
		if len(t.ReviewScores) > 0 {
			avg := int(t.AvgReviewScore())
			view.RS = &avg
		}
		if t.PartialResult != "" {
			view.PR = tail(t.PartialResult, 200)
		}
		snap.Tasks[t.TaskID] = view
	}

	var roster []string
	if g.cfg != nil {
		roster = g.cfg.AgentIDs()
	}
	for _, rec := range bus.ReadAllHeartbeats(g.heartbeatDir, 0, roster) {
		snap.Agents[rec.AgentID] = agentView{
			Status:      rec.Status,
			CurrentTask: rec.TaskID,
			LastActive:  rec.LastBeat,
			Online:      rec.Online,
		}
	}

	raw, _ := json.Marshal(struct {
		Tasks  map[string]taskView  `json:"tasks"`
		Agents map[string]agentView `json:"agents"`
	}{snap.Tasks, snap.Agents})
	h := fnv.New64a()
	_, _ = h.Write(raw)

	snap.TS = float64(time.Now().UnixNano()) / float64(time.Second)
	snap.Clients = g.ClientCount()
	return snap, h.Sum64()
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}

func tail(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
