package gateway

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"net/http"
	"time"

	"github.com/cleoai/cleo/bus"
)

// Compact wire shapes for the event stream. Field names are abbreviated
// because the snapshot ships on every state change.
type sseTask struct {
	S    string  `json:"s"`
	A    string  `json:"a,omitempty"`
	D    string  `json:"d"`
	CA   float64 `json:"ca"`
	CO   float64 `json:"co,omitempty"`
	RC   int     `json:"rc,omitempty"`
	RS   *int    `json:"rs,omitempty"`
	PR   string  `json:"pr,omitempty"`
	Cost float64 `json:"cost,omitempty"`
	PID  string  `json:"pid,omitempty"`
}

type sseAgent struct {
	ID  string `json:"id"`
	On  bool   `json:"on"`
	St  string `json:"st,omitempty"`
	TID string `json:"tid,omitempty"`
}

type sseBudget struct {
	Pct   float64 `json:"pct"`
	Cost  float64 `json:"cost"`
	Limit float64 `json:"limit"`
}

type sseState struct {
	Tasks  map[string]sseTask `json:"tasks"`
	Agents []sseAgent         `json:"agents"`
	Budget *sseBudget         `json:"budget,omitempty"`
}

type sseEnvelope struct {
	TS float64 `json:"ts"`
	sseState
}

// handleEvents streams board state over SSE. A full snapshot goes out on
// connect, then only on change; idle ticks send a comment keepalive.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	g.metrics.sseClients.Inc()
	defer g.metrics.sseClients.Dec()

	ticker := time.NewTicker(g.ssePeriod)
	defer ticker.Stop()

	var lastHash uint64
	send := func() {
		state := g.snapshotState()
		raw, err := json.Marshal(state)
		if err != nil {
			return
		}
		h := fnv.New64a()
		_, _ = h.Write(raw)
		if sum := h.Sum64(); sum != lastHash {
			lastHash = sum
			payload, _ := json.Marshal(sseEnvelope{
				TS:       float64(time.Now().UnixNano()) / float64(time.Second),
				sseState: state,
			})
			fmt.Fprintf(w, "event: state\ndata: %s\n\n", payload)
		} else {
			fmt.Fprint(w, ": keepalive\n\n")
		}
		flusher.Flush()
	}

	send()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			send()
		}
	}
}

func (g *Gateway) snapshotState() sseState {
	state := sseState{Tasks: make(map[string]sseTask)}

	for _, t := range g.board.List() {
		st := sseTask{
			S:    string(t.Status),
			A:    t.AgentID,
			D:    truncate(t.Description, 60),
			CA:   t.CreatedAt,
			CO:   t.CompletedAt,
			RC:   t.RetryCount,
			Cost: math.Round(t.CostUSD*10000) / 10000,
			PID:  t.ParentID,
		}
		if len(t.ReviewScores) > 0 {
			avg := int(t.AvgReviewScore())
			st.RS = &avg
		}
		if t.PartialResult != "" {
			st.PR = tailRunes(t.PartialResult, 200)
		}
		state.Tasks[t.TaskID] = st
	}

	for _, rec := range bus.ReadAllHeartbeats(g.heartbeatDir, 0, g.cfg.AgentIDs()) {
		state.Agents = append(state.Agents, sseAgent{
			ID:  rec.AgentID,
			On:  rec.Online,
			St:  rec.Status,
			TID: rec.TaskID,
		})
	}

	if g.tracker != nil {
		if b := g.tracker.Budget(); b != nil && b.Enabled && b.MaxCostUSD > 0 {
			cost := g.tracker.GetSummary().Aggregate.TotalCostUSD
			state.Budget = &sseBudget{
				Pct:   math.Round(cost/b.MaxCostUSD*1000) / 10,
				Cost:  cost,
				Limit: b.MaxCostUSD,
			}
		}
	}
	return state
}

func tailRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
