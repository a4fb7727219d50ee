package bus

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	DefaultHeartbeatDir = ".heartbeats"

	// OfflineThreshold is how long without a beat marks an agent offline.
	OfflineThreshold = 30 * time.Second
)

// HeartbeatRecord is the persisted per-agent liveness file.
type HeartbeatRecord struct {
	AgentID   string  `json:"agent_id"`
	PID       int     `json:"pid"`
	Status    string  `json:"status"` // idle | working | review
	TaskID    string  `json:"task_id,omitempty"`
	Progress  string  `json:"progress,omitempty"`
	LastBeat  float64 `json:"last_beat"`
	StartedAt float64 `json:"started_at"`
	Beats     int     `json:"beats"`

	// derived fields, set by ReadAllHeartbeats
	Online bool    `json:"online"`
	Age    float64 `json:"age"`
	Uptime float64 `json:"uptime"`
}

// Heartbeat writes the per-agent liveness file. Call Beat from the worker
// loop every iteration.
type Heartbeat struct {
	agentID   string
	dir       string
	startedAt float64
	beats     int
}

// NewHeartbeat creates a heartbeat writer for one agent.
func NewHeartbeat(agentID, dir string) *Heartbeat {
	if dir == "" {
		dir = DefaultHeartbeatDir
	}
	return &Heartbeat{
		agentID:   agentID,
		dir:       dir,
		startedAt: float64(time.Now().UnixNano()) / float64(time.Second),
	}
}

func (h *Heartbeat) path() string {
	return filepath.Join(h.dir, h.agentID+".json")
}

// Beat writes the heartbeat file atomically (temp then rename).
func (h *Heartbeat) Beat(status, taskID, progress string) {
	h.beats++
	rec := HeartbeatRecord{
		AgentID:   h.agentID,
		PID:       os.Getpid(),
		Status:    status,
		TaskID:    taskID,
		Progress:  progress,
		LastBeat:  float64(time.Now().UnixNano()) / float64(time.Second),
		StartedAt: h.startedAt,
		Beats:     h.beats,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		slog.Debug("heartbeat dir create failed", "agent", h.agentID, "error", err)
		return
	}
	tmp := h.path() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		slog.Debug("heartbeat write failed", "agent", h.agentID, "error", err)
		return
	}
	if err := os.Rename(tmp, h.path()); err != nil {
		slog.Debug("heartbeat rename failed", "agent", h.agentID, "error", err)
	}
}

// Stop removes the heartbeat file on clean shutdown.
func (h *Heartbeat) Stop() {
	_ = os.Remove(h.path())
}

// ReadAllHeartbeats reads every heartbeat file under dir and returns the
// agent statuses with derived online/age/uptime fields. knownAgents that
// have no heartbeat file are included as offline so the dashboard always
// shows the full roster.
func ReadAllHeartbeats(dir string, threshold time.Duration, knownAgents []string) []HeartbeatRecord {
	if dir == "" {
		dir = DefaultHeartbeatDir
	}
	if threshold <= 0 {
		threshold = OfflineThreshold
	}

	now := float64(time.Now().UnixNano()) / float64(time.Second)
	byAgent := make(map[string]HeartbeatRecord)

	entries, err := os.ReadDir(dir)
	if err == nil {
		for _, entry := range entries {
			name := entry.Name()
			if !strings.HasSuffix(name, ".json") {
				continue
			}
			raw, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			var rec HeartbeatRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				continue
			}
			if rec.AgentID == "" {
				rec.AgentID = strings.TrimSuffix(name, ".json")
			}
			age := now - rec.LastBeat
			rec.Online = age < threshold.Seconds()
			rec.Age = age
			rec.Uptime = now - rec.StartedAt
			byAgent[rec.AgentID] = rec
		}
	}

	for _, aid := range knownAgents {
		if _, ok := byAgent[aid]; !ok {
			byAgent[aid] = HeartbeatRecord{AgentID: aid, Status: "offline", Age: -1}
		}
	}

	out := make([]HeartbeatRecord, 0, len(byAgent))
	for _, rec := range byAgent {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}
