package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// handleSubmitTask accepts a new round: the previous board is archived
// and cleared, the description goes in as the root planner task, and the
// worker team runs in the background. Clients poll GET /v1/task/{id}.
func (g *Gateway) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	if g.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "task execution is not wired on this gateway")
		return
	}

	var body struct {
		Description string `json:"description"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	body.Description = strings.TrimSpace(body.Description)
	if body.Description == "" {
		writeError(w, http.StatusBadRequest, "Missing 'description'")
		return
	}

	g.archiveBoard()
	g.board.Clear(true)

	taskID, err := g.runner.Submit(body.Description)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	g.metrics.tasksSubmitted.Inc()

	go func() {
		if err := g.runner.Execute(context.Background()); err != nil {
			slog.Error("background run failed", "task", taskID, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id": taskID,
		"status":  "accepted",
		"message": "Task submitted. Poll GET /v1/task/{id} for results.",
	})
}

// archiveBoard copies the current board file aside so cross-round
// history survives the clear.
func (g *Gateway) archiveBoard() {
	raw, err := os.ReadFile(g.board.Path())
	if err != nil {
		return
	}
	if err := os.MkdirAll(g.archiveDir, 0o755); err != nil {
		slog.Warn("board archive dir create failed", "error", err)
		return
	}
	name := fmt.Sprintf("board-%s.json", time.Now().Format("20060102-150405"))
	if err := os.WriteFile(filepath.Join(g.archiveDir, name), raw, 0o644); err != nil {
		slog.Warn("board archive write failed", "error", err)
	}
}

func (g *Gateway) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task := g.board.Get(chi.URLParam(r, "id"))
	if task == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (g *Gateway) handleStatus(w http.ResponseWriter, _ *http.Request) {
	tasks := make(map[string]any)
	for _, t := range g.board.List() {
		tasks[t.TaskID] = t
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// taskLifecycle builds the cancel/pause/resume/retry handlers. Each op
// returns ok plus the task's new status, or a 400 when the transition is
// not legal from the current state.
func (g *Gateway) taskLifecycle(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "id")
		var ok bool
		switch op {
		case "cancel":
			ok = g.board.Cancel(taskID)
		case "pause":
			ok = g.board.Pause(taskID)
		case "resume":
			ok = g.board.Resume(taskID)
		case "retry":
			ok = g.board.Retry(taskID)
		}
		if !ok {
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("cannot %s task %s from its current state", op, taskID))
			return
		}
		status := ""
		if t := g.board.Get(taskID); t != nil {
			status = string(t.Status)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":      true,
			"task_id": taskID,
			"status":  status,
		})
	}
}

func (g *Gateway) handleCancelAll(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"cancelled": g.board.CancelAll(),
	})
}
