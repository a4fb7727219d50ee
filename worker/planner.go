package worker

import (
	"log/slog"
	"strings"

	"github.com/cleoai/cleo/board"
	"github.com/cleoai/cleo/bus"
	"github.com/cleoai/cleo/protocol"
	"github.com/cleoai/cleo/router"
)

// fallbackMarker tags auto-delegated tasks so a second fallback never
// cascades into a loop.
const fallbackMarker = "planner fallback delegation"

// finishPlannerTask routes a planner result: close-out synthesis and
// direct answers complete immediately; everything else decomposes into
// subtasks and waits in review for the close-out.
func (w *Worker) finishPlannerTask(task *board.Task, result string) error {
	if isCloseout(task) {
		w.board.SubmitForReview(task.TaskID, result)
		w.board.Complete(task.TaskID)
		slog.Info("close-out synthesis completed", "agent", w.cfg.ID, "task", task.ShortID())
		return nil
	}

	route := router.ParseRouteFromOutput(result)
	if route == "" {
		route = router.ClassifyTask(task.Description)
		slog.Debug("route heuristic", "agent", w.cfg.ID, "task", task.ShortID(), "route", route)
	} else {
		slog.Info("planner declared route", "agent", w.cfg.ID, "task", task.ShortID(), "route", route)
	}

	if route == protocol.RouteDirectAnswer {
		w.board.SubmitForReview(task.TaskID, stripRouteLine(result))
		w.board.Complete(task.TaskID)
		slog.Info("direct answer, task completed by planner", "agent", w.cfg.ID, "task", task.ShortID())
		return nil
	}

	specs := protocol.ExtractSubTaskSpecs(result, task.Description)
	if len(specs) > 0 {
		created := w.createSubtasks(task, specs)
		w.publishIntent(task)
		w.board.SubmitForReview(task.TaskID, result)
		slog.Info("planner decomposed task", "agent", w.cfg.ID,
			"task", task.ShortID(), "subtasks", len(created))
		return nil
	}

	// No parseable subtasks. Substantial output still gets executed:
	// wrap the original request as a single fallback subtask. A task
	// that is already a fallback auto-completes to break the cascade.
	trimmed := strings.TrimSpace(result)
	alreadyFallback := strings.Contains(task.Description, fallbackMarker)
	if len(trimmed) > 20 && strings.TrimSpace(task.Description) != "" && !alreadyFallback {
		spec := &protocol.SubTaskSpec{
			Objective: "Execute the following task (" + fallbackMarker + "):\n" +
				"Original request: " + truncateRunes(task.Description, 500) + "\n" +
				"Reference plan: " + truncateRunes(trimmed, 1500),
			Complexity:   board.ComplexityNormal,
			ParentIntent: task.Description,
		}
		created, err := w.board.Create(board.CreateRequest{
			Description:  spec.ToTaskDescription(),
			RequiredRole: "implement",
			ParentID:     task.TaskID,
			Complexity:   spec.Complexity,
		})
		if err != nil {
			return err
		}
		w.publishIntent(task)
		w.board.SubmitForReview(task.TaskID, result)
		slog.Warn("planner output had no subtask blocks, auto-delegated to executor",
			"agent", w.cfg.ID, "task", task.ShortID(), "fallback", created.ShortID())
		return nil
	}

	if alreadyFallback {
		slog.Warn("skipping recursive fallback, auto-completing",
			"agent", w.cfg.ID, "task", task.ShortID())
	}
	w.board.SubmitForReview(task.TaskID, result)
	w.board.Complete(task.TaskID)
	slog.Info("planner auto-completed task (no subtasks)", "agent", w.cfg.ID, "task", task.ShortID())
	return nil
}

// createSubtasks books one board task per spec, with the role inferred
// from the objective and tool hints.
func (w *Worker) createSubtasks(parent *board.Task, specs []*protocol.SubTaskSpec) []string {
	var ids []string
	for _, spec := range specs {
		if spec.ParentIntent == "" {
			spec.ParentIntent = parent.Description
		}
		role := protocol.InferRole(spec.Objective, spec.ToolHint)
		created, err := w.board.Create(board.CreateRequest{
			Description:  spec.ToTaskDescription(),
			RequiredRole: role,
			ParentID:     parent.TaskID,
			Complexity:   spec.Complexity,
		})
		if err != nil {
			slog.Error("subtask create failed", "agent", w.cfg.ID, "error", err)
			continue
		}
		ids = append(ids, created.TaskID)
		slog.Info("created subtask", "task", created.ShortID(), "role", role,
			"complexity", spec.Complexity, "objective", truncateRunes(spec.Objective, 60))
	}
	return ids
}

// publishIntent anchors the root request on the context bus so
// executors and the close-out read the same intent. Never overwrites an
// anchor the orchestrator already wrote at submission.
func (w *Worker) publishIntent(task *board.Task) {
	if w.bus == nil {
		return
	}
	key := protocol.IntentKeyNamespace + ":" + task.TaskID
	if w.bus.Get("system", key) != "" {
		return
	}
	anchor := protocol.IntentAnchor{UserMessage: task.Description, TaskID: task.TaskID}
	if err := w.bus.PublishLayer("system", key, anchor.ToJSON(), bus.LayerTask, nil); err != nil {
		slog.Debug("intent anchor publish failed", "agent", w.cfg.ID, "error", err)
	}
}

// stripRouteLine drops the ROUTE: declaration from a direct answer.
func stripRouteLine(result string) string {
	lines := strings.Split(result, "\n")
	out := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(line)), "ROUTE:") {
			continue
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
