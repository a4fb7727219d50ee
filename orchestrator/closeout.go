package orchestrator

import (
	"log/slog"
	"strings"

	"github.com/cleoai/cleo/board"
	"github.com/cleoai/cleo/protocol"
)

// closeoutFlag marks the synthesis task; workers complete flagged tasks
// directly instead of decomposing them again.
const closeoutFlag = "closeout"

// checkCloseouts advances every decomposed root task: once all its work
// subtasks are terminal it submits one synthesis task, and once that
// synthesis completes it adopts the answer onto the root.
func (o *Orchestrator) checkCloseouts() {
	for _, root := range o.board.List() {
		if root.ParentID != "" || root.Status != board.StatusReview {
			continue
		}

		var work []*board.Task
		var closeout *board.Task
		for _, st := range o.board.Subtasks(root.TaskID) {
			if hasFlag(st, closeoutFlag) {
				closeout = st
			} else {
				work = append(work, st)
			}
		}
		if len(work) == 0 {
			continue
		}

		if closeout == nil {
			if _, pending := o.closeouts[root.TaskID]; pending {
				continue
			}
			if allTerminal(work) {
				o.submitCloseout(root, work)
			}
			continue
		}

		switch closeout.Status {
		case board.StatusCompleted:
			o.board.Finalize(root.TaskID, closeout.Result)
			delete(o.closeouts, root.TaskID)
			slog.Info("close-out adopted onto root", "root", root.ShortID(), "closeout", closeout.ShortID())
		case board.StatusFailed, board.StatusCancelled:
			// degrade to the raw joined executor results
			o.board.Finalize(root.TaskID, o.board.CollectResults(root.TaskID))
			delete(o.closeouts, root.TaskID)
			slog.Warn("close-out did not complete, adopting raw results",
				"root", root.ShortID(), "status", closeout.Status)
		}
	}
}

// submitCloseout books the synthesis planner task for one finished root.
func (o *Orchestrator) submitCloseout(root *board.Task, work []*board.Task) {
	ids := make([]string, len(work))
	for i, t := range work {
		ids[i] = t.TaskID
	}
	results, critiques := o.board.CollectResultsWithCritiques(root.TaskID, ids)

	intentText := ""
	if o.bus != nil {
		raw := o.bus.Get("system", protocol.IntentKeyNamespace+":"+root.TaskID)
		if anchor, err := protocol.IntentAnchorFromJSON(raw); err == nil &&
			anchor.UserMessage != "" && anchor.UserMessage != root.Description {
			intentText = anchor.UserMessage
		}
	}

	created, err := o.board.Create(board.CreateRequest{
		Description:  closePrompt(intentText, root.Description, results, critiques),
		RequiredRole: "planner",
		ParentID:     root.TaskID,
	})
	if err != nil {
		slog.Error("close-out create failed", "root", root.ShortID(), "error", err)
		return
	}
	o.board.Flag(created.TaskID, closeoutFlag)
	o.closeouts[root.TaskID] = created.TaskID
	slog.Info("submitted close-out synthesis", "root", root.ShortID(),
		"closeout", created.ShortID(), "subtasks", len(work))
}

// closePrompt builds the synthesis task description from the collected
// subtask results and reviewer feedback.
func closePrompt(intentText, request, results, critiques string) string {
	var b strings.Builder
	b.WriteString("You are synthesizing the FINAL answer for the user.\n\n")
	if intentText != "" {
		b.WriteString("## Original User Intent (anchored)\n" + intentText + "\n\n")
	}
	b.WriteString("## Original User Request\n" + request + "\n\n")
	b.WriteString("## Subtask Results (from executor)\n" + results + "\n\n")
	b.WriteString("## Reviewer Feedback (scores & suggestions)\n" + critiques + "\n\n")
	b.WriteString("## Instructions\n" +
		"1. Synthesize ALL subtask results into ONE coherent, polished response.\n" +
		"2. Consider reviewer suggestions and incorporate valid improvements.\n" +
		"3. Remove all internal task IDs, agent references, and metadata.\n" +
		"4. Your response must DIRECTLY answer the user's original question.\n" +
		"5. Respond in the user's language.\n" +
		"6. If subtask results contain file paths, the files are delivered by the system; just confirm them. " +
		"If an expected file was not generated, say so honestly and suggest retrying.\n")
	return b.String()
}

func hasFlag(t *board.Task, flag string) bool {
	for _, f := range t.EvolutionFlags {
		if f == flag {
			return true
		}
	}
	return false
}

func allTerminal(tasks []*board.Task) bool {
	for _, t := range tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}
