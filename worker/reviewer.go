package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cleoai/cleo/a2a"
	"github.com/cleoai/cleo/bus"
	"github.com/cleoai/cleo/protocol"
	"github.com/cleoai/cleo/textgrad"
	"github.com/cleoai/cleo/usage"
)

// critiquePayload is the critique request mail body.
type critiquePayload struct {
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
	Result      string `json:"result"`
}

func (p critiquePayload) encode() string {
	raw, _ := json.Marshal(p)
	return string(raw)
}

// handleCritiqueRequest scores a teammate's submitted result on the five
// dimensions and attaches the critique to the board. The reviewer is an
// advisor, not a gatekeeper: a NEEDS_WORK verdict grants at most one
// revision round.
func (w *Worker) handleCritiqueRequest(ctx context.Context, msg bus.Message) {
	var payload critiquePayload
	if err := json.Unmarshal([]byte(msg.Content), &payload); err != nil || payload.TaskID == "" {
		slog.Error("bad critique request", "agent", w.cfg.ID, "from", msg.From, "error", err)
		return
	}

	w.beat("review", payload.TaskID, "reviewing...")

	spec := w.scoreResult(ctx, payload)
	spec.TaskID = payload.TaskID
	spec.ReviewerID = w.cfg.ID
	spec.Timestamp = w.now()
	spec.AutoSimplify()

	score := spec.CompositeScore()
	passed := spec.Passed()
	comment := fmt.Sprintf("5D Score: %.1f [%s]", score, spec.Verdict)

	// Delegated content carries provenance; its trust tier discounts
	// the score regardless of how the dimensions came out.
	if st := protocol.ExtractSourceTrust(payload.Result); st != nil {
		spec.SourceTrust = st
		if penalty := a2a.PolicyFor(st.TrustLevel).ScorePenalty; penalty > 0 {
			score -= float64(penalty)
			if score < 1 {
				score = 1
			}
			comment += fmt.Sprintf(" (source: %s, trust penalty -%d)", st.TrustLevel, penalty)
		}
	}

	w.board.AddCritique(payload.TaskID, w.cfg.ID, passed, spec.Suggestions(), comment, score)

	evaluated := ""
	if t := w.board.Get(payload.TaskID); t != nil {
		evaluated = t.AgentID
	}
	if w.feedback != nil {
		if err := w.feedback.Accumulate(textgrad.LogEntry{
			TaskID:  payload.TaskID,
			AgentID: evaluated,
			Items:   spec.Items,
			Score:   score,
		}); err != nil {
			slog.Debug("critique log append failed", "agent", w.cfg.ID, "error", err)
		}
	}

	slog.Info("scored task", "agent", w.cfg.ID, "task", payload.TaskID,
		"score", fmt.Sprintf("%.1f", score), "verdict", spec.Verdict, "items", len(spec.Items))
}

// critiquePromptFor builds the structured scoring request for one
// submitted subtask result.
func (w *Worker) critiquePromptFor(payload critiquePayload) string {
	intentContext := ""
	if t := w.board.Get(payload.TaskID); t != nil {
		if anchor := w.intentFor(t); anchor != "" {
			intentContext = "## Original User Intent\n" + anchor + "\n\n"
		}
	}
	return "Score this subtask output using 5 dimensions (1-10 each).\n\n" +
		intentContext +
		"## Subtask\n" + payload.Description + "\n\n" +
		"## Output\n" + payload.Result + "\n\n" +
		"IMPORTANT: This is a SUBTASK result (raw data/code), NOT a final user-facing answer.\n" +
		"The planner will synthesize all subtask results into the final response.\n" +
		"Judge each dimension independently.\n\n" +
		"Respond with JSON:\n" +
		`{"dimensions": {"accuracy": <1-10>, "completeness": <1-10>, "technical": <1-10>, ` +
		`"calibration": <1-10>, "efficiency": <1-10>}, "verdict": "LGTM" or "NEEDS_WORK", ` +
		`"items": [{"dimension": "...", "issue": "...", "suggestion": "..."}], "confidence": <0.0-1.0>}` + "\n\n" +
		"Rules:\n" +
		"- Weights: accuracy 30%, completeness 20%, technical 20%, calibration 20%, efficiency 10%\n" +
		"- If ALL scores >= 8: verdict MUST be LGTM, items MUST be empty []\n" +
		"- Max 3 items. Only for dimensions scoring < 8.\n" +
		"- If any score < 5: verdict MUST be NEEDS_WORK with item for that dimension.\n"
}

// scoreResult runs the critique call and parses the structured scoring,
// falling back to a neutral pass when the model misbehaves.
func (w *Worker) scoreResult(ctx context.Context, payload critiquePayload) *protocol.CritiqueSpec {
	prompt := "You are " + w.cfg.ID + ".\n\n## Role\n" + w.cfg.Role + "\n\n" +
		w.critiquePromptFor(payload)

	raw, err := w.generate(ctx, "", prompt)
	if err != nil {
		if errors.Is(err, usage.ErrBudgetExceeded) {
			slog.Warn("budget exceeded during critique", "agent", w.cfg.ID)
		} else {
			slog.Error("critique call failed", "agent", w.cfg.ID, "error", err)
		}
		spec := protocol.CritiqueSpecFromLegacyScore(7, "Critique failed: "+err.Error(), nil)
		return spec
	}
	return parseCritiqueOutput(raw)
}

// parseCritiqueOutput extracts the JSON object from model output,
// handling markdown wrapping and prose preambles, and tolerates the
// legacy flat-score shape.
func parseCritiqueOutput(raw string) *protocol.CritiqueSpec {
	jsonStr := raw
	if start := strings.Index(jsonStr, "{"); start >= 0 {
		if end := strings.LastIndex(jsonStr, "}"); end > start {
			jsonStr = jsonStr[start : end+1]
		}
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(jsonStr), &probe); err != nil {
		return protocol.CritiqueSpecFromLegacyScore(7, "unparseable critique output", nil)
	}

	if _, ok := probe["dimensions"]; ok {
		spec, err := protocol.CritiqueSpecFromJSON(jsonStr)
		if err == nil {
			return spec
		}
	}

	// legacy shape: {"score": N, "suggestions": [...], "comment": "..."}
	var legacy struct {
		Score       int      `json:"score"`
		Suggestions []string `json:"suggestions"`
		Comment     string   `json:"comment"`
	}
	legacy.Score = 7
	_ = json.Unmarshal([]byte(jsonStr), &legacy)
	return protocol.CritiqueSpecFromLegacyScore(legacy.Score, legacy.Comment, legacy.Suggestions)
}
