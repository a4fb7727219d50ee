package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cleoai/cleo/a2a"
	"github.com/cleoai/cleo/board"
	"github.com/cleoai/cleo/llms"
	"github.com/cleoai/cleo/protocol"
	"github.com/cleoai/cleo/tools"
	"github.com/cleoai/cleo/usage"
	"github.com/cleoai/cleo/utils"
)

// partialEvery throttles streamed partial-result writes to the board.
const partialEvery = 5

// Delegate hands a subtask to an external agent over A2A. Satisfied by
// *a2a.Client.
type Delegate interface {
	SendTask(ctx context.Context, req a2a.SendTaskRequest) a2a.DelegationResult
}

// specOf recovers the structured ticket from a task description, if the
// planner attached one.
func specOf(task *board.Task) *protocol.SubTaskSpec {
	return protocol.ParseTaskDescription(task.Description)
}

// runTask drives the prompt → model → tool loop for one task. aborted
// is true when the task was cancelled or paused mid-flight; the caller
// must then drop the result without touching the board.
func (w *Worker) runTask(ctx context.Context, task *board.Task, spec *protocol.SubTaskSpec) (result string, aborted bool, err error) {
	ctx, span := otel.Tracer("github.com/cleoai/cleo/worker").Start(ctx, "worker.task",
		trace.WithAttributes(
			attribute.String("agent.id", w.cfg.ID),
			attribute.String("task.id", task.TaskID),
		))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var hints []string
	if spec != nil {
		hints = spec.ToolHint
	}
	scoped := w.tools.Scoped(hints, w.cfg.Tools)
	allowed := make(map[string]bool, len(scoped))
	for _, t := range scoped {
		allowed[t.GetName()] = true
	}

	prompt := w.buildTaskPrompt(task, spec, scoped)

	w.beat("working", task.TaskID, "thinking...")
	text, err := w.generate(ctx, task.TaskID, prompt)
	if err != nil {
		return "", false, err
	}

	transcript := prompt
	for round := 0; round < w.maxToolRounds; round++ {
		calls := tools.ParseToolCalls(text)
		if len(calls) == 0 {
			break
		}
		w.beat("working", task.TaskID, fmt.Sprintf("running %d tool(s), round %d...", len(calls), round+1))

		sections := make([]string, 0, len(calls))
		for _, call := range calls {
			var res tools.ToolResult
			if !allowed[call.Name] {
				res = tools.ToolResult{
					Success:  false,
					Error:    fmt.Sprintf("tool %q is outside this task's scope", call.Name),
					ToolName: call.Name,
				}
			} else {
				res = w.tools.Execute(ctx, call)
			}
			sections = append(sections, toolResultSection(res))

			if w.taskWithdrawn(task.TaskID) {
				return "", true, nil
			}
		}

		transcript = transcript + "\n\n" + protocol.StripThink(text) + toolResultsMessage(sections)
		text, err = w.generate(ctx, task.TaskID, transcript)
		if err != nil {
			return "", false, err
		}
	}

	if w.taskWithdrawn(task.TaskID) {
		return "", true, nil
	}
	return stripFinal(text), false, nil
}

// stripFinal removes think and tool_code blocks from the final answer,
// recovering think content when stripping would empty the text.
func stripFinal(text string) string {
	return protocol.StripThink(protocol.StripToolCode(text))
}

// generate calls the model with streaming, mirroring progress into the
// task's partial result. A broken stream falls back to a blocking call.
// Usage is recorded per call; a budget error surfaces to the caller.
func (w *Worker) generate(ctx context.Context, taskID, prompt string) (string, error) {
	stream, model, err := w.caller.GenerateStreaming(ctx, w.cfg, prompt)
	if err != nil {
		slog.Debug("streaming unavailable, using blocking call",
			"agent", w.cfg.ID, "error", err)
		return w.generateBlocking(ctx, taskID, prompt)
	}

	start := time.Now()
	var b strings.Builder
	var reported *llms.Usage
	chunks := 0
	var streamErr error

	for chunk := range stream {
		if chunk.Err != nil {
			streamErr = chunk.Err
			break
		}
		b.WriteString(chunk.Text)
		if chunk.Usage != nil {
			reported = chunk.Usage
		}
		chunks++
		if taskID != "" && chunks%partialEvery == 0 {
			w.board.UpdatePartial(taskID, protocol.StripForDisplay(b.String()))
		}
	}
	if streamErr != nil {
		slog.Warn("stream broke, retrying with blocking call",
			"agent", w.cfg.ID, "model", model, "error", streamErr)
		return w.generateBlocking(ctx, taskID, prompt)
	}

	text := b.String()
	promptTokens, completionTokens := tokenCounts(reported, prompt, text)
	if err := w.recordUsage(taskID, model, promptTokens, completionTokens, time.Since(start), 0, false); err != nil {
		return "", err
	}
	return text, nil
}

func (w *Worker) generateBlocking(ctx context.Context, taskID, prompt string) (string, error) {
	result, err := w.caller.Generate(ctx, w.cfg, prompt)
	if err != nil {
		if w.tracker != nil {
			// record the failure so the dashboard sees it; a budget error
			// from a failed call still outranks the call error
			if recErr := w.tracker.Record(usage.CallInfo{
				AgentID: w.cfg.ID,
				Model:   w.cfg.Model,
				Success: false,
				Retries: result.Retries,
			}); recErr != nil {
				return "", recErr
			}
		}
		return "", err
	}

	promptTokens := result.Usage.PromptTokens
	completionTokens := result.Usage.CompletionTokens
	if promptTokens == 0 && completionTokens == 0 {
		promptTokens = int64(utils.EstimateTokens(prompt))
		completionTokens = int64(utils.EstimateTokens(result.Text))
	}
	if err := w.recordUsage(taskID, result.Model, promptTokens, completionTokens,
		result.Latency, result.Retries, result.Failover); err != nil {
		return "", err
	}
	return result.Text, nil
}

// tokenCounts uses the backend-reported usage when present and estimates
// otherwise.
func tokenCounts(reported *llms.Usage, prompt, completion string) (int64, int64) {
	if reported != nil && (reported.PromptTokens > 0 || reported.CompletionTokens > 0) {
		return reported.PromptTokens, reported.CompletionTokens
	}
	return int64(utils.EstimateTokens(prompt)), int64(utils.EstimateTokens(completion))
}

// recordUsage books one call against the tracker and mirrors the cost
// onto the task. ErrBudgetExceeded propagates; the entry is still kept.
func (w *Worker) recordUsage(taskID, model string, promptTokens, completionTokens int64, latency time.Duration, retries int, failover bool) error {
	if w.tracker == nil {
		return nil
	}
	err := w.tracker.Record(usage.CallInfo{
		AgentID:          w.cfg.ID,
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		LatencyMS:        float64(latency.Milliseconds()),
		Success:          true,
		Retries:          retries,
		Failover:         failover,
	})
	if taskID != "" {
		w.board.SetCost(taskID, usage.EstimateCost(model, promptTokens, completionTokens))
	}
	return err
}

// delegateTask hands a subtask to an external A2A agent and books the
// delegation result as the task result, with its provenance noted so the
// reviewer can weigh the source trust.
func (w *Worker) delegateTask(ctx context.Context, task *board.Task, spec *protocol.SubTaskSpec) error {
	agentURL := "auto"
	var requiredSkills []string
	if spec.A2AHint != nil {
		if spec.A2AHint.PreferredAgent != "" {
			agentURL = spec.A2AHint.PreferredAgent
		}
		requiredSkills = spec.A2AHint.RequiredSkills
	}

	message := spec.Objective
	if len(spec.Constraints) > 0 {
		message += "\nConstraints: " + strings.Join(spec.Constraints, "; ")
	}
	if spec.OutputFormat != "" {
		message += "\nOutput format: " + spec.OutputFormat
	}

	w.beat("working", task.TaskID, "delegating to external agent...")
	result := w.delegate.SendTask(ctx, a2a.SendTaskRequest{
		AgentURL:       agentURL,
		Message:        message,
		RequiredSkills: requiredSkills,
	})

	if w.taskWithdrawn(task.TaskID) {
		return nil
	}

	switch result.Status {
	case "completed":
		text := result.Text
		if len(result.Files) > 0 {
			text += "\nReceived files: " + strings.Join(result.Files, ", ")
		}
		text += fmt.Sprintf("\n\n[delegated to %s, trust: %s]", result.AgentName, result.TrustLevel)
		text = protocol.AttachSourceTrust(text, protocol.SourceTrust{
			AgentURL:   result.AgentURL,
			TrustLevel: result.TrustLevel,
		})
		w.finishExecutorTask(task, text)
		return nil
	case "blocked":
		return fmt.Errorf("delegation blocked by security filter: %s", strings.Join(result.Warnings, "; "))
	default:
		fallback := ""
		if spec.A2AHint != nil {
			fallback = spec.A2AHint.Fallback
		}
		if fallback == "local" {
			slog.Warn("delegation failed, executing locally",
				"agent", w.cfg.ID, "task", task.ShortID(), "error", result.Error)
			localResult, aborted, err := w.runTask(ctx, task, spec)
			if err != nil || aborted {
				return err
			}
			w.finishExecutorTask(task, localResult)
			return nil
		}
		return fmt.Errorf("delegation failed: %s", result.Error)
	}
}
