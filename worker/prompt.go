package worker

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cleoai/cleo/board"
	"github.com/cleoai/cleo/bus"
	"github.com/cleoai/cleo/protocol"
	"github.com/cleoai/cleo/tools"
)

// contextValueCap bounds how much of one bus entry goes into the prompt.
const contextValueCap = 500

// buildTaskPrompt assembles the full prompt for one claimed task: role,
// skills (shared, private, and learned patches), tool schemas, team
// context, the anchored user intent, and the task itself.
func (w *Worker) buildTaskPrompt(task *board.Task, spec *protocol.SubTaskSpec, scoped []tools.Tool) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s.\n\n## Role\n%s\n", w.cfg.ID, w.cfg.Role)

	if w.skills != nil {
		b.WriteString("\n## Skills\n")
		b.WriteString(w.skills.Load(w.cfg.Skills, w.cfg.ID))
		b.WriteString("\n")
	}

	if section := toolsPrompt(scoped); section != "" {
		b.WriteString("\n")
		b.WriteString(section)
	}

	if section := w.contextSection(); section != "" {
		b.WriteString("\n")
		b.WriteString(section)
	}

	if section := w.budgetSection(); section != "" {
		b.WriteString("\n")
		b.WriteString(section)
	}

	if anchor := w.intentFor(task); anchor != "" {
		fmt.Fprintf(&b, "\n## Original User Intent\n%s\n", anchor)
	}

	if spec != nil {
		fmt.Fprintf(&b, "\n## Task\n%s\n", spec.Objective)
		if len(spec.Constraints) > 0 {
			fmt.Fprintf(&b, "Constraints: %s\n", strings.Join(spec.Constraints, "; "))
		}
		if spec.OutputFormat != "" {
			fmt.Fprintf(&b, "Required output format: %s\n", spec.OutputFormat)
		}
	} else {
		fmt.Fprintf(&b, "\n## Task\n%s\n", task.Description)
	}

	if w.isPlanner() && !isCloseout(task) {
		b.WriteString("\n")
		b.WriteString(plannerInstructions)
	}

	return b.String()
}

// plannerInstructions tells the planner how to either answer directly or
// decompose into structured subtask tickets.
const plannerInstructions = `## Planning Instructions
First declare a route on its own line:
ROUTE: DIRECT_ANSWER   (simple knowledge question - answer it yourself, below the route line)
ROUTE: MAS_PIPELINE    (needs tools, files, or multiple steps - decompose it)

When decomposing, emit one fenced block per subtask:
` + "```subtask" + `
{"objective": "...", "constraints": ["..."], "output_format": "text", "tool_hint": ["web"], "complexity": "normal"}
` + "```" + `
Rules:
- 2 to 5 subtasks; each independently executable by one agent.
- tool_hint categories: web, fs, automation, media, browser, memory, messaging, task, skill, a2a_delegate.
- complexity: simple tasks skip review; normal and complex get peer review.
`

// toolsPrompt renders the scoped tool list plus the invocation contract.
func toolsPrompt(scoped []tools.Tool) string {
	if len(scoped) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Tools\nInvoke a tool with a fenced block, one call per block:\n")
	b.WriteString("```tool\n{\"tool\": \"<name>\", \"params\": {...}}\n```\n")
	b.WriteString("Tool results come back in the next message. Available tools:\n")
	for _, t := range scoped {
		info := t.GetInfo()
		fmt.Fprintf(&b, "- %s: %s", info.Name, info.Description)
		if len(info.Parameters) > 0 {
			names := make([]string, 0, len(info.Parameters))
			for _, p := range info.Parameters {
				name := p.Name
				if p.Required {
					name += "*"
				}
				names = append(names, name+":"+p.Type)
			}
			fmt.Fprintf(&b, " (%s)", strings.Join(names, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// contextSection renders the agent-visible context bus snapshot.
func (w *Worker) contextSection() string {
	if w.bus == nil {
		return ""
	}
	snapshot := w.bus.SnapshotForAgent(w.cfg.ID, bus.LayerLong)
	if len(snapshot) == 0 {
		return ""
	}
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("## Team Context\n")
	for _, k := range keys {
		v := snapshot[k]
		if len(v) > contextValueCap {
			v = v[:contextValueCap] + "..."
		}
		fmt.Fprintf(&b, "- %s: %s\n", k, v)
	}
	return b.String()
}

// budgetSection warns the model when spend approaches the hard limit.
func (w *Worker) budgetSection() string {
	if w.tracker == nil {
		return ""
	}
	budget := w.tracker.Budget()
	if budget == nil || !budget.Enabled || budget.MaxCostUSD <= 0 {
		return ""
	}
	spent := w.tracker.GetSummary().Aggregate.TotalCostUSD
	pct := spent / budget.MaxCostUSD * 100
	if pct < budget.WarnAtPercent {
		return ""
	}
	return fmt.Sprintf("## Budget\nSpent $%.2f of $%.2f (%.0f%%). Be concise; avoid redundant tool calls.\n",
		spent, budget.MaxCostUSD, pct)
}

// intentFor resolves the anchored user intent for a task: its own anchor
// for root tasks, the parent's anchor for subtasks.
func (w *Worker) intentFor(task *board.Task) string {
	if w.bus == nil {
		return ""
	}
	anchorID := task.TaskID
	if task.ParentID != "" {
		anchorID = task.ParentID
	}
	raw := w.bus.Get("system", protocol.IntentKeyNamespace+":"+anchorID)
	if raw == "" {
		return ""
	}
	if anchor, err := protocol.IntentAnchorFromJSON(raw); err == nil && anchor.UserMessage != "" {
		out := anchor.UserMessage
		if anchor.CoreGoal != "" {
			out += "\nCore goal: " + anchor.CoreGoal
		}
		if len(anchor.SuccessCriteria) > 0 {
			out += "\nSuccess criteria: " + strings.Join(anchor.SuccessCriteria, "; ")
		}
		return out
	}
	return raw
}

// buildRevisionPrompt wraps the prior result and the advisor's
// suggestions into a targeted fix request.
func (w *Worker) buildRevisionPrompt(task *board.Task) string {
	var suggestions []string
	if task.Critique != nil {
		suggestions = task.Critique.Suggestions
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.\n\n## Role\n%s\n\n", w.cfg.ID, w.cfg.Role)
	fmt.Fprintf(&b, "You previously submitted this result:\n%s\n\n", task.Result)
	b.WriteString("The advisor gave these revision suggestions:\n")
	for _, s := range suggestions {
		fmt.Fprintf(&b, "- %s\n", s)
	}
	b.WriteString("\nPlease fix only the parts that need changing based on these suggestions.")
	return b.String()
}

// toolResultSection renders one executed tool call for the feedback
// message.
func toolResultSection(res tools.ToolResult) string {
	mark := "✓"
	body := res.Content
	if !res.Success {
		mark = "✗"
		body = res.Error
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"success": res.Success,
		"content": body,
	})
	return fmt.Sprintf("### Tool Result: %s [%s]\n```json\n%s\n```", res.ToolName, mark, payload)
}

// toolResultsMessage joins the executed sections into the continuation
// message fed back to the model.
func toolResultsMessage(sections []string) string {
	return "\n\n## Tool Execution Results\n\n" +
		strings.Join(sections, "\n\n") +
		"\n\nContinue with your task using the tool results above. " +
		"If you need more tools, invoke them. Otherwise, provide your final answer."
}

func isCloseout(task *board.Task) bool {
	for _, flag := range task.EvolutionFlags {
		if flag == "closeout" {
			return true
		}
	}
	return false
}
