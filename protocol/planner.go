package protocol

import (
	"log/slog"
	"regexp"
	"strings"
)

// ============================================================================
// PLANNER OUTPUT PARSING
// ============================================================================
// The planner decomposes work in one of three shapes, most to least
// preferred: fenced ```subtask JSON blocks, bare SubTaskSpec JSON objects,
// and legacy TASK:/COMPLEXITY: lines. Extraction tries each in order and
// stops at the first shape that yields specs.

var subtaskBlockPatterns = []*regexp.Regexp{
	regexp.MustCompile("(?s)```subtask\\s*\n(.*?)\n\\s*```"),     // exact
	regexp.MustCompile("(?s)```\\s*subtask\\s*\n(.*?)\n\\s*```"), // space before subtask
	regexp.MustCompile("(?s)```subtask\\s*(\\{.*?\\})\\s*```"),   // no newline required
}

var bareSpecPattern = regexp.MustCompile(`\{[^{}]*"objective"\s*:\s*"[^"]+?"[^{}]*\}`)

var explicitComplexityRE = regexp.MustCompile(`(?i)complexity:\s*(simple|normal|complex)`)

// ExtractSubTaskSpecs parses planner output into subtask specs, injecting
// parentIntent where the planner left it blank.
func ExtractSubTaskSpecs(plannerOutput, parentIntent string) []*SubTaskSpec {
	specs := extractFencedSpecs(plannerOutput)
	if len(specs) == 0 {
		specs = extractBareSpecs(plannerOutput)
	}
	if len(specs) == 0 {
		specs = extractLegacyTaskLines(plannerOutput)
	}
	for _, spec := range specs {
		if spec.ParentIntent == "" {
			spec.ParentIntent = parentIntent
		}
	}
	if len(specs) == 0 && strings.TrimSpace(plannerOutput) != "" {
		slog.Warn("no subtask specs extracted from planner output",
			"chars", len(plannerOutput))
	}
	return specs
}

func extractFencedSpecs(output string) []*SubTaskSpec {
	for _, pat := range subtaskBlockPatterns {
		var specs []*SubTaskSpec
		for _, match := range pat.FindAllStringSubmatch(output, -1) {
			raw := strings.TrimSpace(match[1])
			spec, err := SubTaskSpecFromJSON(raw)
			if err != nil {
				slog.Warn("failed to parse subtask spec block", "error", err)
				continue
			}
			specs = append(specs, spec)
		}
		if len(specs) > 0 {
			return specs
		}
	}
	return nil
}

func extractBareSpecs(output string) []*SubTaskSpec {
	var specs []*SubTaskSpec
	for _, match := range bareSpecPattern.FindAllString(output, -1) {
		spec, err := SubTaskSpecFromJSON(match)
		if err != nil {
			continue
		}
		specs = append(specs, spec)
	}
	return specs
}

func extractLegacyTaskLines(output string) []*SubTaskSpec {
	var specs []*SubTaskSpec
	var pending string

	flush := func(complexity string) {
		if pending == "" {
			return
		}
		if complexity == "" {
			complexity = InferComplexity(pending)
		}
		specs = append(specs, SubTaskSpecFromLegacyTask(pending, complexity))
		pending = ""
	}

	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		stripped := strings.TrimSpace(line)
		for _, prefix := range []string{"- ", "* ", "• "} {
			if strings.HasPrefix(stripped, prefix) {
				stripped = stripped[len(prefix):]
				break
			}
		}

		upper := strings.ToUpper(stripped)
		if strings.HasPrefix(upper, "COMPLEXITY:") && pending != "" {
			complexity := strings.ToLower(strings.TrimSpace(stripped[len("COMPLEXITY:"):]))
			if complexity != "normal" && complexity != "complex" && complexity != "simple" {
				complexity = ""
			}
			flush(complexity)
			continue
		}

		flush("")

		if strings.HasPrefix(upper, "TASK:") {
			if desc := strings.TrimSpace(stripped[len("TASK:"):]); desc != "" {
				pending = desc
			}
		}
	}
	flush("")
	return specs
}

// ============================================================================
// INFERENCE
// ============================================================================

var complexKeywords = []string{
	"review", "audit", "verify", "analyze", "evaluate", "compare",
	"research", "investigate", "design", "architect", "plan",
}

var trivialKeywords = []string{"print hello", "echo ", "list directory"}

// InferComplexity classifies a subtask description. Conservative: most
// tasks stay "normal" so they pass through review.
func InferComplexity(description string) string {
	lower := strings.ToLower(description)

	if m := explicitComplexityRE.FindStringSubmatch(lower); m != nil {
		return m[1]
	}
	for _, kw := range complexKeywords {
		if strings.Contains(lower, kw) {
			return "complex"
		}
	}
	for _, kw := range trivialKeywords {
		if strings.Contains(lower, kw) {
			return "simple"
		}
	}
	return "normal"
}

var reviewKeywords = []string{"review", "evaluate", "audit", "verify"}

var plannerKeywords = []string{
	"plan", "decompose", "architect", "outline",
	"synthesize", "summary", "综合", "总结",
}

// InferRole maps a subtask objective to a required role keyword.
// Priority: review > planner > implement; subtasks emitted by the planner
// default to the executor. Specs hinting at external delegation also go to
// the executor, which owns the A2A client.
func InferRole(objective string, hints []string) string {
	for _, h := range hints {
		if h == CategoryA2A {
			return "implement"
		}
	}

	lower := strings.ToLower(objective)
	for _, kw := range reviewKeywords {
		if strings.Contains(lower, kw) {
			return "review"
		}
	}
	for _, kw := range plannerKeywords {
		if strings.Contains(lower, kw) {
			return "planner"
		}
	}
	return "implement"
}
