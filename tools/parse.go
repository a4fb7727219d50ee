package tools

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
)

// ============================================================================
// TOOL CALL PARSING
// ============================================================================
// Models emit tool calls as fenced ```tool JSON blocks or <tool_code>
// blocks, one call per block: {"tool": "name", "params": {...}}.

var toolBlockPatterns = []*regexp.Regexp{
	regexp.MustCompile("(?s)```tool\\s*\n(.*?)\n\\s*```"),
	regexp.MustCompile(`(?s)<tool_code>\s*(.*?)\s*</tool_code>`),
}

// ParseToolCalls extracts every parseable tool call from LLM output.
func ParseToolCalls(output string) []ToolCall {
	var calls []ToolCall
	for _, pat := range toolBlockPatterns {
		for _, match := range pat.FindAllStringSubmatch(output, -1) {
			raw := strings.TrimSpace(match[1])
			var call ToolCall
			if err := json.Unmarshal([]byte(raw), &call); err != nil || call.Name == "" {
				slog.Warn("unparseable tool block", "raw", truncate(raw, 200))
				continue
			}
			calls = append(calls, call)
		}
	}
	return calls
}
