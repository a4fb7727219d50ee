// Package protocol defines the structured data contracts for all
// inter-agent communication: subtask tickets, review critiques, intent
// anchors, routing results, and feedback gradients. Pure data definitions
// plus their wire parsing; no runtime dependencies.
package protocol

import (
	"regexp"
	"strings"
)

// Tool categories used for scoping and subtask tool hints.
const (
	CategoryWeb        = "web"
	CategoryFS         = "fs"
	CategoryAutomation = "automation"
	CategoryMedia      = "media"
	CategoryBrowser    = "browser"
	CategoryMemory     = "memory"
	CategoryMessaging  = "messaging"
	CategoryTask       = "task"
	CategorySkill      = "skill"
	CategoryA2A        = "a2a_delegate" // delegate to external A2A agent
)

// IntentKeyNamespace is the ContextBus namespace for intent anchors
// ("intent:<task_id>").
const IntentKeyNamespace = "intent"

var (
	thinkRE    = regexp.MustCompile(`(?s)<think>(.*?)</think>`)
	toolCodeRE = regexp.MustCompile(`(?s)<tool_code>.*?</tool_code>`)
	blankRE    = regexp.MustCompile(`\n{3,}`)
)

// StripThink removes <think>...</think> blocks from LLM output. If
// stripping leaves nothing, the think content itself is recovered as the
// result — some models wrap their entire response in think tags.
func StripThink(text string) string {
	thinkContents := thinkRE.FindAllStringSubmatch(text, -1)
	stripped := thinkRE.ReplaceAllString(text, "")
	stripped = strings.TrimSpace(blankRE.ReplaceAllString(stripped, "\n\n"))
	if stripped != "" {
		return stripped
	}
	var parts []string
	for _, m := range thinkContents {
		if c := strings.TrimSpace(m[1]); c != "" {
			parts = append(parts, c)
		}
	}
	if len(parts) == 0 {
		return stripped
	}
	combined := strings.Join(parts, "\n\n")
	return strings.TrimSpace(blankRE.ReplaceAllString(combined, "\n\n"))
}

// StripToolCode removes <tool_code>...</tool_code> blocks from visible text.
func StripToolCode(text string) string {
	stripped := toolCodeRE.ReplaceAllString(text, "")
	return strings.TrimSpace(blankRE.ReplaceAllString(stripped, "\n\n"))
}

// StripForDisplay applies both strips; used before publishing streamed
// partials.
func StripForDisplay(text string) string {
	return StripThink(StripToolCode(text))
}
