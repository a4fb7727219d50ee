package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// A2AHint asks the executor to delegate a subtask to an external agent.
type A2AHint struct {
	PreferredAgent string   `json:"preferred_agent,omitempty"`
	RequiredSkills []string `json:"required_skills,omitempty"`
	Fallback       string   `json:"fallback,omitempty"`
}

// SubTaskSpec is the structured task ticket from the planner to an
// executor. Supersedes the legacy "TASK: <description>" format.
type SubTaskSpec struct {
	Objective    string                 `json:"objective"`
	Constraints  []string               `json:"constraints,omitempty"`
	Input        map[string]interface{} `json:"input,omitempty"`
	OutputFormat string                 `json:"output_format,omitempty"` // markdown_table / json / code / file / text
	ToolHint     []string               `json:"tool_hint,omitempty"`     // tool category tags
	Complexity   string                 `json:"complexity,omitempty"`    // simple / normal / complex
	ParentIntent string                 `json:"parent_intent,omitempty"` // original user message
	A2AHint      *A2AHint               `json:"a2a_hint,omitempty"`
}

// ToJSON serializes the spec.
func (s *SubTaskSpec) ToJSON() string {
	raw, _ := json.Marshal(s)
	return string(raw)
}

// SubTaskSpecFromJSON parses a spec, rejecting payloads without an
// objective.
func SubTaskSpecFromJSON(raw string) (*SubTaskSpec, error) {
	var spec SubTaskSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return nil, fmt.Errorf("failed to parse subtask spec: %w", err)
	}
	if spec.Objective == "" {
		return nil, fmt.Errorf("subtask spec missing objective")
	}
	if spec.Complexity == "" {
		spec.Complexity = "normal"
	}
	return &spec, nil
}

// SubTaskSpecFromLegacyTask wraps a V0.01 "TASK:" line in a spec.
func SubTaskSpecFromLegacyTask(description, complexity string) *SubTaskSpec {
	if complexity == "" {
		complexity = "normal"
	}
	return &SubTaskSpec{Objective: description, Complexity: complexity}
}

// ToTaskDescription serializes the spec into the board's description field
// (human-readable and parseable back with ParseTaskDescription).
func (s *SubTaskSpec) ToTaskDescription() string {
	lines := []string{"[SubTaskSpec] " + s.Objective}
	if len(s.Constraints) > 0 {
		lines = append(lines, "Constraints: "+strings.Join(s.Constraints, "; "))
	}
	if s.OutputFormat != "" {
		lines = append(lines, "Output format: "+s.OutputFormat)
	}
	if len(s.ToolHint) > 0 {
		lines = append(lines, "Tool categories: "+strings.Join(s.ToolHint, ", "))
	}
	return strings.Join(lines, "\n")
}

// ParseTaskDescription recovers a spec from a board description produced
// by ToTaskDescription. Returns nil when the description carries no
// [SubTaskSpec] marker.
func ParseTaskDescription(description string) *SubTaskSpec {
	idx := strings.Index(description, "[SubTaskSpec]")
	if idx < 0 {
		return nil
	}
	body := description[idx+len("[SubTaskSpec]"):]
	lines := strings.Split(body, "\n")
	spec := &SubTaskSpec{Objective: strings.TrimSpace(lines[0]), Complexity: "normal"}

	for _, line := range lines[1:] {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Constraints: "):
			for _, c := range strings.Split(strings.TrimPrefix(line, "Constraints: "), ";") {
				if c = strings.TrimSpace(c); c != "" {
					spec.Constraints = append(spec.Constraints, c)
				}
			}
		case strings.HasPrefix(line, "Output format: "):
			spec.OutputFormat = strings.TrimPrefix(line, "Output format: ")
		case strings.HasPrefix(line, "Tool categories: "):
			for _, h := range strings.Split(strings.TrimPrefix(line, "Tool categories: "), ",") {
				if h = strings.TrimSpace(h); h != "" {
					spec.ToolHint = append(spec.ToolHint, h)
				}
			}
		}
	}
	return spec
}

// WantsA2ADelegation reports whether the spec asks for external delegation
// either via tool hint or an explicit a2a hint.
func (s *SubTaskSpec) WantsA2ADelegation() bool {
	if s.A2AHint != nil && (s.A2AHint.PreferredAgent != "" || len(s.A2AHint.RequiredSkills) > 0) {
		return true
	}
	for _, h := range s.ToolHint {
		if h == CategoryA2A {
			return true
		}
	}
	return false
}
