package protocol

import (
	"encoding/json"
	"fmt"
)

// IntentAnchor is the stable record of user intent, written once by the
// orchestrator at submission and refined once by the planner after
// decomposition. Read at every close-out so the final synthesis stays
// anchored to what the user actually asked for.
type IntentAnchor struct {
	UserMessage     string   `json:"user_message"`
	CoreGoal        string   `json:"core_goal,omitempty"`
	SuccessCriteria []string `json:"success_criteria,omitempty"`
	TaskID          string   `json:"task_id,omitempty"`
}

// ToJSON serializes the anchor for the context bus.
func (a *IntentAnchor) ToJSON() string {
	raw, _ := json.Marshal(a)
	return string(raw)
}

// IntentAnchorFromJSON parses an anchor from the context bus.
func IntentAnchorFromJSON(raw string) (*IntentAnchor, error) {
	var anchor IntentAnchor
	if err := json.Unmarshal([]byte(raw), &anchor); err != nil {
		return nil, fmt.Errorf("failed to parse intent anchor: %w", err)
	}
	return &anchor, nil
}

// GradientSignal records the recurring issues and improvement patches
// extracted from the critique log for one agent.
type GradientSignal struct {
	AgentID            string   `json:"agent_id"`
	RecurringIssues    []string `json:"recurring_issues,omitempty"`
	ImprovementPatches []string `json:"improvement_patches,omitempty"`
	SourceCritiqueIDs  []string `json:"source_critique_ids,omitempty"`
	GeneratedAt        float64  `json:"generated_at"`
	DecayedIssues      []string `json:"decayed_issues,omitempty"`
}

// ToJSON serializes the signal for its diagnostics file.
func (g *GradientSignal) ToJSON() string {
	raw, _ := json.MarshalIndent(g, "", "  ")
	return string(raw)
}

// GradientSignalFromJSON parses a persisted signal.
func GradientSignalFromJSON(raw string) (*GradientSignal, error) {
	var signal GradientSignal
	if err := json.Unmarshal([]byte(raw), &signal); err != nil {
		return nil, fmt.Errorf("failed to parse gradient signal: %w", err)
	}
	return &signal, nil
}

// Routing decisions.
type RouteDecision string

const (
	RouteDirectAnswer RouteDecision = "DIRECT_ANSWER"
	RouteMASPipeline  RouteDecision = "MAS_PIPELINE"
)

// RoutingResult is the outcome of pre-routing a user request.
type RoutingResult struct {
	Decision     RouteDecision  `json:"decision"`
	Reason       string         `json:"reason,omitempty"`
	DirectAnswer string         `json:"direct_answer,omitempty"`
	SubTaskSpecs []*SubTaskSpec `json:"subtask_specs,omitempty"`
}
