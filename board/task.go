// Package board implements the file-locked task lifecycle store.
//
// The board is the coordination heart of the runtime: a JSON document of
// task records guarded by a cross-process lock. Agent workers self-claim
// work from it (Agent Teams pattern), reviewers attach critiques, and the
// orchestrator polls it for quiescence.
package board

import (
	"log/slog"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusClaimed   TaskStatus = "claimed"
	StatusReview    TaskStatus = "review"    // waiting for peer review
	StatusCritique  TaskStatus = "critique"  // sent back for targeted revision
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusBlocked   TaskStatus = "blocked"   // waiting for dependency
	StatusCancelled TaskStatus = "cancelled"
	StatusPaused    TaskStatus = "paused"
)

// ParseStatus coerces a wire string to a TaskStatus. Unknown values are
// loudly coerced to pending, the safest non-terminal state.
func ParseStatus(s string) TaskStatus {
	switch TaskStatus(s) {
	case StatusPending, StatusClaimed, StatusReview, StatusCritique,
		StatusCompleted, StatusFailed, StatusBlocked, StatusCancelled, StatusPaused:
		return TaskStatus(s)
	default:
		slog.Error("unknown task status, coercing to pending", "status", s)
		return StatusPending
	}
}

// Terminal reports whether the status is final (absent an explicit retry).
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active reports whether the status keeps the run non-quiescent.
func (s TaskStatus) Active() bool {
	switch s {
	case StatusPending, StatusClaimed, StatusReview, StatusCritique, StatusBlocked, StatusPaused:
		return true
	}
	return false
}

// Complexity levels accepted on a task.
const (
	ComplexitySimple  = "simple"
	ComplexityNormal  = "normal"
	ComplexityComplex = "complex"
)

// ReviewScore is a legacy advisory simple score attached by add_review.
type ReviewScore struct {
	Reviewer string  `json:"reviewer"`
	Score    float64 `json:"score"`
	Comment  string  `json:"comment,omitempty"`
	TS       float64 `json:"ts"`
}

// CritiqueRecord is the board-side summary of a reviewer critique. The
// full structured critique also goes to the shared critique log for the
// feedback pipeline; the board only needs enough to drive the state
// machine and the close-out synthesis.
type CritiqueRecord struct {
	Reviewer    string   `json:"reviewer"`
	Passed      bool     `json:"passed"`
	Score       float64  `json:"score"`
	Comment     string   `json:"comment,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	TS          float64  `json:"ts"`
}

// Task is the atomic unit of work on the board.
type Task struct {
	TaskID      string     `json:"task_id"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`

	AgentID      string   `json:"agent_id,omitempty"`
	BlockedBy    []string `json:"blocked_by,omitempty"`
	MinReputation int     `json:"min_reputation,omitempty"`
	RequiredRole string   `json:"required_role,omitempty"`
	ParentID     string   `json:"parent_id,omitempty"`
	Complexity   string   `json:"complexity,omitempty"`

	CreatedAt         float64 `json:"created_at"`
	ClaimedAt         float64 `json:"claimed_at,omitempty"`
	ReviewSubmittedAt float64 `json:"review_submitted_at,omitempty"`
	CompletedAt       float64 `json:"completed_at,omitempty"`

	RetryCount    int `json:"retry_count,omitempty"`
	CritiqueRound int `json:"critique_round,omitempty"`

	Result        string  `json:"result,omitempty"`
	PartialResult string  `json:"partial_result,omitempty"`
	CostUSD       float64 `json:"cost_usd,omitempty"`

	Critique       *CritiqueRecord `json:"critique,omitempty"`
	ReviewScores   []ReviewScore   `json:"review_scores,omitempty"`
	EvolutionFlags []string        `json:"evolution_flags,omitempty"`

	PriorStatus TaskStatus `json:"prior_status,omitempty"` // remembered across pause
}

// AvgReviewScore averages the legacy review scores; no review counts as a
// pass (100).
func (t *Task) AvgReviewScore() float64 {
	if len(t.ReviewScores) == 0 {
		return 100
	}
	var sum float64
	for _, r := range t.ReviewScores {
		sum += r.Score
	}
	return sum / float64(len(t.ReviewScores))
}

// ShortID returns the log-friendly id prefix.
func (t *Task) ShortID() string {
	if len(t.TaskID) > 8 {
		return t.TaskID[:8]
	}
	return t.TaskID
}

// Age returns how long ago the task was created.
func (t *Task) Age(now float64) time.Duration {
	return time.Duration((now - t.CreatedAt) * float64(time.Second))
}

func (t *Task) clone() *Task {
	cp := *t
	cp.BlockedBy = append([]string(nil), t.BlockedBy...)
	cp.ReviewScores = append([]ReviewScore(nil), t.ReviewScores...)
	cp.EvolutionFlags = append([]string(nil), t.EvolutionFlags...)
	if t.Critique != nil {
		cr := *t.Critique
		cr.Suggestions = append([]string(nil), t.Critique.Suggestions...)
		cp.Critique = &cr
	}
	return &cp
}
