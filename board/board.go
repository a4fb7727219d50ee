package board

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cleoai/cleo/lockfile"
)

const (
	DefaultBoardFile = ".task_board.json"
	DefaultBoardLock = ".task_board.lock"

	// DefaultClaimedTimeout bounds how long a claimed task may sit before
	// the stale sweep returns it to the pool.
	DefaultClaimedTimeout = 600 * time.Second
	// DefaultReviewTimeout bounds how long a task may wait in review before
	// it is force-completed with its current result.
	DefaultReviewTimeout = 300 * time.Second
)

// boardDoc is the persisted shape: a task map plus an explicit insertion
// order so claim scans and result collection are deterministic.
type boardDoc struct {
	Tasks map[string]*Task `json:"tasks"`
	Order []string         `json:"order"`
}

func (d *boardDoc) init() {
	if d.Tasks == nil {
		d.Tasks = make(map[string]*Task)
	}
}

// TaskBoard is the file-backed task store. All mutating methods run a full
// read-modify-write cycle under the board lock, so concurrent agent
// processes cannot double-claim or lose updates.
type TaskBoard struct {
	file *lockfile.LockedFile[boardDoc]

	ClaimedTimeout time.Duration
	ReviewTimeout  time.Duration

	now func() float64 // epoch seconds; overridable in tests
}

// New creates a board handle over the given document and lock paths.
func New(path, lockPath string) *TaskBoard {
	return &TaskBoard{
		file:           lockfile.NewLockedFile[boardDoc](path, lockPath),
		ClaimedTimeout: DefaultClaimedTimeout,
		ReviewTimeout:  DefaultReviewTimeout,
		now:            func() float64 { return float64(time.Now().UnixNano()) / float64(time.Second) },
	}
}

// Open creates a board handle with the default file names in the current
// working directory.
func Open() *TaskBoard {
	return New(DefaultBoardFile, DefaultBoardLock)
}

// Path returns the board document path.
func (b *TaskBoard) Path() string { return b.file.Path() }

// LockPath returns the cross-process lock path guarding the board.
func (b *TaskBoard) LockPath() string { return b.file.Lock().Path() }

// ============================================================================
// CREATE
// ============================================================================

// CreateRequest carries the inputs for a new task.
type CreateRequest struct {
	Description   string
	BlockedBy     []string
	MinReputation int
	RequiredRole  string
	ParentID      string
	Complexity    string
}

// Create inserts a new pending task and returns it.
func (b *TaskBoard) Create(req CreateRequest) (*Task, error) {
	task := &Task{
		TaskID:        uuid.NewString(),
		Description:   req.Description,
		Status:        StatusPending,
		BlockedBy:     req.BlockedBy,
		MinReputation: req.MinReputation,
		RequiredRole:  req.RequiredRole,
		ParentID:      req.ParentID,
		Complexity:    req.Complexity,
		CreatedAt:     b.now(),
	}
	if task.Complexity == "" {
		task.Complexity = ComplexityNormal
	}

	err := b.file.Modify(func(doc *boardDoc) error {
		doc.init()
		if req.ParentID != "" {
			if _, ok := doc.Tasks[req.ParentID]; !ok {
				return fmt.Errorf("parent task not found: %s", req.ParentID)
			}
		}
		doc.Tasks[task.TaskID] = task
		doc.Order = append(doc.Order, task.TaskID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	return task.clone(), nil
}

// ============================================================================
// SELF-CLAIM (Agent Teams pattern)
// ============================================================================

// ClaimNext atomically grabs the next available unblocked task this agent
// qualifies for, in insertion order. Returns nil if nothing is available.
func (b *TaskBoard) ClaimNext(agentID string, agentReputation int, agentRole string) *Task {
	var claimed *Task
	err := b.file.Modify(func(doc *boardDoc) error {
		doc.init()
		completed := make(map[string]bool)
		for tid, t := range doc.Tasks {
			if t.Status == StatusCompleted {
				completed[tid] = true
			}
		}

		for _, tid := range doc.Order {
			t, ok := doc.Tasks[tid]
			if !ok || t.Status != StatusPending {
				continue
			}
			if t.MinReputation > agentReputation {
				continue
			}
			blocked := false
			for _, dep := range t.BlockedBy {
				if !completed[dep] {
					blocked = true
					break
				}
			}
			if blocked {
				continue
			}
			if !RoleMatches(t.RequiredRole, agentID, agentRole) {
				continue
			}

			t.Status = StatusClaimed
			t.AgentID = agentID
			t.ClaimedAt = b.now()
			claimed = t.clone()
			return nil
		}
		return errNoChange
	})
	if err != nil && err != errNoChange {
		slog.Error("claim_next failed", "agent", agentID, "error", err)
	}
	return claimed
}

// ClaimCritique grabs a task sent back for revision to its original agent.
// Only the agent that produced the criticized output may claim it.
func (b *TaskBoard) ClaimCritique(agentID string) *Task {
	var claimed *Task
	err := b.file.Modify(func(doc *boardDoc) error {
		doc.init()
		for _, tid := range doc.Order {
			t, ok := doc.Tasks[tid]
			if !ok || t.Status != StatusCritique || t.AgentID != agentID {
				continue
			}
			t.Status = StatusClaimed
			t.ClaimedAt = b.now()
			claimed = t.clone()
			return nil
		}
		return errNoChange
	})
	if err != nil && err != errNoChange {
		slog.Error("claim_critique failed", "agent", agentID, "error", err)
	}
	return claimed
}

// errNoChange aborts a Modify without writing; never escapes the package.
var errNoChange = fmt.Errorf("no change")

// ============================================================================
// LIFECYCLE
// ============================================================================

// SubmitForReview stores the result and moves a claimed task into review.
func (b *TaskBoard) SubmitForReview(taskID, result string) {
	b.mutate("submit_for_review", taskID, func(t *Task) {
		if t.Status != StatusClaimed {
			slog.Warn("submit_for_review on non-claimed task", "task", t.ShortID(), "status", t.Status)
			return
		}
		t.Status = StatusReview
		t.Result = result
		t.ReviewSubmittedAt = b.now()
	})
}

// AddCritique attaches a reviewer critique. A first NEEDS_WORK critique
// sends the task back to its agent for one targeted revision round; a
// passing critique, or any critique after the first round, completes the
// task (reviews are advisory, never a gate beyond that single round).
func (b *TaskBoard) AddCritique(taskID, reviewerID string, passed bool, suggestions []string, comment string, score float64) {
	b.mutate("add_critique", taskID, func(t *Task) {
		t.Critique = &CritiqueRecord{
			Reviewer:    reviewerID,
			Passed:      passed,
			Score:       score,
			Comment:     comment,
			Suggestions: suggestions,
			TS:          b.now(),
		}
		if !passed && t.CritiqueRound == 0 {
			t.Status = StatusCritique
			t.CritiqueRound = 1
			return
		}
		t.Status = StatusCompleted
		t.CompletedAt = b.now()
	})
}

// AddReview appends a legacy simple score without transitioning status.
func (b *TaskBoard) AddReview(taskID, reviewerID string, score float64, comment string) {
	b.mutate("add_review", taskID, func(t *Task) {
		t.ReviewScores = append(t.ReviewScores, ReviewScore{
			Reviewer: reviewerID,
			Score:    score,
			Comment:  comment,
			TS:       b.now(),
		})
	})
}

// Complete forces a task into completed.
func (b *TaskBoard) Complete(taskID string) *Task {
	var out *Task
	b.mutate("complete", taskID, func(t *Task) {
		t.Status = StatusCompleted
		t.CompletedAt = b.now()
		out = t.clone()
	})
	return out
}

// Finalize records a synthesized result and completes the task in one
// step. Used when the close-out answer is adopted onto the root task.
func (b *TaskBoard) Finalize(taskID, result string) {
	b.mutate("finalize", taskID, func(t *Task) {
		t.Result = result
		t.Status = StatusCompleted
		t.CompletedAt = b.now()
	})
}

// Fail forces a task into failed and records the classified reason.
func (b *TaskBoard) Fail(taskID, reason string) {
	b.mutate("fail", taskID, func(t *Task) {
		t.Status = StatusFailed
		t.CompletedAt = b.now()
		t.EvolutionFlags = append(t.EvolutionFlags, "failed:"+reason)
	})
}

// Flag appends a textual post-mortem tag.
func (b *TaskBoard) Flag(taskID, tag string) {
	b.mutate("flag", taskID, func(t *Task) {
		t.EvolutionFlags = append(t.EvolutionFlags, tag)
	})
}

// UpdatePartial updates the live-streamed preview only.
func (b *TaskBoard) UpdatePartial(taskID, text string) {
	b.mutate("update_partial", taskID, func(t *Task) {
		t.PartialResult = text
	})
}

// SetCost adds to the task's cumulative cost estimate.
func (b *TaskBoard) SetCost(taskID string, deltaUSD float64) {
	b.mutate("set_cost", taskID, func(t *Task) {
		t.CostUSD += deltaUSD
	})
}

// Cancel moves a non-terminal task to cancelled. Advisory with respect to
// a worker currently holding the task; the worker notices at its next
// status check.
func (b *TaskBoard) Cancel(taskID string) bool {
	ok := false
	b.mutate("cancel", taskID, func(t *Task) {
		if t.Status == StatusCompleted || t.Status == StatusCancelled {
			return
		}
		t.Status = StatusCancelled
		t.CompletedAt = b.now()
		t.EvolutionFlags = append(t.EvolutionFlags, "user_cancelled")
		ok = true
	})
	return ok
}

// Pause freezes a pending or claimed task, remembering its prior status.
func (b *TaskBoard) Pause(taskID string) bool {
	ok := false
	b.mutate("pause", taskID, func(t *Task) {
		if t.Status != StatusPending && t.Status != StatusClaimed {
			return
		}
		t.PriorStatus = t.Status
		t.Status = StatusPaused
		ok = true
	})
	return ok
}

// Resume returns a paused task to the claimable pool.
func (b *TaskBoard) Resume(taskID string) bool {
	ok := false
	b.mutate("resume", taskID, func(t *Task) {
		if t.Status != StatusPaused {
			return
		}
		t.Status = StatusPending
		t.AgentID = ""
		t.ClaimedAt = 0
		t.PriorStatus = ""
		ok = true
	})
	return ok
}

// Retry resets a failed or cancelled task to pending and bumps retry_count.
func (b *TaskBoard) Retry(taskID string) bool {
	ok := false
	b.mutate("retry", taskID, func(t *Task) {
		if t.Status != StatusFailed && t.Status != StatusCancelled {
			return
		}
		t.Status = StatusPending
		t.AgentID = ""
		t.Result = ""
		t.PartialResult = ""
		t.ClaimedAt = 0
		t.ReviewSubmittedAt = 0
		t.CompletedAt = 0
		t.RetryCount++
		ok = true
	})
	return ok
}

// CancelAll cancels every non-terminal task. Returns the count cancelled.
func (b *TaskBoard) CancelAll() int {
	count := 0
	err := b.file.Modify(func(doc *boardDoc) error {
		doc.init()
		now := b.now()
		for _, t := range doc.Tasks {
			if t.Status.Terminal() {
				continue
			}
			t.Status = StatusCancelled
			t.CompletedAt = now
			t.EvolutionFlags = append(t.EvolutionFlags, "user_cancelled")
			count++
		}
		if count == 0 {
			return errNoChange
		}
		return nil
	})
	if err != nil && err != errNoChange {
		slog.Error("cancel_all failed", "error", err)
	}
	return count
}

// Clear deletes all tasks. With force=false it refuses (returning -1) when
// any non-terminal task exists. Returns the number of tasks removed.
func (b *TaskBoard) Clear(force bool) int {
	count := 0
	err := b.file.Modify(func(doc *boardDoc) error {
		doc.init()
		if !force {
			for _, t := range doc.Tasks {
				if t.Status.Active() {
					count = -1
					return errNoChange
				}
			}
		}
		count = len(doc.Tasks)
		doc.Tasks = make(map[string]*Task)
		doc.Order = nil
		return nil
	})
	if err != nil && err != errNoChange {
		slog.Error("clear failed", "error", err)
	}
	return count
}

// ============================================================================
// TIMEOUT RECOVERY
// ============================================================================

// RecoverStaleTasks sweeps stuck states left behind by crashed workers.
// It never regenerates output. Returns the recovered task ids.
func (b *TaskBoard) RecoverStaleTasks() []string {
	var recovered []string
	err := b.file.Modify(func(doc *boardDoc) error {
		doc.init()
		now := b.now()
		claimedLimit := b.ClaimedTimeout.Seconds()
		reviewLimit := b.ReviewTimeout.Seconds()

		for _, tid := range doc.Order {
			t, ok := doc.Tasks[tid]
			if !ok {
				continue
			}
			switch t.Status {
			case StatusClaimed:
				if t.ClaimedAt > 0 && now-t.ClaimedAt > claimedLimit {
					t.Status = StatusPending
					t.AgentID = ""
					t.ClaimedAt = 0
					t.RetryCount++
					t.EvolutionFlags = append(t.EvolutionFlags, "timeout_recovered:claimed")
					recovered = append(recovered, tid)
				}
			case StatusReview:
				if t.ReviewSubmittedAt > 0 && now-t.ReviewSubmittedAt > reviewLimit {
					t.Status = StatusCompleted
					t.CompletedAt = now
					t.EvolutionFlags = append(t.EvolutionFlags, "timeout_recovered:review")
					recovered = append(recovered, tid)
				}
			case StatusCritique:
				if t.Critique != nil && now-t.Critique.TS > claimedLimit {
					t.Status = StatusCompleted
					t.CompletedAt = now
					t.EvolutionFlags = append(t.EvolutionFlags, "timeout_recovered:critique")
					recovered = append(recovered, tid)
				}
			}
		}
		if len(recovered) == 0 {
			return errNoChange
		}
		return nil
	})
	if err != nil && err != errNoChange {
		slog.Error("recover_stale_tasks failed", "error", err)
	}
	return recovered
}

// ============================================================================
// QUERY
// ============================================================================

// Get returns a copy of the task, or nil if unknown.
func (b *TaskBoard) Get(taskID string) *Task {
	doc := b.file.Read()
	if t, ok := doc.Tasks[taskID]; ok {
		return t.clone()
	}
	return nil
}

// List returns copies of every task in insertion order.
func (b *TaskBoard) List() []*Task {
	doc := b.file.Read()
	out := make([]*Task, 0, len(doc.Order))
	for _, tid := range doc.Order {
		if t, ok := doc.Tasks[tid]; ok {
			out = append(out, t.clone())
		}
	}
	return out
}

// ListByAgent returns tasks currently or last held by an agent.
func (b *TaskBoard) ListByAgent(agentID string) []*Task {
	var out []*Task
	for _, t := range b.List() {
		if t.AgentID == agentID {
			out = append(out, t)
		}
	}
	return out
}

// Subtasks returns the direct children of a task in insertion order.
func (b *TaskBoard) Subtasks(parentID string) []*Task {
	var out []*Task
	for _, t := range b.List() {
		if t.ParentID == parentID {
			out = append(out, t)
		}
	}
	return out
}

// PendingCount counts claimable work.
func (b *TaskBoard) PendingCount() int {
	count := 0
	for _, t := range b.List() {
		if t.Status == StatusPending {
			count++
		}
	}
	return count
}

// StatusCounts tallies tasks per status for the observability surfaces.
func (b *TaskBoard) StatusCounts() map[TaskStatus]int {
	counts := make(map[TaskStatus]int)
	for _, t := range b.List() {
		counts[t.Status]++
	}
	return counts
}

// Quiescent reports whether no task remains in an active state.
func (b *TaskBoard) Quiescent() bool {
	for _, t := range b.List() {
		if t.Status.Active() {
			return false
		}
	}
	return true
}

// History returns the most recent tasks held by an agent, newest first.
func (b *TaskBoard) History(agentID string, last int) []*Task {
	tasks := b.ListByAgent(agentID)
	for i, j := 0, len(tasks)-1; i < j; i, j = i+1, j-1 {
		tasks[i], tasks[j] = tasks[j], tasks[i]
	}
	if last > 0 && len(tasks) > last {
		tasks = tasks[:last]
	}
	return tasks
}

// ============================================================================
// RESULT COLLECTION
// ============================================================================

// CollectResults gathers the results for a task tree. Executor output wins;
// the planner's own synthesis is the fallback, then the root task's result.
func (b *TaskBoard) CollectResults(rootTaskID string) string {
	doc := b.file.Read()

	var plannerResult string
	var executorResults []string

	for _, tid := range doc.Order {
		t, ok := doc.Tasks[tid]
		if !ok || t.Result == "" {
			continue
		}
		if IsPlannerAgent(t.AgentID) {
			plannerResult = t.Result
			continue
		}
		executorResults = append(executorResults,
			fmt.Sprintf("<!-- agent:%s task:%s -->\n%s", t.AgentID, t.ShortID(), t.Result))
	}

	if len(executorResults) > 0 {
		return strings.Join(executorResults, "\n\n---\n\n")
	}
	if plannerResult != "" {
		return plannerResult
	}
	if root, ok := doc.Tasks[rootTaskID]; ok && root.Result != "" {
		return root.Result
	}
	return ""
}

// CollectResultsWithCritiques returns the collected results plus a markdown
// blob of reviewer feedback per subtask, consumed by the planner close-out.
func (b *TaskBoard) CollectResultsWithCritiques(rootTaskID string, subtaskIDs []string) (string, string) {
	results := b.CollectResults(rootTaskID)

	var subtasks []*Task
	if len(subtaskIDs) > 0 {
		for _, tid := range subtaskIDs {
			if t := b.Get(tid); t != nil {
				subtasks = append(subtasks, t)
			}
		}
	} else {
		subtasks = b.Subtasks(rootTaskID)
	}

	var sb strings.Builder
	for _, t := range subtasks {
		if t.Critique == nil {
			continue
		}
		desc := t.Description
		if runes := []rune(desc); len(runes) > 60 {
			desc = string(runes[:60])
		}
		fmt.Fprintf(&sb, "### %s\n- score: %.1f\n", desc, t.Critique.Score)
		if t.Critique.Comment != "" {
			fmt.Fprintf(&sb, "- comment: %s\n", t.Critique.Comment)
		}
		if len(t.Critique.Suggestions) > 0 {
			fmt.Fprintf(&sb, "- suggestions: %s\n", strings.Join(t.Critique.Suggestions, "; "))
		}
		sb.WriteString("\n")
	}
	return results, strings.TrimRight(sb.String(), "\n")
}

// ============================================================================
// INTERNAL
// ============================================================================

// mutate applies fn to one task under the lock; unknown ids are a no-op
// (board methods are idempotent on missing ids by contract).
func (b *TaskBoard) mutate(op, taskID string, fn func(t *Task)) {
	err := b.file.Modify(func(doc *boardDoc) error {
		doc.init()
		t, ok := doc.Tasks[taskID]
		if !ok {
			slog.Debug("task not found", "op", op, "task", taskID)
			return errNoChange
		}
		fn(t)
		return nil
	})
	if err != nil && err != errNoChange {
		slog.Error("board mutation failed", "op", op, "task", taskID, "error", err)
	}
}
