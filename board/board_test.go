package board

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBoard(t *testing.T) *TaskBoard {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, "board.json"), filepath.Join(dir, "board.lock"))
}

func mustCreate(t *testing.T, b *TaskBoard, req CreateRequest) *Task {
	t.Helper()
	task, err := b.Create(req)
	require.NoError(t, err)
	return task
}

func TestCreateAndGet(t *testing.T) {
	b := newTestBoard(t)
	task := mustCreate(t, b, CreateRequest{Description: "write hello world"})

	assert.NotEmpty(t, task.TaskID)
	assert.Equal(t, StatusPending, task.Status)
	assert.Equal(t, ComplexityNormal, task.Complexity)
	assert.Greater(t, task.CreatedAt, 0.0)

	got := b.Get(task.TaskID)
	require.NotNil(t, got)
	assert.Equal(t, task.TaskID, got.TaskID)

	assert.Nil(t, b.Get("nope"))
}

func TestCreateEmptyDescriptionAccepted(t *testing.T) {
	b := newTestBoard(t)
	task := mustCreate(t, b, CreateRequest{})
	assert.Equal(t, StatusPending, task.Status)
}

func TestCreateUnknownParentRejected(t *testing.T) {
	b := newTestBoard(t)
	_, err := b.Create(CreateRequest{Description: "x", ParentID: "missing"})
	assert.Error(t, err)
}

func TestClaimLifecycle(t *testing.T) {
	b := newTestBoard(t)
	task := mustCreate(t, b, CreateRequest{Description: "do the thing"})

	claimed := b.ClaimNext("jerry", 100, "executor")
	require.NotNil(t, claimed)
	assert.Equal(t, task.TaskID, claimed.TaskID)
	assert.Equal(t, StatusClaimed, claimed.Status)
	assert.Equal(t, "jerry", claimed.AgentID)
	assert.Greater(t, claimed.ClaimedAt, 0.0)

	// nothing else to claim
	assert.Nil(t, b.ClaimNext("jerry", 100, "executor"))

	b.SubmitForReview(task.TaskID, "done")
	got := b.Get(task.TaskID)
	assert.Equal(t, StatusReview, got.Status)
	assert.Equal(t, "done", got.Result)
	assert.Greater(t, got.ReviewSubmittedAt, 0.0)
}

func TestClaimOrderIsInsertionOrder(t *testing.T) {
	b := newTestBoard(t)
	first := mustCreate(t, b, CreateRequest{Description: "first"})
	mustCreate(t, b, CreateRequest{Description: "second"})

	claimed := b.ClaimNext("jerry", 100, "executor")
	require.NotNil(t, claimed)
	assert.Equal(t, first.TaskID, claimed.TaskID)
}

func TestBlockedByGating(t *testing.T) {
	b := newTestBoard(t)
	dep := mustCreate(t, b, CreateRequest{Description: "dep"})
	blocked := mustCreate(t, b, CreateRequest{Description: "blocked", BlockedBy: []string{dep.TaskID}})

	// dep claims first; blocked is skipped until dep completes
	claimed := b.ClaimNext("jerry", 100, "executor")
	require.NotNil(t, claimed)
	assert.Equal(t, dep.TaskID, claimed.TaskID)
	assert.Nil(t, b.ClaimNext("jerry", 100, "executor"))

	b.Complete(dep.TaskID)
	claimed = b.ClaimNext("jerry", 100, "executor")
	require.NotNil(t, claimed)
	assert.Equal(t, blocked.TaskID, claimed.TaskID)
}

func TestBlockedByUnknownIDNeverClaims(t *testing.T) {
	b := newTestBoard(t)
	mustCreate(t, b, CreateRequest{Description: "forever blocked", BlockedBy: []string{"ghost"}})
	assert.Nil(t, b.ClaimNext("jerry", 100, "executor"))
}

func TestMinReputationGating(t *testing.T) {
	b := newTestBoard(t)
	mustCreate(t, b, CreateRequest{Description: "senior work", MinReputation: 80})

	assert.Nil(t, b.ClaimNext("jerry", 50, "executor"))
	assert.NotNil(t, b.ClaimNext("jerry", 90, "executor"))
}

func TestRoleRoutingRejectsReviewerForExecutorWork(t *testing.T) {
	b := newTestBoard(t)
	task := mustCreate(t, b, CreateRequest{Description: "write hello world", RequiredRole: "implement"})

	// reviewer must not steal implementation work
	assert.Nil(t, b.ClaimNext("alic", 100, "reviewer"))

	claimed := b.ClaimNext("jerry", 100, "executor")
	require.NotNil(t, claimed)
	b.SubmitForReview(task.TaskID, "print('hello')")

	// review phase: a review-typed task is claimable by alic
	review := mustCreate(t, b, CreateRequest{Description: "review " + task.ShortID(), RequiredRole: "review"})
	claimed = b.ClaimNext("alic", 100, "reviewer")
	require.NotNil(t, claimed)
	assert.Equal(t, review.TaskID, claimed.TaskID)
}

func TestRestrictedAgentNeverClaimsGenericTasks(t *testing.T) {
	b := newTestBoard(t)
	mustCreate(t, b, CreateRequest{Description: "generic"})

	assert.Nil(t, b.ClaimNext("alic", 100, "reviewer"))
	assert.NotNil(t, b.ClaimNext("jerry", 100, "executor"))
}

func TestRoleMatches(t *testing.T) {
	tests := []struct {
		name         string
		requiredRole string
		agentID      string
		want         bool
	}{
		{"direct id match", "jerry", "jerry", true},
		{"map planner", "planner", "leo", true},
		{"map implement", "implement", "coder", true},
		{"strict role no substring", "planner", "masterplanner9000", false},
		{"substring ok for non-strict", "search", "searcher", true},
		{"restricted agent nil role", "", "alic", false},
		{"restricted agent review role", "review", "alic", true},
		{"restricted agent critique role", "critique", "auditor", true},
		{"restricted agent implement role", "implement", "alic", false},
		{"unrestricted nil role", "", "jerry", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RoleMatches(tt.requiredRole, tt.agentID, ""))
		})
	}
}

func TestCritiqueFlowFirstNeedsWork(t *testing.T) {
	b := newTestBoard(t)
	task := mustCreate(t, b, CreateRequest{Description: "x"})
	b.ClaimNext("jerry", 100, "executor")
	b.SubmitForReview(task.TaskID, "draft")

	// First NEEDS_WORK critique sends the task back to its agent
	b.AddCritique(task.TaskID, "alic", false, []string{"add tests"}, "not enough", 5.0)
	got := b.Get(task.TaskID)
	assert.Equal(t, StatusCritique, got.Status)
	assert.Equal(t, 1, got.CritiqueRound)
	require.NotNil(t, got.Critique)
	assert.False(t, got.Critique.Passed)

	// Only the original agent can claim the revision
	assert.Nil(t, b.ClaimCritique("leo"))
	claimed := b.ClaimCritique("jerry")
	require.NotNil(t, claimed)
	assert.Equal(t, StatusClaimed, claimed.Status)

	b.SubmitForReview(task.TaskID, "revised")

	// Second critique completes regardless of verdict
	b.AddCritique(task.TaskID, "alic", false, nil, "still meh", 6.0)
	got = b.Get(task.TaskID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Greater(t, got.CompletedAt, 0.0)
}

func TestCritiquePassedCompletesImmediately(t *testing.T) {
	b := newTestBoard(t)
	task := mustCreate(t, b, CreateRequest{Description: "x"})
	b.ClaimNext("jerry", 100, "executor")
	b.SubmitForReview(task.TaskID, "great work")

	b.AddCritique(task.TaskID, "alic", true, nil, "LGTM", 9.0)
	got := b.Get(task.TaskID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 0, got.CritiqueRound)
}

func TestAddReviewDoesNotTransition(t *testing.T) {
	b := newTestBoard(t)
	task := mustCreate(t, b, CreateRequest{Description: "x"})
	b.AddReview(task.TaskID, "alic", 85, "fine")

	got := b.Get(task.TaskID)
	assert.Equal(t, StatusPending, got.Status)
	require.Len(t, got.ReviewScores, 1)
	assert.Equal(t, 85.0, got.ReviewScores[0].Score)
	assert.Equal(t, 85.0, got.AvgReviewScore())
}

func TestFailRecordsReason(t *testing.T) {
	b := newTestBoard(t)
	task := mustCreate(t, b, CreateRequest{Description: "x"})
	b.Fail(task.TaskID, "budget_exceeded")

	got := b.Get(task.TaskID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.EvolutionFlags, "failed:budget_exceeded")
	assert.Greater(t, got.CompletedAt, 0.0)
}

func TestCancelPauseResumeRetry(t *testing.T) {
	b := newTestBoard(t)
	task := mustCreate(t, b, CreateRequest{Description: "x"})

	// pause → resume returns to the claimable pool
	require.True(t, b.Pause(task.TaskID))
	assert.Equal(t, StatusPaused, b.Get(task.TaskID).Status)
	assert.False(t, b.Pause(task.TaskID)) // already paused
	require.True(t, b.Resume(task.TaskID))
	got := b.Get(task.TaskID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, got.AgentID)

	// cancel → retry resets to pending with retry_count bumped
	require.True(t, b.Cancel(task.TaskID))
	assert.Equal(t, StatusCancelled, b.Get(task.TaskID).Status)
	assert.False(t, b.Cancel(task.TaskID)) // terminal already
	require.True(t, b.Retry(task.TaskID))
	got = b.Get(task.TaskID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Zero(t, got.CompletedAt)
	assert.Empty(t, got.Result)

	assert.False(t, b.Resume(task.TaskID)) // not paused
	assert.False(t, b.Retry(task.TaskID))  // not terminal
}

func TestUnknownIDsAreNoOps(t *testing.T) {
	b := newTestBoard(t)
	b.SubmitForReview("ghost", "x")
	b.Fail("ghost", "r")
	b.Flag("ghost", "t")
	b.UpdatePartial("ghost", "p")
	b.SetCost("ghost", 0.1)
	assert.False(t, b.Cancel("ghost"))
	assert.Nil(t, b.Complete("ghost"))
}

func TestTimeoutRecovery(t *testing.T) {
	b := newTestBoard(t)
	task := mustCreate(t, b, CreateRequest{Description: "x"})
	claimed := b.ClaimNext("jerry", 100, "executor")
	require.NotNil(t, claimed)

	// fresh claim must NOT be recovered
	assert.Empty(t, b.RecoverStaleTasks())

	// fast-forward past the claimed timeout
	base := b.now()
	b.now = func() float64 { return base + DefaultClaimedTimeout.Seconds() + 10 }

	recovered := b.RecoverStaleTasks()
	require.Equal(t, []string{task.TaskID}, recovered)

	got := b.Get(task.TaskID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, got.AgentID)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.EvolutionFlags, "timeout_recovered:claimed")
}

func TestStaleReviewForceCompletes(t *testing.T) {
	b := newTestBoard(t)
	task := mustCreate(t, b, CreateRequest{Description: "x"})
	b.ClaimNext("jerry", 100, "executor")
	b.SubmitForReview(task.TaskID, "kept result")

	base := b.now()
	b.now = func() float64 { return base + DefaultReviewTimeout.Seconds() + 10 }

	recovered := b.RecoverStaleTasks()
	require.Len(t, recovered, 1)

	got := b.Get(task.TaskID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "kept result", got.Result)
	assert.Contains(t, got.EvolutionFlags, "timeout_recovered:review")
}

func TestStaleCritiqueForceCompletes(t *testing.T) {
	b := newTestBoard(t)
	task := mustCreate(t, b, CreateRequest{Description: "x"})
	b.ClaimNext("jerry", 100, "executor")
	b.SubmitForReview(task.TaskID, "draft")
	b.AddCritique(task.TaskID, "alic", false, nil, "redo", 4)

	base := b.now()
	b.now = func() float64 { return base + DefaultClaimedTimeout.Seconds() + 10 }

	recovered := b.RecoverStaleTasks()
	require.Len(t, recovered, 1)
	assert.Equal(t, StatusCompleted, b.Get(task.TaskID).Status)
}

func TestCollectResults(t *testing.T) {
	b := newTestBoard(t)
	root := mustCreate(t, b, CreateRequest{Description: "root", RequiredRole: "planner"})

	sub1 := mustCreate(t, b, CreateRequest{Description: "s1", ParentID: root.TaskID})
	sub2 := mustCreate(t, b, CreateRequest{Description: "s2", ParentID: root.TaskID})

	b.ClaimNext("leo", 100, "planner")
	b.SubmitForReview(root.TaskID, "plan text")
	b.ClaimNext("jerry", 100, "executor")
	b.SubmitForReview(sub1.TaskID, "result one")
	b.ClaimNext("jerry", 100, "executor")
	b.SubmitForReview(sub2.TaskID, "result two")

	out := b.CollectResults(root.TaskID)
	assert.Contains(t, out, "result one")
	assert.Contains(t, out, "result two")
	assert.Contains(t, out, "\n\n---\n\n")
	assert.Contains(t, out, "<!-- agent:jerry task:"+sub1.ShortID()+" -->")
	assert.NotContains(t, out, "plan text") // executor results win
}

func TestCollectResultsFallbacks(t *testing.T) {
	b := newTestBoard(t)
	root := mustCreate(t, b, CreateRequest{Description: "root", RequiredRole: "planner"})

	// no results at all
	assert.Equal(t, "", b.CollectResults(root.TaskID))

	// planner result only → returned plain
	b.ClaimNext("leo", 100, "planner")
	b.SubmitForReview(root.TaskID, "direct answer")
	assert.Equal(t, "direct answer", b.CollectResults(root.TaskID))
}

func TestCollectResultsWithCritiques(t *testing.T) {
	b := newTestBoard(t)
	root := mustCreate(t, b, CreateRequest{Description: "root", RequiredRole: "planner"})
	sub := mustCreate(t, b, CreateRequest{Description: "build the parser for the new format", ParentID: root.TaskID})

	b.ClaimNext("jerry", 100, "executor")
	b.SubmitForReview(sub.TaskID, "parser done")
	b.AddCritique(sub.TaskID, "alic", true, []string{"add fuzz tests"}, "solid", 8.5)

	results, critiques := b.CollectResultsWithCritiques(root.TaskID, nil)
	assert.Contains(t, results, "parser done")
	assert.Contains(t, critiques, "build the parser")
	assert.Contains(t, critiques, "score: 8.5")
	assert.Contains(t, critiques, "add fuzz tests")
}

func TestCollectCritiquesTruncatesHeadingsRuneSafe(t *testing.T) {
	b := newTestBoard(t)
	root := mustCreate(t, b, CreateRequest{Description: "root", RequiredRole: "planner"})
	// byte-based slicing would cut the 60-rune heading mid-character
	sub := mustCreate(t, b, CreateRequest{
		Description: "ab" + strings.Repeat("界", 100),
		ParentID:    root.TaskID,
	})

	b.ClaimNext("jerry", 100, "executor")
	b.SubmitForReview(sub.TaskID, "完成")
	b.AddCritique(sub.TaskID, "alic", true, nil, "不错", 9.0)

	_, critiques := b.CollectResultsWithCritiques(root.TaskID, nil)
	assert.True(t, utf8.ValidString(critiques))
	assert.Contains(t, critiques, "### ab"+strings.Repeat("界", 58))
}

func TestClearRespectsActiveTasks(t *testing.T) {
	b := newTestBoard(t)
	task := mustCreate(t, b, CreateRequest{Description: "x"})

	assert.Equal(t, -1, b.Clear(false))
	assert.NotNil(t, b.Get(task.TaskID))

	b.Complete(task.TaskID)
	assert.Equal(t, 1, b.Clear(false))
	assert.Nil(t, b.Get(task.TaskID))
}

func TestCancelAll(t *testing.T) {
	b := newTestBoard(t)
	t1 := mustCreate(t, b, CreateRequest{Description: "a"})
	t2 := mustCreate(t, b, CreateRequest{Description: "b"})
	b.Complete(t2.TaskID)

	assert.Equal(t, 1, b.CancelAll())
	assert.Equal(t, StatusCancelled, b.Get(t1.TaskID).Status)
	assert.Equal(t, StatusCompleted, b.Get(t2.TaskID).Status)
}

func TestQuiescent(t *testing.T) {
	b := newTestBoard(t)
	assert.True(t, b.Quiescent())

	task := mustCreate(t, b, CreateRequest{Description: "x"})
	assert.False(t, b.Quiescent())

	b.Complete(task.TaskID)
	assert.True(t, b.Quiescent())
}

func TestConcurrentClaimNoDoubleClaim(t *testing.T) {
	b := newTestBoard(t)
	const tasks = 5
	const workers = 20
	for i := 0; i < tasks; i++ {
		mustCreate(t, b, CreateRequest{Description: "t"})
	}

	var mu sync.Mutex
	claims := make(map[string]int)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for {
				claimed := b.ClaimNext("jerry", 100, "executor")
				if claimed == nil {
					return
				}
				mu.Lock()
				claims[claimed.TaskID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claims, tasks)
	for tid, n := range claims {
		assert.Equal(t, 1, n, "task %s claimed %d times", tid, n)
	}
}

func TestParseStatusCoercesUnknown(t *testing.T) {
	assert.Equal(t, StatusPending, ParseStatus("wat"))
	assert.Equal(t, StatusReview, ParseStatus("review"))
}
