package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cleoai/cleo/board"
	"github.com/cleoai/cleo/bus"
	"github.com/cleoai/cleo/config"
	"github.com/cleoai/cleo/worker"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *board.TaskBoard, *bus.Mailboxes) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.SetDefaults()
	b := board.New(filepath.Join(dir, "board.json"), filepath.Join(dir, "board.lock"))
	cb := bus.New(filepath.Join(dir, "bus.json"), filepath.Join(dir, "bus.lock"))
	mail := bus.NewMailboxes(filepath.Join(dir, "mailboxes"))
	o, err := New(Deps{
		Config:     cfg,
		ConfigPath: filepath.Join(dir, "agents.yaml"),
		Board:      b,
		Bus:        cb,
		Mail:       mail,
		Workspace:  filepath.Join(dir, "workspace"),
	}, WithPollInterval(time.Millisecond), WithMaxIdleCycles(2))
	require.NoError(t, err)
	return o, b, mail
}

func TestSubmitCreatesRootAndAnchor(t *testing.T) {
	o, b, _ := newTestOrchestrator(t)

	rootID, err := o.Submit("compare cloud storage pricing")
	require.NoError(t, err)

	root := b.Get(rootID)
	require.NotNil(t, root)
	assert.Equal(t, board.StatusPending, root.Status)
	assert.Equal(t, "planner", root.RequiredRole)

	anchor := o.bus.Get("system", "intent:"+rootID)
	assert.Contains(t, anchor, "compare cloud storage pricing")
}

// decomposedRoot simulates a planner that split the root into two
// executor subtasks, both finished with one critique on record.
func decomposedRoot(t *testing.T, b *board.TaskBoard) (rootID string, subIDs []string) {
	t.Helper()
	root, err := b.Create(board.CreateRequest{
		Description:  "write a market report",
		RequiredRole: "planner",
	})
	require.NoError(t, err)
	require.NotNil(t, b.ClaimNext("leo", 100, "planner"))
	b.SubmitForReview(root.TaskID, "the plan")

	for i, desc := range []string{"research prices", "draft the report"} {
		st, err := b.Create(board.CreateRequest{
			Description:  desc,
			RequiredRole: "implement",
			ParentID:     root.TaskID,
		})
		require.NoError(t, err)
		require.NotNil(t, b.ClaimNext("jerry", 100, "executor"))
		b.SubmitForReview(st.TaskID, "result of "+desc)
		if i == 0 {
			b.AddCritique(st.TaskID, "alic", true, []string{"cite sources"}, "5D Score: 8.4 [LGTM]", 8.4)
		} else {
			require.NotNil(t, b.Complete(st.TaskID))
		}
		subIDs = append(subIDs, st.TaskID)
	}
	return root.TaskID, subIDs
}

func TestCloseoutSubmittedOnce(t *testing.T) {
	o, b, _ := newTestOrchestrator(t)
	rootID, _ := decomposedRoot(t, b)

	o.checkCloseouts()

	subtasks := b.Subtasks(rootID)
	require.Len(t, subtasks, 3)
	var closeout *board.Task
	for _, st := range subtasks {
		if hasFlag(st, closeoutFlag) {
			closeout = st
		}
	}
	require.NotNil(t, closeout)
	assert.Equal(t, board.StatusPending, closeout.Status)
	assert.Equal(t, "planner", closeout.RequiredRole)
	assert.Contains(t, closeout.Description, "synthesizing the FINAL answer")
	assert.Contains(t, closeout.Description, "result of research prices")
	assert.Contains(t, closeout.Description, "cite sources")
	assert.Contains(t, closeout.Description, "write a market report")

	// the root stays parked in review until the synthesis lands
	assert.Equal(t, board.StatusReview, b.Get(rootID).Status)

	// a second sweep must not create another synthesis task
	o.checkCloseouts()
	assert.Len(t, b.Subtasks(rootID), 3)
}

func TestCloseoutNotSubmittedWhileSubtasksActive(t *testing.T) {
	o, b, _ := newTestOrchestrator(t)
	root, err := b.Create(board.CreateRequest{Description: "r", RequiredRole: "planner"})
	require.NoError(t, err)
	require.NotNil(t, b.ClaimNext("leo", 100, "planner"))
	b.SubmitForReview(root.TaskID, "plan")
	_, err = b.Create(board.CreateRequest{
		Description: "pending work", RequiredRole: "implement", ParentID: root.TaskID,
	})
	require.NoError(t, err)

	o.checkCloseouts()
	assert.Len(t, b.Subtasks(root.TaskID), 1)
}

func TestCloseoutResultAdoptedOntoRoot(t *testing.T) {
	o, b, _ := newTestOrchestrator(t)
	rootID, _ := decomposedRoot(t, b)
	o.checkCloseouts()

	// the planner claims and completes the synthesis task
	closeout := b.ClaimNext("leo", 100, "planner")
	require.NotNil(t, closeout)
	b.SubmitForReview(closeout.TaskID, "Here is the polished final report.")
	require.NotNil(t, b.Complete(closeout.TaskID))

	o.checkCloseouts()

	root := b.Get(rootID)
	assert.Equal(t, board.StatusCompleted, root.Status)
	assert.Equal(t, "Here is the polished final report.", root.Result)
	assert.Empty(t, o.closeouts)
}

func TestCloseoutFailureDegradesToRawResults(t *testing.T) {
	o, b, _ := newTestOrchestrator(t)
	rootID, _ := decomposedRoot(t, b)
	o.checkCloseouts()

	closeout := b.ClaimNext("leo", 100, "planner")
	require.NotNil(t, closeout)
	b.Fail(closeout.TaskID, "timeout")

	o.checkCloseouts()

	root := b.Get(rootID)
	assert.Equal(t, board.StatusCompleted, root.Status)
	assert.Contains(t, root.Result, "result of research prices")
	assert.Contains(t, root.Result, "result of draft the report")
}

func TestWaitReturnsWhenQuiescent(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	assert.NoError(t, o.Wait(context.Background()))
}

func TestWaitHonorsCancellation(t *testing.T) {
	o, b, _ := newTestOrchestrator(t)
	_, err := b.Create(board.CreateRequest{Description: "keeps the board busy"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, o.Wait(ctx), context.Canceled)
}

func TestShutdownMailsAllAgents(t *testing.T) {
	o, _, mail := newTestOrchestrator(t)
	o.Shutdown()
	o.Shutdown() // idempotent

	for _, id := range []string{"leo", "jerry", "alic"} {
		inbox := mail.ReadNew(id)
		require.Len(t, inbox, 1, id)
		assert.Equal(t, worker.MsgShutdown, inbox[0].Type)
		assert.Equal(t, "orchestrator", inbox[0].From)
	}
}

func TestLaunchAllSupervisesWorkers(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	WithWorkerCommand("true")(o)

	o.LaunchAll(context.Background())
	assert.NoError(t, o.WaitWorkers())
}
