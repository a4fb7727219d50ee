package a2a

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cleoai/cleo/board"
)

func newTestBridge(t *testing.T) (*Bridge, *board.TaskBoard) {
	t.Helper()
	dir := t.TempDir()
	tb := board.New(filepath.Join(dir, "board.json"), filepath.Join(dir, "board.lock"))
	b := NewBridge(tb,
		WithTaskMapPath(filepath.Join(dir, "task_map.json")),
		WithWorkspace(filepath.Join(dir, "workspace")),
		WithHeartbeatDir(filepath.Join(dir, "heartbeats")),
	)
	return b, tb
}

func TestMapState(t *testing.T) {
	assert.Equal(t, StateSubmitted, MapState(board.StatusPending))
	assert.Equal(t, StateSubmitted, MapState(board.StatusBlocked))
	assert.Equal(t, StateWorking, MapState(board.StatusClaimed))
	assert.Equal(t, StateWorking, MapState(board.StatusReview))
	assert.Equal(t, StateWorking, MapState(board.StatusCritique))
	assert.Equal(t, StateWorking, MapState(board.StatusPaused))
	assert.Equal(t, StateCompleted, MapState(board.StatusCompleted))
	assert.Equal(t, StateFailed, MapState(board.StatusFailed))
	assert.Equal(t, StateCanceled, MapState(board.StatusCancelled))
	assert.Equal(t, StateWorking, MapState(board.TaskStatus("weird")))
}

func TestInboundMessageCreatesPlannerTask(t *testing.T) {
	b, tb := newTestBridge(t)

	msg := NewMessage("user", TextPart("research the market"))
	task := b.InboundMessage(msg, "")

	assert.Regexp(t, `^a2a-[0-9a-f]{12}$`, task.ID)
	assert.Regexp(t, `^ctx-[0-9a-f]{12}$`, task.ContextID)
	assert.Equal(t, StateSubmitted, task.Status.State)
	require.Len(t, task.History, 1)

	boardID := b.BoardIDFor(task.ID)
	require.NotEmpty(t, boardID)
	assert.Equal(t, task.ID, b.A2AIDFor(boardID))

	created := tb.Get(boardID)
	require.NotNil(t, created)
	assert.Equal(t, "planner", created.RequiredRole)
	assert.Contains(t, created.Description, "[A2A source: "+task.ContextID+"]")
	assert.Contains(t, created.Description, "research the market")
}

func TestInboundMessageSavesAttachments(t *testing.T) {
	b, tb := newTestBridge(t)

	payload := base64.StdEncoding.EncodeToString([]byte("col1,col2\n1,2\n"))
	msg := NewMessage("user",
		TextPart("analyze this"),
		FilePart("../data.csv", "text/csv", payload),
	)
	task := b.InboundMessage(msg, "ctx-provided0001")

	assert.Equal(t, "ctx-provided0001", task.ContextID)

	created := tb.Get(b.BoardIDFor(task.ID))
	require.NotNil(t, created)
	assert.Contains(t, created.Description, "[附件: ")

	// traversal components are stripped before writing
	saved := filepath.Join(b.workspace, "a2a", "data.csv")
	raw, err := os.ReadFile(saved)
	require.NoError(t, err)
	assert.Equal(t, "col1,col2\n1,2\n", string(raw))
}

func TestTaskMapPersistsAcrossBridges(t *testing.T) {
	dir := t.TempDir()
	tb := board.New(filepath.Join(dir, "board.json"), filepath.Join(dir, "board.lock"))
	mapPath := filepath.Join(dir, "task_map.json")

	b1 := NewBridge(tb, WithTaskMapPath(mapPath), WithWorkspace(dir))
	task := b1.InboundMessage(NewMessage("user", TextPart("hello")), "")

	b2 := NewBridge(tb, WithTaskMapPath(mapPath), WithWorkspace(dir))
	assert.Equal(t, b1.BoardIDFor(task.ID), b2.BoardIDFor(task.ID))
}

func TestTaskStatusLifecycle(t *testing.T) {
	b, tb := newTestBridge(t)

	a2aTask := b.InboundMessage(NewMessage("user", TextPart("do it")), "")
	boardID := b.BoardIDFor(a2aTask.ID)

	status := b.TaskStatus(a2aTask.ID)
	assert.Equal(t, StateSubmitted, status.Status.State)
	assert.Empty(t, status.Artifacts)

	claimed := tb.ClaimNext("jerry", 0, "planner")
	require.NotNil(t, claimed)
	status = b.TaskStatus(a2aTask.ID)
	assert.Equal(t, StateWorking, status.Status.State)

	tb.SubmitForReview(boardID, "the findings")
	tb.Complete(boardID)
	status = b.TaskStatus(a2aTask.ID)
	assert.Equal(t, StateCompleted, status.Status.State)
	require.Len(t, status.Artifacts, 1)
	assert.Equal(t, "result", status.Artifacts[0].Name)
	assert.Equal(t, "the findings", status.Artifacts[0].Parts[0].Text)
}

func TestTaskStatusUnknownID(t *testing.T) {
	b, _ := newTestBridge(t)
	status := b.TaskStatus("a2a-000000000000")
	assert.Equal(t, StateFailed, status.Status.State)
	assert.Equal(t, "task not found", status.Metadata["error"])
}

func TestCancelTask(t *testing.T) {
	b, tb := newTestBridge(t)

	a2aTask := b.InboundMessage(NewMessage("user", TextPart("stop me")), "")
	result := b.CancelTask(a2aTask.ID)
	assert.Equal(t, StateCanceled, result.Status.State)

	underlying := tb.Get(b.BoardIDFor(a2aTask.ID))
	require.NotNil(t, underlying)
	assert.Equal(t, board.StatusCancelled, underlying.Status)
}

func TestHeartbeatProgressInStatus(t *testing.T) {
	b, tb := newTestBridge(t)

	a2aTask := b.InboundMessage(NewMessage("user", TextPart("long job")), "")
	claimed := tb.ClaimNext("jerry", 0, "planner")
	require.NotNil(t, claimed)

	require.NoError(t, os.MkdirAll(b.heartbeatDir, 0o755))
	hb := `{"agent_id":"jerry","status":"working","progress":"step 2 of 5","last_beat":1}`
	require.NoError(t, os.WriteFile(filepath.Join(b.heartbeatDir, "jerry.json"), []byte(hb), 0o644))

	status := b.TaskStatus(a2aTask.ID)
	assert.Equal(t, StateWorking, status.Status.State)
	require.NotNil(t, status.Status.Message)
	assert.Equal(t, "working: step 2 of 5", status.Status.Message.Text())
}
