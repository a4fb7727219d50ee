package a2a

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cleoai/cleo/board"
	"github.com/cleoai/cleo/bus"
	"github.com/cleoai/cleo/lockfile"
)

// DefaultTaskMapFile persists the a2a-id to board-id mapping across
// restarts.
const DefaultTaskMapFile = ".a2a_task_map.json"

// stateMap translates board lifecycle states into the five A2A states.
// Critique and review rounds are internal detail; remote callers only
// see "working".
var stateMap = map[board.TaskStatus]string{
	board.StatusPending:   StateSubmitted,
	board.StatusBlocked:   StateSubmitted,
	board.StatusClaimed:   StateWorking,
	board.StatusReview:    StateWorking,
	board.StatusCritique:  StateWorking,
	board.StatusPaused:    StateWorking,
	board.StatusCompleted: StateCompleted,
	board.StatusFailed:    StateFailed,
	board.StatusCancelled: StateCanceled,
}

// MapState converts a board status to its A2A state. Unknown states
// report working, the safest non-terminal answer.
func MapState(status board.TaskStatus) string {
	if s, ok := stateMap[status]; ok {
		return s
	}
	return StateWorking
}

type taskMapDoc struct {
	Forward map[string]string `json:"forward"` // a2a id -> board id
	Reverse map[string]string `json:"reverse"` // board id -> a2a id
}

func (d *taskMapDoc) init() {
	if d.Forward == nil {
		d.Forward = make(map[string]string)
	}
	if d.Reverse == nil {
		d.Reverse = make(map[string]string)
	}
}

// Bridge maps inbound A2A messages onto board tasks and board results
// back onto A2A artifacts.
type Bridge struct {
	board        *board.TaskBoard
	taskMap      *lockfile.LockedFile[taskMapDoc]
	workspace    string
	heartbeatDir string
}

// BridgeOption customizes a Bridge.
type BridgeOption func(*Bridge)

// WithTaskMapPath overrides where the id mapping is persisted.
func WithTaskMapPath(path string) BridgeOption {
	return func(b *Bridge) {
		b.taskMap = lockfile.NewLockedFile[taskMapDoc](path, path+".lock")
	}
}

// WithWorkspace sets the directory inbound attachments are saved under.
func WithWorkspace(dir string) BridgeOption {
	return func(b *Bridge) { b.workspace = dir }
}

// WithHeartbeatDir sets where worker liveness files are read from.
func WithHeartbeatDir(dir string) BridgeOption {
	return func(b *Bridge) { b.heartbeatDir = dir }
}

// NewBridge wires the bridge onto a task board.
func NewBridge(tb *board.TaskBoard, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		board:        tb,
		taskMap:      lockfile.NewLockedFile[taskMapDoc](DefaultTaskMapFile, DefaultTaskMapFile+".lock"),
		workspace:    "workspace",
		heartbeatDir: bus.DefaultHeartbeatDir,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BoardIDFor returns the board task id behind an A2A task id.
func (b *Bridge) BoardIDFor(a2aID string) string {
	doc := b.taskMap.Read()
	doc.init()
	return doc.Forward[a2aID]
}

// A2AIDFor returns the A2A task id mapped to a board task id.
func (b *Bridge) A2AIDFor(boardID string) string {
	doc := b.taskMap.Read()
	doc.init()
	return doc.Reverse[boardID]
}

func (b *Bridge) registerMapping(a2aID, boardID string) {
	err := b.taskMap.Modify(func(doc *taskMapDoc) error {
		doc.init()
		doc.Forward[a2aID] = boardID
		doc.Reverse[boardID] = a2aID
		return nil
	})
	if err != nil {
		slog.Warn("task map persist failed", "error", err)
	}
}

// InboundMessage converts a message/send payload into a board task.
// File parts land under workspace/a2a/ and are referenced from the
// task description; the context id rides along as a source marker so
// replies can be threaded later.
func (b *Bridge) InboundMessage(msg Message, contextID string) Task {
	text := msg.Text()

	for _, fp := range msg.Files() {
		if saved := b.saveFilePart(fp); saved != "" {
			text += fmt.Sprintf("\n[附件: %s]", saved)
		}
	}

	if contextID == "" {
		contextID = NewContextID()
	}

	created, err := b.board.Create(board.CreateRequest{
		Description:  fmt.Sprintf("[A2A source: %s] %s", contextID, text),
		RequiredRole: "planner",
	})
	if err != nil {
		slog.Error("inbound task create failed", "error", err)
		task := NewTask()
		task.ContextID = contextID
		task.Status = NewTaskState(StateFailed)
		task.Metadata = map[string]any{"error": err.Error()}
		return task
	}

	a2aID := NewTaskID()
	b.registerMapping(a2aID, created.TaskID)
	slog.Info("inbound delegation accepted",
		"a2a_id", a2aID, "task_id", created.ShortID(), "text_len", len(text))

	return Task{
		ID:        a2aID,
		ContextID: contextID,
		Status:    NewTaskState(StateSubmitted),
		History:   []Message{msg},
		Metadata:  map[string]any{"task_id": created.TaskID},
		Kind:      "task",
	}
}

func (b *Bridge) saveFilePart(part Part) string {
	if part.URI != "" && part.Data == "" {
		return part.URI
	}
	if part.Data == "" {
		return ""
	}

	raw, err := base64.StdEncoding.DecodeString(part.Data)
	if err != nil {
		slog.Warn("attachment decode failed", "name", part.Name, "error", err)
		return ""
	}

	name := filepath.Base(part.Name)
	if name == "" || name == "." || name == "/" {
		name = "attachment_" + hex12()[:8]
	}

	dir := filepath.Join(b.workspace, "a2a")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("attachment dir create failed", "error", err)
		return ""
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		slog.Warn("attachment write failed", "path", path, "error", err)
		return ""
	}
	slog.Debug("attachment saved", "path", path, "bytes", len(raw))
	return path
}

// OutboundResult converts a finished board task's result into
// artifacts.
func (b *Bridge) OutboundResult(boardID string) []Artifact {
	task := b.board.Get(boardID)
	if task == nil || task.Result == "" {
		return nil
	}
	return []Artifact{
		NewArtifact("result", "Task execution result", TextPart(task.Result)),
	}
}

// TaskStatus reports the current A2A view of a task, attaching worker
// heartbeat progress while working and artifacts once completed.
func (b *Bridge) TaskStatus(a2aID string) Task {
	boardID := b.BoardIDFor(a2aID)
	if boardID == "" {
		return notFoundTask(a2aID, "task not found")
	}
	task := b.board.Get(boardID)
	if task == nil {
		return notFoundTask(a2aID, "board task not found")
	}

	state := MapState(task.Status)
	status := NewTaskState(state)
	if state == StateWorking {
		if progress := b.heartbeatProgress(task.AgentID); progress != "" {
			msg := NewMessage("agent", TextPart(progress))
			status.Message = &msg
		}
	}

	out := Task{ID: a2aID, Status: status, Kind: "task"}
	if state == StateCompleted {
		out.Artifacts = b.OutboundResult(boardID)
	}
	return out
}

// CancelTask cancels the underlying board task.
func (b *Bridge) CancelTask(a2aID string) Task {
	boardID := b.BoardIDFor(a2aID)
	if boardID == "" {
		return notFoundTask(a2aID, "task not found")
	}
	if b.board.Cancel(boardID) {
		slog.Info("delegated task cancelled", "a2a_id", a2aID, "task_id", boardID)
	}
	return Task{ID: a2aID, Status: NewTaskState(StateCanceled), Kind: "task"}
}

// WaitForCompletion polls the board until the task is terminal or the
// timeout elapses.
func (b *Bridge) WaitForCompletion(ctx context.Context, a2aID string, timeout, pollInterval time.Duration) Task {
	boardID := b.BoardIDFor(a2aID)
	if boardID == "" {
		return notFoundTask(a2aID, "task not found")
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if task := b.board.Get(boardID); task != nil && task.Status.Terminal() {
			return b.TaskStatus(a2aID)
		}
		select {
		case <-ctx.Done():
			return notFoundTask(a2aID, "wait cancelled")
		case <-time.After(pollInterval):
		}
	}

	slog.Warn("delegated task timed out", "a2a_id", a2aID, "timeout", timeout)
	return notFoundTask(a2aID, fmt.Sprintf("timeout after %s", timeout))
}

func (b *Bridge) heartbeatProgress(agentID string) string {
	if agentID == "" {
		return ""
	}
	raw, err := os.ReadFile(filepath.Join(b.heartbeatDir, agentID+".json"))
	if err != nil {
		return ""
	}
	var rec bus.HeartbeatRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return ""
	}
	switch {
	case rec.Status != "" && rec.Progress != "":
		return rec.Status + ": " + rec.Progress
	case rec.Status != "":
		return rec.Status
	default:
		return rec.Progress
	}
}

func notFoundTask(a2aID, reason string) Task {
	return Task{
		ID:       a2aID,
		Status:   NewTaskState(StateFailed),
		Metadata: map[string]any{"error": reason},
		Kind:     "task",
	}
}
