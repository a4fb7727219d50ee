package wsgateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cleoai/cleo/board"
	"github.com/cleoai/cleo/config"
)

const testToken = "ws-test-token"

type wsFixture struct {
	gateway *Gateway
	server  *httptest.Server
	board   *board.TaskBoard
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.SetDefaults()
	b := board.New(filepath.Join(dir, "board.json"), filepath.Join(dir, "board.lock"))

	g, err := New(Deps{
		Config:       cfg,
		Board:        b,
		Token:        testToken,
		HeartbeatDir: filepath.Join(dir, ".heartbeats"),
	}, WithPeriod(10*time.Millisecond))
	require.NoError(t, err)

	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)
	return &wsFixture{gateway: g, server: srv, board: b}
}

func (f *wsFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/?token=" + testToken
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestRejectsBadToken(t *testing.T) {
	f := newWSFixture(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/?token=wrong"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	if conn != nil {
		conn.Close()
	}
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestInitialSnapshotOnConnect(t *testing.T) {
	f := newWSFixture(t)
	task, err := f.board.Create(board.CreateRequest{Description: "draft the summary"})
	require.NoError(t, err)

	conn := f.dial(t)
	msg := readFrame(t, conn)
	assert.Equal(t, EventState, msg.Event)

	var snap stateSnapshot
	require.NoError(t, json.Unmarshal(msg.Data, &snap))
	entry, ok := snap.Tasks[task.TaskID]
	require.True(t, ok)
	assert.Equal(t, "pending", entry.S)
	assert.Equal(t, "draft the summary", entry.D)

	// the full roster appears even before any heartbeat file exists
	assert.Len(t, snap.Agents, 3)
	assert.False(t, snap.Agents["leo"].Online)
}

func TestPingPong(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t)
	readFrame(t, conn) // initial state

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "ping"}))
	msg := readFrame(t, conn)
	assert.Equal(t, EventPong, msg.Event)

	var data map[string]float64
	require.NoError(t, json.Unmarshal(msg.Data, &data))
	assert.Greater(t, data["ts"], 0.0)
}

func TestSubmitTaskCreatesPlannerRoot(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"action": "submit_task",
		"data":   map[string]string{"description": "compare the vendors"},
	}))
	msg := readFrame(t, conn)
	assert.Equal(t, EventTaskSubmitted, msg.Event)

	var data struct {
		OK     bool   `json:"ok"`
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(msg.Data, &data))
	assert.True(t, data.OK)

	task := f.board.Get(data.TaskID)
	require.NotNil(t, task)
	assert.Equal(t, "compare the vendors", task.Description)
	assert.Equal(t, "planner", task.RequiredRole)
}

func TestSubmitTaskRequiresDescription(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "submit_task"}))
	msg := readFrame(t, conn)
	assert.Equal(t, EventError, msg.Event)
	assert.Contains(t, string(msg.Data), "description")
}

func TestSubscribeEchoesChannels(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"action": "subscribe",
		"data":   map[string]any{"channels": []string{"tasks"}},
	}))
	msg := readFrame(t, conn)
	assert.Equal(t, EventSubscribed, msg.Event)
	assert.Contains(t, string(msg.Data), "tasks")
}

func TestUnknownActionReturnsError(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "teleport"}))
	msg := readFrame(t, conn)
	assert.Equal(t, EventError, msg.Event)
	assert.Contains(t, string(msg.Data), "teleport")
}

func TestBroadcastLoopPushesChanges(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t)
	readFrame(t, conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.gateway.BroadcastLoop(ctx)

	task, err := f.board.Create(board.CreateRequest{Description: "fresh work"})
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg := readFrame(t, conn)
		if msg.Event != EventState {
			continue
		}
		var snap stateSnapshot
		require.NoError(t, json.Unmarshal(msg.Data, &snap))
		if _, ok := snap.Tasks[task.TaskID]; ok {
			return
		}
	}
	t.Fatal("state broadcast never included the new task")
}

func TestDeadClientsArePruned(t *testing.T) {
	f := newWSFixture(t)
	first := f.dial(t)
	readFrame(t, first)
	second := f.dial(t)
	readFrame(t, second)
	assert.Equal(t, 2, f.gateway.ClientCount())

	require.NoError(t, second.Close())
	require.Eventually(t, func() bool {
		return f.gateway.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// broadcast still reaches the surviving client
	f.gateway.Broadcast(EventAlert, map[string]string{"message": "budget warning"})
	msg := readFrame(t, first)
	assert.Equal(t, EventAlert, msg.Event)
}
