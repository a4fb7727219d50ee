// Package wsgateway pushes live runtime state over WebSocket. It
// supplements the HTTP gateway's SSE stream with a bidirectional
// channel: clients receive rate-limited state snapshots and can submit
// tasks or ping without a fresh HTTP round trip per event.
//
// The server listens on its own port (HTTP gateway port + 1 by default)
// and authenticates with the same bearer token, passed as ?token= on
// the upgrade request.
package wsgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cleoai/cleo/board"
	"github.com/cleoai/cleo/config"
)

// Server → client event types.
const (
	EventState         = "state"
	EventPong          = "pong"
	EventError         = "error"
	EventTaskSubmitted = "task_submitted"
	EventSubscribed    = "subscribed"
	EventAlert         = "alert"
)

// envelope is every server → client frame.
type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// command is every client → server frame.
type command struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// client wraps one connection with a write lock; gorilla connections
// allow only one concurrent writer.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

// Deps carries the WebSocket gateway's collaborators.
type Deps struct {
	Config       *config.Config
	Board        *board.TaskBoard
	Token        string
	Port         int
	HeartbeatDir string
}

// Gateway is the WebSocket push server.
type Gateway struct {
	cfg          *config.Config
	board        *board.TaskBoard
	token        string
	port         int
	heartbeatDir string

	period time.Duration

	mu       sync.Mutex
	clients  map[*client]struct{}
	lastHash uint64

	upgrader websocket.Upgrader
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithPeriod overrides the broadcast tick (default 1s).
func WithPeriod(d time.Duration) Option {
	return func(g *Gateway) { g.period = d }
}

// New builds the WebSocket gateway. Port defaults to the HTTP gateway
// port + 1.
func New(deps Deps, opts ...Option) (*Gateway, error) {
	if deps.Board == nil {
		return nil, fmt.Errorf("wsgateway requires a task board")
	}
	g := &Gateway{
		cfg:          deps.Config,
		board:        deps.Board,
		token:        deps.Token,
		port:         deps.Port,
		heartbeatDir: deps.HeartbeatDir,
		period:       time.Second,
		clients:      make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if g.port == 0 {
		g.port = config.GatewayPort() + 1
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// ClientCount returns the number of connected clients.
func (g *Gateway) ClientCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

// Handler upgrades connections and serves them until they close.
func (g *Gateway) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.token != "" && r.URL.Query().Get("token") != g.token {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			slog.Warn("ws connection rejected: invalid token", "remote", r.RemoteAddr)
			return
		}
		conn, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.serveConn(conn)
	})
}

// ListenAndServe runs the WebSocket server and the broadcast loop until
// ctx is cancelled.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", g.port),
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go g.BroadcastLoop(ctx)
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		g.closeAll()
	}()
	slog.Info("websocket gateway listening", "port", g.port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (g *Gateway) serveConn(conn *websocket.Conn) {
	c := &client{conn: conn}
	g.mu.Lock()
	g.clients[c] = struct{}{}
	total := len(g.clients)
	g.mu.Unlock()
	slog.Info("ws client connected", "remote", conn.RemoteAddr().String(), "total", total)

	defer func() {
		g.mu.Lock()
		delete(g.clients, c)
		remaining := len(g.clients)
		g.mu.Unlock()
		_ = conn.Close()
		slog.Info("ws client disconnected", "remote", conn.RemoteAddr().String(), "remaining", remaining)
	}()

	// initial snapshot so clients render immediately
	if err := c.send(envelope{Event: EventState, Data: g.snapshot()}); err != nil {
		return
	}

	for {
		var cmd command
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("ws client error", "error", err)
			}
			return
		}
		g.handleCommand(c, cmd)
	}
}

func (g *Gateway) handleCommand(c *client, cmd command) {
	switch cmd.Action {
	case "ping":
		_ = c.send(envelope{Event: EventPong, Data: map[string]any{
			"ts": float64(time.Now().UnixNano()) / float64(time.Second),
		}})

	case "submit_task":
		var data struct {
			Description string `json:"description"`
		}
		_ = json.Unmarshal(cmd.Data, &data)
		if data.Description == "" {
			_ = c.send(envelope{Event: EventError, Data: "Missing task description"})
			return
		}
		task, err := g.board.Create(board.CreateRequest{
			Description:  data.Description,
			RequiredRole: "planner",
		})
		if err != nil {
			_ = c.send(envelope{Event: EventTaskSubmitted, Data: map[string]any{
				"ok": false, "error": err.Error(),
			}})
			return
		}
		_ = c.send(envelope{Event: EventTaskSubmitted, Data: map[string]any{
			"ok": true, "task_id": task.TaskID,
		}})

	case "subscribe":
		var data struct {
			Channels []string `json:"channels"`
		}
		_ = json.Unmarshal(cmd.Data, &data)
		if len(data.Channels) == 0 {
			data.Channels = []string{"*"}
		}
		_ = c.send(envelope{Event: EventSubscribed, Data: map[string]any{
			"channels": data.Channels,
		}})

	default:
		_ = c.send(envelope{Event: EventError, Data: "Unknown action: " + cmd.Action})
	}
}

// BroadcastLoop pushes a state snapshot to every client when the state
// changes, at most once per period.
func (g *Gateway) BroadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(g.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if g.ClientCount() == 0 {
				continue
			}
			snap, hash := g.snapshotHashed()
			g.mu.Lock()
			changed := hash != g.lastHash
			if changed {
				g.lastHash = hash
			}
			g.mu.Unlock()
			if changed {
				g.Broadcast(EventState, snap)
			}
		}
	}
}

// Broadcast sends one event to every connected client, pruning dead
// connections on write failure. Use for targeted events (alerts, task
// completion) outside the periodic state cycle.
func (g *Gateway) Broadcast(event string, data any) {
	g.mu.Lock()
	targets := make([]*client, 0, len(g.clients))
	for c := range g.clients {
		targets = append(targets, c)
	}
	g.mu.Unlock()

	msg := envelope{Event: event, Data: data}
	var dead []*client
	for _, c := range targets {
		if err := c.send(msg); err != nil {
			dead = append(dead, c)
		}
	}
	if len(dead) > 0 {
		g.mu.Lock()
		for _, c := range dead {
			delete(g.clients, c)
			_ = c.conn.Close()
		}
		g.mu.Unlock()
	}
}

func (g *Gateway) closeAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for c := range g.clients {
		_ = c.conn.Close()
		delete(g.clients, c)
	}
}
