// Package gateway exposes the runtime over HTTP: task submission and
// lifecycle, live observability via SSE, budget and skills management,
// and the inbound A2A surface. A single bearer token guards everything
// except the dashboard, health probe, agent card, and metrics.
package gateway

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cleoai/cleo/a2a"
	"github.com/cleoai/cleo/board"
	"github.com/cleoai/cleo/bus"
	"github.com/cleoai/cleo/config"
	"github.com/cleoai/cleo/skills"
	"github.com/cleoai/cleo/usage"
)

const (
	// TokenEnvVar overrides the generated gateway token.
	TokenEnvVar = "CLEO_GATEWAY_TOKEN"

	// maxBodyBytes caps every request body.
	maxBodyBytes = 10 << 20

	// DefaultLogDir is where worker stdout/stderr logs land.
	DefaultLogDir = ".logs"

	// DefaultArchiveDir receives the previous board before a new round
	// clears it.
	DefaultArchiveDir = "memory/board_archive"

	// DefaultEnvFile receives credentials written through the agent
	// update endpoint. Config files only ever hold the env var name.
	DefaultEnvFile = ".env"
)

// Runner drives a submitted round in the background. Satisfied by
// *orchestrator.Orchestrator.
type Runner interface {
	Submit(description string) (string, error)
	Execute(ctx context.Context) error
}

// Deps carries the gateway's collaborators. Config and Board are
// required; everything else degrades to a 503 on its endpoints.
type Deps struct {
	Config     *config.Config
	ConfigPath string
	Board      *board.TaskBoard
	Bus        *bus.ContextBus
	Tracker    *usage.Tracker
	Skills     *skills.Store
	Runner     Runner
	A2A        *a2a.Server

	Workspace    string
	HeartbeatDir string
	LogDir       string
	ArchiveDir   string
	EnvFile      string
	BudgetPath   string
	AlertPath    string
}

// Gateway owns the HTTP surface state: the auth token, start time, and
// references to every subsystem it exposes.
type Gateway struct {
	cfg        *config.Config
	configPath string
	board      *board.TaskBoard
	bus        *bus.ContextBus
	tracker    *usage.Tracker
	skills     *skills.Store
	runner     Runner
	a2a        *a2a.Server

	workspace    string
	heartbeatDir string
	logDir       string
	archiveDir   string
	envFile      string
	budgetPath   string
	alertPath    string

	token     string
	port      int
	startTime time.Time
	ssePeriod time.Duration

	metrics *metrics
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithPort overrides the advertised port.
func WithPort(port int) Option {
	return func(g *Gateway) { g.port = port }
}

// WithToken overrides the bearer token. Used by tests; production
// deployments set CLEO_GATEWAY_TOKEN instead.
func WithToken(token string) Option {
	return func(g *Gateway) { g.token = token }
}

// WithSSEPeriod overrides the event stream tick.
func WithSSEPeriod(d time.Duration) Option {
	return func(g *Gateway) { g.ssePeriod = d }
}

// New builds the gateway. The token comes from CLEO_GATEWAY_TOKEN when
// set, otherwise a fresh one is generated and logged once at startup.
func New(deps Deps, opts ...Option) (*Gateway, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("gateway requires a config")
	}
	if deps.Board == nil {
		return nil, fmt.Errorf("gateway requires a task board")
	}
	g := &Gateway{
		cfg:          deps.Config,
		configPath:   deps.ConfigPath,
		board:        deps.Board,
		bus:          deps.Bus,
		tracker:      deps.Tracker,
		skills:       deps.Skills,
		runner:       deps.Runner,
		a2a:          deps.A2A,
		workspace:    deps.Workspace,
		heartbeatDir: deps.HeartbeatDir,
		logDir:       deps.LogDir,
		archiveDir:   deps.ArchiveDir,
		envFile:      deps.EnvFile,
		budgetPath:   deps.BudgetPath,
		alertPath:    deps.AlertPath,
		port:         config.GatewayPort(),
		startTime:    time.Now(),
		ssePeriod:    1500 * time.Millisecond,
		metrics:      newMetrics(deps.Board),
	}
	if g.configPath == "" {
		g.configPath = config.DefaultConfigPath
	}
	if g.workspace == "" {
		g.workspace = config.Workspace()
	}
	if g.logDir == "" {
		g.logDir = DefaultLogDir
	}
	if g.archiveDir == "" {
		g.archiveDir = DefaultArchiveDir
	}
	if g.envFile == "" {
		g.envFile = DefaultEnvFile
	}
	if g.budgetPath == "" {
		g.budgetPath = config.DefaultBudgetPath
	}
	if g.alertPath == "" {
		g.alertPath = usage.DefaultAlertFile
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.token == "" {
		g.token = os.Getenv(TokenEnvVar)
	}
	if g.token == "" {
		g.token = generateToken()
		slog.Info("generated gateway token", "token", g.token)
	}
	return g, nil
}

// Token returns the active bearer token.
func (g *Gateway) Token() string { return g.token }

func generateToken() string {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return "cleo-" + base64.RawURLEncoding.EncodeToString(raw)
}

// Router assembles the full route tree.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(g.corsMiddleware)
	r.Use(g.traceMiddleware)
	r.Use(g.metricsMiddleware)

	// public surface
	r.Get("/", g.handleDashboard)
	r.Get("/health", g.handleHealth)
	r.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(g.metrics.registry, promhttp.HandlerOpts{}))
	if g.a2a != nil {
		r.Get("/.well-known/agent.json", g.a2a.HandleAgentCard)
	}

	// everything else requires the bearer token
	r.Route("/v1", func(r chi.Router) {
		r.Use(g.authMiddleware)
		r.Use(bodyLimitMiddleware)

		r.Post("/task", g.handleSubmitTask)
		r.Get("/task/{id}", g.handleGetTask)
		r.Post("/task/{id}/cancel", g.taskLifecycle("cancel"))
		r.Post("/task/{id}/pause", g.taskLifecycle("pause"))
		r.Post("/task/{id}/resume", g.taskLifecycle("resume"))
		r.Post("/task/{id}/retry", g.taskLifecycle("retry"))
		r.Post("/tasks/cancel_all", g.handleCancelAll)
		r.Get("/status", g.handleStatus)

		r.Get("/scores", g.handleScores)
		r.Get("/agents", g.handleAgents)
		r.Put("/agents/{id}", g.handleUpdateAgent)
		r.Get("/usage", g.handleUsage)
		r.Get("/usage/recent", g.handleUsageRecent)
		r.Get("/config", g.handleConfig)
		r.Get("/doctor", g.handleDoctor)
		r.Get("/heartbeat", g.handleHeartbeat)
		r.Get("/memory", g.handleMemory)
		r.Get("/logs/{agent}", g.handleLogs)
		r.Get("/events", g.handleEvents)

		r.Get("/budget", g.handleGetBudget)
		r.Post("/budget", g.handleSetBudget)
		r.Get("/alerts", g.handleAlerts)

		r.Get("/skills", g.handleListSkills)
		r.Get("/skills/team", g.handleGetTeamSkill)
		r.Put("/skills/team", g.handlePutTeamSkill)
		r.Post("/skills/team/regenerate", g.handleRegenTeamSkill)
		r.Get("/skills/agents/{agent}/{name}", g.handleGetAgentSkill)
		r.Put("/skills/agents/{agent}/{name}", g.handlePutAgentSkill)
		r.Delete("/skills/agents/{agent}/{name}", g.handleDeleteAgentSkill)
		r.Get("/skills/{name}", g.handleGetSkill)
		r.Put("/skills/{name}", g.handlePutSkill)
		r.Delete("/skills/{name}", g.handleDeleteSkill)
	})

	if g.a2a != nil {
		r.With(g.authMiddleware, bodyLimitMiddleware).Post("/a2a", g.a2a.HandleRPC)
		r.With(g.authMiddleware).Get("/a2a/tasks/{id}/stream", g.handleA2AStream)
	}
	return r
}

// handleA2AStream relays one delegated task's SSE stream: status on
// every state change, artifacts on completion, then done.
func (g *Gateway) handleA2AStream(w http.ResponseWriter, r *http.Request) {
	if !g.a2a.Enabled() {
		writeError(w, http.StatusNotFound, "A2A server is disabled")
		return
	}
	g.a2a.StreamTask(w, r, chi.URLParam(r, "id"), time.Second, 5*time.Minute)
}

// ListenAndServe runs the gateway until ctx is cancelled.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", g.port),
		Handler:           g.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	slog.Info("gateway listening", "port", g.port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ============================================================================
// MIDDLEWARE
// ============================================================================

func (g *Gateway) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware accepts the token as a Bearer header or, for EventSource
// clients that cannot set headers, as a ?token= query parameter.
func (g *Gateway) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		supplied := ""
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			supplied = strings.TrimPrefix(h, "Bearer ")
		} else {
			supplied = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(supplied), []byte(g.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// ============================================================================
// PUBLIC HANDLERS
// ============================================================================

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"agents":         len(g.cfg.Agents),
		"uptime_seconds": time.Since(g.startTime).Seconds(),
		"port":           g.port,
	})
}

func (g *Gateway) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(dashboardHTML))
}

// ============================================================================
// RESPONSE HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
