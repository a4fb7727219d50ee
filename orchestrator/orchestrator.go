// Package orchestrator runs a task end to end: it anchors the user
// intent, creates the root planner task, launches one worker process per
// roster agent, and polls the board until the pipeline settles. The
// orchestrator is the only process that creates close-out synthesis
// tasks, so the all-subtasks-done check needs no cross-process claim.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cleoai/cleo/board"
	"github.com/cleoai/cleo/bus"
	"github.com/cleoai/cleo/config"
	"github.com/cleoai/cleo/protocol"
	"github.com/cleoai/cleo/skills"
	"github.com/cleoai/cleo/worker"
)

const (
	// DefaultPollInterval is the wait-loop tick.
	DefaultPollInterval = 500 * time.Millisecond

	// DefaultMaxIdleCycles bounds how many fully quiescent ticks the
	// wait loop tolerates before declaring the run finished.
	DefaultMaxIdleCycles = 30

	// DefaultWorkspace is the shared scratch directory for file tools.
	DefaultWorkspace = "workspace"

	recoveryInterval = 30 * time.Second
)

// Deps carries the orchestrator's collaborators. Config and Board are
// required; Bus, Mail, and Skills degrade gracefully when absent.
type Deps struct {
	Config     *config.Config
	ConfigPath string
	Board      *board.TaskBoard
	Bus        *bus.ContextBus
	Mail       *bus.Mailboxes
	Skills     *skills.Store
	Workspace  string
}

// Orchestrator owns one run: submit, launch, wait, collect.
type Orchestrator struct {
	cfg        *config.Config
	configPath string
	board      *board.TaskBoard
	bus        *bus.ContextBus
	mail       *bus.Mailboxes
	skills     *skills.Store
	workspace  string

	workerPath string
	workerArgs []string
	group      *errgroup.Group
	shutdown   bool

	poll      time.Duration
	maxIdle   int
	closeouts map[string]string // root task id -> close-out task id

	sleep func(context.Context, time.Duration) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPollInterval overrides the wait-loop tick.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.poll = d }
}

// WithMaxIdleCycles overrides the quiescence bound.
func WithMaxIdleCycles(n int) Option {
	return func(o *Orchestrator) { o.maxIdle = n }
}

// WithWorkerCommand overrides the worker binary and its leading
// arguments. The default is the current executable with a "worker"
// subcommand.
func WithWorkerCommand(path string, args ...string) Option {
	return func(o *Orchestrator) {
		o.workerPath = path
		o.workerArgs = args
	}
}

// New creates an orchestrator over an existing board and bus.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("orchestrator requires a config")
	}
	if deps.Board == nil {
		return nil, fmt.Errorf("orchestrator requires a task board")
	}
	o := &Orchestrator{
		cfg:        deps.Config,
		configPath: deps.ConfigPath,
		board:      deps.Board,
		bus:        deps.Bus,
		mail:       deps.Mail,
		skills:     deps.Skills,
		workspace:  deps.Workspace,
		poll:       DefaultPollInterval,
		maxIdle:    DefaultMaxIdleCycles,
		closeouts:  make(map[string]string),
		sleep:      sleepCtx,
	}
	if o.configPath == "" {
		o.configPath = config.DefaultConfigPath
	}
	if o.workspace == "" {
		o.workspace = DefaultWorkspace
	}
	if o.workerPath == "" {
		self, err := os.Executable()
		if err != nil {
			self = "cleo"
		}
		o.workerPath = self
		o.workerArgs = []string{"worker"}
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Submit anchors the user intent on the bus and creates the root planner
// task. Returns the root task id.
func (o *Orchestrator) Submit(description string) (string, error) {
	task, err := o.board.Create(board.CreateRequest{
		Description:  description,
		RequiredRole: "planner",
	})
	if err != nil {
		return "", fmt.Errorf("submit failed: %w", err)
	}
	if o.bus != nil {
		anchor := protocol.IntentAnchor{UserMessage: description, TaskID: task.TaskID}
		key := protocol.IntentKeyNamespace + ":" + task.TaskID
		if err := o.bus.PublishLayer("system", key, anchor.ToJSON(), bus.LayerTask, nil); err != nil {
			slog.Warn("intent anchor publish failed", "task", task.ShortID(), "error", err)
		}
	}
	slog.Info("submitted root task", "task", task.ShortID())
	return task.TaskID, nil
}

// LaunchAll spawns one worker process per roster agent, supervised by an
// errgroup. Worker exits are collected by WaitWorkers.
func (o *Orchestrator) LaunchAll(ctx context.Context) {
	if err := os.MkdirAll(o.workspace, 0o755); err != nil {
		slog.Warn("workspace create failed", "path", o.workspace, "error", err)
	}
	if o.skills != nil {
		if _, err := o.skills.GenerateTeamSkill(o.cfg); err != nil {
			slog.Warn("team skill generation failed", "error", err)
		}
	}

	o.group = &errgroup.Group{}
	for i := range o.cfg.Agents {
		agentID := o.cfg.Agents[i].ID
		args := append(append([]string{}, o.workerArgs...),
			"--agent", agentID, "--config", o.configPath)
		cmd := exec.CommandContext(ctx, o.workerPath, args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		o.group.Go(func() error {
			if err := cmd.Run(); err != nil {
				slog.Error("worker exited with error", "agent", agentID, "error", err)
				return fmt.Errorf("worker %s: %w", agentID, err)
			}
			slog.Info("worker exited", "agent", agentID)
			return nil
		})
	}
	slog.Info("launched workers", "count", len(o.cfg.Agents))
}

// Wait polls the board until it stays quiescent for maxIdle ticks. Each
// tick recovers stale tasks (at most every 30s) and advances close-outs.
func (o *Orchestrator) Wait(ctx context.Context) error {
	idle := 0
	var lastRecovery time.Time
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Since(lastRecovery) > recoveryInterval {
			lastRecovery = time.Now()
			if recovered := o.board.RecoverStaleTasks(); len(recovered) > 0 {
				slog.Info("recovered stale tasks", "count", len(recovered))
			}
		}

		o.checkCloseouts()

		if o.board.Quiescent() {
			idle++
			if idle >= o.maxIdle {
				slog.Info("board quiescent, run finished")
				return nil
			}
		} else {
			idle = 0
		}

		if err := o.sleep(ctx, o.poll); err != nil {
			return err
		}
	}
}

// Shutdown mails a shutdown request to every agent. Idempotent.
func (o *Orchestrator) Shutdown() {
	if o.shutdown {
		return
	}
	o.shutdown = true
	for i := range o.cfg.Agents {
		o.ShutdownAgent(o.cfg.Agents[i].ID)
	}
}

// ShutdownAgent mails a shutdown request to one agent.
func (o *Orchestrator) ShutdownAgent(agentID string) {
	if o.mail == nil {
		return
	}
	if err := o.mail.Send(agentID, "orchestrator", worker.MsgShutdown, "shutdown requested"); err != nil {
		slog.Warn("shutdown mail failed", "agent", agentID, "error", err)
	}
}

// WaitWorkers blocks until every launched worker process has exited and
// returns the first worker error, if any.
func (o *Orchestrator) WaitWorkers() error {
	if o.group == nil {
		return nil
	}
	return o.group.Wait()
}

// Execute launches the workers, waits for the board to settle, and shuts
// the team down. Call after Submit; the gateway runs this in the
// background while polling clients watch the board.
func (o *Orchestrator) Execute(ctx context.Context) error {
	o.LaunchAll(ctx)
	waitErr := o.Wait(ctx)
	o.Shutdown()
	if err := o.WaitWorkers(); err != nil {
		slog.Warn("worker error during run", "error", err)
	}
	return waitErr
}

// Run drives a task end to end and returns the final answer: submit,
// launch, wait, shut down, then read the root result (close-out synthesis
// when the planner decomposed, otherwise the planner's direct answer).
func (o *Orchestrator) Run(ctx context.Context, description string) (string, error) {
	rootID, err := o.Submit(description)
	if err != nil {
		return "", err
	}
	if err := o.Execute(ctx); err != nil {
		return "", err
	}

	if t := o.board.Get(rootID); t != nil && t.Result != "" {
		return t.Result, nil
	}
	return o.board.CollectResults(rootID), nil
}
