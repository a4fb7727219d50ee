// Package worker implements the per-agent runtime loop: claim work from
// the shared board, assemble the prompt, call the model, run tool calls,
// and submit the result for peer review. One worker process per roster
// agent; all coordination happens through the file-locked board, the
// context bus, and the mailboxes, so workers never talk to each other
// directly.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cleoai/cleo/board"
	"github.com/cleoai/cleo/bus"
	"github.com/cleoai/cleo/config"
	"github.com/cleoai/cleo/llms"
	"github.com/cleoai/cleo/skills"
	"github.com/cleoai/cleo/textgrad"
	"github.com/cleoai/cleo/tools"
	"github.com/cleoai/cleo/usage"
)

const (
	// DefaultMaxIdleCycles bounds how many empty claim ticks a worker
	// tolerates before exiting (only once the board is quiescent).
	DefaultMaxIdleCycles = 30

	// DefaultMaxToolRounds caps the tool-call loop per task.
	DefaultMaxToolRounds = 8

	backoffMin = 250 * time.Millisecond
	backoffMax = 2 * time.Second

	recoveryInterval = 30.0 // seconds between stale-task sweeps
)

// Mail message types the worker reacts to.
const (
	MsgShutdown        = "shutdown"
	MsgCritiqueRequest = "critique_request"
)

// Deps carries the runtime collaborators a worker closes over. Board,
// Agent, Config, and Caller are required; the rest degrade gracefully
// when absent.
type Deps struct {
	Config    *config.Config
	Agent     *config.AgentConfig
	Board     *board.TaskBoard
	Bus       *bus.ContextBus
	Mail      *bus.Mailboxes
	Heartbeat *bus.Heartbeat
	Skills    *skills.Store
	Tools     *tools.Registry
	Caller    *llms.Caller
	Tracker   *usage.Tracker
	Feedback  *textgrad.Pipeline
	Delegate  Delegate
}

// Worker is one agent's claim/execute/submit loop.
type Worker struct {
	cfg      *config.AgentConfig
	roster   *config.Config
	board    *board.TaskBoard
	bus      *bus.ContextBus
	mail     *bus.Mailboxes
	hb       *bus.Heartbeat
	skills   *skills.Store
	tools    *tools.Registry
	caller   *llms.Caller
	tracker  *usage.Tracker
	feedback *textgrad.Pipeline
	delegate Delegate

	maxIdle       int
	maxToolRounds int

	sleep func(context.Context, time.Duration) error
	now   func() float64
}

// Option configures a Worker.
type Option func(*Worker)

// WithMaxIdleCycles overrides the idle exit threshold.
func WithMaxIdleCycles(n int) Option {
	return func(w *Worker) { w.maxIdle = n }
}

// WithMaxToolRounds overrides the tool loop cap.
func WithMaxToolRounds(n int) Option {
	return func(w *Worker) { w.maxToolRounds = n }
}

// New creates a worker for one roster agent.
func New(deps Deps, opts ...Option) (*Worker, error) {
	if deps.Agent == nil {
		return nil, fmt.Errorf("worker requires an agent config")
	}
	if deps.Board == nil {
		return nil, fmt.Errorf("worker requires a task board")
	}
	if deps.Caller == nil {
		return nil, fmt.Errorf("worker requires an LLM caller")
	}
	w := &Worker{
		cfg:           deps.Agent,
		roster:        deps.Config,
		board:         deps.Board,
		bus:           deps.Bus,
		mail:          deps.Mail,
		hb:            deps.Heartbeat,
		skills:        deps.Skills,
		tools:         deps.Tools,
		caller:        deps.Caller,
		tracker:       deps.Tracker,
		feedback:      deps.Feedback,
		delegate:      deps.Delegate,
		maxIdle:       DefaultMaxIdleCycles,
		maxToolRounds: DefaultMaxToolRounds,
		sleep:         sleepCtx,
		now:           func() float64 { return float64(time.Now().UnixNano()) / float64(time.Second) },
	}
	if w.tools == nil {
		w.tools = tools.NewRegistry()
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
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

// Run drives the claim loop until shutdown, budget exhaustion, idle
// timeout, or context cancellation. Per tick, highest priority first:
// mailbox scan, own critique revisions, then a regular board claim.
func (w *Worker) Run(ctx context.Context) error {
	idle := 0
	backoff := backoffMin
	lastRecovery := 0.0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.beat("idle", "", "")

		now := w.now()
		if now-lastRecovery > recoveryInterval {
			lastRecovery = now
			if recovered := w.board.RecoverStaleTasks(); len(recovered) > 0 {
				slog.Info("recovered stale tasks", "agent", w.cfg.ID, "count", len(recovered))
			}
		}

		if w.feedback != nil && w.feedback.ShouldRun(time.Minute) {
			stats := w.feedback.Run()
			if stats.AgentsPatched > 0 {
				slog.Info("feedback pipeline patched agents", "agent", w.cfg.ID, "stats", stats)
			}
		}

		for _, msg := range w.readMail() {
			switch msg.Type {
			case MsgShutdown:
				slog.Info("shutdown requested", "agent", w.cfg.ID, "from", msg.From)
				return nil
			case MsgCritiqueRequest:
				w.handleCritiqueRequest(ctx, msg)
			default:
				slog.Debug("ignoring mail", "agent", w.cfg.ID, "type", msg.Type)
			}
		}

		if revision := w.board.ClaimCritique(w.cfg.ID); revision != nil {
			w.beat("working", revision.TaskID, "revising based on feedback...")
			w.reviseTask(ctx, revision)
			idle, backoff = 0, backoffMin
			continue
		}

		task := w.board.ClaimNext(w.cfg.ID, w.cfg.Reputation, w.cfg.Role)
		if task == nil {
			quiescent := w.board.Quiescent()
			if quiescent {
				idle++
			} else if idle < w.maxIdle/2 {
				// other agents are mid-task; hold at half rate so we
				// stay alive to pick up their subtasks
				idle++
			}
			if idle >= w.maxIdle && quiescent {
				slog.Info("idle limit reached, exiting", "agent", w.cfg.ID)
				return nil
			}
			if err := w.sleep(ctx, backoff); err != nil {
				return err
			}
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
			continue
		}

		idle, backoff = 0, backoffMin
		slog.Info("claimed task", "agent", w.cfg.ID, "task", task.ShortID())

		if err := w.handleTask(ctx, task); err != nil {
			if errors.Is(err, usage.ErrBudgetExceeded) {
				slog.Warn("budget exceeded, failing task and exiting",
					"agent", w.cfg.ID, "task", task.ShortID())
				w.board.Fail(task.TaskID, "budget_exceeded")
				return err
			}
			slog.Error("task failed", "agent", w.cfg.ID, "task", task.ShortID(), "error", err)
			w.board.Fail(task.TaskID, failReason(err))
		}
	}
}

// handleTask executes one claimed task end to end.
func (w *Worker) handleTask(ctx context.Context, task *board.Task) error {
	w.beat("working", task.TaskID, "preparing...")

	spec := specOf(task)
	if spec != nil && spec.WantsA2ADelegation() && w.delegate != nil {
		return w.delegateTask(ctx, task, spec)
	}

	result, aborted, err := w.runTask(ctx, task, spec)
	if err != nil {
		return err
	}
	if aborted {
		slog.Info("task withdrawn mid-flight, dropping result",
			"agent", w.cfg.ID, "task", task.ShortID())
		return nil
	}

	w.beat("working", task.TaskID, "processing result...")
	if w.isPlanner() {
		return w.finishPlannerTask(task, result)
	}
	w.finishExecutorTask(task, result)
	return nil
}

// finishExecutorTask submits the result and routes it to review.
// Simple tasks skip review entirely; everything else goes to an advisor
// via a critique request.
func (w *Worker) finishExecutorTask(task *board.Task, result string) {
	// capture complexity before submit; the status flip races a re-read
	complexity := task.Complexity
	if fresh := w.board.Get(task.TaskID); fresh != nil {
		complexity = fresh.Complexity
	}

	w.board.SubmitForReview(task.TaskID, result)

	if complexity == board.ComplexitySimple {
		w.board.Complete(task.TaskID)
		slog.Info("simple task auto-completed", "agent", w.cfg.ID, "task", task.ShortID())
		return
	}
	if !w.requestCritique(task, result) {
		slog.Warn("no advisors available, auto-completing",
			"agent", w.cfg.ID, "task", task.ShortID())
		w.board.Complete(task.TaskID)
	}
}

// requestCritique mails a critique request to every reviewer on the
// roster. Returns false when the roster has no reviewer but us.
func (w *Worker) requestCritique(task *board.Task, result string) bool {
	if w.mail == nil || w.roster == nil {
		return false
	}
	sent := false
	for i := range w.roster.Agents {
		agent := &w.roster.Agents[i]
		if agent.ID == w.cfg.ID {
			continue
		}
		if !board.RoleMatches("review", agent.ID, agent.Role) {
			continue
		}
		payload := critiquePayload{TaskID: task.TaskID, Description: task.Description, Result: result}
		if err := w.mail.Send(agent.ID, w.cfg.ID, MsgCritiqueRequest, payload.encode()); err != nil {
			slog.Warn("critique request send failed", "agent", w.cfg.ID, "to", agent.ID, "error", err)
			continue
		}
		sent = true
	}
	return sent
}

// reviseTask reruns a task that came back with critique suggestions.
// One revision round only: afterwards the task completes regardless.
func (w *Worker) reviseTask(ctx context.Context, task *board.Task) {
	prompt := w.buildRevisionPrompt(task)

	result, err := w.generate(ctx, task.TaskID, prompt)
	if err != nil {
		if errors.Is(err, usage.ErrBudgetExceeded) {
			w.board.Fail(task.TaskID, "budget_exceeded")
			return
		}
		slog.Error("critique revision failed, force completing",
			"agent", w.cfg.ID, "task", task.ShortID(), "error", err)
		w.board.Complete(task.TaskID)
		return
	}
	if w.taskWithdrawn(task.TaskID) {
		return
	}

	result = stripFinal(result)
	w.board.SubmitForReview(task.TaskID, result)
	if task.CritiqueRound >= 1 {
		// max rounds reached: reviews are advisory, never a gate
		w.board.Complete(task.TaskID)
		slog.Info("revision done, auto-completed", "agent", w.cfg.ID, "task", task.ShortID())
		return
	}
	if !w.requestCritique(task, result) {
		w.board.Complete(task.TaskID)
	}
}

// taskWithdrawn reports whether the task left the claimed state under us
// (cancelled, paused, or recovered by another process). The worker then
// drops its work silently.
func (w *Worker) taskWithdrawn(taskID string) bool {
	t := w.board.Get(taskID)
	if t == nil {
		return true
	}
	switch t.Status {
	case board.StatusCancelled, board.StatusPaused:
		return true
	}
	return false
}

func (w *Worker) isPlanner() bool {
	id := strings.ToLower(w.cfg.ID)
	if id == "leo" || id == "planner" {
		return true
	}
	return strings.EqualFold(w.cfg.Role, "planner")
}

func (w *Worker) readMail() []bus.Message {
	if w.mail == nil {
		return nil
	}
	return w.mail.ReadNew(w.cfg.ID)
}

func (w *Worker) beat(status, taskID, progress string) {
	if w.hb != nil {
		w.hb.Beat(status, taskID, progress)
	}
}

// failReason classifies an execution error into the short reason the
// board records on the evolution flags.
func failReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	reason := err.Error()
	if len(reason) > 200 {
		reason = reason[:200]
	}
	return reason
}
