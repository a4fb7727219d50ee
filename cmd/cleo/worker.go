package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cleoai/cleo/a2a"
	"github.com/cleoai/cleo/bus"
	"github.com/cleoai/cleo/config"
	"github.com/cleoai/cleo/llms"
	"github.com/cleoai/cleo/textgrad"
	"github.com/cleoai/cleo/tools"
	"github.com/cleoai/cleo/worker"
)

// WorkerCmd runs one agent's claim/execute/submit loop. The orchestrator
// spawns one of these per roster agent; running it by hand is mostly
// useful for debugging a single agent.
type WorkerCmd struct {
	Agent     string `required:"" help:"Agent id from the roster."`
	Workspace string `help:"Shared scratch directory for file tools."`
}

func (c *WorkerCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	deps := openRuntime(cli.Config)
	agent, ok := deps.cfg.GetAgent(c.Agent)
	if !ok {
		return fmt.Errorf("unknown agent %q (roster: %v)", c.Agent, deps.cfg.AgentIDs())
	}

	registry := llms.NewRegistry()
	defer registry.Close()
	caller := llms.NewCaller(registry, deps.cfg.Resilience)

	workspace := c.Workspace
	if workspace == "" {
		workspace = config.Workspace()
	}

	var delegate worker.Delegate
	var delegateFn tools.DelegateFunc
	if deps.cfg.A2A.Client.Enabled {
		client := a2a.NewClient(deps.cfg.A2A.Client)
		delegate = client
		delegateFn = func(ctx context.Context, agentURL, message string, timeout time.Duration) (string, error) {
			res := client.SendTask(ctx, a2a.SendTaskRequest{
				AgentURL: agentURL,
				Message:  message,
				Timeout:  timeout,
			})
			if res.Error != "" {
				return "", fmt.Errorf("delegation %s: %s", res.Status, res.Error)
			}
			return res.Text, nil
		}
	}

	toolReg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(toolReg, tools.Deps{
		Board:     deps.board,
		Mailboxes: deps.mail,
		AgentID:   agent.ID,
		Workspace: workspace,
		Delegate:  delegateFn,
	}); err != nil {
		return fmt.Errorf("tool registration: %w", err)
	}

	w, err := worker.New(worker.Deps{
		Config:    deps.cfg,
		Agent:     agent,
		Board:     deps.board,
		Bus:       deps.bus,
		Mail:      deps.mail,
		Heartbeat: bus.NewHeartbeat(agent.ID, bus.DefaultHeartbeatDir),
		Skills:    deps.skills,
		Tools:     toolReg,
		Caller:    caller,
		Tracker:   deps.tracker,
		Feedback:  textgrad.New(),
		Delegate:  delegate,
	})
	if err != nil {
		return err
	}
	return w.Run(ctx)
}
