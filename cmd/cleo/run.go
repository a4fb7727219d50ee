package main

import (
	"fmt"
	"strings"

	"github.com/cleoai/cleo/config"
	"github.com/cleoai/cleo/orchestrator"
)

// RunCmd drives a task end to end: submit, launch one worker per agent,
// wait for the board to settle, print the final answer.
type RunCmd struct {
	Description []string `arg:"" help:"What the team should do."`
	Workspace   string   `help:"Shared scratch directory for file tools."`
}

func (c *RunCmd) Run(cli *CLI) error {
	description := strings.TrimSpace(strings.Join(c.Description, " "))
	if description == "" {
		return fmt.Errorf("task description is empty")
	}

	ctx, cancel := signalContext()
	defer cancel()

	deps := openRuntime(cli.Config)
	workspace := c.Workspace
	if workspace == "" {
		workspace = config.Workspace()
	}

	orch, err := orchestrator.New(orchestrator.Deps{
		Config:     deps.cfg,
		ConfigPath: deps.configPath,
		Board:      deps.board,
		Bus:        deps.bus,
		Mail:       deps.mail,
		Skills:     deps.skills,
		Workspace:  workspace,
	})
	if err != nil {
		return err
	}

	answer, err := orch.Run(ctx, description)
	if err != nil {
		return err
	}
	fmt.Println(answer)
	return nil
}
