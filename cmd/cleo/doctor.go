package main

import (
	"fmt"

	"github.com/cleoai/cleo/gateway"
)

// DoctorCmd diagnoses the local environment: workspace, board, config,
// lock, credentials, heartbeats.
type DoctorCmd struct{}

func (c *DoctorCmd) Run(cli *CLI) error {
	deps := openRuntime(cli.Config)

	gw, err := gateway.New(gateway.Deps{
		Config:     deps.cfg,
		ConfigPath: deps.configPath,
		Board:      deps.board,
		Bus:        deps.bus,
		Tracker:    deps.tracker,
		Skills:     deps.skills,
	}, gateway.WithToken("doctor"))
	if err != nil {
		return err
	}

	checks := gw.RunChecks()
	passed := 0
	for _, ch := range checks {
		mark := "✗"
		if ch.OK {
			mark = "✓"
			passed++
		}
		fmt.Printf("  %s %-24s %s\n", mark, ch.Label, ch.Detail)
	}
	fmt.Printf("\n%d/%d checks passed\n", passed, len(checks))
	if passed < len(checks) {
		return fmt.Errorf("environment degraded")
	}
	return nil
}
