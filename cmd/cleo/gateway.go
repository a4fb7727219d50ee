package main

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/cleoai/cleo/a2a"
	"github.com/cleoai/cleo/config"
	"github.com/cleoai/cleo/gateway"
	"github.com/cleoai/cleo/orchestrator"
	"github.com/cleoai/cleo/wsgateway"
)

// GatewayCmd serves the HTTP control plane and the WebSocket push
// stream, with the orchestrator wired in so POST /v1/task starts runs.
type GatewayCmd struct {
	Port      int    `help:"HTTP port (default $CLEO_GATEWAY_PORT or 19789)."`
	Workspace string `help:"Shared scratch directory for file tools."`
	NoWS      bool   `name:"no-ws" help:"Disable the WebSocket gateway."`
}

func (c *GatewayCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	deps := openRuntime(cli.Config)
	port := c.Port
	if port == 0 {
		port = config.GatewayPort()
	}
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

	baseURL := fmt.Sprintf("http://%s:%d", config.Hostname(), port)
	a2aServer := a2a.NewServer(
		deps.cfg.A2A.Server.Enabled,
		a2a.NewBridge(deps.board),
		a2a.NewAgentCard(baseURL, "dev"),
	)

	gw, err := gateway.New(gateway.Deps{
		Config:     deps.cfg,
		ConfigPath: deps.configPath,
		Board:      deps.board,
		Bus:        deps.bus,
		Tracker:    deps.tracker,
		Skills:     deps.skills,
		Runner:     orch,
		A2A:        a2aServer,
		Workspace:  workspace,
	}, gateway.WithPort(port))
	if err != nil {
		return err
	}

	fmt.Printf("cleo gateway listening on %s\n", baseURL)
	fmt.Printf("  token: %s\n", gw.Token())

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return gw.ListenAndServe(gctx) })

	if !c.NoWS {
		ws, err := wsgateway.New(wsgateway.Deps{
			Config: deps.cfg,
			Board:  deps.board,
			Token:  gw.Token(),
			Port:   port + 1,
		})
		if err != nil {
			return err
		}
		fmt.Printf("  websocket: ws://%s:%d/?token=...\n", config.Hostname(), port+1)
		group.Go(func() error { return ws.ListenAndServe(gctx) })
	}

	return group.Wait()
}
