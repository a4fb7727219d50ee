// Command cleo is the CLI for the cleo multi-agent runtime.
//
// Usage:
//
//	cleo run "compare cloud storage pricing and write a report"
//	cleo worker --agent jerry
//	cleo gateway
//	cleo doctor
package main

import (
	"fmt"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/cleoai/cleo/config"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Run     RunCmd     `cmd:"" help:"Run a task end to end with the agent team."`
	Worker  WorkerCmd  `cmd:"" help:"Start one agent worker loop (normally launched by the orchestrator)."`
	Gateway GatewayCmd `cmd:"" help:"Start the HTTP and WebSocket gateways."`
	Doctor  DoctorCmd  `cmd:"" help:"Diagnose the local environment."`
	Schema  SchemaCmd  `cmd:"" help:"Generate the JSON Schema for agents.yaml."`

	Config    string `short:"c" help:"Path to agents.yaml." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (text or json)."`
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("cleo"),
		kong.Description("Self-evolving multi-agent orchestration runtime."),
		kong.UsageOnError(),
	)

	// .env.local / .env before anything reads credentials
	if err := config.LoadEnvFiles(); err != nil {
		ctx.FatalIfErrorf(err)
	}

	cleanup, err := initLogger(cli.LogLevel, cli.LogFile, cli.LogFormat)
	ctx.FatalIfErrorf(err)
	if cleanup != nil {
		defer cleanup()
	}

	ctx.FatalIfErrorf(ctx.Run(cli))
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("cleo version %s\n", version)
	return nil
}
