package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cleoai/cleo/board"
	"github.com/cleoai/cleo/bus"
	"github.com/cleoai/cleo/config"
	"github.com/cleoai/cleo/skills"
	"github.com/cleoai/cleo/usage"
)

// runtimeDeps bundles the shared subsystems every subcommand opens: the
// roster, the file-locked board and bus, mailboxes, skills, and usage.
type runtimeDeps struct {
	cfg        *config.Config
	configPath string
	board      *board.TaskBoard
	bus        *bus.ContextBus
	mail       *bus.Mailboxes
	skills     *skills.Store
	tracker    *usage.Tracker
}

func openRuntime(configPath string) *runtimeDeps {
	if configPath == "" {
		configPath = config.DefaultConfigPath
	}
	cfg := config.LoadOrDefault(configPath)

	budget, err := config.LoadBudget(config.DefaultBudgetPath)
	if err != nil {
		slog.Warn("budget file unreadable, running unenforced", "error", err)
		budget = &config.Budget{}
	}

	return &runtimeDeps{
		cfg:        cfg,
		configPath: configPath,
		board:      board.Open(),
		bus:        bus.Open(),
		mail:       bus.NewMailboxes(bus.DefaultMailboxDir),
		skills:     skills.NewStore(skills.DefaultSkillsDir),
		tracker:    usage.Open(usage.WithBudget(budget)),
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
