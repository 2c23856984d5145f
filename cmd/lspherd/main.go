package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/lspherd/lspherd/internal/orchestrator"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "lspherd",
		Usage:   "Language server orchestration for coding tools",
		Version: version,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging to stderr",
			},
			&cli.StringFlag{
				Name:  "cwd",
				Usage: "Working directory to resolve workspace and config from",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "status",
				Usage:  "Show every known server and its state",
				Action: statusCommand,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "json", Usage: "Output as JSON"},
				},
			},
			{
				Name:   "check",
				Usage:  "Load configuration and report warnings",
				Action: checkCommand,
			},
			{
				Name:      "hover",
				Usage:     "Hover information at FILE LINE COL (1-based)",
				ArgsUsage: "FILE LINE COL",
				Action:    queryCommand(orchestrator.OpHover),
			},
			{
				Name:      "definition",
				Usage:     "Definition locations at FILE LINE COL (1-based)",
				ArgsUsage: "FILE LINE COL",
				Action:    queryCommand(orchestrator.OpDefinition),
			},
			{
				Name:      "references",
				Usage:     "References at FILE LINE COL (1-based)",
				ArgsUsage: "FILE LINE COL",
				Action:    queryCommand(orchestrator.OpReferences),
			},
			{
				Name:      "implementation",
				Usage:     "Implementations at FILE LINE COL (1-based)",
				ArgsUsage: "FILE LINE COL",
				Action:    queryCommand(orchestrator.OpImplementation),
			},
			{
				Name:      "incoming-calls",
				Usage:     "Incoming calls at FILE LINE COL (1-based)",
				ArgsUsage: "FILE LINE COL",
				Action:    queryCommand(orchestrator.OpIncomingCalls),
			},
			{
				Name:      "outgoing-calls",
				Usage:     "Outgoing calls at FILE LINE COL (1-based)",
				ArgsUsage: "FILE LINE COL",
				Action:    queryCommand(orchestrator.OpOutgoingCalls),
			},
			{
				Name:      "symbols",
				Usage:     "Document symbols for FILE",
				ArgsUsage: "FILE",
				Action:    symbolsCommand,
			},
			{
				Name:      "workspace-symbols",
				Usage:     "Workspace symbol search seeded from FILE",
				ArgsUsage: "FILE QUERY",
				Action:    workspaceSymbolsCommand,
			},
			{
				Name:      "diagnostics",
				Usage:     "Diagnostics for each FILE from every matching server",
				ArgsUsage: "FILE [FILE...]",
				Action:    diagnosticsCommand,
			},
			{
				Name:      "touch",
				Usage:     "Synchronize FILE to every matching server",
				ArgsUsage: "FILE",
				Action:    touchCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// newRuntime builds the orchestrator for one invocation.
func newRuntime(c *cli.Context) (*orchestrator.Runtime, *zap.Logger, error) {
	logger := zap.NewNop()
	if c.Bool("verbose") {
		cfg := zap.NewDevelopmentConfig()
		l, err := cfg.Build()
		if err != nil {
			return nil, nil, err
		}
		logger = l
	}
	cwd := c.String("cwd")
	if cwd == "" {
		var err error
		cwd, err = os.Getwd()
		if err != nil {
			return nil, nil, err
		}
	}
	return orchestrator.New(cwd, orchestrator.WithLogger(logger)), logger, nil
}

// runContext cancels on SIGINT/SIGTERM so one stuck server cannot wedge a
// one-shot invocation.
func runContext() (context.Context, context.CancelFunc) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return ctx, cancel
}

// shutdownRuntime tears the fleet down within a bounded budget.
func shutdownRuntime(r *orchestrator.Runtime) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	r.Shutdown(ctx)
}
