package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/lspherd/lspherd/internal/orchestrator"
)

// statusCommand prints the fleet snapshot.
func statusCommand(c *cli.Context) error {
	r, _, err := newRuntime(c)
	if err != nil {
		return err
	}
	defer shutdownRuntime(r)

	snapshot := r.Snapshot()
	if c.Bool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snapshot)
	}

	for _, s := range snapshot {
		fmt.Printf("%-28s %-10s %s\n", s.ID, s.Status, strings.Join(s.Command, " "))
		if len(s.ConnectedRoots) > 0 {
			fmt.Printf("  roots: %s\n", strings.Join(s.ConnectedRoots, ", "))
		}
		if s.Status == orchestrator.StatusBroken {
			fmt.Printf("  attempts: %d, retry: %s\n", s.Attempts, s.RetryAt.Format(time.RFC3339))
			if s.LastError != "" {
				fmt.Printf("  last error: %s\n", s.LastError)
			}
		}
	}
	return nil
}

// checkCommand loads configuration and prints what was resolved, including
// any warnings from malformed or untrusted input.
func checkCommand(c *cli.Context) error {
	r, _, err := newRuntime(c)
	if err != nil {
		return err
	}
	defer shutdownRuntime(r)

	res := r.Config(c.Context)
	fmt.Printf("workspace root: %s\n", res.WorkspaceRoot)
	fmt.Printf("global config:  %s\n", res.GlobalPath)
	if res.ProjectPath != "" {
		fmt.Printf("project config: %s (trusted: %t)\n", res.ProjectPath, res.TrustedProject)
	} else {
		fmt.Println("project config: (none)")
	}
	if res.Config.Disabled {
		fmt.Println("lsp: disabled")
	}
	fmt.Printf("servers: %d configured\n", len(res.Config.Servers))
	for _, w := range res.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
	if len(res.Warnings) > 0 {
		return cli.Exit("", 1)
	}
	return nil
}

// queryCommand builds an action for one position-based query operation.
func queryCommand(op orchestrator.Operation) cli.ActionFunc {
	return func(c *cli.Context) error {
		file, line, col, err := positionArgs(c)
		if err != nil {
			return err
		}
		r, _, err := newRuntime(c)
		if err != nil {
			return err
		}
		defer shutdownRuntime(r)

		ctx, cancel := runContext()
		defer cancel()

		outcomes, err := r.Query(ctx, file, op, line, col)
		if err != nil {
			return err
		}
		return printOutcomes(outcomes)
	}
}

// symbolsCommand runs a document-symbol query; no position needed.
func symbolsCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: %s FILE", c.Command.Name)
	}
	r, _, err := newRuntime(c)
	if err != nil {
		return err
	}
	defer shutdownRuntime(r)

	ctx, cancel := runContext()
	defer cancel()

	outcomes, err := r.Query(ctx, c.Args().Get(0), orchestrator.OpDocumentSymbols, 1, 1)
	if err != nil {
		return err
	}
	return printOutcomes(outcomes)
}

func workspaceSymbolsCommand(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("usage: %s FILE QUERY", c.Command.Name)
	}
	r, _, err := newRuntime(c)
	if err != nil {
		return err
	}
	defer shutdownRuntime(r)

	ctx, cancel := runContext()
	defer cancel()

	outcomes, err := r.WorkspaceSymbols(ctx, c.Args().Get(0), c.Args().Get(1))
	if err != nil {
		return err
	}
	return printOutcomes(outcomes)
}

// diagnosticsBatchLimit bounds how many files are in flight at once.
const diagnosticsBatchLimit = 4

func diagnosticsCommand(c *cli.Context) error {
	if c.NArg() < 1 {
		return fmt.Errorf("usage: %s FILE [FILE...]", c.Command.Name)
	}
	r, _, err := newRuntime(c)
	if err != nil {
		return err
	}
	defer shutdownRuntime(r)

	ctx, cancel := runContext()
	defer cancel()

	files := c.Args().Slice()
	all := make([][]orchestrator.DiagnosticsResult, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(diagnosticsBatchLimit)
	for i, file := range files {
		g.Go(func() error {
			results, err := r.Diagnostics(gctx, file)
			if err != nil {
				return fmt.Errorf("%s: %w", file, err)
			}
			all[i] = results
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for i, file := range files {
		for _, dr := range all[i] {
			if dr.Err != nil {
				fmt.Fprintf(os.Stderr, "%s: %s (%s): %v\n", file, dr.ServerID, dr.Root, dr.Err)
				continue
			}
			fmt.Printf("%s: %s (%s): %d diagnostic(s)\n", file, dr.ServerID, dr.Root, len(dr.Diagnostics))
			if len(dr.Diagnostics) > 0 {
				if err := enc.Encode(dr.Diagnostics); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func touchCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: %s FILE", c.Command.Name)
	}
	r, _, err := newRuntime(c)
	if err != nil {
		return err
	}
	defer shutdownRuntime(r)

	ctx, cancel := runContext()
	defer cancel()

	file := c.Args().Get(0)
	outcomes, err := r.TouchFile(ctx, file)
	if err != nil {
		return err
	}
	defer r.CloseFile(file)
	for _, o := range outcomes {
		if o.Err != nil {
			fmt.Fprintf(os.Stderr, "%s (%s): %v\n", o.ServerID, o.Root, o.Err)
			continue
		}
		fmt.Printf("%s (%s): synchronized\n", o.ServerID, o.Root)
	}
	return nil
}

// positionArgs parses FILE LINE COL with 1-based line and column.
func positionArgs(c *cli.Context) (string, int, int, error) {
	if c.NArg() != 3 {
		return "", 0, 0, fmt.Errorf("usage: %s FILE LINE COL", c.Command.Name)
	}
	file := c.Args().Get(0)
	line, err := strconv.Atoi(c.Args().Get(1))
	if err != nil || line < 1 {
		return "", 0, 0, fmt.Errorf("invalid line %q", c.Args().Get(1))
	}
	col, err := strconv.Atoi(c.Args().Get(2))
	if err != nil || col < 1 {
		return "", 0, 0, fmt.Errorf("invalid column %q", c.Args().Get(2))
	}
	return file, line, col, nil
}

// printOutcomes writes each server's result or error; a fan-out with at
// least one success exits zero.
func printOutcomes(outcomes []orchestrator.Outcome) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	anyOK := false
	for _, o := range outcomes {
		if o.Err != nil {
			fmt.Fprintf(os.Stderr, "%s (%s): %v\n", o.ServerID, o.Root, o.Err)
			continue
		}
		anyOK = true
		fmt.Printf("%s (%s):\n", o.ServerID, o.Root)
		var v any
		if len(o.Value) > 0 {
			if err := json.Unmarshal(o.Value, &v); err == nil {
				if err := enc.Encode(v); err != nil {
					return err
				}
				continue
			}
		}
		fmt.Println("null")
	}
	if len(outcomes) > 0 && !anyOK {
		return cli.Exit("no server answered", 1)
	}
	return nil
}
