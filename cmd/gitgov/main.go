// Command gitgov is the CLI for the git-native governance engine: it
// bootstraps projects, reports backlog state, runs audits and lint, and
// drives the gitgov-state sync protocol.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gitgovernance/core/pkg/auditor"
	"github.com/gitgovernance/core/pkg/config"
	"github.com/gitgovernance/core/pkg/container"
	"github.com/gitgovernance/core/pkg/contracts"
	"github.com/gitgovernance/core/pkg/syncer"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches the CLI. Exit codes: 0 success, 1 error, 2 invalid
// transition or usage, 3 project not initialized.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}
	switch args[1] {
	case "init":
		return runInit(args[2:], stdout, stderr)
	case "status":
		return runStatus(args[2:], stdout, stderr)
	case "audit":
		return runAudit(args[2:], stdout, stderr)
	case "lint":
		return runLint(args[2:], stdout, stderr)
	case "sync":
		return runSync(args[2:], stdout, stderr)
	case "watch":
		return runWatch(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "gitgov: unknown command %q\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `Usage: gitgov <command> [flags]

Commands:
  init       bootstrap .gitgov, the founding actor, and the session
  status     print the backlog projection summary
  audit      scan the working tree for secrets and personal data
  lint       check cross-record invariants
  sync       push or pull the gitgov-state branch
  watch      follow record changes and keep the index current`)
}

// exitCode maps tagged errors to the CLI contract.
func exitCode(err error) int {
	var notInit *contracts.ProjectNotInitializedError
	if errors.As(err, &notInit) {
		return 3
	}
	var denied *contracts.InvalidTransitionError
	if errors.As(err, &denied) {
		return 2
	}
	return 1
}

func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "gitgov: %v\n", err)
	return exitCode(err)
}

// newContainer builds the container rooted at the working directory, with the
// log level taken from GITGOV_LOG_LEVEL.
func newContainer(ctx context.Context, stderr io.Writer) (*container.Container, error) {
	level := slog.LevelWarn
	switch strings.ToLower(os.Getenv("GITGOV_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	return container.New(ctx, container.Options{Logger: logger})
}

func runInit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(stderr)
	name := fs.String("name", "", "project name (defaults to the directory name)")
	actor := fs.String("actor", "", "founding actor display name")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	c, err := newContainer(ctx, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer c.Close()

	if err := c.Init(ctx, *name, *actor); err != nil {
		return fail(stderr, err)
	}
	cfg, err := c.Config.Load()
	if err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintf(stdout, "initialized project %s (%s) as %s\n", cfg.ProjectName, cfg.ProjectID, c.Identity.CurrentActor())
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	asJSON := fs.Bool("json", false, "emit the full projection as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	c, err := newContainer(ctx, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer c.Close()

	if _, err := c.Config.Load(); err != nil {
		return fail(stderr, err)
	}
	data, err := c.Projector.ComputeProjection(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(data); err != nil {
			return fail(stderr, err)
		}
		return 0
	}

	m := data.Metrics
	fmt.Fprintf(stdout, "tasks: %d  cycles: %d  health: %d/100\n", m.TotalTasks, m.TotalCycles, m.HealthScore)
	for _, status := range []string{"draft", "review", "ready", "active", "paused", "done", "archived", "discarded"} {
		if n := m.TasksByStatus[status]; n > 0 {
			fmt.Fprintf(stdout, "  %-10s %d\n", status, n)
		}
	}
	if n := len(data.DerivedStates.StalledTasks); n > 0 {
		fmt.Fprintf(stdout, "stalled: %d\n", n)
	}
	if n := len(data.DerivedStates.AtRiskTasks); n > 0 {
		fmt.Fprintf(stdout, "at risk: %d\n", n)
	}
	fmt.Fprintf(stdout, "throughput (7d): %d  lead time: %.1fh\n", m.Throughput7d, m.AvgLeadTimeHours)
	return 0
}

func runAudit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	changedSince := fs.String("changed-since", "", "only scan files changed since this git revision")
	asJSON := fs.Bool("json", false, "emit the report as JSON")
	strict := fs.Bool("strict", false, "exit non-zero on any unwaived finding")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	c, err := newContainer(ctx, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer c.Close()

	report, err := c.Auditor.Audit(ctx, auditor.Scope{
		Include:      fs.Args(),
		ChangedSince: *changedSince,
	})
	if err != nil {
		return fail(stderr, err)
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return fail(stderr, err)
		}
	} else {
		for _, f := range report.Findings {
			mark := ""
			if f.Waived {
				mark = " (waived)"
			}
			fmt.Fprintf(stdout, "%s:%d %s [%s] %s%s\n", f.File, f.Line, f.RuleID, f.Severity, f.Message, mark)
		}
		fmt.Fprintf(stdout, "scanned %d files, %d findings (%d waived)\n",
			report.ScannedFiles, report.Summary.Total, report.Summary.Waived)
	}

	unwaived := report.Summary.Total - report.Summary.Waived
	if *strict && unwaived > 0 {
		return 1
	}
	return 0
}

func runLint(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("lint", flag.ContinueOnError)
	fs.SetOutput(stderr)
	asJSON := fs.Bool("json", false, "emit the report as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	c, err := newContainer(ctx, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer c.Close()

	if _, err := c.Config.Load(); err != nil {
		return fail(stderr, err)
	}
	report, err := c.Lint.Check(ctx)
	if err != nil {
		return fail(stderr, err)
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return fail(stderr, err)
		}
	} else {
		for _, v := range report.Violations {
			fmt.Fprintf(stdout, "%s %s/%s: %s [%s]\n", v.Severity, v.RecordType, v.RecordID, v.Message, v.Rule)
		}
		fmt.Fprintf(stdout, "checked %d records, %d violations (%d errors)\n",
			report.CheckedRecords, len(report.Violations), report.Errors())
	}
	if report.HasErrors() {
		return 1
	}
	return 0
}

func runSync(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: gitgov sync <push|pull> [flags]")
		return 2
	}
	verb, rest := args[0], args[1:]

	ctx := context.Background()
	c, err := newContainer(ctx, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer c.Close()

	switch verb {
	case "push":
		fs := flag.NewFlagSet("sync push", flag.ContinueOnError)
		fs.SetOutput(stderr)
		dryRun := fs.Bool("dry-run", false, "show what would be pushed without committing")
		force := fs.Bool("force", false, "push even when the remote diverged")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		result, err := c.Syncer.PushState(ctx, syncer.PushOptions{
			ActorID: c.Identity.CurrentActor(),
			DryRun:  *dryRun,
			Force:   *force,
		})
		if err != nil {
			return fail(stderr, err)
		}
		switch {
		case result.UpToDate:
			fmt.Fprintln(stdout, "state branch is up to date")
		case result.DryRun:
			fmt.Fprintf(stdout, "would push %d changed file(s)\n", len(result.ChangedFiles))
		default:
			fmt.Fprintf(stdout, "pushed %s (%d file(s))\n", result.Commit, len(result.ChangedFiles))
		}
		return 0
	case "pull":
		fs := flag.NewFlagSet("sync pull", flag.ContinueOnError)
		fs.SetOutput(stderr)
		reindex := fs.Bool("reindex", false, "rebuild the index even when nothing changed")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		// Fresh clone: no local governance directory yet, but the remote state
		// branch may carry one. Materialise it, then pull as usual.
		if !c.Config.Initialized() {
			if err := c.Syncer.BootstrapFromStateBranch(ctx); err != nil {
				return fail(stderr, err)
			}
			fmt.Fprintf(stdout, "bootstrapped %s from state branch\n", config.DirName)
			*reindex = true
		}
		result, err := c.Syncer.PullState(ctx, syncer.PullOptions{ForceReindex: *reindex})
		if err != nil {
			return fail(stderr, err)
		}
		switch {
		case result.ConflictDetected:
			fmt.Fprintln(stdout, "remote state diverged; run conflict resolution")
			return 1
		case result.Applied:
			fmt.Fprintf(stdout, "applied %d file(s)\n", len(result.ChangedFiles))
		default:
			fmt.Fprintln(stdout, "already up to date")
		}
		return 0
	default:
		fmt.Fprintf(stderr, "gitgov sync: unknown verb %q\n", verb)
		return 2
	}
}

func runWatch(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := newContainer(ctx, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer c.Close()

	if _, err := c.Config.Load(); err != nil {
		return fail(stderr, err)
	}
	if err := c.Projector.Start(ctx); err != nil {
		return fail(stderr, err)
	}
	if err := c.Watcher.Start(); err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintln(stdout, "watching record directories; ctrl-c to stop")

	<-ctx.Done()
	status := c.Watcher.GetStatus()
	fmt.Fprintf(stdout, "stopped after %d event(s)\n", status.EventsEmitted)
	return 0
}
