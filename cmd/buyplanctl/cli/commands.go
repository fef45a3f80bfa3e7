// Package cli implements the buyplanctl subcommands.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/spf13/pflag"

	"github.com/odyssey-erp/buyplans/internal/buyplan"
	"github.com/odyssey-erp/buyplans/jobs"
)

// Verifier runs PO verification synchronously.
type Verifier interface {
	Reconcile(ctx context.Context, planID uuid.UUID) (buyplan.VerificationResult, error)
	Sweep(ctx context.Context, limit int) (int, error)
}

// Queue is the job surface used by the CLI.
type Queue interface {
	Trigger(ctx context.Context, name string) (*asynq.TaskInfo, error)
	InspectQueue(ctx context.Context) (QueueStats, error)
}

// App bundles the CLI dependencies.
type App struct {
	Verifier Verifier
	Queue    Queue
	Stdout   io.Writer
	Stderr   io.Writer
}

const usage = `usage: buyplanctl <command> [flags]

commands:
  recheck --plan <id> [--json]   verify a plan's PO numbers against sent mail now
  sweep [--limit N] [--enqueue]  verify every plan waiting in po_entered
  queue [--json]                 show background queue statistics
`

// Run executes the subcommand in args and returns the process exit code.
func (a *App) Run(ctx context.Context, args []string) int {
	if a.Stdout == nil {
		a.Stdout = os.Stdout
	}
	if a.Stderr == nil {
		a.Stderr = os.Stderr
	}
	if len(args) == 0 {
		_, _ = fmt.Fprint(a.Stderr, usage)
		return 2
	}
	switch args[0] {
	case "recheck":
		return a.recheck(ctx, args[1:])
	case "sweep":
		return a.sweep(ctx, args[1:])
	case "queue":
		return a.queue(ctx, args[1:])
	case "help", "-h", "--help":
		_, _ = fmt.Fprint(a.Stdout, usage)
		return 0
	default:
		_, _ = fmt.Fprintf(a.Stderr, "unknown command %q\n%s", args[0], usage)
		return 2
	}
}

func (a *App) parse(flags *pflag.FlagSet, args []string) (bool, int) {
	flags.SetOutput(a.Stderr)
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return false, 0
		}
		return false, 2
	}
	if rest := flags.Args(); len(rest) > 0 {
		_, _ = fmt.Fprintf(a.Stderr, "%s: unexpected argument %q\n", flags.Name(), rest[0])
		return false, 2
	}
	return true, 0
}

func (a *App) recheck(ctx context.Context, args []string) int {
	var (
		planFlag   string
		jsonOutput bool
	)
	flags := pflag.NewFlagSet("recheck", pflag.ContinueOnError)
	flags.StringVar(&planFlag, "plan", "", "buy plan id")
	flags.BoolVar(&jsonOutput, "json", false, "print the result as JSON")
	if ok, code := a.parse(flags, args); !ok {
		return code
	}
	planID, err := uuid.Parse(planFlag)
	if err != nil {
		_, _ = fmt.Fprintln(a.Stderr, "recheck: --plan must be a buy plan id")
		return 2
	}

	result, err := a.Verifier.Reconcile(ctx, planID)
	if err != nil {
		_, _ = fmt.Fprintf(a.Stderr, "recheck: %v\n", err)
		return 1
	}
	if jsonOutput {
		if err := json.NewEncoder(a.Stdout).Encode(result); err != nil {
			_, _ = fmt.Fprintf(a.Stderr, "recheck: encode json: %v\n", err)
			return 1
		}
		return 0
	}
	_, _ = fmt.Fprintf(a.Stdout, "plan %s status=%s promoted=%t\n", result.PlanID, result.Status, result.Promoted)
	for _, line := range result.Lines {
		state := "unverified"
		switch {
		case line.AlreadyVerified:
			state = "already verified"
		case line.Verified:
			state = "verified"
		case line.Error != "":
			state = "error: " + line.Error
		}
		_, _ = fmt.Fprintf(a.Stdout, "  line %d PO %s: %s", line.LineIndex, line.PONumber, state)
		if line.Recipient != "" {
			_, _ = fmt.Fprintf(a.Stdout, " (to %s)", line.Recipient)
		}
		_, _ = fmt.Fprintln(a.Stdout)
	}
	return 0
}

func (a *App) sweep(ctx context.Context, args []string) int {
	var (
		limit   int
		enqueue bool
	)
	flags := pflag.NewFlagSet("sweep", pflag.ContinueOnError)
	flags.IntVar(&limit, "limit", 200, "maximum plans to reconcile")
	flags.BoolVar(&enqueue, "enqueue", false, "queue the sweep for the worker instead of running it here")
	if ok, code := a.parse(flags, args); !ok {
		return code
	}

	if enqueue {
		info, err := a.Queue.Trigger(ctx, jobs.TaskPOSweep)
		if err != nil {
			_, _ = fmt.Fprintf(a.Stderr, "sweep: enqueue: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(a.Stdout, "queued %s as %s\n", jobs.TaskPOSweep, info.ID)
		return 0
	}

	promoted, err := a.Verifier.Sweep(ctx, limit)
	if err != nil {
		_, _ = fmt.Fprintf(a.Stderr, "sweep: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(a.Stdout, "promoted %d plan(s) to po_confirmed\n", promoted)
	return 0
}

func (a *App) queue(ctx context.Context, args []string) int {
	var jsonOutput bool
	flags := pflag.NewFlagSet("queue", pflag.ContinueOnError)
	flags.BoolVar(&jsonOutput, "json", false, "print the stats as JSON")
	if ok, code := a.parse(flags, args); !ok {
		return code
	}

	stats, err := a.Queue.InspectQueue(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(a.Stderr, "queue: %v\n", err)
		return 1
	}
	if jsonOutput {
		if err := json.NewEncoder(a.Stdout).Encode(stats); err != nil {
			_, _ = fmt.Fprintf(a.Stderr, "queue: encode json: %v\n", err)
			return 1
		}
		return 0
	}
	_, _ = fmt.Fprintf(a.Stdout, "queue=%s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
		stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
	return 0
}
