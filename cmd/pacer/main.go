package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/pace.report/internal/version"
)

func main() {
	flag.Usage = func() { printUsage(os.Stdout) }
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, flag.Args(), os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run dispatches one subcommand. It is main without the process exit so
// the commands can be driven from tests.
func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 1 {
		printUsage(out)
		return errors.New("missing command")
	}

	command, rest := args[0], args[1:]
	switch command {
	case "collect":
		return handleCollect(ctx, rest, out)
	case "train":
		return handleTrain(ctx, rest, out)
	case "predict":
		return handlePredict(ctx, rest, out)
	case "status":
		return handleStatus(ctx, rest, out)
	case "export":
		return handleExport(ctx, rest, out)
	case "build-curve":
		return handleBuildCurve(ctx, rest, out)
	case "migrate":
		return handleMigrate(rest, out)
	case "version":
		fmt.Fprintf(out, "pacer version %s\n", version.String())
		return nil
	case "help":
		printUsage(out)
		return nil
	default:
		printUsage(out)
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(out io.Writer) {
	fmt.Fprint(out, `pacer - grade-aware pace prediction for trail and road runners

Usage: pacer <command> [options] [args]

Commands:
  collect      Segment historical activities (.fit or .json) and store residual records
  train        Fit Tier 2 parameters and/or the Tier 3 residual model
  predict      Predict finish and split times for a route
  status       Show a runner's tier, progress and last training job
  export       Write collected segments as a parquet training set
  build-curve  Rebuild the population grade curve from every runner's records
  migrate      Manage the database schema (up, down, status, version, force)
  version      Show pacer version
  help         Show this help message

Common Flags:
  --config <file>   JSON tuning file (defaults to built-in values)
  --db <file>       SQLite database path (overrides db_path in --config)
  --curve <file>    Population curve JSON (overrides curve_path in --config)
  --user <id>       Runner the command applies to

Examples:
  # Collect a season of runs
  pacer collect --user alice ~/runs/2025/

  # Train every tier alice is eligible for
  pacer train --user alice

  # Race-effort prediction for a course
  pacer predict --user alice --effort race --units min/mi course.fit

Run 'pacer <command> --help' for the flags of each command.
`)
}
