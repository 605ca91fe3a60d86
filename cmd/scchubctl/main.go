// Command scchubctl is the operator CLI for scc-hub: status, doctor, and
// task submission/replay against a running daemon's Gateway.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: scchubctl <command> [args]

commands:
  status                                check daemon health over HTTP
  doctor [-json]                        run on-disk/database diagnostics
  task create <code>                    submit a task (requires SCC_HUB_TOKEN)
  task replay <id>                      replay a dead-lettered task
  submit-parent --id <id> --description <text> [--inbox <path>]
                                         append a parent task to the parent inbox
  reindex-task-evidence [--task-id <id>] [--limit <n>]
                                         rebuild evidence/index.json for one or all tasks
  prune-executor-active-runs [--abandon-after-s <n>]
                                         force-dlq in_progress tasks stuck past the abandon age
  replay-bundle --bundle <path>          create a task from a replay_bundle.json (requires SCC_HUB_TOKEN)`)
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := os.Args[1]
	args := os.Args[2:]

	var code int
	switch cmd {
	case "status":
		code = runStatusCommand(ctx, args)
	case "doctor":
		code = runDoctorCommand(ctx, args)
	case "task":
		code = runTaskCommand(ctx, args)
	case "submit-parent":
		code = runSubmitParentCommand(args)
	case "reindex-task-evidence":
		code = runReindexTaskEvidenceCommand(args)
	case "prune-executor-active-runs":
		code = runPruneExecutorActiveRunsCommand(ctx, args)
	case "replay-bundle":
		code = runReplayBundleCommand(ctx, args)
	case "-h", "--help", "help":
		printUsage()
		code = 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		printUsage()
		code = 2
	}
	os.Exit(code)
}
