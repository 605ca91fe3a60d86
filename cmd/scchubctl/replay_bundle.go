package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/quantsys/scc-hub/internal/config"
)

// replayBundle is the on-disk shape produced by whatever tooling packages up
// a dead task for re-submission: the new task's creation payload plus
// bookkeeping about where it came from.
type replayBundle struct {
	SourceTaskID string         `json:"source_task_id,omitempty"`
	TaskPayload  map[string]any `json:"task_payload"`
}

// runReplayBundleCommand reads a replay_bundle.json and creates the task it
// describes via the Gateway's /api/task/create. Unlike the original tool's
// --dispatch flag, there is no separate dispatch step here: task creation
// already marks the task ready for the scheduler to pick up.
func runReplayBundleCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("replay-bundle", flag.ContinueOnError)
	bundlePath := fs.String("bundle", "", "path to a replay_bundle.json")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	path := strings.TrimSpace(*bundlePath)
	if path == "" {
		fmt.Fprintln(os.Stderr, "usage: scchubctl replay-bundle --bundle <path>")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	token := strings.TrimSpace(os.Getenv("SCC_HUB_TOKEN"))
	if token == "" {
		fmt.Fprintln(os.Stderr, "SCC_HUB_TOKEN must be set to an admin or submitter token")
		return 2
	}

	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read bundle: %v\n", err)
		return 1
	}
	var bundle replayBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		fmt.Fprintf(os.Stderr, "parse bundle: %v\n", err)
		return 1
	}
	if len(bundle.TaskPayload) == 0 {
		fmt.Fprintln(os.Stderr, "replay-bundle: bundle has no task_payload")
		return 2
	}
	if bundle.SourceTaskID != "" {
		fmt.Printf("[replay-bundle] source_task_id=%s\n", bundle.SourceTaskID)
	}

	return postJSON(ctx, cfg, token, "/api/task/create", bundle.TaskPayload)
}
