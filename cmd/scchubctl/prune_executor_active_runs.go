package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/quantsys/scc-hub/internal/config"
	"github.com/quantsys/scc-hub/internal/persistence"
)

// runPruneExecutorActiveRunsCommand force-dlqs in_progress tasks whose
// updated_utc is older than the abandon-after threshold, catching runs
// whose executor died without ever letting its lease expire. Talks to the
// database directly rather than through the Gateway: this is an operator
// maintenance sweep, not a route any worker or submitter needs.
func runPruneExecutorActiveRunsCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("prune-executor-active-runs", flag.ContinueOnError)
	abandonAfterS := fs.Int("abandon-after-s", 0, "override the abandon-after threshold in seconds")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	abandonAfter := cfg.ExecutorAbandonAfter()
	if *abandonAfterS > 0 {
		abandonAfter = time.Duration(*abandonAfterS) * time.Second
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	pruned, err := store.PruneAbandonedRuns(ctx, abandonAfter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "prune: %v\n", err)
		return 1
	}

	fmt.Printf("[prune] db_path=%s\n", cfg.DBPath)
	fmt.Printf("[prune] abandon_after_s=%d\n", int(abandonAfter.Seconds()))
	fmt.Printf("[prune] pruned=%d\n", len(pruned))
	for _, id := range pruned {
		fmt.Println(id)
	}
	return 0
}
