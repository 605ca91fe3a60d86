package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/quantsys/scc-hub/internal/config"
	"github.com/quantsys/scc-hub/internal/parentinbox"
)

// runSubmitParentCommand appends one entry to parent_inbox.jsonl, the
// operator-facing queue of parent task descriptions awaiting triage into
// real tasks. A local filesystem operation -- it does not go through the
// Gateway, matching the directness of the original inbox writer.
func runSubmitParentCommand(args []string) int {
	fs := flag.NewFlagSet("submit-parent", flag.ContinueOnError)
	id := fs.String("id", "", "parent task id")
	description := fs.String("description", "", "parent task description")
	inbox := fs.String("inbox", "", "override parent_inbox.jsonl path")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	path := *inbox
	if path == "" {
		path = cfg.ParentInboxPath
	}

	entry, err := parentinbox.Append(path, *id, *description)
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit-parent: %v\n", err)
		return 2
	}

	fmt.Println(path)
	fmt.Printf("appended id=%q submitted_utc=%s\n", entry.ID, entry.SubmittedUTC)
	return 0
}
