package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/quantsys/scc-hub/internal/config"
	"github.com/quantsys/scc-hub/internal/evidence"
)

// runReindexTaskEvidenceCommand rebuilds evidence/index.json for one task
// (--task-id) or the most recently touched tasks under artifacts/scc_tasks
// (--limit, newest first), a maintenance op for when the index has drifted
// from what's actually on disk.
func runReindexTaskEvidenceCommand(args []string) int {
	fs := flag.NewFlagSet("reindex-task-evidence", flag.ContinueOnError)
	taskID := fs.String("task-id", "", "reindex a single task")
	limit := fs.Int("limit", 200, "max tasks to scan when --task-id is omitted")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	tasksRoot := filepath.Join(cfg.RepoRoot, "artifacts", "scc_tasks")
	store := evidence.New(tasksRoot, nil)

	id := strings.TrimSpace(*taskID)
	if id != "" {
		idx, err := store.BuildIndex(id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "reindex %s: %v\n", id, err)
			return 1
		}
		fmt.Println(filepath.Join(tasksRoot, id, "evidence", "index.json"))
		_ = idx
		return 0
	}

	entries, err := os.ReadDir(tasksRoot)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Printf("[reindex] tasks_root not found: %s\n", tasksRoot)
			return 0
		}
		fmt.Fprintf(os.Stderr, "read tasks root: %v\n", err)
		return 1
	}

	type dirInfo struct {
		name    string
		modUnix int64
	}
	var dirs []dirInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		dirs = append(dirs, dirInfo{name: e.Name(), modUnix: info.ModTime().Unix()})
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].modUnix > dirs[j].modUnix })

	lim := *limit
	if lim < 1 {
		lim = 1
	}
	if lim > 5000 {
		lim = 5000
	}
	if lim > len(dirs) {
		lim = len(dirs)
	}

	var ok, errCount int
	for _, d := range dirs[:lim] {
		if _, err := store.BuildIndex(d.name); err != nil {
			errCount++
			continue
		}
		ok++
	}
	fmt.Printf("[reindex] repo_root=%s\n", cfg.RepoRoot)
	fmt.Printf("[reindex] tasks_scanned=%d ok=%d err=%d\n", lim, ok, errCount)
	return 0
}
