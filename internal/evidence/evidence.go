// Package evidence implements the per-task EvidenceStore (component C2):
// the evidence directory index and subtask-summary recording. All writes
// use tmp-file-then-rename so a crash never leaves a partially written
// index.json on disk (spec §7 recovery policy).
package evidence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/quantsys/scc-hub/internal/eventlog"
)

// knownPaths are the well-known per-task artifacts the index always reports
// on, whether or not they currently exist (spec §6 persisted state layout).
var knownPaths = []string{
	"task.json",
	"events.jsonl",
	"todo_state.json",
	"subtasks.json",
	"evidence/index.json",
	"evidence/orchestrator_plan_graph.json",
	"evidence/tool_execution_plan.json",
	"evidence/patches",
	"evidence/permission_decisions",
	"evidence/subtask_summaries",
	"codex_plan.json",
	"chat_context.json",
}

const maxDirListing = 200

// PathEntry describes one known path's on-disk state.
type PathEntry struct {
	Path     string `json:"path"`
	Exists   bool   `json:"exists"`
	SizeBytes int64 `json:"size_bytes"`
	MTimeUTC string `json:"mtime_utc,omitempty"`
	IsDir    bool   `json:"is_dir,omitempty"`
	Files    []PathEntry `json:"files,omitempty"`
}

// Index is the evidence manifest written to evidence/index.json.
type Index struct {
	TaskID    string      `json:"task_id"`
	BuiltUTC  string      `json:"built_utc"`
	Paths     []PathEntry `json:"paths"`
}

// Store manages evidence directories rooted at tasksRoot.
type Store struct {
	tasksRoot string
	events    *eventlog.Log
}

// New creates a Store over artifacts/scc_tasks/<task_id>/ directories.
func New(tasksRoot string, events *eventlog.Log) *Store {
	return &Store{tasksRoot: tasksRoot, events: events}
}

func (s *Store) taskDir(taskID string) string {
	return filepath.Join(s.tasksRoot, taskID)
}

// BuildIndex computes and atomically persists the evidence index for a task.
func (s *Store) BuildIndex(taskID string) (*Index, error) {
	dir := s.taskDir(taskID)
	idx := &Index{TaskID: taskID, BuiltUTC: time.Now().UTC().Format(time.RFC3339Nano)}

	for _, rel := range knownPaths {
		full := filepath.Join(dir, rel)
		entry := PathEntry{Path: rel}
		info, err := os.Stat(full)
		if err != nil {
			idx.Paths = append(idx.Paths, entry)
			continue
		}
		entry.Exists = true
		entry.MTimeUTC = info.ModTime().UTC().Format(time.RFC3339Nano)
		if info.IsDir() {
			entry.IsDir = true
			entry.Files = listDir(full, maxDirListing)
		} else {
			entry.SizeBytes = info.Size()
		}
		idx.Paths = append(idx.Paths, entry)
	}

	if err := s.writeAtomic(filepath.Join(dir, "evidence", "index.json"), idx); err != nil {
		return nil, fmt.Errorf("write evidence index for %s: %w", taskID, err)
	}
	return idx, nil
}

func listDir(dir string, max int) []PathEntry {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	var out []PathEntry
	for i, e := range entries {
		if i >= max {
			break
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, PathEntry{
			Path:      e.Name(),
			Exists:    true,
			SizeBytes: info.Size(),
			MTimeUTC:  info.ModTime().UTC().Format(time.RFC3339Nano),
			IsDir:     info.IsDir(),
		})
	}
	return out
}

// writeAtomic marshals v to JSON and writes it via tmp+rename.
func (s *Store) writeAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

var submitBlockRe = regexp.MustCompile("(?s)```SUBMIT\\s*\\n(.*?)\\n```")

// SubtaskSummary is the recorded link between a parent and one completed
// child task.
type SubtaskSummary struct {
	ChildTaskID        string   `json:"child_task_id"`
	RecordedUTC        string   `json:"recorded_utc"`
	SubmitBlock        string   `json:"submit_block"`
	ChildRecentEventsTail []string `json:"child_recent_events_tail"`
}

// RecordSubtaskSummary reads the child's report markdown (if present) for a
// fenced ```SUBMIT``` block, tails the child's last 60 events, and writes
// the summary under the parent's evidence directory. Emits
// subtask_summary_recorded on the parent.
func (s *Store) RecordSubtaskSummary(parentTaskID, childTaskID, childReportMarkdown string) (*SubtaskSummary, error) {
	summary := &SubtaskSummary{
		ChildTaskID: childTaskID,
		RecordedUTC: time.Now().UTC().Format(time.RFC3339Nano),
	}

	if m := submitBlockRe.FindStringSubmatch(childReportMarkdown); m != nil {
		summary.SubmitBlock = strings.TrimSpace(m[1])
	}

	childEventsPath := filepath.Join(s.taskDir(childTaskID), "events.jsonl")
	tail, err := eventlog.Tail(childEventsPath, nil, eventlog.MaxMaxBytes, 60)
	if err != nil {
		return nil, fmt.Errorf("tail child events for summary: %w", err)
	}
	for _, ev := range tail.Lines {
		b, _ := json.Marshal(ev)
		summary.ChildRecentEventsTail = append(summary.ChildRecentEventsTail, string(b))
	}

	out := filepath.Join(s.taskDir(parentTaskID), "evidence", "subtask_summaries", childTaskID+".json")
	if err := s.writeAtomic(out, summary); err != nil {
		return nil, fmt.Errorf("write subtask summary: %w", err)
	}

	if s.events != nil {
		if _, err := s.events.Emit(parentTaskID, eventlog.KindEvent, "subtask_summary_recorded", map[string]any{
			"child_task_id": childTaskID,
		}); err != nil {
			return nil, fmt.Errorf("emit subtask_summary_recorded: %w", err)
		}
	}
	return summary, nil
}

// removeStaleTmp deletes a dangling tmp file left by a crash mid-write, per
// spec §7's "tmp exists at startup, it is removed" recovery rule.
func removeStaleTmp(path string) {
	_ = os.Remove(path + ".tmp")
}

// RecoverStartup scans a task's evidence directory for stale .tmp files left
// by a crash mid-write and removes them.
func (s *Store) RecoverStartup(taskID string) {
	dir := filepath.Join(s.taskDir(taskID), "evidence")
	removeStaleTmp(filepath.Join(dir, "index.json"))
	removeStaleTmp(filepath.Join(dir, "orchestrator_plan_graph.json"))
	removeStaleTmp(filepath.Join(dir, "tool_execution_plan.json"))
}
