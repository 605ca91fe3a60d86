package evidence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/quantsys/scc-hub/internal/eventlog"
)

func TestBuildIndexReportsKnownPaths(t *testing.T) {
	root := t.TempDir()
	events := eventlog.New(root)
	defer events.Close()

	if _, err := events.Emit("T1", eventlog.KindEvent, "task.enqueued", nil); err != nil {
		t.Fatal(err)
	}

	s := New(root, events)
	idx, err := s.BuildIndex("T1")
	if err != nil {
		t.Fatal(err)
	}

	var foundEvents, foundTask bool
	for _, p := range idx.Paths {
		if p.Path == "events.jsonl" {
			foundEvents = true
			if !p.Exists || p.SizeBytes == 0 {
				t.Errorf("events.jsonl should exist with nonzero size")
			}
		}
		if p.Path == "task.json" {
			foundTask = true
			if p.Exists {
				t.Errorf("task.json should not exist yet")
			}
		}
	}
	if !foundEvents || !foundTask {
		t.Fatalf("index missing known paths: %+v", idx.Paths)
	}

	if _, err := os.Stat(filepath.Join(root, "T1", "evidence", "index.json")); err != nil {
		t.Fatalf("index.json not written: %v", err)
	}
}

func TestRecordSubtaskSummary(t *testing.T) {
	root := t.TempDir()
	events := eventlog.New(root)
	defer events.Close()

	for i := 0; i < 5; i++ {
		if _, err := events.Emit("C1", eventlog.KindEvent, "tick", nil); err != nil {
			t.Fatal(err)
		}
	}

	s := New(root, events)
	report := "Some report text.\n```SUBMIT\nstatus: PASS\n```\nTrailer."
	summary, err := s.RecordSubtaskSummary("P1", "C1", report)
	if err != nil {
		t.Fatal(err)
	}
	if summary.SubmitBlock != "status: PASS" {
		t.Errorf("submit block = %q", summary.SubmitBlock)
	}
	if len(summary.ChildRecentEventsTail) != 5 {
		t.Errorf("expected 5 tailed events, got %d", len(summary.ChildRecentEventsTail))
	}

	out := filepath.Join(root, "P1", "evidence", "subtask_summaries", "C1.json")
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("summary file not written: %v", err)
	}

	tail, err := eventlog.Tail(filepath.Join(root, "P1", "events.jsonl"), nil, eventlog.MaxMaxBytes, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail.Lines) != 1 || tail.Lines[0].Name != "subtask_summary_recorded" {
		t.Fatalf("expected subtask_summary_recorded event on parent, got %+v", tail.Lines)
	}
}
