package parentinbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAppendCreatesFileAndDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "parent_inbox.jsonl")
	entry, err := Append(path, "P1", "investigate flaky build")
	if err != nil {
		t.Fatal(err)
	}
	if entry.ID != "P1" || entry.Description != "investigate flaky build" {
		t.Fatalf("entry = %+v", entry)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1", len(lines))
	}
}

func TestAppendSameEntryTwiceAppendsTwoLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parent_inbox.jsonl")
	if _, err := Append(path, "P1", "same description"); err != nil {
		t.Fatal(err)
	}
	if _, err := Append(path, "P1", "same description"); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2 (no dedup)", len(lines))
	}
}

func TestAppendRejectsEmptyFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parent_inbox.jsonl")
	if _, err := Append(path, "", "description"); err == nil {
		t.Fatal("expected error for empty id")
	}
	if _, err := Append(path, "P1", ""); err == nil {
		t.Fatal("expected error for empty description")
	}
}
