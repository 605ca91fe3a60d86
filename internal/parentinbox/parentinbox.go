// Package parentinbox implements the append-only parent_inbox.jsonl log:
// operator-submitted parent task descriptions awaiting manual triage into
// real tasks, following the teacher's eventlog/audit append-then-close
// discipline for unstructured JSONL artifacts.
package parentinbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Entry is one line of parent_inbox.jsonl.
type Entry struct {
	ID           string `json:"id"`
	Description  string `json:"description"`
	SubmittedUTC string `json:"submitted_utc"`
}

// Append writes one Entry to path, creating the file and its parent
// directory if needed. Each call opens, writes, and closes independently
// so concurrent CLI invocations never hold the file open across calls.
// Submitting the same id twice appends two distinct entries: the inbox is
// a triage queue, not a dedup set.
func Append(path, id, description string) (*Entry, error) {
	id = strings.TrimSpace(id)
	description = strings.TrimSpace(description)
	if id == "" || description == "" {
		return nil, fmt.Errorf("parentinbox: id and description are required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create parent inbox dir: %w", err)
	}

	entry := &Entry{
		ID:           id,
		Description:  description,
		SubmittedUTC: time.Now().UTC().Format("2006-01-02T15:04:05Z"),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal parent inbox entry: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open parent inbox %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return nil, fmt.Errorf("append parent inbox entry: %w", err)
	}
	return entry, nil
}
