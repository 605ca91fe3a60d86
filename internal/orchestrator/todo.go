package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const maxTodoItems = 20

// TodoStatus is the lifecycle state of one todo item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// ErrTodoInvalid is returned for any violation of the todo-list invariants
// (spec §4.10): at most 20 items, at most one in_progress, every item needs
// non-empty content and activeForm, and status must be one of the three
// known values.
type ErrTodoInvalid struct{ Reason string }

func (e *ErrTodoInvalid) Error() string { return "TODO_INVALID: " + e.Reason }

// TodoItem is one entry in a task's todo list.
type TodoItem struct {
	Content    string     `json:"content"`
	Status     TodoStatus `json:"status"`
	ActiveForm string     `json:"activeForm"`
}

// TodoState is the full todo_state.json document for one task.
type TodoState struct {
	UpdatedUTC string     `json:"updated_utc"`
	Items      []TodoItem `json:"items"`
}

func validateTodoItems(items []TodoItem) error {
	if len(items) > maxTodoItems {
		return &ErrTodoInvalid{Reason: fmt.Sprintf("%d items exceeds max of %d", len(items), maxTodoItems)}
	}
	inProgress := 0
	for i, it := range items {
		if it.Content == "" {
			return &ErrTodoInvalid{Reason: fmt.Sprintf("item %d: empty content", i)}
		}
		if it.ActiveForm == "" {
			return &ErrTodoInvalid{Reason: fmt.Sprintf("item %d: empty activeForm", i)}
		}
		switch it.Status {
		case TodoPending, TodoInProgress, TodoCompleted:
		default:
			return &ErrTodoInvalid{Reason: fmt.Sprintf("item %d: unknown status %q", i, it.Status)}
		}
		if it.Status == TodoInProgress {
			inProgress++
		}
	}
	if inProgress > 1 {
		return &ErrTodoInvalid{Reason: fmt.Sprintf("%d items in_progress, at most 1 allowed", inProgress)}
	}
	return nil
}

// TodoStore persists a task's todo list under its task directory.
type TodoStore struct {
	tasksRoot string
}

// NewTodoStore creates a store rooted at tasksRoot (artifacts/scc_tasks).
func NewTodoStore(tasksRoot string) *TodoStore {
	return &TodoStore{tasksRoot: tasksRoot}
}

func (s *TodoStore) path(taskID string) string {
	return filepath.Join(s.tasksRoot, taskID, "todo_state.json")
}

// Load reads a task's todo_state.json, returning an empty state if the file
// does not yet exist.
func (s *TodoStore) Load(taskID string) (*TodoState, error) {
	data, err := os.ReadFile(s.path(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return &TodoState{}, nil
		}
		return nil, fmt.Errorf("read todo state for %s: %w", taskID, err)
	}
	var st TodoState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse todo state for %s: %w", taskID, err)
	}
	return &st, nil
}

// Save validates items against the todo invariants and atomically writes
// todo_state.json, returning ErrTodoInvalid without touching disk on any
// violation.
func (s *TodoStore) Save(taskID string, items []TodoItem) (*TodoState, error) {
	if err := validateTodoItems(items); err != nil {
		return nil, err
	}
	st := &TodoState{UpdatedUTC: time.Now().UTC().Format(time.RFC3339Nano), Items: items}
	path := s.path(taskID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return nil, err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, err
	}
	return st, nil
}
