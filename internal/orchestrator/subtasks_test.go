package orchestrator

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/quantsys/scc-hub/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scc-hub.db")
	s, err := persistence.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSubmitSubtaskLinksParentAndChild(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	if _, err := store.CreateTask(ctx, persistence.NewTaskParams{
		TaskID: "PARENT-1", TaskCode: "parent", OwnerRole: "orchestrator",
	}); err != nil {
		t.Fatal(err)
	}

	pool := NewSubtaskPool(store, t.TempDir())
	child, err := pool.SubmitSubtask(ctx, "PARENT-1", SubtaskExplore, map[string]any{"goal": "find the bug"}, "orchestrator", 5)
	if err != nil {
		t.Fatal(err)
	}
	if child.ParentTaskID != "PARENT-1" {
		t.Fatalf("child parent_task_id = %q", child.ParentTaskID)
	}
	meta, _ := child.Request["meta"].(map[string]any)
	if meta["parent_task_id"] != "PARENT-1" {
		t.Fatalf("child request.meta.parent_task_id not stamped: %+v", child.Request)
	}

	links, err := pool.ListSubtasks(ctx, "PARENT-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 1 || links[0].ChildTaskID != child.TaskID {
		t.Fatalf("unexpected links: %+v", links)
	}
}

func TestListSubtasksFallsBackToScan(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	if _, err := store.CreateTask(ctx, persistence.NewTaskParams{
		TaskID: "PARENT-2", TaskCode: "parent", OwnerRole: "orchestrator",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateTask(ctx, persistence.NewTaskParams{
		TaskID: "CHILD-2", ParentTaskID: "PARENT-2", TaskCode: "child", OwnerRole: "orchestrator", TaskClassID: "code",
	}); err != nil {
		t.Fatal(err)
	}

	// No subtasks.json index was ever written for this pool instance.
	pool := NewSubtaskPool(store, t.TempDir())
	links, err := pool.ListSubtasks(ctx, "PARENT-2")
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 1 || links[0].ChildTaskID != "CHILD-2" {
		t.Fatalf("expected scan fallback to find CHILD-2, got %+v", links)
	}
}

func TestSubmitSubtaskRejectsUnknownType(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	pool := NewSubtaskPool(store, t.TempDir())
	if _, err := pool.SubmitSubtask(ctx, "PARENT-3", SubtaskType("bogus"), nil, "orchestrator", 1); err == nil {
		t.Fatal("expected error for unknown subtask type")
	}
}
