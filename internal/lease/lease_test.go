package lease

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/quantsys/scc-hub/internal/bus"
	"github.com/quantsys/scc-hub/internal/eventlog"
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

func newTestManager(t *testing.T, store *persistence.Store, maxRetries int) *Manager {
	t.Helper()
	return newTestManagerWithEvents(t, store, maxRetries, t.TempDir())
}

func newTestManagerWithEvents(t *testing.T, store *persistence.Store, maxRetries int, tasksRoot string) *Manager {
	t.Helper()
	return New(Config{
		Store:      store,
		Events:     eventlog.New(tasksRoot),
		Bus:        bus.New(),
		MaxRetries: maxRetries,
	})
}

func TestSweepRequeuesExpiredLease(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	if _, err := store.CreateTask(ctx, persistence.NewTaskParams{TaskID: "T1", TaskCode: "c1"}); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkReady(ctx, "T1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ClaimNextReady(ctx, "agent-1", "lo1", "", -time.Second); err != nil {
		t.Fatal(err)
	}

	m := newTestManager(t, store, 3)
	m.Sweep(ctx)

	task, err := store.GetTask(ctx, "T1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != persistence.StatusReady {
		t.Fatalf("status = %s, want ready", task.Status)
	}
	if task.RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", task.RetryCount)
	}
}

func TestSweepDeadLettersAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	if _, err := store.CreateTask(ctx, persistence.NewTaskParams{TaskID: "T1", TaskCode: "c1"}); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkReady(ctx, "T1"); err != nil {
		t.Fatal(err)
	}

	m := newTestManager(t, store, 1)
	for i := 0; i < 2; i++ {
		if _, err := store.ClaimNextReady(ctx, "agent-1", "lo1", "", -time.Second); err != nil {
			t.Fatal(err)
		}
		m.Sweep(ctx)
	}

	task, err := store.GetTask(ctx, "T1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != persistence.StatusDLQ {
		t.Fatalf("status = %s, want dlq after exceeding max_retries", task.Status)
	}
}

func TestReplayDLQResetsRetryCount(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	if _, err := store.CreateTask(ctx, persistence.NewTaskParams{TaskID: "T1", TaskCode: "c1", Priority: 3}); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkReady(ctx, "T1"); err != nil {
		t.Fatal(err)
	}

	tasksRoot := t.TempDir()
	m := newTestManagerWithEvents(t, store, 1, tasksRoot)
	for i := 0; i < 2; i++ {
		if _, err := store.ClaimNextReady(ctx, "agent-1", "lo1", "", -time.Second); err != nil {
			t.Fatal(err)
		}
		m.Sweep(ctx)
	}

	task, err := store.GetTask(ctx, "T1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != persistence.StatusDLQ {
		t.Fatalf("precondition failed: status = %s, want dlq", task.Status)
	}

	replayed, err := m.ReplayDLQ(ctx, "T1")
	if err != nil {
		t.Fatal(err)
	}
	if replayed.ParentTaskID != "T1" {
		t.Fatalf("parent_task_id = %s, want T1", replayed.ParentTaskID)
	}
	if replayed.RetryCount != 0 {
		t.Fatalf("retry_count = %d, want 0", replayed.RetryCount)
	}
	if replayed.Status != persistence.StatusReady {
		t.Fatalf("status = %s, want ready", replayed.Status)
	}

	eventsPath := filepath.Join(tasksRoot, replayed.TaskID, "events.jsonl")
	data, err := os.ReadFile(eventsPath)
	if err != nil {
		t.Fatalf("read events.jsonl: %v", err)
	}
	if !strings.Contains(string(data), `"replay_created"`) {
		t.Fatalf("events.jsonl for %s missing replay_created: %s", replayed.TaskID, data)
	}
}

func TestReplayDLQRejectsNonDLQTask(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	if _, err := store.CreateTask(ctx, persistence.NewTaskParams{TaskID: "T1", TaskCode: "c1"}); err != nil {
		t.Fatal(err)
	}
	m := newTestManager(t, store, 3)
	if _, err := m.ReplayDLQ(ctx, "T1"); err != ErrNotDeadLettered {
		t.Fatalf("expected ErrNotDeadLettered, got %v", err)
	}
}
