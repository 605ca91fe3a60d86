package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/quantsys/scc-hub/internal/bus"
	"github.com/quantsys/scc-hub/internal/persistence"
)

func TestWaitForTaskReturnsImmediatelyIfAlreadyTerminal(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	if _, err := store.CreateTask(ctx, persistence.NewTaskParams{TaskID: "T1", TaskCode: "c", OwnerRole: "worker"}); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkReady(ctx, "T1"); err != nil {
		t.Fatal(err)
	}
	task, err := store.ClaimNextReady(ctx, "agent-1", "lease-1", "", time.Minute)
	if err != nil || task == nil {
		t.Fatalf("claim: %v, %+v", err, task)
	}
	if err := store.StartRun(ctx, "T1", "lease-1", "run-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ReportResult(ctx, "T1", "lease-1", true, "PASS", nil, "", "", 3); err != nil {
		t.Fatal(err)
	}

	w := NewWaiter(bus.New(), store)
	out, err := w.WaitForTask(ctx, "T1", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != persistence.StatusDone {
		t.Fatalf("status = %s", out.Status)
	}
}

func TestWaitForTaskWakesOnEvent(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	if _, err := store.CreateTask(ctx, persistence.NewTaskParams{TaskID: "T2", TaskCode: "c", OwnerRole: "worker"}); err != nil {
		t.Fatal(err)
	}

	b := bus.New()
	w := NewWaiter(b, store)

	done := make(chan *Outcome, 1)
	errs := make(chan error, 1)
	go func() {
		out, err := w.WaitForTask(ctx, "T2", 2*time.Second)
		if err != nil {
			errs <- err
			return
		}
		done <- out
	}()

	time.Sleep(50 * time.Millisecond)
	if err := store.MarkReady(ctx, "T2"); err != nil {
		t.Fatal(err)
	}
	task, err := store.ClaimNextReady(ctx, "agent-1", "lease-2", "", time.Minute)
	if err != nil || task == nil {
		t.Fatalf("claim: %v, %+v", err, task)
	}
	if err := store.StartRun(ctx, "T2", "lease-2", "run-2"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ReportResult(ctx, "T2", "lease-2", true, "PASS", nil, "", "", 3); err != nil {
		t.Fatal(err)
	}
	b.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{TaskID: "T2", OldStatus: persistence.StatusInProgress, NewStatus: persistence.StatusDone})

	select {
	case out := <-done:
		if out.Status != persistence.StatusDone {
			t.Fatalf("status = %s", out.Status)
		}
	case err := <-errs:
		t.Fatal(err)
	case <-time.After(3 * time.Second):
		t.Fatal("WaitForTask did not wake on event")
	}
}

func TestWaitForAllCollectsEachOutcome(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	ids := []string{"T3", "T4"}
	for _, id := range ids {
		if _, err := store.CreateTask(ctx, persistence.NewTaskParams{TaskID: id, TaskCode: "c", OwnerRole: "worker"}); err != nil {
			t.Fatal(err)
		}
		if err := store.MarkReady(ctx, id); err != nil {
			t.Fatal(err)
		}
		task, err := store.ClaimNextReady(ctx, "agent-1", "lease-"+id, "", time.Minute)
		if err != nil || task == nil {
			t.Fatalf("claim %s: %v, %+v", id, err, task)
		}
		if err := store.StartRun(ctx, id, "lease-"+id, "run-"+id); err != nil {
			t.Fatal(err)
		}
		if _, err := store.ReportResult(ctx, id, "lease-"+id, true, "PASS", nil, "", "", 3); err != nil {
			t.Fatal(err)
		}
	}

	w := NewWaiter(bus.New(), store)
	results, err := w.WaitForAll(ctx, ids, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
}
