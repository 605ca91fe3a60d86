package persistence

import (
	"context"
	"testing"
	"time"
)

func TestClaimNextReadyForAgentFiltersByCapability(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateTask(ctx, NewTaskParams{TaskID: "T1", TaskCode: "c1", Priority: 1, OwnerRole: "worker", RequiredCapability: "build"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateTask(ctx, NewTaskParams{TaskID: "T2", TaskCode: "c2", Priority: 1, OwnerRole: "worker", RequiredCapability: "deploy"}); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkReady(ctx, "T1"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkReady(ctx, "T2"); err != nil {
		t.Fatal(err)
	}

	claimed, err := s.ClaimNextReadyForAgent(ctx, "agent-1", "lease-1", "worker", []string{"build"}, 0, 0, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if claimed == nil || claimed.TaskID != "T1" {
		t.Fatalf("expected T1 to be claimed, got %+v", claimed)
	}
}

func TestClaimNextReadyForAgentAgesWaitingTasks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateTask(ctx, NewTaskParams{TaskID: "OLD", TaskCode: "old", Priority: 1, OwnerRole: "worker"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateTask(ctx, NewTaskParams{TaskID: "NEW", TaskCode: "new", Priority: 5, OwnerRole: "worker"}); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkReady(ctx, "OLD"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkReady(ctx, "NEW"); err != nil {
		t.Fatal(err)
	}
	// Push OLD's created_utc far enough into the past that aging outweighs
	// NEW's higher base priority.
	if _, err := s.db.ExecContext(ctx, `UPDATE tasks SET created_utc = ? WHERE task_id = 'OLD'`, time.Now().UTC().Add(-10*time.Minute)); err != nil {
		t.Fatal(err)
	}

	claimed, err := s.ClaimNextReadyForAgent(ctx, "agent-1", "lease-1", "worker", nil, 30*time.Second, 1, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if claimed == nil || claimed.TaskID != "OLD" {
		t.Fatalf("expected aged OLD task to win dispatch, got %+v", claimed)
	}
}

func TestClaimNextReadyForAgentRespectsOwnerRole(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateTask(ctx, NewTaskParams{TaskID: "T1", TaskCode: "c1", Priority: 1, OwnerRole: "admin"}); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkReady(ctx, "T1"); err != nil {
		t.Fatal(err)
	}

	claimed, err := s.ClaimNextReadyForAgent(ctx, "agent-1", "lease-1", "worker", nil, 0, 0, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if claimed != nil {
		t.Fatalf("expected no eligible task for role mismatch, got %+v", claimed)
	}
}
