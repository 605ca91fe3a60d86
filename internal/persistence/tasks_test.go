package persistence

import (
	"context"
	"testing"
	"time"
)

func TestCreateAndClaimTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, NewTaskParams{TaskID: "T1", TaskCode: "TC-1", Priority: 5, OwnerRole: "submitter"})
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != StatusPending {
		t.Fatalf("status = %s, want pending", task.Status)
	}

	if err := s.MarkReady(ctx, "T1"); err != nil {
		t.Fatal(err)
	}

	claimed, err := s.ClaimNextReady(ctx, "agent-1", "lease-owner-1", "", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if claimed == nil || claimed.TaskID != "T1" {
		t.Fatalf("claimed = %+v", claimed)
	}
	if claimed.Status != StatusLeased {
		t.Fatalf("status = %s, want leased", claimed.Status)
	}

	again, err := s.ClaimNextReady(ctx, "agent-1", "lease-owner-2", "", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if again != nil {
		t.Fatalf("expected no further ready tasks, got %+v", again)
	}
}

func TestPriorityOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, p := range []struct {
		id       string
		priority int
	}{
		{"T1", 1}, {"T2", 5}, {"T3", 3},
	} {
		if _, err := s.CreateTask(ctx, NewTaskParams{TaskID: p.id, TaskCode: p.id, Priority: p.priority}); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		if err := s.MarkReady(ctx, p.id); err != nil {
			t.Fatal(err)
		}
	}

	first, err := s.ClaimNextReady(ctx, "a", "lo1", "", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if first.TaskID != "T2" {
		t.Fatalf("first claimed = %s, want T2 (highest priority)", first.TaskID)
	}
}

func TestReportResultRetryThenDLQ(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateTask(ctx, NewTaskParams{TaskID: "T1", TaskCode: "TC-1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkReady(ctx, "T1"); err != nil {
		t.Fatal(err)
	}
	claimed, err := s.ClaimNextReady(ctx, "agent-1", "lo1", "", time.Minute)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.StartRun(ctx, "T1", "lo1", "run-1"); err != nil {
		t.Fatal(err)
	}

	failed, err := s.ReportResult(ctx, "T1", "lo1", false, "retry me", nil, "", "", 3)
	if err != nil {
		t.Fatal(err)
	}
	if failed.Status != StatusReady {
		t.Fatalf("status after first failure = %s, want ready (retry_count=1 < max 3)", failed.Status)
	}
	if failed.RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", failed.RetryCount)
	}

	// Drain remaining retries.
	for i := 0; i < 2; i++ {
		if err := s.MarkReady(ctx, "T1"); err != nil && err != ErrStateIllegal {
			t.Fatal(err)
		}
		claimed, err = s.ClaimNextReady(ctx, "agent-1", "lo2", "", time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if claimed == nil {
			t.Fatalf("expected a ready task to reclaim on iteration %d", i)
		}
		if err := s.StartRun(ctx, "T1", "lo2", "run-x"); err != nil {
			t.Fatal(err)
		}
		failed, err = s.ReportResult(ctx, "T1", "lo2", false, "retry me", nil, "", "", 3)
		if err != nil {
			t.Fatal(err)
		}
	}
	if failed.Status != StatusDLQ {
		t.Fatalf("status after exhausting retries = %s, want dlq", failed.Status)
	}
}

func TestReportResultRecordsCompletionOnSuccess(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateTask(ctx, NewTaskParams{TaskID: "T1", TaskCode: "TC-1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkReady(ctx, "T1"); err != nil {
		t.Fatal(err)
	}
	claimed, err := s.ClaimNextReady(ctx, "agent-1", "lo1", "", time.Minute)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.StartRun(ctx, "T1", "lo1", "run-1"); err != nil {
		t.Fatal(err)
	}

	n, err := s.CompletionsInWindow(ctx, "agent-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("completions before reporting = %d, want 0", n)
	}

	if _, err := s.ReportResult(ctx, "T1", "lo1", true, "pass", nil, "", "", 3); err != nil {
		t.Fatal(err)
	}

	n, err = s.CompletionsInWindow(ctx, "agent-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("completions after reporting success = %d, want 1", n)
	}
}

func TestReportResultLeaseInvalid(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateTask(ctx, NewTaskParams{TaskID: "T1", TaskCode: "TC-1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkReady(ctx, "T1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimNextReady(ctx, "agent-1", "lo1", "", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := s.StartRun(ctx, "T1", "lo1", "run-1"); err != nil {
		t.Fatal(err)
	}

	_, err := s.ReportResult(ctx, "T1", "wrong-owner", true, "ok", nil, "", "", 3)
	if err != ErrLeaseInvalid {
		t.Fatalf("err = %v, want ErrLeaseInvalid", err)
	}
}

func TestPruneAbandonedRunsForcesInProgressToDLQ(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateTask(ctx, NewTaskParams{TaskID: "T1", TaskCode: "TC-1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkReady(ctx, "T1"); err != nil {
		t.Fatal(err)
	}
	// Leave the lease far in the future so RequeueExpiredLeases would never
	// touch this task -- only the abandon-after-age check should catch it.
	if _, err := s.ClaimNextReady(ctx, "agent-1", "lo1", "", time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := s.StartRun(ctx, "T1", "lo1", "run-1"); err != nil {
		t.Fatal(err)
	}

	pruned, err := s.PruneAbandonedRuns(ctx, -time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if len(pruned) != 1 || pruned[0] != "T1" {
		t.Fatalf("pruned = %v, want [T1]", pruned)
	}

	task, err := s.GetTask(ctx, "T1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != StatusDLQ {
		t.Fatalf("status = %s, want dlq", task.Status)
	}
	if task.AssignedAgent != "" || task.LeaseOwner != "" {
		t.Fatalf("expected lease cleared, got agent=%q owner=%q", task.AssignedAgent, task.LeaseOwner)
	}
}

func TestPruneAbandonedRunsIgnoresFreshRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateTask(ctx, NewTaskParams{TaskID: "T1", TaskCode: "TC-1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkReady(ctx, "T1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimNextReady(ctx, "agent-1", "lo1", "", time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := s.StartRun(ctx, "T1", "lo1", "run-1"); err != nil {
		t.Fatal(err)
	}

	pruned, err := s.PruneAbandonedRuns(ctx, 6*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(pruned) != 0 {
		t.Fatalf("pruned = %v, want none", pruned)
	}
}

func TestRequeueExpiredLeases(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateTask(ctx, NewTaskParams{TaskID: "T1", TaskCode: "TC-1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkReady(ctx, "T1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimNextReady(ctx, "agent-1", "lo1", "", -time.Second); err != nil {
		t.Fatal(err)
	}

	outcomes, err := s.RequeueExpiredLeases(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 1 || outcomes[0].TaskID != "T1" || outcomes[0].NewStatus != StatusReady {
		t.Fatalf("outcomes = %+v, want 1 outcome for T1 -> ready", outcomes)
	}

	task, err := s.GetTask(ctx, "T1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != StatusReady {
		t.Fatalf("status = %s, want ready", task.Status)
	}
	if task.LeaseOwner != "" {
		t.Fatalf("lease_owner not cleared: %s", task.LeaseOwner)
	}
}

func TestReplayClonesDoneTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateTask(ctx, NewTaskParams{TaskID: "T1", TaskCode: "TC-1", Priority: 2}); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkReady(ctx, "T1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimNextReady(ctx, "agent-1", "lo1", "", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := s.StartRun(ctx, "T1", "lo1", "run-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReportResult(ctx, "T1", "lo1", true, "ok", nil, "", "", 3); err != nil {
		t.Fatal(err)
	}

	clone, err := s.Replay(ctx, "T1", "T1-replay-1")
	if err != nil {
		t.Fatal(err)
	}
	if clone.Status != StatusPending || clone.Priority != 2 {
		t.Fatalf("clone = %+v", clone)
	}
}
