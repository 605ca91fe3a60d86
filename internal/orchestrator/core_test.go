package orchestrator

import (
	"context"
	"testing"

	"github.com/quantsys/scc-hub/internal/eventlog"
)

func newTestCore(t *testing.T) *Core {
	t.Helper()
	store := openTestStore(t)
	root := t.TempDir()
	return NewCore(testConfig(), store, eventlog.New(root), root)
}

func TestAdvancePlanProfileTerminatesAtPlan(t *testing.T) {
	c := newTestCore(t)
	next, verdict, err := c.Advance(context.Background(), "T1", "plan", PhasePlan)
	if err != nil {
		t.Fatal(err)
	}
	if next != PhasePlan || verdict != "UNKNOWN" {
		t.Fatalf("expected plan profile to stay at PhasePlan with UNKNOWN verdict, got %s/%s", next, verdict)
	}
}

func TestAdvanceFullagentProceedsPastPlan(t *testing.T) {
	c := newTestCore(t)
	next, verdict, err := c.Advance(context.Background(), "T1", "fullagent", PhasePlan)
	if err != nil {
		t.Fatal(err)
	}
	if next != PhaseExecute || verdict != "" {
		t.Fatalf("expected fullagent to proceed to PhaseExecute, got %s/%s", next, verdict)
	}
}

func TestStepBudgetExceeded(t *testing.T) {
	c := newTestCore(t)
	exceeded, err := c.StepBudgetExceeded("plan", 8)
	if err != nil {
		t.Fatal(err)
	}
	if !exceeded {
		t.Fatal("expected step budget of 8 to be exceeded at count 8")
	}
	exceeded, err = c.StepBudgetExceeded("plan", 3)
	if err != nil {
		t.Fatal(err)
	}
	if exceeded {
		t.Fatal("step count 3 should be within plan's budget of 8")
	}
}
