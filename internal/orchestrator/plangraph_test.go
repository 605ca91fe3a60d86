package orchestrator

import "testing"

func TestPlanGraphWavesOrdersByDependency(t *testing.T) {
	g := &PlanGraph{
		Nodes: []string{"a", "b", "c", "d"},
		Edges: [][2]string{{"a", "c"}, {"b", "c"}, {"c", "d"}},
	}
	waves, err := g.Waves()
	if err != nil {
		t.Fatal(err)
	}
	if len(waves) != 3 {
		t.Fatalf("expected 3 waves, got %d: %+v", len(waves), waves)
	}
	if len(waves[0]) != 2 {
		t.Fatalf("expected first wave to contain a and b concurrently, got %+v", waves[0])
	}
}

func TestPlanGraphWavesDetectsCycle(t *testing.T) {
	g := &PlanGraph{
		Nodes: []string{"a", "b"},
		Edges: [][2]string{{"a", "b"}, {"b", "a"}},
	}
	if _, err := g.Waves(); err == nil {
		t.Fatal("expected cycle detection error")
	}
}

func TestPlanGraphWavesRejectsUnknownEdge(t *testing.T) {
	g := &PlanGraph{
		Nodes: []string{"a"},
		Edges: [][2]string{{"a", "ghost"}},
	}
	if _, err := g.Waves(); err == nil {
		t.Fatal("expected error for edge referencing unknown node")
	}
}

func TestBuildExecutionPlanGroupsConsecutiveSafeSteps(t *testing.T) {
	steps := []PlannedStep{
		{Idx: 1, Kind: "read", Cmd: "cat a", ConcurrencySafe: true},
		{Idx: 2, Kind: "read", Cmd: "cat b", ConcurrencySafe: true},
		{Idx: 3, Kind: "write", Cmd: "rm -rf x", ConcurrencySafe: false},
		{Idx: 4, Kind: "read", Cmd: "cat c", ConcurrencySafe: true},
	}
	plan := BuildExecutionPlan(steps)
	if len(plan.Runs) != 3 {
		t.Fatalf("expected 3 runs, got %d: %+v", len(plan.Runs), plan.Runs)
	}
	if !plan.Runs[0].Concurrent || len(plan.Runs[0].Steps) != 2 {
		t.Fatalf("expected first run to be a concurrent pair, got %+v", plan.Runs[0])
	}
	if plan.Runs[1].Concurrent || len(plan.Runs[1].Steps) != 1 {
		t.Fatalf("expected second run to be a sequential singleton, got %+v", plan.Runs[1])
	}
	if plan.Runs[2].Concurrent || len(plan.Runs[2].Steps) != 1 {
		t.Fatalf("expected third run to be a sequential singleton, got %+v", plan.Runs[2])
	}
}

func TestArtifactWriterRoundTrip(t *testing.T) {
	w := NewArtifactWriter(t.TempDir())
	g := &PlanGraph{Nodes: []string{"a"}}
	if err := w.WritePlanGraph("T1", g); err != nil {
		t.Fatal(err)
	}
	plan := BuildExecutionPlan([]PlannedStep{{Idx: 1, ConcurrencySafe: true}})
	if err := w.WriteExecutionPlan("T1", plan); err != nil {
		t.Fatal(err)
	}
}
