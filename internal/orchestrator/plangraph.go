package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// PlanGraph is the advisory dependency graph for a task's planned work,
// written to <evidence>/orchestrator_plan_graph.json (spec §4.10).
type PlanGraph struct {
	Nodes []string       `json:"nodes"`
	Edges [][2]string    `json:"edges"` // [from, to]
	Meta  map[string]any `json:"meta,omitempty"`
}

// Waves groups g's nodes into dependency waves via Kahn's algorithm: each
// wave contains every node whose dependencies (incoming edges) have all
// appeared in an earlier wave. Returns an error if g contains a cycle or
// references an edge endpoint absent from Nodes.
func (g *PlanGraph) Waves() ([][]string, error) {
	known := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		known[n] = true
	}

	indegree := make(map[string]int, len(g.Nodes))
	dependents := make(map[string][]string)
	for _, n := range g.Nodes {
		indegree[n] = 0
	}
	for _, e := range g.Edges {
		from, to := e[0], e[1]
		if !known[from] || !known[to] {
			return nil, fmt.Errorf("edge %s->%s references unknown node", from, to)
		}
		indegree[to]++
		dependents[from] = append(dependents[from], to)
	}

	remaining := len(g.Nodes)
	var waves [][]string
	for remaining > 0 {
		var wave []string
		for _, n := range g.Nodes {
			if indegree[n] == 0 {
				wave = append(wave, n)
			}
		}
		if len(wave) == 0 {
			return nil, fmt.Errorf("plan graph contains a cycle")
		}
		waves = append(waves, wave)
		for _, n := range wave {
			indegree[n] = -1 // mark processed, excluded from future waves
			remaining--
			for _, dep := range dependents[n] {
				indegree[dep]--
			}
		}
	}
	return waves, nil
}

// PlannedStep is one advisory unit of execution within an ExecutionPlan.
type PlannedStep struct {
	Idx             int    `json:"idx"`
	Kind            string `json:"kind"`
	Cmd             string `json:"cmd"`
	Risk            string `json:"risk"`
	ConcurrencySafe bool   `json:"concurrency_safe"`
}

// ExecutionRun is one group of steps: either several concurrency-safe steps
// run together, or a single non-safe step run alone.
type ExecutionRun struct {
	Concurrent bool          `json:"concurrent"`
	Steps      []PlannedStep `json:"steps"`
}

// ExecutionPlan is the ordered, advisory grouping of planned steps into
// runs, written to <evidence>/tool_execution_plan.json. Execution itself
// always proceeds sequentially; this plan never drives scheduling.
type ExecutionPlan struct {
	Runs []ExecutionRun `json:"runs"`
}

// BuildExecutionPlan groups an ordered step list: consecutive
// concurrency-safe steps form one concurrent run, and any non-safe step
// becomes its own sequential run of one (spec §4.10).
func BuildExecutionPlan(steps []PlannedStep) ExecutionPlan {
	var plan ExecutionPlan
	var cur []PlannedStep
	flush := func() {
		if len(cur) == 0 {
			return
		}
		plan.Runs = append(plan.Runs, ExecutionRun{Concurrent: len(cur) > 1, Steps: cur})
		cur = nil
	}
	for _, s := range steps {
		if !s.ConcurrencySafe {
			flush()
			plan.Runs = append(plan.Runs, ExecutionRun{Concurrent: false, Steps: []PlannedStep{s}})
			continue
		}
		cur = append(cur, s)
	}
	flush()
	return plan
}

// ArtifactWriter persists the two advisory JSON artifacts under a task's
// evidence directory, using the same tmp-then-rename pattern as the rest of
// the per-task artifact writers.
type ArtifactWriter struct {
	tasksRoot string
}

// NewArtifactWriter creates a writer rooted at tasksRoot.
func NewArtifactWriter(tasksRoot string) *ArtifactWriter {
	return &ArtifactWriter{tasksRoot: tasksRoot}
}

func (w *ArtifactWriter) writeAtomic(taskID, rel string, v any) error {
	path := filepath.Join(w.tasksRoot, taskID, "evidence", rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// WritePlanGraph persists g to orchestrator_plan_graph.json.
func (w *ArtifactWriter) WritePlanGraph(taskID string, g *PlanGraph) error {
	return w.writeAtomic(taskID, "orchestrator_plan_graph.json", g)
}

// WriteExecutionPlan persists p to tool_execution_plan.json.
func (w *ArtifactWriter) WriteExecutionPlan(taskID string, p ExecutionPlan) error {
	return w.writeAtomic(taskID, "tool_execution_plan.json", p)
}
