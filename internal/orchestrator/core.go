package orchestrator

import (
	"context"
	"fmt"

	"github.com/quantsys/scc-hub/internal/config"
	"github.com/quantsys/scc-hub/internal/eventlog"
	"github.com/quantsys/scc-hub/internal/persistence"
)

// Core drives one task's phase state machine under a resolved profile,
// coordinating the TodoStore, SubtaskPool, and plan-artifact writer. It
// holds no phase state itself — callers persist phase in task request meta
// and pass it back in on each Advance call, matching the store's
// single-writer-per-task_id discipline.
type Core struct {
	cfg    config.Config
	store  *persistence.Store
	events *eventlog.Log
	Todos  *TodoStore
	Subs   *SubtaskPool
	Plans  *ArtifactWriter
}

// NewCore wires a Core over store/events, rooting per-task artifacts at
// tasksRoot.
func NewCore(cfg config.Config, store *persistence.Store, events *eventlog.Log, tasksRoot string) *Core {
	return &Core{
		cfg:    cfg,
		store:  store,
		events: events,
		Todos:  NewTodoStore(tasksRoot),
		Subs:   NewSubtaskPool(store, tasksRoot),
		Plans:  NewArtifactWriter(tasksRoot),
	}
}

// Advance resolves profileName and computes the next phase after cur,
// applying the plan/chat early-termination rule: those profiles stop at
// PhasePlan with verdict UNKNOWN rather than proceeding to execute/verify.
// It emits a phase_advanced event on taskID.
func (c *Core) Advance(ctx context.Context, taskID, profileName string, cur Phase) (next Phase, verdict string, err error) {
	profile, err := ResolveProfile(c.cfg, profileName)
	if err != nil {
		return cur, "", err
	}

	if profile.TerminatesAtPlan() && cur == PhasePlan {
		if err := c.emit(ctx, taskID, "phase_terminated", map[string]any{
			"phase": string(cur), "profile": profileName, "verdict": "UNKNOWN",
		}); err != nil {
			return cur, "", err
		}
		return PhasePlan, "UNKNOWN", nil
	}

	n := NextPhase(cur)
	if err := c.emit(ctx, taskID, "phase_advanced", map[string]any{
		"from": string(cur), "to": string(n), "profile": profileName,
	}); err != nil {
		return cur, "", err
	}
	return n, "", nil
}

// StepBudgetExceeded reports whether stepCount has exhausted profileName's
// max_steps allowance (spec §4.10).
func (c *Core) StepBudgetExceeded(profileName string, stepCount int) (bool, error) {
	profile, err := ResolveProfile(c.cfg, profileName)
	if err != nil {
		return false, err
	}
	return stepCount >= profile.MaxSteps, nil
}

func (c *Core) emit(ctx context.Context, taskID, name string, fields map[string]any) error {
	if c.events == nil {
		return nil
	}
	_, err := c.events.Emit(taskID, eventlog.KindEvent, name, fields)
	if err != nil {
		return fmt.Errorf("emit %s: %w", name, err)
	}
	return nil
}
