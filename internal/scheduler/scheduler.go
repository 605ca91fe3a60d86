// Package scheduler implements PriorityScheduler (component C6): the
// next_task(agent_id) dispatch algorithm that picks the highest-priority
// eligible ready task for an agent and leases it atomically.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/quantsys/scc-hub/internal/apierr"
	"github.com/quantsys/scc-hub/internal/eventlog"
	"github.com/quantsys/scc-hub/internal/ids"
	"github.com/quantsys/scc-hub/internal/persistence"
)

const rateLimitWindow = 60 * time.Second

// Scheduler dispatches ready tasks to agents under capacity, rate, and
// capability constraints (spec §4.6).
type Scheduler struct {
	store  *persistence.Store
	events *eventlog.Log

	LeaseTTL       time.Duration
	AgingThreshold time.Duration
	AgingStep      int
}

// New creates a Scheduler backed by store, emitting task_leased events
// through events.
func New(store *persistence.Store, events *eventlog.Log, leaseTTL, agingThreshold time.Duration, agingStep int) *Scheduler {
	return &Scheduler{
		store:          store,
		events:         events,
		LeaseTTL:       leaseTTL,
		AgingThreshold: agingThreshold,
		AgingStep:      agingStep,
	}
}

// NextTask runs the full dispatch algorithm for agentID: agent lookup,
// quota check, sliding-window rate check, capability/role-filtered CAS
// claim ordered by aged priority, then created_utc, then task_id.
func (s *Scheduler) NextTask(ctx context.Context, agentID string) (*persistence.Task, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, apierr.New(apierr.AgentNotFound, "agent "+agentID+" is not registered")
		}
		return nil, err
	}
	if agent.Status == persistence.AgentStatusOffline {
		return nil, apierr.New(apierr.AgentOffline, "agent "+agentID+" is offline")
	}

	load, err := s.store.CurrentLoad(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if load >= agent.Capacity {
		return nil, apierr.New(apierr.AgentQuotaExceeded, "agent at capacity")
	}

	completions, err := s.store.CompletionsInWindow(ctx, agentID, rateLimitWindow)
	if err != nil {
		return nil, err
	}
	if agent.CompletionLimitPerMinute > 0 && completions >= agent.CompletionLimitPerMinute {
		return nil, apierr.New(apierr.AgentRateLimited, "agent exceeded its per-minute completion limit")
	}

	// ClaimNextReadyForAgent returns (nil, nil) when the ready queue has no
	// eligible candidate, and (nil, ErrDispatchRaceLost) when a candidate
	// existed but a concurrent dispatcher won the CAS update first. Only the
	// latter is worth retrying.
	const maxDispatchRetries = 5
	var task *persistence.Task
	for attempt := 0; attempt < maxDispatchRetries; attempt++ {
		leaseOwner := ids.NewLeaseOwner()
		t, err := s.store.ClaimNextReadyForAgent(ctx, agentID, leaseOwner, agent.OwnerRole, agent.Capabilities, s.AgingThreshold, s.AgingStep, s.LeaseTTL)
		if err != nil {
			if errors.Is(err, persistence.ErrDispatchRaceLost) {
				continue
			}
			return nil, err
		}
		if t == nil {
			return nil, apierr.New(apierr.NoEligibleAgent, "no ready task eligible for this agent")
		}
		if s.events != nil {
			if _, err := s.events.Emit(t.TaskID, eventlog.KindEvent, "task_leased", map[string]any{
				"agent_id":    agentID,
				"lease_owner": leaseOwner,
			}); err != nil {
				return nil, err
			}
		}
		task = t
		break
	}
	if task == nil {
		return nil, apierr.New(apierr.NoEligibleAgent, "no ready task eligible for this agent (lost dispatch race repeatedly)")
	}
	return task, nil
}
