// Package lease implements LeaseManager (component C7): the background
// sweep that requeues or DLQs tasks whose lease has expired, plus the
// renew/release/replay_dlq operations agents and operators call directly.
package lease

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/quantsys/scc-hub/internal/bus"
	"github.com/quantsys/scc-hub/internal/eventlog"
	"github.com/quantsys/scc-hub/internal/ids"
	"github.com/quantsys/scc-hub/internal/persistence"
)

// Config holds the dependencies and tuning for the lease sweep.
type Config struct {
	Store         *persistence.Store
	Events        *eventlog.Log
	Bus           *bus.Bus
	Logger        *slog.Logger
	SweepInterval time.Duration // defaults to 10s if zero
	MaxRetries    int           // defaults to 3 if zero
}

// Manager runs the periodic expired-lease sweep in a background goroutine
// and exposes the direct renew/release/replay_dlq operations, following
// the teacher's Start/Stop/ticker-loop shape for periodic background work.
type Manager struct {
	store      *persistence.Store
	events     *eventlog.Log
	eventBus   *bus.Bus
	logger     *slog.Logger
	interval   time.Duration
	maxRetries int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Manager from cfg, applying defaults for zero-valued tuning.
func New(cfg Config) *Manager {
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:      cfg.Store,
		events:     cfg.Events,
		eventBus:   cfg.Bus,
		logger:     logger,
		interval:   interval,
		maxRetries: maxRetries,
	}
}

// Start begins the sweep loop in a background goroutine, respecting ctx
// for shutdown.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop(ctx)
	m.logger.Info("lease sweep started", "interval", m.interval)
}

// Stop cancels the sweep loop and waits for it to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("lease sweep stopped")
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep requeues or DLQs every task whose lease has expired, emitting
// lease_expired on each affected task and publishing on the bus.
func (m *Manager) Sweep(ctx context.Context) {
	outcomes, err := m.store.RequeueExpiredLeases(ctx, m.maxRetries)
	if err != nil {
		m.logger.Error("lease sweep: requeue failed", "error", err)
		return
	}
	for _, o := range outcomes {
		if m.events != nil {
			if _, err := m.events.Emit(o.TaskID, eventlog.KindEvent, "lease_expired", map[string]any{
				"new_status": o.NewStatus,
			}); err != nil {
				m.logger.Error("lease sweep: emit lease_expired failed", "task_id", o.TaskID, "error", err)
			}
		}
		if m.eventBus != nil {
			m.eventBus.Publish(bus.TopicLeaseExpired, bus.LeaseEvent{TaskID: o.TaskID})
		}
	}
}

// Renew extends a lease held by leaseOwner on taskID by leaseTTL, emitting
// lease_renewed.
func (m *Manager) Renew(ctx context.Context, taskID, leaseOwner string, leaseTTL time.Duration) error {
	if err := m.store.HeartbeatLease(ctx, taskID, leaseOwner, leaseTTL); err != nil {
		return err
	}
	if m.events != nil {
		if _, err := m.events.Emit(taskID, eventlog.KindEvent, "lease_renewed", map[string]any{
			"lease_owner": leaseOwner,
		}); err != nil {
			return err
		}
	}
	if m.eventBus != nil {
		m.eventBus.Publish(bus.TopicLeaseRenewed, bus.LeaseEvent{TaskID: taskID, LeaseOwner: leaseOwner})
	}
	return nil
}

// ReleaseParams carries a worker's task-completion report, mirroring the
// Message response kind's audit_triplet fields (spec §3).
type ReleaseParams struct {
	TaskID      string
	LeaseOwner  string
	Success     bool
	Verdict     string
	ExitCode    *int
	ReportPath  string
	EvidenceDir string
}

// Release finalizes a task to done or failed under the calling lease,
// delegating to the store's retry-or-dlq report logic.
func (m *Manager) Release(ctx context.Context, p ReleaseParams) (*persistence.Task, error) {
	return m.store.ReportResult(ctx, p.TaskID, p.LeaseOwner, p.Success, p.Verdict, p.ExitCode, p.ReportPath, p.EvidenceDir, m.maxRetries)
}

// ErrNotDeadLettered is returned by ReplayDLQ when the source task is not
// currently in the dlq status.
var ErrNotDeadLettered = errors.New("task is not in dlq status")

// ReplayDLQ clones a dead-lettered task into a fresh pending task with
// retry_count reset to zero and parent_task_id pointing at the DLQed task
// itself, not at the DLQed task's own parent (spec §4.7: "parent_task_id
// pointing to the DLQed task").
func (m *Manager) ReplayDLQ(ctx context.Context, taskID string) (*persistence.Task, error) {
	src, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if src.Status != persistence.StatusDLQ {
		return nil, ErrNotDeadLettered
	}

	newTaskID := ids.NewTaskID()
	replayed, err := m.store.CreateTask(ctx, persistence.NewTaskParams{
		TaskID:             newTaskID,
		ParentTaskID:       taskID,
		TaskCode:           src.TaskCode,
		Priority:           src.Priority,
		OwnerRole:          src.OwnerRole,
		RequiredCapability: src.RequiredCapability,
		Request:            src.Request,
		TaskClassID:        src.TaskClassID,
		Pins:               src.Pins,
		AllowedTests:       src.AllowedTests,
		Acceptance:         src.Acceptance,
		StopConditions:     src.StopConditions,
	})
	if err != nil {
		return nil, err
	}
	if err := m.store.MarkReady(ctx, replayed.TaskID); err != nil {
		return nil, err
	}
	if m.events != nil {
		if _, err := m.events.Emit(replayed.TaskID, eventlog.KindEvent, "replay_created", map[string]any{
			"source_task_id": taskID,
		}); err != nil {
			return nil, err
		}
	}
	if m.eventBus != nil {
		m.eventBus.Publish(bus.TopicReplayCreated, bus.LeaseEvent{TaskID: replayed.TaskID})
	}
	return m.store.GetTask(ctx, replayed.TaskID)
}
