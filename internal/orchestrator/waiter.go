package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quantsys/scc-hub/internal/bus"
	"github.com/quantsys/scc-hub/internal/persistence"
)

// Outcome is the terminal result of a waited-on task.
type Outcome struct {
	TaskID  string
	Status  string
	Verdict string
	Error   string
}

func isTerminalStatus(status string) bool {
	switch status {
	case persistence.StatusDone, persistence.StatusFailed, persistence.StatusDLQ:
		return true
	}
	return false
}

// Waiter blocks on task completion by subscribing to task state-change
// events rather than polling the store, checking for an already-terminal
// state first to avoid missing an event that fired before the subscription
// was established.
type Waiter struct {
	eventBus *bus.Bus
	store    *persistence.Store
}

// NewWaiter creates a Waiter over eventBus and store.
func NewWaiter(eventBus *bus.Bus, store *persistence.Store) *Waiter {
	return &Waiter{eventBus: eventBus, store: store}
}

// WaitForTask blocks until taskID reaches a terminal status, the timeout
// elapses, or ctx is canceled.
func (w *Waiter) WaitForTask(ctx context.Context, taskID string, timeout time.Duration) (*Outcome, error) {
	if out, err := w.checkTerminal(ctx, taskID); err != nil {
		return nil, err
	} else if out != nil {
		return out, nil
	}

	sub := w.eventBus.Subscribe("task.")
	defer w.eventBus.Unsubscribe(sub)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("timed out waiting for task %s", taskID)
		case ev := <-sub.Ch():
			if extractTaskID(ev) != taskID {
				continue
			}
			out, err := w.checkTerminal(ctx, taskID)
			if err != nil {
				return nil, err
			}
			if out != nil {
				return out, nil
			}
		}
	}
}

// WaitForAll waits on every task id concurrently, collecting outcomes into
// a map keyed by task_id. A failure on one task does not abort waiting on
// the others; errors are returned joined.
func (w *Waiter) WaitForAll(ctx context.Context, taskIDs []string, timeout time.Duration) (map[string]*Outcome, error) {
	results := make(map[string]*Outcome, len(taskIDs))
	var mu sync.Mutex
	var errs []error
	var wg sync.WaitGroup

	for _, id := range taskIDs {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := w.WaitForTask(ctx, id, timeout)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("task %s: %w", id, err))
				return
			}
			results[id] = out
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		return results, fmt.Errorf("%d of %d tasks did not complete: %v", len(errs), len(taskIDs), errs)
	}
	return results, nil
}

func (w *Waiter) checkTerminal(ctx context.Context, taskID string) (*Outcome, error) {
	t, err := w.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !isTerminalStatus(t.Status) {
		return nil, nil
	}
	out := &Outcome{TaskID: t.TaskID, Status: t.Status, Verdict: t.Verdict}
	return out, nil
}

// extractTaskID pulls the task_id field out of a bus event payload, which
// is always a bus.TaskStateChangedEvent for the "task." topic prefix.
func extractTaskID(ev bus.Event) string {
	if e, ok := ev.Payload.(bus.TaskStateChangedEvent); ok {
		return e.TaskID
	}
	return ""
}
