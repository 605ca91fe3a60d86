// Package registry implements AgentRegistry (component C5): the
// register/deregister/heartbeat/update_capacity/list operations layered
// over the persistence store's agent CRUD, with an in-memory read cache
// guarded by a single read-write mutex (spec §5's registry lock-ordering
// rule: "Registry: protected by a single read-write mutex; writes are
// infrequent").
package registry

import (
	"context"
	"sync"

	"github.com/quantsys/scc-hub/internal/bus"
	"github.com/quantsys/scc-hub/internal/persistence"
)

// StatusBusy is a derived status (never persisted): an agent at or over
// capacity reports as busy rather than available, computed fresh on every
// List/Get call from current_load.
const StatusBusy = "busy"

// Snapshot is one agent's registry view, with current_load and the
// derived available/busy/offline status computed at read time.
type Snapshot struct {
	*persistence.Agent
	CurrentLoad int
}

func (s Snapshot) effectiveStatus() string {
	if s.Agent.Status == persistence.AgentStatusOffline {
		return persistence.AgentStatusOffline
	}
	if s.CurrentLoad >= s.Agent.Capacity {
		return StatusBusy
	}
	return persistence.AgentStatusAvailable
}

// Registry wraps persistence agent CRUD with an RWMutex-protected local
// cache, following the teacher's double-checked-locking create idiom:
// readers take the read lock, a cache miss promotes to the write lock and
// re-checks before hitting the store.
type Registry struct {
	store    *persistence.Store
	eventBus *bus.Bus

	mu    sync.RWMutex
	cache map[string]*persistence.Agent
}

// New creates a Registry backed by store, publishing lifecycle events on
// eventBus.
func New(store *persistence.Store, eventBus *bus.Bus) *Registry {
	return &Registry{store: store, eventBus: eventBus, cache: make(map[string]*persistence.Agent)}
}

// Register creates or idempotently updates an agent, refreshing the cache
// entry and publishing agent.registered.
func (r *Registry) Register(ctx context.Context, p persistence.NewAgentParams) (*persistence.Agent, error) {
	agent, err := r.store.RegisterAgent(ctx, p)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cache[agent.AgentID] = agent
	r.mu.Unlock()

	if r.eventBus != nil {
		r.eventBus.Publish(bus.TopicAgentRegistered, bus.AgentStatusEvent{AgentID: agent.AgentID, Status: agent.Status})
	}
	return agent, nil
}

// Deregister removes an agent's row, frees its numeric_code, and evicts it
// from the cache.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	if err := r.store.DeregisterAgent(ctx, agentID); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.cache, agentID)
	r.mu.Unlock()

	if r.eventBus != nil {
		r.eventBus.Publish(bus.TopicAgentDeregistered, bus.AgentStatusEvent{AgentID: agentID})
	}
	return nil
}

// Heartbeat marks an agent available, refreshing the cache and publishing
// agent.status_changed.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	if err := r.store.Heartbeat(ctx, agentID); err != nil {
		return err
	}
	r.invalidate(agentID)
	if r.eventBus != nil {
		r.eventBus.Publish(bus.TopicAgentStatusChanged, bus.AgentStatusEvent{AgentID: agentID, Status: persistence.AgentStatusAvailable})
	}
	return nil
}

// UpdateCapacity changes an agent's capacity, refreshing the cache.
func (r *Registry) UpdateCapacity(ctx context.Context, agentID string, capacity int) error {
	if err := r.store.UpdateCapacity(ctx, agentID, capacity); err != nil {
		return err
	}
	r.invalidate(agentID)
	return nil
}

// SetOffline marks an agent offline, refreshing the cache and publishing
// agent.status_changed.
func (r *Registry) SetOffline(ctx context.Context, agentID string) error {
	if err := r.store.SetAgentOffline(ctx, agentID); err != nil {
		return err
	}
	r.invalidate(agentID)
	if r.eventBus != nil {
		r.eventBus.Publish(bus.TopicAgentStatusChanged, bus.AgentStatusEvent{AgentID: agentID, Status: persistence.AgentStatusOffline})
	}
	return nil
}

// invalidate drops a cache entry so the next Get/List re-reads the store,
// rather than keeping a second write path for every field.
func (r *Registry) invalidate(agentID string) {
	r.mu.Lock()
	delete(r.cache, agentID)
	r.mu.Unlock()
}

// Get returns one agent's snapshot, consulting the read-lock-protected
// cache before falling back to the store under a promoted write lock.
func (r *Registry) Get(ctx context.Context, agentID string) (*Snapshot, error) {
	r.mu.RLock()
	agent, ok := r.cache[agentID]
	r.mu.RUnlock()
	if !ok {
		var err error
		agent, err = r.store.GetAgent(ctx, agentID)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		if _, exists := r.cache[agentID]; !exists {
			r.cache[agentID] = agent
		}
		r.mu.Unlock()
	}

	load, err := r.store.CurrentLoad(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Agent: agent, CurrentLoad: load}, nil
}

// Filter narrows List's results; zero-valued fields are not applied.
type Filter struct {
	Capability string
	OwnerRole  string
	Status     string // available | busy | offline; empty matches all
}

// List returns every registered agent as a Snapshot, applying filter.
// Bypasses the cache entirely since a full scan is cheap and infrequent
// (spec §5: "writes are infrequent", true of registry reads as a whole).
func (r *Registry) List(ctx context.Context, filter Filter) ([]*Snapshot, error) {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*Snapshot, 0, len(agents))
	for _, a := range agents {
		if filter.OwnerRole != "" && a.OwnerRole != filter.OwnerRole {
			continue
		}
		if filter.Capability != "" && !hasCapability(a.Capabilities, filter.Capability) {
			continue
		}
		load, err := r.store.CurrentLoad(ctx, a.AgentID)
		if err != nil {
			return nil, err
		}
		snap := &Snapshot{Agent: a, CurrentLoad: load}
		if filter.Status != "" && snap.effectiveStatus() != filter.Status {
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

func hasCapability(caps []string, want string) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}

// DeregisterAll deregisters every agent concurrently, following the
// teacher's parallel-drain shutdown idiom rather than a sequential loop,
// and returns the first error encountered (if any), after every goroutine
// has finished.
func (r *Registry) DeregisterAll(ctx context.Context) error {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	errs := make([]error, len(agents))
	for i, a := range agents {
		wg.Add(1)
		go func(i int, agentID string) {
			defer wg.Done()
			errs[i] = r.Deregister(ctx, agentID)
		}(i, a.AgentID)
	}
	wg.Wait()

	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}
