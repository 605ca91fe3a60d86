// Package ids mints the identifiers carried on tasks, messages, and leases.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// NewTaskID mints a ULID for a Task. ULIDs sort lexicographically by creation
// time, so listing tasks by task_id also lists them by creation order.
func NewTaskID() string {
	return newULID()
}

// NewMessageID mints a ULID for an A2A Message envelope.
func NewMessageID() string {
	return newULID()
}

func newULID() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewLeaseOwner mints an opaque lease-grant identifier, distinct from the
// agent's own stable agent_id so the same agent can hold non-colliding
// leases across concurrent worker processes.
func NewLeaseOwner() string {
	return uuid.NewString()
}

// NewRunID mints an identifier for one execution attempt of a task.
func NewRunID() string {
	return uuid.NewString()
}
