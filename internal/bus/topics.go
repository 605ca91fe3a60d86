package bus

// Task lifecycle topics, published by TaskStore/PriorityScheduler state
// transitions. OrchestratorCore's WaitForTask/WaitForAll subscribe with the
// "task." prefix rather than per-task topics, filtering by task_id in the
// payload.
const (
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskCompleted    = "task.completed"
	TopicTaskFailed       = "task.failed"
	TopicTaskRequeued     = "task.requeued"
)

// Lease topics, published by LeaseManager.
const (
	TopicLeaseExpired  = "lease.expired"
	TopicLeaseRenewed  = "lease.renewed"
	TopicReplayCreated = "lease.replay_created"
)

// A2A message topics, published by A2ABus on send/receive, consumed by the
// Gateway's SSE handler for live tailing.
const (
	TopicMessageSent      = "ata.sent"
	TopicMessageDelivered = "ata.delivered"
)

// Agent registry topics.
const (
	TopicAgentRegistered   = "agent.registered"
	TopicAgentDeregistered = "agent.deregistered"
	TopicAgentStatusChanged = "agent.status_changed"
)

// Policy decision topic, published by PolicyGate for live audit tailing.
const TopicPolicyDecision = "policy.decision"

// TaskStateChangedEvent is published whenever a task transitions status.
type TaskStateChangedEvent struct {
	TaskID    string
	OldStatus string
	NewStatus string
}

// LeaseEvent is published on lease expiry/renewal.
type LeaseEvent struct {
	TaskID     string
	LeaseOwner string
	AgentID    string
}

// MessageEvent is published when an A2A message is sent or delivered.
type MessageEvent struct {
	MsgID     string
	FromAgent string
	ToAgent   string
	Kind      string
}

// AgentStatusEvent is published on agent registration/deregistration/status
// change.
type AgentStatusEvent struct {
	AgentID string
	Status  string
}

// PolicyDecisionEvent is published for every allow/deny PolicyGate decision.
type PolicyDecisionEvent struct {
	Subject       string
	Capability    string
	Decision      string
	Reason        string
	PolicyVersion string
}
