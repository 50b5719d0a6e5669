package bus

// Task lifecycle topics.
const (
	TopicTaskCreated       = "task.created"
	TopicTaskStateChanged  = "task.state_changed"
	TopicTaskOffered       = "task.offered"
	TopicTaskAccepted      = "task.accepted"
	TopicTaskRejected      = "task.rejected"
	TopicTaskProgress      = "task.progress"
	TopicTaskCompleted     = "task.completed"
	TopicTaskFailed        = "task.failed"
	TopicTaskCancelled     = "task.cancelled"
)

// Agent registry topics.
const (
	TopicAgentRegistered   = "agent.registered"
	TopicAgentStatusChange = "agent.status_changed"
	TopicAgentRemoved      = "agent.removed"
)

// Channel hub topics.
const (
	TopicChannelCreated    = "channel.created"
	TopicChannelMessage    = "channel.message"
	TopicChannelMention    = "channel.mention"
)

// Service registry topics.
const (
	TopicServiceRegistered   = "service.registered"
	TopicServiceStatusChange = "service.status_changed"
	TopicServiceRemoved      = "service.removed"
)

// Scheduler topics.
const (
	TopicScheduleCreated = "schedule.created"
	TopicScheduleFired   = "schedule.fired"
	TopicScheduleDisabled = "schedule.disabled"
)

// Epic topics.
const (
	TopicEpicCreated   = "epic.created"
	TopicEpicStatusChange = "epic.status_changed"
)

// Inbox & delegation topics.
const (
	TopicInboxMessageReceived = "inbox.message_received"
	TopicDelegationCreated    = "inbox.delegation_created"
)

// TaskStateChangedEvent is published whenever a task transitions status.
type TaskStateChangedEvent struct {
	TaskID    string
	OldStatus string
	NewStatus string
	AgentID   string
}

// TaskOfferedEvent is published when a task is offered to a specific agent.
type TaskOfferedEvent struct {
	TaskID     string
	OfferedTo  string
	OfferedBy  string
}

// ChannelMessageEvent is published for every posted channel message.
type ChannelMessageEvent struct {
	MessageID string
	ChannelID string
	AgentID   string
	Mentions  []string
}

// ServiceStatusChangedEvent is published only when a service's observed
// status actually changes value (no-op updates do not republish).
type ServiceStatusChangedEvent struct {
	ServiceID string
	AgentID   string
	OldStatus string
	NewStatus string
}

// ScheduleFiredEvent is published each time a scheduled task materializes
// a new task row.
type ScheduleFiredEvent struct {
	ScheduleID string
	TaskID     string
	FiredAt    string
}

// DelegationCreatedEvent is published when a lead delegates an inbox
// message into a task.
type DelegationCreatedEvent struct {
	InboxMessageID string
	TaskID         string
	AgentID        string
}
