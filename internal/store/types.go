package store

import "time"

// TaskStatus is the tagged sum for a task's lifecycle state. Keeping it a
// distinct type (instead of a bare string) lets transition logic match
// exhaustively instead of drifting against the check constraint in SQL.
type TaskStatus string

const (
	TaskBacklog     TaskStatus = "backlog"
	TaskUnassigned  TaskStatus = "unassigned"
	TaskOffered     TaskStatus = "offered"
	TaskPending     TaskStatus = "pending"
	TaskInProgress  TaskStatus = "in_progress"
	TaskPaused      TaskStatus = "paused"
	TaskReviewing   TaskStatus = "reviewing"
	TaskCompleted   TaskStatus = "completed"
	TaskFailed      TaskStatus = "failed"
	TaskCancelled   TaskStatus = "cancelled"
)

// IsTerminal reports whether a task in this status is done and immutable.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether a task in this status occupies agent capacity.
func (s TaskStatus) IsActive() bool {
	switch s {
	case TaskPending, TaskInProgress:
		return true
	default:
		return false
	}
}

// AgentStatus is the tagged sum for agent availability.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
)

// TaskSource records who originated a task.
type TaskSource string

const (
	SourceMCP    TaskSource = "mcp"
	SourceSlack  TaskSource = "slack"
	SourceAPI    TaskSource = "api"
	SourceSystem TaskSource = "system"
)

// ChannelType distinguishes shared channels from one-to-one direct messages.
type ChannelType string

const (
	ChannelPublic ChannelType = "public"
	ChannelDM     ChannelType = "dm"
)

// ServiceStatus tracks the self-reported health of a long-running process.
type ServiceStatus string

const (
	ServiceStarting  ServiceStatus = "starting"
	ServiceHealthy   ServiceStatus = "healthy"
	ServiceUnhealthy ServiceStatus = "unhealthy"
	ServiceStopped   ServiceStatus = "stopped"
)

// EpicStatus tracks the lifecycle of a body of related work.
type EpicStatus string

const (
	EpicDraft     EpicStatus = "draft"
	EpicActive    EpicStatus = "active"
	EpicPaused    EpicStatus = "paused"
	EpicCompleted EpicStatus = "completed"
	EpicCancelled EpicStatus = "cancelled"
)

// Agent is a worker or the single lead: a client identity of the engine.
type Agent struct {
	ID             string
	Name           string
	IsLead         bool
	Status         AgentStatus
	Role           string
	Description    string
	Capabilities   []string
	MaxTasks       int
	CreatedAt      time.Time
	LastUpdatedAt  time.Time
}

// ExternalContext carries the chat-bridge origin of a task so replies can be
// routed back to the thread that created it.
type ExternalContext struct {
	ChannelID string
	ThreadRef string
	UserID    string
	Repo      string
}

// Task is the unit of work the engine assigns, tracks, and retires.
type Task struct {
	ID               string
	Task             string
	Status           TaskStatus
	Source           TaskSource
	AgentID          string
	CreatorAgentID   string
	OfferedTo        string
	OfferedAt        *time.Time
	AcceptedAt       *time.Time
	RejectionReason  string
	TaskType         string
	Tags             []string
	Priority         int
	DependsOn        []string
	ParentTaskID     string
	EpicID           string
	External         ExternalContext
	CreatedAt        time.Time
	LastUpdatedAt    time.Time
	FinishedAt       *time.Time
	Output           string
	FailureReason    string
	Progress         string
}

// Channel is a shared or direct-message scope for posted messages.
type Channel struct {
	ID           string
	Name         string
	Description  string
	Type         ChannelType
	CreatedBy    string
	Participants []string
	CreatedAt    time.Time
}

// ChannelMessage is one posted entry in a channel's history.
type ChannelMessage struct {
	ID         string
	ChannelID  string
	AgentID    string // "" means the message was posted by "Human"
	Content    string
	ReplyToID  string
	Mentions   []string
	CreatedAt  time.Time
}

// ChannelReadState records the last time an agent caught up on a channel.
type ChannelReadState struct {
	AgentID    string
	ChannelID  string
	LastReadAt time.Time
}

// Service is a self-reported long-running process owned by an agent.
type Service struct {
	ID              string
	AgentID         string
	Name            string
	Port            int
	URL             string
	HealthCheckPath string
	Status          ServiceStatus
	Script          string
	Cwd             string
	Interpreter     string
	Args            []string
	Env             map[string]string
	Metadata        map[string]string
	CreatedAt       time.Time
	LastUpdatedAt   time.Time
}

// ScheduledTask is a persistent template that materializes tasks on a cron
// or interval cadence.
type ScheduledTask struct {
	ID               string
	Name             string
	Description      string
	TaskTemplate     string
	TaskType         string
	Tags             []string
	Priority         int
	TargetAgentID    string
	CronExpression   string
	IntervalMs       int64
	Timezone         string
	Enabled          bool
	LastRunAt        *time.Time
	NextRunAt        *time.Time
	CreatedByAgentID string
	CreatedAt        time.Time
	LastUpdatedAt    time.Time
}

// Epic groups a set of tasks under a shared goal; progress is derived by
// counting the member tasks' statuses, never stored.
type Epic struct {
	ID               string
	Name             string
	Goal             string
	Description      string
	PRD              string
	Plan             string
	Status           EpicStatus
	Priority         int
	Tags             []string
	LeadAgentID      string
	CreatedByAgentID string
	ChannelID        string
	ExternalRefs     map[string]string
	CreatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

// EpicProgress is the derived completion count for an epic's tasks.
type EpicProgress struct {
	Total     int
	Completed int
	Failed    int
	Cancelled int
	Active    int
}

// EventLogEntry is one append-only row describing a lifecycle change.
type EventLogEntry struct {
	ID        int64
	EventType string
	AgentID   string
	TaskID    string
	OldValue  string
	NewValue  string
	Metadata  string // JSON
	CreatedAt time.Time
}

// InboxMessage is an externally-originated message addressed to the lead,
// awaiting triage or delegation into a task.
type InboxMessage struct {
	ID              string
	AgentID         string // always a lead
	Content         string
	SlackChannelID  string
	SlackThreadTS   string
	SlackUserID     string
	DelegatedTaskID string
	CreatedAt       time.Time
}

// DependencyCheck is the result of resolving a task's dependsOn list.
type DependencyCheck struct {
	Ready     bool
	BlockedBy []string
}
