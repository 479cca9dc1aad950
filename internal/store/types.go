package store

import "time"

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskBlocked    TaskStatus = "blocked"
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskRejected   TaskStatus = "rejected"
	TaskCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are expected without an
// explicit retry.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskRejected, TaskCancelled:
		return true
	default:
		return false
	}
}

// Priority orders pending tasks within a role's queue; lower Rank wins.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank returns the sort key used by ClaimTask: lower ranks are claimed first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// GroupStatus is the lifecycle state of a Group.
type GroupStatus string

const (
	GroupActive    GroupStatus = "active"
	GroupCompleted GroupStatus = "completed"
)

// InstanceStatus is the lifecycle state of an Agent Instance.
type InstanceStatus string

const (
	InstanceIdle    InstanceStatus = "idle"
	InstanceWorking InstanceStatus = "working"
	InstancePaused  InstanceStatus = "paused"
	InstanceStopped InstanceStatus = "stopped"
)

// Group ties together all tasks derived from one high-level goal.
type Group struct {
	ID          string
	Title       string
	Origin      string
	Status      GroupStatus
	CreatedBy   string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Task is a unit of agent work.
type Task struct {
	ID              string
	GroupID         string
	ParentID        *string
	Title           string
	Description     string
	TaskType        string
	Priority        Priority
	AssignedTo      string
	ClaimedBy       *string
	Status          TaskStatus
	CreatedBy       string
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	RejectionReason *string
	RevisionOf      *string
	OutputText      *string
}

// TaskDependency is the edge (task, blocked_by) in the dependency DAG.
type TaskDependency struct {
	TaskID      string
	BlockedByID string
	Resolved    bool
	ResolvedAt  *time.Time
}

// AgentInstance is a concrete worker belonging to a role.
type AgentInstance struct {
	InstanceID    string
	Role          string
	Status        InstanceStatus
	CurrentTask   *string
	StartedAt     time.Time
	LastHeartbeat time.Time
}

// EventRecord is the append-only persisted form of a bus event.
type EventRecord struct {
	ID        int64
	EventType string
	TaskID    *string
	GroupID   *string
	AgentID   *string
	Data      string
	CreatedAt time.Time
}

// Usage is a per-task metrics row.
type Usage struct {
	TaskID       string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	WallTimeMS   int64
	Turns        int
	Model        string
}

// Schedule is a cron-triggered goal-creation entry.
type Schedule struct {
	ID          string
	Name        string
	CronExpr    string
	Title       string
	Description string
	Enabled     bool
	NextRunAt   *time.Time
	LastRunAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// UsageRow is one bucket of an aggregated usage roll-up.
type UsageRow struct {
	Bucket       string
	TaskCount    int
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}
