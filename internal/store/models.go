package store

import (
	"encoding/json"
	"errors"
	"time"
)

// Session statuses.
const (
	SessionPending   = "pending"
	SessionRunning   = "running"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
)

// Branch statuses.
const (
	BranchActive = "active"
	BranchPaused = "paused"
)

// Task statuses.
const (
	TaskPending = "pending"
	TaskRunning = "running"
	TaskDone    = "done"
	TaskFailed  = "failed"
)

// Agent log categories.
const (
	LogInfo    = "info"
	LogSuccess = "success"
	LogWarning = "warning"
	LogError   = "error"
)

// DefaultFactConfidence is used when a fact is appended without a score.
const DefaultFactConfidence = 50

// ErrSessionNotRunning is returned when completing a session that left the running state.
var ErrSessionNotRunning = errors.New("session is not running")

// IsTerminalSession reports whether status is completed or failed.
func IsTerminalSession(status string) bool {
	return status == SessionCompleted || status == SessionFailed
}

// Session is one research run for a single prompt.
type Session struct {
	ID             int64
	Prompt         string
	Status         string
	CreatedAt      time.Time
	FinalSynthesis *string
}

// Branch groups related tasks of a session.
type Branch struct {
	ID        int64
	SessionID int64
	Name      string
	Status    string
	CreatedAt time.Time
}

// Task is one unit of work assigned to a role.
type Task struct {
	ID           int64
	BranchID     int64
	SessionID    int64
	Key          string
	Description  string
	Role         string
	Status       string
	Priority     int
	Result       *string
	Artifacts    json.RawMessage
	Dependencies []string
	Citations    []string
	CreatedAt    time.Time

	// BranchStatus is read from the owning branch, not stored on the task.
	BranchStatus string
}

// AgentLog is an append-only audit entry.
type AgentLog struct {
	ID        int64
	SessionID int64
	Agent     string
	Message   string
	Category  string
	CreatedAt time.Time
}

// KnowledgeFact is an append-only unit of accumulated knowledge.
type KnowledgeFact struct {
	ID         int64
	SessionID  int64
	Content    string
	Source     string
	Confidence int
	CreatedAt  time.Time
}

// PlanBranch is a branch to be written by CreatePlan.
type PlanBranch struct {
	Name  string
	Tasks []PlanTask
}

// PlanTask is a task to be written by CreatePlan. Zero values are stored as given;
// defaults are the caller's concern.
type PlanTask struct {
	Key          string
	Description  string
	Role         string
	Status       string
	Priority     int
	Dependencies []string
	Artifacts    json.RawMessage
}

// Plan is the persisted result of CreatePlan.
type Plan struct {
	Branches []Branch
	Tasks    []Task
}
