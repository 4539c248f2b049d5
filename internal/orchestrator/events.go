package orchestrator

import (
	"encoding/json"
	"time"

	"github.com/mohammad-safakhou/colossus/internal/store"
)

// Event types pushed to session subscribers.
const (
	EventSessionStatus  = "session.status"
	EventTaskStatus     = "task.status"
	EventLogAppended    = "log.appended"
	EventSynthesisReady = "synthesis.ready"
	EventSnapshot       = "session.snapshot"
)

// Event is the JSON payload delivered through the Notifier.
type Event struct {
	Type      string    `json:"type"`
	SessionID int64     `json:"session_id"`
	Status    string    `json:"status,omitempty"`
	Task      *TaskView `json:"task,omitempty"`
	Log       *LogView  `json:"log,omitempty"`
	Synthesis string    `json:"synthesis,omitempty"`
	Snapshot  *Snapshot `json:"snapshot,omitempty"`
	At        time.Time `json:"at"`
}

// SessionView is the serialized session.
type SessionView struct {
	ID             int64     `json:"id"`
	Prompt         string    `json:"original_prompt"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	FinalSynthesis *string   `json:"final_synthesis"`
}

// BranchView is a branch with its tasks.
type BranchView struct {
	ID     int64      `json:"id"`
	Name   string     `json:"name"`
	Status string     `json:"status"`
	Tasks  []TaskView `json:"tasks"`
}

// TaskView is the serialized task.
type TaskView struct {
	ID           int64           `json:"id"`
	BranchID     int64           `json:"branch_id"`
	Key          string          `json:"key,omitempty"`
	Description  string          `json:"description"`
	Role         string          `json:"assigned_to"`
	Status       string          `json:"status"`
	Priority     int             `json:"priority"`
	Result       *string         `json:"result"`
	Artifacts    json.RawMessage `json:"artifacts,omitempty"`
	Dependencies []string        `json:"dependencies"`
	Citations    []string        `json:"citations"`
}

// LogView is the serialized agent log entry.
type LogView struct {
	ID        int64     `json:"id"`
	Agent     string    `json:"agent_name"`
	Message   string    `json:"message"`
	Category  string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// FactView is the serialized knowledge fact.
type FactView struct {
	ID         int64     `json:"id"`
	Content    string    `json:"content"`
	Source     string    `json:"source_agent"`
	Confidence int       `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// Snapshot is the full state of a session.
type Snapshot struct {
	Session  SessionView  `json:"session"`
	Branches []BranchView `json:"branches"`
	Logs     []LogView    `json:"logs"`
	Facts    []FactView   `json:"knowledge"`
}

func sessionView(s store.Session) SessionView {
	return SessionView{ID: s.ID, Prompt: s.Prompt, Status: s.Status, CreatedAt: s.CreatedAt, FinalSynthesis: s.FinalSynthesis}
}

func taskView(t store.Task) TaskView {
	deps := t.Dependencies
	if deps == nil {
		deps = []string{}
	}
	cites := t.Citations
	if cites == nil {
		cites = []string{}
	}
	return TaskView{
		ID:           t.ID,
		BranchID:     t.BranchID,
		Key:          t.Key,
		Description:  t.Description,
		Role:         t.Role,
		Status:       t.Status,
		Priority:     t.Priority,
		Result:       t.Result,
		Artifacts:    t.Artifacts,
		Dependencies: deps,
		Citations:    cites,
	}
}

func logView(l store.AgentLog) LogView {
	return LogView{ID: l.ID, Agent: l.Agent, Message: l.Message, Category: l.Category, Timestamp: l.CreatedAt}
}

func factView(f store.KnowledgeFact) FactView {
	return FactView{ID: f.ID, Content: f.Content, Source: f.Source, Confidence: f.Confidence, CreatedAt: f.CreatedAt}
}

func sessionEvent(sessionID int64, status string) Event {
	return Event{Type: EventSessionStatus, SessionID: sessionID, Status: status, At: time.Now().UTC()}
}

func taskEvent(t store.Task) Event {
	v := taskView(t)
	return Event{Type: EventTaskStatus, SessionID: t.SessionID, Status: t.Status, Task: &v, At: time.Now().UTC()}
}

func logEvent(l store.AgentLog) Event {
	v := logView(l)
	return Event{Type: EventLogAppended, SessionID: l.SessionID, Log: &v, At: time.Now().UTC()}
}

func synthesisEvent(sessionID int64, text string) Event {
	return Event{Type: EventSynthesisReady, SessionID: sessionID, Status: store.SessionCompleted, Synthesis: text, At: time.Now().UTC()}
}

// SnapshotEvent wraps the full session state, sent to a subscriber when it connects.
func SnapshotEvent(snap Snapshot) Event {
	return Event{Type: EventSnapshot, SessionID: snap.Session.ID, Status: snap.Session.Status, Snapshot: &snap, At: time.Now().UTC()}
}
