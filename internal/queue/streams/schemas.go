package streams

import "fmt"

// Event types carried on the session streams.
const (
	EventSessionEnqueued = "session.enqueued"
	EventSessionFinished = "session.finished"

	VersionV1 = "v1"
)

// Enqueue triggers.
const (
	TriggerStart  = "start"
	TriggerResume = "resume"
)

// SessionEnqueued asks a worker to run the loop for a session.
type SessionEnqueued struct {
	SessionID int64  `json:"session_id"`
	Trigger   string `json:"trigger"`
}

// SessionFinished reports the outcome of one loop run.
type SessionFinished struct {
	SessionID  int64  `json:"session_id"`
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// Definition is one schema known to the registry.
type Definition struct {
	EventType string
	Version   string
	Schema    []byte
}

var sessionDefinitions = []Definition{
	{
		EventType: EventSessionEnqueued,
		Version:   VersionV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["session_id", "trigger"],
  "properties": {
    "session_id": {"type": "integer", "minimum": 1},
    "trigger": {"type": "string", "enum": ["start", "resume"]}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventSessionFinished,
		Version:   VersionV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["session_id", "status"],
  "properties": {
    "session_id": {"type": "integer", "minimum": 1},
    "status": {"type": "string", "enum": ["pending", "running", "completed", "failed"]},
    "duration_ms": {"type": "integer", "minimum": 0},
    "error": {"type": "string"}
  },
  "additionalProperties": false
}`),
	},
}

// RegisterSessionSchemas loads the session schemas into reg.
func RegisterSessionSchemas(reg *SchemaRegistry) error {
	if reg == nil {
		return fmt.Errorf("registry is nil")
	}
	for _, def := range sessionDefinitions {
		if err := reg.Register(def.EventType, def.Version, def.Schema); err != nil {
			return fmt.Errorf("register %s %s: %w", def.EventType, def.Version, err)
		}
	}
	return nil
}

// NewSessionRegistry returns a registry with the session schemas loaded.
func NewSessionRegistry() (*SchemaRegistry, error) {
	reg := NewSchemaRegistry()
	if err := RegisterSessionSchemas(reg); err != nil {
		return nil, err
	}
	return reg, nil
}
