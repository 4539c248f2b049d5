package streams

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestSessionSchemasValidate(t *testing.T) {
	reg, err := NewSessionRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	data, _ := json.Marshal(SessionEnqueued{SessionID: 12, Trigger: TriggerStart})
	if err := reg.Validate(EventSessionEnqueued, VersionV1, data); err != nil {
		t.Fatalf("expected session.enqueued to validate: %v", err)
	}

	data, _ = json.Marshal(SessionFinished{SessionID: 12, Status: "completed", DurationMS: 1500})
	if err := reg.Validate(EventSessionFinished, VersionV1, data); err != nil {
		t.Fatalf("expected session.finished to validate: %v", err)
	}
}

func TestSessionSchemasReject(t *testing.T) {
	reg, err := NewSessionRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	cases := []struct {
		name, event, payload string
	}{
		{"zero id", EventSessionEnqueued, `{"session_id":0,"trigger":"start"}`},
		{"string id", EventSessionEnqueued, `{"session_id":"12","trigger":"start"}`},
		{"bad trigger", EventSessionEnqueued, `{"session_id":3,"trigger":"cron"}`},
		{"bad status", EventSessionFinished, `{"session_id":3,"status":"paused"}`},
		{"extra field", EventSessionFinished, `{"session_id":3,"status":"failed","x":1}`},
	}
	for _, tc := range cases {
		if err := reg.Validate(tc.event, VersionV1, []byte(tc.payload)); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
	if err := reg.Validate("unknown.event", VersionV1, []byte(`{}`)); err == nil {
		t.Fatalf("expected unknown event to fail")
	}
}

func TestDecodeEntry(t *testing.T) {
	reg, err := NewSessionRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	env := Envelope{
		EventID:        "evt-1",
		EventType:      EventSessionEnqueued,
		OccurredAt:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		PayloadVersion: VersionV1,
		Data:           json.RawMessage(`{"session_id":7,"trigger":"start"}`),
	}
	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, reason := decodeEntry(map[string]interface{}{"envelope": string(raw)}, reg)
	if reason != "" {
		t.Fatalf("unexpected rejection %q", reason)
	}
	var payload SessionEnqueued
	if err := got.Decode(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.SessionID != 7 || payload.Trigger != TriggerStart {
		t.Fatalf("unexpected payload %+v", payload)
	}

	if _, reason := decodeEntry(map[string]interface{}{}, reg); reason != "missing_envelope" {
		t.Fatalf("expected missing_envelope, got %q", reason)
	}
	if _, reason := decodeEntry(map[string]interface{}{"envelope": "{"}, reg); reason != "invalid_envelope" {
		t.Fatalf("expected invalid_envelope, got %q", reason)
	}
	bad := strings.Replace(string(raw), `"session_id":7`, `"session_id":-1`, 1)
	if _, reason := decodeEntry(map[string]interface{}{"envelope": bad}, reg); reason != "schema" {
		t.Fatalf("expected schema rejection, got %q", reason)
	}
}

func TestEnvelopeValidateBasic(t *testing.T) {
	env := Envelope{EventID: "e", EventType: EventSessionEnqueued, PayloadVersion: VersionV1}
	if err := env.ValidateBasic(); err == nil {
		t.Fatalf("expected missing data error")
	}
	env.Data = json.RawMessage(`{}`)
	if err := env.ValidateBasic(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.OccurredAt.IsZero() {
		t.Fatalf("expected occurred_at to be filled")
	}
}
