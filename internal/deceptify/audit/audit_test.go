package audit

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"cymbytes.com/deceptify/internal/deceptify/conversation"
	"cymbytes.com/deceptify/internal/deceptify/session"
)

var _ session.Auditor = (*Logger)(nil)

func decodeAudit(t *testing.T, buf *bytes.Buffer) Event {
	t.Helper()
	var line struct {
		AuditEvent Event `json:"audit_event"`
	}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("Failed to decode log line %q: %v", buf.String(), err)
	}
	return line.AuditEvent
}

func TestLogger_Events(t *testing.T) {
	tests := []struct {
		name       string
		log        func(l *Logger)
		wantType   EventType
		wantResult string
	}{
		{"started", func(l *Logger) { l.LogAttackStarted("u1", "a1", conversation.ScenarioBank) }, EventAttackStarted, "success"},
		{"ended", func(l *Logger) { l.LogAttackEnded("u1", "a1", conversation.ScenarioBank, 4, false) }, EventAttackEnded, "success"},
		{"ended by reset", func(l *Logger) { l.LogAttackEnded("u1", "a1", conversation.ScenarioBank, 4, true) }, EventAttackEnded, "failure"},
		{"reset", func(l *Logger) { l.LogSessionReset("u1", "a1", 3) }, EventSessionReset, "failure"},
		{"denied", func(l *Logger) { l.LogAttackDenied("u1", conversation.ScenarioHospital, "knowledge base missing") }, EventAttackDenied, "denied"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := NewLogger("test-instance", zerolog.New(&buf))
			tt.log(l)

			event := decodeAudit(t, &buf)
			if event.EventType != tt.wantType || event.Result != tt.wantResult {
				t.Errorf("Got %s/%s, want %s/%s", event.EventType, event.Result, tt.wantType, tt.wantResult)
			}
			if event.UserID != "u1" || event.Instance != "test-instance" {
				t.Errorf("Unexpected event %+v", event)
			}
		})
	}
}
