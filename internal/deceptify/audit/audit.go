// Package audit records security relevant attack events.
package audit

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"cymbytes.com/deceptify/internal/deceptify/conversation"
)

// EventType represents the type of audit event.
type EventType string

const (
	EventAttackStarted EventType = "attack_started"
	EventAttackEnded   EventType = "attack_ended"
	EventSessionReset  EventType = "session_reset"
	EventAttackDenied  EventType = "attack_denied"
)

// Event represents a security audit event.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	EventType EventType `json:"event_type"`
	Instance  string    `json:"instance"`
	UserID    string    `json:"user_id"`
	AttackID  string    `json:"attack_id,omitempty"`
	Scenario  string    `json:"scenario,omitempty"`
	Result    string    `json:"result"` // success, failure, denied
	Turns     int       `json:"turns,omitempty"`
	Failures  int       `json:"failures,omitempty"`
	ErrorMsg  string    `json:"error,omitempty"`
}

// Logger handles audit event logging.
type Logger struct {
	instance string
	logger   zerolog.Logger
}

// NewLogger creates a new audit logger.
func NewLogger(instance string, logger zerolog.Logger) *Logger {
	return &Logger{
		instance: instance,
		logger:   logger.With().Str("component", "audit").Logger(),
	}
}

// Log writes an audit event.
func (l *Logger) Log(event *Event) {
	event.Timestamp = time.Now().UTC()
	event.Instance = l.instance

	eventJSON, _ := json.Marshal(event)

	logEvent := l.logger.Info().
		Str("event_type", string(event.EventType)).
		Str("result", event.Result).
		Str("user_id", event.UserID)

	if event.AttackID != "" {
		logEvent = logEvent.Str("attack_id", event.AttackID)
	}
	if event.ErrorMsg != "" {
		logEvent = logEvent.Str("error", event.ErrorMsg)
	}

	logEvent.RawJSON("audit_event", eventJSON).Msg("Audit event")
}

// LogAttackStarted logs the start of an attack.
func (l *Logger) LogAttackStarted(userID, attackID string, scenario conversation.Scenario) {
	l.Log(&Event{
		EventType: EventAttackStarted,
		UserID:    userID,
		AttackID:  attackID,
		Scenario:  string(scenario),
		Result:    "success",
	})
}

// LogAttackEnded logs the end of an attack. Attacks ended by a session
// reset are recorded as failures.
func (l *Logger) LogAttackEnded(userID, attackID string, scenario conversation.Scenario, turns int, reset bool) {
	event := &Event{
		EventType: EventAttackEnded,
		UserID:    userID,
		AttackID:  attackID,
		Scenario:  string(scenario),
		Turns:     turns,
		Result:    "success",
	}
	if reset {
		event.Result = "failure"
	}
	l.Log(event)
}

// LogSessionReset logs a forced reset after repeated turn failures.
func (l *Logger) LogSessionReset(userID, attackID string, failures int) {
	l.Log(&Event{
		EventType: EventSessionReset,
		UserID:    userID,
		AttackID:  attackID,
		Failures:  failures,
		Result:    "failure",
	})
}

// LogAttackDenied logs an attack that could not start.
func (l *Logger) LogAttackDenied(userID string, scenario conversation.Scenario, reason string) {
	l.Log(&Event{
		EventType: EventAttackDenied,
		UserID:    userID,
		Scenario:  string(scenario),
		Result:    "denied",
		ErrorMsg:  reason,
	})
}
