package protocol

import "time"

// ============================================================
// Users and attacks
// ============================================================

// UserResponse describes a registered user.
type UserResponse struct {
	ID            string     `json:"id"`
	DisplayName   string     `json:"display_name"`
	State         string     `json:"state"`
	Scenario      string     `json:"scenario,omitempty"`
	FailureStreak int        `json:"failure_streak"`
	AttackID      string     `json:"attack_id,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	HasTranscript bool       `json:"has_transcript"`
}

// ListUsersResponse is returned when listing users.
type ListUsersResponse struct {
	Users []UserResponse `json:"users"`
	Total int            `json:"total"`
}

// StartAttackResponse is returned when an attack starts.
type StartAttackResponse struct {
	AttackID string `json:"attack_id"`
	Scenario string `json:"scenario"`

	// Opening line of the persona
	Greeting string `json:"greeting"`
}

// TurnResponse is the reply to one user message.
type TurnResponse struct {
	Response string `json:"response"`

	// The conversation reached its end; further turns get a fixed reply
	Finished bool `json:"finished"`

	// Repeated failures ended the attack
	Reset bool `json:"reset"`
}

// EndAttackResponse carries the transcript of the ended attack.
type EndAttackResponse struct {
	Transcript string `json:"transcript"`
}

// TranscriptResponse carries the user's most recent transcript.
type TranscriptResponse struct {
	UserID     string `json:"user_id"`
	Transcript string `json:"transcript"`
}

// ScenarioInfo describes an available attack scenario.
type ScenarioInfo struct {
	Name string `json:"name"`

	// Menu number, 0 for scenarios without one
	Number int `json:"number,omitempty"`

	// Whether the knowledge source exists; attacks without one cannot start
	KnowledgeBase bool `json:"knowledge_base"`
}

// ListScenariosResponse is returned when listing scenarios.
type ListScenariosResponse struct {
	Scenarios []ScenarioInfo `json:"scenarios"`
}

// AttackResponse is an archived attack.
type AttackResponse struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Scenario    string    `json:"scenario"`
	Transcript  string    `json:"transcript,omitempty"`
	TurnCount   int       `json:"turn_count"`
	Reset       bool      `json:"reset"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
}

// ListAttacksResponse is returned when listing archived attacks.
type ListAttacksResponse struct {
	Attacks []AttackResponse `json:"attacks"`
	Total   int              `json:"total"`
}

// ============================================================
// Active learning
// ============================================================

// SampleResponse is a learning sample awaiting or past review.
type SampleResponse struct {
	ID        string    `json:"id"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	DomainRef string    `json:"domain_ref"`
	Duplicate bool      `json:"duplicate"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListSamplesResponse is returned when listing samples.
type ListSamplesResponse struct {
	Samples []SampleResponse `json:"samples"`
	Total   int              `json:"total"`
}

// LearningStatsResponse reports pipeline counters and review totals.
type LearningStatsResponse struct {
	Processed     int64          `json:"processed"`
	Unique        int64          `json:"unique"`
	Notifications int64          `json:"notifications"`
	Failures      int64          `json:"failures"`
	Queued        int            `json:"queued"`
	Running       bool           `json:"running"`
	Samples       map[string]int `json:"samples"`
}

// ============================================================
// Error and health
// ============================================================

// ErrorResponse is the standard error format for all API errors.
type ErrorResponse struct {
	// Error code for programmatic handling
	Error string `json:"error"`

	// Human-readable error message
	Message string `json:"message"`

	// Additional error details
	Details map[string]interface{} `json:"details,omitempty"`

	// Request ID for debugging
	RequestID string `json:"request_id,omitempty"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	// Service status: healthy, degraded, unhealthy
	Status string `json:"status"`

	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	Components map[string]ComponentHealth `json:"components,omitempty"`
}

// ComponentHealth is the health of one dependency.
type ComponentHealth struct {
	Status    string    `json:"status"`
	LastCheck time.Time `json:"last_check"`
	Details   string    `json:"details,omitempty"`
}
