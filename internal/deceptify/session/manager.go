// Package session tracks users and their active attack conversations.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"cymbytes.com/deceptify/internal/deceptify/conversation"
)

var (
	ErrAlreadyActive = errors.New("attack already in progress")
	ErrNotInAttack   = errors.New("no attack in progress")
	ErrUserNotFound  = errors.New("user not found")
)

const (
	RetryMessage = "Please repeat it again."
	ResetMessage = "Something went wrong and the session was reset. Please start a new attack."
)

// State is the attack state of a user.
type State string

const (
	StateIdle     State = "idle"
	StateInAttack State = "in_attack"
)

// Conversation is the controller surface the manager drives.
type Conversation interface {
	Initialize(ctx context.Context, cfg conversation.AttackConfig) error
	Greeting() string
	Answer(ctx context.Context, text string) (string, error)
	End() (string, error)
	State() conversation.State
	Transcript() []conversation.Turn
}

// ControllerFactory builds a fresh controller for every attack.
type ControllerFactory func() Conversation

// EndedAttack is the archive record of a finished attack.
type EndedAttack struct {
	ID          string
	UserID      string
	DisplayName string
	Scenario    conversation.Scenario
	PersonaName string
	Transcript  string
	TurnCount   int
	Reset       bool
	StartedAt   time.Time
	EndedAt     time.Time
}

// Archiver persists ended attacks.
type Archiver interface {
	ArchiveAttack(ctx context.Context, attack EndedAttack) error
}

// Event types published to an EventSink.
const (
	EventAttackStarted = "attack.started"
	EventAttackEnded   = "attack.ended"
	EventAttackReset   = "attack.reset"
)

// Event describes an attack lifecycle change.
type Event struct {
	Type      string                `json:"type"`
	AttackID  string                `json:"attack_id"`
	UserID    string                `json:"user_id"`
	Scenario  conversation.Scenario `json:"scenario"`
	TurnCount int                   `json:"turn_count,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

// EventSink receives attack events.
type EventSink interface {
	Publish(ctx context.Context, event Event) error
}

// Auditor records security relevant attack events.
type Auditor interface {
	LogAttackStarted(userID, attackID string, scenario conversation.Scenario)
	LogAttackEnded(userID, attackID string, scenario conversation.Scenario, turns int, reset bool)
	LogSessionReset(userID, attackID string, failures int)
	LogAttackDenied(userID string, scenario conversation.Scenario, reason string)
}

// Config holds session manager configuration.
type Config struct {
	FailureLimit int
	EventTimeout time.Duration
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		FailureLimit: 3,
		EventTimeout: 10 * time.Second,
	}
}

// Dependencies are the manager's collaborators. Only Factory is required.
type Dependencies struct {
	Factory  ControllerFactory
	Archiver Archiver
	Events   EventSink
	Audit    Auditor
}

// TurnResult is the outcome of one user message.
type TurnResult struct {
	Response string `json:"response"`
	Finished bool   `json:"finished"`
	Reset    bool   `json:"reset"`
}

// User is a registered user. Its fields are guarded by mu; transports read
// them through Snapshot.
type User struct {
	ID          string
	DisplayName string

	mu             sync.Mutex
	state          State
	scenario       conversation.Scenario
	failureStreak  int
	lastTranscript string
	hasTranscript  bool
	attackID       string
	startedAt      time.Time
	ctrl           Conversation
}

// Snapshot is a point-in-time copy of a user.
type Snapshot struct {
	ID             string                `json:"id"`
	DisplayName    string                `json:"display_name"`
	State          State                 `json:"state"`
	Scenario       conversation.Scenario `json:"scenario,omitempty"`
	FailureStreak  int                   `json:"failure_streak"`
	AttackID       string                `json:"attack_id,omitempty"`
	StartedAt      *time.Time            `json:"started_at,omitempty"`
	LastTranscript string                `json:"last_transcript,omitempty"`
}

// Snapshot returns a copy of the user's state.
func (u *User) Snapshot() Snapshot {
	u.mu.Lock()
	defer u.mu.Unlock()

	s := Snapshot{
		ID:             u.ID,
		DisplayName:    u.DisplayName,
		State:          u.state,
		Scenario:       u.scenario,
		FailureStreak:  u.failureStreak,
		AttackID:       u.attackID,
		LastTranscript: u.lastTranscript,
	}
	if u.state == StateInAttack {
		started := u.startedAt
		s.StartedAt = &started
	}
	return s
}

// Manager owns the user registry.
type Manager struct {
	config Config
	deps   Dependencies
	logger zerolog.Logger

	mu    sync.RWMutex
	users map[string]*User

	events sync.WaitGroup
}

// New creates a session manager.
func New(cfg Config, deps Dependencies, logger zerolog.Logger) *Manager {
	if cfg.FailureLimit <= 0 {
		cfg.FailureLimit = DefaultConfig().FailureLimit
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = DefaultConfig().EventTimeout
	}
	return &Manager{
		config: cfg,
		deps:   deps,
		logger: logger.With().Str("component", "session").Logger(),
		users:  make(map[string]*User),
	}
}

// ============================================================================
// Registry
// ============================================================================

// GetOrCreate returns the user with id, registering it on first use.
func (m *Manager) GetOrCreate(id, displayName string) *User {
	m.mu.RLock()
	u, ok := m.users[id]
	m.mu.RUnlock()
	if ok {
		return u
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if u, ok := m.users[id]; ok {
		return u
	}
	u = &User{ID: id, DisplayName: displayName, state: StateIdle}
	m.users[id] = u

	m.logger.Info().Str("user_id", id).Str("display_name", displayName).Msg("User registered")
	return u
}

// Get returns a registered user.
func (m *Manager) Get(id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u, nil
}

// List returns snapshots of all users ordered by ID.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	users := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, u)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(users))
	for _, u := range users {
		out = append(out, u.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LastTranscript returns the transcript of the user's most recent attack.
func (m *Manager) LastTranscript(id string) (string, bool) {
	u, err := m.Get(id)
	if err != nil {
		return "", false
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastTranscript, u.hasTranscript
}

// SelectScenario remembers the scenario for the user's next attack.
func (m *Manager) SelectScenario(u *User, scenario conversation.Scenario) error {
	if !scenario.Valid() {
		return fmt.Errorf("unknown scenario %q", scenario)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == StateInAttack {
		return ErrAlreadyActive
	}
	u.scenario = scenario
	return nil
}

// SelectedScenario returns the user's chosen or current scenario.
func (m *Manager) SelectedScenario(u *User) (conversation.Scenario, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.scenario, u.scenario != ""
}

// ============================================================================
// Attacks
// ============================================================================

// StartAttack starts a new attack for the user and returns the greeting.
func (m *Manager) StartAttack(ctx context.Context, u *User, scenario conversation.Scenario) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state == StateInAttack {
		m.audit(func(a Auditor) { a.LogAttackDenied(u.ID, scenario, "already_active") })
		return "", ErrAlreadyActive
	}

	ctrl := m.deps.Factory()
	cfg := conversation.AttackConfig{Scenario: scenario, PersonaName: u.DisplayName}
	if err := ctrl.Initialize(ctx, cfg); err != nil {
		m.audit(func(a Auditor) { a.LogAttackDenied(u.ID, scenario, err.Error()) })
		m.logger.Warn().Err(err).
			Str("user_id", u.ID).
			Str("scenario", string(scenario)).
			Msg("Failed to start attack")
		return "", err
	}

	u.ctrl = ctrl
	u.state = StateInAttack
	u.scenario = scenario
	u.failureStreak = 0
	u.attackID = uuid.New().String()
	u.startedAt = time.Now().UTC()

	m.logger.Info().
		Str("user_id", u.ID).
		Str("attack_id", u.attackID).
		Str("scenario", string(scenario)).
		Msg("Attack started")

	attackID := u.attackID
	m.audit(func(a Auditor) { a.LogAttackStarted(u.ID, attackID, scenario) })
	m.publish(Event{Type: EventAttackStarted, AttackID: attackID, UserID: u.ID, Scenario: scenario})

	return ctrl.Greeting(), nil
}

// Turn sends one user message to the active attack. Controller failures are
// absorbed: the user is asked to repeat, and after FailureLimit consecutive
// failures the attack is ended and the session reset.
func (m *Manager) Turn(ctx context.Context, u *User, text string) (TurnResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.ctrl == nil {
		return TurnResult{}, ErrNotInAttack
	}

	answer, err := safeAnswer(ctx, u.ctrl, text)
	if err != nil {
		u.failureStreak++
		m.logger.Warn().Err(err).
			Str("user_id", u.ID).
			Str("attack_id", u.attackID).
			Int("failures", u.failureStreak).
			Msg("Conversation turn failed")

		if u.failureStreak < m.config.FailureLimit {
			return TurnResult{Response: RetryMessage}, nil
		}

		failures := u.failureStreak
		attackID := u.attackID
		m.endLocked(ctx, u, true)
		m.audit(func(a Auditor) { a.LogSessionReset(u.ID, attackID, failures) })
		return TurnResult{Response: ResetMessage, Reset: true}, nil
	}

	u.failureStreak = 0
	return TurnResult{
		Response: answer,
		Finished: u.ctrl.State() == conversation.StateTerminated,
	}, nil
}

// EndAttack ends the active attack and returns its transcript.
func (m *Manager) EndAttack(ctx context.Context, u *User) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.ctrl == nil {
		return "", ErrNotInAttack
	}
	return m.endLocked(ctx, u, false), nil
}

// endLocked terminates the user's controller. u.mu must be held.
func (m *Manager) endLocked(ctx context.Context, u *User, reset bool) string {
	ctrl := u.ctrl
	turns := len(ctrl.Transcript())

	transcript, err := safeEnd(ctrl)
	if err != nil {
		m.logger.Warn().Err(err).Str("user_id", u.ID).Msg("Controller failed to end cleanly")
		transcript = conversation.RenderTranscript(ctrl.Transcript())
	}

	ended := EndedAttack{
		ID:          u.attackID,
		UserID:      u.ID,
		DisplayName: u.DisplayName,
		Scenario:    u.scenario,
		PersonaName: u.DisplayName,
		Transcript:  transcript,
		TurnCount:   turns,
		Reset:       reset,
		StartedAt:   u.startedAt,
		EndedAt:     time.Now().UTC(),
	}

	u.lastTranscript = transcript
	u.hasTranscript = true
	u.ctrl = nil
	u.state = StateIdle
	u.failureStreak = 0
	u.attackID = ""
	u.startedAt = time.Time{}

	m.logger.Info().
		Str("user_id", ended.UserID).
		Str("attack_id", ended.ID).
		Int("turns", turns).
		Bool("reset", reset).
		Msg("Attack ended")

	if m.deps.Archiver != nil {
		if err := m.deps.Archiver.ArchiveAttack(ctx, ended); err != nil {
			m.logger.Error().Err(err).Str("attack_id", ended.ID).Msg("Failed to archive attack")
		}
	}

	m.audit(func(a Auditor) { a.LogAttackEnded(ended.UserID, ended.ID, ended.Scenario, turns, reset) })

	eventType := EventAttackEnded
	if reset {
		eventType = EventAttackReset
	}
	m.publish(Event{
		Type:      eventType,
		AttackID:  ended.ID,
		UserID:    ended.UserID,
		Scenario:  ended.Scenario,
		TurnCount: turns,
	})

	return transcript
}

// Close waits for in-flight event deliveries.
func (m *Manager) Close() {
	m.events.Wait()
}

func (m *Manager) publish(event Event) {
	if m.deps.Events == nil {
		return
	}
	event.Timestamp = time.Now().UTC()

	m.events.Add(1)
	go func() {
		defer m.events.Done()

		ctx, cancel := context.WithTimeout(context.Background(), m.config.EventTimeout)
		defer cancel()

		if err := m.deps.Events.Publish(ctx, event); err != nil {
			m.logger.Warn().Err(err).
				Str("event", event.Type).
				Str("attack_id", event.AttackID).
				Msg("Failed to publish event")
		}
	}()
}

func (m *Manager) audit(fn func(Auditor)) {
	if m.deps.Audit != nil {
		fn(m.deps.Audit)
	}
}

func safeAnswer(ctx context.Context, c Conversation, text string) (answer string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("conversation panicked: %v", r)
		}
	}()
	return c.Answer(ctx, text)
}

func safeEnd(c Conversation) (transcript string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("conversation panicked: %v", r)
		}
	}()
	return c.End()
}
