// Package conversation drives a single persona-based attack conversation:
// FAQ retrieval first, then deterministic validators, then generation.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"cymbytes.com/deceptify/internal/deceptify/faq"
	"cymbytes.com/deceptify/internal/deceptify/learning"
)

// FinishedMessage is returned for every turn after the conversation ended.
const FinishedMessage = "The conversation is done. Have a great day!"

// ErrNotStarted is returned when a controller is used before Initialize.
var ErrNotStarted = errors.New("conversation not started")

// State is the controller lifecycle phase.
type State int

const (
	StateCreated State = iota
	StateActive
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
	SpeakerSystem    Speaker = "system"
)

// Turn is one transcript entry.
type Turn struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
}

// Retriever answers from a knowledge domain.
type Retriever interface {
	Initialize(ctx context.Context, domain string) error
	Build(ctx context.Context) error
	Answer(ctx context.Context, text string) (faq.Result, error)
	Reset()
	SourcePath() string
}

// GenerationRequest is the context handed to the generative fallback.
type GenerationRequest struct {
	Scenario    Scenario
	PersonaName string
	Role        string
	Transcript  []Turn
	Text        string
}

// Generator is the text-completion fallback.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

// SampleSubmitter accepts answers flagged for the knowledge base.
type SampleSubmitter interface {
	Submit(s learning.Sample) error
}

// Personas supplies the role text of each scenario.
type Personas interface {
	Role(scenario Scenario) string
}

// Dependencies are the collaborators of a Controller. Learner and Personas may be nil.
type Dependencies struct {
	Retriever Retriever
	Generator Generator
	Learner   SampleSubmitter
	Personas  Personas
}

// ConversationState is the mutable part of an attack.
type ConversationState struct {
	Phase      State
	Role       string
	Turns      []Turn
	IndexBuilt bool
	DomainRef  string
}

// Controller runs one attack conversation. It is owned by a single user.
type Controller struct {
	deps   Dependencies
	logger zerolog.Logger

	mu    sync.Mutex
	cfg   AttackConfig
	state ConversationState
}

// New creates a controller in the Created state.
func New(deps Dependencies, logger zerolog.Logger) *Controller {
	return &Controller{
		deps:   deps,
		logger: logger.With().Str("component", "conversation").Logger(),
	}
}

// Greeting returns the opening line for an attack.
func Greeting(cfg AttackConfig) string {
	return fmt.Sprintf("Hello %s, its Jason from %s.", cfg.PersonaName, cfg.Scenario)
}

// Initialize starts the attack described by cfg. A missing knowledge base
// is returned as is and leaves the controller unchanged.
func (c *Controller) Initialize(ctx context.Context, cfg AttackConfig) error {
	if !cfg.Scenario.Valid() {
		return fmt.Errorf("unknown scenario %q", cfg.Scenario)
	}

	var domainRef string
	if domain := cfg.Scenario.KnowledgeDomain(); domain != "" {
		if c.deps.Retriever == nil {
			return fmt.Errorf("scenario %s requires a retriever", cfg.Scenario)
		}
		if err := c.deps.Retriever.Initialize(ctx, domain); err != nil {
			return fmt.Errorf("failed to initialize knowledge domain %s: %w", domain, err)
		}
		domainRef = c.deps.Retriever.SourcePath()
	}

	var role string
	if c.deps.Personas != nil {
		role = c.deps.Personas.Role(cfg.Scenario)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cfg = cfg
	c.state = ConversationState{
		Phase:     StateActive,
		Role:      role,
		DomainRef: domainRef,
		Turns:     []Turn{{Speaker: SpeakerAssistant, Text: Greeting(cfg)}},
	}

	c.logger.Info().
		Str("scenario", string(cfg.Scenario)).
		Str("persona", cfg.PersonaName).
		Msg("Conversation initialized")
	return nil
}

// Greeting returns the first assistant turn.
func (c *Controller) Greeting() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.state.Turns) == 0 {
		return ""
	}
	return c.state.Turns[0].Text
}

// Answer produces the reply to one user message. Errors mean the turn was
// not recorded and may be retried.
func (c *Controller) Answer(ctx context.Context, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state.Phase {
	case StateCreated:
		return "", ErrNotStarted
	case StateTerminated:
		return FinishedMessage, nil
	}

	mark := len(c.state.Turns)
	c.state.Turns = append(c.state.Turns, Turn{Speaker: SpeakerUser, Text: text})

	answer, shouldLearn, err := c.resolve(ctx, text)
	if err != nil {
		c.state.Turns = c.state.Turns[:mark]
		return "", err
	}

	c.state.Turns = append(c.state.Turns, Turn{Speaker: SpeakerAssistant, Text: answer})

	if shouldLearn && c.deps.Learner != nil {
		sample := learning.Sample{Question: text, Answer: answer, DomainRef: c.state.DomainRef}
		if err := c.deps.Learner.Submit(sample); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to submit learning sample")
		}
	}

	if IsFarewell(answer) || IsFarewell(text) {
		c.state.Phase = StateTerminated
		c.logger.Info().
			Str("scenario", string(c.cfg.Scenario)).
			Int("turns", len(c.state.Turns)).
			Msg("Conversation terminated")
	}

	return answer, nil
}

func (c *Controller) resolve(ctx context.Context, text string) (answer string, shouldLearn bool, err error) {
	if c.cfg.Scenario != ScenarioFreeChat {
		res, found, err := c.lookup(ctx, text)
		if err != nil {
			return "", false, err
		}
		if found {
			return res.Answer, res.ShouldLearn, nil
		}
		shouldLearn = res.ShouldLearn

		if reply, ok := ValidateNumber(c.cfg.Scenario, text); ok {
			return reply, shouldLearn, nil
		}
	}

	answer, err = c.deps.Generator.Generate(ctx, GenerationRequest{
		Scenario:    c.cfg.Scenario,
		PersonaName: c.cfg.PersonaName,
		Role:        c.state.Role,
		Transcript:  append([]Turn(nil), c.state.Turns...),
		Text:        text,
	})
	if err != nil {
		return "", false, fmt.Errorf("generative fallback failed: %w", err)
	}
	return answer, shouldLearn, nil
}

// lookup queries the FAQ. An unavailable index counts as a miss.
func (c *Controller) lookup(ctx context.Context, text string) (faq.Result, bool, error) {
	if !c.state.IndexBuilt {
		err := c.deps.Retriever.Build(ctx)
		switch {
		case errors.Is(err, faq.ErrIndexUnavailable):
			c.logger.Warn().Str("scenario", string(c.cfg.Scenario)).Msg("Retrieval index unavailable")
			return faq.Result{}, false, nil
		case err != nil:
			return faq.Result{}, false, err
		}
		c.state.IndexBuilt = true
	}

	res, err := c.deps.Retriever.Answer(ctx, text)
	if errors.Is(err, faq.ErrIndexUnavailable) {
		return faq.Result{}, false, nil
	}
	if err != nil {
		return faq.Result{}, false, err
	}
	return res, res.Found, nil
}

// End finishes the conversation and returns its transcript as
// "speaker: text" lines.
func (c *Controller) End() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase == StateCreated {
		return "", ErrNotStarted
	}

	c.state.Phase = StateTerminated
	if c.cfg.Scenario != ScenarioFreeChat && c.deps.Retriever != nil {
		c.deps.Retriever.Reset()
		c.state.IndexBuilt = false
	}

	return RenderTranscript(c.state.Turns), nil
}

// RenderTranscript formats turns one per line with a trailing newline.
func RenderTranscript(turns []Turn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(t.Speaker))
		b.WriteString(": ")
		b.WriteString(t.Text)
	}
	b.WriteByte('\n')
	return b.String()
}

// State returns the lifecycle phase.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Phase
}

// Config returns the attack configuration.
func (c *Controller) Config() AttackConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Transcript returns a copy of the recorded turns.
func (c *Controller) Transcript() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Turn(nil), c.state.Turns...)
}
