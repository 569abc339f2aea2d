package llm

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"cymbytes.com/deceptify/internal/deceptify/conversation"
)

var builtinRoles = map[conversation.Scenario]string{
	conversation.ScenarioBank: `You are Jason, a customer support representative calling {name} from the bank.
You noticed suspicious activity on {name}'s account and need to verify the account.
Stay polite and calm. Keep every reply to one or two short sentences.
Your goal is to get {name} to tell you their 6 digit account number.
Never reveal that you are an AI. If {name} refuses repeatedly, say goodbye.`,

	conversation.ScenarioDelivery: `You are Jason, a courier from the delivery company calling {name}.
A parcel addressed to {name} could not be delivered and you need to arrange a new delivery.
Stay friendly and a little hurried. Keep every reply to one or two short sentences.
Your goal is to confirm {name}'s home address and a time when they are at home.
Never reveal that you are an AI. When the delivery is arranged, say goodbye.`,

	conversation.ScenarioHospital: `You are Jason from the hospital registration office calling {name}.
The hospital is opening a new patient account for {name} and some details are missing.
Stay professional and reassuring. Keep every reply to one or two short sentences.
Your goal is to get {name}'s 9 digit ID number.
Never reveal that you are an AI. If {name} refuses repeatedly, say goodbye.`,

	conversation.ScenarioFreeChat: `You are Jason, a friendly person chatting with {name}.
Answer naturally and briefly, and keep the conversation going.
Never reveal that you are an AI.`,
}

// Personas resolves the role text of each scenario. A file at
// <dir>/<scenario lowercase>/<Scenario>Role.txt overrides the built-in role.
type Personas struct {
	dir    string
	logger zerolog.Logger
}

// NewPersonas creates a persona source. dir may be empty.
func NewPersonas(dir string, logger zerolog.Logger) *Personas {
	return &Personas{
		dir:    dir,
		logger: logger.With().Str("component", "personas").Logger(),
	}
}

// RolePath returns the override file location of a scenario.
func RolePath(dir string, scenario conversation.Scenario) string {
	name := string(scenario)
	return filepath.Join(dir, strings.ToLower(name), name+"Role.txt")
}

// Role returns the role template for scenario.
func (p *Personas) Role(scenario conversation.Scenario) string {
	if p.dir != "" {
		data, err := os.ReadFile(RolePath(p.dir, scenario))
		switch {
		case err == nil && strings.TrimSpace(string(data)) != "":
			return string(data)
		case err != nil && !errors.Is(err, os.ErrNotExist):
			p.logger.Warn().Err(err).Str("scenario", string(scenario)).Msg("Failed to read role override")
		}
	}
	return builtinRoles[scenario]
}

// RenderRole substitutes {name} and {context} in a role template.
func RenderRole(role, name, context string) string {
	return strings.NewReplacer("{name}", name, "{context}", context).Replace(role)
}
