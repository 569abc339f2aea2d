package conversation

import (
	"fmt"
	"strings"
)

// Scenario is an attack persona/topic.
type Scenario string

const (
	ScenarioBank     Scenario = "Bank"
	ScenarioDelivery Scenario = "Delivery"
	ScenarioHospital Scenario = "Hospital"
	ScenarioFreeChat Scenario = "FreeChat"
)

// Scenarios lists every scenario in menu order.
func Scenarios() []Scenario {
	return []Scenario{ScenarioBank, ScenarioDelivery, ScenarioHospital, ScenarioFreeChat}
}

// ParseScenario accepts a scenario name in any case, or the menu numbers
// 1 (Bank), 2 (Delivery) and 3 (Hospital).
func ParseScenario(s string) (Scenario, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "1":
		return ScenarioBank, nil
	case "2":
		return ScenarioDelivery, nil
	case "3":
		return ScenarioHospital, nil
	}

	for _, sc := range Scenarios() {
		if strings.EqualFold(s, string(sc)) {
			return sc, nil
		}
	}
	if strings.EqualFold(s, "free_chat") || strings.EqualFold(s, "free-chat") {
		return ScenarioFreeChat, nil
	}
	return "", fmt.Errorf("unknown scenario %q", s)
}

// Valid reports whether s is a known scenario.
func (s Scenario) Valid() bool {
	for _, sc := range Scenarios() {
		if s == sc {
			return true
		}
	}
	return false
}

// KnowledgeDomain returns the FAQ domain of the scenario, or "" for free chat.
func (s Scenario) KnowledgeDomain() string {
	if s == ScenarioFreeChat {
		return ""
	}
	return string(s)
}

// AttackConfig names an attack. It does not change once an attack starts.
type AttackConfig struct {
	Scenario    Scenario
	PersonaName string
}
