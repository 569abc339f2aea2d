package conversation

import (
	"regexp"
	"strings"
)

const (
	NotARealNumberMessage  = "This is not a real number"
	BankClosingMessage     = "Thank you, we have solved the issue. Goodbye"
	BankRequestMessage     = "I need a 6 digit account number"
	HospitalClosingMessage = "Thank you, we have opened your account. Goodbye"
	HospitalRequestMessage = "I need a 9 digit ID"
)

var digitRun = regexp.MustCompile(`\d+`)

type numberRule struct {
	digits  int
	closing string
	request string
}

var numberRules = map[Scenario]numberRule{
	ScenarioBank:     {digits: 6, closing: BankClosingMessage, request: BankRequestMessage},
	ScenarioHospital: {digits: 9, closing: HospitalClosingMessage, request: HospitalRequestMessage},
}

// ValidateNumber checks the first number in text against the scenario's
// expected identifier. ok is false when the scenario has no rule or text
// holds no digits.
func ValidateNumber(scenario Scenario, text string) (response string, ok bool) {
	rule, found := numberRules[scenario]
	if !found {
		return "", false
	}

	number := digitRun.FindString(strings.ReplaceAll(text, " ", ""))
	if number == "" {
		return "", false
	}

	switch {
	case strings.TrimLeft(number, "0") == "":
		return NotARealNumberMessage, true
	case len(number) == rule.digits:
		return rule.closing, true
	default:
		return rule.request, true
	}
}

// IsFarewell reports whether text ends the conversation.
func IsFarewell(text string) bool {
	return strings.Contains(strings.ToLower(text), "bye")
}
