// Package protocol defines the HTTP API request and response types.
package protocol

// UpsertUserRequest registers a user or returns the existing one.
type UpsertUserRequest struct {
	// Name the persona greets the user with
	DisplayName string `json:"display_name" validate:"required,max=64"`
}

// StartAttackRequest starts an attack conversation.
type StartAttackRequest struct {
	// Bank, Delivery, Hospital, FreeChat, or the menu numbers 1-3
	Scenario string `json:"scenario" validate:"required,scenario"`
}

// TurnRequest is one user message in an active attack.
type TurnRequest struct {
	Text string `json:"text" validate:"required,max=4096"`
}
