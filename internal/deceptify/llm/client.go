// Package llm provides the generative fallback used when the knowledge
// base and validators have no answer.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"cymbytes.com/deceptify/internal/deceptify/conversation"
)

// Config holds generation client configuration.
type Config struct {
	Host        string        `yaml:"host"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Host:        "http://localhost:11434",
		Model:       "llama3",
		Temperature: 0.7,
		Timeout:     60 * time.Second,
	}
}

// OllamaClient generates persona replies through the Ollama chat API.
type OllamaClient struct {
	config Config
	client *http.Client
	logger zerolog.Logger
}

// NewOllamaClient creates a new chat client.
func NewOllamaClient(cfg Config, logger zerolog.Logger) *OllamaClient {
	if cfg.Host == "" {
		cfg.Host = DefaultConfig().Host
	}
	if cfg.Model == "" {
		cfg.Model = DefaultConfig().Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &OllamaClient{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("component", "llm").Logger(),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  *chatOptions  `json:"options,omitempty"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
}

// Generate returns the model's reply to req.Text in the persona's voice.
func (c *OllamaClient) Generate(ctx context.Context, req conversation.GenerationRequest) (string, error) {
	body := chatRequest{
		Model:    c.config.Model,
		Messages: buildMessages(req),
		Stream:   false,
	}
	if c.config.Temperature > 0 {
		body.Options = &chatOptions{Temperature: c.config.Temperature}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Host+"/api/chat", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result chatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}

	answer := strings.TrimSpace(result.Message.Content)
	if answer == "" {
		return "", fmt.Errorf("chat API returned empty content")
	}

	c.logger.Debug().
		Str("scenario", string(req.Scenario)).
		Dur("duration", time.Since(start)).
		Msg("Generated reply")
	return answer, nil
}

// buildMessages maps a generation request onto chat messages: the persona
// role as system message, then the transcript. The current text is appended
// unless the transcript already ends with it.
func buildMessages(req conversation.GenerationRequest) []chatMessage {
	messages := make([]chatMessage, 0, len(req.Transcript)+2)
	if role := RenderRole(req.Role, req.PersonaName, req.Text); role != "" {
		messages = append(messages, chatMessage{Role: "system", Content: role})
	}

	for _, turn := range req.Transcript {
		messages = append(messages, chatMessage{Role: chatRole(turn.Speaker), Content: turn.Text})
	}

	n := len(req.Transcript)
	if n == 0 || req.Transcript[n-1].Speaker != conversation.SpeakerUser || req.Transcript[n-1].Text != req.Text {
		messages = append(messages, chatMessage{Role: "user", Content: req.Text})
	}
	return messages
}

func chatRole(s conversation.Speaker) string {
	switch s {
	case conversation.SpeakerUser:
		return "user"
	case conversation.SpeakerSystem:
		return "system"
	default:
		return "assistant"
	}
}
