// Package webhooks forwards attack lifecycle events to an external endpoint.
package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"cymbytes.com/deceptify/internal/deceptify/session"
)

// Config holds webhook forwarder configuration.
type Config struct {
	Enabled    bool          `yaml:"enabled"`
	URL        string        `yaml:"url" validate:"omitempty,url"`
	RetryCount int           `yaml:"retry_count" validate:"gte=0"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	Timeout    time.Duration `yaml:"timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:    false,
		RetryCount: 3,
		RetryDelay: time.Second,
		Timeout:    10 * time.Second,
	}
}

// Forwarder posts attack events with retries.
type Forwarder struct {
	url        string
	httpClient *http.Client
	logger     zerolog.Logger
	enabled    bool
	retryCount int
	retryDelay time.Duration
}

// NewForwarder creates a new webhook forwarder.
func NewForwarder(cfg Config, logger zerolog.Logger) *Forwarder {
	return &Forwarder{
		url:        cfg.URL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With().Str("component", "webhook_forwarder").Logger(),
		enabled:    cfg.Enabled && cfg.URL != "",
		retryCount: cfg.RetryCount,
		retryDelay: cfg.RetryDelay,
	}
}

// WebhookEvent is the payload sent to the endpoint.
type WebhookEvent struct {
	EventType string        `json:"event_type"`
	EventID   string        `json:"event_id"`
	Timestamp time.Time     `json:"timestamp"`
	Source    string        `json:"source"`
	Payload   session.Event `json:"payload"`
}

// Publish sends a session event. It is a no-op when the forwarder is disabled.
func (f *Forwarder) Publish(ctx context.Context, e session.Event) error {
	if !f.enabled {
		return nil
	}

	return f.sendEvent(ctx, WebhookEvent{
		EventType: e.Type,
		EventID:   fmt.Sprintf("%s-%s-%d", e.Type, e.AttackID, time.Now().UnixNano()),
		Timestamp: e.Timestamp,
		Source:    "deceptify",
		Payload:   e,
	})
}

func (f *Forwarder) sendEvent(ctx context.Context, event WebhookEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= f.retryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.retryDelay):
			}
		}

		status, err := f.post(ctx, body)
		if err != nil {
			lastErr = err
			f.logger.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Str("event_type", event.EventType).
				Msg("Failed to forward webhook, retrying")
			continue
		}

		if status < 300 {
			f.logger.Debug().
				Str("event_id", event.EventID).
				Str("event_type", event.EventType).
				Int("status_code", status).
				Msg("Webhook forwarded")
			return nil
		}

		lastErr = fmt.Errorf("unexpected status code: %d", status)
		f.logger.Warn().
			Int("status_code", status).
			Int("attempt", attempt+1).
			Str("event_type", event.EventType).
			Msg("Webhook endpoint returned error, retrying")
	}

	return fmt.Errorf("failed to forward webhook after %d attempts: %w", f.retryCount+1, lastErr)
}

func (f *Forwarder) post(ctx context.Context, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

// IsEnabled returns whether the forwarder is enabled.
func (f *Forwarder) IsEnabled() bool {
	return f.enabled
}
