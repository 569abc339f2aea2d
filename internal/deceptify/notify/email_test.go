package notify

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/rs/zerolog"

	"cymbytes.com/deceptify/internal/deceptify/learning"
)

func TestComposeMessage(t *testing.T) {
	date := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	raw, err := ComposeMessage("Deceptify", "bot@example.com", "admin@example.com", "New samples", "'q';'a';prompts/bank/Bank-knowledge.csv\n", date)
	if err != nil {
		t.Fatalf("ComposeMessage failed: %v", err)
	}

	r, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Failed to parse composed message: %v", err)
	}

	subject, _ := r.Header.Subject()
	if subject != "New samples" {
		t.Errorf("Expected subject 'New samples', got %q", subject)
	}
	from, _ := r.Header.AddressList("From")
	if len(from) != 1 || from[0].Address != "bot@example.com" || from[0].Name != "Deceptify" {
		t.Errorf("Unexpected From %+v", from)
	}
	to, _ := r.Header.AddressList("To")
	if len(to) != 1 || to[0].Address != "admin@example.com" {
		t.Errorf("Unexpected To %+v", to)
	}
	if got, _ := r.Header.Date(); !got.Equal(date) {
		t.Errorf("Expected date %v, got %v", date, got)
	}

	part, err := r.NextPart()
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}
	body, _ := io.ReadAll(part.Body)
	if !strings.Contains(string(body), "Bank-knowledge.csv") {
		t.Errorf("Unexpected body %q", body)
	}
}

func TestEmailNotifier_Notify(t *testing.T) {
	cfg := DefaultEmailConfig()
	cfg.Server = "smtp.example.com"
	cfg.Username = "bot@example.com"
	cfg.Password = "secret"
	cfg.IMAPArchive = "Sent"

	n := NewEmailNotifier(cfg, zerolog.Nop())

	var sentFrom string
	var sentTo []string
	var sent []byte
	n.send = func(_ context.Context, from string, to []string, msg []byte) error {
		sentFrom, sentTo, sent = from, to, msg
		return nil
	}
	var archived []byte
	n.archive = func(_ context.Context, msg []byte) error {
		archived = msg
		return errors.New("folder does not exist")
	}

	err := n.Notify(context.Background(), learning.Notification{
		Recipient: "admin@example.com",
		Subject:   "New samples",
		Body:      "body",
		Batch:     1,
	})
	if err != nil {
		t.Fatalf("Archive failures must not fail delivery: %v", err)
	}
	if sentFrom != "bot@example.com" || len(sentTo) != 1 || sentTo[0] != "admin@example.com" {
		t.Errorf("Unexpected envelope from=%q to=%v", sentFrom, sentTo)
	}
	if !bytes.Equal(sent, archived) {
		t.Error("Expected the sent message to be archived")
	}
}

func TestEmailNotifier_SendFailure(t *testing.T) {
	n := NewEmailNotifier(DefaultEmailConfig(), zerolog.Nop())
	n.send = func(context.Context, string, []string, []byte) error {
		return errors.New("connection refused")
	}
	archived := false
	n.archive = func(context.Context, []byte) error {
		archived = true
		return nil
	}

	if err := n.Notify(context.Background(), learning.Notification{Recipient: "a@example.com"}); err == nil {
		t.Error("Expected send error")
	}
	if archived {
		t.Error("Unsent notifications must not be archived")
	}
}

func TestEmailConfig_Enabled(t *testing.T) {
	cfg := DefaultEmailConfig()
	if cfg.Enabled() {
		t.Error("Default config should not be enabled")
	}
	if cfg.Port != 465 {
		t.Errorf("Expected implicit TLS port 465, got %d", cfg.Port)
	}
	cfg.Server, cfg.Username, cfg.Password = "smtp.example.com", "u", "p"
	if !cfg.Enabled() {
		t.Error("Expected config to be enabled")
	}
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(zerolog.New(&buf))

	if err := n.Notify(context.Background(), learning.Notification{Recipient: "admin@example.com", Subject: "s", Batch: 2}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "admin@example.com") || !strings.Contains(buf.String(), `"batch":2`) {
		t.Errorf("Unexpected log output %s", buf.String())
	}
}
