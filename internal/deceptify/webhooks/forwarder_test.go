package webhooks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"cymbytes.com/deceptify/internal/deceptify/conversation"
	"cymbytes.com/deceptify/internal/deceptify/session"
)

func testEvent() session.Event {
	return session.Event{
		Type:      session.EventAttackEnded,
		AttackID:  "a1",
		UserID:    "u1",
		Scenario:  conversation.ScenarioBank,
		TurnCount: 5,
		Timestamp: time.Now().UTC(),
	}
}

func TestPublish(t *testing.T) {
	var got WebhookEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Expected JSON content type")
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.URL = srv.URL
	f := NewForwarder(cfg, zerolog.Nop())

	if err := f.Publish(context.Background(), testEvent()); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if got.EventType != "attack.ended" || got.Source != "deceptify" {
		t.Errorf("Unexpected event %+v", got)
	}
	if got.Payload.AttackID != "a1" || got.Payload.TurnCount != 5 {
		t.Errorf("Unexpected payload %+v", got.Payload)
	}
}

func TestPublish_Retries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := NewForwarder(Config{Enabled: true, URL: srv.URL, RetryCount: 3, RetryDelay: time.Millisecond, Timeout: time.Second}, zerolog.Nop())

	if err := f.Publish(context.Background(), testEvent()); err != nil {
		t.Fatalf("Expected success after retries: %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestPublish_GivesUp(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewForwarder(Config{Enabled: true, URL: srv.URL, RetryCount: 1, RetryDelay: time.Millisecond, Timeout: time.Second}, zerolog.Nop())

	if err := f.Publish(context.Background(), testEvent()); err == nil {
		t.Error("Expected error after exhausting retries")
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("Expected 2 attempts, got %d", calls)
	}
}

func TestPublish_Disabled(t *testing.T) {
	f := NewForwarder(DefaultConfig(), zerolog.Nop())
	if f.IsEnabled() {
		t.Fatal("Expected forwarder to be disabled by default")
	}
	if err := f.Publish(context.Background(), testEvent()); err != nil {
		t.Errorf("Disabled forwarder should not fail: %v", err)
	}
}
