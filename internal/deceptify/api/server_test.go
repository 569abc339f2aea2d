package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"cymbytes.com/deceptify/internal/deceptify/conversation"
	"cymbytes.com/deceptify/internal/deceptify/session"
	"cymbytes.com/deceptify/internal/deceptify/storage"
	"cymbytes.com/deceptify/pkg/protocol"
)

type quietConversation struct {
	state conversation.State
	turns []conversation.Turn
}

func (c *quietConversation) Initialize(_ context.Context, cfg conversation.AttackConfig) error {
	c.state = conversation.StateActive
	c.turns = []conversation.Turn{{Speaker: conversation.SpeakerAssistant, Text: conversation.Greeting(cfg)}}
	return nil
}

func (c *quietConversation) Greeting() string { return c.turns[0].Text }

func (c *quietConversation) Answer(_ context.Context, text string) (string, error) {
	c.turns = append(c.turns,
		conversation.Turn{Speaker: conversation.SpeakerUser, Text: text},
		conversation.Turn{Speaker: conversation.SpeakerAssistant, Text: "ok"})
	return "ok", nil
}

func (c *quietConversation) End() (string, error) {
	c.state = conversation.StateTerminated
	return conversation.RenderTranscript(c.turns), nil
}

func (c *quietConversation) State() conversation.State { return c.state }

func (c *quietConversation) Transcript() []conversation.Turn { return c.turns }

func setupTestServer(t *testing.T) *Server {
	t.Helper()

	dir := t.TempDir()
	db, err := storage.New(context.Background(), storage.Config{
		Path:         filepath.Join(dir, "api.db"),
		MaxOpenConns: 1,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sessions := session.New(session.DefaultConfig(), session.Dependencies{
		Factory:  func() session.Conversation { return &quietConversation{} },
		Archiver: db,
	}, zerolog.Nop())

	return New(DefaultConfig(), Dependencies{
		DB:           db,
		Sessions:     sessions,
		KnowledgeDir: filepath.Join(dir, "prompts"),
		Version:      "test",
		StartTime:    time.Now(),
	}, zerolog.Nop())
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestRoutes_AttackLifecycle(t *testing.T) {
	s := setupTestServer(t)

	steps := []struct {
		method string
		path   string
		body   string
		status int
	}{
		{http.MethodPut, "/api/users/42", `{"display_name":"Alice"}`, http.StatusOK},
		{http.MethodGet, "/api/users/42", "", http.StatusOK},
		{http.MethodPost, "/api/users/42/attack", `{"scenario":"FreeChat"}`, http.StatusCreated},
		{http.MethodPost, "/api/users/42/turns", `{"text":"hello"}`, http.StatusOK},
		{http.MethodDelete, "/api/users/42/attack", "", http.StatusOK},
		{http.MethodGet, "/api/users/42/transcript", "", http.StatusOK},
		{http.MethodGet, "/api/attacks", "", http.StatusOK},
		{http.MethodGet, "/api/users", "", http.StatusOK},
	}

	for _, step := range steps {
		w := do(t, s, step.method, step.path, step.body)
		if w.Code != step.status {
			t.Fatalf("%s %s: expected status %d, got %d: %s", step.method, step.path, step.status, w.Code, w.Body.String())
		}
	}

	w := do(t, s, http.MethodGet, "/api/attacks?user_id=42", "")
	var resp protocol.ListAttacksResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Total != 1 || resp.Attacks[0].Scenario != "FreeChat" {
		t.Errorf("Unexpected attacks %+v", resp)
	}
}

func TestRoutes_ErrorsCarryRequestID(t *testing.T) {
	s := setupTestServer(t)

	w := do(t, s, http.MethodGet, "/api/users/nobody", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected status %d, got %d", http.StatusNotFound, w.Code)
	}

	var resp protocol.ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.RequestID == "" {
		t.Error("Expected request ID on error response")
	}
}

func TestRoutes_HealthAndCORS(t *testing.T) {
	s := setupTestServer(t)

	if w := do(t, s, http.MethodGet, "/health", ""); w.Code != http.StatusOK {
		t.Errorf("Expected /health status %d, got %d", http.StatusOK, w.Code)
	}
	if w := do(t, s, http.MethodGet, "/ready", ""); w.Code != http.StatusOK {
		t.Errorf("Expected /ready status %d, got %d", http.StatusOK, w.Code)
	}

	w := do(t, s, http.MethodOptions, "/api/users", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected preflight status %d, got %d", http.StatusOK, w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header")
	}
}
