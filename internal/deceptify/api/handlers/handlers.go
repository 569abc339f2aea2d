// Package handlers provides HTTP request handlers for the Deceptify API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"cymbytes.com/deceptify/internal/deceptify/conversation"
	"cymbytes.com/deceptify/internal/deceptify/faq"
	"cymbytes.com/deceptify/internal/deceptify/learning"
	"cymbytes.com/deceptify/internal/deceptify/session"
	"cymbytes.com/deceptify/internal/deceptify/storage"
	"cymbytes.com/deceptify/internal/deceptify/validator"
	"cymbytes.com/deceptify/pkg/protocol"
)

// LearningStats reports active learning counters.
type LearningStats interface {
	Stats() learning.Stats
}

// Handlers contains all API handlers.
type Handlers struct {
	db           *storage.DB
	sessions     *session.Manager
	learner      LearningStats
	validate     *validator.Validator
	knowledgeDir string
	version      string
	startTime    time.Time
	logger       zerolog.Logger
}

// New creates a new Handlers instance. learner may be nil.
func New(db *storage.DB, sessions *session.Manager, learner LearningStats, knowledgeDir, version string, startTime time.Time, logger zerolog.Logger) *Handlers {
	return &Handlers{
		db:           db,
		sessions:     sessions,
		learner:      learner,
		validate:     validator.New(),
		knowledgeDir: knowledgeDir,
		version:      version,
		startTime:    startTime,
		logger:       logger.With().Str("component", "handlers").Logger(),
	}
}

// ============================================================
// Scenario Handlers
// ============================================================

// ListScenarios handles GET /api/scenarios
func (h *Handlers) ListScenarios(w http.ResponseWriter, r *http.Request) {
	var resp protocol.ListScenariosResponse
	for i, s := range conversation.Scenarios() {
		info := protocol.ScenarioInfo{Name: string(s), KnowledgeBase: true}
		if s != conversation.ScenarioFreeChat {
			info.Number = i + 1
			_, err := os.Stat(faq.KnowledgePath(h.knowledgeDir, s.KnowledgeDomain()))
			info.KnowledgeBase = err == nil
		}
		resp.Scenarios = append(resp.Scenarios, info)
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// ============================================================
// User Handlers
// ============================================================

// UpsertUser handles PUT /api/users/{userID}
func (h *Handlers) UpsertUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req protocol.UpsertUserRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	user := h.sessions.GetOrCreate(userID, req.DisplayName)
	h.writeJSON(w, http.StatusOK, userToResponse(user.Snapshot()))
}

// ListUsers handles GET /api/users
func (h *Handlers) ListUsers(w http.ResponseWriter, r *http.Request) {
	snapshots := h.sessions.List()

	resp := protocol.ListUsersResponse{
		Users: make([]protocol.UserResponse, 0, len(snapshots)),
		Total: len(snapshots),
	}
	for _, s := range snapshots {
		resp.Users = append(resp.Users, userToResponse(s))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetUser handles GET /api/users/{userID}
func (h *Handlers) GetUser(w http.ResponseWriter, r *http.Request) {
	user, ok := h.lookupUser(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, userToResponse(user.Snapshot()))
}

// GetTranscript handles GET /api/users/{userID}/transcript
func (h *Handlers) GetTranscript(w http.ResponseWriter, r *http.Request) {
	user, ok := h.lookupUser(w, r)
	if !ok {
		return
	}

	transcript, found := h.sessions.LastTranscript(user.ID)
	if !found {
		h.writeError(w, r, http.StatusNotFound, "transcript_not_found", "No transcript is available for this user")
		return
	}

	h.writeJSON(w, http.StatusOK, protocol.TranscriptResponse{UserID: user.ID, Transcript: transcript})
}

// ============================================================
// Attack Handlers
// ============================================================

// StartAttack handles POST /api/users/{userID}/attack
func (h *Handlers) StartAttack(w http.ResponseWriter, r *http.Request) {
	user, ok := h.lookupUser(w, r)
	if !ok {
		return
	}

	var req protocol.StartAttackRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	scenario, err := conversation.ParseScenario(req.Scenario)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "unknown_scenario", err.Error())
		return
	}

	greeting, err := h.sessions.StartAttack(r.Context(), user, scenario)
	switch {
	case errors.Is(err, session.ErrAlreadyActive):
		h.writeError(w, r, http.StatusConflict, "attack_active", "An attack is already in progress")
		return
	case errors.Is(err, faq.ErrKnowledgeBaseMissing):
		h.writeError(w, r, http.StatusUnprocessableEntity, "knowledge_base_missing", "No knowledge base exists for scenario "+string(scenario))
		return
	case err != nil:
		h.logger.Error().Err(err).Str("user_id", user.ID).Msg("Failed to start attack")
		h.writeError(w, r, http.StatusInternalServerError, "internal_error", "Failed to start attack")
		return
	}

	snap := user.Snapshot()
	h.writeJSON(w, http.StatusCreated, protocol.StartAttackResponse{
		AttackID: snap.AttackID,
		Scenario: string(scenario),
		Greeting: greeting,
	})
}

// SubmitTurn handles POST /api/users/{userID}/turns
func (h *Handlers) SubmitTurn(w http.ResponseWriter, r *http.Request) {
	user, ok := h.lookupUser(w, r)
	if !ok {
		return
	}

	var req protocol.TurnRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.sessions.Turn(r.Context(), user, req.Text)
	if errors.Is(err, session.ErrNotInAttack) {
		h.writeError(w, r, http.StatusConflict, "not_in_attack", "No attack is in progress")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", user.ID).Msg("Failed to process turn")
		h.writeError(w, r, http.StatusInternalServerError, "internal_error", "Failed to process turn")
		return
	}

	h.writeJSON(w, http.StatusOK, protocol.TurnResponse{
		Response: result.Response,
		Finished: result.Finished,
		Reset:    result.Reset,
	})
}

// EndAttack handles DELETE /api/users/{userID}/attack
func (h *Handlers) EndAttack(w http.ResponseWriter, r *http.Request) {
	user, ok := h.lookupUser(w, r)
	if !ok {
		return
	}

	transcript, err := h.sessions.EndAttack(r.Context(), user)
	if errors.Is(err, session.ErrNotInAttack) {
		h.writeError(w, r, http.StatusConflict, "not_in_attack", "No attack is in progress")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", user.ID).Msg("Failed to end attack")
		h.writeError(w, r, http.StatusInternalServerError, "internal_error", "Failed to end attack")
		return
	}

	h.writeJSON(w, http.StatusOK, protocol.EndAttackResponse{Transcript: transcript})
}

// ListAttacks handles GET /api/attacks
func (h *Handlers) ListAttacks(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.writeError(w, r, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}

	attacks, err := h.db.ListAttacks(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list attacks")
		h.writeError(w, r, http.StatusInternalServerError, "internal_error", "Failed to list attacks")
		return
	}

	resp := protocol.ListAttacksResponse{
		Attacks: make([]protocol.AttackResponse, 0, len(attacks)),
		Total:   len(attacks),
	}
	for _, a := range attacks {
		item := attackToResponse(a)
		item.Transcript = ""
		resp.Attacks = append(resp.Attacks, item)
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetAttack handles GET /api/attacks/{attackID}
func (h *Handlers) GetAttack(w http.ResponseWriter, r *http.Request) {
	attackID := chi.URLParam(r, "attackID")

	attack, err := h.db.GetAttack(r.Context(), attackID)
	if errors.Is(err, storage.ErrNotFound) {
		h.writeError(w, r, http.StatusNotFound, "attack_not_found", "Attack not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("attack_id", attackID).Msg("Failed to get attack")
		h.writeError(w, r, http.StatusInternalServerError, "internal_error", "Failed to get attack")
		return
	}

	h.writeJSON(w, http.StatusOK, attackToResponse(attack))
}

// ============================================================
// Active Learning Handlers
// ============================================================

// ListSamples handles GET /api/samples
func (h *Handlers) ListSamples(w http.ResponseWriter, r *http.Request) {
	status := storage.SampleStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		h.writeError(w, r, http.StatusBadRequest, "invalid_request", "status must be one of: pending, promoted, rejected")
		return
	}

	samples, err := h.db.ListSamples(r.Context(), status)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list samples")
		h.writeError(w, r, http.StatusInternalServerError, "internal_error", "Failed to list samples")
		return
	}

	resp := protocol.ListSamplesResponse{
		Samples: make([]protocol.SampleResponse, 0, len(samples)),
		Total:   len(samples),
	}
	for _, s := range samples {
		resp.Samples = append(resp.Samples, sampleToResponse(s))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// PromoteSample handles POST /api/samples/{sampleID}/promote
//
// The sample is appended to its knowledge source; the next attack on that
// domain answers it from the FAQ.
func (h *Handlers) PromoteSample(w http.ResponseWriter, r *http.Request) {
	sample, ok := h.lookupPendingSample(w, r)
	if !ok {
		return
	}

	domain, ok := faq.DomainFromPath(sample.DomainRef)
	if !ok {
		h.writeError(w, r, http.StatusUnprocessableEntity, "invalid_domain_ref", "Sample does not reference a knowledge source")
		return
	}

	if err := faq.AppendEntry(h.knowledgeDir, domain, sample.Question, sample.Answer); err != nil {
		if errors.Is(err, faq.ErrKnowledgeBaseMissing) {
			h.writeError(w, r, http.StatusUnprocessableEntity, "knowledge_base_missing", "No knowledge base exists for domain "+domain)
			return
		}
		h.logger.Error().Err(err).Str("sample_id", sample.ID).Msg("Failed to append sample to knowledge base")
		h.writeError(w, r, http.StatusInternalServerError, "internal_error", "Failed to promote sample")
		return
	}

	h.finishReview(w, r, sample, storage.SampleStatusPromoted)
}

// RejectSample handles POST /api/samples/{sampleID}/reject
func (h *Handlers) RejectSample(w http.ResponseWriter, r *http.Request) {
	sample, ok := h.lookupPendingSample(w, r)
	if !ok {
		return
	}
	h.finishReview(w, r, sample, storage.SampleStatusRejected)
}

func (h *Handlers) finishReview(w http.ResponseWriter, r *http.Request, sample *storage.Sample, status storage.SampleStatus) {
	if err := h.db.UpdateSampleStatus(r.Context(), sample.ID, status); err != nil {
		h.logger.Error().Err(err).Str("sample_id", sample.ID).Msg("Failed to update sample")
		h.writeError(w, r, http.StatusInternalServerError, "internal_error", "Failed to update sample")
		return
	}

	sample.Status = status
	sample.UpdatedAt = time.Now().UTC()
	h.writeJSON(w, http.StatusOK, sampleToResponse(sample))
}

// LearningStats handles GET /api/learning/stats
func (h *Handlers) LearningStats(w http.ResponseWriter, r *http.Request) {
	var resp protocol.LearningStatsResponse
	if h.learner != nil {
		stats := h.learner.Stats()
		resp.Processed = stats.Processed
		resp.Unique = stats.Unique
		resp.Notifications = stats.Notifications
		resp.Failures = stats.Failures
		resp.Queued = stats.Queued
		resp.Running = stats.Running
	}

	counts, err := h.db.SampleCounts(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to count samples")
		h.writeError(w, r, http.StatusInternalServerError, "internal_error", "Failed to get learning stats")
		return
	}
	resp.Samples = make(map[string]int, len(counts))
	for status, n := range counts {
		resp.Samples[string(status)] = n
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// ============================================================
// Health Handlers
// ============================================================

// HealthCheck handles GET /health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus, dbErr := h.db.Health(r.Context())

	status := "healthy"
	if dbErr != nil {
		status = "unhealthy"
	}

	resp := protocol.HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Components: map[string]protocol.ComponentHealth{
			"database": {
				Status:    dbStatus,
				LastCheck: time.Now(),
			},
		},
	}

	if dbErr != nil {
		resp.Components["database"] = protocol.ComponentHealth{
			Status:    "unhealthy",
			LastCheck: time.Now(),
			Details:   dbErr.Error(),
		}
	}

	if h.learner != nil {
		learnerStatus := "healthy"
		if !h.learner.Stats().Running {
			learnerStatus = "stopped"
		}
		resp.Components["learning"] = protocol.ComponentHealth{Status: learnerStatus, LastCheck: time.Now()}
	}

	statusCode := http.StatusOK
	if status != "healthy" {
		statusCode = http.StatusServiceUnavailable
	}

	h.writeJSON(w, statusCode, resp)
}

// ReadyCheck handles GET /ready
func (h *Handlers) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "not_ready", "Database not available")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

// ============================================================
// Helper methods
// ============================================================

func (h *Handlers) lookupUser(w http.ResponseWriter, r *http.Request) (*session.User, bool) {
	userID := chi.URLParam(r, "userID")

	user, err := h.sessions.Get(userID)
	if err != nil {
		h.writeError(w, r, http.StatusNotFound, "user_not_found", "User not found")
		return nil, false
	}
	return user, true
}

func (h *Handlers) lookupPendingSample(w http.ResponseWriter, r *http.Request) (*storage.Sample, bool) {
	sampleID := chi.URLParam(r, "sampleID")

	sample, err := h.db.GetSample(r.Context(), sampleID)
	if errors.Is(err, storage.ErrNotFound) {
		h.writeError(w, r, http.StatusNotFound, "sample_not_found", "Sample not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error().Err(err).Str("sample_id", sampleID).Msg("Failed to get sample")
		h.writeError(w, r, http.StatusInternalServerError, "internal_error", "Failed to get sample")
		return nil, false
	}

	if sample.Status != storage.SampleStatusPending {
		h.writeError(w, r, http.StatusConflict, "sample_not_pending", "Sample has already been "+string(sample.Status))
		return nil, false
	}
	return sample, true
}

func (h *Handlers) decodeAndValidate(w http.ResponseWriter, r *http.Request, req interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_request", "Failed to parse request body")
		return false
	}

	if result := h.validate.Struct(req); !result.Valid {
		h.writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{
			Error:     "validation_failed",
			Message:   result.Error(),
			Details:   map[string]interface{}{"errors": result.Errors},
			RequestID: middleware.GetReqID(r.Context()),
		})
		return false
	}
	return true
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	resp := protocol.ErrorResponse{
		Error:     code,
		Message:   message,
		RequestID: middleware.GetReqID(r.Context()),
	}
	h.writeJSON(w, status, resp)
}

func userToResponse(s session.Snapshot) protocol.UserResponse {
	return protocol.UserResponse{
		ID:            s.ID,
		DisplayName:   s.DisplayName,
		State:         string(s.State),
		Scenario:      string(s.Scenario),
		FailureStreak: s.FailureStreak,
		AttackID:      s.AttackID,
		StartedAt:     s.StartedAt,
		HasTranscript: s.LastTranscript != "",
	}
}

func attackToResponse(a *storage.Attack) protocol.AttackResponse {
	return protocol.AttackResponse{
		ID:          a.ID,
		UserID:      a.UserID,
		DisplayName: a.DisplayName,
		Scenario:    a.Scenario,
		Transcript:  a.Transcript,
		TurnCount:   a.TurnCount,
		Reset:       a.Reset,
		StartedAt:   a.StartedAt,
		EndedAt:     a.EndedAt,
	}
}

func sampleToResponse(s *storage.Sample) protocol.SampleResponse {
	return protocol.SampleResponse{
		ID:        s.ID,
		Question:  s.Question,
		Answer:    s.Answer,
		DomainRef: s.DomainRef,
		Duplicate: s.Duplicate,
		Status:    string(s.Status),
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}
