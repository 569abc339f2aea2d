// Package api provides the HTTP API server.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"cymbytes.com/deceptify/internal/deceptify/api/handlers"
	"cymbytes.com/deceptify/internal/deceptify/session"
	"cymbytes.com/deceptify/internal/deceptify/storage"
)

// Server is the HTTP API server.
type Server struct {
	router chi.Router
	server *http.Server
	logger zerolog.Logger
}

// Config holds server configuration.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Upper bound for a single request; turns may wait on the language model
	RequestTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           8090,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   90 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 80 * time.Second,
	}
}

// Dependencies holds the dependencies needed by the API handlers.
type Dependencies struct {
	DB           *storage.DB
	Sessions     *session.Manager
	Learning     handlers.LearningStats
	KnowledgeDir string
	Version      string
	StartTime    time.Time
}

// New creates a new API server.
func New(cfg Config, deps Dependencies, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "api").Logger()

	h := handlers.New(deps.DB, deps.Sessions, deps.Learning, deps.KnowledgeDir, deps.Version, deps.StartTime, logger)

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig().IdleTimeout
	}

	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(corsMiddleware)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(cfg.RequestTimeout))

	router.Route("/api", func(r chi.Router) {
		r.Get("/scenarios", h.ListScenarios)

		r.Route("/users", func(r chi.Router) {
			r.Get("/", h.ListUsers)

			r.Route("/{userID}", func(r chi.Router) {
				r.Put("/", h.UpsertUser)
				r.Get("/", h.GetUser)
				r.Get("/transcript", h.GetTranscript)
				r.Post("/turns", h.SubmitTurn)

				r.Post("/attack", h.StartAttack)
				r.Delete("/attack", h.EndAttack)
			})
		})

		r.Route("/attacks", func(r chi.Router) {
			r.Get("/", h.ListAttacks)
			r.Get("/{attackID}", h.GetAttack)
		})

		r.Route("/samples", func(r chi.Router) {
			r.Get("/", h.ListSamples)
			r.Post("/{sampleID}/promote", h.PromoteSample)
			r.Post("/{sampleID}/reject", h.RejectSample)
		})

		r.Get("/learning/stats", h.LearningStats)
	})

	router.Get("/health", h.HealthCheck)
	router.Get("/ready", h.ReadyCheck)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return &Server{
		router: router,
		server: server,
		logger: logger,
	}
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// requestLogger returns a middleware that logs requests.
func requestLogger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				status := ww.Status()

				event := logger.Info()
				if status >= 500 {
					event = logger.Error()
				} else if status >= 400 {
					event = logger.Warn()
				}

				event.
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", status).
					Dur("duration", time.Since(start)).
					Str("remote", r.RemoteAddr).
					Str("request_id", middleware.GetReqID(r.Context())).
					Msg("Request completed")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// corsMiddleware adds CORS headers for cross-origin dashboards.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
