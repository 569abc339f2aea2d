// Package main is the entry point for the Deceptify server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"cymbytes.com/deceptify/internal/deceptify/api"
	"cymbytes.com/deceptify/internal/deceptify/audit"
	"cymbytes.com/deceptify/internal/deceptify/config"
	"cymbytes.com/deceptify/internal/deceptify/conversation"
	"cymbytes.com/deceptify/internal/deceptify/embedding"
	"cymbytes.com/deceptify/internal/deceptify/faq"
	"cymbytes.com/deceptify/internal/deceptify/learning"
	"cymbytes.com/deceptify/internal/deceptify/llm"
	"cymbytes.com/deceptify/internal/deceptify/notify"
	"cymbytes.com/deceptify/internal/deceptify/session"
	"cymbytes.com/deceptify/internal/deceptify/storage"
	"cymbytes.com/deceptify/internal/deceptify/telegram"
	"cymbytes.com/deceptify/internal/deceptify/vectorindex"
	"cymbytes.com/deceptify/internal/deceptify/webhooks"
)

// Version information (set at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	envFile := flag.String("env-file", ".env", "Path to .env file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Deceptify\n")
		fmt.Printf("  Version:    %s\n", Version)
		fmt.Printf("  Build Time: %s\n", BuildTime)
		fmt.Printf("  Git Commit: %s\n", GitCommit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)
	logger.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Msg("Starting Deceptify")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.New(ctx, storage.Config{
		Path:         cfg.Database.Path,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		EnableWAL:    cfg.Database.EnableWAL,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	// Embeddings are shared by every attack; the cache spans domains.
	var embedder vectorindex.Embedder = embedding.NewOllamaEmbedder(embedding.Config{
		Host:      cfg.Embedding.Host,
		Model:     cfg.Embedding.Model,
		Dimension: cfg.Embedding.Dimension,
		Timeout:   cfg.Embedding.Timeout,
	})
	if cfg.Embedding.CacheSize > 0 {
		cached, err := embedding.NewCachedEmbedder(embedder, cfg.Embedding.CacheSize)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to initialize embedding cache")
		}
		embedder = cached
	}

	var indexStore *vectorindex.Store
	if cfg.Retrieval.PersistIndex {
		indexStore = vectorindex.NewStore(cfg.Paths.IndexDir)
	}

	pipeline := learning.New(learning.Config{
		AuditLogPath:  cfg.Learning.AuditLogPath,
		BatchSize:     cfg.Learning.BatchSize,
		PollTimeout:   cfg.Learning.PollTimeout,
		Recipients:    cfg.Learning.Recipients,
		Subject:       cfg.Learning.Subject,
		NotifyTimeout: cfg.Learning.NotifyTimeout,
	}, newNotifier(cfg, logger), db, logger)
	pipeline.Start(ctx)

	generator := llm.NewOllamaClient(llm.Config{
		Host:        cfg.LLM.Host,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
	}, logger)
	personas := llm.NewPersonas(cfg.Paths.PromptsDir, logger)

	retrieval := faq.Config{
		KnowledgeDir:    cfg.Paths.PromptsDir,
		AcceptThreshold: cfg.Retrieval.AcceptThreshold,
		LearnThreshold:  cfg.Retrieval.LearnThreshold,
		NeighborCount:   cfg.Retrieval.NeighborCount,
		EmbeddingModel:  cfg.Embedding.Model,
	}

	// Each attack owns its retriever and controller.
	factory := func() session.Conversation {
		return conversation.New(conversation.Dependencies{
			Retriever: faq.New(retrieval, embedder, indexStore, logger),
			Generator: generator,
			Learner:   pipeline,
			Personas:  personas,
		}, logger)
	}

	hostname, _ := os.Hostname()
	deps := session.Dependencies{
		Factory:  factory,
		Archiver: db,
		Audit:    audit.NewLogger(hostname, logger),
	}

	forwarder := webhooks.NewForwarder(webhooks.Config{
		Enabled:    cfg.Webhooks.Enabled,
		URL:        cfg.Webhooks.URL,
		RetryCount: cfg.Webhooks.RetryCount,
		RetryDelay: cfg.Webhooks.RetryDelay,
		Timeout:    cfg.Webhooks.Timeout,
	}, logger)
	if forwarder.IsEnabled() {
		deps.Events = forwarder
		logger.Info().Str("url", cfg.Webhooks.URL).Msg("Webhook forwarding enabled")
	}

	sessions := session.New(session.Config{
		FailureLimit: cfg.Session.FailureLimit,
		EventTimeout: cfg.Session.EventTimeout,
	}, deps, logger)

	server := api.New(api.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, api.Dependencies{
		DB:           db,
		Sessions:     sessions,
		Learning:     pipeline,
		KnowledgeDir: cfg.Paths.PromptsDir,
		Version:      Version,
		StartTime:    time.Now(),
	}, logger)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	botCtx, stopBot := context.WithCancel(ctx)
	botDone := make(chan struct{})
	if cfg.Telegram.Enabled {
		bot, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: cfg.Telegram.PollTimeout,
			Debug:       cfg.Telegram.Debug,
		}, sessions, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to initialize Telegram bot")
		}
		go func() {
			defer close(botDone)
			if err := bot.Start(botCtx); err != nil {
				logger.Error().Err(err).Msg("Telegram bot stopped")
			}
		}()
	} else {
		close(botDone)
		logger.Info().Msg("Telegram bot disabled")
	}

	logger.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Msg("Deceptify is ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown error")
	}

	stopBot()
	select {
	case <-botDone:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("Timed out waiting for Telegram bot")
	}

	pipeline.Stop()
	sessions.Close()

	logger.Info().Msg("Deceptify stopped")
}

func newNotifier(cfg config.Config, logger zerolog.Logger) learning.Notifier {
	if !cfg.MailEnabled() {
		logger.Info().Msg("Mail not configured, learning notifications go to the log")
		return notify.NewLogNotifier(logger)
	}
	return notify.NewEmailNotifier(notify.EmailConfig{
		Server:      cfg.Mail.Server,
		Port:        cfg.Mail.Port,
		Username:    cfg.Mail.Username,
		Password:    cfg.Mail.Password,
		DisplayName: cfg.Mail.DisplayName,
		Timeout:     cfg.Mail.Timeout,
		IMAPArchive: cfg.Mail.IMAPArchive,
		IMAPServer:  cfg.Mail.IMAPServer,
		IMAPPort:    cfg.Mail.IMAPPort,
	}, logger)
}

func initLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
