// Package config loads the service configuration from YAML, a .env file and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"cymbytes.com/deceptify/internal/deceptify/validator"
)

// Config holds the complete service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	LLM       LLMConfig       `yaml:"llm"`
	Session   SessionConfig   `yaml:"session"`
	Learning  LearningConfig  `yaml:"learning"`
	Mail      MailConfig      `yaml:"mail"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"`
	Paths     PathsConfig     `yaml:"paths"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port" validate:"min=1,max=65535"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path         string `yaml:"path" validate:"required"`
	MaxOpenConns int    `yaml:"max_open_conns" validate:"min=1"`
	MaxIdleConns int    `yaml:"max_idle_conns" validate:"min=0"`
	EnableWAL    bool   `yaml:"enable_wal"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// RetrievalConfig holds FAQ lookup thresholds.
type RetrievalConfig struct {
	AcceptThreshold float32 `yaml:"accept_threshold" validate:"gt=0"`
	LearnThreshold  float32 `yaml:"learn_threshold" validate:"gtfield=AcceptThreshold"`
	NeighborCount   int     `yaml:"neighbor_count" validate:"min=1"`
	PersistIndex    bool    `yaml:"persist_index"`
}

// EmbeddingConfig holds embedding service settings.
type EmbeddingConfig struct {
	Host      string        `yaml:"host" validate:"required,url"`
	Model     string        `yaml:"model" validate:"required"`
	Dimension int           `yaml:"dimension" validate:"min=1"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheSize int           `yaml:"cache_size" validate:"min=0"`
}

// LLMConfig holds generation settings.
type LLMConfig struct {
	Host        string        `yaml:"host" validate:"required,url"`
	Model       string        `yaml:"model" validate:"required"`
	Temperature float64       `yaml:"temperature" validate:"min=0,max=2"`
	Timeout     time.Duration `yaml:"timeout"`
}

// SessionConfig holds session manager settings.
type SessionConfig struct {
	FailureLimit int           `yaml:"failure_limit" validate:"min=1"`
	EventTimeout time.Duration `yaml:"event_timeout"`
}

// LearningConfig holds active learning settings.
type LearningConfig struct {
	AuditLogPath  string        `yaml:"audit_log_path" validate:"required,safe_path"`
	BatchSize     int           `yaml:"batch_size" validate:"min=1"`
	PollTimeout   time.Duration `yaml:"poll_timeout"`
	Recipients    []string      `yaml:"recipients" validate:"dive,email"`
	Subject       string        `yaml:"subject"`
	NotifyTimeout time.Duration `yaml:"notify_timeout"`
}

// MailConfig holds SMTP settings for administrator notifications.
type MailConfig struct {
	Server      string        `yaml:"server"`
	Port        int           `yaml:"port" validate:"min=1,max=65535"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	DisplayName string        `yaml:"display_name"`
	Timeout     time.Duration `yaml:"timeout"`
	IMAPArchive string        `yaml:"imap_archive"`
	IMAPServer  string        `yaml:"imap_server"`
	IMAPPort    int           `yaml:"imap_port" validate:"min=0,max=65535"`
}

// TelegramConfig holds bot settings.
type TelegramConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Token       string `yaml:"token" validate:"required_if=Enabled true"`
	PollTimeout int    `yaml:"poll_timeout" validate:"min=0"`
	Debug       bool   `yaml:"debug"`
}

// WebhooksConfig holds event forwarding settings.
type WebhooksConfig struct {
	Enabled    bool          `yaml:"enabled"`
	URL        string        `yaml:"url" validate:"omitempty,url"`
	RetryCount int           `yaml:"retry_count" validate:"min=0"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	Timeout    time.Duration `yaml:"timeout"`
}

// PathsConfig holds filesystem locations.
type PathsConfig struct {
	// Knowledge sources and role overrides, <prompts_dir>/<domain>/...
	PromptsDir string `yaml:"prompts_dir" validate:"required,safe_path"`

	// Persisted vector indexes
	IndexDir string `yaml:"index_dir" validate:"required,safe_path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8090,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   90 * time.Second,
			RequestTimeout: 80 * time.Second,
		},
		Database: DatabaseConfig{
			Path:         "deceptify.db",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
			EnableWAL:    true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Retrieval: RetrievalConfig{
			AcceptThreshold: 0.7,
			LearnThreshold:  1.4,
			NeighborCount:   3,
			PersistIndex:    true,
		},
		Embedding: EmbeddingConfig{
			Host:      "http://localhost:11434",
			Model:     "all-minilm",
			Dimension: 384,
			Timeout:   30 * time.Second,
			CacheSize: 4096,
		},
		LLM: LLMConfig{
			Host:        "http://localhost:11434",
			Model:       "llama3",
			Temperature: 0.7,
			Timeout:     60 * time.Second,
		},
		Session: SessionConfig{
			FailureLimit: 3,
			EventTimeout: 10 * time.Second,
		},
		Learning: LearningConfig{
			AuditLogPath:  "samples.txt",
			BatchSize:     3,
			PollTimeout:   5 * time.Second,
			Subject:       "Deceptify: new active learning samples",
			NotifyTimeout: 30 * time.Second,
		},
		Mail: MailConfig{
			Port:        465,
			DisplayName: "Deceptify",
			Timeout:     30 * time.Second,
			IMAPPort:    993,
		},
		Telegram: TelegramConfig{
			PollTimeout: 60,
		},
		Webhooks: WebhooksConfig{
			RetryCount: 3,
			RetryDelay: time.Second,
			Timeout:    10 * time.Second,
		},
		Paths: PathsConfig{
			PromptsDir: "prompts",
			IndexDir:   "indexes",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then variables from envFile (if it exists), then the environment.
func Load(path, envFile string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	ApplyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// ApplyEnvOverrides copies recognised environment variables into cfg.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// One Ollama instance serves both embeddings and chat
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		cfg.Embedding.Host = v
		cfg.LLM.Host = v
	}

	if v := os.Getenv("MAIL_USERNAME"); v != "" {
		cfg.Mail.Username = v
	}
	if v := os.Getenv("MAIL_PASSWORD"); v != "" {
		cfg.Mail.Password = v
	}
	if v := os.Getenv("MAIL_SERVER"); v != "" {
		cfg.Mail.Server = v
	}

	if v := os.Getenv("ADMIN_RECIPIENTS"); v != "" {
		var recipients []string
		for _, r := range strings.Split(v, ",") {
			if r = strings.TrimSpace(r); r != "" {
				recipients = append(recipients, r)
			}
		}
		cfg.Learning.Recipients = recipients
	}

	if v := os.Getenv("DECEPTIFYBOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
		cfg.Telegram.Enabled = true
	}

	if v := os.Getenv("WEBHOOK_URL"); v != "" {
		cfg.Webhooks.URL = v
		cfg.Webhooks.Enabled = true
	}
}

// Validate checks the configuration against its struct rules.
func (c *Config) Validate() error {
	result := validator.New().Struct(c)
	if !result.Valid {
		return fmt.Errorf("invalid configuration: %s", result.Error())
	}
	return nil
}

// MailEnabled reports whether SMTP credentials are configured.
func (c *Config) MailEnabled() bool {
	return c.Mail.Server != "" && c.Mail.Username != "" && c.Mail.Password != ""
}
