package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config should be valid: %v", err)
	}
	if cfg.Retrieval.AcceptThreshold != 0.7 || cfg.Retrieval.LearnThreshold != 1.4 {
		t.Errorf("Unexpected thresholds %+v", cfg.Retrieval)
	}
	if cfg.Mail.Port != 465 {
		t.Errorf("Expected SMTP port 465, got %d", cfg.Mail.Port)
	}
	if cfg.MailEnabled() {
		t.Error("Mail should be disabled without credentials")
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
server:
  port: 9000
retrieval:
  accept_threshold: 0.5
  learn_threshold: 1.0
llm:
  model: mistral
  timeout: 2m
paths:
  prompts_dir: /srv/prompts
`)

	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Retrieval.AcceptThreshold != 0.5 || cfg.Retrieval.NeighborCount != 3 {
		t.Errorf("Expected file values merged over defaults, got %+v", cfg.Retrieval)
	}
	if cfg.LLM.Model != "mistral" || cfg.LLM.Timeout != 2*time.Minute {
		t.Errorf("Unexpected llm config %+v", cfg.LLM)
	}
	if cfg.Paths.PromptsDir != "/srv/prompts" || cfg.Paths.IndexDir != "indexes" {
		t.Errorf("Unexpected paths %+v", cfg.Paths)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), ""); err == nil {
		t.Error("Expected error for missing config file")
	}

	bad := writeFile(t, "bad.yaml", "server: [")
	if _, err := Load(bad, ""); err == nil {
		t.Error("Expected parse error")
	}
}

func TestLoad_MissingEnvFileIgnored(t *testing.T) {
	if _, err := Load("", filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Errorf("Missing env file should be ignored: %v", err)
	}
}

func TestLoad_EnvFile(t *testing.T) {
	if _, ok := os.LookupEnv("MAIL_SERVER"); ok {
		t.Skip("MAIL_SERVER already set in the environment")
	}
	t.Cleanup(func() { os.Unsetenv("MAIL_SERVER") })

	envFile := writeFile(t, ".env", "MAIL_SERVER=smtp.example.com\n")
	cfg, err := Load("", envFile)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mail.Server != "smtp.example.com" {
		t.Errorf("Expected mail server from env file, got %q", cfg.Mail.Server)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_PATH", "/data/test.db")
	t.Setenv("SERVER_PORT", "7000")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("OLLAMA_HOST", "http://ollama:11434")
	t.Setenv("MAIL_USERNAME", "bot@example.com")
	t.Setenv("MAIL_PASSWORD", "secret")
	t.Setenv("MAIL_SERVER", "smtp.example.com")
	t.Setenv("ADMIN_RECIPIENTS", "a@example.com, b@example.com,")
	t.Setenv("DECEPTIFYBOT_TOKEN", "123:abc")
	t.Setenv("WEBHOOK_URL", "http://hooks.example.com/deceptify")

	cfg := DefaultConfig()
	ApplyEnvOverrides(&cfg)

	if cfg.Database.Path != "/data/test.db" || cfg.Server.Port != 7000 || cfg.Logging.Level != "debug" {
		t.Errorf("Unexpected overrides %+v %+v %+v", cfg.Database, cfg.Server, cfg.Logging)
	}
	if cfg.Embedding.Host != "http://ollama:11434" || cfg.LLM.Host != "http://ollama:11434" {
		t.Error("Expected OLLAMA_HOST to set both embedding and llm hosts")
	}
	if !cfg.MailEnabled() {
		t.Error("Expected mail to be enabled")
	}
	if len(cfg.Learning.Recipients) != 2 || cfg.Learning.Recipients[1] != "b@example.com" {
		t.Errorf("Unexpected recipients %v", cfg.Learning.Recipients)
	}
	if !cfg.Telegram.Enabled || cfg.Telegram.Token != "123:abc" {
		t.Errorf("Unexpected telegram config %+v", cfg.Telegram)
	}
	if !cfg.Webhooks.Enabled {
		t.Error("Expected webhooks to be enabled")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Overridden config should be valid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr string
	}{
		{"learn below accept", func(c *Config) { c.Retrieval.LearnThreshold = 0.5 }, "learn_threshold"},
		{"learn equals accept", func(c *Config) { c.Retrieval.LearnThreshold = c.Retrieval.AcceptThreshold }, "learn_threshold"},
		{"bad recipient", func(c *Config) { c.Learning.Recipients = []string{"not-an-email"} }, "email"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "format"},
		{"telegram without token", func(c *Config) { c.Telegram.Enabled = true }, "token"},
		{"prompts traversal", func(c *Config) { c.Paths.PromptsDir = "../prompts" }, "prompts_dir"},
		{"zero batch", func(c *Config) { c.Learning.BatchSize = 0 }, "batch_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}
