// Package storage provides SQLite persistence for attacks and learning samples.
package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"cymbytes.com/deceptify/migrations"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// DB wraps the SQLite database connection.
type DB struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Config holds database configuration options.
type Config struct {
	// Path to the SQLite database file
	Path string `yaml:"path"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	// Write-Ahead Logging lets readers run alongside the writer
	EnableWAL bool `yaml:"enable_wal"`
}

// DefaultConfig returns sensible defaults for the database.
func DefaultConfig() Config {
	return Config{
		Path:            "deceptify.db",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		EnableWAL:       true,
	}
}

// New opens the database and runs migrations.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*DB, error) {
	logger = logger.With().Str("component", "storage").Logger()

	// Build connection string with options
	dsn := cfg.Path
	if cfg.EnableWAL {
		dsn += "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	} else {
		dsn += "?_busy_timeout=5000"
	}

	logger.Info().Str("path", cfg.Path).Bool("wal", cfg.EnableWAL).Msg("Opening database")

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Verify connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	storage := &DB{db: db, logger: logger}

	// Run migrations
	if err := storage.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info().Msg("Database initialized successfully")
	return storage, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	d.logger.Info().Msg("Closing database connection")
	return d.db.Close()
}

// Migrate applies pending migrations. Applied migrations whose content
// changed are rejected.
func (d *DB) Migrate(ctx context.Context) error {
	// Get list of migration files
	list, err := loadMigrations(migrations.FS)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	if len(list) == 0 {
		d.logger.Warn().Msg("No migration files found")
		return nil
	}

	// Get applied migrations
	applied, err := d.appliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	// Apply pending migrations
	for _, m := range list {
		checksum := sha256Checksum(m.content)

		if existing, ok := applied[m.version]; ok {
			if existing != checksum {
				return fmt.Errorf("migration %d (%s) has been modified after being applied", m.version, m.filename)
			}
			continue
		}

		d.logger.Info().Int("version", m.version).Str("filename", m.filename).Msg("Applying migration")
		if err := d.applyMigration(ctx, m, checksum); err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", m.version, m.filename, err)
		}
	}

	d.logger.Debug().Int("total", len(list)).Msg("Migrations complete")
	return nil
}

type migration struct {
	version  int
	filename string
	content  string
}

func loadMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}

	var list []migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		// Parse version from filename (e.g., "001_initial_schema.sql")
		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return nil, fmt.Errorf("invalid migration filename: %s", entry.Name())
		}

		content, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read migration: %w", err)
		}
		list = append(list, migration{version: version, filename: entry.Name(), content: string(content)})
	}

	// Sort by version
	sort.Slice(list, func(i, j int) bool { return list[i].version < list[j].version })
	return list, nil
}

func (d *DB) appliedMigrations(ctx context.Context) (map[int]string, error) {
	// Create schema_version table if it doesn't exist
	_, err := d.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			filename TEXT NOT NULL,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return nil, err
	}

	rows, err := d.db.QueryContext(ctx, "SELECT version, checksum FROM schema_version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]string)
	for rows.Next() {
		var version int
		var checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, err
		}
		applied[version] = checksum
	}
	return applied, rows.Err()
}

func (d *DB) applyMigration(ctx context.Context, m migration, checksum string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Execute migration SQL
	if _, err := tx.ExecContext(ctx, m.content); err != nil {
		return fmt.Errorf("migration SQL failed: %w", err)
	}

	// Record migration
	_, err = tx.ExecContext(ctx,
		"INSERT INTO schema_version (version, filename, checksum) VALUES (?, ?, ?)",
		m.version, m.filename, checksum)
	if err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

func sha256Checksum(content string) string {
	hash := sha256.Sum256([]byte(content))
	return hex.EncodeToString(hash[:])
}

// ============================================================
// Health check
// ============================================================

// Ping verifies the database connection is alive.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Health returns the health status of the database.
func (d *DB) Health(ctx context.Context) (string, error) {
	if err := d.Ping(ctx); err != nil {
		return "unhealthy", err
	}

	var count int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		return "degraded", err
	}
	return "healthy", nil
}
