// Package storage is the local SQLite store: the api_logs audit table, the
// app_settings table and the embedding cache.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

var (
	ErrNotFound = errors.New("not found")
)

// timeLayout is how timestamps are stored. It sorts lexicographically, which
// retention queries rely on.
const timeLayout = "2006-01-02 15:04:05.000"

// Config configures the local store.
type Config struct {
	// Path is the database file. ":memory:" keeps everything in process.
	// Default: data/local.db
	Path string `yaml:"path"`

	// BusyTimeout is how long a writer waits on a locked database.
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// Store wraps the SQLite connection.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the database, migrates the schema and
// seeds default settings.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = filepath.Join("data", "local.db")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "storage")

	isNew := true
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		if _, err := os.Stat(cfg.Path); err == nil {
			isNew = false
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", cfg.Path, cfg.BusyTimeout.Milliseconds())
	if cfg.Path == ":memory:" {
		dsn = fmt.Sprintf("file::memory:?_pragma=busy_timeout(%d)", cfg.BusyTimeout.Milliseconds())
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: SQLite allows a single writer, and an in-memory
	// database exists per connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.seedSettings(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if isNew {
		logger.Info("created local database", "path", cfg.Path)
	} else {
		logger.Info("opened local database", "path", cfg.Path)
	}
	return s, nil
}

// NewWithDB wraps an existing connection without migrating. Used with
// sqlmock in tests.
func NewWithDB(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "storage"), now: time.Now}
}

// DB exposes the underlying connection.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS api_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id TEXT,
		user_id TEXT,
		system_prompt TEXT,
		memory_prompt TEXT,
		user_message TEXT,
		model_response TEXT,
		validation_type TEXT,
		success INTEGER DEFAULT 1,
		error_message TEXT,
		model_name TEXT,
		token_prompt INTEGER DEFAULT 0,
		token_completion INTEGER DEFAULT 0,
		token_total INTEGER DEFAULT 0,
		retry_count INTEGER DEFAULT 0,
		metadata TEXT DEFAULT '{}',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_api_logs_created ON api_logs(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_api_logs_chat ON api_logs(chat_id)`,
	`CREATE TABLE IF NOT EXISTS app_settings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT UNIQUE NOT NULL,
		value TEXT,
		type TEXT DEFAULT 'string',
		is_secret INTEGER DEFAULT 0,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS embedding_cache (
		store TEXT NOT NULL,
		model TEXT NOT NULL,
		item_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		content_hash TEXT NOT NULL,
		content TEXT,
		vector BLOB,
		metadata TEXT,
		PRIMARY KEY (store, model, item_id)
	)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(timeLayout)
}

func parseTimestamp(v string) time.Time {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
