package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNoJobReady means no pending job exists to claim.
var ErrNoJobReady = errors.New("no jobs ready")

// Open opens the SQLite database at path. The connection pool is capped
// at a single connection so transactions never contend with each other.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// Store is the only shared state between the pipeline stages. Every
// loop reads fresh rows from it on each tick.
type Store struct{ db *sql.DB }

// New ensures the schema exists, applies pending migrations and returns
// a ready store.
func New(db *sql.DB) (*Store, error) {
	if err := ensureSchema(db); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	if err := migrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// DB returns the underlying database connection (for ad-hoc queries).
func (s *Store) DB() *sql.DB { return s.db }

func ensureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS capture_jobs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  content_key TEXT NOT NULL,
  source_url TEXT NOT NULL,
  submitter TEXT NOT NULL DEFAULT '',
  chat_id TEXT NOT NULL DEFAULT '',
  priority INTEGER NOT NULL DEFAULT 1,
  batch_id TEXT,
  batch_size INTEGER NOT NULL DEFAULT 1,
  status TEXT NOT NULL CHECK(status IN ('pending','processing','completed','failed')) DEFAULT 'pending',
  submitted_at INTEGER NOT NULL,
  completed_at INTEGER,
  error TEXT NOT NULL DEFAULT '',
  result BLOB
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON capture_jobs(status, priority DESC, submitted_at ASC);
CREATE INDEX IF NOT EXISTS idx_jobs_key ON capture_jobs(content_key, status);
CREATE INDEX IF NOT EXISTS idx_jobs_batch ON capture_jobs(batch_id) WHERE batch_id IS NOT NULL;
CREATE TABLE IF NOT EXISTS releases (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  content_key TEXT NOT NULL,
  body TEXT NOT NULL,
  media TEXT,
  release_at INTEGER,
  moderation_chat TEXT NOT NULL DEFAULT '',
  moderation_msg INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_releases_due ON releases(release_at) WHERE release_at IS NOT NULL;
CREATE TABLE IF NOT EXISTS capture_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  content_key TEXT NOT NULL,
  submitter TEXT NOT NULL DEFAULT '',
  origin TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  detail TEXT NOT NULL DEFAULT '',
  logged_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_log_time ON capture_log(status, logged_at);
CREATE TABLE IF NOT EXISTS error_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  source TEXT NOT NULL,
  message TEXT NOT NULL,
  logged_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS feedback (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  submitter TEXT NOT NULL,
  chat_id TEXT NOT NULL DEFAULT '',
  category TEXT NOT NULL DEFAULT 'general',
  message TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  description TEXT NOT NULL,
  applied_at INTEGER NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

// Timestamps are stored as unix nanoseconds so that ordering and
// comparisons in SQL are plain integer operations.
func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }
