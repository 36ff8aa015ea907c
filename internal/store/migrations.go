package store

import (
	"database/sql"
	"fmt"
	"time"
)

type migration struct {
	version     int
	description string
	stmt        string
}

// Migrations are additive only. The base schema stays frozen at the
// shape it had when the version table was introduced; every later
// change to a live table lands here.
var migrations = []migration{
	{1, "add origin column to capture_jobs",
		`ALTER TABLE capture_jobs ADD COLUMN origin TEXT NOT NULL DEFAULT 'operator'`},
	{2, "add entities column to releases",
		`ALTER TABLE releases ADD COLUMN entities TEXT`},
	{3, "index submissions per submitter",
		`CREATE INDEX IF NOT EXISTS idx_jobs_submitter ON capture_jobs(submitter, submitted_at)`},
	{4, "add channel column to capture_jobs",
		`ALTER TABLE capture_jobs ADD COLUMN channel TEXT NOT NULL DEFAULT ''`},
	{5, "add channel column to releases",
		`ALTER TABLE releases ADD COLUMN channel TEXT NOT NULL DEFAULT ''`},
}

func migrate(db *sql.DB) error {
	var current sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&current); err != nil {
		return err
	}
	for _, m := range migrations {
		if current.Valid && m.version <= int(current.Int64) {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations(version, description, applied_at) VALUES (?,?,?)`,
			m.version, m.description, nanos(time.Now())); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}
