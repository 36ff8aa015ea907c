package store

import (
	"context"
	"database/sql"
	"time"

	"clipflow/internal/domain"
)

func (s *Store) CountJobs(ctx context.Context, status domain.JobStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM capture_jobs WHERE status=?`, string(status)).Scan(&n)
	return n, err
}

// ScheduledCount counts releases still waiting to fire after the given
// instant.
func (s *Store) ScheduledCount(ctx context.Context, after time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM releases WHERE release_at IS NOT NULL AND release_at > ?`,
		nanos(after)).Scan(&n)
	return n, err
}

// NextRelease returns the earliest fire time after the given instant,
// or nil when nothing is scheduled.
func (s *Store) NextRelease(ctx context.Context, after time.Time) (*time.Time, error) {
	var n sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(release_at) FROM releases WHERE release_at IS NOT NULL AND release_at > ?`,
		nanos(after)).Scan(&n)
	if err != nil {
		return nil, err
	}
	if !n.Valid {
		return nil, nil
	}
	t := fromNanos(n.Int64)
	return &t, nil
}

// ReleasedSince counts releases delivered to the destination since the
// given instant.
func (s *Store) ReleasedSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM capture_log WHERE status='released' AND logged_at >= ?`,
		nanos(since)).Scan(&n)
	return n, err
}
