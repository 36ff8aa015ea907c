package store

import (
	"context"
	"time"
)

// ErrorEntry is one row of the persistent error sink.
type ErrorEntry struct {
	ID       int64
	Source   string
	Message  string
	LoggedAt time.Time
}

// LogError records a runtime error for later inspection.
func (s *Store) LogError(ctx context.Context, source, message string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO error_log (source, message, logged_at) VALUES (?,?,?)`,
		source, message, nanos(now))
	return err
}

func (s *Store) RecentErrors(ctx context.Context, limit int) ([]ErrorEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, message, logged_at FROM error_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ErrorEntry
	for rows.Next() {
		var e ErrorEntry
		var at int64
		if err := rows.Scan(&e.ID, &e.Source, &e.Message, &at); err != nil {
			return nil, err
		}
		e.LoggedAt = fromNanos(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneErrors drops sink entries logged before the cutoff.
func (s *Store) PruneErrors(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM error_log WHERE logged_at < ?`, nanos(before))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Feedback is a free-form note a submitter left for the operators.
type Feedback struct {
	ID        int64
	Submitter string
	ChatID    string
	Category  string
	Message   string
	CreatedAt time.Time
}

func (s *Store) AddFeedback(ctx context.Context, f Feedback) (int64, error) {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	if f.Category == "" {
		f.Category = "general"
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback (submitter, chat_id, category, message, created_at) VALUES (?,?,?,?,?)`,
		f.Submitter, f.ChatID, f.Category, f.Message, nanos(f.CreatedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) ListFeedback(ctx context.Context, limit int) ([]Feedback, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, submitter, chat_id, category, message, created_at FROM feedback ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Feedback
	for rows.Next() {
		var f Feedback
		var at int64
		if err := rows.Scan(&f.ID, &f.Submitter, &f.ChatID, &f.Category, &f.Message, &at); err != nil {
			return nil, err
		}
		f.CreatedAt = fromNanos(at)
		out = append(out, f)
	}
	return out, rows.Err()
}
