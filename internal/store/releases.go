package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"clipflow/internal/domain"
)

const releaseCols = "id,content_key,body,entities,media,channel,release_at,moderation_chat,moderation_msg,created_at"

func scanRelease(row rowScanner) (domain.Release, error) {
	var (
		r         domain.Release
		entities  sql.NullString
		media     sql.NullString
		releaseAt sql.NullInt64
		created   int64
	)
	if err := row.Scan(&r.ID, &r.ContentKey, &r.Body, &entities, &media,
		&r.Channel, &releaseAt, &r.ModerationChat, &r.ModerationMsg, &created); err != nil {
		return domain.Release{}, err
	}
	if entities.Valid && entities.String != "" {
		if err := json.Unmarshal([]byte(entities.String), &r.Entities); err != nil {
			return domain.Release{}, fmt.Errorf("decode entities: %w", err)
		}
	}
	if media.Valid && media.String != "" {
		if err := json.Unmarshal([]byte(media.String), &r.Media); err != nil {
			return domain.Release{}, fmt.Errorf("decode media: %w", err)
		}
	}
	if releaseAt.Valid {
		t := fromNanos(releaseAt.Int64)
		r.ReleaseAt = &t
	}
	r.CreatedAt = fromNanos(created)
	return r, nil
}

// CreateRelease stores a draft. Entities and media ride along as JSON.
func (s *Store) CreateRelease(ctx context.Context, r domain.Release) (int64, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	var entities, media []byte
	var err error
	if len(r.Entities) > 0 {
		if entities, err = json.Marshal(r.Entities); err != nil {
			return 0, err
		}
	}
	if len(r.Media) > 0 {
		if media, err = json.Marshal(r.Media); err != nil {
			return 0, err
		}
	}
	var releaseAt any
	if r.ReleaseAt != nil {
		releaseAt = nanos(*r.ReleaseAt)
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO releases (content_key,body,entities,media,channel,release_at,moderation_chat,moderation_msg,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		r.ContentKey, r.Body, nullable(entities), nullable(media), r.Channel, releaseAt,
		r.ModerationChat, r.ModerationMsg, nanos(r.CreatedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func (s *Store) GetRelease(ctx context.Context, id int64) (domain.Release, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+releaseCols+` FROM releases WHERE id=?`, id)
	r, err := scanRelease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Release{}, domain.ErrNotFound
	}
	return r, err
}

// ReleaseByModeration resolves a release from the moderation message
// that announced it. Operator callbacks carry only that reference.
func (s *Store) ReleaseByModeration(ctx context.Context, chat string, msgID int64) (domain.Release, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+releaseCols+` FROM releases
WHERE moderation_chat=? AND moderation_msg=?
ORDER BY id DESC LIMIT 1`, chat, msgID)
	r, err := scanRelease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Release{}, domain.ErrNotFound
	}
	return r, err
}

func (s *Store) ListReleases(ctx context.Context) ([]domain.Release, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+releaseCols+` FROM releases ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Release
	for rows.Next() {
		r, err := scanRelease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ScheduleRelease sets or replaces the fire time of a release.
func (s *Store) ScheduleRelease(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE releases SET release_at=? WHERE id=?`, nanos(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// CancelRelease clears the fire time, returning the release to draft.
func (s *Store) CancelRelease(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE releases SET release_at=NULL WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DueReleases returns every scheduled release whose fire time has
// arrived, earliest first.
func (s *Store) DueReleases(ctx context.Context, now time.Time) ([]domain.Release, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+releaseCols+` FROM releases
WHERE release_at IS NOT NULL AND release_at <= ?
ORDER BY release_at ASC, id ASC`, nanos(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Release
	for rows.Next() {
		r, err := scanRelease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ScheduledTimes returns the fire times of all scheduled releases.
func (s *Store) ScheduledTimes(ctx context.Context) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT release_at FROM releases WHERE release_at IS NOT NULL ORDER BY release_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, fromNanos(n))
	}
	return out, rows.Err()
}

// DeleteRelease removes a release outright, draft or scheduled.
func (s *Store) DeleteRelease(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM releases WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ReleaseFired removes a delivered release and logs the delivery.
func (s *Store) ReleaseFired(ctx context.Context, rel domain.Release, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `DELETE FROM releases WHERE id=?`, rel.ID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO capture_log (content_key, status, logged_at) VALUES (?,'released',?)`,
		rel.ContentKey, nanos(now))
	if err != nil {
		return err
	}
	return tx.Commit()
}

// PruneDrafts drops the oldest unscheduled drafts beyond keep. Drafts
// an operator never acted on pile up otherwise.
func (s *Store) PruneDrafts(ctx context.Context, keep int) (int, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM releases WHERE release_at IS NULL AND id NOT IN (
  SELECT id FROM releases WHERE release_at IS NULL ORDER BY id DESC LIMIT ?
)`, keep)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
