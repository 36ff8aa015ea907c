package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"clipflow/internal/domain"
)

const jobCols = "id,content_key,source_url,submitter,chat_id,channel,origin,priority,batch_id,batch_size,status,submitted_at,completed_at,error,result"

type rowScanner interface{ Scan(dest ...any) error }

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanJob(row rowScanner) (domain.CaptureJob, error) {
	var (
		j         domain.CaptureJob
		batch     sql.NullString
		status    string
		submitted int64
		completed sql.NullInt64
	)
	if err := row.Scan(&j.ID, &j.ContentKey, &j.SourceURL, &j.Submitter, &j.ChatID, &j.Channel, &j.Origin,
		&j.Priority, &batch, &j.BatchSize, &status, &submitted, &completed, &j.Error, &j.Result); err != nil {
		return domain.CaptureJob{}, err
	}
	if batch.Valid {
		b := batch.String
		j.BatchID = &b
	}
	j.Status = domain.JobStatus(status)
	j.SubmittedAt = fromNanos(submitted)
	if completed.Valid {
		t := fromNanos(completed.Int64)
		j.CompletedAt = &t
	}
	return j, nil
}

// Jobs ahead of j in the pending queue: higher priority first, then
// earlier submission, then lower id.
const aheadCond = `status='pending' AND (priority > ?
 OR (priority = ? AND submitted_at < ?)
 OR (priority = ? AND submitted_at = ? AND id < ?))`

func countAhead(ctx context.Context, q rowQuerier, j domain.CaptureJob) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(1) FROM capture_jobs WHERE `+aheadCond,
		j.Priority, j.Priority, nanos(j.SubmittedAt), j.Priority, nanos(j.SubmittedAt), j.ID).Scan(&n)
	return n, err
}

// AdmitJob inserts a pending job once the dedup checks pass: a content
// key that ever completed is rejected for good, and a key with an
// active job is rejected while that job lives. force waives the
// completed-key rejection only; a live job for the key still blocks.
// Returns the new id and the job's 1-indexed queue position.
func (s *Store) AdmitJob(ctx context.Context, j domain.CaptureJob, force bool) (int64, int, error) {
	if j.SubmittedAt.IsZero() {
		j.SubmittedAt = time.Now().UTC()
	}
	if j.Priority == 0 {
		j.Priority = domain.PrioritySuggestion
	}
	if j.BatchSize == 0 {
		j.BatchSize = 1
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var n int
	if !force {
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM capture_jobs WHERE content_key=? AND status='completed'`, j.ContentKey).Scan(&n)
		if err != nil {
			return 0, 0, err
		}
		if n > 0 {
			err = domain.ErrDuplicateContent
			return 0, 0, err
		}
	}
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM capture_jobs WHERE content_key=? AND status IN ('pending','processing')`, j.ContentKey).Scan(&n)
	if err != nil {
		return 0, 0, err
	}
	if n > 0 {
		err = domain.ErrAlreadyQueued
		return 0, 0, err
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO capture_jobs (content_key,source_url,submitter,chat_id,channel,origin,priority,batch_id,batch_size,status,submitted_at)
VALUES (?,?,?,?,?,?,?,?,?,'pending',?)`,
		j.ContentKey, j.SourceURL, j.Submitter, j.ChatID, j.Channel, j.Origin, j.Priority, j.BatchID, j.BatchSize, nanos(j.SubmittedAt))
	if err != nil {
		return 0, 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, 0, err
	}
	j.ID = id
	ahead, err := countAhead(ctx, tx, j)
	if err != nil {
		return 0, 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, 0, err
	}
	return id, ahead + 1, nil
}

// Position returns the 1-indexed place of a pending job. Jobs that are
// processing or already terminal have no queue position and report 0.
func (s *Store) Position(ctx context.Context, id int64) (int, error) {
	j, err := s.JobByID(ctx, id)
	if err != nil {
		return 0, err
	}
	if j.Status != domain.StatusPending {
		return 0, nil
	}
	ahead, err := countAhead(ctx, s.db, j)
	if err != nil {
		return 0, err
	}
	return ahead + 1, nil
}

// ClaimNext atomically moves the best pending job to processing and
// returns it. Pending jobs are ordered by priority, then submission
// time, then id.
func (s *Store) ClaimNext(ctx context.Context) (domain.CaptureJob, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.CaptureJob{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `
SELECT `+jobCols+` FROM capture_jobs
WHERE status='pending'
ORDER BY priority DESC, submitted_at ASC, id ASC
LIMIT 1`)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return domain.CaptureJob{}, ErrNoJobReady
	}
	if err != nil {
		return domain.CaptureJob{}, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE capture_jobs SET status='processing' WHERE id=? AND status='pending'`, j.ID)
	if err != nil {
		return domain.CaptureJob{}, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		err = ErrNoJobReady
		return domain.CaptureJob{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.CaptureJob{}, err
	}
	j.Status = domain.StatusProcessing
	return j, nil
}

// TerminalOutcome reports what a Complete or Fail call actually did.
// BatchDone is set when the job belongs to a batch and no sibling
// remains pending or processing after this transition, which makes the
// caller the one and only party responsible for assembling the batch.
type TerminalOutcome struct {
	Transitioned bool
	BatchDone    bool
}

// CompleteJob transitions a processing job to completed and records the
// result payload. Calling it again for the same job is a no-op.
func (s *Store) CompleteJob(ctx context.Context, id int64, result []byte, now time.Time) (TerminalOutcome, error) {
	return s.finishJob(ctx, id, domain.StatusCompleted, "", result, now)
}

// FailJob transitions a processing job to failed with a cause. Calling
// it again for the same job is a no-op.
func (s *Store) FailJob(ctx context.Context, id int64, cause string, now time.Time) (TerminalOutcome, error) {
	return s.finishJob(ctx, id, domain.StatusFailed, cause, nil, now)
}

func (s *Store) finishJob(ctx context.Context, id int64, to domain.JobStatus, cause string, result []byte, now time.Time) (TerminalOutcome, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return TerminalOutcome{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx,
		`SELECT content_key, submitter, origin, batch_id, status FROM capture_jobs WHERE id=?`, id)
	var key, submitter, origin, status string
	var batch sql.NullString
	err = row.Scan(&key, &submitter, &origin, &batch, &status)
	if errors.Is(err, sql.ErrNoRows) {
		err = domain.ErrNotFound
		return TerminalOutcome{}, err
	}
	if err != nil {
		return TerminalOutcome{}, err
	}
	if domain.JobStatus(status) != domain.StatusProcessing {
		_ = tx.Rollback()
		log.Debug().Int64("job", id).Str("status", status).Msg("terminal transition repeated")
		return TerminalOutcome{}, nil
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE capture_jobs SET status=?, completed_at=?, error=?, result=? WHERE id=?`,
		string(to), nanos(now), cause, result, id)
	if err != nil {
		return TerminalOutcome{}, err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO capture_log (content_key, submitter, origin, status, detail, logged_at) VALUES (?,?,?,?,?,?)`,
		key, submitter, origin, string(to), cause, nanos(now))
	if err != nil {
		return TerminalOutcome{}, err
	}

	out := TerminalOutcome{Transitioned: true}
	if batch.Valid {
		var active int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM capture_jobs WHERE batch_id=? AND status IN ('pending','processing')`, batch.String).Scan(&active)
		if err != nil {
			return TerminalOutcome{}, err
		}
		out.BatchDone = active == 0
	}
	if err = tx.Commit(); err != nil {
		return TerminalOutcome{}, err
	}
	return out, nil
}

// ResetProcessing returns jobs stuck in processing to pending. Called
// once at startup so work interrupted by a crash gets claimed again.
func (s *Store) ResetProcessing(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE capture_jobs SET status='pending' WHERE status='processing'`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) JobByID(ctx context.Context, id int64) (domain.CaptureJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM capture_jobs WHERE id=?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CaptureJob{}, domain.ErrNotFound
	}
	return j, err
}

func (s *Store) ListRecentJobs(ctx context.Context, limit int) ([]domain.CaptureJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobCols+` FROM capture_jobs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.CaptureJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// BatchItems returns every job of a batch in submission order.
func (s *Store) BatchItems(ctx context.Context, batchID string) ([]domain.CaptureJob, error) {
	return s.batchItems(ctx, batchID, false)
}

// BatchCompleted returns only the completed jobs of a batch, in
// submission order. An all-failed batch yields an empty slice.
func (s *Store) BatchCompleted(ctx context.Context, batchID string) ([]domain.CaptureJob, error) {
	return s.batchItems(ctx, batchID, true)
}

func (s *Store) batchItems(ctx context.Context, batchID string, completedOnly bool) ([]domain.CaptureJob, error) {
	q := `SELECT ` + jobCols + ` FROM capture_jobs WHERE batch_id=?`
	if completedOnly {
		q += ` AND status='completed'`
	}
	q += ` ORDER BY submitted_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, q, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.CaptureJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// SubmissionsSince counts how many jobs a submitter put in since the
// given instant, whatever state they reached afterwards.
func (s *Store) SubmissionsSince(ctx context.Context, submitter string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM capture_jobs WHERE submitter=? AND submitted_at >= ?`,
		submitter, nanos(since)).Scan(&n)
	return n, err
}
