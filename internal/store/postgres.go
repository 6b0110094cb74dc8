package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"contentgardener/internal/models"
)

// Store wraps pgxpool for Postgres persistence of publish jobs and the
// content records they reference.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, post_id, website_id, status, attempts, max_attempts, next_attempt_at, auth_token, error, result, created_at, started_at, completed_at`

// CreateJobParams collects inputs required to insert a publish job.
type CreateJobParams struct {
	PostID      string
	WebsiteID   string
	AuthToken   string
	MaxAttempts int
}

// CreateJob inserts a job row in pending state. The duplicate check against
// open jobs and published markers is the Enqueuer's responsibility; the store
// only persists.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.PublishJob, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO publish_jobs (id, post_id, website_id, status, attempts, max_attempts, next_attempt_at, auth_token, created_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $6)
	`, id, p.PostID, p.WebsiteID, models.StatusPending, p.MaxAttempts, now, p.AuthToken)
	if err != nil {
		return models.PublishJob{}, fmt.Errorf("insert publish job: %w", err)
	}

	return models.PublishJob{
		ID:            id,
		PostID:        p.PostID,
		WebsiteID:     p.WebsiteID,
		Status:        models.StatusPending,
		MaxAttempts:   p.MaxAttempts,
		NextAttemptAt: now,
		AuthToken:     p.AuthToken,
		CreatedAt:     now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.PublishJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM publish_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.PublishJob{}, fmt.Errorf("job %s not found: %w", id, err)
		}
		return models.PublishJob{}, err
	}
	return job, nil
}

// HasOpenJob reports whether the post already has a job row that should block
// a new enqueue: anything pending, processing, or completed, plus failed rows
// that are still retry-eligible (attempts left and a backoff deadline ahead of
// created_at) — those belong to the re-queue sweep, and inserting alongside
// them would put two non-terminal jobs on one post once the backoff elapses.
// Only failed rows with no retry path left stop blocking, so a permanently
// failed publish gets a fresh job on a later sweep.
func (s *Store) HasOpenJob(ctx context.Context, postID string) (bool, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM publish_jobs
		WHERE post_id = $1
		  AND (status <> $2 OR (attempts < max_attempts AND next_attempt_at > created_at))
	`, postID, models.StatusFailed).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count open jobs for post %s: %w", postID, err)
	}
	return n > 0, nil
}

// ClaimNextPending atomically claims the oldest due pending job, moving it to
// processing. The conditional update plus row lock means two concurrent
// callers can never claim the same job; the second sees no rows.
func (s *Store) ClaimNextPending(ctx context.Context, now time.Time) (models.PublishJob, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE publish_jobs
		SET status = $1, started_at = $2, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM publish_jobs
			WHERE status = $3 AND next_attempt_at <= $2
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, models.StatusProcessing, now.UTC(), models.StatusPending)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PublishJob{}, false, nil
	}
	if err != nil {
		return models.PublishJob{}, false, fmt.Errorf("claim pending job: %w", err)
	}
	return job, true, nil
}

// MarkCompleted records a successful terminal transition.
func (s *Store) MarkCompleted(ctx context.Context, id string, result map[string]any) error {
	resultJSON, err := marshalResult(result)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE publish_jobs
		SET status = $2, result = $3, error = NULL, completed_at = NOW()
		WHERE id = $1
	`, id, models.StatusCompleted, resultJSON)
	if err != nil {
		return fmt.Errorf("mark job %s completed: %w", id, err)
	}
	return nil
}

// MarkFailed records a failed terminal transition. nextAttempt feeds the
// retry sweep; pass a zero time to leave the job ineligible for re-queue.
func (s *Store) MarkFailed(ctx context.Context, id string, errMsg string, result map[string]any, nextAttempt time.Time) error {
	resultJSON, err := marshalResult(result)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE publish_jobs
		SET status = $2, error = $3, result = $4, next_attempt_at = $5, completed_at = NOW()
		WHERE id = $1
	`, id, models.StatusFailed, errMsg, resultJSON, nextAttempt.UTC())
	if err != nil {
		return fmt.Errorf("mark job %s failed: %w", id, err)
	}
	return nil
}

// FailStalledProcessing bulk-fails processing jobs whose started_at is older
// than the cutoff. The reset payload lands in result for auditability.
func (s *Store) FailStalledProcessing(ctx context.Context, cutoff time.Time, threshold time.Duration) (int64, error) {
	return s.failStalled(ctx, `status = $2 AND started_at < $1`, models.StatusProcessing, cutoff, "timed out", threshold)
}

// FailStalledPending bulk-fails pending jobs whose created_at is older than
// the cutoff. A job failed here never started, so it ends up with
// completed_at set and started_at still NULL; the reset payload in result
// records the reason.
func (s *Store) FailStalledPending(ctx context.Context, cutoff time.Time, threshold time.Duration) (int64, error) {
	return s.failStalled(ctx, `status = $2 AND created_at < $1`, models.StatusPending, cutoff, "pending too long", threshold)
}

func (s *Store) failStalled(ctx context.Context, cond string, fromStatus string, cutoff time.Time, reason string, threshold time.Duration) (int64, error) {
	resultJSON, err := marshalResult(map[string]any{
		"reset_reason": reason,
		"threshold":    threshold.String(),
		"reset_at":     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE publish_jobs
		SET status = $3, error = $4, result = $5, completed_at = NOW()
		WHERE `+cond, cutoff.UTC(), fromStatus, models.StatusFailed, reason, resultJSON)
	if err != nil {
		return 0, fmt.Errorf("fail stalled %s jobs: %w", fromStatus, err)
	}
	return tag.RowsAffected(), nil
}

// RequeueRetryable flips failed jobs with remaining attempts back to pending
// once their next_attempt_at has passed, clearing the prior failure's error
// and result. Only jobs whose backoff deadline was
// pushed past created_at by a pipeline failure qualify; reaper-failed rows
// keep next_attempt_at == created_at and are re-created by the enqueuer
// sweep instead of retried in place.
func (s *Store) RequeueRetryable(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE publish_jobs
		SET status = $1, error = NULL, result = NULL, started_at = NULL, completed_at = NULL
		WHERE status = $2 AND attempts < max_attempts AND next_attempt_at <= $3 AND next_attempt_at > created_at
	`, models.StatusPending, models.StatusFailed, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("requeue retryable jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PendingDepth counts jobs waiting to be claimed.
func (s *Store) PendingDepth(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM publish_jobs WHERE status = $1
	`, models.StatusPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return n, nil
}

// TerminalJobsBefore lists completed/failed jobs finished before the cutoff,
// oldest first, for archival.
func (s *Store) TerminalJobsBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.PublishJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM publish_jobs
		WHERE status IN ($1, $2) AND completed_at < $3
		ORDER BY completed_at ASC
		LIMIT $4
	`, models.StatusCompleted, models.StatusFailed, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query terminal jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.PublishJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DeleteJobs removes archived rows.
func (s *Store) DeleteJobs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM publish_jobs WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("delete archived jobs: %w", err)
	}
	return nil
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.PublishJob, error) {
	var job models.PublishJob
	var errText pgtype.Text
	var resultJSON []byte
	var started, completed pgtype.Timestamptz

	if err := row.Scan(&job.ID, &job.PostID, &job.WebsiteID, &job.Status, &job.Attempts, &job.MaxAttempts,
		&job.NextAttemptAt, &job.AuthToken, &errText, &resultJSON, &job.CreatedAt, &started, &completed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.PublishJob{}, err
		}
		return models.PublishJob{}, fmt.Errorf("scan job: %w", err)
	}

	job.Error = textPtr(errText)
	job.StartedAt = timePtr(started)
	job.CompletedAt = timePtr(completed)
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return models.PublishJob{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return job, nil
}

func marshalResult(result map[string]any) ([]byte, error) {
	if result == nil {
		return nil, nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return b, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
