package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"callpipe/internal/models"
)

// EnqueueParams collects inputs required to insert a job.
type EnqueueParams struct {
	TenantID  string
	CallID    *string
	Type      string
	Payload   any
	DedupeKey string
	RunAt     time.Time
}

// Enqueue inserts a job row. When the dedupe key already exists it returns
// (nil, nil): callers must treat that as "already scheduled", not a failure.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (*models.Job, error) {
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if p.RunAt.IsZero() {
		p.RunAt = time.Now().UTC()
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, tenant_id, call_id, type, payload, status, attempts, run_at, dedupe_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $9)
		ON CONFLICT (dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING
	`, id, p.TenantID, p.CallID, p.Type, payloadJSON, models.JobPending, p.RunAt, emptyToNil(p.DedupeKey), now)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, nil
	}

	return &models.Job{
		ID:        id,
		TenantID:  p.TenantID,
		CallID:    p.CallID,
		Type:      p.Type,
		Payload:   payloadJSON,
		Status:    models.JobPending,
		Attempts:  0,
		RunAt:     p.RunAt,
		DedupeKey: emptyToNil(p.DedupeKey),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

const jobColumns = `id, tenant_id, call_id, type, payload, status, attempts, run_at, last_error, dedupe_key, created_at, updated_at`

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s not found: %w", id, err)
	}
	return job, err
}

// DueJobs returns up to limit jobs eligible to run, oldest due first. A
// pending or retrying job is due when run_at has passed. A running job whose
// claim is older than claimTTL is treated as abandoned and offered again.
func (s *Store) DueJobs(ctx context.Context, limit int, claimTTL time.Duration) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE (status IN ($1, $2) AND run_at <= NOW())
		   OR (status = $3 AND updated_at < NOW() - $4::interval)
		ORDER BY run_at ASC
		LIMIT $5
	`, models.JobPending, models.JobRetrying, models.JobRunning, claimTTL.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimJob atomically transitions a job to running, conditioned on the status
// observed when the job was selected. It reports whether this caller won the
// claim; zero affected rows means another runner took it.
//
// Reclaiming an abandoned running job cannot condition on the status alone:
// the transition is running to running, so a racer whose UPDATE waits on the
// row lock would still see its predicate hold and also report one affected
// row. The reclaim therefore conditions on the expired lease as well. The
// winner renews updated_at, which falsifies the loser's predicate.
func (s *Store) ClaimJob(ctx context.Context, id, fromStatus string, claimTTL time.Duration) (bool, error) {
	var tag pgconn.CommandTag
	var err error
	if fromStatus == models.JobRunning {
		tag, err = s.pool.Exec(ctx, `
			UPDATE jobs SET status = $2, updated_at = NOW()
			WHERE id = $1 AND status = $2 AND updated_at < NOW() - $3::interval
		`, id, models.JobRunning, claimTTL.String())
	} else {
		tag, err = s.pool.Exec(ctx, `
			UPDATE jobs SET status = $3, updated_at = NOW()
			WHERE id = $1 AND status = $2
		`, id, fromStatus, models.JobRunning)
	}
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCompleted transitions a job to completed and clears its error.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = NULL, updated_at = NOW() WHERE id = $1
	`, id, models.JobCompleted)
	return err
}

// MarkRetrying records a failed attempt and schedules the next run.
func (s *Store) MarkRetrying(ctx context.Context, id string, attempts int, runAt time.Time, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, attempts = $3, run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, models.JobRetrying, attempts, runAt, lastError)
	return err
}

// MarkFailed transitions a job to its terminal failed state.
func (s *Store) MarkFailed(ctx context.Context, id string, attempts int, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, attempts = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, models.JobFailed, attempts, lastError)
	return err
}

// LatestJobForCall returns the most recent job of a type touching a call.
// Operators use it to surface the last error of a failed pipeline.
func (s *Store) LatestJobForCall(ctx context.Context, callID, jobType string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE call_id = $1 AND type = $2
		ORDER BY created_at DESC LIMIT 1
	`, callID, jobType)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var callID, lastErr, dedupe pgtype.Text
	if err := row.Scan(&job.ID, &job.TenantID, &callID, &job.Type, &job.Payload, &job.Status,
		&job.Attempts, &job.RunAt, &lastErr, &dedupe, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.CallID = textPtr(callID)
	job.LastError = textPtr(lastErr)
	job.DedupeKey = textPtr(dedupe)
	return job, nil
}
