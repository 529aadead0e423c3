package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docpipe/docpipe/models"
)

// uniqueViolation is the Postgres error code raised by the partial unique
// index that enforces at most one active job per project.
const uniqueViolation = "23505"

// PostgresStore persists jobs in a processing_jobs table. Every transition is
// a single UPDATE, so a crash between statements leaves the row at the
// previous anchor rather than half-updated.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Create(ctx context.Context, projectID, jobID, sourceURL string) (*models.Job, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processing_jobs (job_id, project_id, source_url, status, resume_data)
		VALUES ($1, $2, $3, 'running', $4)`,
		jobID, projectID, sourceURL, models.NewResumeData())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrActiveJobExists
		}
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return s.Get(ctx, jobID)
}

func (s *PostgresStore) Get(ctx context.Context, jobID string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, selectJob+` WHERE job_id = $1`, jobID)
	return scanJob(row)
}

func (s *PostgresStore) Latest(ctx context.Context, projectID string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, selectJob+`
		WHERE project_id = $1
		ORDER BY updated_at DESC
		LIMIT 1`, projectID)
	return scanJob(row)
}

func (s *PostgresStore) LoadForResume(ctx context.Context, projectID string) (*models.Job, error) {
	job, err := s.Latest(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !(job.CanResume || job.Status == models.StatusRunning) {
		return nil, ErrJobNotFound
	}
	return job, nil
}

func (s *PostgresStore) MarkRunning(ctx context.Context, jobID string) error {
	return s.exec(ctx, `
		UPDATE processing_jobs
		SET status = 'running', failed_step = '', error_message = '',
		    cancelled_at = NULL, updated_at = now()
		WHERE job_id = $1`, jobID)
}

// UpdateStep records the step in flight. It never writes status: a
// cancellation landing between the executor's boundary check and this write
// must survive until the next boundary.
func (s *PostgresStore) UpdateStep(ctx context.Context, jobID, step string, index int) error {
	return s.exec(ctx, `
		UPDATE processing_jobs
		SET current_step = $2, current_step_index = $3, updated_at = now()
		WHERE job_id = $1`, jobID, step, index)
}

func (s *PostgresStore) MarkStepSuccessful(ctx context.Context, jobID, step string, data models.ResumeData) error {
	return s.exec(ctx, `
		UPDATE processing_jobs
		SET last_successful_step = $2, resume_data = $3, updated_at = now()
		WHERE job_id = $1`, jobID, step, data)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, jobID, failedStep, errMsg string, canResume bool) error {
	return s.exec(ctx, `
		UPDATE processing_jobs
		SET status = 'failed', failed_step = $2, error_message = $3,
		    can_resume = $4, updated_at = now()
		WHERE job_id = $1`, jobID, failedStep, errMsg, canResume)
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, jobID string) error {
	return s.exec(ctx, `
		UPDATE processing_jobs
		SET status = 'completed', current_step = 'completed', can_resume = FALSE,
		    completed_at = now(), updated_at = now()
		WHERE job_id = $1`, jobID)
}

func (s *PostgresStore) Cancel(ctx context.Context, projectID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE processing_jobs
		SET status = 'cancelled', can_resume = TRUE,
		    cancelled_at = now(), updated_at = now()
		WHERE project_id = $1 AND status IN ('pending', 'running')`, projectID)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) exec(ctx context.Context, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

const selectJob = `
	SELECT job_id, project_id, source_url, status, current_step, current_step_index,
	       last_successful_step, failed_step, error_message, can_resume, resume_data,
	       started_at, updated_at, completed_at, cancelled_at
	FROM processing_jobs`

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		job         models.Job
		status      string
		resumeRaw   []byte
		completedAt pgtype.Timestamptz
		cancelledAt pgtype.Timestamptz
	)
	err := row.Scan(
		&job.JobID, &job.ProjectID, &job.SourceURL, &status, &job.CurrentStep,
		&job.CurrentStepIndex, &job.LastSuccessfulStep, &job.FailedStep,
		&job.ErrorMessage, &job.CanResume, &resumeRaw,
		&job.StartedAt, &job.UpdatedAt, &completedAt, &cancelledAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	job.Status = models.JobStatus(status)
	if len(resumeRaw) > 0 {
		if err := json.Unmarshal(resumeRaw, &job.ResumeData); err != nil {
			return nil, fmt.Errorf("decode resume data: %w", err)
		}
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if cancelledAt.Valid {
		t := cancelledAt.Time
		job.CancelledAt = &t
	}
	return &job, nil
}
