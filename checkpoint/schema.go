package checkpoint

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema holds the processing_jobs DDL. The partial unique index is what
// enforces the one-active-job-per-project invariant at the storage layer.
const schema = `
CREATE TABLE IF NOT EXISTS processing_jobs (
	job_id               TEXT PRIMARY KEY,
	project_id           TEXT NOT NULL,
	source_url           TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL DEFAULT 'running',
	current_step         TEXT NOT NULL DEFAULT '',
	current_step_index   INT NOT NULL DEFAULT 0,
	last_successful_step TEXT NOT NULL DEFAULT '',
	failed_step          TEXT NOT NULL DEFAULT '',
	error_message        TEXT NOT NULL DEFAULT '',
	can_resume           BOOLEAN NOT NULL DEFAULT FALSE,
	resume_data          JSONB NOT NULL DEFAULT '{}'::jsonb,
	started_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at         TIMESTAMPTZ,
	cancelled_at         TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS processing_jobs_one_active
	ON processing_jobs (project_id)
	WHERE status IN ('pending', 'running');

CREATE INDEX IF NOT EXISTS processing_jobs_project_updated
	ON processing_jobs (project_id, updated_at DESC);
`

// Migrate creates the processing_jobs table and its indexes.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate processing_jobs: %w", err)
	}
	return nil
}
