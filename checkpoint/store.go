// Package checkpoint persists per-job pipeline state. The store is the
// executor's commit point: a step only counts as done once its checkpoint
// write has been applied, so a crash mid-step always resumes at the previous
// successful step.
package checkpoint

import (
	"context"
	"errors"

	"github.com/docpipe/docpipe/models"
)

var (
	// ErrJobNotFound indicates that the requested job does not exist.
	ErrJobNotFound = errors.New("job not found")
	// ErrActiveJobExists indicates the project already has a pending or running job.
	ErrActiveJobExists = errors.New("project already has an active job")
)

// Store is the durable record of job progress. Every method applies a single
// atomic transition; MarkStepSuccessful is the resume anchor write.
type Store interface {
	// Create inserts a new running job for the project. Returns
	// ErrActiveJobExists if the project already has an active job.
	Create(ctx context.Context, projectID, jobID, sourceURL string) (*models.Job, error)

	// Get returns a job by its id.
	Get(ctx context.Context, jobID string) (*models.Job, error)

	// Latest returns the most recently updated job for a project, in any state.
	Latest(ctx context.Context, projectID string) (*models.Job, error)

	// LoadForResume returns the project's latest job only if it is resumable:
	// either explicitly marked can_resume, or still flagged running (the
	// caller decides whether a running job is stale). Returns ErrJobNotFound
	// when there is nothing to resume.
	LoadForResume(ctx context.Context, projectID string) (*models.Job, error)

	// MarkRunning resets a failed or cancelled job to running before a
	// resume attempt, clearing the previous failure detail.
	MarkRunning(ctx context.Context, jobID string) error

	// UpdateStep records the step in flight. Observability only; never the
	// resume anchor.
	UpdateStep(ctx context.Context, jobID, step string, index int) error

	// MarkStepSuccessful commits the resume anchor and the accumulated
	// resume data for the named step.
	MarkStepSuccessful(ctx context.Context, jobID, step string, data models.ResumeData) error

	// MarkFailed records a failure. The previously committed resume data is
	// left untouched so no progress beyond the in-flight step is lost.
	MarkFailed(ctx context.Context, jobID, failedStep, errMsg string, canResume bool) error

	// MarkCompleted finishes the job; completed jobs can never resume.
	MarkCompleted(ctx context.Context, jobID string) error

	// Cancel requests cooperative cancellation of the project's active job.
	// Returns false when no active job exists.
	Cancel(ctx context.Context, projectID string) (bool, error)
}
