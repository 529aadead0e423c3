// Package supervisor owns job lifecycle: starting fresh jobs, resuming
// interrupted ones, and cancelling active ones. It enforces the one active
// job per project rule in process, backed by the store's own guarantee.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/docpipe/docpipe/checkpoint"
	"github.com/docpipe/docpipe/models"
	"github.com/docpipe/docpipe/pipeline"
)

var (
	// ErrJobAlreadyActive indicates the project already has a job in flight.
	ErrJobAlreadyActive = errors.New("project already has an active job")
	// ErrJobNotResumable indicates there is no failed or interrupted job to
	// resume for the project.
	ErrJobNotResumable = errors.New("no resumable job for project")
)

// DefaultStaleThreshold is how long a job may sit in running with no
// checkpoint activity before the resume path treats it as an interrupted run
// from a dead process.
const DefaultStaleThreshold = 5 * time.Minute

// Supervisor launches executor runs and tracks which projects have one in
// flight in this process.
type Supervisor struct {
	store    checkpoint.Store
	executor *pipeline.Executor

	// StaleThreshold overrides DefaultStaleThreshold when positive.
	StaleThreshold time.Duration

	mu     sync.Mutex
	active map[string]string // projectID -> jobID
	wg     sync.WaitGroup

	now func() time.Time
}

// New returns a supervisor over the given store and executor.
func New(store checkpoint.Store, executor *pipeline.Executor) *Supervisor {
	return &Supervisor{
		store:          store,
		executor:       executor,
		StaleThreshold: DefaultStaleThreshold,
		active:         make(map[string]string),
		now:            time.Now,
	}
}

// acquire reserves the project's active slot under the mutex. The slot is
// held through the store reads that follow, so two concurrent Start or
// Resume calls cannot both pass the busy check and launch executors for the
// same job.
func (s *Supervisor) acquire(projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if jobID, busy := s.active[projectID]; busy {
		if jobID == "" {
			return ErrJobAlreadyActive
		}
		return fmt.Errorf("%w: job %s", ErrJobAlreadyActive, jobID)
	}
	s.active[projectID] = ""
	return nil
}

func (s *Supervisor) release(projectID string) {
	s.mu.Lock()
	delete(s.active, projectID)
	s.mu.Unlock()
}

// Start creates and launches a fresh job for the project. Returns
// ErrJobAlreadyActive when the project has a job in flight, here or in the
// store.
func (s *Supervisor) Start(ctx context.Context, projectID, sourceURL string) (*models.Job, error) {
	if err := s.acquire(projectID); err != nil {
		return nil, err
	}

	jobID := uuid.New().String()
	job, err := s.store.Create(ctx, projectID, jobID, sourceURL)
	if err != nil {
		s.release(projectID)
		if errors.Is(err, checkpoint.ErrActiveJobExists) {
			return nil, ErrJobAlreadyActive
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	s.launch(job, false)
	return job, nil
}

// Resume relaunches the project's interrupted or failed job from its last
// successful step. A job still marked running is only eligible once its
// heartbeat has gone stale, in which case it is first reclassified as an
// interrupted failure.
func (s *Supervisor) Resume(ctx context.Context, projectID string) (*models.Job, error) {
	if err := s.acquire(projectID); err != nil {
		return nil, err
	}
	launched := false
	defer func() {
		if !launched {
			s.release(projectID)
		}
	}()

	job, err := s.store.LoadForResume(ctx, projectID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrJobNotFound) {
			return nil, ErrJobNotResumable
		}
		return nil, fmt.Errorf("load job for resume: %w", err)
	}

	if job.Status == models.StatusRunning {
		threshold := s.StaleThreshold
		if threshold <= 0 {
			threshold = DefaultStaleThreshold
		}
		age := s.now().Sub(job.UpdatedAt)
		if age < threshold {
			// A running job with a fresh heartbeat is presumed alive,
			// possibly in another process.
			return nil, fmt.Errorf("%w: job %s", ErrJobAlreadyActive, job.JobID)
		}
		log.Warn().
			Str("job_id", job.JobID).
			Str("project_id", projectID).
			Dur("heartbeat_age", age).
			Msg("reclassifying stale running job as interrupted")
		msg := fmt.Sprintf("interrupted: no checkpoint activity for %s", age.Truncate(time.Second))
		if err := s.store.MarkFailed(ctx, job.JobID, job.CurrentStep, msg, true); err != nil {
			return nil, fmt.Errorf("reclassify stale job: %w", err)
		}
	}

	if err := s.store.MarkRunning(ctx, job.JobID); err != nil {
		return nil, fmt.Errorf("mark job running: %w", err)
	}
	job, err = s.store.Get(ctx, job.JobID)
	if err != nil {
		return nil, fmt.Errorf("reload job: %w", err)
	}

	s.launch(job, true)
	launched = true
	return job, nil
}

// Cancel flags the project's active job for cooperative cancellation. The
// running executor honors the flag at its next step boundary. Returns false
// when the project has no active job.
func (s *Supervisor) Cancel(ctx context.Context, projectID string) (bool, error) {
	return s.store.Cancel(ctx, projectID)
}

// Status returns the project's latest job in any state.
func (s *Supervisor) Status(ctx context.Context, projectID string) (*models.Job, error) {
	return s.store.Latest(ctx, projectID)
}

// Wait blocks until every launched job goroutine has returned. Used on
// shutdown and in tests.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) launch(job *models.Job, resume bool) {
	s.mu.Lock()
	s.active[job.ProjectID] = job.JobID
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.active, job.ProjectID)
			s.mu.Unlock()
		}()
		// Jobs run detached from the request context: an HTTP client
		// disconnecting must not kill the pipeline.
		s.executor.Run(context.Background(), job, resume)
	}()
}
