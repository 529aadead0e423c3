package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/docpipe/docpipe/models"
)

// MemoryStore keeps jobs in memory. It mirrors the Postgres store's
// transition semantics so the executor and supervisor can be tested without
// a database.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*models.Job

	// Now is the clock used for timestamps. Tests override it to simulate
	// stale heartbeats.
	Now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*models.Job),
		Now:  time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, projectID, jobID, sourceURL string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range s.jobs {
		if j.ProjectID == projectID && j.Status.Active() {
			return nil, ErrActiveJobExists
		}
	}

	now := s.Now()
	job := &models.Job{
		JobID:      jobID,
		ProjectID:  projectID,
		SourceURL:  sourceURL,
		Status:     models.StatusRunning,
		ResumeData: models.NewResumeData(),
		StartedAt:  now,
		UpdatedAt:  now,
	}
	s.jobs[jobID] = job
	return cloneJob(job), nil
}

func (s *MemoryStore) Get(ctx context.Context, jobID string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) Latest(ctx context.Context, projectID string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job := s.latestLocked(projectID)
	if job == nil {
		return nil, ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) LoadForResume(ctx context.Context, projectID string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job := s.latestLocked(projectID)
	if job == nil || !(job.CanResume || job.Status == models.StatusRunning) {
		return nil, ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) MarkRunning(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	job.Status = models.StatusRunning
	job.FailedStep = ""
	job.ErrorMessage = ""
	job.CancelledAt = nil
	job.UpdatedAt = s.Now()
	return nil
}

func (s *MemoryStore) UpdateStep(ctx context.Context, jobID, step string, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	// Observability only: status is left alone so a concurrent cancellation
	// is not erased.
	job.CurrentStep = step
	job.CurrentStepIndex = index
	job.UpdatedAt = s.Now()
	return nil
}

func (s *MemoryStore) MarkStepSuccessful(ctx context.Context, jobID, step string, data models.ResumeData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	job.LastSuccessfulStep = step
	job.ResumeData = data.Clone()
	job.UpdatedAt = s.Now()
	return nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, jobID, failedStep, errMsg string, canResume bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	job.Status = models.StatusFailed
	job.FailedStep = failedStep
	job.ErrorMessage = errMsg
	job.CanResume = canResume
	job.UpdatedAt = s.Now()
	return nil
}

func (s *MemoryStore) MarkCompleted(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	now := s.Now()
	job.Status = models.StatusCompleted
	job.CurrentStep = "completed"
	job.CanResume = false
	job.CompletedAt = &now
	job.UpdatedAt = now
	return nil
}

func (s *MemoryStore) Cancel(ctx context.Context, projectID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cancelled := false
	for _, job := range s.jobs {
		if job.ProjectID != projectID || !job.Status.Active() {
			continue
		}
		now := s.Now()
		job.Status = models.StatusCancelled
		job.CanResume = true
		job.CancelledAt = &now
		job.UpdatedAt = now
		cancelled = true
	}
	return cancelled, nil
}

func (s *MemoryStore) latestLocked(projectID string) *models.Job {
	var latest *models.Job
	for _, job := range s.jobs {
		if job.ProjectID != projectID {
			continue
		}
		if latest == nil || job.UpdatedAt.After(latest.UpdatedAt) {
			latest = job
		}
	}
	return latest
}

func cloneJob(job *models.Job) *models.Job {
	cp := *job
	cp.ResumeData = job.ResumeData.Clone()
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		cp.CompletedAt = &t
	}
	if job.CancelledAt != nil {
		t := *job.CancelledAt
		cp.CancelledAt = &t
	}
	return &cp
}
