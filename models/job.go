package models

import (
	"time"
)

// JobStatus represents the current state of a processing job
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
	StatusCompleted JobStatus = "completed"
)

// Active reports whether the status counts toward the one-active-job-per-project limit.
func (s JobStatus) Active() bool {
	return s == StatusPending || s == StatusRunning
}

// Terminal reports whether the status ends an execution attempt. Failed and
// cancelled jobs may still transition back to running on resume.
func (s JobStatus) Terminal() bool {
	return s == StatusFailed || s == StatusCancelled || s == StatusCompleted
}

// Job represents one processing lineage for a project. The same row is reused
// across resumes: a resume flips status back to running and the executor picks
// up after LastSuccessfulStep.
type Job struct {
	JobID              string     `json:"job_id"`
	ProjectID          string     `json:"project_id"`
	SourceURL          string     `json:"source_url"`
	Status             JobStatus  `json:"status"`
	CurrentStep        string     `json:"current_step,omitempty"`
	CurrentStepIndex   int        `json:"current_step_index"`
	LastSuccessfulStep string     `json:"last_successful_step,omitempty"`
	FailedStep         string     `json:"failed_step,omitempty"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	CanResume          bool       `json:"can_resume"`
	ResumeData         ResumeData `json:"resume_data"`
	StartedAt          time.Time  `json:"started_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
}
