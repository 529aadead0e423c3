// Package pipeline drives a job through an ordered sequence of named steps,
// checkpointing after each one so a failed or cancelled job resumes exactly
// where it left off.
package pipeline

import (
	"context"
	"fmt"

	"github.com/docpipe/docpipe/models"
)

// FailureKind classifies a step failure for the resume policy.
type FailureKind string

const (
	// FailureTransient covers external collaborator errors (timeouts, rate
	// limits). The job stays resumable.
	FailureTransient FailureKind = "transient"
	// FailureMissingPrerequisite means a later step found required context
	// absent and could not re-derive it from durable storage.
	FailureMissingPrerequisite FailureKind = "missing_prerequisite"
	// FailureValidation means the job's input is unusable. Not resumable.
	FailureValidation FailureKind = "validation"
)

// StepError is the typed failure a step returns instead of a bare error.
type StepError struct {
	Kind FailureKind
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Resumable reports whether a job that failed with this error may be resumed.
func (e *StepError) Resumable() bool {
	return e.Kind != FailureValidation
}

// Transient wraps an error as a resumable external failure.
func Transient(err error) *StepError {
	return &StepError{Kind: FailureTransient, Err: err}
}

// MissingPrerequisite wraps an error as a failed context-recovery attempt.
func MissingPrerequisite(err error) *StepError {
	return &StepError{Kind: FailureMissingPrerequisite, Err: err}
}

// Validation wraps an error as a permanent, non-resumable input failure.
func Validation(err error) *StepError {
	return &StepError{Kind: FailureValidation, Err: err}
}

// ExecContext is the per-invocation input handed to a step.
type ExecContext struct {
	ProjectID string
	JobID     string
	SourceURL string
	// Data is the accumulated resume context from previous steps. Steps
	// must treat it as read-through: modify a clone and return it.
	Data models.ResumeData
	// Progress emits an intra-step progress event on the job's live stream.
	Progress func(message string, data map[string]any)
}

// Step is one named, ordered unit of work. Steps with external side effects
// must detect already-committed work (existence check against durable state)
// and skip it, so a resumed invocation never duplicates artifacts.
type Step interface {
	Name() string
	Run(ctx context.Context, ec ExecContext) (models.ResumeData, error)
}

// CompletedStepName is the terminal pseudo-step appended after the last
// registered step. It is not a Step: the executor handles it directly.
const CompletedStepName = "completed"

// Registry is the ordered, named step sequence, fixed at startup. Step names
// are the resume anchors persisted in checkpoints, so a released pipeline may
// only ever append steps; renaming or removing one invalidates every stored
// anchor that points at it.
type Registry struct {
	steps  []Step
	byName map[string]int
}

// NewRegistry builds a registry, rejecting duplicate or reserved step names.
func NewRegistry(steps ...Step) (*Registry, error) {
	r := &Registry{
		steps:  steps,
		byName: make(map[string]int, len(steps)),
	}
	for i, s := range steps {
		name := s.Name()
		if name == "" || name == CompletedStepName {
			return nil, fmt.Errorf("invalid step name %q at index %d", name, i)
		}
		if _, dup := r.byName[name]; dup {
			return nil, fmt.Errorf("duplicate step name %q", name)
		}
		r.byName[name] = i
	}
	return r, nil
}

// Steps returns the ordered step slice.
func (r *Registry) Steps() []Step {
	return r.steps
}

// Index returns a step's position, or -1 when the name is unknown. Unknown
// anchors (a step removed between deployments) restart the pipeline from the
// beginning rather than guessing.
func (r *Registry) Index(name string) int {
	if i, ok := r.byName[name]; ok {
		return i
	}
	return -1
}

// TotalSteps counts the registered steps plus the terminal completion
// pseudo-step, matching the total reported on progress events.
func (r *Registry) TotalSteps() int {
	return len(r.steps) + 1
}
