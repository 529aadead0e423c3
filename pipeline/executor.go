package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/docpipe/docpipe/broadcast"
	"github.com/docpipe/docpipe/checkpoint"
	"github.com/docpipe/docpipe/models"
)

// Executor runs one job through the step registry. One executor invocation
// owns the job row for the duration of the attempt; nothing else writes it.
type Executor struct {
	store    checkpoint.Store
	registry *Registry
	bc       *broadcast.Broadcaster

	// CleanupDelay is the grace period between the completed event and the
	// broadcaster cleanup, letting in-flight subscribers read the terminal
	// event before their queues close.
	CleanupDelay time.Duration
}

// NewExecutor wires an executor over the given store, registry and broadcaster.
func NewExecutor(store checkpoint.Store, registry *Registry, bc *broadcast.Broadcaster) *Executor {
	return &Executor{
		store:        store,
		registry:     registry,
		bc:           bc,
		CleanupDelay: 5 * time.Second,
	}
}

// Run executes the job from its resume anchor (or from the first step on a
// fresh start) to completion, failure, or cancellation. Run never returns an
// error: every failure is converted to persisted job state plus a broadcast
// event, so the supervisor's goroutine only ever sees a normal return.
func (e *Executor) Run(ctx context.Context, job *models.Job, resume bool) {
	logger := log.With().
		Str("job_id", job.JobID).
		Str("project_id", job.ProjectID).
		Logger()

	steps := e.registry.Steps()
	total := e.registry.TotalSteps()

	data := models.NewResumeData()
	anchor := ""
	startIndex := 0
	if resume {
		if job.ResumeData.Usable() {
			data = job.ResumeData.Clone()
		} else {
			logger.Warn().Int("version", job.ResumeData.Version).
				Msg("resume data written by unknown schema version, starting over")
		}
		anchor = job.LastSuccessfulStep
		if anchor != "" {
			if idx := e.registry.Index(anchor); idx >= 0 {
				startIndex = idx + 1
			} else {
				logger.Warn().Str("step", anchor).Msg("resume anchor no longer in registry, starting over")
				anchor = ""
			}
		}
	}

	verb := "Starting"
	if resume {
		verb = "Resuming"
	}
	logger.Info().Bool("resume", resume).Int("start_index", startIndex).Msg("job execution started")
	e.bc.Emit(job.JobID, models.ProgressEvent{
		Type:       models.EventStarted,
		Message:    verb + " document processing",
		StepIndex:  models.IntPtr(startIndex),
		TotalSteps: models.IntPtr(total),
		ProgressPercentage: models.Percentage(
			models.IntPtr(startIndex), models.IntPtr(total)),
		Data: map[string]any{"resume": resume},
	})

	for i := startIndex; i <= len(steps); i++ {
		// Cooperative cancellation boundary: cancellation is observed only
		// between steps, never inside one.
		current, err := e.store.Get(ctx, job.JobID)
		if err != nil {
			logger.Error().Err(err).Msg("failed to reload job state")
			return
		}
		if current.Status == models.StatusCancelled {
			logger.Warn().Msg("job was cancelled")
			e.bc.Emit(job.JobID, models.ProgressEvent{
				Type:    models.EventCancelled,
				Message: "Job cancelled",
				Data:    map[string]any{"can_resume": true},
			})
			return
		}

		if i == len(steps) {
			e.complete(ctx, logger, job, total, data)
			return
		}

		step := steps[i]
		if err := e.store.UpdateStep(ctx, job.JobID, step.Name(), i); err != nil {
			// Best-effort observability write, never the resume anchor.
			logger.Warn().Err(err).Str("step", step.Name()).Msg("failed to record current step")
		}

		logger.Info().Str("step", step.Name()).Int("index", i).Msg("step started")
		e.bc.Emit(job.JobID, models.ProgressEvent{
			Type:               models.EventStepStarted,
			Message:            "Starting: " + titleize(step.Name()),
			Step:               step.Name(),
			StepIndex:          models.IntPtr(i),
			TotalSteps:         models.IntPtr(total),
			ProgressPercentage: models.Percentage(models.IntPtr(i), models.IntPtr(total)),
		})

		out, err := e.invoke(ctx, step, ExecContext{
			ProjectID: job.ProjectID,
			JobID:     job.JobID,
			SourceURL: job.SourceURL,
			Data:      data,
			Progress: func(message string, extra map[string]any) {
				e.bc.Emit(job.JobID, models.ProgressEvent{
					Type:       models.EventProgress,
					Message:    message,
					Step:       step.Name(),
					StepIndex:  models.IntPtr(i),
					TotalSteps: models.IntPtr(total),
					Data:       extra,
				})
			},
		})
		if err == nil {
			out, err = out.Clean()
		}
		if err != nil {
			e.fail(ctx, logger, job, step.Name(), i, total, anchor, err)
			return
		}

		// Commit point: the step only counts once this write is applied.
		if err := e.store.MarkStepSuccessful(ctx, job.JobID, step.Name(), out); err != nil {
			logger.Error().Err(err).Str("step", step.Name()).Msg("checkpoint write failed")
			e.fail(ctx, logger, job, step.Name(), i, total, anchor,
				Transient(fmt.Errorf("checkpoint write failed: %w", err)))
			return
		}
		data = out
		anchor = step.Name()

		logger.Info().Str("step", step.Name()).Int("index", i).Msg("step completed")
		e.bc.Emit(job.JobID, models.ProgressEvent{
			Type:               models.EventStepCompleted,
			Message:            "Completed: " + titleize(step.Name()),
			Step:               step.Name(),
			StepIndex:          models.IntPtr(i + 1),
			TotalSteps:         models.IntPtr(total),
			ProgressPercentage: models.Percentage(models.IntPtr(i+1), models.IntPtr(total)),
		})
	}
}

// invoke runs a step, converting a panic into an ordinary step failure so
// nothing escapes the executor boundary.
func (e *Executor) invoke(ctx context.Context, step Step, ec ExecContext) (out models.ResumeData, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("job_id", ec.JobID).
				Str("step", step.Name()).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("step panicked")
			err = fmt.Errorf("step %s panicked: %v", step.Name(), r)
		}
	}()
	return step.Run(ctx, ec)
}

func (e *Executor) complete(ctx context.Context, logger zerolog.Logger, job *models.Job, total int, data models.ResumeData) {
	if err := e.store.MarkCompleted(ctx, job.JobID); err != nil {
		logger.Error().Err(err).Msg("failed to mark job completed")
		return
	}
	logger.Info().Msg("job completed")
	e.bc.Emit(job.JobID, models.ProgressEvent{
		Type:               models.EventCompleted,
		Message:            "Document processing completed",
		Step:               CompletedStepName,
		StepIndex:          models.IntPtr(total),
		TotalSteps:         models.IntPtr(total),
		ProgressPercentage: models.Percentage(models.IntPtr(total), models.IntPtr(total)),
		Data:               completionSummary(data),
	})

	jobID := job.JobID
	time.AfterFunc(e.CleanupDelay, func() {
		e.bc.CleanupJob(jobID)
	})
}

func (e *Executor) fail(ctx context.Context, logger zerolog.Logger, job *models.Job, stepName string, index, total int, anchor string, stepErr error) {
	resumable := true
	var typed *StepError
	if errors.As(stepErr, &typed) {
		resumable = typed.Resumable()
	}

	logger.Error().Err(stepErr).Str("step", stepName).Bool("can_resume", resumable).Msg("step failed")

	// The previously committed resume data stays untouched: MarkFailed never
	// writes that column, so a resume loses at most the in-flight step.
	if err := e.store.MarkFailed(ctx, job.JobID, stepName, stepErr.Error(), resumable); err != nil {
		logger.Error().Err(err).Msg("failed to persist failure state")
	}

	e.bc.Emit(job.JobID, models.ProgressEvent{
		Type:       models.EventError,
		Message:    fmt.Sprintf("Failed at %s: %v", titleize(stepName), stepErr),
		Step:       stepName,
		StepIndex:  models.IntPtr(index),
		TotalSteps: models.IntPtr(total),
		Data: map[string]any{
			"error":                stepErr.Error(),
			"can_resume":           resumable,
			"last_successful_step": anchor,
		},
	})
}

// completionSummary surfaces step counters recorded in resume data on the
// terminal event, when present.
func completionSummary(data models.ResumeData) map[string]any {
	summary := map[string]any{}
	var counts struct {
		Documents  int `json:"documents"`
		Embeddings int `json:"embeddings"`
	}
	if ok, err := data.Get("index", &counts); err == nil && ok {
		summary["documents_processed"] = counts.Documents
		summary["embeddings_created"] = counts.Embeddings
	}
	return summary
}

func titleize(step string) string {
	words := strings.Split(strings.ReplaceAll(step, "_", " "), " ")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}
