package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docpipe/docpipe/broadcast"
	"github.com/docpipe/docpipe/checkpoint"
	"github.com/docpipe/docpipe/models"
)

type stubStep struct {
	name string
	run  func(ctx context.Context, ec ExecContext) (models.ResumeData, error)
}

func (s *stubStep) Name() string { return s.name }

func (s *stubStep) Run(ctx context.Context, ec ExecContext) (models.ResumeData, error) {
	if s.run != nil {
		return s.run(ctx, ec)
	}
	return ec.Data.Clone(), nil
}

// recorder builds a step that appends its name to calls on every invocation.
func recorder(name string, calls *[]string) *stubStep {
	return &stubStep{
		name: name,
		run: func(ctx context.Context, ec ExecContext) (models.ResumeData, error) {
			*calls = append(*calls, name)
			return ec.Data.Clone(), nil
		},
	}
}

func newHarness(t *testing.T, steps ...Step) (*Executor, *checkpoint.MemoryStore, *broadcast.Broadcaster) {
	t.Helper()
	registry, err := NewRegistry(steps...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	store := checkpoint.NewMemoryStore()
	bc := broadcast.New(broadcast.Options{})
	e := NewExecutor(store, registry, bc)
	e.CleanupDelay = 10 * time.Millisecond
	return e, store, bc
}

func startJob(t *testing.T, store *checkpoint.MemoryStore) *models.Job {
	t.Helper()
	job, err := store.Create(context.Background(), "proj-1", "job-1", "https://example.com/docs")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return job
}

func drainEvents(sub *broadcast.Subscription, until models.EventType) []models.ProgressEvent {
	var events []models.ProgressEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
			if ev.Type == until {
				return events
			}
		case <-timeout:
			return events
		}
	}
}

func TestRunExecutesAllStepsAndCompletes(t *testing.T) {
	ctx := context.Background()
	var calls []string
	e, store, bc := newHarness(t,
		recorder("a", &calls), recorder("b", &calls),
		recorder("c", &calls), recorder("d", &calls))
	job := startJob(t, store)
	sub := bc.Subscribe(job.JobID)
	defer bc.Unsubscribe(sub)

	e.Run(ctx, job, false)

	if want := []string{"a", "b", "c", "d"}; fmt.Sprint(calls) != fmt.Sprint(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}

	final, err := store.Get(ctx, job.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != models.StatusCompleted || final.CompletedAt == nil {
		t.Fatalf("unexpected final state: %+v", final)
	}
	if final.LastSuccessfulStep != "d" {
		t.Fatalf("anchor = %q, want d", final.LastSuccessfulStep)
	}

	events := drainEvents(sub, models.EventCompleted)
	last := events[len(events)-1]
	if last.Type != models.EventCompleted {
		t.Fatalf("last event = %s, want completed", last.Type)
	}
	if *last.ProgressPercentage != 100 {
		t.Fatalf("completed percentage = %v, want 100", *last.ProgressPercentage)
	}
}

func TestFailureRecordsAnchorThenResumeRunsRemainder(t *testing.T) {
	ctx := context.Background()
	var calls []string
	failures := 1
	e, store, bc := newHarness(t,
		recorder("a", &calls),
		&stubStep{name: "b", run: func(ctx context.Context, ec ExecContext) (models.ResumeData, error) {
			calls = append(calls, "b")
			if failures > 0 {
				failures--
				return ec.Data, Transient(errors.New("upstream timeout"))
			}
			return ec.Data.Clone(), nil
		}},
		recorder("c", &calls), recorder("d", &calls))
	job := startJob(t, store)
	sub := bc.Subscribe(job.JobID)

	e.Run(ctx, job, false)

	failed, err := store.Get(ctx, job.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if failed.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", failed.Status)
	}
	if failed.LastSuccessfulStep != "a" || failed.FailedStep != "b" || !failed.CanResume {
		t.Fatalf("unexpected failure record: %+v", failed)
	}

	events := drainEvents(sub, models.EventError)
	errEvent := events[len(events)-1]
	if errEvent.Type != models.EventError {
		t.Fatalf("last event = %s, want error", errEvent.Type)
	}
	if can, _ := errEvent.Data["can_resume"].(bool); !can {
		t.Fatal("error event should report can_resume=true")
	}
	if anchor, _ := errEvent.Data["last_successful_step"].(string); anchor != "a" {
		t.Fatalf("error event anchor = %q, want a", anchor)
	}
	bc.Unsubscribe(sub)

	// Resume: only b, c, d run again.
	resumable, err := store.LoadForResume(ctx, "proj-1")
	if err != nil {
		t.Fatalf("LoadForResume: %v", err)
	}
	if err := store.MarkRunning(ctx, resumable.JobID); err != nil {
		t.Fatal(err)
	}
	calls = nil
	e.Run(ctx, resumable, true)

	if want := []string{"b", "c", "d"}; fmt.Sprint(calls) != fmt.Sprint(want) {
		t.Fatalf("resumed calls = %v, want %v", calls, want)
	}
	final, err := store.Get(ctx, job.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != models.StatusCompleted {
		t.Fatalf("status after resume = %s, want completed", final.Status)
	}
}

func TestResumeDataSurvivesFailure(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newHarness(t,
		&stubStep{name: "a", run: func(ctx context.Context, ec ExecContext) (models.ResumeData, error) {
			out := ec.Data.Clone()
			if err := out.Put("a", map[string]string{"key": "artifact-1"}); err != nil {
				return out, err
			}
			return out, nil
		}},
		&stubStep{name: "b", run: func(ctx context.Context, ec ExecContext) (models.ResumeData, error) {
			// The commit from step a must already be visible.
			var got map[string]string
			if ok, _ := ec.Data.Get("a", &got); !ok || got["key"] != "artifact-1" {
				t.Errorf("step b did not see step a's payload: %+v", ec.Data)
			}
			return ec.Data, Transient(errors.New("boom"))
		}})
	job := startJob(t, store)

	e.Run(ctx, job, false)

	failed, err := store.Get(ctx, job.JobID)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]string
	if ok, _ := failed.ResumeData.Get("a", &got); !ok || got["key"] != "artifact-1" {
		t.Fatalf("failure lost committed resume data: %+v", failed.ResumeData)
	}
}

func TestValidationFailureIsNotResumable(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newHarness(t,
		&stubStep{name: "a", run: func(ctx context.Context, ec ExecContext) (models.ResumeData, error) {
			return ec.Data, Validation(errors.New("source URL is empty"))
		}})
	job := startJob(t, store)

	e.Run(ctx, job, false)

	failed, err := store.Get(ctx, job.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if failed.CanResume {
		t.Fatal("validation failure must not be resumable")
	}
	if _, err := store.LoadForResume(ctx, "proj-1"); !errors.Is(err, checkpoint.ErrJobNotFound) {
		t.Fatalf("LoadForResume error = %v, want ErrJobNotFound", err)
	}
}

func TestCancellationObservedAtStepBoundary(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	var calls []string
	registry, err := NewRegistry(
		&stubStep{name: "a", run: func(ctx context.Context, ec ExecContext) (models.ResumeData, error) {
			calls = append(calls, "a")
			// Cancel lands mid-step; the running step still finishes.
			if _, err := store.Cancel(ctx, ec.ProjectID); err != nil {
				t.Errorf("cancel: %v", err)
			}
			return ec.Data.Clone(), nil
		}},
		recorder("b", &calls))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	bc := broadcast.New(broadcast.Options{})
	e := NewExecutor(store, registry, bc)
	job := startJob(t, store)
	sub := bc.Subscribe(job.JobID)
	defer bc.Unsubscribe(sub)

	e.Run(ctx, job, false)

	if fmt.Sprint(calls) != fmt.Sprint([]string{"a"}) {
		t.Fatalf("calls = %v, want [a]", calls)
	}

	final, err := store.Get(ctx, job.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", final.Status)
	}
	// The in-flight step still committed before the boundary check.
	if final.LastSuccessfulStep != "a" {
		t.Fatalf("anchor = %q, want a", final.LastSuccessfulStep)
	}

	events := drainEvents(sub, models.EventCancelled)
	if events[len(events)-1].Type != models.EventCancelled {
		t.Fatal("expected a cancelled event")
	}
}

// cancelRacingStore lands a cancellation in the gap between the executor's
// boundary status check and the current-step record write.
type cancelRacingStore struct {
	*checkpoint.MemoryStore
	projectID string
	once      sync.Once
}

func (s *cancelRacingStore) UpdateStep(ctx context.Context, jobID, step string, index int) error {
	s.once.Do(func() {
		if _, err := s.MemoryStore.Cancel(ctx, s.projectID); err != nil {
			panic(err)
		}
	})
	return s.MemoryStore.UpdateStep(ctx, jobID, step, index)
}

func TestCancellationDuringStepRecordIsNotLost(t *testing.T) {
	ctx := context.Background()
	inner := checkpoint.NewMemoryStore()
	store := &cancelRacingStore{MemoryStore: inner, projectID: "proj-1"}

	var calls []string
	registry, err := NewRegistry(recorder("a", &calls), recorder("b", &calls))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	bc := broadcast.New(broadcast.Options{})
	e := NewExecutor(store, registry, bc)
	job := startJob(t, inner)

	e.Run(ctx, job, false)

	// The cancel arrived mid-gap: step a still runs, but nothing after it.
	if fmt.Sprint(calls) != fmt.Sprint([]string{"a"}) {
		t.Fatalf("calls = %v, want [a]", calls)
	}
	final, err := inner.Get(ctx, job.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want cancelled (cancellation must survive the step record)", final.Status)
	}
}

func TestPanicInStepBecomesOrdinaryFailure(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newHarness(t,
		&stubStep{name: "a", run: func(ctx context.Context, ec ExecContext) (models.ResumeData, error) {
			panic("nil map write")
		}})
	job := startJob(t, store)

	e.Run(ctx, job, false)

	failed, err := store.Get(ctx, job.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if failed.Status != models.StatusFailed || failed.FailedStep != "a" {
		t.Fatalf("unexpected state after panic: %+v", failed)
	}
	if !failed.CanResume {
		t.Fatal("untyped step failure should default to resumable")
	}
}

func TestUnknownResumeAnchorRestartsFromBeginning(t *testing.T) {
	ctx := context.Background()
	var calls []string
	e, store, _ := newHarness(t, recorder("a", &calls), recorder("b", &calls))
	job := startJob(t, store)

	// Anchor written by a build whose registry no longer has this step.
	if err := store.MarkStepSuccessful(ctx, job.JobID, "legacy_step", models.NewResumeData()); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkFailed(ctx, job.JobID, "other", "boom", true); err != nil {
		t.Fatal(err)
	}
	resumable, err := store.LoadForResume(ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.MarkRunning(ctx, resumable.JobID); err != nil {
		t.Fatal(err)
	}

	e.Run(ctx, resumable, true)

	if want := []string{"a", "b"}; fmt.Sprint(calls) != fmt.Sprint(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
}

func TestUnusableResumeDataVersionStartsEmpty(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newHarness(t,
		&stubStep{name: "a", run: func(ctx context.Context, ec ExecContext) (models.ResumeData, error) {
			if len(ec.Data.Steps) != 0 {
				t.Errorf("unusable resume data leaked into the step: %+v", ec.Data)
			}
			return ec.Data.Clone(), nil
		}})
	job := startJob(t, store)
	job.ResumeData = models.ResumeData{Version: 99, Steps: map[string]json.RawMessage{"a": []byte(`{}`)}}

	e.Run(ctx, job, true)

	final, err := store.Get(ctx, job.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
}

func TestOversizedStepPayloadFailsTheStep(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newHarness(t,
		&stubStep{name: "a", run: func(ctx context.Context, ec ExecContext) (models.ResumeData, error) {
			out := ec.Data.Clone()
			big := make([]byte, models.MaxResumeDataBytes+1)
			for i := range big {
				big[i] = 'x'
			}
			if err := out.Put("a", map[string]string{"text": string(big)}); err != nil {
				return out, err
			}
			return out, nil
		}})
	job := startJob(t, store)

	e.Run(ctx, job, false)

	failed, err := store.Get(ctx, job.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if failed.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed for oversized payload", failed.Status)
	}
	if failed.LastSuccessfulStep != "" {
		t.Fatal("oversized payload must not reach the checkpoint")
	}
}

func TestCompletedEventCarriesIndexCounters(t *testing.T) {
	ctx := context.Background()
	e, store, bc := newHarness(t,
		&stubStep{name: "index", run: func(ctx context.Context, ec ExecContext) (models.ResumeData, error) {
			out := ec.Data.Clone()
			if err := out.Put("index", map[string]int{"documents": 3, "embeddings": 42}); err != nil {
				return out, err
			}
			return out, nil
		}})
	job := startJob(t, store)
	sub := bc.Subscribe(job.JobID)
	defer bc.Unsubscribe(sub)

	e.Run(ctx, job, false)

	events := drainEvents(sub, models.EventCompleted)
	completed := events[len(events)-1]
	if docs, _ := completed.Data["documents_processed"].(int); docs != 3 {
		t.Fatalf("documents_processed = %v, want 3", completed.Data["documents_processed"])
	}
	if emb, _ := completed.Data["embeddings_created"].(int); emb != 42 {
		t.Fatalf("embeddings_created = %v, want 42", completed.Data["embeddings_created"])
	}
}
