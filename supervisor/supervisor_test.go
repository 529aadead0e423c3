package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docpipe/docpipe/broadcast"
	"github.com/docpipe/docpipe/checkpoint"
	"github.com/docpipe/docpipe/models"
	"github.com/docpipe/docpipe/pipeline"
)

type blockingStep struct {
	name    string
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingStep) Name() string { return s.name }

func (s *blockingStep) Run(ctx context.Context, ec pipeline.ExecContext) (models.ResumeData, error) {
	s.once.Do(func() { close(s.started) })
	<-s.release
	return ec.Data.Clone(), nil
}

type noopStep struct{ name string }

func (s *noopStep) Name() string { return s.name }

func (s *noopStep) Run(ctx context.Context, ec pipeline.ExecContext) (models.ResumeData, error) {
	return ec.Data.Clone(), nil
}

func newSupervisor(t *testing.T, store *checkpoint.MemoryStore, steps ...pipeline.Step) *Supervisor {
	t.Helper()
	registry, err := pipeline.NewRegistry(steps...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	bc := broadcast.New(broadcast.Options{})
	executor := pipeline.NewExecutor(store, registry, bc)
	executor.CleanupDelay = time.Millisecond
	return New(store, executor)
}

func TestStartRunsJobToCompletion(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	sup := newSupervisor(t, store, &noopStep{name: "a"}, &noopStep{name: "b"})

	job, err := sup.Start(ctx, "proj-1", "https://example.com/docs")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	sup.Wait()

	final, err := store.Get(ctx, job.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
}

func TestStartRejectsSecondActiveJob(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	step := &blockingStep{name: "a", started: make(chan struct{}), release: make(chan struct{})}
	sup := newSupervisor(t, store, step)

	if _, err := sup.Start(ctx, "proj-1", "u"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-step.started

	if _, err := sup.Start(ctx, "proj-1", "u"); !errors.Is(err, ErrJobAlreadyActive) {
		t.Fatalf("second Start error = %v, want ErrJobAlreadyActive", err)
	}

	close(step.release)
	sup.Wait()

	// Once the first job finishes a new one is accepted.
	if _, err := sup.Start(ctx, "proj-1", "u"); err != nil {
		t.Fatalf("Start after completion: %v", err)
	}
	sup.Wait()
}

func TestResumeRequiresResumableJob(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	sup := newSupervisor(t, store, &noopStep{name: "a"})

	if _, err := sup.Resume(ctx, "proj-1"); !errors.Is(err, ErrJobNotResumable) {
		t.Fatalf("Resume error = %v, want ErrJobNotResumable", err)
	}
}

func TestResumeRelaunchesFailedJob(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	sup := newSupervisor(t, store, &noopStep{name: "a"}, &noopStep{name: "b"})

	if _, err := store.Create(ctx, "proj-1", "job-1", "u"); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkStepSuccessful(ctx, "job-1", "a", models.NewResumeData()); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkFailed(ctx, "job-1", "b", "boom", true); err != nil {
		t.Fatal(err)
	}

	job, err := sup.Resume(ctx, "proj-1")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if job.JobID != "job-1" || job.Status != models.StatusRunning {
		t.Fatalf("resumed job = %+v", job)
	}
	sup.Wait()

	final, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
}

func TestResumeFreshRunningJobIsRejected(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	sup := newSupervisor(t, store, &noopStep{name: "a"})

	if _, err := store.Create(ctx, "proj-1", "job-1", "u"); err != nil {
		t.Fatal(err)
	}

	if _, err := sup.Resume(ctx, "proj-1"); !errors.Is(err, ErrJobAlreadyActive) {
		t.Fatalf("Resume error = %v, want ErrJobAlreadyActive", err)
	}
}

func TestResumeReclassifiesStaleRunningJob(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	base := time.Now()
	store.Now = func() time.Time { return base }

	sup := newSupervisor(t, store, &noopStep{name: "a"})
	sup.now = func() time.Time { return base.Add(10 * time.Minute) }

	// A running job whose last checkpoint write is 10 minutes old.
	if _, err := store.Create(ctx, "proj-1", "job-1", "u"); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateStep(ctx, "job-1", "a", 0); err != nil {
		t.Fatal(err)
	}

	job, err := sup.Resume(ctx, "proj-1")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if job.Status != models.StatusRunning {
		t.Fatalf("status = %s, want running after reclassify", job.Status)
	}
	sup.Wait()

	final, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
}

type gatedCountingStep struct {
	name    string
	release chan struct{}
	runs    atomic.Int32
}

func (s *gatedCountingStep) Name() string { return s.name }

func (s *gatedCountingStep) Run(ctx context.Context, ec pipeline.ExecContext) (models.ResumeData, error) {
	s.runs.Add(1)
	<-s.release
	return ec.Data.Clone(), nil
}

func TestConcurrentResumeLaunchesExactlyOneExecutor(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	step := &gatedCountingStep{name: "a", release: make(chan struct{})}
	sup := newSupervisor(t, store, step)

	if _, err := store.Create(ctx, "proj-1", "job-1", "u"); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkFailed(ctx, "job-1", "a", "boom", true); err != nil {
		t.Fatal(err)
	}

	barrier := make(chan struct{})
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-barrier
			_, errs[i] = sup.Resume(ctx, "proj-1")
		}(i)
	}
	close(barrier)
	wg.Wait()

	winners := 0
	for _, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrJobAlreadyActive):
		default:
			t.Fatalf("unexpected resume error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("%d concurrent resumes succeeded, want exactly 1", winners)
	}

	close(step.release)
	sup.Wait()

	if n := step.runs.Load(); n != 1 {
		t.Fatalf("step ran %d times, want 1", n)
	}
	final, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
}

func TestCancelReportsWhetherAJobWasActive(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	step := &blockingStep{name: "a", started: make(chan struct{}), release: make(chan struct{})}
	sup := newSupervisor(t, store, step)

	cancelled, err := sup.Cancel(ctx, "proj-1")
	if err != nil || cancelled {
		t.Fatalf("Cancel with no job = (%v, %v), want (false, nil)", cancelled, err)
	}

	if _, err := sup.Start(ctx, "proj-1", "u"); err != nil {
		t.Fatal(err)
	}
	<-step.started

	cancelled, err = sup.Cancel(ctx, "proj-1")
	if err != nil || !cancelled {
		t.Fatalf("Cancel = (%v, %v), want (true, nil)", cancelled, err)
	}

	close(step.release)
	sup.Wait()

	job, err := sup.Status(ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", job.Status)
	}
}
