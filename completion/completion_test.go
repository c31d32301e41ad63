package completion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sorensen/exportjob/events"
	"github.com/sorensen/exportjob/job"
	"github.com/sorensen/exportjob/repository"
	"github.com/sorensen/exportjob/workflow"
)

type fakeWorkflow struct {
	successes []workflow.SuccessPayload
	failures  []workflow.FailurePayload
	failErr   error
}

func (f *fakeWorkflow) SendTaskSuccess(ctx context.Context, token string, payload workflow.SuccessPayload) error {
	if f.failErr != nil {
		return f.failErr
	}
	f.successes = append(f.successes, payload)
	return nil
}
func (f *fakeWorkflow) SendTaskFailure(ctx context.Context, token string, payload workflow.FailurePayload) error {
	f.failures = append(f.failures, payload)
	return nil
}
func (f *fakeWorkflow) SendTaskHeartbeat(ctx context.Context, token string) error { return nil }

var _ workflow.Client = (*fakeWorkflow)(nil)

func newTestJob(t *testing.T, repo *repository.MemoryRepository, total int, callbackToken string) job.Job {
	t.Helper()
	j, err := job.Create("job-1", "export-1", "user-1", callbackToken, nil, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repo.Save(context.Background(), j); err != nil {
		t.Fatalf("Save: %v", err)
	}
	j, err = repo.SetTotalTasks(context.Background(), j.JobID, total)
	if err != nil {
		t.Fatalf("SetTotalTasks: %v", err)
	}
	j, err = repo.UpdateJobStatus(context.Background(), j.JobID, job.StatusDownloading, nil)
	if err != nil {
		t.Fatalf("UpdateJobStatus(DOWNLOADING): %v", err)
	}
	return j
}

func TestRecord_CompletesJobWhenCountersExhausted(t *testing.T) {
	repo := repository.NewMemoryRepository(func() time.Time { return time.Unix(100, 0) })
	j := newTestJob(t, repo, 2, "token-1")
	sink := events.NewCapturingSink()
	wf := &fakeWorkflow{}
	agg := New(repo, sink, wf, func() time.Time { return time.Unix(100, 0) }, nil)

	if err := agg.Record(context.Background(), Outcome{JobID: j.JobID, TaskID: "t1", Success: true}); err != nil {
		t.Fatalf("Record 1: %v", err)
	}
	final, err := repo.FindByID(context.Background(), j.JobID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if final.Status != job.StatusDownloading {
		t.Fatalf("status after one of two = %v, want still non-terminal", final.Status)
	}

	if err := agg.Record(context.Background(), Outcome{JobID: j.JobID, TaskID: "t2", Success: false, ErrorMessage: "boom"}); err != nil {
		t.Fatalf("Record 2: %v", err)
	}
	final, err = repo.FindByID(context.Background(), j.JobID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if final.Status != job.StatusCompleted {
		t.Fatalf("status = %v, want COMPLETED", final.Status)
	}
	if final.FailedTasks != 1 || final.CompletedTasks != 1 {
		t.Fatalf("counters = completed=%d failed=%d", final.CompletedTasks, final.FailedTasks)
	}

	if len(wf.successes) != 1 {
		t.Fatalf("expected one success callback, got %d", len(wf.successes))
	}
	if wf.successes[0].FailedTasks != 1 {
		t.Fatal("partial failure must still surface in the success payload, not as a callback failure")
	}

	if sink.CountByName(events.JobCompleted) != 1 {
		t.Fatal("expected one JobCompleted event")
	}
	if sink.CountByName(events.TaskFailed) != 1 || sink.CountByName(events.TaskCompleted) != 1 {
		t.Fatal("expected one TaskCompleted and one TaskFailed event")
	}
}

func TestRecord_AllTasksFailingStillCompletesTheJob(t *testing.T) {
	repo := repository.NewMemoryRepository(nil)
	j := newTestJob(t, repo, 1, "")
	agg := New(repo, events.NewCapturingSink(), &fakeWorkflow{}, nil, nil)

	if err := agg.Record(context.Background(), Outcome{JobID: j.JobID, TaskID: "t1", Success: false, ErrorMessage: "nope"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	final, err := repo.FindByID(context.Background(), j.JobID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if final.Status != job.StatusCompleted {
		t.Fatalf("status = %v, want COMPLETED even with all tasks failed", final.Status)
	}
}

func TestCheckJobCompletion_IsIdempotentAfterTerminal(t *testing.T) {
	repo := repository.NewMemoryRepository(nil)
	j := newTestJob(t, repo, 1, "")
	agg := New(repo, events.NewCapturingSink(), &fakeWorkflow{}, nil, nil)

	if err := agg.Record(context.Background(), Outcome{JobID: j.JobID, TaskID: "t1", Success: true}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	// second check after terminal must be a silent no-op, not an error
	if err := agg.CheckJobCompletion(context.Background(), j.JobID); err != nil {
		t.Fatalf("CheckJobCompletion after terminal: %v", err)
	}
}

func TestRecord_LogsAndContinuesWhenCallbackFails(t *testing.T) {
	repo := repository.NewMemoryRepository(nil)
	j := newTestJob(t, repo, 1, "token-1")
	wf := &fakeWorkflow{failErr: errors.New("engine unreachable")}
	agg := New(repo, events.NewCapturingSink(), wf, nil, nil)

	if err := agg.Record(context.Background(), Outcome{JobID: j.JobID, TaskID: "t1", Success: true}); err != nil {
		t.Fatalf("Record must not propagate a callback failure: %v", err)
	}
	final, err := repo.FindByID(context.Background(), j.JobID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if final.Status != job.StatusCompleted {
		t.Fatal("job must still be persisted as COMPLETED despite the callback failure")
	}
}

func TestCheckJobCompletion_ZeroTotalTasksCompletesImmediately(t *testing.T) {
	repo := repository.NewMemoryRepository(nil)
	j := newTestJob(t, repo, 0, "token-1")
	wf := &fakeWorkflow{}
	agg := New(repo, events.NewCapturingSink(), wf, nil, nil)

	if err := agg.CheckJobCompletion(context.Background(), j.JobID); err != nil {
		t.Fatalf("CheckJobCompletion: %v", err)
	}
	final, err := repo.FindByID(context.Background(), j.JobID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if final.Status != job.StatusCompleted {
		t.Fatalf("status = %v, want COMPLETED for a zero-task dispatch", final.Status)
	}
	if len(wf.successes) != 1 || len(wf.successes[0].Outputs) != 0 {
		t.Fatalf("expected one success callback with zero outputs, got %+v", wf.successes)
	}
}

func TestCheckJobCompletion_FreshlyCreatedJobDoesNotComplete(t *testing.T) {
	repo := repository.NewMemoryRepository(nil)
	j, err := job.Create("job-1", "export-1", "user-1", "", nil, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repo.Save(context.Background(), j); err != nil {
		t.Fatalf("Save: %v", err)
	}
	agg := New(repo, events.NewCapturingSink(), &fakeWorkflow{}, nil, nil)

	if err := agg.CheckJobCompletion(context.Background(), j.JobID); err != nil {
		t.Fatalf("CheckJobCompletion: %v", err)
	}
	final, err := repo.FindByID(context.Background(), j.JobID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if final.Status != job.StatusPending {
		t.Fatalf("status = %v, a freshly created job (TotalTasks=0, never dispatched) must not auto-complete", final.Status)
	}
}

func TestCheckJobCompletion_DryRunSkipsWorkflowCallback(t *testing.T) {
	repo := repository.NewMemoryRepository(nil)
	j := newTestJob(t, repo, 0, "token-1")
	wf := &fakeWorkflow{}
	agg := New(repo, events.NewCapturingSink(), wf, nil, nil)
	agg.SetDryRun(true)

	if err := agg.CheckJobCompletion(context.Background(), j.JobID); err != nil {
		t.Fatalf("CheckJobCompletion: %v", err)
	}
	if len(wf.successes) != 0 {
		t.Fatalf("expected no workflow callback in dry run, got %+v", wf.successes)
	}
	final, err := repo.FindByID(context.Background(), j.JobID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if final.Status != job.StatusCompleted {
		t.Fatalf("status = %v, want COMPLETED even in dry run", final.Status)
	}
}
