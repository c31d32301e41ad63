package polling

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sorensen/exportjob/completion"
	"github.com/sorensen/exportjob/dispatcher"
	"github.com/sorensen/exportjob/events"
	"github.com/sorensen/exportjob/job"
	"github.com/sorensen/exportjob/joberrors"
	"github.com/sorensen/exportjob/pipeline"
	"github.com/sorensen/exportjob/provider"
	"github.com/sorensen/exportjob/queue"
	"github.com/sorensen/exportjob/repository"
	"github.com/sorensen/exportjob/workerpool"
	"github.com/sorensen/exportjob/workflow"
)

type scriptedProvider struct {
	results map[string][]provider.StatusResult
	calls   map[string]*int32
}

func newScriptedProvider() *scriptedProvider {
	return &scriptedProvider{results: make(map[string][]provider.StatusResult), calls: make(map[string]*int32)}
}

func (p *scriptedProvider) script(exportID string, results ...provider.StatusResult) {
	p.results[exportID] = results
	n := int32(0)
	p.calls[exportID] = &n
}

func (p *scriptedProvider) GetExportStatus(ctx context.Context, exportID string) (provider.StatusResult, error) {
	results := p.results[exportID]
	counter := p.calls[exportID]
	idx := atomic.AddInt32(counter, 1) - 1
	if int(idx) >= len(results) {
		return results[len(results)-1], nil
	}
	r := results[idx]
	if r.ErrorMessage == "__error__" {
		return provider.StatusResult{}, joberrors.New(joberrors.KindProviderError, "transient").WithRetryable(true)
	}
	return r, nil
}
func (p *scriptedProvider) StartExport(ctx context.Context, req provider.StartExportRequest) (string, error) {
	return "", nil
}
func (p *scriptedProvider) CancelExport(ctx context.Context, exportID string) error { return nil }

var _ provider.Provider = (*scriptedProvider)(nil)

type noopWorkflow struct{}

func (noopWorkflow) SendTaskSuccess(ctx context.Context, token string, payload workflow.SuccessPayload) error {
	return nil
}
func (noopWorkflow) SendTaskFailure(ctx context.Context, token string, payload workflow.FailurePayload) error {
	return nil
}
func (noopWorkflow) SendTaskHeartbeat(ctx context.Context, token string) error { return nil }

func newTestDispatcher(repo repository.Repository) *dispatcher.Dispatcher {
	pool := workerpool.New(1, 1)
	pipe := pipeline.New(nil, nil, 0)
	agg := completion.New(repo, events.NewCapturingSink(), noopWorkflow{}, nil, nil)
	return dispatcher.New(repo, pool, pipe, agg, queue.NewMemoryQueue(), "overflow", "bucket", 25, nil)
}

func seedPollingJob(t *testing.T, repo *repository.MemoryRepository, jobID, exportID string) job.Job {
	t.Helper()
	j, err := job.Create(jobID, exportID, "user-1", "", nil, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repo.Save(context.Background(), j); err != nil {
		t.Fatalf("Save: %v", err)
	}
	j, err = repo.UpdateJobStatus(context.Background(), jobID, job.StatusPolling, nil)
	if err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}
	return j
}

func TestPollOne_DropsAndTransitionsOnReady(t *testing.T) {
	repo := repository.NewMemoryRepository(nil)
	seedPollingJob(t, repo, "job-1", "export-1")
	prov := newScriptedProvider()
	prov.script("export-1", provider.StatusResult{Status: job.ProviderReady, DownloadURLs: nil})

	svc := New(repo, prov, newTestDispatcher(repo), time.Hour, 10, nil, nil)
	svc.Enroll("job-1", "export-1", "user-1")

	svc.pollOne(context.Background(), "job-1")

	if svc.ActiveCount() != 0 {
		t.Fatal("job must be dropped once READY")
	}
	j, err := repo.FindByID(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if j.Status != job.StatusDownloading {
		t.Fatalf("status = %v, want DOWNLOADING", j.Status)
	}
}

func TestPollOne_DropsAndFailsOnProviderFailed(t *testing.T) {
	repo := repository.NewMemoryRepository(nil)
	seedPollingJob(t, repo, "job-1", "export-1")
	prov := newScriptedProvider()
	prov.script("export-1", provider.StatusResult{Status: job.ProviderFailed, ErrorMessage: "export failed upstream"})

	svc := New(repo, prov, newTestDispatcher(repo), time.Hour, 10, nil, nil)
	svc.Enroll("job-1", "export-1", "user-1")
	svc.pollOne(context.Background(), "job-1")

	if svc.ActiveCount() != 0 {
		t.Fatal("job must be dropped on terminal provider failure")
	}
	j, err := repo.FindByID(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if j.Status != job.StatusFailed {
		t.Fatalf("status = %v, want FAILED", j.Status)
	}
}

func TestPollOne_TransientErrorDoesNotDropJob(t *testing.T) {
	repo := repository.NewMemoryRepository(nil)
	seedPollingJob(t, repo, "job-1", "export-1")
	prov := newScriptedProvider()
	prov.script("export-1", provider.StatusResult{ErrorMessage: "__error__"})

	svc := New(repo, prov, newTestDispatcher(repo), time.Hour, 10, nil, nil)
	svc.Enroll("job-1", "export-1", "user-1")
	svc.pollOne(context.Background(), "job-1")

	if svc.ActiveCount() != 1 {
		t.Fatal("transient provider error must not drop the job")
	}
}

func TestPollOne_ExceedingMaxAttemptsFailsWithTimeout(t *testing.T) {
	repo := repository.NewMemoryRepository(nil)
	seedPollingJob(t, repo, "job-1", "export-1")
	prov := newScriptedProvider()
	prov.script("export-1", provider.StatusResult{Status: job.ProviderPending})

	svc := New(repo, prov, newTestDispatcher(repo), time.Hour, 2, nil, nil)
	svc.Enroll("job-1", "export-1", "user-1")

	svc.pollOne(context.Background(), "job-1") // attempts=1
	svc.pollOne(context.Background(), "job-1") // attempts=2
	svc.pollOne(context.Background(), "job-1") // attempts=3, exceeds max

	if svc.ActiveCount() != 0 {
		t.Fatal("job must be dropped once attempts exceed maxPollingAttempts")
	}
	j, err := repo.FindByID(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if j.Status != job.StatusFailed {
		t.Fatalf("status = %v, want FAILED", j.Status)
	}
}

func TestEnroll_IsIdempotent(t *testing.T) {
	repo := repository.NewMemoryRepository(nil)
	svc := New(repo, newScriptedProvider(), newTestDispatcher(repo), time.Hour, 10, nil, nil)
	svc.Enroll("job-1", "export-1", "user-1")
	svc.Enroll("job-1", "export-1", "user-1")
	if svc.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d, want 1", svc.ActiveCount())
	}
}
