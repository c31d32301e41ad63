// Package completion implements the completion aggregator from section 4.8:
// the single place a per-task outcome turns into a counter increment, an
// event, and — once every task is accounted for — the job's terminal
// transition and workflow callback.
package completion

import (
	"context"
	"log/slog"
	"time"

	"github.com/sorensen/exportjob/events"
	"github.com/sorensen/exportjob/job"
	"github.com/sorensen/exportjob/joberrors"
	"github.com/sorensen/exportjob/metrics"
	"github.com/sorensen/exportjob/repository"
	"github.com/sorensen/exportjob/workflow"
)

// Outcome is a per-task result, per section 4.8's input shape.
type Outcome struct {
	JobID        string
	TaskID       string
	OutputKey    string
	Success      bool
	ErrorMessage string
	Duration     time.Duration
}

// Aggregator records task outcomes and drives a job to completion once its
// counters are exhausted.
type Aggregator struct {
	repo     repository.Repository
	sink     events.Sink
	workflow workflow.Client
	clock    func() time.Time
	log      *slog.Logger
	metrics  *metrics.Metrics
	dryRun   bool
}

// SetMetrics attaches a Metrics collector. Safe to call once at process
// wiring time; nil (the default) disables metrics recording.
func (a *Aggregator) SetMetrics(m *metrics.Metrics) {
	a.metrics = m
}

// SetDryRun toggles dry-run mode. In dry-run, a job still reaches
// COMPLETED and still emits events and metrics, but the workflow success
// callback is logged instead of sent, mirroring the teacher's
// coordinator.DryRun gate on side-effecting work.
func (a *Aggregator) SetDryRun(dryRun bool) {
	a.dryRun = dryRun
}

// New creates an Aggregator. clock defaults to time.Now when nil.
func New(repo repository.Repository, sink events.Sink, workflowClient workflow.Client, clock func() time.Time, log *slog.Logger) *Aggregator {
	if clock == nil {
		clock = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{repo: repo, sink: sink, workflow: workflowClient, clock: clock, log: log}
}

// Record implements section 4.8 steps 1-3: atomic increment, event, and a
// completion check. It is safe to call concurrently for different tasks of
// the same job; the repository's increment operations are required to be
// linearisable.
func (a *Aggregator) Record(ctx context.Context, outcome Outcome) error {
	var updated job.Job
	var err error
	var eventName events.Name

	if outcome.Success {
		updated, err = a.repo.IncrementCompletedTasks(ctx, outcome.JobID)
		eventName = events.TaskCompleted
	} else {
		updated, err = a.repo.IncrementFailedTasks(ctx, outcome.JobID, outcome.ErrorMessage)
		eventName = events.TaskFailed
	}
	if err != nil {
		return err
	}

	if a.metrics != nil {
		a.metrics.RecordTaskOutcome(outcome.Success, outcome.Duration)
	}

	a.sink.Publish(ctx, events.Event{
		Name:  eventName,
		JobID: outcome.JobID,
		At:    a.clock(),
		Data: map[string]any{
			"taskId":       outcome.TaskID,
			"errorMessage": outcome.ErrorMessage,
		},
	})

	return a.checkJobCompletion(ctx, updated)
}

// CheckJobCompletion re-reads jobID and applies the same completion check
// Record applies after an increment, for callers (the dispatcher's
// checkJobCompletion, section 4.4) that need to re-evaluate completion
// without recording a new outcome — for example a job dispatched with zero
// tasks.
func (a *Aggregator) CheckJobCompletion(ctx context.Context, jobID string) error {
	j, err := a.repo.FindByID(ctx, jobID)
	if err != nil {
		return err
	}
	return a.checkJobCompletion(ctx, j)
}

func (a *Aggregator) checkJobCompletion(ctx context.Context, j job.Job) error {
	if j.Status.Terminal() {
		return nil
	}
	if j.Status != job.StatusDownloading {
		return nil
	}
	if j.CompletedTasks+j.FailedTasks < j.TotalTasks {
		return nil
	}

	completed, err := a.repo.UpdateJobStatus(ctx, j.JobID, job.StatusCompleted, nil)
	if err != nil {
		// Another goroutine racing to completion already moved the job
		// out of a state this call could legally transition from; the
		// check is idempotent by design (section 4.4: "repeated calls
		// after terminal are no-ops").
		if kind, ok := joberrors.KindOf(err); ok &&
			(kind == joberrors.KindTerminalStateViolation || kind == joberrors.KindInvalidTransition) {
			return nil
		}
		return err
	}

	if a.metrics != nil {
		a.metrics.RecordJobCompleted()
	}
	a.sink.Publish(ctx, events.Event{Name: events.JobCompleted, JobID: completed.JobID, At: a.clock()})

	if completed.CallbackToken == "" {
		return nil
	}

	payload := workflow.SuccessPayload{
		JobID:          completed.JobID,
		ExportID:       completed.ExportID,
		UserID:         completed.UserID,
		Status:         string(completed.Status),
		TotalTasks:     completed.TotalTasks,
		CompletedTasks: completed.CompletedTasks,
		FailedTasks:    completed.FailedTasks,
		Outputs:        outputKeys(completed),
		CompletedAt:    a.clock(),
	}
	if completed.CompletedAt != nil {
		payload.CompletedAt = *completed.CompletedAt
		payload.DurationMs = payload.CompletedAt.Sub(completed.CreatedAt).Milliseconds()
	}

	if a.dryRun {
		a.log.Info("dry run: skipping workflow success callback", "jobId", completed.JobID)
		return nil
	}

	if err := a.workflow.SendTaskSuccess(ctx, completed.CallbackToken, payload); err != nil {
		// Per section 4.8 step 3c: "If the callback throws, log and
		// continue — the job is already persisted." The workflow engine
		// reconciles out-of-band via its own heartbeat timeout.
		a.log.Warn("workflow success callback failed", "jobId", completed.JobID, "error", err)
	}
	return nil
}

func outputKeys(j job.Job) []string {
	if len(j.Tasks) == 0 {
		return nil
	}
	keys := make([]string, 0, len(j.Tasks))
	for _, t := range j.Tasks {
		keys = append(keys, t.OutputKey)
	}
	return keys
}
