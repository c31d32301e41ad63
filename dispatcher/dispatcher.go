// Package dispatcher implements the task dispatcher from section 4.4: it
// turns a READY export's download URLs into tasks, assigns each one to the
// internal worker pool or, once the pool is saturated, to the overflow
// queue.
package dispatcher

import (
	"context"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/sorensen/exportjob/completion"
	"github.com/sorensen/exportjob/job"
	"github.com/sorensen/exportjob/metrics"
	"github.com/sorensen/exportjob/pipeline"
	"github.com/sorensen/exportjob/provider"
	"github.com/sorensen/exportjob/queue"
	"github.com/sorensen/exportjob/repository"
	"github.com/sorensen/exportjob/workerpool"
)

// DefaultBatchSize is dispatchBatchSize's default, per section 4.4.
const DefaultBatchSize = 25

// Destination identifies where a task ended up.
type Destination string

const (
	DestinationPool     Destination = "pool"
	DestinationOverflow Destination = "overflow"
)

// TaskDestination records one task's routing outcome.
type TaskDestination struct {
	TaskID      string
	Destination Destination
}

// Result is dispatch's return shape, per section 4.4 step 5.
type Result struct {
	Total               int
	SucceededInDispatch int
	FailedInDispatch    int
	Destinations        []TaskDestination
}

// overflowMessage is the download-task schema from section 6.
type overflowMessage struct {
	TaskID      string         `json:"taskId"`
	JobID       string         `json:"jobId"`
	ExportID    string         `json:"exportId"`
	DownloadURL string         `json:"downloadUrl"`
	FileName    string         `json:"fileName"`
	FileSize    *int64         `json:"fileSize,omitempty"`
	Checksum    string         `json:"checksum,omitempty"`
	OutputKey   string         `json:"outputKey"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Dispatcher implements the dispatch operation from section 4.4.
type Dispatcher struct {
	repo             repository.Repository
	pool             *workerpool.Pool
	pipe             *pipeline.Pipeline
	aggregator       *completion.Aggregator
	queue            queue.Queue
	overflowQueueURL string
	outputBucket     string
	batchSize        int
	log              *slog.Logger
	metrics          *metrics.Metrics
}

// SetMetrics attaches a Metrics collector. Safe to call once at process
// wiring time; nil (the default) disables metrics recording.
func (d *Dispatcher) SetMetrics(m *metrics.Metrics) {
	d.metrics = m
}

// New creates a Dispatcher. batchSize defaults to DefaultBatchSize when <= 0.
func New(
	repo repository.Repository,
	pool *workerpool.Pool,
	pipe *pipeline.Pipeline,
	aggregator *completion.Aggregator,
	q queue.Queue,
	overflowQueueURL string,
	outputBucket string,
	batchSize int,
	log *slog.Logger,
) *Dispatcher {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		repo:             repo,
		pool:             pool,
		pipe:             pipe,
		aggregator:       aggregator,
		queue:            q,
		overflowQueueURL: overflowQueueURL,
		outputBucket:     outputBucket,
		batchSize:        batchSize,
		log:              log,
	}
}

// Dispatch implements section 4.4's operation in full: it sets the
// denominator before any fan-out begins, assigns task identity, and routes
// each task to the pool or the overflow queue in batches of batchSize.
func (d *Dispatcher) Dispatch(ctx context.Context, jobID, exportID string, urls []provider.DownloadURLInfo) (Result, error) {
	if _, err := d.repo.SetTotalTasks(ctx, jobID, len(urls)); err != nil {
		return Result{}, err
	}

	tasks := make([]job.Task, 0, len(urls))
	for i, u := range urls {
		tasks = append(tasks, job.Task{
			TaskID:            uuid.NewString(),
			JobID:             jobID,
			DownloadURL:       u.URL,
			FileName:          u.FileName,
			ExpectedFileSize:  u.FileSize,
			ExpectedChecksum:  u.Checksum,
			ChecksumAlgorithm: u.ChecksumAlgorithm,
			OutputKey:         job.OutputKey(jobID, i, u.FileName),
		})
	}
	if len(tasks) > 0 {
		if _, err := d.repo.AddTasks(ctx, jobID, tasks); err != nil {
			return Result{}, err
		}
	}

	result := Result{Total: len(tasks)}
	for start := 0; start < len(tasks); start += d.batchSize {
		end := start + d.batchSize
		if end > len(tasks) {
			end = len(tasks)
		}
		for _, t := range tasks[start:end] {
			dest, err := d.routeTask(ctx, jobID, exportID, t)
			if err != nil {
				result.FailedInDispatch++
				d.log.Error("dispatch failed for task", "jobId", jobID, "taskId", t.TaskID, "error", err)
				continue
			}
			result.SucceededInDispatch++
			result.Destinations = append(result.Destinations, TaskDestination{TaskID: t.TaskID, Destination: dest})
		}
	}

	if err := d.aggregator.CheckJobCompletion(ctx, jobID); err != nil {
		d.log.Warn("checkJobCompletion after dispatch failed", "jobId", jobID, "error", err)
	}

	return result, nil
}

func (d *Dispatcher) routeTask(ctx context.Context, jobID, exportID string, t job.Task) (Destination, error) {
	if d.pool.TryAccept() {
		future, err := d.pool.Submit(ctx, workerpool.TaskFunc(func(ctx context.Context) (any, error) {
			return d.pipe.Run(ctx, pipeline.Input{
				DownloadURL:       t.DownloadURL,
				OutputBucket:      d.outputBucket,
				OutputKey:         t.OutputKey,
				ExpectedFileSize:  t.ExpectedFileSize,
				ExpectedChecksum:  t.ExpectedChecksum,
				ChecksumAlgorithm: t.ChecksumAlgorithm,
			})
		}))
		if err == nil {
			if d.metrics != nil {
				d.metrics.RecordTaskDispatched(true)
			}
			future.OnComplete(func(result any, err error) {
				d.recordOutcome(context.Background(), t, result, err)
			})
			return DestinationPool, nil
		}
		// tryAccept raced with another submitter and lost; fall through
		// to overflow routing below, per section 4.3's "hint, not a
		// reservation" contract.
	}

	if d.metrics != nil {
		d.metrics.RecordTaskDispatched(false)
	}
	return DestinationOverflow, d.enqueueOverflow(ctx, jobID, exportID, t)
}

func (d *Dispatcher) recordOutcome(ctx context.Context, t job.Task, result any, err error) {
	outcome := completion.Outcome{JobID: t.JobID, TaskID: t.TaskID, OutputKey: t.OutputKey, Success: err == nil}
	if err != nil {
		outcome.ErrorMessage = err.Error()
	}
	if r, ok := result.(pipeline.Result); ok {
		outcome.Duration = time.Duration(r.DurationMs) * time.Millisecond
	}
	if recErr := d.aggregator.Record(ctx, outcome); recErr != nil {
		d.log.Error("failed to record task outcome", "jobId", t.JobID, "taskId", t.TaskID, "error", recErr)
	}
}

func (d *Dispatcher) enqueueOverflow(ctx context.Context, jobID, exportID string, t job.Task) error {
	msg := overflowMessage{
		TaskID:      t.TaskID,
		JobID:       jobID,
		ExportID:    exportID,
		DownloadURL: t.DownloadURL,
		FileName:    t.FileName,
		FileSize:    t.ExpectedFileSize,
		Checksum:    t.ExpectedChecksum,
		OutputKey:   t.OutputKey,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = d.queue.SendMessage(ctx, d.overflowQueueURL, string(body))
	return err
}
