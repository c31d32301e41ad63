// Package overflow implements the overflow consumer from section 4.7: it
// drains the overflow queue under back-pressure from the worker pool,
// submits validated tasks, and applies the ack/redeliver policy for
// retryable vs. permanent failures.
package overflow

import (
	"context"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"

	"github.com/sorensen/exportjob/completion"
	"github.com/sorensen/exportjob/joberrors"
	"github.com/sorensen/exportjob/pipeline"
	"github.com/sorensen/exportjob/queue"
	"github.com/sorensen/exportjob/workerpool"
)

// MaxRedeliveries is the ceiling from section 4.7: beyond this, a
// still-failing message is acknowledged anyway so poison messages do not
// loop forever.
const MaxRedeliveries = 3

// message mirrors the download-task schema from section 6, the same shape
// package dispatcher writes when it overflows a task.
type message struct {
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

func (m message) valid() bool {
	return m.TaskID != "" && m.JobID != "" && m.DownloadURL != "" && m.OutputKey != ""
}

// Consumer implements the overflow-queue draining loop.
type Consumer struct {
	queue      queue.Queue
	queueURL   string
	pool       *workerpool.Pool
	pipe       *pipeline.Pipeline
	aggregator *completion.Aggregator
	bucket     string
	backoff    time.Duration
	log        *slog.Logger

	stopCh  chan struct{}
	stopped bool
}

// New creates a Consumer. backoff defaults to 1s, the back-pressure retry
// interval from section 4.7.
func New(q queue.Queue, queueURL string, pool *workerpool.Pool, pipe *pipeline.Pipeline, aggregator *completion.Aggregator, bucket string, backoff time.Duration, log *slog.Logger) *Consumer {
	if backoff <= 0 {
		backoff = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{
		queue:      q,
		queueURL:   queueURL,
		pool:       pool,
		pipe:       pipe,
		aggregator: aggregator,
		bucket:     bucket,
		backoff:    backoff,
		log:        log,
		stopCh:     make(chan struct{}),
	}
}

// Run drains the overflow queue until ctx is cancelled or Stop is called.
func (c *Consumer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		if !c.pool.TryAccept() {
			c.sleep(ctx, c.backoff)
			continue
		}

		messages, err := c.queue.ReceiveMessages(ctx, c.queueURL, 1, 5)
		if err != nil {
			c.log.Error("receive from overflow queue failed", "error", err)
			c.sleep(ctx, c.backoff)
			continue
		}
		if len(messages) == 0 {
			continue
		}

		for _, m := range messages {
			c.handle(ctx, m)
		}
	}
}

// Stop halts Run's loop.
func (c *Consumer) Stop() {
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.stopCh)
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// handle implements section 4.7's per-message flow: validate, submit,
// record, and apply the ack/redeliver policy.
func (c *Consumer) handle(ctx context.Context, m queue.Message) {
	var payload message
	if err := json.Unmarshal([]byte(m.Body), &payload); err != nil || !payload.valid() {
		c.log.Error("dropping invalid overflow message", "messageId", m.MessageID, "error", err)
		c.ack(ctx, m)
		return
	}

	future, err := c.pool.Submit(ctx, workerpool.TaskFunc(func(ctx context.Context) (any, error) {
		return c.pipe.Run(ctx, pipeline.Input{
			DownloadURL:      payload.DownloadURL,
			OutputBucket:     c.bucket,
			OutputKey:        payload.OutputKey,
			ExpectedFileSize: payload.FileSize,
			ExpectedChecksum: payload.Checksum,
		})
	}))
	if err != nil {
		// The pool raced us between tryAccept and submit; treat exactly
		// like a retryable failure so the message is redelivered rather
		// than lost.
		c.applyOutcome(ctx, m, payload, false, nil, err, true)
		return
	}

	result, taskErr := future.Wait(ctx)
	c.applyOutcome(ctx, m, payload, taskErr == nil, result, taskErr, false)
}

func (c *Consumer) applyOutcome(ctx context.Context, m queue.Message, payload message, success bool, result any, taskErr error, submissionFailure bool) {
	errorMessage := ""
	if taskErr != nil {
		errorMessage = taskErr.Error()
	}

	if !submissionFailure {
		outcome := completion.Outcome{
			JobID:        payload.JobID,
			TaskID:       payload.TaskID,
			OutputKey:    payload.OutputKey,
			Success:      success,
			ErrorMessage: errorMessage,
		}
		if r, ok := result.(pipeline.Result); ok {
			outcome.Duration = time.Duration(r.DurationMs) * time.Millisecond
		}
		if recErr := c.aggregator.Record(ctx, outcome); recErr != nil {
			c.log.Error("failed to record overflow task outcome", "jobId", payload.JobID, "taskId", payload.TaskID, "error", recErr)
		}
	}

	if success {
		c.ack(ctx, m)
		return
	}

	retryable := submissionFailure || joberrors.IsRetryable(taskErr)
	exhausted := m.ApproximateReceiveCount >= MaxRedeliveries

	if !retryable || exhausted {
		// Permanent failure, or a poison message that has exhausted its
		// redeliveries: ack so it does not loop forever, per section 4.7.
		c.ack(ctx, m)
		return
	}

	// Retryable with redeliveries remaining: do not ack; the queue
	// redelivers after its visibility window expires on its own.
}

func (c *Consumer) ack(ctx context.Context, m queue.Message) {
	if err := c.queue.DeleteMessage(ctx, c.queueURL, m.ReceiptHandle); err != nil {
		c.log.Error("failed to delete acknowledged overflow message", "messageId", m.MessageID, "error", err)
	}
}
