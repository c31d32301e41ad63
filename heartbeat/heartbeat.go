// Package heartbeat implements the heartbeat loop from section 4.9: a
// periodic sweep of in-flight downloads that keeps the workflow engine from
// timing out a task that is still legitimately running.
package heartbeat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sorensen/exportjob/job"
	"github.com/sorensen/exportjob/repository"
	"github.com/sorensen/exportjob/workflow"
)

// DefaultIntervalMs is heartbeatIntervalMs's default, per section 4.9.
const DefaultIntervalMs = 30_000

// Loop sends one heartbeat per DOWNLOADING job carrying a callbackToken on
// every tick.
type Loop struct {
	repo     repository.Repository
	workflow workflow.Client
	interval time.Duration
	log      *slog.Logger

	stopCh  chan struct{}
	stopped bool
}

// New creates a Loop. interval defaults to DefaultIntervalMs when <= 0.
func New(repo repository.Repository, workflowClient workflow.Client, interval time.Duration, log *slog.Logger) *Loop {
	if interval <= 0 {
		interval = DefaultIntervalMs * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	return &Loop{repo: repo, workflow: workflowClient, interval: interval, log: log, stopCh: make(chan struct{})}
}

// Run ticks every interval until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.tick(ctx)
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts Run's loop.
func (l *Loop) Stop() {
	if l.stopped {
		return
	}
	l.stopped = true
	close(l.stopCh)
}

func (l *Loop) tick(ctx context.Context) {
	jobs, err := l.repo.FindByStatus(ctx, job.StatusDownloading, 0)
	if err != nil {
		l.log.Error("failed to list downloading jobs for heartbeat", "error", err)
		return
	}
	for _, j := range jobs {
		if j.CallbackToken == "" {
			continue
		}
		l.sendOne(ctx, j)
	}
}

func (l *Loop) sendOne(ctx context.Context, j job.Job) {
	err := l.workflow.SendTaskHeartbeat(ctx, j.CallbackToken)
	if err == nil {
		return
	}

	var stale *workflow.StaleTokenError
	if errors.As(err, &stale) {
		// The job-completion path will detect its own terminal state;
		// a stale token here is not this loop's concern to fix, per
		// section 4.9.
		l.log.Warn("heartbeat token no longer recognised by workflow engine", "jobId", j.JobID, "error", err)
		return
	}

	// Heartbeat failures are logged and never rethrown, per section 4.9.
	l.log.Error("heartbeat failed", "jobId", j.JobID, "error", err)
}
