// Package polling implements the polling service from section 4.6: a
// scheduling loop that re-checks an enrolled job's export status on a fixed
// cadence, bounded by a per-job attempt ceiling.
package polling

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sorensen/exportjob/dispatcher"
	"github.com/sorensen/exportjob/events"
	"github.com/sorensen/exportjob/job"
	"github.com/sorensen/exportjob/metrics"
	"github.com/sorensen/exportjob/provider"
	"github.com/sorensen/exportjob/repository"
)

// enrolledJob is the per-job bookkeeping from section 4.6's state shape.
type enrolledJob struct {
	exportID     string
	userID       string
	startedAt    time.Time
	attempts     int
	lastPolledAt time.Time
}

// Service implements the polling scheduling loop and its enrolment
// operations.
type Service struct {
	repo        repository.Repository
	provider    provider.Provider
	dispatcher  *dispatcher.Dispatcher
	interval    time.Duration
	maxAttempts int
	clock       func() time.Time
	log         *slog.Logger
	sink        events.Sink
	metrics     *metrics.Metrics

	mu      sync.Mutex
	jobs    map[string]*enrolledJob
	stopCh  chan struct{}
	stopped bool
}

// New creates a Service. interval defaults to 5s and maxAttempts to
// job.DefaultMaxPollingAttempts when <= 0, matching section 3's per-job
// defaults.
func New(repo repository.Repository, prov provider.Provider, disp *dispatcher.Dispatcher, interval time.Duration, maxAttempts int, clock func() time.Time, log *slog.Logger) *Service {
	if interval <= 0 {
		interval = time.Duration(job.DefaultPollingIntervalMs) * time.Millisecond
	}
	if maxAttempts <= 0 {
		maxAttempts = job.DefaultMaxPollingAttempts
	}
	if clock == nil {
		clock = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		repo:        repo,
		provider:    prov,
		dispatcher:  disp,
		interval:    interval,
		maxAttempts: maxAttempts,
		clock:       clock,
		log:         log,
		sink:        events.NoopSink{},
		jobs:        make(map[string]*enrolledJob),
		stopCh:      make(chan struct{}),
	}
}

// SetSink attaches an event sink; the default is a no-op sink.
func (s *Service) SetSink(sink events.Sink) {
	if sink != nil {
		s.sink = sink
	}
}

// SetMetrics attaches a Metrics collector. Safe to call once at process
// wiring time; nil (the default) disables metrics recording.
func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Enroll registers jobID for polling. A second enrolment of the same jobID
// is a no-op with a warning, per section 4.6.
func (s *Service) Enroll(jobID, exportID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[jobID]; exists {
		s.log.Warn("job already enrolled for polling", "jobId", jobID)
		return
	}
	s.jobs[jobID] = &enrolledJob{exportID: exportID, userID: userID, startedAt: s.clock()}
}

// Drop removes jobID from the active polling set.
func (s *Service) Drop(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
}

// ActiveCount reports how many jobs are currently enrolled.
func (s *Service) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// ActiveJobs returns the jobIDs currently enrolled.
func (s *Service) ActiveJobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	return ids
}

// Run ticks every interval, polling all enrolled jobs in parallel on each
// tick, until ctx is cancelled or Stop is called.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts Run's loop. It does not drop already-enrolled jobs.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.stopCh)
}

func (s *Service) tick(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(jobID string) {
			defer wg.Done()
			s.pollOne(ctx, jobID)
		}(id)
	}
	wg.Wait()
}

// pollOne implements section 4.6's per-job tick.
func (s *Service) pollOne(ctx context.Context, jobID string) {
	s.mu.Lock()
	enrolled, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return
	}
	enrolled.attempts++
	enrolled.lastPolledAt = s.clock()
	attempts := enrolled.attempts
	exportID := enrolled.exportID
	s.mu.Unlock()

	if attempts > s.maxAttempts {
		s.Drop(jobID)
		msg := "Polling timeout: exceeded maxPollingAttempts"
		if _, err := s.repo.UpdateJobStatus(ctx, jobID, job.StatusFailed, &repository.Patch{ErrorMessage: &msg}); err != nil {
			s.log.Error("failed to mark job failed after polling timeout", "jobId", jobID, "error", err)
			return
		}
		if s.metrics != nil {
			s.metrics.RecordJobFailed()
		}
		s.sink.Publish(ctx, events.Event{Name: events.JobFailed, JobID: jobID, At: s.clock(), Data: map[string]any{"errorMessage": msg}})
		return
	}

	status, err := s.provider.GetExportStatus(ctx, exportID)
	if err != nil {
		// Transient provider errors neither drop the job nor reset
		// attempts beyond the normal increment already applied above,
		// per section 4.6 step 3.
		s.log.Warn("transient error polling export status", "jobId", jobID, "exportId", exportID, "error", err)
		return
	}

	switch status.Status {
	case job.ProviderReady:
		s.Drop(jobID)
		if _, err := s.repo.UpdateJobStatus(ctx, jobID, job.StatusDownloading, nil); err != nil {
			s.log.Error("failed to transition polled job to DOWNLOADING", "jobId", jobID, "error", err)
			return
		}
		if _, err := s.dispatcher.Dispatch(ctx, jobID, exportID, status.DownloadURLs); err != nil {
			s.log.Error("dispatch after polling failed", "jobId", jobID, "error", err)
		}

	case job.ProviderFailed, job.ProviderExpired:
		s.Drop(jobID)
		msg := status.ErrorMessage
		if msg == "" {
			msg = "export provider reported status " + string(status.Status)
		}
		if _, err := s.repo.UpdateJobStatus(ctx, jobID, job.StatusFailed, &repository.Patch{ErrorMessage: &msg}); err != nil {
			s.log.Error("failed to mark job failed after provider terminal status", "jobId", jobID, "error", err)
			return
		}
		if s.metrics != nil {
			s.metrics.RecordJobFailed()
		}
		s.sink.Publish(ctx, events.Event{Name: events.JobFailed, JobID: jobID, At: s.clock(), Data: map[string]any{"errorMessage": msg}})

	default:
		// PENDING/PROCESSING/unknown: remain enrolled.
	}
}
