// Package intake implements the intake handler from section 4.5: turning a
// validated job message into a persisted job and routing it to downloading,
// polling, or immediate failure based on the provider's current status.
package intake

import (
	"context"
	"time"

	"github.com/sorensen/exportjob/dispatcher"
	"github.com/sorensen/exportjob/events"
	"github.com/sorensen/exportjob/job"
	"github.com/sorensen/exportjob/metrics"
	"github.com/sorensen/exportjob/provider"
	"github.com/sorensen/exportjob/repository"
)

// Message is the validated job message from section 6.
type Message struct {
	JobID         string
	ExportID      string
	UserID        string
	Metadata      map[string]any
	CallbackToken string
}

// Poller is the subset of the polling service (C6) intake needs: enrolment.
// Kept as a narrow interface so intake does not import package polling
// directly and the two can be wired together at the composition root.
type Poller interface {
	Enroll(jobID, exportID, userID string)
}

// Decision is intake's return shape from section 4.5.
type Decision struct {
	NeedsPolling        bool
	CanStartDownloading bool
}

// Handler implements the intake operation.
type Handler struct {
	repo       repository.Repository
	provider   provider.Provider
	dispatcher *dispatcher.Dispatcher
	poller     Poller
	sink       events.Sink
	clock      func() time.Time
	metrics    *metrics.Metrics
}

// SetMetrics attaches a Metrics collector. Safe to call once at process
// wiring time; nil (the default) disables metrics recording.
func (h *Handler) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
}

// New creates a Handler. clock defaults to time.Now when nil.
func New(repo repository.Repository, prov provider.Provider, disp *dispatcher.Dispatcher, poller Poller, sink events.Sink, clock func() time.Time) *Handler {
	if clock == nil {
		clock = time.Now
	}
	return &Handler{repo: repo, provider: prov, dispatcher: disp, poller: poller, sink: sink, clock: clock}
}

// Handle implements section 4.5 steps 1-5.
func (h *Handler) Handle(ctx context.Context, msg Message) (Decision, error) {
	j, err := job.Create(msg.JobID, msg.ExportID, msg.UserID, msg.CallbackToken, msg.Metadata, h.clock())
	if err != nil {
		return Decision{}, err
	}
	if err := h.repo.Save(ctx, j); err != nil {
		return Decision{}, err
	}
	if h.metrics != nil {
		h.metrics.RecordJobIntaken()
	}
	h.sink.Publish(ctx, events.Event{Name: events.JobCreated, JobID: j.JobID, At: h.clock()})

	status, err := h.provider.GetExportStatus(ctx, msg.ExportID)
	if err != nil {
		// Best-effort: the job is already persisted as PENDING; try to
		// fail it out so it does not linger invisibly, but re-surface the
		// original error regardless so the queue's own retry policy
		// applies, per section 4.5 step 5.
		if _, failErr := h.repo.UpdateJobStatus(ctx, j.JobID, job.StatusFailed, &repository.Patch{ErrorMessage: strPtr(err.Error())}); failErr == nil {
			if h.metrics != nil {
				h.metrics.RecordJobFailed()
			}
			h.sink.Publish(ctx, events.Event{Name: events.JobFailed, JobID: j.JobID, At: h.clock(), Data: map[string]any{"errorMessage": err.Error()}})
		}
		return Decision{}, err
	}

	switch status.Status {
	case job.ProviderReady:
		if _, err := h.repo.UpdateJobStatus(ctx, j.JobID, job.StatusDownloading, nil); err != nil {
			return Decision{}, err
		}
		if _, err := h.dispatcher.Dispatch(ctx, j.JobID, msg.ExportID, status.DownloadURLs); err != nil {
			return Decision{}, err
		}
		return Decision{NeedsPolling: false, CanStartDownloading: true}, nil

	case job.ProviderFailed, job.ProviderExpired:
		msgText := status.ErrorMessage
		if msgText == "" {
			msgText = "export provider reported status " + string(status.Status)
		}
		if _, err := h.repo.UpdateJobStatus(ctx, j.JobID, job.StatusFailed, &repository.Patch{ErrorMessage: &msgText}); err != nil {
			return Decision{}, err
		}
		if h.metrics != nil {
			h.metrics.RecordJobFailed()
		}
		h.sink.Publish(ctx, events.Event{Name: events.JobFailed, JobID: j.JobID, At: h.clock(), Data: map[string]any{"errorMessage": msgText}})
		return Decision{}, nil

	case job.ProviderPending, job.ProviderProcessing:
		return h.enrollForPolling(ctx, j)

	default:
		// Any unknown status: treat as PENDING, register with C6, per
		// section 4.5 step 4's final bullet.
		return h.enrollForPolling(ctx, j)
	}
}

func (h *Handler) enrollForPolling(ctx context.Context, j job.Job) (Decision, error) {
	if _, err := h.repo.UpdateJobStatus(ctx, j.JobID, job.StatusPolling, nil); err != nil {
		return Decision{}, err
	}
	h.poller.Enroll(j.JobID, j.ExportID, j.UserID)
	return Decision{NeedsPolling: true, CanStartDownloading: false}, nil
}

func strPtr(s string) *string { return &s }
