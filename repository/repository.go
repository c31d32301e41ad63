// Package repository defines the job repository contract from section 6 of
// the design specification and an in-memory implementation suitable for
// single-process deployments and tests. See package dynamodb for the
// persistent, strongly-consistent binding described in SPEC_FULL.md §4.10.
package repository

import (
	"context"
	"sync"
	"time"

	"github.com/sorensen/exportjob/job"
	"github.com/sorensen/exportjob/joberrors"
)

// Patch carries the optional fields updateJobStatus may set alongside a
// status move, per section 6.
type Patch struct {
	ErrorMessage *string
}

// Repository is the job-persistence contract from section 6. Every mutator
// returns the post-update view so callers never operate on stale snapshots,
// per section 3's lifecycle rule. Implementations must make the two
// increment operations linearisable (section 3, invariant enforcement;
// section 5, "Counter updates in the repository are linearisable").
type Repository interface {
	Save(ctx context.Context, j job.Job) error
	FindByID(ctx context.Context, jobID string) (job.Job, error)
	UpdateJobStatus(ctx context.Context, jobID string, status job.Status, patch *Patch) (job.Job, error)
	IncrementCompletedTasks(ctx context.Context, jobID string) (job.Job, error)
	IncrementFailedTasks(ctx context.Context, jobID string, errorMessage string) (job.Job, error)
	SetTotalTasks(ctx context.Context, jobID string, n int) (job.Job, error)
	FindByStatus(ctx context.Context, status job.Status, limit int) ([]job.Job, error)
	Delete(ctx context.Context, jobID string) error
	// AddTasks records the dispatcher's fan-out once per job, per section 3
	// ("Tasks are created exactly once per job... they are never re-split").
	AddTasks(ctx context.Context, jobID string, tasks []job.Task) (job.Job, error)
}

// Clock abstracts time.Now so repository implementations are deterministic
// in tests; production callers pass time.Now.
type Clock func() time.Time

// MemoryRepository is a mutex-guarded in-memory Repository, generalising
// checkpoint.MemoryStore's single-value lock pattern to a keyed map with
// the atomic mutators section 3 requires. Each job's record is guarded by
// the shared mutex so increments are linearisable per job and across jobs.
type MemoryRepository struct {
	mu    sync.Mutex
	jobs  map[string]job.Job
	clock Clock
}

// NewMemoryRepository creates an empty MemoryRepository. clock defaults to
// time.Now when nil.
func NewMemoryRepository(clock Clock) *MemoryRepository {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryRepository{jobs: make(map[string]job.Job), clock: clock}
}

func (r *MemoryRepository) Save(ctx context.Context, j job.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[j.JobID]; exists {
		return joberrors.New(joberrors.KindValidation, "job already exists: "+j.JobID)
	}
	r.jobs[j.JobID] = j
	return nil
}

func (r *MemoryRepository) FindByID(ctx context.Context, jobID string) (job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return job.Job{}, joberrors.New(joberrors.KindNotFound, "job not found: "+jobID)
	}
	return j, nil
}

func (r *MemoryRepository) UpdateJobStatus(ctx context.Context, jobID string, status job.Status, patch *Patch) (job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return job.Job{}, joberrors.New(joberrors.KindNotFound, "job not found: "+jobID)
	}

	now := r.clock()
	var updated job.Job
	var err error
	if status == job.StatusFailed {
		msg := ""
		if patch != nil && patch.ErrorMessage != nil {
			msg = *patch.ErrorMessage
		}
		updated, err = j.TransitionToFailed(msg, now)
	} else if status == job.StatusCompleted {
		updated, err = j.TransitionToCompleted(now)
	} else {
		updated, err = j.TransitionTo(status, now)
	}
	if err != nil {
		return job.Job{}, err
	}
	r.jobs[jobID] = updated
	return updated, nil
}

func (r *MemoryRepository) IncrementCompletedTasks(ctx context.Context, jobID string) (job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return job.Job{}, joberrors.New(joberrors.KindNotFound, "job not found: "+jobID)
	}
	updated, err := j.IncrementCompleted(r.clock())
	if err != nil {
		return job.Job{}, err
	}
	r.jobs[jobID] = updated
	return updated, nil
}

func (r *MemoryRepository) IncrementFailedTasks(ctx context.Context, jobID string, errorMessage string) (job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return job.Job{}, joberrors.New(joberrors.KindNotFound, "job not found: "+jobID)
	}
	updated, err := j.IncrementFailed(errorMessage, r.clock())
	if err != nil {
		return job.Job{}, err
	}
	r.jobs[jobID] = updated
	return updated, nil
}

func (r *MemoryRepository) SetTotalTasks(ctx context.Context, jobID string, n int) (job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return job.Job{}, joberrors.New(joberrors.KindNotFound, "job not found: "+jobID)
	}
	updated, err := j.SetTotalTasks(n, r.clock())
	if err != nil {
		return job.Job{}, err
	}
	r.jobs[jobID] = updated
	return updated, nil
}

func (r *MemoryRepository) FindByStatus(ctx context.Context, status job.Status, limit int) ([]job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []job.Job
	for _, j := range r.jobs {
		if j.Status == status {
			out = append(out, j)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (r *MemoryRepository) Delete(ctx context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, jobID)
	return nil
}

func (r *MemoryRepository) AddTasks(ctx context.Context, jobID string, tasks []job.Task) (job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return job.Job{}, joberrors.New(joberrors.KindNotFound, "job not found: "+jobID)
	}
	if len(j.Tasks) > 0 {
		return job.Job{}, joberrors.New(joberrors.KindValidation, "tasks already assigned for job: "+jobID)
	}
	for _, t := range tasks {
		if !j.OwnsTask(t) {
			return job.Job{}, joberrors.New(joberrors.KindValidation, "task belongs to a different job: "+t.TaskID)
		}
	}
	j.Tasks = append([]job.Task(nil), tasks...)
	j.UpdatedAt = r.clock()
	r.jobs[jobID] = j
	return j, nil
}
