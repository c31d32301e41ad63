// Package job implements the job entity and value objects as specified in
// section 4.1 of the design specification: a pure data type with one
// constructor validating required fields, and mutators that return a new
// value rather than mutating in place. The repository (package repository)
// is the single source of truth; Job values returned by its operations are
// the only ones callers should act on.
package job

import (
	"time"

	"github.com/sorensen/exportjob/joberrors"
)

// Status is the job lifecycle state as defined in section 3 of the spec.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusProcessing  Status = "PROCESSING"
	StatusPolling     Status = "POLLING"
	StatusDownloading Status = "DOWNLOADING"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
)

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// allowedTransitions enumerates every non-terminal status move permitted by
// section 3. FAILED is reachable from any non-terminal status and is
// checked separately in CanTransitionTo.
var allowedTransitions = map[Status][]Status{
	StatusPending:     {StatusProcessing, StatusPolling, StatusDownloading},
	StatusProcessing:  {StatusPolling, StatusDownloading},
	StatusPolling:     {StatusDownloading},
	StatusDownloading: {StatusCompleted},
}

// CanTransitionTo reports whether moving from s to next is a legal
// transition per section 3's state diagram.
func (s Status) CanTransitionTo(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// ProviderStatus is the status vocabulary reported by the export provider,
// per section 3. It is never stored verbatim as a Job's Status.
type ProviderStatus string

const (
	ProviderPending    ProviderStatus = "PENDING"
	ProviderProcessing ProviderStatus = "PROCESSING"
	ProviderReady      ProviderStatus = "READY"
	ProviderFailed     ProviderStatus = "FAILED"
	ProviderExpired    ProviderStatus = "EXPIRED"
)

// Terminal reports whether the provider considers the export done, one way
// or another.
func (p ProviderStatus) Terminal() bool {
	return p == ProviderReady || p == ProviderFailed || p == ProviderExpired
}

// ChecksumAlgorithm names a supported hash algorithm for task verification.
type ChecksumAlgorithm string

const (
	ChecksumSHA256 ChecksumAlgorithm = "sha-256"
	ChecksumMD5    ChecksumAlgorithm = "md5"
)

// Task is one artifact download+upload within a job, per section 3.
type Task struct {
	TaskID            string
	JobID             string
	DownloadURL       string
	FileName          string
	ExpectedFileSize  *int64
	ExpectedChecksum  string
	ChecksumAlgorithm ChecksumAlgorithm
	OutputKey         string
}

// OutputKey derives the stable object-store key for the index-th task of
// jobID, per section 3: "{jobId}/{index}_{fileName}".
func OutputKey(jobID string, index int, fileName string) string {
	return jobID + "/" + itoa(index) + "_" + fileName
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Defaults for the per-job polling contract, per section 3.
const (
	DefaultMaxPollingAttempts = 120
	DefaultPollingIntervalMs  = 5000
)

// Job is the export-job entity described in section 3. All fields are
// exported for convenient (de)serialisation by repository implementations;
// mutation happens exclusively through the functions in this package, which
// return a new value, and through repository.Repository's atomic mutators.
type Job struct {
	JobID              string
	ExportID           string
	UserID             string
	Status             Status
	TotalTasks         int
	CompletedTasks     int
	FailedTasks        int
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CompletedAt        *time.Time
	ErrorMessage       string
	CallbackToken      string
	Metadata           map[string]any
	MaxPollingAttempts int
	PollingIntervalMs  int
	Tasks              []Task
}

// PendingTasks returns totalTasks - completed - failed, per section 4.1.
func (j Job) PendingTasks() int {
	return j.TotalTasks - j.CompletedTasks - j.FailedTasks
}

// ProgressPercentage returns 100*(completed+failed)/max(totalTasks,1), per
// section 4.1. It is always recomputed on read, never stored.
func (j Job) ProgressPercentage() float64 {
	denom := j.TotalTasks
	if denom == 0 {
		denom = 1
	}
	return 100 * float64(j.CompletedTasks+j.FailedTasks) / float64(denom)
}

// Create constructs a new Job in status PENDING, validating the invariants
// required by section 4.1: jobId, exportId, userId non-empty, and numeric
// defaults positive. now is injected so callers (and tests) control the
// clock explicitly.
func Create(jobID, exportID, userID string, callbackToken string, metadata map[string]any, now time.Time) (Job, error) {
	if jobID == "" {
		return Job{}, joberrors.New(joberrors.KindValidation, "jobId must not be empty")
	}
	if exportID == "" {
		return Job{}, joberrors.New(joberrors.KindValidation, "exportId must not be empty")
	}
	if userID == "" {
		return Job{}, joberrors.New(joberrors.KindValidation, "userId must not be empty")
	}

	return Job{
		JobID:              jobID,
		ExportID:           exportID,
		UserID:             userID,
		Status:             StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
		CallbackToken:      callbackToken,
		Metadata:           metadata,
		MaxPollingAttempts: DefaultMaxPollingAttempts,
		PollingIntervalMs:  DefaultPollingIntervalMs,
	}, nil
}

// TransitionTo returns a copy of j moved to next, failing with
// TerminalStateViolation if j is already terminal and InvalidTransition if
// the move is not permitted by the state diagram.
func (j Job) TransitionTo(next Status, now time.Time) (Job, error) {
	if j.Status.Terminal() {
		return j, joberrors.New(joberrors.KindTerminalStateViolation,
			"cannot transition job "+j.JobID+" out of terminal status "+string(j.Status))
	}
	if !j.Status.CanTransitionTo(next) {
		return j, joberrors.New(joberrors.KindInvalidTransition,
			"cannot move job "+j.JobID+" from "+string(j.Status)+" to "+string(next))
	}

	out := j
	out.Status = next
	out.UpdatedAt = now
	if next == StatusCompleted {
		t := now
		out.CompletedAt = &t
	}
	return out, nil
}

// TransitionToCompleted is the guarded form of TransitionTo(StatusCompleted,
// ...) required by section 4.1: it additionally fails with
// InvalidTransition when completed+failed < totalTasks.
func (j Job) TransitionToCompleted(now time.Time) (Job, error) {
	if j.CompletedTasks+j.FailedTasks < j.TotalTasks {
		return j, joberrors.New(joberrors.KindInvalidTransition,
			"job "+j.JobID+" has outstanding tasks: completed+failed < total")
	}
	return j.TransitionTo(StatusCompleted, now)
}

// TransitionToFailed returns a copy of j moved to FAILED with errorMessage
// set, per invariant 4 in section 3.
func (j Job) TransitionToFailed(errorMessage string, now time.Time) (Job, error) {
	out, err := j.TransitionTo(StatusFailed, now)
	if err != nil {
		return j, err
	}
	out.ErrorMessage = errorMessage
	return out, nil
}

// IncrementCompleted returns a copy of j with CompletedTasks incremented by
// one, enforcing invariant 1 (completed+failed<=total) and invariant 5
// (no mutation once terminal).
func (j Job) IncrementCompleted(now time.Time) (Job, error) {
	if j.Status.Terminal() {
		return j, joberrors.New(joberrors.KindTerminalStateViolation,
			"cannot mutate counters on terminal job "+j.JobID)
	}
	if j.CompletedTasks+j.FailedTasks+1 > j.TotalTasks {
		return j, joberrors.New(joberrors.KindInvalidTransition,
			"incrementing completed would exceed totalTasks for job "+j.JobID)
	}
	out := j
	out.CompletedTasks++
	out.UpdatedAt = now
	return out, nil
}

// IncrementFailed returns a copy of j with FailedTasks incremented by one
// and errorMessage recorded, subject to the same invariants as
// IncrementCompleted.
func (j Job) IncrementFailed(errorMessage string, now time.Time) (Job, error) {
	if j.Status.Terminal() {
		return j, joberrors.New(joberrors.KindTerminalStateViolation,
			"cannot mutate counters on terminal job "+j.JobID)
	}
	if j.CompletedTasks+j.FailedTasks+1 > j.TotalTasks {
		return j, joberrors.New(joberrors.KindInvalidTransition,
			"incrementing failed would exceed totalTasks for job "+j.JobID)
	}
	out := j
	out.FailedTasks++
	if errorMessage != "" {
		out.ErrorMessage = errorMessage
	}
	out.UpdatedAt = now
	return out, nil
}

// SetTotalTasks returns a copy of j with TotalTasks set to n, as required
// by the dispatcher (section 4.4) before fan-out begins. Tasks are created
// exactly once per job, but neither this method nor the repositories reject
// a second call with a different n; what the repositories refuse is a
// second AddTasks for the same job.
func (j Job) SetTotalTasks(n int, now time.Time) (Job, error) {
	if j.Status.Terminal() {
		return j, joberrors.New(joberrors.KindTerminalStateViolation,
			"cannot set totalTasks on terminal job "+j.JobID)
	}
	if n < 0 {
		return j, joberrors.New(joberrors.KindValidation, "totalTasks must be >= 0")
	}
	out := j
	out.TotalTasks = n
	out.UpdatedAt = now
	return out, nil
}

// ValidateInvariants checks invariants 1-4 from section 3 against the
// current value of j. It is intended for use in tests and as a defensive
// assertion at repository boundaries, not on every read.
func (j Job) ValidateInvariants() error {
	if j.CompletedTasks < 0 || j.FailedTasks < 0 || j.TotalTasks < 0 {
		return joberrors.New(joberrors.KindValidation, "task counters must be >= 0")
	}
	if j.CompletedTasks+j.FailedTasks > j.TotalTasks {
		return joberrors.New(joberrors.KindValidation, "completed+failed must be <= total")
	}
	if j.Status == StatusCompleted {
		if j.CompletedTasks+j.FailedTasks != j.TotalTasks {
			return joberrors.New(joberrors.KindValidation,
				"COMPLETED requires completed+failed==total")
		}
	}
	if j.Status == StatusFailed && j.ErrorMessage == "" {
		return joberrors.New(joberrors.KindValidation, "FAILED requires an errorMessage")
	}
	return nil
}

// OwnsTask reports whether t belongs to j, per invariant 6 in section 3.
func (j Job) OwnsTask(t Task) bool {
	return t.JobID == j.JobID
}
