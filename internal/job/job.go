package job

import (
	"sync"
)

// Status is a build status as understood by the scheduler.
// Values are wire codes and must not be renumbered.
type Status int

const (
	StatusCompleted   Status = 0
	StatusFailed      Status = 1
	StatusPending     Status = 2
	StatusStarted     Status = 3
	StatusCanceled    Status = 4
	StatusTestsFailed Status = 5
	StatusVMError     Status = 6
)

// String returns a human readable status name
func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusPending:
		return "pending"
	case StatusStarted:
		return "started"
	case StatusCanceled:
		return "canceled"
	case StatusTestsFailed:
		return "tests_failed"
	case StatusVMError:
		return "vm_error"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transition may leave s
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled, StatusTestsFailed, StatusVMError:
		return true
	}
	return false
}

// Reported is the status sent outward. VM errors are reported as plain failures.
func (s Status) Reported() Status {
	if s == StatusVMError {
		return StatusFailed
	}
	return s
}

// Job is the unit of work hosted by this worker process
type Job struct {
	ID           string
	WorkerID     string
	Extra        map[string]interface{}
	SkipFeedback bool
	Options      *Options

	mu     sync.Mutex
	status Status
}

// New creates a job in the Started state
func New(opts *Options, workerID string) *Job {
	extra := opts.Extra
	if extra == nil {
		extra = map[string]interface{}{}
	}
	return &Job{
		ID:           opts.ID,
		WorkerID:     workerID,
		Extra:        extra,
		SkipFeedback: opts.SkipFeedback,
		Options:      opts,
		status:       StatusStarted,
	}
}

// Status returns the internal status, VMError included
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// ReportedStatus returns the status as the scheduler should see it
func (j *Job) ReportedStatus() Status {
	return j.Status().Reported()
}

// Terminate moves the job into a terminal status. Only the first caller wins;
// later callers get false and the status is left untouched.
func (j *Job) Terminate(s Status) bool {
	if !s.IsTerminal() {
		return false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.IsTerminal() {
		return false
	}
	j.status = s
	return true
}

// UploadResult describes one artifact accepted by the file store
type UploadResult struct {
	SHA1     string  `json:"sha1"`
	FileName string  `json:"file_name"`
	SizeMB   float64 `json:"size"`
}
