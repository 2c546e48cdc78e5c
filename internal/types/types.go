// Package types defines the entities of the backfill coordination runtime:
// Job, Batch, Task, Lease, TokenBucket, and OutputArtifact, plus their
// status enums and invariant-relevant helpers. Flat, ID-keyed structs with
// no back-references between entities, per the teacher's types.Task /
// types.Job layout in task_scheduler/go/types generalized to this domain
// (see SPEC_FULL.md's REDESIGN FLAGS on flat tables vs. pointer-rich graphs).
package types

import "time"

// JobStatus is the lifecycle state of a Job (spec.md §3 Lifecycles).
type JobStatus string

const (
	JobPending     JobStatus = "PENDING"
	JobRunning     JobStatus = "RUNNING"
	JobAggregating JobStatus = "AGGREGATING"
	JobCompleted   JobStatus = "COMPLETED"
	JobFailed      JobStatus = "FAILED"
	JobCancelled   JobStatus = "CANCELLED"
)

// Terminal reports whether a JobStatus will never transition further.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// TaskStatus is the lifecycle state of a Task (spec.md §3 Lifecycles).
type TaskStatus string

const (
	TaskPending         TaskStatus = "PENDING"
	TaskLeased          TaskStatus = "LEASED"
	TaskRunning         TaskStatus = "RUNNING"
	TaskSuccess         TaskStatus = "SUCCESS"
	TaskFailedRetryable TaskStatus = "FAILED_RETRYABLE"
	TaskFailedTerminal  TaskStatus = "FAILED_TERMINAL"
	TaskCancelled       TaskStatus = "CANCELLED"
)

// Terminal reports whether a TaskStatus is one of the states invariant 1
// (spec.md §3) forbids from ever changing again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSuccess, TaskFailedTerminal, TaskCancelled:
		return true
	default:
		return false
	}
}

// NonTerminal is the complement of Terminal, used by invariant 2's "at most
// one non-terminal attempt per batch" check.
func (s TaskStatus) NonTerminal() bool {
	return !s.Terminal()
}

// TaskRole distinguishes the three kinds of Task (spec.md §3 Entities).
type TaskRole string

const (
	RoleWorker      TaskRole = "worker"
	RoleAggregator  TaskRole = "aggregator"
	RoleCoordinator TaskRole = "coordinator"
)

// Job is a single submission (spec.md §3 Entities: Job).
type Job struct {
	JobID       string    `json:"job_id" firestore:"job_id"`
	HandlerRef  string    `json:"handler_ref" firestore:"handler_ref"`
	Config      []byte    `json:"config" firestore:"config"`
	SubmittedAt time.Time `json:"submitted_at" firestore:"submitted_at"`
	SubmittedBy string    `json:"submitted_by" firestore:"submitted_by"`

	Status      JobStatus  `json:"status" firestore:"status"`
	CompletedAt *time.Time `json:"completed_at,omitempty" firestore:"completed_at,omitempty"`

	// Aggregate task counters, derived from task state (invariant 5), never
	// the source of truth.
	PendingCount   int `json:"pending_count" firestore:"pending_count"`
	RunningCount   int `json:"running_count" firestore:"running_count"`
	SucceededCount int `json:"succeeded_count" firestore:"succeeded_count"`
	FailedCount    int `json:"failed_count" firestore:"failed_count"`

	OrphansReclaimed int `json:"orphans_reclaimed" firestore:"orphans_reclaimed"`
	RetryPhase       int `json:"retry_phase" firestore:"retry_phase"`

	// LockOwner/LockExpiresAt implement the job-scoped Coordinator lock
	// (spec.md §4.E Coordinator failure recovery).
	LockOwner     string    `json:"lock_owner,omitempty" firestore:"lock_owner,omitempty"`
	LockExpiresAt time.Time `json:"lock_expires_at,omitempty" firestore:"lock_expires_at,omitempty"`

	// DbModified is the optimistic-concurrency version stamp, following the
	// teacher's types.Job.DbModified / firestore transaction pattern in
	// task_scheduler/go/db/firestore/jobs.go.
	DbModified time.Time `json:"db_modified" firestore:"db_modified"`
}

// Copy returns a deep-enough copy of j for safe concurrent reads, mirroring
// taskCache's Copy()-on-read discipline (task_scheduler/go/db/cache.go).
func (j *Job) Copy() *Job {
	cp := *j
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Done reports whether j has reached a terminal status.
func (j *Job) Done() bool {
	return j.Status.Terminal()
}

// Batch is a logical slice of input data, read-only after creation
// (spec.md §3 Entities: Batch).
type Batch struct {
	BatchID     string     `json:"batch_id" firestore:"batch_id"`
	JobID       string     `json:"job_id" firestore:"job_id"`
	InputRef    string     `json:"input_ref" firestore:"input_ref"`
	RecordCount int        `json:"record_count" firestore:"record_count"`
	Status      TaskStatus `json:"status" firestore:"status"`
	CreatedAt   time.Time  `json:"created_at" firestore:"created_at"`
}

func (b *Batch) Copy() *Batch {
	cp := *b
	return &cp
}

// TaskError is the structured failure recorded on a Task (spec.md §3
// Entities: Task.error).
type TaskError struct {
	Kind         string `json:"kind" firestore:"kind"`
	Message      string `json:"message" firestore:"message"`
	RetriesSoFar int    `json:"retries_so_far" firestore:"retries_so_far"`
}

// TaskKey identifies the (job_id, batch_id) lineage a Task attempt belongs
// to; invariant 2 is expressed in terms of this key.
type TaskKey struct {
	JobID   string `json:"job_id" firestore:"job_id"`
	BatchID string `json:"batch_id" firestore:"batch_id"`
}

// Task is the executable unit (spec.md §3 Entities: Task). Identity is
// (JobID, BatchID, Attempt).
type Task struct {
	TaskID string `json:"task_id" firestore:"task_id"`
	TaskKey
	Role    TaskRole `json:"role" firestore:"role"`
	Phase   string   `json:"phase" firestore:"phase"`
	Attempt int      `json:"attempt" firestore:"attempt"`

	Priority int `json:"priority" firestore:"priority"`

	Status         TaskStatus `json:"status" firestore:"status"`
	LeaseOwner     string     `json:"lease_owner,omitempty" firestore:"lease_owner,omitempty"`
	LeaseExpiresAt time.Time  `json:"lease_expires_at,omitempty" firestore:"lease_expires_at,omitempty"`

	OutputRef string     `json:"output_ref,omitempty" firestore:"output_ref,omitempty"`
	Error     *TaskError `json:"error,omitempty" firestore:"error,omitempty"`

	CreatedAt time.Time `json:"created_at" firestore:"created_at"`

	// DbModified is the optimistic-concurrency version stamp.
	DbModified time.Time `json:"db_modified" firestore:"db_modified"`
}

func (t *Task) Copy() *Task {
	cp := *t
	if t.Error != nil {
		e := *t.Error
		cp.Error = &e
	}
	return &cp
}

// Done reports whether t has reached a terminal status (invariant 1).
func (t *Task) Done() bool {
	return t.Status.Terminal()
}

// Success reports whether t completed successfully.
func (t *Task) Success() bool {
	return t.Status == TaskSuccess
}

// LeaseExpired reports whether t's lease has expired as of now.
func (t *Task) LeaseExpired(now time.Time) bool {
	return t.LeaseExpiresAt.Before(now)
}

// Lease is the time-bounded exclusive mutation right over a Task
// (spec.md §3 Entities: Worker Lease).
type Lease struct {
	TaskID      string    `json:"task_id"`
	WorkerID    string    `json:"worker_id"`
	AcquiredAt  time.Time `json:"acquired_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// Expired reports whether the lease is no longer valid as of now.
func (l *Lease) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// TokenBucket is the per-(endpoint,credential) rate limit state
// (spec.md §3 Entities: Token Bucket).
type TokenBucket struct {
	Endpoint     string    `json:"endpoint" firestore:"endpoint"`
	Credential   string    `json:"credential" firestore:"credential"`
	Capacity     float64   `json:"capacity" firestore:"capacity"`
	RefillPerSec float64   `json:"refill_rate_per_sec" firestore:"refill_rate_per_sec"`
	Available    float64   `json:"available" firestore:"available"`
	LastRefillAt time.Time `json:"last_refill_at" firestore:"last_refill_at"`
	DbModified   time.Time `json:"db_modified" firestore:"db_modified"`
}

func (b *TokenBucket) Copy() *TokenBucket {
	cp := *b
	return &cp
}

// OutputArtifact describes one produced output and its completion marker
// (spec.md §3 Entities: Output Artifact).
type OutputArtifact struct {
	TaskID      string    `json:"task_id"`
	URI         string    `json:"uri"`
	ByteSize    int64     `json:"byte_size"`
	RecordCount int       `json:"record_count"`
	Checksum    string    `json:"checksum"`
	DoneMarker  bool      `json:"done_marker"`
	WrittenAt   time.Time `json:"written_at"`
}

// DoneMarkerPayload is the contents of the `.done` sibling object
// (spec.md §6 Persisted state layout).
type DoneMarkerPayload struct {
	TaskID      string    `json:"task_id"`
	OutputURI   string    `json:"output_uri"`
	Checksum    string    `json:"checksum"`
	RecordCount int       `json:"record_count"`
	WrittenAt   time.Time `json:"written_at"`
}

// JobFailureReason is the structured, job-granularity failure report
// (spec.md §7 Propagation policy).
type JobFailureReason struct {
	PhaseFailed      string `json:"phase_failed"`
	RetryableCount   int    `json:"retryable_count"`
	TerminalCount    int    `json:"terminal_count"`
	FirstErrorSample string `json:"first_error_sample,omitempty"`
}
