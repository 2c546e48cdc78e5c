// Package store defines the State Store contract (spec.md §4.A): durable
// job/task/batch state, idempotent updates, and leasing. Two
// implementations are provided: memstore (in-memory, for tests and local
// runs) and firestore (cloud-backed, optimistic-concurrency transactions),
// following the teacher's task_scheduler/go/db interface-plus-firestore-impl
// split.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/metresearchgroup/bskybackfill/internal/types"
)

// Sentinel errors checked with errors.Is at call sites, mirroring the
// teacher's db.ErrConcurrentUpdate / IsUnknownId pattern in
// task_scheduler/go/db.
var (
	// ErrNotFound is returned when a Get by ID finds nothing.
	ErrNotFound = errors.New("store: entity not found")
	// ErrAlreadyExists is returned by CreateTask when (job_id, batch_id,
	// attempt) already exists (spec.md §4.A create_task).
	ErrAlreadyExists = errors.New("store: entity already exists")
	// ErrConcurrentUpdate is returned when an optimistic-concurrency CAS
	// write loses a race (spec.md §3 invariant-preserving writes).
	ErrConcurrentUpdate = errors.New("store: concurrent update")
	// ErrLeaseNotOwned is returned by HeartbeatTask/CompleteTask when the
	// caller is not (or is no longer) the lease owner (spec.md §4.A
	// lease-reclamation failure semantics).
	ErrLeaseNotOwned = errors.New("store: lease not owned by caller")
	// ErrLeaseUnavailable is returned by AcquireLease when the task is
	// neither PENDING nor held under an expired lease.
	ErrLeaseUnavailable = errors.New("store: lease unavailable")
	// ErrLockHeld names the condition where another Coordinator currently
	// holds the job-scoped lock (spec.md §4.E, §5). AcquireJobLock does not
	// return it: both implementations report a held lock as (false, nil).
	ErrLockHeld = errors.New("store: job lock held by another coordinator")
)

// JobFilter narrows ListJobs results.
type JobFilter struct {
	Status types.JobStatus
	// Zero value means "any".
}

// TaskFilter narrows ListTasks/list_terminal_tasks results.
type TaskFilter struct {
	JobID  string
	Status types.TaskStatus
	Phase  string
}

// CountsByStatus is the result of count_by_status(job_id) (spec.md §4.A).
type CountsByStatus map[types.TaskStatus]int

// Outcome describes how a task finished, the argument to complete_task
// (spec.md §4.A).
type Outcome struct {
	Status    types.TaskStatus
	OutputRef string
	Error     *types.TaskError
}

// Store is the full State Store contract (spec.md §4.A).
type Store interface {
	// --- Jobs ---
	PutJob(ctx context.Context, job *types.Job) error
	GetJob(ctx context.Context, jobID string) (*types.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*types.Job, error)
	DeleteJob(ctx context.Context, jobID string) error

	// AcquireJobLock implements the job-scoped Coordinator lock (spec.md
	// §4.E, §5): at most one Coordinator may hold it at a time, and an
	// expired lock is reclaimable.
	AcquireJobLock(ctx context.Context, jobID, ownerID string, duration time.Duration) (bool, error)
	ReleaseJobLock(ctx context.Context, jobID, ownerID string) error

	// --- Batches ---
	PutBatch(ctx context.Context, batch *types.Batch) error
	GetBatch(ctx context.Context, jobID, batchID string) (*types.Batch, error)
	ListBatches(ctx context.Context, jobID string) ([]*types.Batch, error)

	// --- Tasks ---
	// CreateTask fails with ErrAlreadyExists if (job_id, batch_id, attempt)
	// exists (spec.md §4.A).
	CreateTask(ctx context.Context, task *types.Task) error
	GetTask(ctx context.Context, taskID string) (*types.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*types.Task, error)
	ListTerminalTasks(ctx context.Context, jobID string) ([]*types.Task, error)
	CountByStatus(ctx context.Context, jobID string) (CountsByStatus, error)

	// AcquireLease is the conditional update in spec.md §4.A: succeeds iff
	// the task is PENDING, or LEASED or RUNNING with an expired lease. On success it
	// transitions the task to LEASED under workerID and, if it reclaimed an
	// orphaned lease, increments the Job's orphans_reclaimed counter.
	AcquireLease(ctx context.Context, taskID, workerID string, leaseDuration time.Duration) (*types.Lease, error)

	// HeartbeatTask extends the lease by leaseDuration iff workerID still
	// owns it.
	HeartbeatTask(ctx context.Context, taskID, workerID string, leaseDuration time.Duration) error

	// CompleteTask is bound to lease ownership (spec.md §4.A); it is
	// idempotent given (task_id, attempt, outcome).
	CompleteTask(ctx context.Context, taskID, workerID string, outcome Outcome) error

	// --- Token buckets (spec.md §3 Entities: Token Bucket) ---
	GetOrCreateBucket(ctx context.Context, endpoint, credential string, capacity, refillPerSec float64) (*types.TokenBucket, error)
	// CASBucket attempts to apply update to the bucket named by
	// (endpoint, credential) iff its LastRefillAt still equals expectedRefill;
	// returns the new bucket and whether the CAS succeeded.
	CASBucket(ctx context.Context, endpoint, credential string, expectedRefill time.Time, update *types.TokenBucket) (*types.TokenBucket, bool, error)
	ListBucketsForEndpoint(ctx context.Context, endpoint string) ([]*types.TokenBucket, error)
}

// Clock abstracts time.Now so tests can control lease expiry and bucket
// refill deterministically, generalizing the teacher's
// timeNowFunc/timeAfterFunc package-var overrides in go/util/counters.go
// into an injectable interface.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
