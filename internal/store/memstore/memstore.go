// Package memstore is an in-memory Store implementation used for tests and
// single-process local runs. It implements the same CAS and lease-
// reclamation semantics as the production Firestore-backed store
// (internal/store/firestore), generalizing the optimistic-concurrency,
// DbModified-guarded transaction pattern from
// task_scheduler/go/db/firestore/{tasks,jobs}.go to a single in-process
// mutex instead of a Firestore transaction.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/metresearchgroup/bskybackfill/internal/sklog"
	"github.com/metresearchgroup/bskybackfill/internal/store"
	"github.com/metresearchgroup/bskybackfill/internal/types"
)

// Store is an in-memory, mutex-guarded implementation of store.Store.
type Store struct {
	clock store.Clock

	mtx     sync.Mutex
	jobs    map[string]*types.Job
	batches map[string]*types.Batch // keyed by jobID+"/"+batchID
	tasks   map[string]*types.Task
	buckets map[string]*types.TokenBucket // keyed by endpoint+"|"+credential

	// completedOutcomes makes CompleteTask idempotent per (task_id, attempt,
	// outcome), per spec.md §4.A failure semantics.
	completedOutcomes map[string]store.Outcome
}

// New returns an empty in-memory Store using clock for all time reads. Pass
// store.SystemClock{} in production paths and a fake clock in tests.
func New(clock store.Clock) *Store {
	if clock == nil {
		clock = store.SystemClock{}
	}
	return &Store{
		clock:             clock,
		jobs:              map[string]*types.Job{},
		batches:           map[string]*types.Batch{},
		tasks:             map[string]*types.Task{},
		buckets:           map[string]*types.TokenBucket{},
		completedOutcomes: map[string]store.Outcome{},
	}
}

func batchKey(jobID, batchID string) string { return jobID + "/" + batchID }
func bucketKey(endpoint, credential string) string { return endpoint + "|" + credential }

func (s *Store) PutJob(ctx context.Context, job *types.Job) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	now := s.clock.Now()
	existing, exists := s.jobs[job.JobID]
	if exists {
		if !job.DbModified.Equal(existing.DbModified) {
			return store.ErrConcurrentUpdate
		}
	} else if !job.DbModified.IsZero() {
		// Caller claims an existing version but we have none on record.
		return store.ErrConcurrentUpdate
	}
	if !now.After(job.DbModified) {
		job.DbModified = job.DbModified.Add(time.Microsecond)
	} else {
		job.DbModified = now
	}
	cp := job.Copy()
	s.jobs[job.JobID] = cp
	return nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*types.Job, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return j.Copy(), nil
}

func (s *Store) ListJobs(ctx context.Context, filter store.JobFilter) ([]*types.Job, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := make([]*types.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		out = append(out, j.Copy())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].SubmittedAt.Before(out[k].SubmittedAt) })
	return out, nil
}

func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	delete(s.jobs, jobID)
	for id, t := range s.tasks {
		if t.JobID == jobID {
			delete(s.tasks, id)
		}
	}
	for k, b := range s.batches {
		if b.JobID == jobID {
			delete(s.batches, k)
		}
	}
	return nil
}

func (s *Store) AcquireJobLock(ctx context.Context, jobID, ownerID string, duration time.Duration) (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return false, store.ErrNotFound
	}
	now := s.clock.Now()
	if j.LockOwner != "" && j.LockOwner != ownerID && now.Before(j.LockExpiresAt) {
		return false, nil
	}
	j.LockOwner = ownerID
	j.LockExpiresAt = now.Add(duration)
	return true, nil
}

func (s *Store) ReleaseJobLock(ctx context.Context, jobID, ownerID string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	if j.LockOwner == ownerID {
		j.LockOwner = ""
		j.LockExpiresAt = time.Time{}
	}
	return nil
}

func (s *Store) PutBatch(ctx context.Context, batch *types.Batch) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.batches[batchKey(batch.JobID, batch.BatchID)] = batch.Copy()
	return nil
}

func (s *Store) GetBatch(ctx context.Context, jobID, batchID string) (*types.Batch, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	b, ok := s.batches[batchKey(jobID, batchID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return b.Copy(), nil
}

func (s *Store) ListBatches(ctx context.Context, jobID string) ([]*types.Batch, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := []*types.Batch{}
	for _, b := range s.batches {
		if b.JobID == jobID {
			out = append(out, b.Copy())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].BatchID < out[k].BatchID })
	return out, nil
}

// CreateTask fails with store.ErrAlreadyExists if (job_id, batch_id, attempt)
// already exists, per spec.md §4.A.
func (s *Store) CreateTask(ctx context.Context, task *types.Task) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, t := range s.tasks {
		if t.JobID == task.JobID && t.BatchID == task.BatchID && t.Attempt == task.Attempt {
			return store.ErrAlreadyExists
		}
	}
	now := s.clock.Now()
	task.CreatedAt = now
	task.DbModified = now
	if task.Status == "" {
		task.Status = types.TaskPending
	}
	s.tasks[task.TaskID] = task.Copy()
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t.Copy(), nil
}

func (s *Store) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*types.Task, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := []*types.Task{}
	for _, t := range s.tasks {
		if filter.JobID != "" && t.JobID != filter.JobID {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Phase != "" && t.Phase != filter.Phase {
			continue
		}
		out = append(out, t.Copy())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (s *Store) ListTerminalTasks(ctx context.Context, jobID string) ([]*types.Task, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := []*types.Task{}
	for _, t := range s.tasks {
		if t.JobID == jobID && t.Done() {
			out = append(out, t.Copy())
		}
	}
	return out, nil
}

func (s *Store) CountByStatus(ctx context.Context, jobID string) (store.CountsByStatus, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	counts := store.CountsByStatus{}
	for _, t := range s.tasks {
		if t.JobID == jobID {
			counts[t.Status]++
		}
	}
	return counts, nil
}

// AcquireLease implements spec.md §4.A's conditional lease acquisition,
// including orphaned-lease reclamation and the Job.orphans_reclaimed
// counter bump.
func (s *Store) AcquireLease(ctx context.Context, taskID, workerID string, leaseDuration time.Duration) (*types.Lease, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	now := s.clock.Now()

	reclaiming := false
	switch {
	case t.Status == types.TaskPending:
		// ok
	case (t.Status == types.TaskLeased || t.Status == types.TaskRunning) && t.LeaseExpired(now):
		reclaiming = true
	default:
		return nil, store.ErrLeaseUnavailable
	}

	t.Status = types.TaskLeased
	t.LeaseOwner = workerID
	t.LeaseExpiresAt = now.Add(leaseDuration)
	t.DbModified = now

	if reclaiming {
		if j, ok := s.jobs[t.JobID]; ok {
			j.OrphansReclaimed++
			sklog.Warningf("reclaimed orphaned lease for task %s (job %s)", taskID, t.JobID)
		}
	}

	return &types.Lease{
		TaskID:      taskID,
		WorkerID:    workerID,
		AcquiredAt:  now,
		ExpiresAt:   t.LeaseExpiresAt,
		HeartbeatAt: now,
	}, nil
}

func (s *Store) HeartbeatTask(ctx context.Context, taskID, workerID string, leaseDuration time.Duration) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}
	if t.LeaseOwner != workerID || t.Done() {
		return store.ErrLeaseNotOwned
	}
	now := s.clock.Now()
	if t.LeaseExpired(now) {
		return store.ErrLeaseNotOwned
	}
	t.LeaseExpiresAt = now.Add(leaseDuration)
	if t.Status == types.TaskLeased {
		t.Status = types.TaskRunning
	}
	t.DbModified = now
	return nil
}

// CompleteTask is bound to lease ownership and idempotent per
// (task_id, attempt, outcome), per spec.md §4.A.
func (s *Store) CompleteTask(ctx context.Context, taskID, workerID string, outcome store.Outcome) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}

	idemKey := taskID + "#" + workerID
	if t.Done() {
		// SUCCESS is immutable (invariant 3); any other terminal status is
		// also final. A retried write of the exact same outcome (e.g. after
		// a transient store outage ack) is a no-op success; anything else
		// against an already-terminal task is an ownership/staleness error.
		if prev, ok := s.completedOutcomes[idemKey]; ok && prev.Status == outcome.Status {
			return nil
		}
		return store.ErrLeaseNotOwned
	}
	if t.LeaseOwner != workerID {
		return store.ErrLeaseNotOwned
	}

	// t is non-terminal (e.g. FAILED_RETRYABLE): this is a legitimate status
	// transition, such as the Retry Planner finalizing an exhausted retry as
	// FAILED_TERMINAL, not a duplicate completion.
	now := s.clock.Now()
	t.Status = outcome.Status
	t.OutputRef = outcome.OutputRef
	t.Error = outcome.Error
	t.DbModified = now
	s.completedOutcomes[idemKey] = outcome
	return nil
}

func (s *Store) GetOrCreateBucket(ctx context.Context, endpoint, credential string, capacity, refillPerSec float64) (*types.TokenBucket, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	k := bucketKey(endpoint, credential)
	if b, ok := s.buckets[k]; ok {
		return b.Copy(), nil
	}
	now := s.clock.Now()
	b := &types.TokenBucket{
		Endpoint:     endpoint,
		Credential:   credential,
		Capacity:     capacity,
		RefillPerSec: refillPerSec,
		Available:    capacity,
		LastRefillAt: now,
		DbModified:   now,
	}
	s.buckets[k] = b
	return b.Copy(), nil
}

// CASBucket implements the atomic conditional write spec.md §3 and §4.B
// require: the caller must supply the LastRefillAt it last observed; the
// write is rejected if another acquirer refilled/deducted in the meantime.
func (s *Store) CASBucket(ctx context.Context, endpoint, credential string, expectedRefill time.Time, update *types.TokenBucket) (*types.TokenBucket, bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	k := bucketKey(endpoint, credential)
	cur, ok := s.buckets[k]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	if !cur.LastRefillAt.Equal(expectedRefill) {
		return cur.Copy(), false, nil
	}
	s.buckets[k] = update.Copy()
	return update.Copy(), true, nil
}

func (s *Store) ListBucketsForEndpoint(ctx context.Context, endpoint string) ([]*types.TokenBucket, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := []*types.TokenBucket{}
	for _, b := range s.buckets {
		if b.Endpoint == endpoint {
			out = append(out, b.Copy())
		}
	}
	return out, nil
}

var _ store.Store = (*Store)(nil)
