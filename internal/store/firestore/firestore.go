// Package firestore is the production Store backend, built directly on
// cloud.google.com/go/firestore's transactions. The optimistic-concurrency
// discipline here is the generalized form of
// task_scheduler/go/db/firestore/{tasks,jobs}.go: every entity carries a
// DbModified timestamp, and a write inside a transaction first re-reads the
// document, rejects the write if DbModified has moved since the caller's
// view, then sets the new value with a freshly bumped timestamp.
package firestore

import (
	"context"
	"fmt"
	"time"

	fs "cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/metresearchgroup/bskybackfill/internal/idgen"
	"github.com/metresearchgroup/bskybackfill/internal/sklog"
	"github.com/metresearchgroup/bskybackfill/internal/store"
	"github.com/metresearchgroup/bskybackfill/internal/types"
)

const (
	collectionJobs    = "jobs"
	collectionBatches = "batches"
	collectionTasks   = "tasks"
	collectionBuckets = "token_buckets"

	// tsResolution is added to a DbModified timestamp when two writes would
	// otherwise land on the same instant, mirroring firestore.TS_RESOLUTION
	// in the teacher's go/firestore package.
	tsResolution = time.Microsecond
)

// Store is a Store implementation backed by Firestore.
type Store struct {
	client *fs.Client
	clock  store.Clock
}

// New wraps an existing Firestore client. Callers are responsible for
// authentication (e.g. via google.golang.org/api/option.WithTokenSource),
// following the auth.NewDefaultTokenSource pattern in
// leasing/go/leasing/datastore.go.
func New(client *fs.Client, clock store.Clock) *Store {
	if clock == nil {
		clock = store.SystemClock{}
	}
	return &Store{client: client, clock: clock}
}

func (s *Store) jobs() *fs.CollectionRef    { return s.client.Collection(collectionJobs) }
func (s *Store) batches() *fs.CollectionRef { return s.client.Collection(collectionBatches) }
func (s *Store) tasks() *fs.CollectionRef   { return s.client.Collection(collectionTasks) }
func (s *Store) buckets() *fs.CollectionRef { return s.client.Collection(collectionBuckets) }

func isNotFound(err error) bool {
	st, ok := status.FromError(err)
	return ok && st.Code() == codes.NotFound
}

// PutJob upserts job under an optimistic-concurrency transaction, following
// putJobs/PutJobs in task_scheduler/go/db/firestore/jobs.go.
func (s *Store) PutJob(ctx context.Context, job *types.Job) error {
	isNew := job.DbModified.IsZero()
	prevModified := job.DbModified
	now := s.clock.Now()

	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *fs.Transaction) error {
		ref := s.jobs().Doc(job.JobID)
		doc, err := tx.Get(ref)
		if err != nil && !isNotFound(err) {
			return err
		}
		exists := err == nil
		if exists && isNew {
			return store.ErrConcurrentUpdate
		}
		if !exists && !isNew {
			return store.ErrConcurrentUpdate
		}
		if exists {
			var old types.Job
			if err := doc.DataTo(&old); err != nil {
				return err
			}
			if !old.DbModified.Equal(prevModified) {
				return store.ErrConcurrentUpdate
			}
		}
		if now.After(job.DbModified) {
			job.DbModified = now
		} else {
			job.DbModified = job.DbModified.Add(tsResolution)
		}
		return tx.Set(ref, job)
	})
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*types.Job, error) {
	doc, err := s.jobs().Doc(jobID).Get(ctx)
	if isNotFound(err) {
		return nil, store.ErrNotFound
	} else if err != nil {
		return nil, err
	}
	var job types.Job
	if err := doc.DataTo(&job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *Store) ListJobs(ctx context.Context, filter store.JobFilter) ([]*types.Job, error) {
	q := s.jobs().Query
	if filter.Status != "" {
		q = q.Where("status", "==", string(filter.Status))
	}
	iter := q.Documents(ctx)
	defer iter.Stop()
	out := []*types.Job{}
	for {
		doc, err := iter.Next()
		if err != nil {
			break
		}
		var job types.Job
		if err := doc.DataTo(&job); err != nil {
			sklog.Errorf("ListJobs: failed to decode job %s: %s", doc.Ref.ID, err)
			continue
		}
		out = append(out, &job)
	}
	return out, nil
}

func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	_, err := s.jobs().Doc(jobID).Delete(ctx)
	return err
}

// AcquireJobLock implements the job-scoped Coordinator lock (spec.md §4.E,
// §5) as a CAS on the Job document's LockOwner/LockExpiresAt fields.
func (s *Store) AcquireJobLock(ctx context.Context, jobID, ownerID string, duration time.Duration) (bool, error) {
	acquired := false
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *fs.Transaction) error {
		ref := s.jobs().Doc(jobID)
		doc, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var job types.Job
		if err := doc.DataTo(&job); err != nil {
			return err
		}
		now := s.clock.Now()
		if job.LockOwner != "" && job.LockOwner != ownerID && now.Before(job.LockExpiresAt) {
			return nil
		}
		job.LockOwner = ownerID
		job.LockExpiresAt = now.Add(duration)
		acquired = true
		return tx.Set(ref, &job)
	})
	return acquired, err
}

func (s *Store) ReleaseJobLock(ctx context.Context, jobID, ownerID string) error {
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *fs.Transaction) error {
		ref := s.jobs().Doc(jobID)
		doc, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var job types.Job
		if err := doc.DataTo(&job); err != nil {
			return err
		}
		if job.LockOwner == ownerID {
			job.LockOwner = ""
			job.LockExpiresAt = time.Time{}
			return tx.Set(ref, &job)
		}
		return nil
	})
}

func (s *Store) PutBatch(ctx context.Context, batch *types.Batch) error {
	_, err := s.batches().Doc(batch.JobID + "_" + batch.BatchID).Set(ctx, batch)
	return err
}

func (s *Store) GetBatch(ctx context.Context, jobID, batchID string) (*types.Batch, error) {
	doc, err := s.batches().Doc(jobID + "_" + batchID).Get(ctx)
	if isNotFound(err) {
		return nil, store.ErrNotFound
	} else if err != nil {
		return nil, err
	}
	var b types.Batch
	if err := doc.DataTo(&b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) ListBatches(ctx context.Context, jobID string) ([]*types.Batch, error) {
	iter := s.batches().Where("job_id", "==", jobID).Documents(ctx)
	defer iter.Stop()
	out := []*types.Batch{}
	for {
		doc, err := iter.Next()
		if err != nil {
			break
		}
		var b types.Batch
		if err := doc.DataTo(&b); err != nil {
			continue
		}
		out = append(out, &b)
	}
	return out, nil
}

// CreateTask fails with store.ErrAlreadyExists if (job_id, batch_id, attempt)
// exists, implemented as a transaction that checks a deterministic
// lineage-key document before writing the task itself.
func (s *Store) CreateTask(ctx context.Context, task *types.Task) error {
	if task.TaskID == "" {
		task.TaskID = idgen.New("task")
	}
	lineageID := fmt.Sprintf("%s_%s_%d", task.JobID, task.BatchID, task.Attempt)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *fs.Transaction) error {
		lineageRef := s.tasks().Doc("lineage_" + lineageID)
		if _, err := tx.Get(lineageRef); err == nil {
			return store.ErrAlreadyExists
		} else if !isNotFound(err) {
			return err
		}
		now := s.clock.Now()
		task.CreatedAt = now
		task.DbModified = now
		if task.Status == "" {
			task.Status = types.TaskPending
		}
		if err := tx.Set(lineageRef, map[string]string{"task_id": task.TaskID}); err != nil {
			return err
		}
		return tx.Set(s.tasks().Doc(task.TaskID), task)
	})
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	doc, err := s.tasks().Doc(taskID).Get(ctx)
	if isNotFound(err) {
		return nil, store.ErrNotFound
	} else if err != nil {
		return nil, err
	}
	var t types.Task
	if err := doc.DataTo(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*types.Task, error) {
	q := s.tasks().Query
	if filter.JobID != "" {
		q = q.Where("job_id", "==", filter.JobID)
	}
	if filter.Status != "" {
		q = q.Where("status", "==", string(filter.Status))
	}
	if filter.Phase != "" {
		q = q.Where("phase", "==", filter.Phase)
	}
	iter := q.Documents(ctx)
	defer iter.Stop()
	out := []*types.Task{}
	for {
		doc, err := iter.Next()
		if err != nil {
			break
		}
		var t types.Task
		if err := doc.DataTo(&t); err != nil {
			continue
		}
		out = append(out, &t)
	}
	return out, nil
}

func (s *Store) ListTerminalTasks(ctx context.Context, jobID string) ([]*types.Task, error) {
	all, err := s.ListTasks(ctx, store.TaskFilter{JobID: jobID})
	if err != nil {
		return nil, err
	}
	out := make([]*types.Task, 0, len(all))
	for _, t := range all {
		if t.Done() {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) CountByStatus(ctx context.Context, jobID string) (store.CountsByStatus, error) {
	all, err := s.ListTasks(ctx, store.TaskFilter{JobID: jobID})
	if err != nil {
		return nil, err
	}
	counts := store.CountsByStatus{}
	for _, t := range all {
		counts[t.Status]++
	}
	return counts, nil
}

func (s *Store) AcquireLease(ctx context.Context, taskID, workerID string, leaseDuration time.Duration) (*types.Lease, error) {
	var lease *types.Lease
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *fs.Transaction) error {
		ref := s.tasks().Doc(taskID)
		doc, err := tx.Get(ref)
		if isNotFound(err) {
			return store.ErrNotFound
		} else if err != nil {
			return err
		}
		var t types.Task
		if err := doc.DataTo(&t); err != nil {
			return err
		}
		now := s.clock.Now()
		reclaiming := false
		switch {
		case t.Status == types.TaskPending:
		case (t.Status == types.TaskLeased || t.Status == types.TaskRunning) && t.LeaseExpired(now):
			reclaiming = true
		default:
			return store.ErrLeaseUnavailable
		}
		t.Status = types.TaskLeased
		t.LeaseOwner = workerID
		t.LeaseExpiresAt = now.Add(leaseDuration)
		t.DbModified = now
		if err := tx.Set(ref, &t); err != nil {
			return err
		}
		if reclaiming {
			jobRef := s.jobs().Doc(t.JobID)
			jobDoc, err := tx.Get(jobRef)
			if err == nil {
				var job types.Job
				if err := jobDoc.DataTo(&job); err == nil {
					job.OrphansReclaimed++
					if err := tx.Set(jobRef, &job); err != nil {
						return err
					}
				}
			}
			sklog.Warningf("reclaimed orphaned lease for task %s", taskID)
		}
		lease = &types.Lease{TaskID: taskID, WorkerID: workerID, AcquiredAt: now, ExpiresAt: t.LeaseExpiresAt, HeartbeatAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

func (s *Store) HeartbeatTask(ctx context.Context, taskID, workerID string, leaseDuration time.Duration) error {
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *fs.Transaction) error {
		ref := s.tasks().Doc(taskID)
		doc, err := tx.Get(ref)
		if isNotFound(err) {
			return store.ErrNotFound
		} else if err != nil {
			return err
		}
		var t types.Task
		if err := doc.DataTo(&t); err != nil {
			return err
		}
		now := s.clock.Now()
		if t.LeaseOwner != workerID || t.Done() || t.LeaseExpired(now) {
			return store.ErrLeaseNotOwned
		}
		t.LeaseExpiresAt = now.Add(leaseDuration)
		if t.Status == types.TaskLeased {
			t.Status = types.TaskRunning
		}
		t.DbModified = now
		return tx.Set(ref, &t)
	})
}

func (s *Store) CompleteTask(ctx context.Context, taskID, workerID string, outcome store.Outcome) error {
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *fs.Transaction) error {
		ref := s.tasks().Doc(taskID)
		doc, err := tx.Get(ref)
		if isNotFound(err) {
			return store.ErrNotFound
		} else if err != nil {
			return err
		}
		var t types.Task
		if err := doc.DataTo(&t); err != nil {
			return err
		}
		if t.Done() {
			if t.Status == outcome.Status && t.LeaseOwner == workerID {
				// Idempotent retry of an already-applied completion.
				return nil
			}
			return store.ErrLeaseNotOwned
		}
		if t.LeaseOwner != workerID {
			return store.ErrLeaseNotOwned
		}
		t.Status = outcome.Status
		t.OutputRef = outcome.OutputRef
		t.Error = outcome.Error
		t.DbModified = s.clock.Now()
		return tx.Set(ref, &t)
	})
}

func (s *Store) GetOrCreateBucket(ctx context.Context, endpoint, credential string, capacity, refillPerSec float64) (*types.TokenBucket, error) {
	id := endpoint + "_" + credential
	var bucket *types.TokenBucket
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *fs.Transaction) error {
		ref := s.buckets().Doc(id)
		doc, err := tx.Get(ref)
		if err == nil {
			var b types.TokenBucket
			if err := doc.DataTo(&b); err != nil {
				return err
			}
			bucket = &b
			return nil
		}
		if !isNotFound(err) {
			return err
		}
		now := s.clock.Now()
		b := &types.TokenBucket{
			Endpoint: endpoint, Credential: credential,
			Capacity: capacity, RefillPerSec: refillPerSec,
			Available: capacity, LastRefillAt: now, DbModified: now,
		}
		bucket = b
		return tx.Set(ref, b)
	})
	return bucket, err
}

// CASBucket applies update iff the stored bucket's LastRefillAt still
// matches expectedRefill, implementing the §4.B/§5 "mutated concurrently by
// every worker; uses conditional writes" requirement.
func (s *Store) CASBucket(ctx context.Context, endpoint, credential string, expectedRefill time.Time, update *types.TokenBucket) (*types.TokenBucket, bool, error) {
	id := endpoint + "_" + credential
	var result *types.TokenBucket
	ok := false
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *fs.Transaction) error {
		ref := s.buckets().Doc(id)
		doc, err := tx.Get(ref)
		if isNotFound(err) {
			return store.ErrNotFound
		} else if err != nil {
			return err
		}
		var cur types.TokenBucket
		if err := doc.DataTo(&cur); err != nil {
			return err
		}
		if !cur.LastRefillAt.Equal(expectedRefill) {
			result = &cur
			return nil
		}
		ok = true
		result = update
		return tx.Set(ref, update)
	})
	return result, ok, err
}

func (s *Store) ListBucketsForEndpoint(ctx context.Context, endpoint string) ([]*types.TokenBucket, error) {
	iter := s.buckets().Where("endpoint", "==", endpoint).Documents(ctx)
	defer iter.Stop()
	out := []*types.TokenBucket{}
	for {
		doc, err := iter.Next()
		if err != nil {
			break
		}
		var b types.TokenBucket
		if err := doc.DataTo(&b); err != nil {
			continue
		}
		out = append(out, &b)
	}
	return out, nil
}

var _ store.Store = (*Store)(nil)
