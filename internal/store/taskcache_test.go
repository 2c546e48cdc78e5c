package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metresearchgroup/bskybackfill/internal/sktest"
	"github.com/metresearchgroup/bskybackfill/internal/types"
)

// countingStore wraps a Store and counts GetTask/GetJob calls, so tests can
// assert the cache actually avoids redundant Store reads on a hit.
type countingStore struct {
	Store
	getTaskCalls int
	getJobCalls  int
}

func (c *countingStore) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	c.getTaskCalls++
	return c.Store.GetTask(ctx, taskID)
}

func (c *countingStore) GetJob(ctx context.Context, jobID string) (*types.Job, error) {
	c.getJobCalls++
	return c.Store.GetJob(ctx, jobID)
}

func TestTaskCache_HitsAvoidStoreReads(t *testing.T) {
	sktest.SmallTest(t)

	base := newFakeStore()
	base.tasks["t1"] = &types.Task{TaskID: "t1", Status: types.TaskPending}
	wrapped := &countingStore{Store: base}

	cache, err := NewTaskCache(wrapped, 8)
	require.NoError(t, err)

	ctx := context.Background()
	got, err := cache.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.TaskID)
	assert.Equal(t, 1, wrapped.getTaskCalls)

	got2, err := cache.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got2.TaskID)
	assert.Equal(t, 1, wrapped.getTaskCalls, "second read should be served from cache")

	// Mutating the returned copy must not corrupt the cached entry.
	got2.Status = types.TaskSuccess
	got3, err := cache.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, got3.Status)
}

func TestTaskCache_InvalidateForcesRefetch(t *testing.T) {
	sktest.SmallTest(t)

	base := newFakeStore()
	base.tasks["t1"] = &types.Task{TaskID: "t1", Status: types.TaskPending}
	wrapped := &countingStore{Store: base}

	cache, err := NewTaskCache(wrapped, 8)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = cache.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, wrapped.getTaskCalls)

	cache.Invalidate("t1")
	base.tasks["t1"] = &types.Task{TaskID: "t1", Status: types.TaskSuccess}

	got, err := cache.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskSuccess, got.Status)
	assert.Equal(t, 2, wrapped.getTaskCalls)
}

func TestJobCache_HitsAvoidStoreReads(t *testing.T) {
	sktest.SmallTest(t)

	base := newFakeStore()
	base.jobs["j1"] = &types.Job{JobID: "j1", Status: types.JobRunning}
	wrapped := &countingStore{Store: base}

	cache, err := NewJobCache(wrapped, 8)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = cache.GetJob(ctx, "j1")
	require.NoError(t, err)
	_, err = cache.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 1, wrapped.getJobCalls)

	cache.Invalidate("j1")
	_, err = cache.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 2, wrapped.getJobCalls)
}

func TestSystemClock_Now(t *testing.T) {
	sktest.SmallTest(t)

	before := time.Now()
	got := SystemClock{}.Now()
	after := time.Now()
	assert.True(t, !got.Before(before) && !got.After(after))
}

// fakeStore is a minimal Store stub exercising only GetTask/GetJob, enough
// for TaskCache/JobCache's read-through behavior without pulling in
// memstore's full lease/lock machinery.
type fakeStore struct {
	tasks map[string]*types.Task
	jobs  map[string]*types.Job
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: map[string]*types.Task{}, jobs: map[string]*types.Job{}}
}

func (f *fakeStore) PutJob(ctx context.Context, job *types.Job) error { f.jobs[job.JobID] = job; return nil }
func (f *fakeStore) GetJob(ctx context.Context, jobID string) (*types.Job, error) {
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return j, nil
}
func (f *fakeStore) ListJobs(ctx context.Context, filter JobFilter) ([]*types.Job, error) { return nil, nil }
func (f *fakeStore) DeleteJob(ctx context.Context, jobID string) error                    { delete(f.jobs, jobID); return nil }
func (f *fakeStore) AcquireJobLock(ctx context.Context, jobID, ownerID string, duration time.Duration) (bool, error) {
	return true, nil
}
func (f *fakeStore) ReleaseJobLock(ctx context.Context, jobID, ownerID string) error { return nil }
func (f *fakeStore) PutBatch(ctx context.Context, batch *types.Batch) error          { return nil }
func (f *fakeStore) GetBatch(ctx context.Context, jobID, batchID string) (*types.Batch, error) {
	return nil, ErrNotFound
}
func (f *fakeStore) ListBatches(ctx context.Context, jobID string) ([]*types.Batch, error) { return nil, nil }
func (f *fakeStore) CreateTask(ctx context.Context, task *types.Task) error {
	f.tasks[task.TaskID] = task
	return nil
}
func (f *fakeStore) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	tk, ok := f.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return tk, nil
}
func (f *fakeStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*types.Task, error) {
	return nil, nil
}
func (f *fakeStore) ListTerminalTasks(ctx context.Context, jobID string) ([]*types.Task, error) {
	return nil, nil
}
func (f *fakeStore) CountByStatus(ctx context.Context, jobID string) (CountsByStatus, error) {
	return nil, nil
}
func (f *fakeStore) AcquireLease(ctx context.Context, taskID, workerID string, leaseDuration time.Duration) (*types.Lease, error) {
	return nil, ErrLeaseUnavailable
}
func (f *fakeStore) HeartbeatTask(ctx context.Context, taskID, workerID string, leaseDuration time.Duration) error {
	return nil
}
func (f *fakeStore) CompleteTask(ctx context.Context, taskID, workerID string, outcome Outcome) error {
	return nil
}
func (f *fakeStore) GetOrCreateBucket(ctx context.Context, endpoint, credential string, capacity, refillPerSec float64) (*types.TokenBucket, error) {
	return nil, nil
}
func (f *fakeStore) CASBucket(ctx context.Context, endpoint, credential string, expectedRefill time.Time, update *types.TokenBucket) (*types.TokenBucket, bool, error) {
	return nil, false, nil
}
func (f *fakeStore) ListBucketsForEndpoint(ctx context.Context, endpoint string) ([]*types.TokenBucket, error) {
	return nil, nil
}
