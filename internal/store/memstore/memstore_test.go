package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metresearchgroup/bskybackfill/internal/store"
	"github.com/metresearchgroup/bskybackfill/internal/types"

	"github.com/metresearchgroup/bskybackfill/internal/sktest"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore() (*Store, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(clk), clk
}

func TestCreateTask_DuplicateRejected(t *testing.T) {
	sktest.SmallTest(t)
	ctx := context.Background()
	s, _ := newTestStore()

	task := &types.Task{TaskID: "t1", TaskKey: types.TaskKey{JobID: "j1", BatchID: "b1"}, Attempt: 1}
	require.NoError(t, s.CreateTask(ctx, task))

	dup := &types.Task{TaskID: "t2", TaskKey: types.TaskKey{JobID: "j1", BatchID: "b1"}, Attempt: 1}
	err := s.CreateTask(ctx, dup)
	assert.ErrorIs(t, err, store.ErrAlreadyExists)
}

func TestAcquireLease_ReclaimsExpiredLease(t *testing.T) {
	sktest.SmallTest(t)
	ctx := context.Background()
	s, clk := newTestStore()

	task := &types.Task{TaskID: "t1", TaskKey: types.TaskKey{JobID: "j1", BatchID: "b1"}, Attempt: 1}
	require.NoError(t, s.PutJob(ctx, &types.Job{JobID: "j1"}))
	require.NoError(t, s.CreateTask(ctx, task))

	lease1, err := s.AcquireLease(ctx, "t1", "worker-a", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "worker-a", lease1.WorkerID)

	// Worker A never heartbeats; lease expires.
	clk.advance(2 * time.Second)

	lease2, err := s.AcquireLease(ctx, "t1", "worker-b", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "worker-b", lease2.WorkerID)

	job, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 1, job.OrphansReclaimed)

	// Worker A's late completion must fail: it no longer owns the lease.
	err = s.CompleteTask(ctx, "t1", "worker-a", store.Outcome{Status: types.TaskSuccess})
	assert.ErrorIs(t, err, store.ErrLeaseNotOwned)

	// Worker B's completion succeeds.
	require.NoError(t, s.CompleteTask(ctx, "t1", "worker-b", store.Outcome{Status: types.TaskSuccess}))
}

// TestAcquireLease_ReclaimsExpiredRunningLease covers the case a plain
// TaskLeased reclaim test misses: a task that heartbeated at least once
// (LEASED -> RUNNING, see HeartbeatTask) before its worker crashed must
// still be reclaimable once its lease expires, not stuck forever (spec.md
// §3 invariant 1: "expired leases are reclaimable by any worker").
func TestAcquireLease_ReclaimsExpiredRunningLease(t *testing.T) {
	sktest.SmallTest(t)
	ctx := context.Background()
	s, clk := newTestStore()

	task := &types.Task{TaskID: "t1", TaskKey: types.TaskKey{JobID: "j1", BatchID: "b1"}, Attempt: 1}
	require.NoError(t, s.PutJob(ctx, &types.Job{JobID: "j1"}))
	require.NoError(t, s.CreateTask(ctx, task))

	_, err := s.AcquireLease(ctx, "t1", "worker-a", time.Second)
	require.NoError(t, err)
	require.NoError(t, s.HeartbeatTask(ctx, "t1", "worker-a", time.Second))

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, types.TaskRunning, got.Status, "heartbeat flips LEASED to RUNNING on first success")

	// Worker A crashes mid-task; its lease expires without another heartbeat.
	clk.advance(2 * time.Second)

	lease2, err := s.AcquireLease(ctx, "t1", "worker-b", time.Second)
	require.NoError(t, err, "an expired RUNNING lease must be reclaimable, not permanently stuck")
	assert.Equal(t, "worker-b", lease2.WorkerID)

	job, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 1, job.OrphansReclaimed)
}

func TestCompleteTask_IdempotentRetry(t *testing.T) {
	sktest.SmallTest(t)
	ctx := context.Background()
	s, _ := newTestStore()

	task := &types.Task{TaskID: "t1", TaskKey: types.TaskKey{JobID: "j1", BatchID: "b1"}, Attempt: 1}
	require.NoError(t, s.CreateTask(ctx, task))
	_, err := s.AcquireLease(ctx, "t1", "worker-a", time.Minute)
	require.NoError(t, err)

	outcome := store.Outcome{Status: types.TaskSuccess, OutputRef: "gs://out/t1"}
	require.NoError(t, s.CompleteTask(ctx, "t1", "worker-a", outcome))
	// Retrying the identical completion (e.g. after a transient store
	// outage ack) must be a no-op success, not an ownership error.
	require.NoError(t, s.CompleteTask(ctx, "t1", "worker-a", outcome))

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, got.Success())
}

func TestCompleteTask_SuccessIsImmutable(t *testing.T) {
	sktest.SmallTest(t)
	ctx := context.Background()
	s, _ := newTestStore()

	task := &types.Task{TaskID: "t1", TaskKey: types.TaskKey{JobID: "j1", BatchID: "b1"}, Attempt: 1}
	require.NoError(t, s.CreateTask(ctx, task))
	_, err := s.AcquireLease(ctx, "t1", "worker-a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.CompleteTask(ctx, "t1", "worker-a", store.Outcome{Status: types.TaskSuccess}))

	// A second worker somehow re-leasing and trying to mark it failed must
	// not be able to flip a SUCCESS task (invariant 3).
	err = s.CompleteTask(ctx, "t1", "worker-a", store.Outcome{Status: types.TaskFailedTerminal})
	assert.Error(t, err)
}

func TestCASBucket_RejectsStaleWrite(t *testing.T) {
	sktest.SmallTest(t)
	ctx := context.Background()
	s, _ := newTestStore()

	b, err := s.GetOrCreateBucket(ctx, "app.bsky.actor.getProfile", "cred-1", 5, 1)
	require.NoError(t, err)
	assert.Equal(t, float64(5), b.Available)

	update := b.Copy()
	update.Available = 4
	got, ok, err := s.CASBucket(ctx, "app.bsky.actor.getProfile", "cred-1", b.LastRefillAt, update)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, float64(4), got.Available)

	// Stale expectedRefill (as if a second racer read the pre-update
	// version) must be rejected.
	staleUpdate := b.Copy()
	staleUpdate.Available = 3
	_, ok, err = s.CASBucket(ctx, "app.bsky.actor.getProfile", "cred-1", b.LastRefillAt, staleUpdate)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAcquireJobLock_SingleCoordinator(t *testing.T) {
	sktest.SmallTest(t)
	ctx := context.Background()
	s, clk := newTestStore()
	require.NoError(t, s.PutJob(ctx, &types.Job{JobID: "j1"}))

	ok, err := s.AcquireJobLock(ctx, "j1", "coord-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireJobLock(ctx, "j1", "coord-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second coordinator must not acquire a held lock")

	clk.advance(2 * time.Minute)
	ok, err = s.AcquireJobLock(ctx, "j1", "coord-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock must be reclaimable")
}
