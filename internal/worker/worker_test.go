package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/metresearchgroup/bskybackfill/internal/artifact/memartifact"
	"github.com/metresearchgroup/bskybackfill/internal/handler"
	"github.com/metresearchgroup/bskybackfill/internal/handler/echo"
	"github.com/metresearchgroup/bskybackfill/internal/queue/memqueue"
	"github.com/metresearchgroup/bskybackfill/internal/runtimectx"
	"github.com/metresearchgroup/bskybackfill/internal/store"
	"github.com/metresearchgroup/bskybackfill/internal/store/memstore"
	"github.com/metresearchgroup/bskybackfill/internal/types"

	"github.com/metresearchgroup/bskybackfill/internal/sktest"
)

// panicHandler deterministically crashes on every Run, for exercising the
// pool's panic-recovery and poison-task quarantine path.
type panicHandler struct{}

func (panicHandler) Partition(ctx context.Context, inputRef string, config []byte) ([]handler.Batch, error) {
	return nil, nil
}
func (panicHandler) Run(ctx context.Context, rc handler.RunContext, b handler.Batch) handler.Result {
	panic("deliberate handler crash")
}
func (panicHandler) Aggregate(ctx context.Context, refs []string) (string, error) { return "", nil }

func TestPool_RunsAllTasksToSuccess(t *testing.T) {
	sktest.MediumTest(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clk := store.SystemClock{}
	s := memstore.New(clk)
	q := memqueue.New(s)
	artifacts := memartifact.New(clk)
	registry := handler.NewRegistry()
	registry.Register(echo.Name, echo.New(artifacts))

	rc := runtimectx.New(s, q, nil, artifacts, registry, clk)

	cfg := echo.Config{Batches: []string{"a", "b", "c"}}
	raw, err := yaml.Marshal(cfg)
	require.NoError(t, err)

	job := &types.Job{JobID: "job-1", HandlerRef: echo.Name, Config: raw, Status: types.JobRunning}
	require.NoError(t, s.PutJob(ctx, job))

	h := registry
	echoHandler, _ := h.Lookup(echo.Name)
	batches, err := echoHandler.Partition(ctx, "job-1-input", raw)
	require.NoError(t, err)

	taskIDs := make([]string, len(batches))
	for i, b := range batches {
		task := &types.Task{
			TaskID:  b.BatchID + "-task",
			TaskKey: types.TaskKey{JobID: job.JobID, BatchID: b.BatchID},
			Role:    types.RoleWorker,
			Phase:   "initial",
			Attempt: 1,
		}
		require.NoError(t, s.CreateTask(ctx, task))
		require.NoError(t, s.PutBatch(ctx, &types.Batch{JobID: job.JobID, BatchID: b.BatchID, InputRef: b.InputRef}))
		taskIDs[i] = task.TaskID
	}
	tasks := make([]*types.Task, len(taskIDs))
	for i, id := range taskIDs {
		task, err := s.GetTask(ctx, id)
		require.NoError(t, err)
		tasks[i] = task
	}
	require.NoError(t, q.Enqueue(ctx, tasks))

	pool := New(rc, "worker-1", 2, 2*time.Second, 1)
	poolCtx, stopPool := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		_ = pool.Run(poolCtx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		counts, err := s.CountByStatus(ctx, job.JobID)
		require.NoError(t, err)
		return counts[types.TaskSuccess] == 3
	}, 4*time.Second, 20*time.Millisecond)

	stopPool()
	<-done

	for _, id := range taskIDs {
		task, err := s.GetTask(ctx, id)
		require.NoError(t, err)
		assert.True(t, task.Success())
	}
}

// TestPool_HandlerPanic_SingleCrashIsRetryable exercises spec.md §4.D's
// "Slots are independent failure domains": a handler panic must not crash
// the process, and a single crash is treated like any other retryable
// failure rather than immediately quarantining the batch.
func TestPool_HandlerPanic_SingleCrashIsRetryable(t *testing.T) {
	sktest.SmallTest(t)
	ctx := context.Background()

	clk := store.SystemClock{}
	s := memstore.New(clk)
	q := memqueue.New(s)
	artifacts := memartifact.New(clk)
	registry := handler.NewRegistry()
	registry.Register("panic-1", panicHandler{})
	rc := runtimectx.New(s, q, nil, artifacts, registry, clk)

	job := &types.Job{JobID: "job-crash", HandlerRef: "panic-1", Status: types.JobRunning}
	require.NoError(t, s.PutJob(ctx, job))
	require.NoError(t, s.PutBatch(ctx, &types.Batch{JobID: job.JobID, BatchID: "batch-000"}))

	task := &types.Task{
		TaskID:  "job-crash-batch-000-a1",
		TaskKey: types.TaskKey{JobID: job.JobID, BatchID: "batch-000"},
		Role:    types.RoleWorker,
		Attempt: 1,
	}
	require.NoError(t, s.CreateTask(ctx, task))
	require.NoError(t, q.Enqueue(ctx, []*types.Task{task}))

	pool := New(rc, "worker-1", 1, time.Minute, 1)
	leased, err := q.Dequeue(ctx, pool.slotWorkerID(0), 1, pool.leaseDur)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	pool.runTask(ctx, 0, leased[0])

	got, err := s.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailedRetryable, got.Status)
	assert.Equal(t, 1, pool.crashCounts["job-crash/batch-000"])
}

// TestPool_HandlerPanic_SecondConsecutiveCrashQuarantines exercises spec.md
// §7's poison-task rule: the same batch crashing the handler on two
// consecutive attempts is quarantined FAILED_TERMINAL regardless of what a
// classifier would otherwise decide.
func TestPool_HandlerPanic_SecondConsecutiveCrashQuarantines(t *testing.T) {
	sktest.SmallTest(t)
	ctx := context.Background()

	clk := store.SystemClock{}
	s := memstore.New(clk)
	q := memqueue.New(s)
	artifacts := memartifact.New(clk)
	registry := handler.NewRegistry()
	registry.Register("panic-1", panicHandler{})
	rc := runtimectx.New(s, q, nil, artifacts, registry, clk)

	job := &types.Job{JobID: "job-crash", HandlerRef: "panic-1", Status: types.JobRunning}
	require.NoError(t, s.PutJob(ctx, job))
	require.NoError(t, s.PutBatch(ctx, &types.Batch{JobID: job.JobID, BatchID: "batch-000"}))

	pool := New(rc, "worker-1", 1, time.Minute, 1)

	for attempt := 1; attempt <= 2; attempt++ {
		task := &types.Task{
			TaskID:  fmt.Sprintf("job-crash-batch-000-a%d", attempt),
			TaskKey: types.TaskKey{JobID: job.JobID, BatchID: "batch-000"},
			Role:    types.RoleWorker,
			Attempt: attempt,
		}
		require.NoError(t, s.CreateTask(ctx, task))
		require.NoError(t, q.Enqueue(ctx, []*types.Task{task}))

		leased, err := q.Dequeue(ctx, pool.slotWorkerID(0), 1, pool.leaseDur)
		require.NoError(t, err)
		require.Len(t, leased, 1)

		pool.runTask(ctx, 0, leased[0])

		got, err := s.GetTask(ctx, task.TaskID)
		require.NoError(t, err)
		if attempt == 1 {
			assert.Equal(t, types.TaskFailedRetryable, got.Status)
		} else {
			assert.Equal(t, types.TaskFailedTerminal, got.Status, "second consecutive crash on the same batch must quarantine")
		}
	}
	assert.Equal(t, 0, pool.crashCounts["job-crash/batch-000"], "crash count resets once quarantined")
}
