package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	cfgpkg "github.com/metresearchgroup/bskybackfill/internal/config"

	"github.com/metresearchgroup/bskybackfill/internal/artifact/memartifact"
	"github.com/metresearchgroup/bskybackfill/internal/handler"
	"github.com/metresearchgroup/bskybackfill/internal/handler/echo"
	"github.com/metresearchgroup/bskybackfill/internal/queue"
	"github.com/metresearchgroup/bskybackfill/internal/queue/memqueue"
	"github.com/metresearchgroup/bskybackfill/internal/runtimectx"
	"github.com/metresearchgroup/bskybackfill/internal/store"
	"github.com/metresearchgroup/bskybackfill/internal/store/memstore"
	"github.com/metresearchgroup/bskybackfill/internal/types"

	"github.com/metresearchgroup/bskybackfill/internal/sktest"
)

func newTestRuntime() (*runtimectx.RuntimeContext, *memstore.Store) {
	clk := store.SystemClock{}
	s := memstore.New(clk)
	q := memqueue.New(s)
	artifacts := memartifact.New(clk)
	registry := handler.NewRegistry()
	registry.Register(echo.Name, echo.New(artifacts))
	return runtimectx.New(s, q, nil, artifacts, registry, clk), s
}

// fakeClock gives tests direct control over lease expiry, mirroring
// internal/store/memstore's own fakeClock test helper.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time         { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRuntimeWithClock(clk *fakeClock) (*runtimectx.RuntimeContext, *memstore.Store) {
	s := memstore.New(clk)
	q := memqueue.New(s)
	artifacts := memartifact.New(clk)
	registry := handler.NewRegistry()
	registry.Register(echo.Name, echo.New(artifacts))
	return runtimectx.New(s, q, nil, artifacts, registry, clk), s
}

// combinedDoc is a single YAML document carrying both the generic Job
// envelope fields the Coordinator reads (name, handler_ref, retry, ...) and
// the echo handler's own "batches" field — handlers read fields out of the
// same raw config bytes the Coordinator validates, ignoring keys they don't
// recognize.
type combinedDoc struct {
	cfgpkg.Job `yaml:",inline"`
	Batches    []string `yaml:"batches"`
}

func echoRawConfig(t *testing.T, batches []string, maxRetryPhases int) []byte {
	t.Helper()
	doc := combinedDoc{
		Job: cfgpkg.Job{
			Name:        "echo-job",
			HandlerRef:  echo.Name,
			Input:       cfgpkg.Input{Path: "job-input"},
			Retry:       cfgpkg.Retry{MaxRetryPhases: maxRetryPhases},
			Aggregation: cfgpkg.Aggregation{FanIn: 10},
		},
		Batches: batches,
	}
	raw, err := yaml.Marshal(doc)
	require.NoError(t, err)
	return raw
}

func TestCoordinator_HappyPath(t *testing.T) {
	sktest.MediumTest(t)
	ctx := context.Background()
	rc, s := newTestRuntime()
	coord := New(rc, "coord-1", time.Minute, 10*time.Millisecond)

	rawConfig := echoRawConfig(t, []string{"a", "b", "c"}, 2)
	cfg := &cfgpkg.Job{Name: "echo-job", HandlerRef: echo.Name, Input: cfgpkg.Input{Path: "job-input"}, Retry: cfgpkg.Retry{MaxRetryPhases: 2}, Aggregation: cfgpkg.Aggregation{FanIn: 10}}

	job, err := coord.SubmitJob(ctx, cfg, rawConfig, "tester")
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, job.Status)

	// Drain the queue directly (standing in for a worker pool) and ack
	// each task through the echo handler.
	h, _ := rc.Handlers.Lookup(echo.Name)
	for {
		tasks, err := rc.Queue.Dequeue(ctx, "worker-1", 1, time.Minute)
		if err != nil {
			break
		}
		for _, tk := range tasks {
			batch, err := rc.Store.GetBatch(ctx, tk.JobID, tk.BatchID)
			require.NoError(t, err)
			result := h.Run(ctx, handler.RunContext{}, handler.Batch{
				TaskID:   tk.TaskID,
				BatchID:  tk.BatchID,
				InputRef: batch.InputRef,
				Config:   rawConfig,
				Attempt:  tk.Attempt,
			})
			require.Equal(t, handler.Ok, result.Kind)
			require.NoError(t, rc.Queue.Ack(ctx, tk.TaskID, "worker-1", result.OutputRef))
		}
	}

	done := false
	for i := 0; i < 50 && !done; i++ {
		done, err = coord.Tick(ctx, job.JobID)
		require.NoError(t, err)
		if !done {
			time.Sleep(time.Millisecond)
		}
	}
	require.True(t, done, "job should reach a terminal state")

	final, err := s.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, final.Status)
	assert.Equal(t, 3, final.SucceededCount)

	counts, err := s.CountByStatus(ctx, job.JobID)
	require.NoError(t, err)
	// Three worker tasks plus the single aggregation step task of this job.
	assert.Equal(t, 4, counts[types.TaskSuccess])
}

func TestCoordinator_ZeroBatchJobCompletesImmediately(t *testing.T) {
	sktest.MediumTest(t)
	ctx := context.Background()
	rc, _ := newTestRuntime()
	coord := New(rc, "coord-1", time.Minute, 10*time.Millisecond)

	rawConfig := echoRawConfig(t, nil, 2)
	cfg := &cfgpkg.Job{Name: "echo-job", HandlerRef: echo.Name, Input: cfgpkg.Input{Path: "job-input"}, Retry: cfgpkg.Retry{MaxRetryPhases: 2}}

	job, err := coord.SubmitJob(ctx, cfg, rawConfig, "tester")
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, job.Status)
}

func TestCoordinator_AllTerminalFailuresFailJob(t *testing.T) {
	sktest.MediumTest(t)
	ctx := context.Background()
	rc, s := newTestRuntime()
	coord := New(rc, "coord-1", time.Minute, 10*time.Millisecond)

	rawConfig := echoRawConfig(t, []string{"only"}, 2)
	cfg := &cfgpkg.Job{Name: "echo-job", HandlerRef: echo.Name, Input: cfgpkg.Input{Path: "job-input"}, Retry: cfgpkg.Retry{MaxRetryPhases: 2}}

	job, err := coord.SubmitJob(ctx, cfg, rawConfig, "tester")
	require.NoError(t, err)

	tasks, err := rc.Queue.Dequeue(ctx, "worker-1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.NoError(t, rc.Queue.Nack(ctx, tasks[0].TaskID, "worker-1", queue.NackTerminal, &types.TaskError{Kind: "terminal", Message: "boom"}))

	done, err := coord.Tick(ctx, job.JobID)
	require.NoError(t, err)
	require.True(t, done)

	final, err := s.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, final.Status)
}

// TestCoordinator_RetryableFailurePromotesPhaseThenTerminates exercises the
// poison-batch seed scenario (spec.md §8 seed test 4): a batch that keeps
// nacking retryable exhausts max_retry_phases and becomes FAILED_TERMINAL,
// while the job still completes because the other batch succeeded.
func TestCoordinator_RetryableFailurePromotesPhaseThenTerminates(t *testing.T) {
	sktest.MediumTest(t)
	ctx := context.Background()
	rc, s := newTestRuntime()
	coord := New(rc, "coord-1", time.Minute, 10*time.Millisecond)

	rawConfig := echoRawConfig(t, []string{"good", "poison"}, 1)
	cfg := &cfgpkg.Job{Name: "echo-job", HandlerRef: echo.Name, Input: cfgpkg.Input{Path: "job-input"}, Retry: cfgpkg.Retry{MaxRetryPhases: 1}, Aggregation: cfgpkg.Aggregation{FanIn: 10}}

	job, err := coord.SubmitJob(ctx, cfg, rawConfig, "tester")
	require.NoError(t, err)

	h, _ := rc.Handlers.Lookup(echo.Name)
	runToExhaustion := func() {
		for {
			tasks, err := rc.Queue.Dequeue(ctx, "worker-1", 1, time.Minute)
			if err != nil {
				break
			}
			for _, tk := range tasks {
				batch, err := rc.Store.GetBatch(ctx, tk.JobID, tk.BatchID)
				require.NoError(t, err)
				if tk.BatchID == "batch-001" { // "poison" is the second configured batch
					require.NoError(t, rc.Queue.Nack(ctx, tk.TaskID, "worker-1", queue.NackRetryable, &types.TaskError{Kind: "handler", Message: "deterministic failure"}))
					continue
				}
				result := h.Run(ctx, handler.RunContext{}, handler.Batch{
					TaskID: tk.TaskID, BatchID: tk.BatchID, InputRef: batch.InputRef, Config: rawConfig, Attempt: tk.Attempt,
				})
				require.Equal(t, handler.Ok, result.Kind)
				require.NoError(t, rc.Queue.Ack(ctx, tk.TaskID, "worker-1", result.OutputRef))
			}
		}
	}

	// Initial phase: good succeeds, poison nacks retryable.
	runToExhaustion()
	tickDone, err := coord.Tick(ctx, job.JobID)
	require.NoError(t, err)
	require.False(t, tickDone, "a tick that promotes a retry phase is not itself a terminal tick")

	// Retry phase 1 (== max_retry_phases): poison nacks retryable again, so
	// the next tick converts it straight to FAILED_TERMINAL instead of
	// enqueueing a third attempt.
	runToExhaustion()

	var done bool
	for i := 0; i < 20 && !done; i++ {
		done, err = coord.Tick(ctx, job.JobID)
		require.NoError(t, err)
	}
	require.True(t, done, "job should reach a terminal state after exhausting retries")

	final, err := s.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, final.Status, "job completes: one batch succeeded even though the other exhausted retries")
	assert.Equal(t, 1, final.SucceededCount)

	tasks, err := s.ListTasks(ctx, store.TaskFilter{JobID: job.JobID})
	require.NoError(t, err)
	var terminalFailures int
	for _, tk := range tasks {
		if tk.Role == types.RoleWorker && tk.Status == types.TaskFailedTerminal {
			terminalFailures++
		}
	}
	assert.Equal(t, 1, terminalFailures, "poison batch ends FAILED_TERMINAL, not retried forever")
}

// TestCoordinator_ReapsExpiredLeaseAndRequeuesOrphanedTask exercises spec.md
// §3 invariant 1 and §8 seed scenario 2: a worker that heartbeats once (so
// its task is RUNNING, not just LEASED) and then crashes must not strand its
// task forever. Tick has to both let the lease be reclaimed and put the
// task's ID back on the WorkQueue so a different worker can pick it up.
func TestCoordinator_ReapsExpiredLeaseAndRequeuesOrphanedTask(t *testing.T) {
	sktest.MediumTest(t)
	ctx := context.Background()
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rc, s := newTestRuntimeWithClock(clk)
	coord := New(rc, "coord-1", time.Minute, 10*time.Millisecond)

	rawConfig := echoRawConfig(t, []string{"only"}, 2)
	cfg := &cfgpkg.Job{Name: "echo-job", HandlerRef: echo.Name, Input: cfgpkg.Input{Path: "job-input"}, Retry: cfgpkg.Retry{MaxRetryPhases: 2}, Aggregation: cfgpkg.Aggregation{FanIn: 10}}

	job, err := coord.SubmitJob(ctx, cfg, rawConfig, "tester")
	require.NoError(t, err)

	leaseDuration := 30 * time.Second
	leased, err := rc.Queue.Dequeue(ctx, "worker-crashed", 1, leaseDuration)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	taskID := leased[0].TaskID

	// Worker heartbeats once (LEASED -> RUNNING) then crashes mid-task.
	require.NoError(t, s.HeartbeatTask(ctx, taskID, "worker-crashed", leaseDuration))
	clk.advance(leaseDuration + time.Second)

	done, err := coord.Tick(ctx, job.JobID)
	require.NoError(t, err)
	require.False(t, done, "an in-flight (if orphaned) task must not be treated as terminal")

	mid, err := s.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskRunning, mid.Status, "reaping only requeues the task id, it does not itself touch lease state")

	redelivered, err := rc.Queue.Dequeue(ctx, "worker-2", 1, leaseDuration)
	require.NoError(t, err)
	require.Len(t, redelivered, 1, "the orphaned task's id must be back on the queue for a different worker")
	assert.Equal(t, taskID, redelivered[0].TaskID)

	h, _ := rc.Handlers.Lookup(echo.Name)
	batch, err := rc.Store.GetBatch(ctx, job.JobID, redelivered[0].BatchID)
	require.NoError(t, err)
	result := h.Run(ctx, handler.RunContext{}, handler.Batch{
		TaskID: taskID, BatchID: redelivered[0].BatchID, InputRef: batch.InputRef, Config: rawConfig, Attempt: redelivered[0].Attempt,
	})
	require.Equal(t, handler.Ok, result.Kind)
	require.NoError(t, rc.Queue.Ack(ctx, taskID, "worker-2", result.OutputRef))

	for i := 0; i < 20 && !done; i++ {
		done, err = coord.Tick(ctx, job.JobID)
		require.NoError(t, err)
	}
	require.True(t, done, "job should reach a terminal state once the reclaimed task succeeds")

	final, err := s.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, final.Status)
	assert.Equal(t, 1, final.SucceededCount)
}

// TestCoordinator_CancelStopsFutureAggregation exercises spec.md §8 seed test
// 5: cancelling a job marks it CANCELLED, terminally resolves any
// non-terminal tasks, and Tick never triggers aggregation afterward.
func TestCoordinator_CancelStopsFutureAggregation(t *testing.T) {
	sktest.MediumTest(t)
	ctx := context.Background()
	rc, s := newTestRuntime()
	coord := New(rc, "coord-1", time.Minute, 10*time.Millisecond)

	rawConfig := echoRawConfig(t, []string{"a", "b"}, 1)
	cfg := &cfgpkg.Job{Name: "echo-job", HandlerRef: echo.Name, Input: cfgpkg.Input{Path: "job-input"}, Retry: cfgpkg.Retry{MaxRetryPhases: 1}, Aggregation: cfgpkg.Aggregation{FanIn: 10}}

	job, err := coord.SubmitJob(ctx, cfg, rawConfig, "tester")
	require.NoError(t, err)

	require.NoError(t, coord.Cancel(ctx, job.JobID))

	final, err := s.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCancelled, final.Status)

	done, err := coord.Tick(ctx, job.JobID)
	require.NoError(t, err)
	assert.True(t, done, "Tick must treat an already-cancelled job as done, never aggregating")

	tasks, err := s.ListTasks(ctx, store.TaskFilter{JobID: job.JobID})
	require.NoError(t, err)
	for _, tk := range tasks {
		assert.True(t, tk.Done(), "every task must be terminal after cancellation")
	}
}
