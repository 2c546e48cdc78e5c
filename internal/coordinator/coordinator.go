// Package coordinator implements Job intake, task emission, the progress
// tick loop, retry planning, and aggregation triggering (spec.md §4.E). The
// tick loop is a single long-lived per-Job loop running
// {refreshCounts, maybePromotePhase, maybeTriggerAggregation} at a fixed
// interval, per spec.md §9 Design Notes ("Model as a single long-lived task
// per Job running a fixed-interval tick... No generators, no nested
// async; one explicit loop.").
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/metresearchgroup/bskybackfill/internal/aggregator"
	"github.com/metresearchgroup/bskybackfill/internal/config"
	"github.com/metresearchgroup/bskybackfill/internal/idgen"
	"github.com/metresearchgroup/bskybackfill/internal/metrics"
	"github.com/metresearchgroup/bskybackfill/internal/runtimectx"
	"github.com/metresearchgroup/bskybackfill/internal/skerr"
	"github.com/metresearchgroup/bskybackfill/internal/sklog"
	"github.com/metresearchgroup/bskybackfill/internal/store"
	"github.com/metresearchgroup/bskybackfill/internal/types"
)

// ErrUnknownHandler is returned by SubmitJob when handler_ref is not
// registered (spec.md §4.E step 1, §6 exit code 4).
var ErrUnknownHandler = errors.New("coordinator: unknown handler_ref")

// Coordinator runs Job intake and the per-Job progress loop. It is itself
// stateless: all state lives in the Store, so a restarted Coordinator
// reconstructs its view and resumes (spec.md §4.E Coordinator failure
// recovery).
type Coordinator struct {
	rc           *runtimectx.RuntimeContext
	ownerID      string
	lockDuration time.Duration
	tickInterval time.Duration
	aggregator   *aggregator.Aggregator
	metrics      *metrics.Registry

	orphansSeen map[string]int
	// reapedLeases records, per task_id, the LeaseExpiresAt already pushed
	// back onto the WorkQueue, so a lease that keeps expiring across many
	// ticks before a worker reclaims it is requeued once per lease
	// generation rather than once per tick.
	reapedLeases map[string]time.Time
}

// New returns a Coordinator identified by ownerID (used for the job-scoped
// lock), ticking every tickInterval and holding the lock for lockDuration
// between renewals.
func New(rc *runtimectx.RuntimeContext, ownerID string, lockDuration, tickInterval time.Duration) *Coordinator {
	return &Coordinator{
		rc:           rc,
		ownerID:      ownerID,
		lockDuration: lockDuration,
		tickInterval: tickInterval,
		aggregator:   aggregator.New(rc.Store, rc.Clock),
		orphansSeen:  map[string]int{},
		reapedLeases: map[string]time.Time{},
	}
}

// WithMetrics attaches a metrics registry that lease-reclamation and
// aggregation-step outcomes report into. Optional.
func (c *Coordinator) WithMetrics(reg *metrics.Registry) *Coordinator {
	c.metrics = reg
	return c
}

// SubmitJob performs Job intake (spec.md §4.E step 1 and 2): validates the
// handler, writes the Job Manifest, partitions the input into Batches, and
// emits one initial Task per Batch.
func (c *Coordinator) SubmitJob(ctx context.Context, cfg *config.Job, rawConfig []byte, submittedBy string) (*types.Job, error) {
	h, ok := c.rc.Handlers.Lookup(cfg.HandlerRef)
	if !ok {
		return nil, skerr.Wrapf(ErrUnknownHandler, "%s", cfg.HandlerRef)
	}

	job := &types.Job{
		JobID:       idgen.New("job"),
		HandlerRef:  cfg.HandlerRef,
		Config:      rawConfig,
		SubmittedAt: c.rc.Clock.Now(),
		SubmittedBy: submittedBy,
		Status:      types.JobPending,
	}
	if err := c.rc.Store.PutJob(ctx, job); err != nil {
		return nil, skerr.Wrap(err)
	}

	batches, err := h.Partition(ctx, cfg.Input.Path, rawConfig)
	if err != nil {
		return nil, skerr.Wrap(err)
	}

	if len(batches) == 0 {
		// Boundary behavior: a zero-batch Job transitions straight to
		// COMPLETED with no aggregation artifact (spec.md §8).
		job.Status = types.JobCompleted
		now := c.rc.Clock.Now()
		job.CompletedAt = &now
		if err := c.rc.Store.PutJob(ctx, job); err != nil {
			return nil, skerr.Wrap(err)
		}
		return job, nil
	}

	tasks := make([]*types.Task, 0, len(batches))
	for _, b := range batches {
		if err := c.rc.Store.PutBatch(ctx, &types.Batch{
			JobID:     job.JobID,
			BatchID:   b.BatchID,
			InputRef:  b.InputRef,
			CreatedAt: c.rc.Clock.Now(),
		}); err != nil {
			return nil, skerr.Wrap(err)
		}
		task := &types.Task{
			TaskID:  job.JobID + "-" + b.BatchID,
			TaskKey: types.TaskKey{JobID: job.JobID, BatchID: b.BatchID},
			Role:    types.RoleWorker,
			Phase:   "initial",
			Attempt: 1,
		}
		if err := c.rc.Store.CreateTask(ctx, task); err != nil {
			return nil, skerr.Wrap(err)
		}
		got, err := c.rc.Store.GetTask(ctx, task.TaskID)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		tasks = append(tasks, got)
	}
	if err := c.rc.Queue.Enqueue(ctx, tasks); err != nil {
		return nil, skerr.Wrap(err)
	}

	job.Status = types.JobRunning
	job.PendingCount = len(tasks)
	if err := c.rc.Store.PutJob(ctx, job); err != nil {
		return nil, skerr.Wrap(err)
	}
	return job, nil
}

// RunLoop drives Tick for jobID at c.tickInterval until ctx is cancelled or
// the Job reaches a terminal status.
func (c *Coordinator) RunLoop(ctx context.Context, jobID string) error {
	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()
	for {
		done, err := c.Tick(ctx, jobID)
		if err != nil {
			sklog.Errorf("coordinator: tick failed for job %s: %s", jobID, err)
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one {refresh_counts, maybe_promote_phase,
// maybe_trigger_aggregation} pass under the job-scoped lock (spec.md §4.E,
// §9). It returns done=true once the Job has reached a terminal status.
func (c *Coordinator) Tick(ctx context.Context, jobID string) (done bool, err error) {
	acquired, err := c.rc.Store.AcquireJobLock(ctx, jobID, c.ownerID, c.lockDuration)
	if err != nil {
		return false, skerr.Wrap(err)
	}
	if !acquired {
		// Another Coordinator holds the lock; nothing to do this tick.
		return false, nil
	}
	defer func() {
		if releaseErr := c.rc.Store.ReleaseJobLock(ctx, jobID, c.ownerID); releaseErr != nil {
			sklog.Warningf("coordinator: failed to release lock for job %s: %s", jobID, releaseErr)
		}
	}()

	job, err := c.rc.Store.GetJob(ctx, jobID)
	if err != nil {
		return false, skerr.Wrap(err)
	}
	if job.Done() {
		return true, nil
	}
	c.reportOrphanReclaims(jobID, job.OrphansReclaimed)

	tasks, err := c.rc.Store.ListTasks(ctx, store.TaskFilter{JobID: jobID})
	if err != nil {
		return false, skerr.Wrap(err)
	}
	if err := c.reapExpiredLeases(ctx, tasks); err != nil {
		return false, skerr.Wrap(err)
	}
	c.refreshCounts(job, tasks)
	if err := c.rc.Store.PutJob(ctx, job); err != nil {
		return false, skerr.Wrap(err)
	}
	if c.metrics != nil {
		c.metrics.QueueDepth.WithLabelValues(jobID, "pending").Set(float64(job.PendingCount))
	}

	if promoted, err := c.maybePromotePhase(ctx, job, tasks); err != nil {
		return false, err
	} else if promoted {
		return false, nil
	}

	return c.maybeTriggerAggregation(ctx, job, tasks)
}

// refreshCounts recomputes Job.*Count fields from worker-role Task state,
// the derived-never-authoritative counters spec.md §3 invariant 5
// describes.
func (c *Coordinator) refreshCounts(job *types.Job, tasks []*types.Task) {
	job.PendingCount, job.RunningCount, job.SucceededCount, job.FailedCount = 0, 0, 0, 0
	for _, t := range tasks {
		if t.Role != types.RoleWorker {
			continue
		}
		switch t.Status {
		case types.TaskPending, types.TaskLeased:
			job.PendingCount++
		case types.TaskRunning:
			job.RunningCount++
		case types.TaskSuccess:
			job.SucceededCount++
		case types.TaskFailedTerminal, types.TaskCancelled:
			job.FailedCount++
		}
	}
}

// maybePromotePhase implements spec.md §4.E step 4: once every worker task
// is terminal, group FAILED_RETRYABLE tasks into a new retry phase, or —
// past max_retry_phases — convert them to FAILED_TERMINAL.
func (c *Coordinator) maybePromotePhase(ctx context.Context, job *types.Job, tasks []*types.Task) (bool, error) {
	// Invariant 2 (spec.md §3): at most one Task attempt per (job_id,
	// batch_id) is ever non-terminal at a time, so only the latest attempt
	// per batch reflects that batch's current outcome — earlier attempts
	// stay FAILED_RETRYABLE forever as history and must not be reprocessed
	// on every subsequent tick (they would otherwise collide on the same
	// attempt+1 Task ID a later phase already created).
	var retryable []*types.Task
	for _, t := range latestAttemptPerBatch(tasks) {
		if !t.Done() && t.Status != types.TaskFailedRetryable {
			// Non-terminal worker tasks still in flight: nothing to
			// promote yet.
			return false, nil
		}
		if t.Status == types.TaskFailedRetryable {
			retryable = append(retryable, t)
		}
	}
	if len(retryable) == 0 {
		return false, nil
	}

	jobCfg, cfgErr := config.Parse(job.Config)
	if cfgErr != nil {
		return false, skerr.Wrap(cfgErr)
	}

	if job.RetryPhase >= jobCfg.Retry.MaxRetryPhases {
		for _, t := range retryable {
			if err := c.rc.Store.CompleteTask(ctx, t.TaskID, t.LeaseOwner, store.Outcome{
				Status: types.TaskFailedTerminal,
				Error:  t.Error,
			}); err != nil {
				sklog.Warningf("coordinator: failed to finalize exhausted task %s: %s", t.TaskID, err)
			}
		}
		return false, nil
	}

	job.RetryPhase++
	phase := fmt.Sprintf("retry_%d", job.RetryPhase)
	newTasks := make([]*types.Task, 0, len(retryable))
	for _, t := range retryable {
		nt := &types.Task{
			TaskID:   fmt.Sprintf("%s-%s-a%d", job.JobID, t.BatchID, t.Attempt+1),
			TaskKey:  t.TaskKey,
			Role:     types.RoleWorker,
			Phase:    phase,
			Attempt:  t.Attempt + 1,
			Priority: t.Priority + 1, // retries accelerate under partial failure (spec.md §4.C Priority).
		}
		if err := c.rc.Store.CreateTask(ctx, nt); err != nil {
			return false, skerr.Wrap(err)
		}
		got, err := c.rc.Store.GetTask(ctx, nt.TaskID)
		if err != nil {
			return false, skerr.Wrap(err)
		}
		newTasks = append(newTasks, got)
	}
	if err := c.rc.Queue.Enqueue(ctx, newTasks); err != nil {
		return false, skerr.Wrap(err)
	}
	if err := c.rc.Store.PutJob(ctx, job); err != nil {
		return false, skerr.Wrap(err)
	}
	return true, nil
}

// maybeTriggerAggregation implements spec.md §4.E step 5: once no
// non-terminal worker tasks remain, aggregate the successful outputs, or
// mark the Job FAILED if none succeeded.
func (c *Coordinator) maybeTriggerAggregation(ctx context.Context, job *types.Job, tasks []*types.Task) (bool, error) {
	// Only the latest attempt per batch reflects whether that batch is
	// still in flight — a superseded FAILED_RETRYABLE row from an earlier
	// attempt must not block aggregation once its successor has resolved
	// (spec.md §3 invariant 2).
	latest := latestAttemptPerBatch(tasks)
	for _, t := range latest {
		if !t.Done() {
			return false, nil
		}
	}

	successOutputs := aggregator.OrderSuccessfulOutputs(latest)
	if len(successOutputs) == 0 {
		job.Status = types.JobFailed
		now := c.rc.Clock.Now()
		job.CompletedAt = &now
		return true, c.rc.Store.PutJob(ctx, job)
	}

	job.Status = types.JobAggregating
	if err := c.rc.Store.PutJob(ctx, job); err != nil {
		return false, skerr.Wrap(err)
	}

	h, ok := c.rc.Handlers.Lookup(job.HandlerRef)
	if !ok {
		return false, skerr.Wrapf(ErrUnknownHandler, "%s", job.HandlerRef)
	}
	jobCfg, err := config.Parse(job.Config)
	if err != nil {
		return false, skerr.Wrap(err)
	}
	finalRef, err := c.aggregator.Run(ctx, job.JobID, h, successOutputs, jobCfg.Aggregation.FanIn)
	if err != nil {
		job.Status = types.JobFailed
		now := c.rc.Clock.Now()
		job.CompletedAt = &now
		_ = c.rc.Store.PutJob(ctx, job)
		if c.metrics != nil {
			c.metrics.AggregationSteps.WithLabelValues("failed").Inc()
		}
		return true, skerr.Wrap(err)
	}
	if c.metrics != nil {
		c.metrics.AggregationSteps.WithLabelValues("succeeded").Inc()
	}

	sklog.Infof("coordinator: job %s aggregation complete, final artifact %s", job.JobID, finalRef)
	job.Status = types.JobCompleted
	now := c.rc.Clock.Now()
	job.CompletedAt = &now
	return true, c.rc.Store.PutJob(ctx, job)
}

// reapExpiredLeases is the other half of orphan-lease reclamation
// (spec.md §3 invariant 1, §5): Store.AcquireLease only lets a lease with an
// expired LeaseExpiresAt be *reclaimed*, but a dequeued task's ID is gone
// from the WorkQueue for good once dequeued, so nothing ever hands a crashed
// worker's task to a future Dequeue call unless something pushes its ID back
// on. This scans LEASED/RUNNING worker tasks whose lease has expired and
// re-enqueues them so the next Dequeue (by any worker) can reclaim them.
func (c *Coordinator) reapExpiredLeases(ctx context.Context, tasks []*types.Task) error {
	now := c.rc.Clock.Now()
	var toRequeue []*types.Task
	for _, t := range tasks {
		if t.Role != types.RoleWorker || t.Done() {
			continue
		}
		if t.Status != types.TaskLeased && t.Status != types.TaskRunning {
			continue
		}
		if !t.LeaseExpired(now) {
			continue
		}
		if seen, ok := c.reapedLeases[t.TaskID]; ok && seen.Equal(t.LeaseExpiresAt) {
			continue
		}
		c.reapedLeases[t.TaskID] = t.LeaseExpiresAt
		toRequeue = append(toRequeue, t)
	}
	if len(toRequeue) == 0 {
		return nil
	}
	for _, t := range toRequeue {
		sklog.Warningf("coordinator: requeuing task %s after lease expiry (owner %s)", t.TaskID, t.LeaseOwner)
	}
	return c.rc.Queue.Enqueue(ctx, toRequeue)
}

// reportOrphanReclaims reports newly observed orphan-lease reclamations for
// jobID as a metrics delta, since Store.OrphansReclaimed is a running total
// rather than a per-tick count.
func (c *Coordinator) reportOrphanReclaims(jobID string, total int) {
	if c.metrics == nil {
		return
	}
	prev := c.orphansSeen[jobID]
	if total > prev {
		c.metrics.LeasesReclaimed.Add(float64(total - prev))
	}
	c.orphansSeen[jobID] = total
}

// latestAttemptPerBatch returns, for each (job_id, batch_id), only the
// highest-Attempt worker Task — the one row whose status reflects that
// batch's current lineage (spec.md §3 invariant 2).
func latestAttemptPerBatch(tasks []*types.Task) []*types.Task {
	latest := map[string]*types.Task{}
	for _, t := range tasks {
		if t.Role != types.RoleWorker {
			continue
		}
		if cur, ok := latest[t.BatchID]; !ok || t.Attempt > cur.Attempt {
			latest[t.BatchID] = t
		}
	}
	out := make([]*types.Task, 0, len(latest))
	for _, t := range latest {
		out = append(out, t)
	}
	return out
}

// Cancel implements spec.md §4.E Cancellation: sets status=CANCELLED, stops
// future task emission (enforced by Tick/RunLoop observing job.Done()), and
// marks every non-terminal task (PENDING, LEASED or RUNNING) CANCELLED
// immediately; a worker still holding one finds out when its next heartbeat
// is rejected. Terminal tasks, including SUCCESS ones, are left untouched.
func (c *Coordinator) Cancel(ctx context.Context, jobID string) error {
	job, err := c.rc.Store.GetJob(ctx, jobID)
	if err != nil {
		return skerr.Wrap(err)
	}
	if job.Done() {
		return nil
	}
	job.Status = types.JobCancelled
	now := c.rc.Clock.Now()
	job.CompletedAt = &now
	if err := c.rc.Store.PutJob(ctx, job); err != nil {
		return skerr.Wrap(err)
	}

	tasks, err := c.rc.Store.ListTasks(ctx, store.TaskFilter{JobID: jobID})
	if err != nil {
		return skerr.Wrap(err)
	}
	for _, t := range tasks {
		if t.Done() {
			continue
		}
		if err := c.rc.Store.CompleteTask(ctx, t.TaskID, t.LeaseOwner, store.Outcome{Status: types.TaskCancelled}); err != nil {
			sklog.Warningf("coordinator: failed to cancel task %s: %s", t.TaskID, err)
		}
	}
	return nil
}
