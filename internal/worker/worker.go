// Package worker implements the Worker Pool (spec.md §4.D): a fixed set of
// slots, each an independent failure domain that dequeues one task at a
// time, runs a heartbeat loop at lease_duration/3, invokes the job's
// handler, and classifies the outcome into ack or nack. A handler panic is
// recovered per task rather than left to crash the slot (let alone the
// process), with a batch that panics twice consecutively quarantined
// FAILED_TERMINAL per spec.md §7's poison-task rule. Slot supervision uses
// golang.org/x/sync/errgroup the way the teacher's scheduling package does
// for its own bounded-concurrency fan-out.
package worker

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/metresearchgroup/bskybackfill/internal/handler"
	"github.com/metresearchgroup/bskybackfill/internal/metrics"
	"github.com/metresearchgroup/bskybackfill/internal/queue"
	"github.com/metresearchgroup/bskybackfill/internal/runtimectx"
	"github.com/metresearchgroup/bskybackfill/internal/sklog"
	"github.com/metresearchgroup/bskybackfill/internal/types"
)

// maxConsecutiveHeartbeatFailures is the threshold at which a slot abandons
// a task (spec.md §4.D step 2: "if heartbeat fails twice consecutively,
// abandon the task").
const maxConsecutiveHeartbeatFailures = 2

// maxConsecutiveHandlerCrashes is the poison-task threshold (spec.md §7:
// "handler crashes worker process twice consecutively on the same
// (batch_id, attempt-1, attempt)... quarantined as FAILED_TERMINAL
// regardless of classifier").
const maxConsecutiveHandlerCrashes = 2

// softTimeoutFraction is multiplied by lease duration to get the soft
// handler timeout (spec.md §4.D Resource discipline: "task timeout equal to
// its lease duration × 0.9").
const softTimeoutFraction = 0.9

// Pool is a fixed-size set of slots pulling tasks from a single WorkQueue.
type Pool struct {
	rc       *runtimectx.RuntimeContext
	workerID string
	slots    int
	leaseDur time.Duration
	maxN     int
	metrics  *metrics.Registry

	// crashMu guards crashCounts, the poison-task counter of consecutive
	// handler panics per (job_id, batch_id), tracked across attempts since
	// a new attempt gets a new task_id.
	crashMu     sync.Mutex
	crashCounts map[string]int
}

// New returns a Pool with slots concurrent slots, each leasing tasks for
// leaseDuration. maxN is stored on the Pool; each slot dequeues a single
// task per poll regardless of it.
func New(rc *runtimectx.RuntimeContext, workerID string, slots int, leaseDuration time.Duration, maxN int) *Pool {
	return &Pool{rc: rc, workerID: workerID, slots: slots, leaseDur: leaseDuration, maxN: maxN, crashCounts: map[string]int{}}
}

// WithMetrics attaches a metrics registry that task outcomes and lease
// events report into. Optional; a Pool with none simply skips reporting.
func (p *Pool) WithMetrics(reg *metrics.Registry) *Pool {
	p.metrics = reg
	return p
}

// Run drives all slots until ctx is cancelled. Each slot is an independent
// failure domain: a panic-free error from one slot's loop does not stop the
// others (spec.md §4.D: "Slots are independent failure domains").
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.slots; i++ {
		slotID := i
		g.Go(func() error {
			p.runSlot(ctx, slotID)
			return nil
		})
	}
	return g.Wait()
}

// newEmptyPollBackoff backs off an idle slot's repeated empty-queue polls up
// to 60s, so a quiet queue doesn't spin a slot at its base interval forever.
func newEmptyPollBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 60 * time.Second
	b.MaxElapsedTime = 0 // never stop retrying; the queue may fill at any time
	return b
}

func (p *Pool) runSlot(ctx context.Context, slotID int) {
	emptyBackoff := newEmptyPollBackoff()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		tasks, err := p.rc.Queue.Dequeue(ctx, p.slotWorkerID(slotID), 1, p.leaseDur)
		if err == queue.ErrEmpty {
			select {
			case <-ctx.Done():
				return
			case <-time.After(emptyBackoff.NextBackOff()):
				continue
			}
		}
		if err != nil {
			sklog.Errorf("worker slot %d: dequeue failed: %s", slotID, err)
			continue
		}
		emptyBackoff.Reset()
		for _, t := range tasks {
			p.runTask(ctx, slotID, t)
		}
	}
}

func (p *Pool) slotWorkerID(slotID int) string {
	return p.workerID + "-slot-" + strconv.Itoa(slotID)
}

// runTask executes spec.md §4.D's per-task state machine steps 2 through 5
// for one leased task.
func (p *Pool) runTask(ctx context.Context, slotID int, t *types.Task) {
	workerID := p.slotWorkerID(slotID)
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	abandoned := make(chan struct{})
	go p.heartbeatLoop(hbCtx, t, workerID, abandoned, cancel)
	if p.metrics != nil {
		p.metrics.LeasesAcquired.Inc()
	}

	job, h, ok := p.lookupHandler(ctx, t)
	if !ok {
		p.nack(ctx, t, workerID, queue.NackTerminal, "unknown handler for job")
		return
	}
	batch, err := p.rc.Store.GetBatch(ctx, t.JobID, t.BatchID)
	if err != nil {
		p.nack(ctx, t, workerID, queue.NackRetryable, "failed to load batch: "+err.Error())
		return
	}

	softTimeout := time.Duration(float64(p.leaseDur) * softTimeoutFraction)
	runCtx, cancelRun := context.WithTimeout(taskCtx, softTimeout)
	defer cancelRun()

	rc := handler.RunContext{
		RateLimiter: p.rc.RateLimiter,
		Checkpoint:  noopCheckpoint{},
		Logf:        sklog.Infof,
	}
	result, panicked := p.invokeHandler(runCtx, h, rc, handler.Batch{
		TaskID:   t.TaskID,
		BatchID:  t.BatchID,
		InputRef: batch.InputRef,
		Config:   job.Config,
		Attempt:  t.Attempt,
	})

	select {
	case <-abandoned:
		// Heartbeat loop gave up on us; the lease is gone. The coordinator's
		// lease reaper will put this task's id back on the WorkQueue once
		// the lease it holds expires, so a different worker can reclaim it.
		return
	default:
	}

	if panicked {
		p.handleCrash(ctx, t, workerID, job.HandlerRef)
		return
	}
	p.resetCrashCount(t)

	if runCtx.Err() == context.DeadlineExceeded {
		// Soft timeout fired; treat as retryable regardless of what the
		// handler managed to return (spec.md §4.D Resource discipline).
		p.nack(ctx, t, workerID, queue.NackRetryable, "soft timeout exceeded")
		return
	}

	switch result.Kind {
	case handler.Ok:
		if err := p.rc.Queue.Ack(ctx, t.TaskID, workerID, result.OutputRef); err != nil {
			sklog.Errorf("worker slot %d: ack failed for task %s: %s", slotID, t.TaskID, err)
		}
		p.reportStatus(t, types.TaskSuccess)
	case handler.RetryableErr:
		p.nack(ctx, t, workerID, queue.NackRetryable, result.Reason)
		p.reportHandlerError(job.HandlerRef, "retryable")
	case handler.TerminalErr:
		p.nack(ctx, t, workerID, queue.NackTerminal, result.Reason)
		p.reportHandlerError(job.HandlerRef, "terminal")
	}
}

// invokeHandler runs the handler with a recover guard so one poison task
// cannot take down the whole slot, let alone the process (spec.md §4.D:
// "Slots are independent failure domains"; §7 poison task).
func (p *Pool) invokeHandler(ctx context.Context, h handler.Handler, rc handler.RunContext, b handler.Batch) (result handler.Result, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			sklog.Errorf("worker: handler panicked on task %s batch %s: %v", b.TaskID, b.BatchID, r)
			panicked = true
		}
	}()
	return h.Run(ctx, rc, b), false
}

// handleCrash implements spec.md §7's poison-task rule: a batch whose
// handler panics twice consecutively (across attempts) is quarantined
// FAILED_TERMINAL regardless of what a classifier would otherwise say. A
// single crash is treated as retryable, the same as any other failure.
func (p *Pool) handleCrash(ctx context.Context, t *types.Task, workerID, handlerName string) {
	key := crashKey(t)
	p.crashMu.Lock()
	p.crashCounts[key]++
	count := p.crashCounts[key]
	p.crashMu.Unlock()

	if count >= maxConsecutiveHandlerCrashes {
		p.crashMu.Lock()
		delete(p.crashCounts, key)
		p.crashMu.Unlock()
		p.nack(ctx, t, workerID, queue.NackTerminal, "quarantined: handler crashed the worker twice consecutively for this batch")
		p.reportHandlerError(handlerName, "poison")
		return
	}
	p.nack(ctx, t, workerID, queue.NackRetryable, "handler panicked; slot recovered")
	p.reportHandlerError(handlerName, "panic")
}

func (p *Pool) resetCrashCount(t *types.Task) {
	key := crashKey(t)
	p.crashMu.Lock()
	delete(p.crashCounts, key)
	p.crashMu.Unlock()
}

func crashKey(t *types.Task) string { return t.JobID + "/" + t.BatchID }

func (p *Pool) nack(ctx context.Context, t *types.Task, workerID string, reason queue.NackReason, message string) {
	taskErr := &types.TaskError{Kind: string(reason), Message: message, RetriesSoFar: t.Attempt - 1}
	if err := p.rc.Queue.Nack(ctx, t.TaskID, workerID, reason, taskErr); err != nil {
		sklog.Errorf("worker: nack failed for task %s: %s", t.TaskID, err)
		return
	}
	status := types.TaskFailedRetryable
	if reason == queue.NackTerminal {
		status = types.TaskFailedTerminal
	}
	p.reportStatus(t, status)
}

func (p *Pool) reportStatus(t *types.Task, status types.TaskStatus) {
	if p.metrics == nil {
		return
	}
	p.metrics.TasksByStatus.WithLabelValues(string(status), t.Phase).Inc()
}

func (p *Pool) reportHandlerError(handlerName, kind string) {
	if p.metrics == nil {
		return
	}
	p.metrics.HandlerErrors.WithLabelValues(handlerName, kind).Inc()
}

// heartbeatLoop extends t's lease at lease_duration/3. If it fails twice
// consecutively it cancels runCancel and signals abandoned, per spec.md
// §4.D step 2.
func (p *Pool) heartbeatLoop(ctx context.Context, t *types.Task, workerID string, abandoned chan<- struct{}, runCancel context.CancelFunc) {
	interval := p.leaseDur / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	consecutiveFailures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.rc.Store.HeartbeatTask(ctx, t.TaskID, workerID, p.leaseDur)
			if err != nil {
				consecutiveFailures++
				sklog.Warningf("worker: heartbeat %d/%d failed for task %s: %s", consecutiveFailures, maxConsecutiveHeartbeatFailures, t.TaskID, err)
				if consecutiveFailures >= maxConsecutiveHeartbeatFailures {
					if p.metrics != nil {
						p.metrics.LeasesExpired.Inc()
					}
					runCancel()
					close(abandoned)
					return
				}
				continue
			}
			consecutiveFailures = 0
		}
	}
}

func (p *Pool) lookupHandler(ctx context.Context, t *types.Task) (*types.Job, handler.Handler, bool) {
	job, err := p.rc.Store.GetJob(ctx, t.JobID)
	if err != nil {
		sklog.Errorf("worker: failed to load job %s for task %s: %s", t.JobID, t.TaskID, err)
		return nil, nil, false
	}
	h, ok := p.rc.Handlers.Lookup(job.HandlerRef)
	return job, h, ok
}

// noopCheckpoint is the default CheckpointHandle for handlers that don't
// need resumable progress; it never reports done and silently drops saves,
// matching the contract's "advisory, never load-bearing" posture.
type noopCheckpoint struct{}

func (noopCheckpoint) Save(ctx context.Context, payload []byte) error           { return nil }
func (noopCheckpoint) Load(ctx context.Context) ([]byte, bool, error)          { return nil, false, nil }
func (noopCheckpoint) Done() <-chan struct{}                                    { return nil }
