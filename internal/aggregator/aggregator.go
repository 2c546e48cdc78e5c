// Package aggregator implements the hierarchical merge algorithm of
// spec.md §4.E: given N successful output artifacts with fan-in F, emit
// ceil(N/F) intermediate artifacts, then recurse until one remains. Each
// merge step's format validation, `.done`-gating, and row-count/checksum
// bookkeeping is owned by the job's handler.Handler.Aggregate
// implementation; this package owns fan-in grouping and the Task
// bookkeeping around each step so aggregation progress is observable and
// idempotent the same way worker task progress is.
package aggregator

import (
	"context"
	"fmt"
	"sort"
	"time"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/metresearchgroup/bskybackfill/internal/handler"
	"github.com/metresearchgroup/bskybackfill/internal/skerr"
	"github.com/metresearchgroup/bskybackfill/internal/sklog"
	"github.com/metresearchgroup/bskybackfill/internal/store"
	"github.com/metresearchgroup/bskybackfill/internal/types"
)

const aggregatorOwnerID = "aggregator"
const stepLeaseDuration = 5 * time.Minute

// Aggregator drives the merge tree for a single Job.
type Aggregator struct {
	store store.Store
	clock store.Clock
}

// New returns an Aggregator backed by s.
func New(s store.Store, clock store.Clock) *Aggregator {
	if clock == nil {
		clock = store.SystemClock{}
	}
	return &Aggregator{store: s, clock: clock}
}

// Run merges orderedOutputs (already batch_id-ascending, spec.md §4.E
// "totally ordered by batch_id ASC unless the handler declares an
// unordered reducer") down to a single artifact using h and fanIn,
// recording one Task per merge step under jobID. It returns the final
// artifact's reference.
func (a *Aggregator) Run(ctx context.Context, jobID string, h handler.Handler, orderedOutputs []string, fanIn int) (string, error) {
	if len(orderedOutputs) == 0 {
		return "", skerr.Fmt("aggregator: no successful outputs to merge for job %s", jobID)
	}
	if fanIn <= 0 {
		fanIn = len(orderedOutputs)
	}

	level := orderedOutputs
	levelNum := 0
	for len(level) > 1 {
		groups := chunk(level, fanIn)
		next := make([]string, 0, len(groups))
		var errs *multierror.Error
		for i, g := range groups {
			ref, err := a.runStep(ctx, jobID, h, levelNum, i, g)
			if err != nil {
				errs = multierror.Append(errs, skerr.Wrapf(err, "level %d group %d", levelNum, i))
				continue
			}
			next = append(next, ref)
		}
		if errs.ErrorOrNil() != nil {
			// Surface every failed group in this level at once rather than
			// stopping at the first, the same way isolateCandidates
			// collects per-candidate failures before giving up.
			return "", errs.ErrorOrNil()
		}
		sklog.Infof("aggregator: job %s level %d merged %d inputs into %d outputs", jobID, levelNum, len(level), len(next))
		level = next
		levelNum++
	}
	return level[0], nil
}

// runStep executes one merge step as a recorded, leased Task so its
// outcome is idempotent and observable the same way a worker task is.
func (a *Aggregator) runStep(ctx context.Context, jobID string, h handler.Handler, level, index int, inputs []string) (string, error) {
	batchID := fmt.Sprintf("agg-L%d-%03d", level, index)
	taskID := jobID + "-" + batchID

	task := &types.Task{
		TaskID:  taskID,
		TaskKey: types.TaskKey{JobID: jobID, BatchID: batchID},
		Role:    types.RoleAggregator,
		Phase:   fmt.Sprintf("aggregation-L%d", level),
		Attempt: 1,
	}
	if err := a.store.CreateTask(ctx, task); err != nil && !skerr.Is(err, store.ErrAlreadyExists) {
		return "", skerr.Wrap(err)
	}

	lease, err := a.store.AcquireLease(ctx, taskID, aggregatorOwnerID, stepLeaseDuration)
	if err != nil {
		// Already leased/completed by a prior Coordinator attempt at this
		// same step; read back its result instead of redoing the merge.
		existing, getErr := a.store.GetTask(ctx, taskID)
		if getErr == nil && existing.Success() {
			return existing.OutputRef, nil
		}
		return "", skerr.Wrap(err)
	}

	outRef, mergeErr := h.Aggregate(ctx, inputs)
	if mergeErr != nil {
		_ = a.store.CompleteTask(ctx, taskID, lease.WorkerID, store.Outcome{
			Status: types.TaskFailedRetryable,
			Error:  &types.TaskError{Kind: "aggregation", Message: mergeErr.Error()},
		})
		return "", skerr.Wrapf(mergeErr, "aggregation step %s", batchID)
	}

	if err := a.store.CompleteTask(ctx, taskID, lease.WorkerID, store.Outcome{
		Status:    types.TaskSuccess,
		OutputRef: outRef,
	}); err != nil {
		return "", skerr.Wrap(err)
	}
	return outRef, nil
}

func chunk(items []string, size int) [][]string {
	out := [][]string{}
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[i:end])
	}
	return out
}

// OrderSuccessfulOutputs sorts tasks' output refs by batch_id ascending and
// returns only those that succeeded, per spec.md §4.E's default ordered
// reducer.
func OrderSuccessfulOutputs(tasks []*types.Task) []string {
	succeeded := make([]*types.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Success() {
			succeeded = append(succeeded, t)
		}
	}
	sort.Slice(succeeded, func(i, j int) bool { return succeeded[i].BatchID < succeeded[j].BatchID })
	out := make([]string, len(succeeded))
	for i, t := range succeeded {
		out[i] = t.OutputRef
	}
	return out
}
