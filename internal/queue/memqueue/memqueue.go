// Package memqueue is an in-memory WorkQueue, layered on top of any
// store.Store. It mirrors the mutex-guarded, single-process discipline of
// internal/store/memstore, and is meant for tests and single-process local
// runs the same way memstore is.
package memqueue

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/metresearchgroup/bskybackfill/internal/queue"
	"github.com/metresearchgroup/bskybackfill/internal/sklog"
	"github.com/metresearchgroup/bskybackfill/internal/store"
	"github.com/metresearchgroup/bskybackfill/internal/types"
)

// Queue is an in-memory WorkQueue. Ordering is FIFO within a priority class,
// higher-priority classes draining first (spec.md §4.C Priority).
type Queue struct {
	store store.Store

	mtx     sync.Mutex
	byPrio  map[int]*list.List // priority -> FIFO list of task IDs
}

// New returns a Queue that leases tasks out of s.
func New(s store.Store) *Queue {
	return &Queue{store: s, byPrio: map[int]*list.List{}}
}

func (q *Queue) Enqueue(ctx context.Context, tasks []*types.Task) error {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	for _, t := range tasks {
		l, ok := q.byPrio[t.Priority]
		if !ok {
			l = list.New()
			q.byPrio[t.Priority] = l
		}
		l.PushBack(t.TaskID)
	}
	return nil
}

// Dequeue pops up to maxN task IDs, highest priority first, and atomically
// leases each via the Store. A task whose lease acquisition fails (e.g. it
// was cancelled out from under the queue) is dropped rather than
// re-enqueued, matching the teacher's at-least-once-but-not-infinite
// redelivery posture for dead entries.
func (q *Queue) Dequeue(ctx context.Context, workerID string, maxN int, leaseDuration time.Duration) ([]*types.Task, error) {
	ids := q.popN(maxN)
	if len(ids) == 0 {
		return nil, queue.ErrEmpty
	}

	out := make([]*types.Task, 0, len(ids))
	for _, id := range ids {
		t, err := q.store.GetTask(ctx, id)
		if err != nil {
			sklog.Warningf("memqueue: dequeued task %s no longer exists: %s", id, err)
			continue
		}
		lease, err := q.store.AcquireLease(ctx, id, workerID, leaseDuration)
		if err != nil {
			sklog.Warningf("memqueue: failed to lease dequeued task %s: %s", id, err)
			continue
		}
		t.LeaseOwner = lease.WorkerID
		t.LeaseExpiresAt = lease.ExpiresAt
		t.Status = types.TaskLeased
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, queue.ErrEmpty
	}
	return out, nil
}

// popN removes and returns up to n task IDs, highest priority first.
func (q *Queue) popN(n int) []string {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	prios := make([]int, 0, len(q.byPrio))
	for p, l := range q.byPrio {
		if l.Len() > 0 {
			prios = append(prios, p)
		}
	}
	sortDesc(prios)

	out := []string{}
	for _, p := range prios {
		l := q.byPrio[p]
		for l.Len() > 0 && len(out) < n {
			front := l.Front()
			out = append(out, front.Value.(string))
			l.Remove(front)
		}
		if len(out) >= n {
			break
		}
	}
	return out
}

func sortDesc(xs []int) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] < xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}

func (q *Queue) Ack(ctx context.Context, taskID, workerID, outputRef string) error {
	return q.store.CompleteTask(ctx, taskID, workerID, store.Outcome{
		Status:    types.TaskSuccess,
		OutputRef: outputRef,
	})
}

func (q *Queue) Nack(ctx context.Context, taskID, workerID string, reason queue.NackReason, taskErr *types.TaskError) error {
	status := types.TaskFailedRetryable
	if reason == queue.NackTerminal {
		status = types.TaskFailedTerminal
	}
	return q.store.CompleteTask(ctx, taskID, workerID, store.Outcome{
		Status: status,
		Error:  taskErr,
	})
}

var _ queue.WorkQueue = (*Queue)(nil)
