// Package pubsubqueue is the production WorkQueue, backed by
// cloud.google.com/go/pubsub (spec.md §4.C). It follows the
// subscription/receive/ack shape of
// machine/go/machine/source/pubsubsource/pubsubsource.go, generalized so
// that `nack` calls msg.Nack() instead of the teacher's always-ack
// receive loop, and so that dequeue atomically pairs a received message
// with a Store.AcquireLease call before handing the task to its caller.
package pubsubqueue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/metresearchgroup/bskybackfill/internal/queue"
	"github.com/metresearchgroup/bskybackfill/internal/skerr"
	"github.com/metresearchgroup/bskybackfill/internal/sklog"
	"github.com/metresearchgroup/bskybackfill/internal/store"
	"github.com/metresearchgroup/bskybackfill/internal/types"
)

// maxOutstanding bounds in-flight pulled messages per Dequeue call, the
// same knob pubsubsource.go tunes via sub.ReceiveSettings.
const maxOutstanding = 50

// message is the wire envelope published for each enqueued Task. Only
// task_id travels over the wire; full Task state lives in the Store.
type message struct {
	TaskID string `json:"task_id"`
}

// Queue is a WorkQueue backed by a Pub/Sub topic/subscription pair, with
// task leasing and completion delegated to a store.Store.
type Queue struct {
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	store store.Store

	mtx      sync.Mutex
	inFlight map[string]*pubsub.Message // taskID -> message awaiting Ack/Nack
}

// New wraps an existing topic/subscription pair. Callers create these via
// client.Topic(name) / client.Subscription(name) following the
// exists-then-create pattern in pubsubsource.go.
func New(topic *pubsub.Topic, sub *pubsub.Subscription, s store.Store) *Queue {
	sub.ReceiveSettings.MaxOutstandingMessages = maxOutstanding
	return &Queue{topic: topic, sub: sub, store: s, inFlight: map[string]*pubsub.Message{}}
}

func (q *Queue) Enqueue(ctx context.Context, tasks []*types.Task) error {
	for _, t := range tasks {
		payload, err := json.Marshal(message{TaskID: t.TaskID})
		if err != nil {
			return skerr.Wrap(err)
		}
		result := q.topic.Publish(ctx, &pubsub.Message{Data: payload})
		if _, err := result.Get(ctx); err != nil {
			return skerr.Wrapf(err, "publishing task %s", t.TaskID)
		}
	}
	return nil
}

// Dequeue pulls up to maxN messages via a bounded Receive call, leasing
// each referenced task through the Store before returning it. Messages
// whose task can't be leased (already taken, cancelled, gone) are acked
// immediately so they don't redeliver forever.
func (q *Queue) Dequeue(ctx context.Context, workerID string, maxN int, leaseDuration time.Duration) ([]*types.Task, error) {
	pullCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make([]*types.Task, 0, maxN)
	var mu sync.Mutex
	received := 0

	err := q.sub.Receive(pullCtx, func(msgCtx context.Context, msg *pubsub.Message) {
		mu.Lock()
		if received >= maxN {
			mu.Unlock()
			msg.Nack()
			return
		}
		received++
		shouldStop := received >= maxN
		mu.Unlock()

		var env message
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			sklog.Errorf("pubsubqueue: malformed message, dropping: %s", err)
			msg.Ack()
			if shouldStop {
				cancel()
			}
			return
		}

		task, err := q.store.GetTask(msgCtx, env.TaskID)
		if err != nil {
			sklog.Warningf("pubsubqueue: task %s no longer exists, dropping delivery: %s", env.TaskID, err)
			msg.Ack()
			if shouldStop {
				cancel()
			}
			return
		}
		lease, err := q.store.AcquireLease(msgCtx, env.TaskID, workerID, leaseDuration)
		if err != nil {
			sklog.Warningf("pubsubqueue: failed to lease task %s: %s", env.TaskID, err)
			msg.Ack()
			if shouldStop {
				cancel()
			}
			return
		}

		task.Status = types.TaskLeased
		task.LeaseOwner = lease.WorkerID
		task.LeaseExpiresAt = lease.ExpiresAt

		mu.Lock()
		out = append(out, task)
		mu.Unlock()

		q.mtx.Lock()
		q.inFlight[task.TaskID] = msg
		q.mtx.Unlock()

		if shouldStop {
			cancel()
		}
	})
	if err != nil && pullCtx.Err() == nil {
		return nil, skerr.Wrap(err)
	}
	if len(out) == 0 {
		return nil, queue.ErrEmpty
	}
	return out, nil
}

func (q *Queue) Ack(ctx context.Context, taskID, workerID, outputRef string) error {
	if err := q.store.CompleteTask(ctx, taskID, workerID, store.Outcome{
		Status:    types.TaskSuccess,
		OutputRef: outputRef,
	}); err != nil {
		return skerr.Wrap(err)
	}
	q.ackMessage(taskID)
	return nil
}

func (q *Queue) Nack(ctx context.Context, taskID, workerID string, reason queue.NackReason, taskErr *types.TaskError) error {
	status := types.TaskFailedRetryable
	if reason == queue.NackTerminal {
		status = types.TaskFailedTerminal
	}
	if err := q.store.CompleteTask(ctx, taskID, workerID, store.Outcome{
		Status: status,
		Error:  taskErr,
	}); err != nil {
		return skerr.Wrap(err)
	}

	q.mtx.Lock()
	msg, ok := q.inFlight[taskID]
	delete(q.inFlight, taskID)
	q.mtx.Unlock()
	if ok {
		msg.Nack()
	}
	return nil
}

func (q *Queue) ackMessage(taskID string) {
	q.mtx.Lock()
	msg, ok := q.inFlight[taskID]
	delete(q.inFlight, taskID)
	q.mtx.Unlock()
	if ok {
		msg.Ack()
	}
}

var _ queue.WorkQueue = (*Queue)(nil)
