// Package queue defines the Work Queue contract (spec.md §4.C): durable,
// at-least-once delivery of Tasks to Workers. The defining property, per
// the spec, is that dequeue atomically combines "pop a task" with
// acquire_lease, so a dequeued task is always leased to its consumer; ack
// and nack fold back onto the State Store's complete_task.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/metresearchgroup/bskybackfill/internal/types"
)

// ErrEmpty is returned by Dequeue when no task is currently available.
var ErrEmpty = errors.New("queue: empty")

// NackReason classifies why a worker is giving up on a task without
// completing it successfully.
type NackReason string

const (
	// NackRetryable releases the lease and marks the task FAILED_RETRYABLE,
	// leaving it eligible for a future retry-phase re-emission.
	NackRetryable NackReason = "retryable"
	// NackTerminal marks the task FAILED_TERMINAL; it will never be retried.
	NackTerminal NackReason = "terminal"
)

// WorkQueue is the Work Queue contract (spec.md §4.C).
type WorkQueue interface {
	// Enqueue admits tasks for future delivery. Tasks must already exist in
	// the State Store (created via Store.CreateTask) before being enqueued.
	Enqueue(ctx context.Context, tasks []*types.Task) error

	// Dequeue returns up to maxN tasks, each already leased to workerID for
	// leaseDuration. Returns ErrEmpty (not an error) if nothing is
	// available.
	Dequeue(ctx context.Context, workerID string, maxN int, leaseDuration time.Duration) ([]*types.Task, error)

	// Ack is equivalent to complete_task(task_id, attempt, SUCCESS,
	// output_ref) (spec.md §4.C).
	Ack(ctx context.Context, taskID, workerID, outputRef string) error

	// Nack releases or terminates the task per reason (spec.md §4.C).
	Nack(ctx context.Context, taskID, workerID string, reason NackReason, taskErr *types.TaskError) error
}
