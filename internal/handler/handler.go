// Package handler defines the per-job handler capability set and the
// compile-time registry that replaces the source's dynamic-dispatch-by-name
// design (spec.md §9 Design Notes: "Dynamic dispatch of per-job handlers").
// Handlers implement {Partition, Run, Aggregate}; results are an explicit sum type
// instead of exception-driven control flow.
package handler

import (
	"context"
	"fmt"

	"github.com/metresearchgroup/bskybackfill/internal/ratelimit"
)

// Kind classifies a Result (spec.md §9 Design Notes: Exception-driven
// control flow inside handlers).
type Kind int

const (
	// Ok means the handler produced output_ref successfully.
	Ok Kind = iota
	// RetryableErr means the failure may succeed on a later attempt.
	RetryableErr
	// TerminalErr means the failure will never succeed; do not retry.
	TerminalErr
)

func (k Kind) String() string {
	switch k {
	case Ok:
		return "ok"
	case RetryableErr:
		return "retryable"
	case TerminalErr:
		return "terminal"
	default:
		return "unknown"
	}
}

// Result is the explicit sum type a handler's Run returns, replacing
// stack-introspection-based classification (spec.md §4.D, §9).
type Result struct {
	Kind      Kind
	OutputRef string
	Reason    string
}

// OkResult constructs a successful Result.
func OkResult(outputRef string) Result { return Result{Kind: Ok, OutputRef: outputRef} }

// Retryable constructs a retryable-failure Result.
func Retryable(reason string) Result { return Result{Kind: RetryableErr, Reason: reason} }

// Terminal constructs a terminal-failure Result.
func Terminal(reason string) Result { return Result{Kind: TerminalErr, Reason: reason} }

// CheckpointHandle lets a handler persist resumable progress and observe
// cooperative cancellation (spec.md §4.D Handler contract). Checkpoints are
// advisory: the runtime never depends on their presence for correctness.
type CheckpointHandle interface {
	// Save records progress keyed by (task_id, attempt). Best-effort.
	Save(ctx context.Context, payload []byte) error
	// Load returns the most recent saved payload, if any.
	Load(ctx context.Context) ([]byte, bool, error)
	// Done reports whether the soft timeout's cancellation signal has fired;
	// a handler observing true should wind down and return Retryable.
	Done() <-chan struct{}
}

// Batch is the unit of work handed to Run (spec.md §4.D step 3).
type Batch struct {
	TaskID   string
	BatchID  string
	InputRef string
	Config   []byte
	Attempt  int
}

// RunContext bundles everything §4.D's handler contract makes available:
// the rate limiter, a checkpoint handle, and a logger.
type RunContext struct {
	RateLimiter *ratelimit.Manager
	Checkpoint  CheckpointHandle
	Logf        func(format string, args ...interface{})
}

// Partitioner splits a job's raw input reference into Batches, selected per
// handler config (spec.md §4.E: file-per-batch, row-chunked, key-hash).
type Partitioner func(ctx context.Context, inputRef string, config []byte) ([]Batch, error)

// Handler is the fixed capability set every job handler implements
// (spec.md §9 Design Notes).
type Handler interface {
	// Partition computes the list of Batches for inputRef under config.
	Partition(ctx context.Context, inputRef string, config []byte) ([]Batch, error)
	// Run executes one Batch and returns its Result.
	Run(ctx context.Context, rc RunContext, b Batch) Result
	// Aggregate merges a totally (batch_id-ascending) ordered slice of
	// worker output refs into one artifact, returning its output ref.
	Aggregate(ctx context.Context, orderedOutputRefs []string) (string, error)
}

// Registry is the compile-time handler lookup table (spec.md §9: "The
// registry maps names to handler descriptors looked up once at Job
// submission.").
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register binds name to h. Calling Register twice for the same name
// panics: handler wiring is a startup-time concern, not a runtime one.
func (r *Registry) Register(name string, h Handler) {
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("handler: %q already registered", name))
	}
	r.handlers[name] = h
}

// Lookup returns the Handler registered under name, if any.
func (r *Registry) Lookup(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}
