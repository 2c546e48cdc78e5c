// Package runtimectx defines RuntimeContext, the explicit dependency bundle
// that replaces global singletons for config, logger, and rate-limit state
// (spec.md §9 Design Notes: "Global singletons for config, logger,
// rate-limit state. Replace with an explicit RuntimeContext value passed to
// Coordinator, Worker, and handler entry points."). Tests construct one
// backed by memstore + memqueue + a deterministic clock.
package runtimectx

import (
	"github.com/metresearchgroup/bskybackfill/internal/artifact"
	"github.com/metresearchgroup/bskybackfill/internal/handler"
	"github.com/metresearchgroup/bskybackfill/internal/queue"
	"github.com/metresearchgroup/bskybackfill/internal/ratelimit"
	"github.com/metresearchgroup/bskybackfill/internal/store"
)

// RuntimeContext bundles every shared service a Coordinator, Worker, or
// handler entry point needs. No package-level global ever holds these;
// every call site receives a *RuntimeContext explicitly.
type RuntimeContext struct {
	Store       store.Store
	Queue       queue.WorkQueue
	RateLimiter *ratelimit.Manager
	Artifacts   artifact.Store
	Handlers    *handler.Registry
	Clock       store.Clock
}

// New assembles a RuntimeContext from its constituent services. Callers
// supply nil for Clock to default to store.SystemClock{}.
func New(s store.Store, q queue.WorkQueue, rl *ratelimit.Manager, artifacts artifact.Store, handlers *handler.Registry, clock store.Clock) *RuntimeContext {
	if clock == nil {
		clock = store.SystemClock{}
	}
	return &RuntimeContext{
		Store:       s,
		Queue:       q,
		RateLimiter: rl,
		Artifacts:   artifacts,
		Handlers:    handlers,
		Clock:       clock,
	}
}
