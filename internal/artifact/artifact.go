// Package artifact is the Output Artifact storage abstraction (spec.md §3
// Entities: Output Artifact; §4.E Aggregation algorithm). The governing
// invariant is write-once, read-many with a `.done` sibling marker written
// strictly after the payload object: readers MUST treat any object lacking
// its `.done` marker as absent. The GCS-backed implementation is grounded on
// the teacher's golden/go/storage and perf/go/file/gcssource client-wrapper
// style.
package artifact

import (
	"context"
	"errors"

	"github.com/metresearchgroup/bskybackfill/internal/types"
)

// ErrNotDone is returned by Read when uri's payload exists but its `.done`
// marker does not (spec.md §3 invariant 4).
var ErrNotDone = errors.New("artifact: done marker missing")

// Store is the storage abstraction used by workers and the aggregator.
type Store interface {
	// Write uploads payload to uri, then writes uri's `.done` sibling
	// marker, never the reverse (spec.md §4.E).
	Write(ctx context.Context, uri string, payload []byte, meta types.DoneMarkerPayload) error
	// Read returns payload iff uri's `.done` marker is present; otherwise
	// ErrNotDone.
	Read(ctx context.Context, uri string) ([]byte, types.DoneMarkerPayload, error)
	// IsDone reports whether uri's `.done` marker exists, without reading
	// the payload (used by the aggregator's input scan, spec.md §4.E).
	IsDone(ctx context.Context, uri string) (bool, error)
}
