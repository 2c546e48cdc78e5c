// Package memartifact is an in-memory artifact.Store for tests and local
// runs, mirroring internal/store/memstore's mutex-guarded map discipline.
package memartifact

import (
	"context"
	"sync"

	"github.com/metresearchgroup/bskybackfill/internal/artifact"
	"github.com/metresearchgroup/bskybackfill/internal/store"
	"github.com/metresearchgroup/bskybackfill/internal/types"
)

type object struct {
	payload []byte
	meta    types.DoneMarkerPayload
	done    bool
}

// Store is an in-memory artifact.Store.
type Store struct {
	clock store.Clock

	mtx     sync.Mutex
	objects map[string]*object
}

// New returns an empty in-memory Store.
func New(clock store.Clock) *Store {
	if clock == nil {
		clock = store.SystemClock{}
	}
	return &Store{clock: clock, objects: map[string]*object{}}
}

func (s *Store) Write(ctx context.Context, uri string, payload []byte, meta types.DoneMarkerPayload) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if meta.WrittenAt.IsZero() {
		meta.WrittenAt = s.clock.Now()
	}
	// The payload is visible to readers only after this function returns
	// with done=true set in the same critical section, preserving the
	// write-then-mark ordering without a separate visible half-state.
	s.objects[uri] = &object{payload: append([]byte(nil), payload...), meta: meta, done: true}
	return nil
}

func (s *Store) Read(ctx context.Context, uri string) ([]byte, types.DoneMarkerPayload, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	obj, ok := s.objects[uri]
	if !ok || !obj.done {
		return nil, types.DoneMarkerPayload{}, artifact.ErrNotDone
	}
	return append([]byte(nil), obj.payload...), obj.meta, nil
}

func (s *Store) IsDone(ctx context.Context, uri string) (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	obj, ok := s.objects[uri]
	return ok && obj.done, nil
}

var _ artifact.Store = (*Store)(nil)
