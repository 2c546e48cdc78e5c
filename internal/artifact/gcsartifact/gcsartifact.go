// Package gcsartifact is the production artifact.Store, backed by
// cloud.google.com/go/storage, following the read/write wrapper style of
// golden/go/storage/gcsclient.go: a thin object around *storage.Client with
// all bucket/path parsing and ordering discipline owned here rather than by
// callers.
package gcsartifact

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	gstorage "cloud.google.com/go/storage"

	"github.com/metresearchgroup/bskybackfill/internal/artifact"
	"github.com/metresearchgroup/bskybackfill/internal/skerr"
	"github.com/metresearchgroup/bskybackfill/internal/sklog"
	"github.com/metresearchgroup/bskybackfill/internal/types"
)

func marshalDoneMarker(meta types.DoneMarkerPayload) ([]byte, error) {
	return json.Marshal(meta)
}

func unmarshalDoneMarker(b []byte) (types.DoneMarkerPayload, error) {
	var m types.DoneMarkerPayload
	err := json.Unmarshal(b, &m)
	return m, err
}

// Store is an artifact.Store backed by a single GCS bucket.
type Store struct {
	client *gstorage.Client
	bucket string
}

// New wraps client, writing all objects under bucket.
func New(client *gstorage.Client, bucket string) *Store {
	return &Store{client: client, bucket: bucket}
}

func (s *Store) object(uri string) *gstorage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(strings.TrimPrefix(uri, "/"))
}

// Write uploads payload, then writes uri's `.done` sibling marker — never
// the reverse (spec.md §4.E). A writer failure between the two leaves the
// payload present but undone, which IsDone/Read correctly treat as absent.
func (s *Store) Write(ctx context.Context, uri string, payload []byte, meta types.DoneMarkerPayload) error {
	w := s.object(uri).NewWriter(ctx)
	if _, err := w.Write(payload); err != nil {
		_ = w.Close()
		return skerr.Wrapf(err, "writing artifact %s", uri)
	}
	if err := w.Close(); err != nil {
		return skerr.Wrapf(err, "closing artifact writer for %s", uri)
	}

	markerBytes, err := marshalDoneMarker(meta)
	if err != nil {
		return skerr.Wrap(err)
	}
	mw := s.object(uri + ".done").NewWriter(ctx)
	if _, err := mw.Write(markerBytes); err != nil {
		_ = mw.Close()
		return skerr.Wrapf(err, "writing done marker for %s", uri)
	}
	if err := mw.Close(); err != nil {
		return skerr.Wrapf(err, "closing done marker writer for %s", uri)
	}
	sklog.Infof("artifact: wrote %s (%d bytes) and its done marker", uri, len(payload))
	return nil
}

func (s *Store) Read(ctx context.Context, uri string) ([]byte, types.DoneMarkerPayload, error) {
	done, err := s.IsDone(ctx, uri)
	if err != nil {
		return nil, types.DoneMarkerPayload{}, err
	}
	if !done {
		return nil, types.DoneMarkerPayload{}, artifact.ErrNotDone
	}

	markerReader, err := s.object(uri + ".done").NewReader(ctx)
	if err != nil {
		return nil, types.DoneMarkerPayload{}, skerr.Wrapf(err, "reading done marker for %s", uri)
	}
	markerBytes, err := io.ReadAll(markerReader)
	_ = markerReader.Close()
	if err != nil {
		return nil, types.DoneMarkerPayload{}, skerr.Wrap(err)
	}
	meta, err := unmarshalDoneMarker(markerBytes)
	if err != nil {
		return nil, types.DoneMarkerPayload{}, skerr.Wrap(err)
	}

	payloadReader, err := s.object(uri).NewReader(ctx)
	if err != nil {
		return nil, types.DoneMarkerPayload{}, skerr.Wrapf(err, "reading artifact %s", uri)
	}
	defer payloadReader.Close()
	payload, err := io.ReadAll(payloadReader)
	if err != nil {
		return nil, types.DoneMarkerPayload{}, skerr.Wrap(err)
	}
	return payload, meta, nil
}

func (s *Store) IsDone(ctx context.Context, uri string) (bool, error) {
	_, err := s.object(uri + ".done").Attrs(ctx)
	if err == gstorage.ErrObjectNotExist {
		return false, nil
	}
	if err != nil {
		return false, skerr.Wrapf(err, "checking done marker for %s", uri)
	}
	return true, nil
}

var _ artifact.Store = (*Store)(nil)
