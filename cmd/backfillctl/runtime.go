package main

import (
	"context"

	fs "cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"

	"github.com/metresearchgroup/bskybackfill/internal/artifact"
	"github.com/metresearchgroup/bskybackfill/internal/artifact/gcsartifact"
	"github.com/metresearchgroup/bskybackfill/internal/artifact/memartifact"
	"github.com/metresearchgroup/bskybackfill/internal/handler"
	"github.com/metresearchgroup/bskybackfill/internal/handler/bskyprofile"
	"github.com/metresearchgroup/bskybackfill/internal/handler/echo"
	"github.com/metresearchgroup/bskybackfill/internal/queue"
	"github.com/metresearchgroup/bskybackfill/internal/queue/memqueue"
	"github.com/metresearchgroup/bskybackfill/internal/queue/pubsubqueue"
	"github.com/metresearchgroup/bskybackfill/internal/runtimectx"
	"github.com/metresearchgroup/bskybackfill/internal/skerr"
	"github.com/metresearchgroup/bskybackfill/internal/store"
	"github.com/metresearchgroup/bskybackfill/internal/store/firestore"
	"github.com/metresearchgroup/bskybackfill/internal/store/memstore"
)

// registry is the set of handlers this binary knows how to dispatch.
// Production deployments add their own handlers here the way the teacher
// wires concrete implementations into a single binary's registry at
// startup rather than dispatching by name lookup against a plugin
// directory.
func registry(artifacts artifact.Store) *handler.Registry {
	r := handler.NewRegistry()
	r.Register(echo.Name, echo.New(artifacts))
	r.Register(bskyprofile.Name, bskyprofile.New(artifacts, nil))
	return r
}

// newRuntime builds a RuntimeContext for --local (all in-memory) or
// production (Firestore + GCS + Pub/Sub) mode, per spec.md §6's ambient
// assumption that the same binary runs against either.
func newRuntime(ctx context.Context, artifactBucket, topicID, subID string) (*runtimectx.RuntimeContext, error) {
	clk := store.SystemClock{}

	if flagLocal {
		s := memstore.New(clk)
		artifacts := memartifact.New(clk)
		q := memqueue.New(s)
		return runtimectx.New(s, q, nil, artifacts, registry(artifacts), clk), nil
	}

	if flagProjectID == "" {
		return nil, fail(exitInvalidConfig, skerr.Fmt("--project_id is required unless --local"))
	}

	fsClient, err := fs.NewClient(ctx, flagProjectID)
	if err != nil {
		return nil, fail(exitStorageUnavailable, skerr.Wrap(err))
	}
	s := firestore.New(fsClient, clk)

	gcsClient, err := gstorage.NewClient(ctx)
	if err != nil {
		return nil, fail(exitStorageUnavailable, skerr.Wrap(err))
	}
	artifacts := gcsartifact.New(gcsClient, artifactBucket)

	psClient, err := pubsub.NewClient(ctx, flagProjectID)
	if err != nil {
		return nil, fail(exitStorageUnavailable, skerr.Wrap(err))
	}
	topic := psClient.Topic(topicID)
	sub := psClient.Subscription(subID)
	var q queue.WorkQueue = pubsubqueue.New(topic, sub, s)

	return runtimectx.New(s, q, nil, artifacts, registry(artifacts), clk), nil
}
