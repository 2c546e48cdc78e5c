// Command worker runs a fixed-size Worker Pool (spec.md §4.D) against
// either in-memory backends (--local, for development) or
// Firestore/GCS/Pub-Sub (production), exposing Prometheus metrics the way
// perf-tool and gold-server expose their own /metrics endpoints.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	fs "cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/metresearchgroup/bskybackfill/internal/artifact"
	"github.com/metresearchgroup/bskybackfill/internal/artifact/gcsartifact"
	"github.com/metresearchgroup/bskybackfill/internal/artifact/memartifact"
	"github.com/metresearchgroup/bskybackfill/internal/handler"
	"github.com/metresearchgroup/bskybackfill/internal/handler/bskyprofile"
	"github.com/metresearchgroup/bskybackfill/internal/handler/echo"
	"github.com/metresearchgroup/bskybackfill/internal/metrics"
	"github.com/metresearchgroup/bskybackfill/internal/queue"
	"github.com/metresearchgroup/bskybackfill/internal/queue/memqueue"
	"github.com/metresearchgroup/bskybackfill/internal/queue/pubsubqueue"
	"github.com/metresearchgroup/bskybackfill/internal/ratelimit"
	"github.com/metresearchgroup/bskybackfill/internal/runtimectx"
	"github.com/metresearchgroup/bskybackfill/internal/sklog"
	"github.com/metresearchgroup/bskybackfill/internal/store"
	"github.com/metresearchgroup/bskybackfill/internal/store/firestore"
	"github.com/metresearchgroup/bskybackfill/internal/store/memstore"
	"github.com/metresearchgroup/bskybackfill/internal/worker"
)

var (
	flagLocal          = flag.Bool("local", true, "Use in-memory backends instead of Firestore/GCS/Pub-Sub.")
	flagProjectID      = flag.String("project_id", "", "GCP project ID (required unless --local).")
	flagArtifactBucket = flag.String("artifact_bucket", "", "GCS bucket for output artifacts.")
	flagTopic          = flag.String("topic", "", "Pub/Sub topic for task dispatch.")
	flagSubscription   = flag.String("subscription", "", "Pub/Sub subscription for task dispatch.")
	flagWorkerID       = flag.String("worker_id", "", "Stable identity for this worker process (defaults to hostname).")
	flagSlots          = flag.Int("slots", 8, "Number of concurrent task slots.")
	flagLeaseDuration  = flag.Duration("lease_duration", 2*time.Minute, "Lease duration granted per dequeued task.")
	flagMetricsAddr    = flag.String("metrics_addr", ":20000", "Address to serve /metrics on.")
)

func main() {
	flag.Parse()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	workerID := *flagWorkerID
	if workerID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		workerID = host
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	go func() {
		sklog.Infof("worker %s: serving metrics on %s", workerID, *flagMetricsAddr)
		if err := metrics.Serve(*flagMetricsAddr, reg); err != nil {
			sklog.Errorf("worker %s: metrics server exited: %s", workerID, err)
		}
	}()

	rc, err := buildRuntime(ctx)
	if err != nil {
		sklog.Fatalf("worker %s: failed to build runtime: %s", workerID, err)
	}

	pool := worker.New(rc, workerID, *flagSlots, *flagLeaseDuration, *flagSlots).WithMetrics(m)
	sklog.Infof("worker %s: starting %d slots", workerID, *flagSlots)
	if err := pool.Run(ctx); err != nil && ctx.Err() == nil {
		sklog.Fatalf("worker %s: pool exited: %s", workerID, err)
	}
}

func buildRuntime(ctx context.Context) (*runtimectx.RuntimeContext, error) {
	clk := store.SystemClock{}

	if *flagLocal {
		s := memstore.New(clk)
		artifacts := memartifact.New(clk)
		q := memqueue.New(s)
		return runtimectx.New(s, q, nil, artifacts, registry(artifacts), clk), nil
	}

	fsClient, err := fs.NewClient(ctx, *flagProjectID)
	if err != nil {
		return nil, err
	}
	s := firestore.New(fsClient, clk)

	gcsClient, err := gstorage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	artifacts := gcsartifact.New(gcsClient, *flagArtifactBucket)

	psClient, err := pubsub.NewClient(ctx, *flagProjectID)
	if err != nil {
		return nil, err
	}
	var q queue.WorkQueue = pubsubqueue.New(psClient.Topic(*flagTopic), psClient.Subscription(*flagSubscription), s)

	rl := ratelimit.NewManager(s, clk, 30*time.Second, 5)
	return runtimectx.New(s, q, rl, artifacts, registry(artifacts), clk), nil
}

func registry(artifacts artifact.Store) *handler.Registry {
	r := handler.NewRegistry()
	r.Register(echo.Name, echo.New(artifacts))
	r.Register(bskyprofile.Name, bskyprofile.New(artifacts, nil))
	return r
}
