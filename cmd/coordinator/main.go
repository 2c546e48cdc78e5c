// Command coordinator runs one Coordinator's per-Job tick loops (spec.md
// §4.E), discovering non-terminal Jobs on startup and launching a RunLoop
// goroutine for each; newly submitted Jobs are picked up on the next
// discovery pass. Exposes Prometheus metrics the same way cmd/worker does.
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
	"github.com/metresearchgroup/bskybackfill/internal/coordinator"
	"github.com/metresearchgroup/bskybackfill/internal/handler"
	"github.com/metresearchgroup/bskybackfill/internal/handler/bskyprofile"
	"github.com/metresearchgroup/bskybackfill/internal/handler/echo"
	"github.com/metresearchgroup/bskybackfill/internal/metrics"
	"github.com/metresearchgroup/bskybackfill/internal/queue"
	"github.com/metresearchgroup/bskybackfill/internal/queue/memqueue"
	"github.com/metresearchgroup/bskybackfill/internal/queue/pubsubqueue"
	"github.com/metresearchgroup/bskybackfill/internal/runtimectx"
	"github.com/metresearchgroup/bskybackfill/internal/sklog"
	"github.com/metresearchgroup/bskybackfill/internal/store"
	"github.com/metresearchgroup/bskybackfill/internal/store/firestore"
	"github.com/metresearchgroup/bskybackfill/internal/store/memstore"
)

var (
	flagLocal          = flag.Bool("local", true, "Use in-memory backends instead of Firestore/GCS/Pub-Sub.")
	flagProjectID      = flag.String("project_id", "", "GCP project ID (required unless --local).")
	flagArtifactBucket = flag.String("artifact_bucket", "", "GCS bucket for output artifacts.")
	flagTopic          = flag.String("topic", "", "Pub/Sub topic for task dispatch.")
	flagSubscription   = flag.String("subscription", "", "Pub/Sub subscription for task dispatch.")
	flagOwnerID        = flag.String("owner_id", "", "Stable identity for this coordinator process (defaults to hostname).")
	flagLockDuration   = flag.Duration("lock_duration", 30*time.Second, "Job-scoped lock hold duration.")
	flagTickInterval   = flag.Duration("tick_interval", 5*time.Second, "Interval between progress ticks per Job.")
	flagDiscoverEvery  = flag.Duration("discover_interval", 10*time.Second, "Interval between scans for newly submitted Jobs.")
	flagMetricsAddr    = flag.String("metrics_addr", ":20001", "Address to serve /metrics on.")
)

func main() {
	flag.Parse()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ownerID := *flagOwnerID
	if ownerID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "coordinator"
		}
		ownerID = host
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	go func() {
		sklog.Infof("coordinator %s: serving metrics on %s", ownerID, *flagMetricsAddr)
		if err := metrics.Serve(*flagMetricsAddr, reg); err != nil {
			sklog.Errorf("coordinator %s: metrics server exited: %s", ownerID, err)
		}
	}()

	rc, err := buildRuntime(ctx)
	if err != nil {
		sklog.Fatalf("coordinator %s: failed to build runtime: %s", ownerID, err)
	}
	coord := coordinator.New(rc, ownerID, *flagLockDuration, *flagTickInterval).WithMetrics(m)

	running := map[string]bool{}
	ticker := time.NewTicker(*flagDiscoverEvery)
	defer ticker.Stop()
	sklog.Infof("coordinator %s: discovering jobs every %s", ownerID, *flagDiscoverEvery)
	for {
		jobs, err := rc.Store.ListJobs(ctx, store.JobFilter{})
		if err != nil {
			sklog.Errorf("coordinator %s: list jobs failed: %s", ownerID, err)
		}
		for _, job := range jobs {
			if job.Done() || running[job.JobID] {
				continue
			}
			running[job.JobID] = true
			jobID := job.JobID
			go func() {
				if err := coord.RunLoop(ctx, jobID); err != nil && ctx.Err() == nil {
					sklog.Errorf("coordinator %s: run loop for job %s exited: %s", ownerID, jobID, err)
				}
			}()
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
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

	return runtimectx.New(s, q, nil, artifacts, registry(artifacts), clk), nil
}

func registry(artifacts artifact.Store) *handler.Registry {
	r := handler.NewRegistry()
	r.Register(echo.Name, echo.New(artifacts))
	r.Register(bskyprofile.Name, bskyprofile.New(artifacts, nil))
	return r
}
