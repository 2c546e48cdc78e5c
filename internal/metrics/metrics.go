// Package metrics exposes the Prometheus counters and gauges named in
// spec.md §6 Observability, using github.com/prometheus/client_golang
// directly (the library the teacher's go.mod already carries; the
// teacher's own go/metrics2 wrapper around it lives in a module this
// repo doesn't vendor, so call sites here talk to client_golang
// straight, named and grouped the way the teacher's metric names read).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every counter/gauge this runtime reports. Constructing
// one registers its metrics with the given prometheus.Registerer. The cmd
// binaries and the tests each pass a fresh prometheus.NewRegistry(), which
// is also the type Serve exposes.
type Registry struct {
	TasksByStatus    *prometheus.CounterVec
	LeasesAcquired   prometheus.Counter
	LeasesReclaimed  prometheus.Counter
	LeasesExpired    prometheus.Counter
	QueueDepth       *prometheus.GaugeVec
	RateLimitWaits   *prometheus.CounterVec
	HandlerErrors    *prometheus.CounterVec
	AggregationSteps *prometheus.CounterVec
}

// New registers and returns the full metric set against reg.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		TasksByStatus: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bskybackfill",
			Name:      "tasks_total",
			Help:      "Task outcomes reported by workers (SUCCESS, FAILED_RETRYABLE, FAILED_TERMINAL), by status and phase.",
		}, []string{"status", "phase"}),
		LeasesAcquired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bskybackfill",
			Name:      "leases_acquired_total",
			Help:      "Leases granted to workers.",
		}),
		LeasesReclaimed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bskybackfill",
			Name:      "leases_reclaimed_total",
			Help:      "Expired leases reclaimed from a dead or stalled worker.",
		}),
		LeasesExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bskybackfill",
			Name:      "leases_expired_total",
			Help:      "Leases observed past expiry before being reclaimed.",
		}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bskybackfill",
			Name:      "queue_depth",
			Help:      "Pending task count per job and priority class.",
		}, []string{"job_id", "priority"}),
		RateLimitWaits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bskybackfill",
			Name:      "ratelimit_waits_total",
			Help:      "Rate-limit acquire attempts that had to wait, by endpoint.",
		}, []string{"endpoint"}),
		HandlerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bskybackfill",
			Name:      "handler_errors_total",
			Help:      "Handler.Run results classified as a non-Ok outcome, by handler and kind.",
		}, []string{"handler", "kind"}),
		AggregationSteps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bskybackfill",
			Name:      "aggregation_steps_total",
			Help:      "Aggregation merge steps completed, by outcome.",
		}, []string{"outcome"}),
	}
}

// Serve starts a blocking HTTP server exposing /metrics on addr. Callers
// typically run it in its own goroutine.
func Serve(addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}
