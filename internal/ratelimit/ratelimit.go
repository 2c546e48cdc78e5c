// Package ratelimit implements the Rate-Limit Manager (spec.md §4.B): a
// process-wide token bucket per (endpoint, credential), canonically stored
// via store.Store.CASBucket and fronted by a local sub-lease cache built on
// golang.org/x/time/rate, the same limiter the teacher reaches for whenever
// it needs to throttle outbound calls (see e.g. machine/go/machine's
// pubsub/http client wrappers).
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/metresearchgroup/bskybackfill/internal/metrics"
	"github.com/metresearchgroup/bskybackfill/internal/skerr"
	"github.com/metresearchgroup/bskybackfill/internal/sklog"
	"github.com/metresearchgroup/bskybackfill/internal/store"
	"github.com/metresearchgroup/bskybackfill/internal/types"
)

// Decision is the result of TryAcquire (spec.md §4.B).
type Decision struct {
	Granted    bool
	RetryAfter time.Duration
	Credential string
}

// CredentialSpec describes one credential available for an endpoint.
type CredentialSpec struct {
	Credential   string
	Capacity     float64
	RefillPerSec float64
}

// subLease is a local, time-bounded allotment of tokens a Manager grants
// itself to amortize Store round-trips (spec.md §4.E Shared-resource
// policy: "Local sub-leases reduce contention; they MUST be bounded in
// duration and size").
type subLease struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

// Manager is the Rate-Limit Manager. One Manager instance is shared by every
// slot in a worker process.
type Manager struct {
	store store.Store
	clock store.Clock

	subLeaseDuration time.Duration
	subLeaseTokens   float64

	mtx       sync.Mutex
	credsByEp map[string][]CredentialSpec
	leases    map[string]*subLease // keyed by endpoint+"|"+credential
	rr        map[string]int       // round-robin cursor per endpoint, for ratio ties

	metrics *metrics.Registry
}

// WithMetrics attaches a metrics registry that acquire-wait events report
// into. Optional.
func (m *Manager) WithMetrics(reg *metrics.Registry) *Manager {
	m.metrics = reg
	return m
}

// NewManager returns a Manager backed by s. subLeaseDuration and
// subLeaseTokens bound the local allotment a Manager will draw down before
// re-checking the canonical Store bucket.
func NewManager(s store.Store, clock store.Clock, subLeaseDuration time.Duration, subLeaseTokens float64) *Manager {
	if clock == nil {
		clock = store.SystemClock{}
	}
	return &Manager{
		store:            s,
		clock:            clock,
		subLeaseDuration: subLeaseDuration,
		subLeaseTokens:   subLeaseTokens,
		credsByEp:        map[string][]CredentialSpec{},
		leases:           map[string]*subLease{},
		rr:               map[string]int{},
	}
}

// RegisterCredentials tells the Manager which credentials may serve
// endpoint, enabling credential rotation (spec.md §4.B Credential rotation).
func (m *Manager) RegisterCredentials(endpoint string, creds []CredentialSpec) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.credsByEp[endpoint] = creds
}

func leaseKey(endpoint, credential string) string { return endpoint + "|" + credential }

// TryAcquire implements spec.md §4.B try_acquire, rotating across whichever
// registered credential currently has the best available/capacity ratio.
func (m *Manager) TryAcquire(ctx context.Context, endpoint string, cost float64) (Decision, error) {
	cred, err := m.pickCredential(ctx, endpoint)
	if err != nil {
		return Decision{}, err
	}
	spec, err := m.specFor(endpoint, cred)
	if err != nil {
		return Decision{}, err
	}
	return m.tryAcquireCredential(ctx, endpoint, spec, cost)
}

func (m *Manager) specFor(endpoint, credential string) (CredentialSpec, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, spec := range m.credsByEp[endpoint] {
		if spec.Credential == credential {
			return spec, nil
		}
	}
	return CredentialSpec{}, skerr.Fmt("ratelimit: credential %q not registered for endpoint %q", credential, endpoint)
}

// pickCredential selects the credential with the highest available/capacity
// ratio, refreshing each from the Store; ties are broken round-robin.
func (m *Manager) pickCredential(ctx context.Context, endpoint string) (string, error) {
	m.mtx.Lock()
	specs := append([]CredentialSpec(nil), m.credsByEp[endpoint]...)
	m.mtx.Unlock()
	if len(specs) == 0 {
		return "", skerr.Fmt("ratelimit: no credentials registered for endpoint %q", endpoint)
	}
	if len(specs) == 1 {
		return specs[0].Credential, nil
	}

	bestRatio := -1.0
	var best []string
	for _, spec := range specs {
		b, err := m.store.GetOrCreateBucket(ctx, endpoint, spec.Credential, spec.Capacity, spec.RefillPerSec)
		if err != nil {
			return "", skerr.Wrap(err)
		}
		ratio := refilledAvailable(b, m.clock.Now()) / b.Capacity
		switch {
		case ratio > bestRatio:
			bestRatio = ratio
			best = []string{spec.Credential}
		case ratio == bestRatio:
			best = append(best, spec.Credential)
		}
	}
	m.mtx.Lock()
	idx := m.rr[endpoint] % len(best)
	m.rr[endpoint]++
	m.mtx.Unlock()
	return best[idx], nil
}

func refilledAvailable(b *types.TokenBucket, now time.Time) float64 {
	elapsed := now.Sub(b.LastRefillAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return math.Min(b.Capacity, b.Available+elapsed*b.RefillPerSec)
}

func (m *Manager) tryAcquireCredential(ctx context.Context, endpoint string, spec CredentialSpec, cost float64) (Decision, error) {
	if lease, ok := m.localLease(endpoint, spec.Credential); ok {
		if lease.limiter.AllowN(m.clock.Now(), int(math.Ceil(cost))) {
			return Decision{Granted: true, Credential: spec.Credential}, nil
		}
	}
	return m.acquireFromStore(ctx, endpoint, spec, cost)
}

func (m *Manager) localLease(endpoint, credential string) (*subLease, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	l, ok := m.leases[leaseKey(endpoint, credential)]
	if !ok || m.clock.Now().After(l.expiresAt) {
		return nil, false
	}
	return l, true
}

// acquireFromStore performs the canonical CAS against the Store, drawing a
// fresh local sub-lease of subLeaseTokens when the bucket has enough
// available. Unused tokens are implicitly surrendered when the sub-lease
// expires, per spec.md §4.E.
func (m *Manager) acquireFromStore(ctx context.Context, endpoint string, spec CredentialSpec, cost float64) (Decision, error) {
	credential := spec.Credential
	for attempt := 0; attempt < 8; attempt++ {
		b, err := m.store.GetOrCreateBucket(ctx, endpoint, credential, spec.Capacity, spec.RefillPerSec)
		if err != nil {
			return Decision{}, skerr.Wrap(err)
		}
		now := m.clock.Now()
		available := refilledAvailable(b, now)

		if available < cost {
			retryAfter := time.Duration(math.Ceil((cost-available)/b.RefillPerSec*1000)) * time.Millisecond
			if m.metrics != nil {
				m.metrics.RateLimitWaits.WithLabelValues(endpoint).Inc()
			}
			return Decision{Granted: false, RetryAfter: retryAfter, Credential: credential}, nil
		}

		draw := math.Min(available-cost, m.subLeaseTokens)
		update := b.Copy()
		update.Available = available - cost - draw
		update.LastRefillAt = now

		_, ok, err := m.store.CASBucket(ctx, endpoint, credential, b.LastRefillAt, update)
		if err != nil {
			return Decision{}, skerr.Wrap(err)
		}
		if !ok {
			sklog.Infof("ratelimit: CAS race on bucket %s/%s, retrying", endpoint, credential)
			continue
		}

		if draw > 0 {
			m.mtx.Lock()
			m.leases[leaseKey(endpoint, credential)] = &subLease{
				// Limit 0: the sub-lease grants exactly the drawn tokens and
				// never refills locally; refill happens only in the Store.
				limiter:   rate.NewLimiter(0, int(draw)),
				expiresAt: now.Add(m.subLeaseDuration),
			}
			m.mtx.Unlock()
		}
		return Decision{Granted: true, Credential: credential}, nil
	}
	return Decision{}, skerr.Fmt("ratelimit: exceeded CAS retry budget for %s/%s", endpoint, credential)
}
