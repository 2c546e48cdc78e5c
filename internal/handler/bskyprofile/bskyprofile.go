// Package bskyprofile implements the "bsky-profile-1" handler: the
// federated-social-network profile backfill spec.md §1 describes as the
// system's reason for existing. Each Batch is a chunk of ATProto DIDs;
// Run fetches com.atproto.repo.describeRepo for each DID over HTTPS,
// classifying responses per spec.md §4.D's external-error taxonomy, and
// Aggregate concatenates the ordered per-batch JSON arrays into one
// canonical output.
package bskyprofile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gopkg.in/yaml.v3"

	"github.com/metresearchgroup/bskybackfill/internal/artifact"
	"github.com/metresearchgroup/bskybackfill/internal/handler"
	"github.com/metresearchgroup/bskybackfill/internal/skerr"
	"github.com/metresearchgroup/bskybackfill/internal/types"
)

// Name is the handler_ref this package registers under.
const Name = "bsky-profile-1"

// maxStatusRetryWait caps the exponential backoff applied between 5xx
// retries (spec.md §4.D: "5xx → retryable with exponential backoff capped
// at 60 s").
const maxStatusRetryWait = 60 * time.Second

// Profile is the shape Run writes per fetched DID.
type Profile struct {
	DID  string          `json:"did"`
	Repo json.RawMessage `json:"repo"`
}

// Handler is the bsky-profile-1 handler.
type Handler struct {
	Store      artifact.Store
	HTTPClient *http.Client
}

// New returns a Handler writing artifacts to store and fetching profiles
// with client. A nil client defaults to http.DefaultClient.
func New(store artifact.Store, client *http.Client) *Handler {
	if client == nil {
		client = http.DefaultClient
	}
	return &Handler{Store: store, HTTPClient: client}
}

// Partition row-chunks Config.DIDs into Batches of Config.BatchSize,
// embedding each chunk's DIDs directly as the Batch's InputRef (this
// reference implementation has no separate durable blob store for raw
// input; the chunk is small and self-describing).
func (h *Handler) Partition(ctx context.Context, inputRef string, config []byte) ([]handler.Batch, error) {
	cfg, err := parseConfig(config)
	if err != nil {
		return nil, err
	}
	size := cfg.batchSize()
	var out []handler.Batch
	for start := 0; start < len(cfg.DIDs); start += size {
		end := start + size
		if end > len(cfg.DIDs) {
			end = len(cfg.DIDs)
		}
		chunk, err := json.Marshal(cfg.DIDs[start:end])
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		out = append(out, handler.Batch{
			BatchID:  fmt.Sprintf("batch-%03d", len(out)),
			InputRef: string(chunk),
			Config:   config,
		})
	}
	return out, nil
}

// Run fetches each DID in the batch's chunk and writes the combined
// profile set as one JSON-array artifact.
func (h *Handler) Run(ctx context.Context, rc handler.RunContext, b handler.Batch) handler.Result {
	cfg, err := parseConfig(b.Config)
	if err != nil {
		return handler.Terminal(err.Error())
	}
	var dids []string
	if err := json.Unmarshal([]byte(b.InputRef), &dids); err != nil {
		return handler.Terminal("malformed batch input ref: " + err.Error())
	}

	profiles := make([]Profile, 0, len(dids))
	for _, did := range dids {
		repo, result := h.fetchOne(ctx, rc, cfg, did)
		if result.Kind != handler.Ok {
			return result
		}
		profiles = append(profiles, Profile{DID: did, Repo: repo})
	}

	payload, err := json.Marshal(profiles)
	if err != nil {
		return handler.Terminal(err.Error())
	}
	sum := sha256.Sum256(payload)
	uri := fmt.Sprintf("bsky-profile/%s/%s", b.TaskID, b.BatchID)
	meta := types.DoneMarkerPayload{
		TaskID:      b.TaskID,
		OutputURI:   uri,
		Checksum:    hex.EncodeToString(sum[:]),
		RecordCount: len(profiles),
	}
	if err := h.Store.Write(ctx, uri, payload, meta); err != nil {
		return handler.Retryable(err.Error())
	}
	return handler.OkResult(uri)
}

// fetchOne performs the rate-limited HTTPS call for one DID and classifies
// the outcome per spec.md §4.D's Classification of external errors.
// result.Kind == Ok means repo carries the decoded response body; any
// other Kind means the caller should return result immediately.
func (h *Handler) fetchOne(ctx context.Context, rc handler.RunContext, cfg Config, did string) (json.RawMessage, handler.Result) {
	statusBackoff := backoff.NewExponentialBackOff()
	statusBackoff.MaxInterval = maxStatusRetryWait
	statusBackoff.MaxElapsedTime = 0

	attempts := 0
	for {
		if rc.RateLimiter != nil {
			decision, err := rc.RateLimiter.TryAcquire(ctx, cfg.Endpoint, 1)
			if err != nil {
				return nil, handler.Retryable("rate limiter: " + err.Error())
			}
			if !decision.Granted {
				select {
				case <-ctx.Done():
					return nil, handler.Retryable("cancelled while waiting on rate limit")
				case <-time.After(decision.RetryAfter):
				}
				continue
			}
		}

		body, status, retryAfter, err := h.doFetch(ctx, cfg.Endpoint, did)
		if err != nil {
			// Connection reset/timeout: retryable (spec.md §4.D).
			attempts++
			if attempts > cfg.maxRetries() {
				return nil, handler.Retryable("exceeded retries on transport error: " + err.Error())
			}
			continue
		}

		switch {
		case status >= 200 && status < 300:
			return body, handler.OkResult("")
		case status == http.StatusTooManyRequests:
			wait := retryAfterDuration(retryAfter)
			select {
			case <-ctx.Done():
				return nil, handler.Retryable("cancelled during rate-limit backoff")
			case <-time.After(wait):
			}
			attempts++
			if attempts > cfg.maxRetries() {
				return nil, handler.Retryable(fmt.Sprintf("rate-limited fetching %s after %d attempts", did, attempts))
			}
		case status >= 500:
			select {
			case <-ctx.Done():
				return nil, handler.Retryable("cancelled during 5xx backoff")
			case <-time.After(statusBackoff.NextBackOff()):
			}
			attempts++
			if attempts > cfg.maxRetries() {
				return nil, handler.Retryable(fmt.Sprintf("upstream 5xx fetching %s after %d attempts", did, attempts))
			}
		case status >= 400:
			// 4xx other than 429: terminal (spec.md §4.D).
			return nil, handler.Terminal(fmt.Sprintf("fetching %s: unretryable status %d", did, status))
		default:
			attempts++
			if attempts > cfg.maxRetries() {
				return nil, handler.Terminal(fmt.Sprintf("fetching %s: unclassifiable status %d after %d attempts", did, status, attempts))
			}
		}
	}
}

// doFetch performs one HTTPS GET and returns the response body, status
// code, and (for a 429) the raw Retry-After header value.
func (h *Handler) doFetch(ctx context.Context, endpoint, did string) (json.RawMessage, int, string, error) {
	url := fmt.Sprintf("%s/xrpc/com.atproto.repo.describeRepo?repo=%s", endpoint, did)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, "", skerr.Wrap(err)
	}
	resp, err := h.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, "", skerr.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, resp.StatusCode, resp.Header.Get("Retry-After"), nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, "", skerr.Wrap(err)
	}
	return body, resp.StatusCode, "", nil
}

// retryAfterDuration parses a Retry-After header value (seconds) with a
// bounded fallback when absent or malformed.
func retryAfterDuration(headerValue string) time.Duration {
	secs, err := strconv.Atoi(headerValue)
	if err != nil || secs <= 0 {
		return time.Second
	}
	return time.Duration(secs) * time.Second
}

// Aggregate concatenates ordered per-batch Profile arrays into one JSON
// array, summing RecordCount across inputs with their `.done` marker
// present (spec.md §4.E Aggregation algorithm).
func (h *Handler) Aggregate(ctx context.Context, orderedOutputRefs []string) (string, error) {
	var merged []Profile
	total := 0
	for _, ref := range orderedOutputRefs {
		done, err := h.Store.IsDone(ctx, ref)
		if err != nil {
			return "", skerr.Wrap(err)
		}
		if !done {
			continue
		}
		payload, meta, err := h.Store.Read(ctx, ref)
		if err != nil {
			return "", skerr.Wrap(err)
		}
		var batch []Profile
		if err := json.Unmarshal(payload, &batch); err != nil {
			return "", skerr.Wrapf(err, "decoding artifact %s", ref)
		}
		merged = append(merged, batch...)
		total += meta.RecordCount
	}

	payload, err := json.Marshal(merged)
	if err != nil {
		return "", skerr.Wrap(err)
	}
	sum := sha256.Sum256(payload)
	// Each merge step writes its own artifact, keyed by the refs it merged,
	// so steps of one aggregation tree never overwrite each other.
	key := sha256.Sum256([]byte(fmt.Sprint(orderedOutputRefs)))
	outURI := "bsky-profile/aggregate/" + hex.EncodeToString(key[:])
	meta := types.DoneMarkerPayload{
		OutputURI:   outURI,
		Checksum:    hex.EncodeToString(sum[:]),
		RecordCount: total,
	}
	if err := h.Store.Write(ctx, outURI, payload, meta); err != nil {
		return "", skerr.Wrap(err)
	}
	return outURI, nil
}

func parseConfig(raw []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, skerr.Wrapf(err, "parsing bsky-profile-1 config")
	}
	return cfg, nil
}

var _ handler.Handler = (*Handler)(nil)
