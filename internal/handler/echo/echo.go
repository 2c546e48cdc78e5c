// Package echo implements the "echo-1" handler used by the happy-path seed
// scenario: each batch's input is a literal string, the worker writes it
// back out verbatim, and aggregation joins the ordered outputs with
// newlines.
package echo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/metresearchgroup/bskybackfill/internal/artifact"
	"github.com/metresearchgroup/bskybackfill/internal/handler"
	"github.com/metresearchgroup/bskybackfill/internal/skerr"
	"github.com/metresearchgroup/bskybackfill/internal/types"
)

// Name is the handler_ref this package registers under.
const Name = "echo-1"

// Config is echo-1's job config: one literal string per batch, in order.
type Config struct {
	Batches []string `yaml:"batches" json:"batches"`
}

// Handler is the echo-1 handler.
type Handler struct {
	Store artifact.Store
}

// New returns a Handler writing artifacts to store.
func New(store artifact.Store) *Handler {
	return &Handler{Store: store}
}

// Partition turns Config.Batches into one handler.Batch per string,
// file-per-batch style (spec.md §4.E partitioner selection).
func (h *Handler) Partition(ctx context.Context, inputRef string, config []byte) ([]handler.Batch, error) {
	cfg, err := parseConfig(config)
	if err != nil {
		return nil, err
	}
	out := make([]handler.Batch, len(cfg.Batches))
	for i := range cfg.Batches {
		out[i] = handler.Batch{
			BatchID:  fmt.Sprintf("batch-%03d", i),
			InputRef: fmt.Sprintf("%s#%d", inputRef, i),
			Config:   config,
		}
	}
	return out, nil
}

// Run writes the batch's literal string as its artifact.
func (h *Handler) Run(ctx context.Context, rc handler.RunContext, b handler.Batch) handler.Result {
	cfg, err := parseConfig(b.Config)
	if err != nil {
		return handler.Terminal(err.Error())
	}
	idx, err := batchIndex(b.BatchID)
	if err != nil {
		return handler.Terminal(err.Error())
	}
	if idx < 0 || idx >= len(cfg.Batches) {
		return handler.Terminal(fmt.Sprintf("batch index %d out of range for %d configured batches", idx, len(cfg.Batches)))
	}

	payload := []byte(cfg.Batches[idx])
	uri := fmt.Sprintf("echo/%s/%s", b.TaskID, b.BatchID)
	meta := types.DoneMarkerPayload{
		TaskID:      b.TaskID,
		OutputURI:   uri,
		RecordCount: 1,
	}
	if err := h.Store.Write(ctx, uri, payload, meta); err != nil {
		return handler.Retryable(err.Error())
	}
	return handler.OkResult(uri)
}

// Aggregate joins ordered output refs' payloads with newlines, writing one
// merged artifact (spec.md §4.E Aggregation algorithm).
func (h *Handler) Aggregate(ctx context.Context, orderedOutputRefs []string) (string, error) {
	parts := make([]string, 0, len(orderedOutputRefs))
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
		parts = append(parts, string(payload))
		total += meta.RecordCount
	}
	merged := strings.Join(parts, "\n")
	// Each merge step writes its own artifact, keyed by the refs it merged,
	// so steps of one aggregation tree never overwrite each other.
	key := sha256.Sum256([]byte(strings.Join(orderedOutputRefs, "\n")))
	outURI := "echo/aggregate/" + hex.EncodeToString(key[:])
	meta := types.DoneMarkerPayload{
		OutputURI:   outURI,
		RecordCount: total,
	}
	if err := h.Store.Write(ctx, outURI, []byte(merged), meta); err != nil {
		return "", skerr.Wrap(err)
	}
	return outURI, nil
}

func batchIndex(batchID string) (int, error) {
	var idx int
	if _, err := fmt.Sscanf(batchID, "batch-%d", &idx); err != nil {
		return 0, skerr.Wrapf(err, "parsing batch id %q", batchID)
	}
	return idx, nil
}

var _ handler.Handler = (*Handler)(nil)
