// Partitioner selection: spec.md §4.E names file-per-batch, row-chunked,
// and key-hash as the three pluggable partitioning strategies, chosen by
// handler config. Handlers generally implement their own Partition method
// (internal/handler.Handler), but these generic strategies cover the common
// input shapes so a handler doesn't need to reimplement batching logic.
package coordinator

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/metresearchgroup/bskybackfill/internal/handler"
)

// FilePerBatch assigns one Batch per file in files, in input order.
func FilePerBatch(files []string) []handler.Batch {
	out := make([]handler.Batch, len(files))
	for i, f := range files {
		out[i] = handler.Batch{BatchID: fmt.Sprintf("batch-%05d", i), InputRef: f}
	}
	return out
}

// RowChunked splits totalRows rows into batches of at most batchSize rows,
// each InputRef carrying its [start, end) row range.
func RowChunked(inputRef string, totalRows, batchSize int) []handler.Batch {
	if batchSize <= 0 {
		batchSize = totalRows
	}
	out := []handler.Batch{}
	for start, i := 0, 0; start < totalRows; start, i = start+batchSize, i+1 {
		end := start + batchSize
		if end > totalRows {
			end = totalRows
		}
		out = append(out, handler.Batch{
			BatchID:  fmt.Sprintf("batch-%05d", i),
			InputRef: fmt.Sprintf("%s#rows=%d-%d", inputRef, start, end),
		})
	}
	return out
}

// KeyHash assigns each key in keys to one of numBuckets batches by a stable
// hash, grouping keys into InputRef-joined strings per bucket.
func KeyHash(inputRef string, keys []string, numBuckets int) []handler.Batch {
	if numBuckets <= 0 {
		numBuckets = 1
	}
	buckets := make([][]string, numBuckets)
	for _, k := range keys {
		idx := hashKey(k) % uint64(numBuckets)
		buckets[idx] = append(buckets[idx], k)
	}
	out := []handler.Batch{}
	for i, b := range buckets {
		if len(b) == 0 {
			continue
		}
		out = append(out, handler.Batch{
			BatchID:  fmt.Sprintf("batch-%05d", i),
			InputRef: fmt.Sprintf("%s#keys=%s", inputRef, strings.Join(b, ",")),
		})
	}
	return out
}

func hashKey(k string) uint64 {
	sum := sha256.Sum256([]byte(k))
	return binary.BigEndian.Uint64(sum[:8])
}
