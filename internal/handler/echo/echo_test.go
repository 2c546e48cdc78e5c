package echo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/metresearchgroup/bskybackfill/internal/artifact/memartifact"
	"github.com/metresearchgroup/bskybackfill/internal/handler"

	"github.com/metresearchgroup/bskybackfill/internal/sktest"
)

func TestEcho_HappyPath(t *testing.T) {
	sktest.SmallTest(t)
	ctx := context.Background()
	store := memartifact.New(nil)
	h := New(store)

	cfg := Config{Batches: []string{"a", "b", "c"}}
	raw, err := yaml.Marshal(cfg)
	require.NoError(t, err)

	batches, err := h.Partition(ctx, "job-1-input", raw)
	require.NoError(t, err)
	require.Len(t, batches, 3)

	outputRefs := make([]string, len(batches))
	for i, b := range batches {
		b.TaskID = b.BatchID + "-task"
		result := h.Run(ctx, handler.RunContext{}, b)
		require.Equal(t, handler.Ok, result.Kind)
		outputRefs[i] = result.OutputRef
	}

	aggregateURI, err := h.Aggregate(ctx, outputRefs)
	require.NoError(t, err)

	payload, meta, err := store.Read(ctx, aggregateURI)
	require.NoError(t, err)
	assert.Equal(t, "a\nb\nc", string(payload))
	assert.Equal(t, 3, meta.RecordCount)
}
