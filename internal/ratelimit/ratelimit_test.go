package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metresearchgroup/bskybackfill/internal/store"
	"github.com/metresearchgroup/bskybackfill/internal/store/memstore"

	"github.com/metresearchgroup/bskybackfill/internal/sktest"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time         { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestTryAcquire_GrantsUntilExhausted(t *testing.T) {
	sktest.SmallTest(t)
	ctx := context.Background()
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := memstore.New(clk)
	m := NewManager(s, clk, time.Minute, 0)
	m.RegisterCredentials("app.bsky.feed.getTimeline", []CredentialSpec{
		{Credential: "cred-1", Capacity: 2, RefillPerSec: 0},
	})

	d1, err := m.TryAcquire(ctx, "app.bsky.feed.getTimeline", 1)
	require.NoError(t, err)
	assert.True(t, d1.Granted)

	d2, err := m.TryAcquire(ctx, "app.bsky.feed.getTimeline", 1)
	require.NoError(t, err)
	assert.True(t, d2.Granted)

	d3, err := m.TryAcquire(ctx, "app.bsky.feed.getTimeline", 1)
	require.NoError(t, err)
	assert.False(t, d3.Granted, "bucket should be exhausted")
}

func TestTryAcquire_RotatesToHigherRatioCredential(t *testing.T) {
	sktest.SmallTest(t)
	ctx := context.Background()
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := memstore.New(clk)
	m := NewManager(s, clk, time.Minute, 0)
	endpoint := "app.bsky.feed.getTimeline"
	m.RegisterCredentials(endpoint, []CredentialSpec{
		{Credential: "cred-low", Capacity: 10, RefillPerSec: 1},
		{Credential: "cred-high", Capacity: 10, RefillPerSec: 1},
	})

	// Drain cred-low down via direct store access so its ratio drops below
	// cred-high's.
	b, err := s.GetOrCreateBucket(ctx, endpoint, "cred-low", 10, 1)
	require.NoError(t, err)
	drained := b.Copy()
	drained.Available = 1
	_, ok, err := s.CASBucket(ctx, endpoint, "cred-low", b.LastRefillAt, drained)
	require.NoError(t, err)
	require.True(t, ok)

	d, err := m.TryAcquire(ctx, endpoint, 1)
	require.NoError(t, err)
	assert.True(t, d.Granted)
	assert.Equal(t, "cred-high", d.Credential)
}

func TestTryAcquire_RefillsOverTime(t *testing.T) {
	sktest.SmallTest(t)
	ctx := context.Background()
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := memstore.New(clk)
	m := NewManager(s, clk, time.Minute, 0)
	endpoint := "app.bsky.feed.getTimeline"
	m.RegisterCredentials(endpoint, []CredentialSpec{{Credential: "cred-1", Capacity: 1, RefillPerSec: 1}})

	d, err := m.TryAcquire(ctx, endpoint, 1)
	require.NoError(t, err)
	require.True(t, d.Granted)

	d2, err := m.TryAcquire(ctx, endpoint, 1)
	require.NoError(t, err)
	assert.False(t, d2.Granted)
	assert.Greater(t, d2.RetryAfter, time.Duration(0))

	clk.advance(2 * time.Second)
	d3, err := m.TryAcquire(ctx, endpoint, 1)
	require.NoError(t, err)
	assert.True(t, d3.Granted, "bucket should have refilled")
}

var _ store.Clock = (*fakeClock)(nil)
