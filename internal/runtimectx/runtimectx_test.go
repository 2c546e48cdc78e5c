package runtimectx

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/metresearchgroup/bskybackfill/internal/sktest"
	"github.com/metresearchgroup/bskybackfill/internal/store"
)

func TestNew_DefaultsNilClockToSystemClock(t *testing.T) {
	sktest.SmallTest(t)

	rc := New(nil, nil, nil, nil, nil, nil)
	_, ok := rc.Clock.(store.SystemClock)
	assert.True(t, ok)
}

func TestNew_KeepsSuppliedClock(t *testing.T) {
	sktest.SmallTest(t)

	custom := store.SystemClock{}
	rc := New(nil, nil, nil, nil, nil, custom)
	assert.Equal(t, custom, rc.Clock)
}
