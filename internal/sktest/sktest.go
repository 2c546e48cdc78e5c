// Package sktest provides size-tagged test markers, trimmed from the
// teacher's go/testutils/unittest package down to the two tiers this repo
// actually needs: small (pure in-memory, no sleeps) and medium (spins
// goroutines or waits on wall-clock timing, e.g. require.Eventually).
package sktest

import "flag"

var (
	small  = flag.Bool("small", false, "Whether or not to run small tests.")
	medium = flag.Bool("medium", false, "Whether or not to run medium tests.")
)

// TestingT is the subset of *testing.T these markers need.
type TestingT interface {
	Skip(args ...interface{})
}

// SmallTest marks a test that is deterministic, in-memory, and fast (no
// goroutines, no sleeps, no wall-clock waits).
func SmallTest(t TestingT) {
	if !*small && !*medium {
		return
	}
	if !*small {
		t.Skip("Not running small tests.")
	}
}

// MediumTest marks a test that spins goroutines or blocks on wall-clock
// timing (heartbeat loops, require.Eventually, simulated-clock advances).
func MediumTest(t TestingT) {
	if !*small && !*medium {
		return
	}
	if !*medium {
		t.Skip("Not running medium tests.")
	}
}
