// ABOUTME: Tests for the monotonic uptime clock
// ABOUTME: Checks that uptime advances and wall readings carry no monotonic part
package monotime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMonotime(t *testing.T) {
	require := require.New(t)

	require.NotPanics(func() { Now() }, "Basic Now() sanity check")

	const sleepTime = 100 * time.Millisecond

	before := Now()
	time.Sleep(sleepTime)
	after := Now()

	require.InEpsilon(int64(sleepTime), int64(after-before), 0.5, "Interval subtraction")
}

func TestWallHasNoMonotonicReading(t *testing.T) {
	w := Wall()
	// Round(0) on a value without a monotonic reading is the identity, and
	// String() only includes "m=" when one is present.
	require.Equal(t, w, w.Round(0))
	require.NotContains(t, w.String(), "m=")
}
