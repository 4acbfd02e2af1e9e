// ABOUTME: Tests for the clock-change watcher
// ABOUTME: Exercises the polling path with an injected divergence
package clockwatch

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPollingDetectsJump(t *testing.T) {
	t.Parallel()

	var diff atomic.Int64
	w := New(nil, WithPolling(), WithPollInterval(5*time.Millisecond))
	w.diff = func() time.Duration { return time.Duration(diff.Load()) }

	changes := make(chan struct{}, 4)
	stop := w.Watch(func() { changes <- struct{}{} })
	defer stop()

	// Sub-threshold noise is not a change.
	diff.Store(int64(100 * time.Microsecond))
	select {
	case <-changes:
		t.Fatal("unexpected change for jitter")
	case <-time.After(50 * time.Millisecond):
	}

	diff.Store(int64(2 * time.Hour))
	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("jump not reported")
	}

	// Backwards jumps count too.
	diff.Store(int64(time.Hour))
	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("backwards jump not reported")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()

	w := New(nil)
	stop := w.Watch(func() {})
	stop()
	stop()
}

func TestWallMonoDiffIsSmall(t *testing.T) {
	t.Parallel()

	d := wallMonoDiff()
	if d < 0 {
		d = -d
	}
	require.Less(t, d, time.Second)
}
