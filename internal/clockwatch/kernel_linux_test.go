// ABOUTME: Tests for the timerfd clock-change watch
// ABOUTME: Checks the far-future timer is armed with cancel-on-set

//go:build linux

package clockwatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestTimerfdWatchArmed(t *testing.T) {
	kw, err := openKernelWatch()
	require.NoError(t, err)
	defer kw.Close()

	w := kw.(*timerfdWatch)
	var cur unix.ItimerSpec
	require.NoError(t, unix.TimerfdGettime(w.fd, &cur))

	remaining := time.Duration(cur.Value.Nano())
	require.Greater(t, remaining, 9*365*24*time.Hour)
	require.Zero(t, cur.Interval.Nano())

	// Rearming an open watch must keep succeeding.
	require.NoError(t, armTimerfd(w.fd))
}
