// ABOUTME: Monotonic uptime clock used to detect wall-clock jumps
// ABOUTME: Values advance with real elapsed time and ignore settimeofday
// Package monotime implements a monotonic uptime clock.
package monotime

import (
	"time"
)

var base = time.Now()

// Now returns the time elapsed since the process started, as measured by the
// runtime's monotonic clock source. The value is unrelated to civil time and
// is unaffected by changes to the system wall clock.
func Now() time.Duration {
	return time.Since(base)
}

// Wall returns the current wall-clock time with the monotonic reading
// stripped, so that arithmetic on the result uses civil time only.
func Wall() time.Time {
	return time.Now().Round(0)
}
