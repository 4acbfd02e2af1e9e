// ABOUTME: Deterministic clock for engine tests
// ABOUTME: Advances wall and uptime together, or moves the wall clock alone
// Package synctest provides fakes for exercising the calibration engine
// without real time or a network.
package synctest

import (
	"sort"
	"sync"
	"time"

	clocksync "github.com/Resonate-Protocol/resonate-clock/pkg/sync"
)

// FakeClock is a manually driven clocksync.Clock.
type FakeClock struct {
	mu     sync.Mutex
	wall   time.Time
	uptime time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *FakeClock
	at      time.Duration
	f       func()
	stopped bool
}

// NewFakeClock returns a clock reading wall as its wall time and one hour of
// uptime.
func NewFakeClock(wall time.Time) *FakeClock {
	return &FakeClock{wall: wall, uptime: time.Hour}
}

// Now implements clocksync.Clock.
func (c *FakeClock) Now() clocksync.Stamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return clocksync.Stamp{Wall: c.wall, Uptime: c.uptime}
}

// AfterFunc implements clocksync.Clock. A non-positive duration fires on a
// new goroutine right away.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) clocksync.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.uptime + d, f: f}
	if d <= 0 {
		t.stopped = true
		go f()
		return t
	}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

// Advance moves both clocks forward by d and runs every timer that became
// due, in deadline order, on the calling goroutine.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.wall = c.wall.Add(d)
	c.uptime += d
	due := c.collectDue()
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

// JumpWall moves only the wall clock, as a manual clock change would.
func (c *FakeClock) JumpWall(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wall = c.wall.Add(d)
}

// Pending returns the number of armed timers.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

func (c *FakeClock) collectDue() []*fakeTimer {
	var due, keep []*fakeTimer
	for _, t := range c.timers {
		switch {
		case t.stopped:
		case t.at <= c.uptime:
			t.stopped = true
			due = append(due, t)
		default:
			keep = append(keep, t)
		}
	}
	c.timers = keep
	sort.SliceStable(due, func(i, j int) bool { return due[i].at < due[j].at })
	return due
}
