// ABOUTME: Wall-clock and monotonic-uptime abstractions for the engine
// ABOUTME: Stamps pair both readings so clock jumps can be measured
package sync

import (
	"fmt"
	"time"

	"github.com/Resonate-Protocol/resonate-clock/internal/monotime"
)

// Stamp is a paired reading of the wall clock and the monotonic uptime clock
// taken at the same moment.
type Stamp struct {
	Wall   time.Time
	Uptime time.Duration
}

// Instant is a point on the monotonic uptime clock. The zero value means
// "never" and is distinct from an uptime of zero.
type Instant struct {
	uptime time.Duration
	set    bool
}

// At returns the Instant for the given uptime.
func At(uptime time.Duration) Instant {
	return Instant{uptime: uptime, set: true}
}

// IsNever reports whether the Instant is the "never" sentinel.
func (i Instant) IsNever() bool { return !i.set }

// Uptime returns the monotonic uptime of the Instant. It is zero for never.
func (i Instant) Uptime() time.Duration { return i.uptime }

func (i Instant) String() string {
	if !i.set {
		return "never"
	}
	return fmt.Sprintf("uptime+%v", i.uptime)
}

// Timer is a pending callback created by Clock.AfterFunc.
type Timer interface {
	Stop() bool
}

// Clock supplies time readings and timers to the engine.
type Clock interface {
	Now() Stamp
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

// SystemClock returns the Clock backed by the host wall clock and the
// process monotonic clock.
func SystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() Stamp {
	return Stamp{
		Wall:   monotime.Wall(),
		Uptime: monotime.Now(),
	}
}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
