// ABOUTME: Keeps the held offset valid across local wall-clock changes
package sync

import (
	"time"

	"github.com/Resonate-Protocol/resonate-clock/internal/actor"
)

// ClockJump returns how far the wall clock moved relative to the uptime
// clock between two stamps.
func ClockJump(anchor, now Stamp) time.Duration {
	wallDelta := now.Wall.Sub(anchor.Wall)
	uptimeDelta := now.Uptime - anchor.Uptime
	return wallDelta - uptimeDelta
}

func (s State) onClockChanged(now Stamp) (State, []actor.Effect) {
	if s.LastCalibration.IsNever() {
		return s, []actor.Effect{emitEvent(Event{Kind: EventClockChangeIgnored})}
	}

	jump := ClockJump(s.Anchor, now)
	s.TimeDifference += jump
	s.Anchor = now

	return s, []actor.Effect{
		notifyEffect{offset: s.TimeDifference},
		emitEvent(Event{Kind: EventClockJump, Jump: jump, Offset: s.TimeDifference}),
	}
}
