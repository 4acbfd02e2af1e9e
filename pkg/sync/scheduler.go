// ABOUTME: Repeating recalibration timer anchored on the last success
// ABOUTME: Timer generations discard fires from cancelled timers
package sync

import (
	"time"

	"github.com/Resonate-Protocol/resonate-clock/internal/actor"
)

// arm starts the timer for the next fire: last calibration plus interval, or
// immediately when there is no calibration yet.
func (s State) arm(now Stamp) (State, []actor.Effect) {
	next := now.Uptime
	if !s.LastCalibration.IsNever() {
		next = s.LastCalibration.Uptime() + s.Interval
	}
	return s.armAt(next, now)
}

func (s State) armAt(next time.Duration, now Stamp) (State, []actor.Effect) {
	s.timerGen++
	s.TimerArmed = true
	s.NextFire = At(next)

	after := next - now.Uptime
	if after < 0 {
		after = 0
	}
	return s, []actor.Effect{armTimerEffect{gen: s.timerGen, after: after}}
}

func (s State) disarm() (State, []actor.Effect) {
	if !s.TimerArmed {
		return s, nil
	}
	s.timerGen++
	s.TimerArmed = false
	s.NextFire = Instant{}
	return s, []actor.Effect{stopTimerEffect{}}
}

func (s State) onSetInterval(interval time.Duration, now Stamp) (State, []actor.Effect) {
	s.Interval = interval
	if interval <= 0 {
		return s.disarm()
	}
	if !s.Authenticated {
		return s, nil
	}
	return s.arm(now)
}

func (s State) onTimerFired(gen uint64, now Stamp) (State, []actor.Effect) {
	if !s.TimerArmed || gen != s.timerGen {
		return s, nil
	}

	s, effects := s.armAt(now.Uptime+s.Interval, now)
	if s.AwaitingReply {
		return s, append(effects, emitEvent(Event{Kind: EventCycleSkipped}))
	}

	s, query := s.fireMeasurement()
	return s, append(effects, query...)
}
