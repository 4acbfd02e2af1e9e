// ABOUTME: Offset estimation from a single round-trip sample
// ABOUTME: Tracks the in-flight query and its generation
package sync

import (
	"time"

	"github.com/Resonate-Protocol/resonate-clock/internal/actor"
)

// EstimateOffset returns how far the peer clock is ahead of the local wall
// clock, assuming the reply spent half the round trip in flight.
func EstimateOffset(rtt time.Duration, peerTime, localNow time.Time) time.Duration {
	if rtt < 0 {
		rtt = 0
	}
	return peerTime.Add(rtt / 2).Sub(localNow)
}

func (s State) fireMeasurement() (State, []actor.Effect) {
	if s.AwaitingReply {
		return s, nil
	}
	s.AwaitingReply = true
	s.queryGen++
	return s, []actor.Effect{
		sendQueryEffect{target: s.TargetPeer, gen: s.queryGen},
		emitEvent(Event{Kind: EventQuerySent, Target: s.TargetPeer}),
	}
}

func (s State) onQueryReply(gen uint64, rtt time.Duration, peerTime time.Time, now Stamp) (State, []actor.Effect) {
	if gen != 0 && (gen != s.queryGen || !s.AwaitingReply) {
		return s, []actor.Effect{emitEvent(Event{Kind: EventStaleReply, RTT: rtt})}
	}
	if rtt < 0 {
		rtt = 0
	}

	s.TimeDifference = EstimateOffset(rtt, peerTime, now.Wall)
	s.LastCalibration = At(now.Uptime)
	s.LastRTT = rtt
	s.AwaitingReply = false
	s.Anchor = now

	var effects []actor.Effect
	if s.TimerArmed {
		s, effects = s.armAt(s.LastCalibration.Uptime()+s.Interval, now)
	}
	return s, append(effects,
		emitEvent(Event{Kind: EventCalibrated, Offset: s.TimeDifference, RTT: rtt}),
		notifyEffect{offset: s.TimeDifference},
	)
}

func (s State) onQueryTimeout(gen uint64) (State, []actor.Effect) {
	if gen != 0 && (gen != s.queryGen || !s.AwaitingReply) {
		return s, nil
	}
	s.AwaitingReply = false
	return s, []actor.Effect{emitEvent(Event{Kind: EventTimeout, Target: s.TargetPeer})}
}
