// ABOUTME: Binds calibration to the identity of the connected peer
// ABOUTME: Drives the scheduler from session lifecycle events
package sync

import (
	"bytes"

	"github.com/Resonate-Protocol/resonate-clock/internal/actor"
)

func (s State) onConnected(peer []byte, now Stamp) (State, []actor.Effect) {
	if len(peer) == 0 || bytes.Equal(s.BoundPeer, peer) {
		return s, nil
	}
	if s.BoundPeer == nil {
		s.BoundPeer = bytes.Clone(peer)
		return s, nil
	}

	s.TimeDifference = 0
	s.LastCalibration = Instant{}
	s.AwaitingReply = false
	s.queryGen++
	s.BoundPeer = bytes.Clone(peer)

	effects := []actor.Effect{emitEvent(Event{Kind: EventPeerReset, Peer: bytes.Clone(peer)})}
	if s.TimerArmed {
		var arm []actor.Effect
		s, arm = s.arm(now)
		effects = append(effects, arm...)
	}
	return s, effects
}

func (s State) onAuthenticated(now Stamp) (State, []actor.Effect) {
	s.Authenticated = true
	if s.Interval <= 0 {
		return s, nil
	}
	return s.arm(now)
}

func (s State) onDisconnected(err error) (State, []actor.Effect) {
	s.Authenticated = false
	if s.AwaitingReply {
		s.AwaitingReply = false
		s.queryGen++
	}
	s, effects := s.disarm()
	return s, append(effects, emitEvent(Event{Kind: EventDisconnected, Err: err}))
}
