// ABOUTME: Inputs, effects and the pure transition function of the engine loop
// ABOUTME: Routes each input to the estimator, drift, scheduler or binder step
package sync

import (
	"time"

	"github.com/Resonate-Protocol/resonate-clock/internal/actor"
)

type activateInput struct {
	actor.InputBase
	now Stamp
}

type connectedInput struct {
	actor.InputBase
	peer []byte
	now  Stamp
}

type authenticatedInput struct {
	actor.InputBase
	now Stamp
}

type disconnectedInput struct {
	actor.InputBase
	err error
}

type setIntervalInput struct {
	actor.InputBase
	interval time.Duration
	now      Stamp
}

type setTargetInput struct {
	actor.InputBase
	peer PeerID
}

type recalibrateInput struct {
	actor.InputBase
}

type timerFiredInput struct {
	actor.InputBase
	gen uint64
	now Stamp
}

// replyInput carries a measured sample. gen 0 means "whatever query is
// outstanding" and is used by direct callers of Engine.OnQueryReply.
type replyInput struct {
	actor.InputBase
	gen      uint64
	rtt      time.Duration
	peerTime time.Time
	now      Stamp
}

type timeoutInput struct {
	actor.InputBase
	gen uint64
}

type clockChangedInput struct {
	actor.InputBase
	now Stamp
}

type snapshotInput struct {
	actor.InputBase
	reply chan<- Snapshot
}

type sendQueryEffect struct {
	actor.EffectBase
	target PeerID
	gen    uint64
}

type notifyEffect struct {
	actor.EffectBase
	offset time.Duration
}

type armTimerEffect struct {
	actor.EffectBase
	gen   uint64
	after time.Duration
}

type stopTimerEffect struct {
	actor.EffectBase
}

type snapshotEffect struct {
	actor.EffectBase
	reply chan<- Snapshot
	snap  Snapshot
}

type eventEffect struct {
	actor.EffectBase
	event Event
}

func reduce(s State, in actor.Input) (State, []actor.Effect) {
	switch in := in.(type) {
	case activateInput:
		s.Anchor = in.now
		return s, nil
	case connectedInput:
		return s.onConnected(in.peer, in.now)
	case authenticatedInput:
		return s.onAuthenticated(in.now)
	case disconnectedInput:
		return s.onDisconnected(in.err)
	case setIntervalInput:
		return s.onSetInterval(in.interval, in.now)
	case setTargetInput:
		s.TargetPeer = in.peer
		return s, nil
	case recalibrateInput:
		return s.fireMeasurement()
	case timerFiredInput:
		return s.onTimerFired(in.gen, in.now)
	case replyInput:
		return s.onQueryReply(in.gen, in.rtt, in.peerTime, in.now)
	case timeoutInput:
		return s.onQueryTimeout(in.gen)
	case clockChangedInput:
		return s.onClockChanged(in.now)
	case snapshotInput:
		return s, []actor.Effect{snapshotEffect{reply: in.reply, snap: s.snapshot()}}
	default:
		return s, nil
	}
}

func emitEvent(e Event) actor.Effect {
	return eventEffect{event: e}
}
