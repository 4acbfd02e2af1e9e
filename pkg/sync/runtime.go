// ABOUTME: Interprets engine effects: timers, query dispatch, notifications
// ABOUTME: Blocking work runs off the loop and reports back as inputs
package sync

import (
	"context"
	"sync"
	"time"

	"github.com/Resonate-Protocol/resonate-clock/internal/actor"
)

type runtime struct {
	e *Engine

	mu      sync.Mutex
	timer   Timer
	stopped bool
}

func (r *runtime) HandleEffects(ctx context.Context, effects []actor.Effect, emit func(actor.Input)) {
	for _, eff := range effects {
		switch eff := eff.(type) {
		case sendQueryEffect:
			r.sendQuery(ctx, eff, emit)
		case armTimerEffect:
			r.arm(eff, emit)
		case stopTimerEffect:
			r.stopTimer()
		case notifyEffect:
			r.e.notifier.publish(eff.offset)
		case snapshotEffect:
			eff.reply <- eff.snap
		case eventEffect:
			r.record(eff.event)
		}
	}
}

func (r *runtime) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *runtime) sendQuery(ctx context.Context, eff sendQueryEffect, emit func(actor.Input)) {
	h := &queryHandle{clock: r.e.clock, gen: eff.gen, emit: emit}
	q := r.e.querier
	go func() {
		if ctx.Err() != nil {
			return
		}
		if eff.target == "" {
			q.QueryDefaultPeer(h)
			return
		}
		q.QueryPeer(eff.target, h)
	}()
}

func (r *runtime) arm(eff armTimerEffect, emit func(actor.Input)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	gen, clock := eff.gen, r.e.clock
	r.timer = clock.AfterFunc(eff.after, func() {
		emit(timerFiredInput{gen: gen, now: clock.Now()})
	})
}

func (r *runtime) stopTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *runtime) record(ev Event) {
	log := r.e.log
	switch ev.Kind {
	case EventQuerySent:
		if ev.Target == "" {
			log.Debug("querying default peer")
		} else {
			log.Debugf("querying peer %q", ev.Target)
		}
	case EventCalibrated:
		log.Infof("calibrated: offset=%v rtt=%v", ev.Offset, ev.RTT)
	case EventTimeout:
		log.Debug("time query timed out")
	case EventStaleReply:
		log.Debug("ignoring reply to a superseded query")
	case EventClockJump:
		log.Noticef("local clock moved by %v, offset now %v", ev.Jump, ev.Offset)
	case EventClockChangeIgnored:
		log.Debug("clock changed before first calibration, ignoring")
	case EventPeerReset:
		log.Noticef("session bound to a new peer (%x), calibration reset", ev.Peer)
	case EventCycleSkipped:
		log.Debug("query still in flight, skipping cycle")
	case EventDisconnected:
		if ev.Err != nil {
			log.Infof("session disconnected: %v", ev.Err)
		} else {
			log.Info("session disconnected")
		}
	}
	r.e.recorder.Record(ev)
}

// queryHandle routes a query outcome back into the loop tagged with the
// generation it was issued under.
type queryHandle struct {
	clock Clock
	gen   uint64
	emit  func(actor.Input)
	once  sync.Once
}

func (h *queryHandle) OnQueryReply(rtt time.Duration, peerTime time.Time) {
	h.once.Do(func() {
		h.emit(replyInput{gen: h.gen, rtt: rtt, peerTime: peerTime, now: h.clock.Now()})
	})
}

func (h *queryHandle) OnQueryTimeout() {
	h.once.Do(func() {
		h.emit(timeoutInput{gen: h.gen})
	})
}
