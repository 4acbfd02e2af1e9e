// ABOUTME: Public API of the recalibration engine
// ABOUTME: Posts inputs to the loop and performs round-trip reads
package sync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/Resonate-Protocol/resonate-clock/internal/actor"
	"github.com/Resonate-Protocol/resonate-clock/internal/log"
)

// Config configures an Engine.
type Config struct {
	// Interval is the initial recalibration interval. Zero or negative
	// disables periodic recalibration.
	Interval time.Duration
	// TargetPeer is the initial query target. Empty means the session's
	// default peer.
	TargetPeer PeerID

	// MailboxSize bounds the number of queued inputs. Zero keeps the
	// actor default.
	MailboxSize int

	Querier      Querier
	Clock        Clock
	ClockWatcher ClockWatcher
	Recorder     Recorder
	Log          *logging.Logger
}

// Engine keeps a calibrated offset to a remote time reference.
type Engine struct {
	log      *logging.Logger
	clock    Clock
	querier  Querier
	watcher  ClockWatcher
	recorder Recorder

	actor    *actor.Actor[State]
	initial  State
	notifier *notifier

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stopWatch func()
}

// New creates an Engine. It does nothing until Start is called.
func New(cfg Config) (*Engine, error) {
	if cfg.Querier == nil {
		return nil, errors.New("sync: Config.Querier is required")
	}

	e := &Engine{
		log:      cfg.Log,
		clock:    cfg.Clock,
		querier:  cfg.Querier,
		watcher:  cfg.ClockWatcher,
		recorder: cfg.Recorder,
		notifier: newNotifier(),
	}
	if e.log == nil {
		e.log = log.Discard().GetLogger("sync")
	}
	if e.clock == nil {
		e.clock = SystemClock()
	}
	if e.recorder == nil {
		e.recorder = nopRecorder{}
	}

	initial := State{
		Interval:   cfg.Interval,
		TargetPeer: cfg.TargetPeer,
	}
	opts := []actor.Option[State]{actor.WithHooks(actor.Hooks[State]{
		OnTransition: e.logTransition,
		OnPanic: func(r any) {
			e.log.Critical("engine loop panicked: %v", r)
		},
	})}
	if cfg.MailboxSize > 0 {
		opts = append(opts, actor.WithMailboxSize[State](cfg.MailboxSize))
	}
	e.initial = initial
	e.actor = actor.New(initial, reduce, &runtime{e: e}, opts...)
	return e, nil
}

// Start activates the engine: it records the clock anchor and starts
// listening for clock changes.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		go e.notifier.run()
		e.actor.Start()
		e.started.Store(true)
		e.post(activateInput{now: e.clock.Now()})
		if e.watcher != nil {
			e.stopWatch = e.watcher.Watch(e.ClockChanged)
		}
	})
}

// Stop cancels the timer, deregisters the clock listener and discards all
// state. Replies arriving afterwards are dropped. No observer is called
// once Stop returns, so Stop must not be called from an observer.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.stopWatch != nil {
			e.stopWatch()
		}
		e.actor.Stop()
		e.notifier.stop()
		if e.started.Load() {
			e.notifier.wait()
		}
	})
}

func (e *Engine) logTransition(prev, next State, _ actor.Input) {
	if p, n := prev.Scheduler(), next.Scheduler(); p != n {
		e.log.Debugf("scheduler %v -> %v", p, n)
	}
}

func (e *Engine) post(in actor.Input) {
	if !e.actor.Enqueue(in) {
		e.log.Debugf("engine stopped, dropping %T", in)
	}
}

// OnConnected reports that the session connected to a peer with the given
// transport identity. A nil or empty identity means unknown.
func (e *Engine) OnConnected(peer []byte) {
	e.post(connectedInput{peer: append([]byte(nil), peer...), now: e.clock.Now()})
}

// OnAuthenticated reports that the session is ready for queries.
func (e *Engine) OnAuthenticated() {
	e.post(authenticatedInput{now: e.clock.Now()})
}

// OnDisconnected reports that the session went away. err may be nil.
func (e *Engine) OnDisconnected(err error) {
	e.post(disconnectedInput{err: err})
}

// OnQueryReply delivers a sample for the outstanding query.
func (e *Engine) OnQueryReply(rtt time.Duration, peerTime time.Time) {
	e.post(replyInput{rtt: rtt, peerTime: peerTime, now: e.clock.Now()})
}

// OnQueryTimeout reports that the outstanding query got no reply.
func (e *Engine) OnQueryTimeout() {
	e.post(timeoutInput{})
}

// ClockChanged reports that the local wall clock may have been changed. The
// clock readings are taken here, before the notification is queued.
func (e *Engine) ClockChanged() {
	e.post(clockChangedInput{now: e.clock.Now()})
}

// Recalibrate starts a measurement now unless one is already in flight.
func (e *Engine) Recalibrate() {
	e.post(recalibrateInput{})
}

// SetRecalibrationInterval changes the interval. Zero or negative disables
// periodic recalibration.
func (e *Engine) SetRecalibrationInterval(d time.Duration) {
	e.post(setIntervalInput{interval: d, now: e.clock.Now()})
}

// SetTargetPeer changes the peer future queries are addressed to. Empty means
// the session's default peer.
func (e *Engine) SetTargetPeer(peer PeerID) {
	e.post(setTargetInput{peer: peer})
}

// Subscribe registers an observer and returns a function that removes it.
// The engine does not own the observer.
func (e *Engine) Subscribe(o Observer) (cancel func()) {
	return e.notifier.subscribe(o)
}

// Snapshot returns a consistent copy of the engine state. It fails with
// actor.ErrStopped unless the engine is running.
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	if !e.started.Load() {
		return Snapshot{}, actor.ErrStopped
	}
	return actor.Call(ctx, e.actor, func(reply chan<- Snapshot) actor.Input {
		return snapshotInput{reply: reply}
	})
}

// read returns the configured state before Start and the zero Snapshot
// after Stop.
func (e *Engine) read() Snapshot {
	if !e.started.Load() {
		return e.initial.snapshot()
	}
	snap, err := e.Snapshot(context.Background())
	if err != nil {
		return Snapshot{}
	}
	return snap
}

// RecalibrationInterval returns the configured interval.
func (e *Engine) RecalibrationInterval() time.Duration { return e.read().Interval }

// TargetPeer returns the configured query target.
func (e *Engine) TargetPeer() PeerID { return e.read().TargetPeer }

// Offset returns how far the peer clock is ahead of the local wall clock.
func (e *Engine) Offset() time.Duration { return e.read().Offset }

// LastCalibration returns when the last successful measurement happened.
func (e *Engine) LastCalibration() Instant { return e.read().LastCalibration }

// SchedulerState reports whether periodic recalibration is running.
func (e *Engine) SchedulerState() SchedulerState { return e.read().Scheduler }

// Now returns the local wall clock corrected by the current offset.
func (e *Engine) Now() time.Time {
	offset := e.Offset()
	return e.clock.Now().Wall.Add(offset)
}

// PeerToLocal converts a timestamp read from the peer clock into local wall
// clock time.
func (e *Engine) PeerToLocal(t time.Time) time.Time {
	return t.Add(-e.Offset())
}

// Since returns how long ago the given Instant was. It returns a negative
// duration for never.
func (e *Engine) Since(i Instant) time.Duration {
	if i.IsNever() {
		return -1
	}
	return e.clock.Now().Uptime - i.Uptime()
}
