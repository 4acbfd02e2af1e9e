// ABOUTME: Calibration state owned by the engine loop
// ABOUTME: Includes recalibration config and scheduler bookkeeping
package sync

import (
	"bytes"
	"time"
)

// PeerID addresses a time-reference peer at the protocol level. The empty
// PeerID means the session's default peer.
type PeerID string

// SchedulerState describes whether periodic measurement is active.
type SchedulerState int

const (
	// Disabled means the interval is not positive or the session is not
	// authenticated.
	Disabled SchedulerState = iota
	// Armed means the timer is running and no query is in flight.
	Armed
	// Pending means a query is in flight while the timer runs for the next
	// cycle.
	Pending
)

func (s SchedulerState) String() string {
	switch s {
	case Armed:
		return "armed"
	case Pending:
		return "pending"
	default:
		return "disabled"
	}
}

// State is everything the engine knows. It is only ever modified by the
// reducer running on the engine loop.
type State struct {
	TimeDifference  time.Duration
	LastCalibration Instant
	AwaitingReply   bool
	BoundPeer       []byte
	Anchor          Stamp
	LastRTT         time.Duration

	Interval   time.Duration
	TargetPeer PeerID

	Authenticated bool
	TimerArmed    bool
	NextFire      Instant

	queryGen uint64
	timerGen uint64
}

// Scheduler derives the scheduler state.
func (s State) Scheduler() SchedulerState {
	switch {
	case !s.TimerArmed:
		return Disabled
	case s.AwaitingReply:
		return Pending
	default:
		return Armed
	}
}

// Snapshot is a copy of the engine state handed to callers outside the loop.
type Snapshot struct {
	Offset          time.Duration
	LastCalibration Instant
	AwaitingReply   bool
	BoundPeer       []byte
	LastRTT         time.Duration
	Interval        time.Duration
	TargetPeer      PeerID
	Authenticated   bool
	Scheduler       SchedulerState
	NextFire        Instant
}

func (s State) snapshot() Snapshot {
	return Snapshot{
		Offset:          s.TimeDifference,
		LastCalibration: s.LastCalibration,
		AwaitingReply:   s.AwaitingReply,
		BoundPeer:       bytes.Clone(s.BoundPeer),
		LastRTT:         s.LastRTT,
		Interval:        s.Interval,
		TargetPeer:      s.TargetPeer,
		Authenticated:   s.Authenticated,
		Scheduler:       s.Scheduler(),
		NextFire:        s.NextFire,
	}
}
