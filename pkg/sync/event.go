// ABOUTME: Engine events reported to logs and metrics recorders
package sync

import (
	"fmt"
	"time"
)

// EventKind identifies what happened inside the engine.
type EventKind int

const (
	EventQuerySent EventKind = iota
	EventCalibrated
	EventTimeout
	EventStaleReply
	EventClockJump
	EventClockChangeIgnored
	EventPeerReset
	EventCycleSkipped
	EventDisconnected
)

var eventNames = map[EventKind]string{
	EventQuerySent:          "query_sent",
	EventCalibrated:         "calibrated",
	EventTimeout:            "timeout",
	EventStaleReply:         "stale_reply",
	EventClockJump:          "clock_jump",
	EventClockChangeIgnored: "clock_change_ignored",
	EventPeerReset:          "peer_reset",
	EventCycleSkipped:       "cycle_skipped",
	EventDisconnected:       "disconnected",
}

func (k EventKind) String() string {
	if n, ok := eventNames[k]; ok {
		return n
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event describes a state change. Only the fields relevant to Kind are set.
type Event struct {
	Kind   EventKind
	Offset time.Duration
	RTT    time.Duration
	Jump   time.Duration
	Target PeerID
	Peer   []byte
	Err    error
}

// Recorder receives every engine event. Implementations must not block.
type Recorder interface {
	Record(Event)
}

type nopRecorder struct{}

func (nopRecorder) Record(Event) {}

type multiRecorder []Recorder

func (m multiRecorder) Record(ev Event) {
	for _, r := range m {
		r.Record(ev)
	}
}

// Recorders fans every event out to rs in order. Nil entries are skipped.
func Recorders(rs ...Recorder) Recorder {
	var out multiRecorder
	for _, r := range rs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}
