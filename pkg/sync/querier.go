// ABOUTME: Contracts for the query codec and session lifecycle collaborators
package sync

import "time"

// QueryHandler receives the outcome of a single time query. Exactly one of
// its methods is called, exactly once.
type QueryHandler interface {
	// OnQueryReply reports the measured round-trip time and the peer's
	// clock reading carried in the reply.
	OnQueryReply(rtt time.Duration, peerTime time.Time)
	// OnQueryTimeout reports that no reply arrived.
	OnQueryTimeout()
}

// Querier sends time requests over the session. The handler may be called
// from any goroutine, including the caller's.
type Querier interface {
	QueryPeer(peer PeerID, h QueryHandler)
	QueryDefaultPeer(h QueryHandler)
}

// ClockWatcher reports local wall-clock changes. Watch returns a function
// that stops the watch.
type ClockWatcher interface {
	Watch(onChange func()) (stop func())
}
