// ABOUTME: Recording querier for engine tests
package synctest

import (
	"sync"
	"time"

	clocksync "github.com/Resonate-Protocol/resonate-clock/pkg/sync"
)

// Query is one request captured by FakeQuerier.
type Query struct {
	// Peer is empty for queries to the default peer.
	Peer    clocksync.PeerID
	Handler clocksync.QueryHandler
}

// Reply answers the query.
func (q Query) Reply(rtt time.Duration, peerTime time.Time) {
	q.Handler.OnQueryReply(rtt, peerTime)
}

// Timeout fails the query.
func (q Query) Timeout() {
	q.Handler.OnQueryTimeout()
}

// FakeQuerier records queries and lets the test answer them.
type FakeQuerier struct {
	mu      sync.Mutex
	queries []Query
	ch      chan Query
}

// NewFakeQuerier returns an empty FakeQuerier.
func NewFakeQuerier() *FakeQuerier {
	return &FakeQuerier{ch: make(chan Query, 64)}
}

// QueryPeer implements clocksync.Querier.
func (f *FakeQuerier) QueryPeer(peer clocksync.PeerID, h clocksync.QueryHandler) {
	f.record(Query{Peer: peer, Handler: h})
}

// QueryDefaultPeer implements clocksync.Querier.
func (f *FakeQuerier) QueryDefaultPeer(h clocksync.QueryHandler) {
	f.record(Query{Handler: h})
}

func (f *FakeQuerier) record(q Query) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	f.ch <- q
}

// Next waits up to timeout for the next query. ok is false on timeout.
func (f *FakeQuerier) Next(timeout time.Duration) (q Query, ok bool) {
	select {
	case q = <-f.ch:
		return q, true
	case <-time.After(timeout):
		return Query{}, false
	}
}

// Count returns how many queries were sent so far.
func (f *FakeQuerier) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}
