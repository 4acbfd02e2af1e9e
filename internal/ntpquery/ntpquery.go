// ABOUTME: Time queries against an NTP server
// ABOUTME: Lets the calibration engine use NTP as its reference peer
// Package ntpquery answers calibration queries with SNTP.
package ntpquery

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/beevik/ntp"
	"gopkg.in/op/go-logging.v1"

	"github.com/Resonate-Protocol/resonate-clock/internal/log"
	clocksync "github.com/Resonate-Protocol/resonate-clock/pkg/sync"
)

const defaultPort = "123"

// Querier implements sync.Querier over NTP. Queries addressed to a peer use
// the peer ID as the server host.
type Querier struct {
	server  string
	timeout time.Duration
	log     *logging.Logger

	query func(host string, opt ntp.QueryOptions) (*ntp.Response, error)
}

// New returns a Querier for server.
func New(server string, timeout time.Duration, l *logging.Logger) *Querier {
	if l == nil {
		l = log.Discard().GetLogger("ntp")
	}
	return &Querier{
		server:  server,
		timeout: timeout,
		log:     l,
		query:   ntp.QueryWithOptions,
	}
}

// QueryDefaultPeer implements sync.Querier.
func (q *Querier) QueryDefaultPeer(h clocksync.QueryHandler) {
	q.run(q.server, h)
}

// QueryPeer implements sync.Querier.
func (q *Querier) QueryPeer(peer clocksync.PeerID, h clocksync.QueryHandler) {
	q.run(string(peer), h)
}

func (q *Querier) run(host string, h clocksync.QueryHandler) {
	resp, err := q.query(host, ntp.QueryOptions{Timeout: q.timeout})
	if err == nil {
		err = resp.Validate()
	}
	if err != nil {
		q.log.Debugf("ntp query to %s failed: %v", host, err)
		h.OnQueryTimeout()
		return
	}
	q.log.Debugf("ntp %s: stratum=%d rtt=%v offset=%v", host, resp.Stratum, resp.RTT, resp.ClockOffset)
	h.OnQueryReply(resp.RTT, resp.Time)
}

// Identity resolves the server to the address bytes the engine binds its
// calibration to.
func (q *Querier) Identity(ctx context.Context) ([]byte, error) {
	host, port, err := net.SplitHostPort(q.server)
	if err != nil {
		host, port = q.server, defaultPort
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("ntp: resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("ntp: no addresses for %s", host)
	}
	return []byte(net.JoinHostPort(addrs[0].IP.String(), port)), nil
}
