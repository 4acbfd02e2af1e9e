// ABOUTME: Tests for the NTP querier
// ABOUTME: Uses a stubbed query function instead of the network
package ntpquery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/beevik/ntp"
	"github.com/stretchr/testify/require"
)

type result struct {
	replied  bool
	rtt      time.Duration
	peerTime time.Time
}

type handler struct {
	done chan result
}

func (h *handler) OnQueryReply(rtt time.Duration, peerTime time.Time) {
	h.done <- result{replied: true, rtt: rtt, peerTime: peerTime}
}

func (h *handler) OnQueryTimeout() {
	h.done <- result{}
}

func TestReplyCarriesTransmitTime(t *testing.T) {
	t.Parallel()

	serverTime := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	q := New("ntp.example.org", time.Second, nil)
	var asked string
	q.query = func(host string, opt ntp.QueryOptions) (*ntp.Response, error) {
		asked = host
		require.Equal(t, time.Second, opt.Timeout)
		return &ntp.Response{
			Time:          serverTime,
			ReferenceTime: serverTime.Add(-time.Minute),
			RTT:           30 * time.Millisecond,
			Stratum:       2,
		}, nil
	}

	h := &handler{done: make(chan result, 1)}
	q.QueryDefaultPeer(h)
	r := <-h.done
	require.True(t, r.replied)
	require.Equal(t, 30*time.Millisecond, r.rtt)
	require.Equal(t, serverTime, r.peerTime)
	require.Equal(t, "ntp.example.org", asked)

	q.QueryPeer("other.example.org", h)
	<-h.done
	require.Equal(t, "other.example.org", asked)
}

func TestFailuresAreTimeouts(t *testing.T) {
	t.Parallel()

	q := New("ntp.example.org", time.Second, nil)
	h := &handler{done: make(chan result, 1)}

	q.query = func(string, ntp.QueryOptions) (*ntp.Response, error) {
		return nil, errors.New("i/o timeout")
	}
	q.QueryDefaultPeer(h)
	require.False(t, (<-h.done).replied)

	// Kiss-of-death responses fail validation.
	q.query = func(string, ntp.QueryOptions) (*ntp.Response, error) {
		return &ntp.Response{Stratum: 0, KissCode: "RATE"}, nil
	}
	q.QueryDefaultPeer(h)
	require.False(t, (<-h.done).replied)
}

func TestIdentityOfLiteralAddress(t *testing.T) {
	t.Parallel()

	q := New("127.0.0.1:1123", time.Second, nil)
	id, err := q.Identity(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("127.0.0.1:1123"), id)

	q = New("127.0.0.1", time.Second, nil)
	id, err = q.Identity(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("127.0.0.1:123"), id)
}
