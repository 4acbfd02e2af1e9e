// ABOUTME: Tests for the reference time server
// ABOUTME: Covers handshake, direct and relayed queries, and shutdown
package reference_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Resonate-Protocol/resonate-clock/pkg/protocol"
	"github.com/Resonate-Protocol/resonate-clock/pkg/reference"
	clocksync "github.com/Resonate-Protocol/resonate-clock/pkg/sync"
)

const wait = 5 * time.Second

func startServer(t *testing.T, cfg reference.ServerConfig) (*reference.Server, string) {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	srv, err := reference.NewServer(cfg)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	select {
	case <-srv.Ready():
	case err := <-errCh:
		t.Fatalf("server failed to start: %v", err)
	case <-time.After(wait):
		t.Fatal("server did not start")
	}
	t.Cleanup(srv.Stop)
	return srv, srv.Addr().String()
}

type session struct {
	mu            sync.Mutex
	peer          []byte
	authenticated bool
	disconnected  chan error
}

func newSession() *session {
	return &session{disconnected: make(chan error, 1)}
}

func (s *session) OnConnected(peer []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peer = peer
}

func (s *session) OnAuthenticated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = true
}

func (s *session) OnDisconnected(err error) {
	s.disconnected <- err
}

type result struct {
	ok       bool
	rtt      time.Duration
	peerTime time.Time
}

type handler chan result

func (h handler) OnQueryReply(rtt time.Duration, peerTime time.Time) {
	h <- result{ok: true, rtt: rtt, peerTime: peerTime}
}

func (h handler) OnQueryTimeout() { h <- result{} }

func (h handler) next(t *testing.T) result {
	t.Helper()
	select {
	case r := <-h:
		return r
	case <-time.After(wait):
		t.Fatal("query outcome not delivered")
		return result{}
	}
}

func connect(t *testing.T, addr string, sess protocol.SessionHandler, timeout time.Duration) *protocol.Client {
	t.Helper()
	c := protocol.NewClient(protocol.Config{
		ServerAddr:   addr,
		Name:         "test",
		QueryTimeout: timeout,
	}, sess)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Close)
	return c
}

type counter struct {
	mu      sync.Mutex
	clients int
	results map[string]int
}

func (c *counter) ClientConnected()    { c.mu.Lock(); c.clients++; c.mu.Unlock() }
func (c *counter) ClientDisconnected() { c.mu.Lock(); c.clients--; c.mu.Unlock() }
func (c *counter) TimeRequest(result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.results == nil {
		c.results = make(map[string]int)
	}
	c.results[result]++
}

func (c *counter) count(result string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results[result]
}

func TestNewServerRejectsBadAddr(t *testing.T) {
	_, err := reference.NewServer(reference.ServerConfig{Addr: "no-port"})
	require.Error(t, err)
}

func TestHandshakeReportsSession(t *testing.T) {
	srv, addr := startServer(t, reference.ServerConfig{Name: "Test Reference"})

	sess := newSession()
	c := connect(t, addr, sess, time.Second)

	sess.mu.Lock()
	require.Equal(t, []byte(addr), sess.peer)
	require.True(t, sess.authenticated)
	sess.mu.Unlock()

	hello := c.ServerHello()
	require.Equal(t, srv.ID(), hello.ServerID)
	require.Equal(t, "Test Reference", hello.Name)
	require.Equal(t, []string{protocol.RoleTime}, hello.ActiveRoles)

	require.Eventually(t, func() bool { return len(srv.Clients()) == 1 }, wait, 10*time.Millisecond)
}

func TestQueryDefaultPeer(t *testing.T) {
	rec := &counter{}
	_, addr := startServer(t, reference.ServerConfig{Offset: 5 * time.Second, Recorder: rec})
	c := connect(t, addr, nil, time.Second)

	h := make(handler, 1)
	before := time.Now()
	c.QueryDefaultPeer(h)
	r := h.next(t)

	require.True(t, r.ok)
	require.GreaterOrEqual(t, r.rtt, time.Duration(0))
	require.Less(t, r.rtt, time.Second)
	require.WithinDuration(t, before.Add(5*time.Second), r.peerTime, time.Second)
	require.Equal(t, 1, rec.count("answered"))
}

func TestQueryRelayedToTarget(t *testing.T) {
	rec := &counter{}
	_, addr := startServer(t, reference.ServerConfig{Offset: time.Hour, Recorder: rec})
	requester := connect(t, addr, nil, time.Second)
	target := connect(t, addr, nil, time.Second)

	h := make(handler, 1)
	requester.QueryPeer(clocksync.PeerID(target.ID()), h)
	r := h.next(t)

	// The target answers with its own clock, not the server's.
	require.True(t, r.ok)
	require.WithinDuration(t, time.Now(), r.peerTime, time.Second)
	require.Equal(t, 1, rec.count("relayed"))
}

func TestQueryUnknownTargetTimesOut(t *testing.T) {
	rec := &counter{}
	_, addr := startServer(t, reference.ServerConfig{Recorder: rec})
	c := connect(t, addr, nil, 100*time.Millisecond)

	h := make(handler, 1)
	c.QueryPeer("nobody", h)
	require.False(t, h.next(t).ok)
	require.Eventually(t, func() bool { return rec.count("dropped") == 1 }, wait, 10*time.Millisecond)
}

func TestDuplicateClientRejected(t *testing.T) {
	_, addr := startServer(t, reference.ServerConfig{})
	first := connect(t, addr, nil, time.Second)

	dup := protocol.NewClient(protocol.Config{
		ServerAddr:       addr,
		ClientID:         first.ID(),
		HandshakeTimeout: time.Second,
	}, nil)
	err := dup.Connect(context.Background())
	var he *protocol.HandshakeError
	require.True(t, errors.As(err, &he))
}

func TestServerStopDisconnectsClients(t *testing.T) {
	srv, addr := startServer(t, reference.ServerConfig{})
	sess := newSession()
	c := connect(t, addr, sess, wait)

	srv.Stop()

	select {
	case err := <-sess.disconnected:
		require.Error(t, err)
	case <-time.After(wait):
		t.Fatal("client not disconnected")
	}
	require.False(t, c.IsConnected())

	// Queries on a dead session time out right away.
	h := make(handler, 1)
	c.QueryDefaultPeer(h)
	require.False(t, h.next(t).ok)
}

func TestEngineCalibratesAgainstServer(t *testing.T) {
	_, addr := startServer(t, reference.ServerConfig{Offset: 5 * time.Second})

	var c *protocol.Client
	querier := &lateQuerier{ready: make(chan struct{})}
	engine, err := clocksync.New(clocksync.Config{Interval: time.Hour, Querier: querier})
	require.NoError(t, err)

	offsets := make(chan time.Duration, 4)
	engine.Subscribe(clocksync.ObserverFunc(func(d time.Duration) { offsets <- d }))
	engine.Start()
	defer engine.Stop()

	c = protocol.NewClient(protocol.Config{ServerAddr: addr, QueryTimeout: time.Second}, engine)
	querier.set(c)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	select {
	case d := <-offsets:
		require.InDelta(t, float64(5*time.Second), float64(d), float64(200*time.Millisecond))
	case <-time.After(wait):
		t.Fatal("engine did not calibrate")
	}

	snap, err := engine.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte(addr), snap.BoundPeer)
	require.Equal(t, clocksync.Armed, snap.Scheduler)
}

// lateQuerier lets the engine be built before the client it queries through.
type lateQuerier struct {
	once  sync.Once
	ready chan struct{}
	c     *protocol.Client
}

func (q *lateQuerier) set(c *protocol.Client) {
	q.once.Do(func() {
		q.c = c
		close(q.ready)
	})
}

func (q *lateQuerier) QueryPeer(peer clocksync.PeerID, h clocksync.QueryHandler) {
	<-q.ready
	q.c.QueryPeer(peer, h)
}

func (q *lateQuerier) QueryDefaultPeer(h clocksync.QueryHandler) {
	<-q.ready
	q.c.QueryDefaultPeer(h)
}

// queryingSession asks for the time as soon as the transport is up, before
// the handshake has finished.
type queryingSession struct {
	*session
	client *protocol.Client
	early  handler
}

func (s *queryingSession) OnConnected(peer []byte) {
	s.session.OnConnected(peer)
	s.client.QueryDefaultPeer(s.early)
}

func TestQueryBeforeHandshakeIsNotSent(t *testing.T) {
	srv, addr := startServer(t, reference.ServerConfig{Offset: 2 * time.Second})

	sess := &queryingSession{session: newSession(), early: make(handler, 1)}
	c := protocol.NewClient(protocol.Config{ServerAddr: addr, QueryTimeout: time.Second}, sess)
	sess.client = c

	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Close)

	require.False(t, sess.early.next(t).ok)
	require.True(t, c.IsAuthenticated())

	// The session survived and answers normally.
	h := make(handler, 1)
	c.QueryDefaultPeer(h)
	r := h.next(t)
	require.True(t, r.ok)
	require.WithinDuration(t, srv.Now(), r.peerTime, time.Second)
}

func TestStartTwice(t *testing.T) {
	srv, err := reference.NewServer(reference.ServerConfig{Addr: "127.0.0.1:0"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Start() }()
	<-srv.Ready()

	require.ErrorIs(t, srv.Start(), reference.ErrAlreadyStarted)

	srv.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(wait):
		t.Fatal("server did not stop")
	}

	// A stopped server stays stopped.
	require.ErrorIs(t, srv.Start(), reference.ErrAlreadyStarted)
}
