// ABOUTME: WebSocket client for the Resonate time protocol
// ABOUTME: Handles connection, handshake, time queries and relayed requests
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"gopkg.in/op/go-logging.v1"

	"github.com/Resonate-Protocol/resonate-clock/internal/log"
	"github.com/Resonate-Protocol/resonate-clock/internal/monotime"
	clocksync "github.com/Resonate-Protocol/resonate-clock/pkg/sync"
)

const (
	// Path is the WebSocket endpoint served by reference servers.
	Path = "/resonate"

	// DefaultQueryTimeout bounds how long a time query waits for its reply.
	DefaultQueryTimeout = 10 * time.Second

	// DefaultHandshakeTimeout bounds the wait for server/hello.
	DefaultHandshakeTimeout = 5 * time.Second

	writeDeadline = 10 * time.Second
)

// SessionHandler receives the session lifecycle. sync.Engine implements it.
type SessionHandler interface {
	// OnConnected is called once the transport is up, with the remote
	// transport address as the peer identity.
	OnConnected(peer []byte)
	// OnAuthenticated is called once server/hello arrives.
	OnAuthenticated()
	// OnDisconnected is called once for every successful OnConnected.
	OnDisconnected(err error)
}

// Config holds client configuration.
type Config struct {
	ServerAddr string
	ClientID   string
	Name       string
	DeviceInfo DeviceInfo

	QueryTimeout     time.Duration
	HandshakeTimeout time.Duration

	Log *logging.Logger
}

type pendingQuery struct {
	handler clocksync.QueryHandler
	sent    time.Duration
	timer   *time.Timer
}

// Client is one WebSocket session to a reference server. It implements
// sync.Querier. A Client connects at most once.
type Client struct {
	config  Config
	log     *logging.Logger
	session SessionHandler

	mu            sync.RWMutex
	conn          *websocket.Conn
	connected     bool
	authenticated bool
	hello         ServerHello
	writeMu       sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*pendingQuery

	done chan struct{}
}

// NewClient creates a client. session may be nil.
func NewClient(config Config, session SessionHandler) *Client {
	if config.ClientID == "" {
		config.ClientID = uuid.New().String()
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = DefaultQueryTimeout
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = DefaultHandshakeTimeout
	}
	l := config.Log
	if l == nil {
		l = log.Discard().GetLogger("protocol")
	}
	return &Client{
		config:  config,
		log:     l,
		session: session,
		pending: make(map[string]*pendingQuery),
		done:    make(chan struct{}),
	}
}

// ID returns the client ID announced in the handshake.
func (c *Client) ID() string { return c.config.ClientID }

// Connect dials the server, reports the peer identity, performs the
// handshake and starts reading. Failures are *ConnectError or
// *HandshakeError.
func (c *Client) Connect(ctx context.Context) error {
	u := url.URL{Scheme: "ws", Host: c.config.ServerAddr, Path: Path}
	c.log.Debugf("Connecting to %s", u.String())

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return &ConnectError{Addr: c.config.ServerAddr, Err: err}
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	if c.session != nil {
		c.session.OnConnected([]byte(conn.RemoteAddr().String()))
	}

	if err := c.handshake(); err != nil {
		err = &HandshakeError{Err: err}
		c.Close()
		close(c.done)
		if c.session != nil {
			c.session.OnDisconnected(err)
		}
		return err
	}

	c.mu.Lock()
	c.authenticated = c.connected
	c.mu.Unlock()

	if c.session != nil {
		c.session.OnAuthenticated()
	}
	go c.readMessages()
	return nil
}

func (c *Client) handshake() error {
	hello := ClientHello{
		ClientID:       c.config.ClientID,
		Name:           c.config.Name,
		Version:        Version,
		SupportedRoles: []string{RoleTime},
		DeviceInfo:     &c.config.DeviceInfo,
	}
	if err := c.send(TypeClientHello, hello); err != nil {
		return fmt.Errorf("failed to send client/hello: %w", err)
	}

	c.conn.SetReadDeadline(time.Now().Add(c.config.HandshakeTimeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read server/hello: %w", err)
	}
	c.conn.SetReadDeadline(time.Time{})

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("failed to parse server/hello: %w", err)
	}
	if env.Type != TypeServerHello {
		return fmt.Errorf("expected %s, got %s", TypeServerHello, env.Type)
	}
	var sh ServerHello
	if err := env.Decode(&sh); err != nil {
		return err
	}

	c.mu.Lock()
	c.hello = sh
	c.mu.Unlock()

	c.log.Infof("Handshake complete with %s (%s)", sh.Name, sh.ServerID)
	return nil
}

// ServerHello returns the server's handshake message.
func (c *Client) ServerHello() ServerHello {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hello
}

func (c *Client) send(msgType string, payload interface{}) error {
	c.mu.RLock()
	conn, connected := c.conn, c.connected
	c.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return conn.WriteJSON(Message{Type: msgType, Payload: payload})
}

func (c *Client) readMessages() {
	var readErr error
	defer func() {
		c.Close()
		c.failPending()
		close(c.done)
		if c.session != nil {
			c.session.OnDisconnected(readErr)
		}
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			// A read failing after Close is the local shutdown.
			if c.IsConnected() {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.log.Warningf("Read error: %v", err)
				}
				readErr = err
			}
			return
		}
		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Warningf("Failed to parse message: %v", err)
		return
	}

	switch env.Type {
	case TypeServerTime:
		var st ServerTime
		if err := env.Decode(&st); err != nil {
			c.log.Warning(err.Error())
			return
		}
		c.handleServerTime(st)

	case TypeServerTimeRequest:
		received := monotime.Wall()
		var req ServerTimeRequest
		if err := env.Decode(&req); err != nil {
			c.log.Warning(err.Error())
			return
		}
		reply := ClientTimeReply{
			QueryID:     req.QueryID,
			Requester:   req.Requester,
			Received:    received.UnixMicro(),
			Transmitted: monotime.Wall().UnixMicro(),
		}
		if err := c.send(TypeClientTimeReply, reply); err != nil {
			c.log.Debugf("Failed to answer time request from %s: %v", req.Requester, err)
		}

	default:
		c.log.Debugf("Ignoring message type: %s", env.Type)
	}
}

func (c *Client) handleServerTime(st ServerTime) {
	arrived := monotime.Now()

	c.pendingMu.Lock()
	q, ok := c.pending[st.QueryID]
	if ok {
		delete(c.pending, st.QueryID)
		q.timer.Stop()
	}
	c.pendingMu.Unlock()
	if !ok {
		c.log.Debugf("Reply for unknown or expired query %s", st.QueryID)
		return
	}

	rtt := RoundTrip(q.sent, arrived, st.ServerReceived, st.ServerTransmitted)
	peerTime := time.UnixMicro(st.ServerTransmitted)
	if st.Source != "" {
		c.log.Debugf("Time from %s: rtt=%v", st.Source, rtt)
	}
	q.handler.OnQueryReply(rtt, peerTime)
}

// RoundTrip returns the network round-trip time of a query: the elapsed
// local time minus the time the peer held the request. Peer stamps are in
// microseconds.
func RoundTrip(sent, arrived time.Duration, peerReceived, peerTransmitted int64) time.Duration {
	held := time.Duration(peerTransmitted-peerReceived) * time.Microsecond
	if held < 0 {
		held = 0
	}
	rtt := arrived - sent - held
	if rtt < 0 {
		rtt = 0
	}
	return rtt
}

// QueryDefaultPeer implements sync.Querier by asking the server itself.
func (c *Client) QueryDefaultPeer(h clocksync.QueryHandler) {
	c.query("", h)
}

// QueryPeer implements sync.Querier by asking the server to relay the
// query to the client with the given ID.
func (c *Client) QueryPeer(peer clocksync.PeerID, h clocksync.QueryHandler) {
	c.query(string(peer), h)
}

// query reports a timeout right away unless the handshake has completed;
// the server drops clients that send client/time before client/hello.
func (c *Client) query(target string, h clocksync.QueryHandler) {
	if !c.IsAuthenticated() {
		c.log.Debug("Not authenticated, failing time query")
		h.OnQueryTimeout()
		return
	}

	id := uuid.New().String()
	sent := monotime.Now()

	q := &pendingQuery{handler: h, sent: sent}
	c.pendingMu.Lock()
	q.timer = time.AfterFunc(c.config.QueryTimeout, func() { c.expire(id) })
	c.pending[id] = q
	c.pendingMu.Unlock()

	msg := ClientTime{
		QueryID:           id,
		ClientTransmitted: sent.Microseconds(),
		Target:            target,
	}
	if err := c.send(TypeClientTime, msg); err != nil {
		c.log.Debugf("Failed to send time query: %v", err)
		c.expire(id)
	}
}

func (c *Client) expire(id string) {
	c.pendingMu.Lock()
	q, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		q.timer.Stop()
	}
	c.pendingMu.Unlock()
	if ok {
		q.handler.OnQueryTimeout()
	}
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingQuery)
	c.pendingMu.Unlock()

	for _, q := range pending {
		q.timer.Stop()
		q.handler.OnQueryTimeout()
	}
}

// SendGoodbye sends a client/goodbye message before disconnecting.
func (c *Client) SendGoodbye(reason string) error {
	return c.send(TypeClientGoodbye, ClientGoodbye{Reason: reason})
}

// Close closes the connection. The session sees OnDisconnected once the
// reader exits.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.authenticated = false
	if c.connected {
		c.connected = false
		c.conn.Close()
		c.log.Debug("Connection closed")
	}
}

// Done is closed after the session ended and OnDisconnected was delivered.
func (c *Client) Done() <-chan struct{} { return c.done }

// IsConnected returns connection status.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// IsAuthenticated reports whether the handshake completed and the
// connection is still up.
func (c *Client) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// Wait blocks until the session ends or ctx is done.
func (c *Client) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ clocksync.Querier = (*Client)(nil)

// IsConnectError reports whether err came from a failed dial.
func IsConnectError(err error) bool {
	var ce *ConnectError
	return errors.As(err, &ce)
}
