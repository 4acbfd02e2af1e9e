// ABOUTME: High-level automatic clock client for Resonate time references
// ABOUTME: Keeps a session alive and feeds it into a recalibration engine
package autotime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/op/go-logging.v1"

	"github.com/Resonate-Protocol/resonate-clock/internal/discovery"
	"github.com/Resonate-Protocol/resonate-clock/internal/log"
	"github.com/Resonate-Protocol/resonate-clock/pkg/protocol"
	clocksync "github.com/Resonate-Protocol/resonate-clock/pkg/sync"
)

const (
	// DefaultRetryIncrement is added to the reconnect delay after each
	// failed or ended session.
	DefaultRetryIncrement = 15 * time.Second
	// DefaultMaxRetryDelay caps the reconnect delay.
	DefaultMaxRetryDelay = 2 * time.Minute

	discoveryTimeout = 10 * time.Second
)

// Config holds client configuration.
type Config struct {
	// ServerAddr is the server address (host:port). Empty with Discover
	// set finds a server via mDNS before every connect.
	ServerAddr string
	Discover   bool

	// Name is the display name announced to the server.
	Name       string
	DeviceInfo protocol.DeviceInfo

	// Interval between recalibrations. Zero or negative disables periodic
	// recalibration.
	Interval   time.Duration
	TargetPeer clocksync.PeerID
	// MailboxSize bounds the engine's input queue. Zero keeps the default.
	MailboxSize int

	QueryTimeout   time.Duration
	RetryIncrement time.Duration
	MaxRetryDelay  time.Duration

	ClockWatcher clocksync.ClockWatcher
	Recorder     clocksync.Recorder
	Log          *logging.Logger

	// OnStateChange is called when the session connects or disconnects.
	OnStateChange func(State)
	// OnError is called for connect failures.
	OnError func(error)
}

// State describes the session.
type State struct {
	Connected  bool
	ServerAddr string
	ServerName string
}

// Client keeps a calibrated clock against a reference server.
type Client struct {
	config   Config
	clientID string
	log      *logging.Logger
	engine   *clocksync.Engine

	mu      sync.RWMutex
	current *protocol.Client
	state   State

	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	done    chan struct{}
}

// New creates a client. Call Run to start it.
func New(config Config) (*Client, error) {
	if config.ServerAddr == "" && !config.Discover {
		return nil, errors.New("autotime: ServerAddr or Discover is required")
	}
	if config.Name == "" {
		config.Name = "resonate-clock"
	}
	if config.RetryIncrement <= 0 {
		config.RetryIncrement = DefaultRetryIncrement
	}
	if config.MaxRetryDelay <= 0 {
		config.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if config.MaxRetryDelay < config.RetryIncrement {
		config.MaxRetryDelay = config.RetryIncrement
	}
	l := config.Log
	if l == nil {
		l = log.Discard().GetLogger("autotime")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config:   config,
		clientID: uuid.New().String(),
		log:      l,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	engine, err := clocksync.New(clocksync.Config{
		Interval:     config.Interval,
		TargetPeer:   config.TargetPeer,
		MailboxSize:  config.MailboxSize,
		Querier:      c,
		ClockWatcher: config.ClockWatcher,
		Recorder:     config.Recorder,
		Log:          l,
	})
	if err != nil {
		return nil, err
	}
	c.engine = engine
	return c, nil
}

// Engine returns the recalibration engine.
func (c *Client) Engine() *clocksync.Engine { return c.engine }

// ID returns the client ID announced to servers. Other clients use it as
// the PeerID to query this client.
func (c *Client) ID() string { return c.clientID }

// Run connects and keeps reconnecting until ctx ends or Close is called.
// A client runs at most once.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("autotime: client already started")
	}
	c.started = true
	c.mu.Unlock()
	defer close(c.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	c.engine.Start()
	defer c.engine.Stop()

	var retryDelay time.Duration
	for {
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return nil
		}
		retryDelay += c.config.RetryIncrement
		if retryDelay > c.config.MaxRetryDelay {
			retryDelay = c.config.MaxRetryDelay
		}

		addr, name, err := c.resolve(ctx)
		if err != nil {
			c.notifyError(err)
			continue
		}

		binding := &sessionBinding{c: c}
		conn := protocol.NewClient(protocol.Config{
			ServerAddr:   addr,
			ClientID:     c.clientID,
			Name:         c.config.Name,
			DeviceInfo:   c.config.DeviceInfo,
			QueryTimeout: c.config.QueryTimeout,
			Log:          c.log,
		}, binding)
		binding.conn = conn

		if err := conn.Connect(ctx); err != nil {
			c.log.Warningf("Failed to connect to %s: %v", addr, err)
			c.notifyError(err)
			continue
		}

		if hello := conn.ServerHello(); hello.Name != "" {
			name = hello.Name
		}
		c.log.Noticef("Connected to %s (%s)", name, addr)
		c.setState(State{Connected: true, ServerAddr: addr, ServerName: name})
		retryDelay = 0

		if err := conn.Wait(ctx); err != nil {
			conn.SendGoodbye("shutdown")
			conn.Close()
			<-conn.Done()
		}
		binding.release()
		c.setState(State{ServerAddr: addr, ServerName: name})
		c.log.Noticef("Session with %s ended", addr)
	}
}

func (c *Client) resolve(ctx context.Context) (addr, name string, err error) {
	if c.config.ServerAddr != "" {
		return c.config.ServerAddr, c.config.ServerAddr, nil
	}

	mgr := discovery.NewManager(discovery.Config{Log: c.log})
	defer mgr.Stop()
	dctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	s, err := mgr.Discover(dctx)
	if err != nil {
		return "", "", err
	}
	return s.Addr(), s.Name, nil
}

// sessionBinding forwards one connection's lifecycle to the engine. The
// connection only serves queries between authentication and disconnect.
type sessionBinding struct {
	c    *Client
	conn *protocol.Client
}

func (b *sessionBinding) OnConnected(peer []byte) {
	b.c.engine.OnConnected(peer)
}

func (b *sessionBinding) OnAuthenticated() {
	b.c.mu.Lock()
	b.c.current = b.conn
	b.c.mu.Unlock()
	b.c.engine.OnAuthenticated()
}

func (b *sessionBinding) OnDisconnected(err error) {
	b.release()
	b.c.engine.OnDisconnected(err)
}

func (b *sessionBinding) release() {
	b.c.mu.Lock()
	defer b.c.mu.Unlock()
	if b.c.current == b.conn {
		b.c.current = nil
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.config.OnStateChange != nil {
		c.config.OnStateChange(s)
	}
}

func (c *Client) notifyError(err error) {
	if c.config.OnError != nil {
		c.config.OnError(err)
	}
}

// State returns the session state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// QueryDefaultPeer implements sync.Querier on the current session.
func (c *Client) QueryDefaultPeer(h clocksync.QueryHandler) {
	conn := c.session()
	if conn == nil {
		h.OnQueryTimeout()
		return
	}
	conn.QueryDefaultPeer(h)
}

// QueryPeer implements sync.Querier on the current session.
func (c *Client) QueryPeer(peer clocksync.PeerID, h clocksync.QueryHandler) {
	conn := c.session()
	if conn == nil {
		h.OnQueryTimeout()
		return
	}
	conn.QueryPeer(peer, h)
}

func (c *Client) session() *protocol.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Now returns the local wall clock corrected to the reference.
func (c *Client) Now() time.Time { return c.engine.Now() }

// Offset returns how far the reference is ahead of the local clock.
func (c *Client) Offset() time.Duration { return c.engine.Offset() }

// Close stops Run and waits for it to return.
func (c *Client) Close() error {
	c.cancel()

	c.mu.Lock()
	started := c.started
	c.started = true
	c.mu.Unlock()
	if !started {
		c.engine.Stop()
		return nil
	}

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return errors.New("autotime: timed out waiting for shutdown")
	}
}
