// ABOUTME: Reference time server for the Resonate time protocol
// ABOUTME: Answers time queries and relays targeted queries between clients
package reference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"gopkg.in/op/go-logging.v1"

	"github.com/Resonate-Protocol/resonate-clock/internal/discovery"
	"github.com/Resonate-Protocol/resonate-clock/internal/log"
	"github.com/Resonate-Protocol/resonate-clock/internal/monotime"
	"github.com/Resonate-Protocol/resonate-clock/pkg/protocol"
)

const (
	// DefaultPort is the default listening port.
	DefaultPort = 8927

	pingInterval  = 30 * time.Second
	writeDeadline = 10 * time.Second
	helloTimeout  = 10 * time.Second
)

// Recorder receives server statistics. *metrics.Metrics implements it.
type Recorder interface {
	ClientConnected()
	ClientDisconnected()
	TimeRequest(result string)
}

type nopRecorder struct{}

func (nopRecorder) ClientConnected()    {}
func (nopRecorder) ClientDisconnected() {}
func (nopRecorder) TimeRequest(string)  {}

// ServerConfig configures a reference server.
type ServerConfig struct {
	// Addr to listen on (default ":8927").
	Addr string

	// Name of the server for identification.
	Name string

	// Offset is added to the served wall clock. It lets a server act as a
	// reference that deliberately disagrees with the host clock.
	Offset time.Duration

	// EnableMDNS enables mDNS service advertisement.
	EnableMDNS bool

	Recorder Recorder
	Log      *logging.Logger
}

// Server is a reference time server.
type Server struct {
	config   ServerConfig
	serverID string
	log      *logging.Logger
	recorder Recorder

	upgrader   websocket.Upgrader
	httpServer *http.Server
	mux        *http.ServeMux

	clients   map[string]*client
	clientsMu sync.RWMutex

	mdnsManager *discovery.Manager

	addr  net.Addr
	ready chan struct{}

	startOnce  sync.Once
	stopChan   chan struct{}
	stopOnce   sync.Once
	shutdownMu sync.RWMutex
	isShutdown bool
	wg         sync.WaitGroup
}

type client struct {
	ID   string
	Name string
	Conn *websocket.Conn

	sendChan chan interface{}
	closed   bool
	mu       sync.Mutex
}

// ClientInfo represents information about a connected client.
type ClientInfo struct {
	ID   string
	Name string
}

// NewServer creates a new reference server.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Addr == "" {
		config.Addr = fmt.Sprintf(":%d", DefaultPort)
	}
	if config.Name == "" {
		config.Name = "Resonate Time Reference"
	}
	if _, _, err := net.SplitHostPort(config.Addr); err != nil {
		return nil, fmt.Errorf("reference: invalid address %q: %w", config.Addr, err)
	}

	l := config.Log
	if l == nil {
		l = log.Discard().GetLogger("reference")
	}
	rec := config.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}

	s := &Server{
		config:   config,
		serverID: uuid.New().String(),
		log:      l,
		recorder: rec,
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:  make(map[string]*client),
		ready:    make(chan struct{}),
		stopChan: make(chan struct{}),
	}
	s.mux.HandleFunc(protocol.Path, s.handleWebSocket)
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          log.NewGoLogger(l, "WARNING"),
	}
	return s, nil
}

// ID returns the server ID sent in server/hello.
func (s *Server) ID() string { return s.serverID }

// Now returns the time this server serves.
func (s *Server) Now() time.Time {
	return monotime.Wall().Add(s.config.Offset)
}

// ErrAlreadyStarted is returned by Start on every call after the first.
var ErrAlreadyStarted = errors.New("reference: server already started")

// Start listens and serves until Stop is called. A server can only be
// started once.
func (s *Server) Start() error {
	err := ErrAlreadyStarted
	s.startOnce.Do(func() { err = s.serve() })
	return err
}

func (s *Server) serve() error {
	s.log.Noticef("Server starting: %s (ID: %s)", s.config.Name, s.serverID)

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("reference: listen: %w", err)
	}
	s.addr = ln.Addr()
	close(s.ready)

	if s.config.EnableMDNS {
		port := ln.Addr().(*net.TCPAddr).Port
		s.mdnsManager = discovery.NewManager(discovery.Config{
			ServiceName: s.config.Name,
			Port:        port,
			Path:        protocol.Path,
			Log:         s.log,
		})
		if err := s.mdnsManager.Advertise(); err != nil {
			s.log.Warningf("Failed to start mDNS advertisement: %v", err)
		}
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()
	s.log.Noticef("WebSocket server listening on %s", s.addr)

	select {
	case <-s.stopChan:
		s.log.Notice("Server shutting down...")
	case err := <-errChan:
		s.log.Errorf("HTTP server error: %v", err)
		return err
	}

	s.shutdownMu.Lock()
	s.isShutdown = true
	s.shutdownMu.Unlock()

	if s.mdnsManager != nil {
		s.mdnsManager.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.Warningf("HTTP server shutdown error: %v", err)
	}

	// Hijacked websocket connections are not closed by Shutdown.
	s.clientsMu.RLock()
	for _, c := range s.clients {
		c.Conn.Close()
	}
	s.clientsMu.RUnlock()

	s.wg.Wait()
	s.log.Notice("Server stopped cleanly")
	return nil
}

// Ready is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the listening address. It is valid after Ready.
func (s *Server) Addr() net.Addr { return s.addr }

// Stop stops the server.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

// Clients returns information about all connected clients.
func (s *Server) Clients() []ClientInfo {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	clients := make([]ClientInfo, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, ClientInfo{ID: c.ID, Name: c.Name})
	}
	return clients
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warningf("WebSocket upgrade error: %v", err)
		return
	}

	s.log.Debugf("New WebSocket connection from %s", r.RemoteAddr)
	s.wg.Add(1)
	defer s.wg.Done()
	s.handleConnection(conn)
}

func (s *Server) handleConnection(conn *websocket.Conn) {
	defer conn.Close()

	s.shutdownMu.RLock()
	if s.isShutdown {
		s.shutdownMu.RUnlock()
		s.log.Debug("Rejecting connection during shutdown")
		return
	}
	s.shutdownMu.RUnlock()

	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		s.log.Debugf("Error reading hello: %v", err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.log.Debugf("Error unmarshaling message: %v", err)
		return
	}
	if env.Type != protocol.TypeClientHello {
		s.log.Debugf("Expected %s, got %s", protocol.TypeClientHello, env.Type)
		return
	}

	var hello protocol.ClientHello
	if err := env.Decode(&hello); err != nil {
		s.log.Debug(err.Error())
		return
	}
	if hello.ClientID == "" {
		s.log.Debug("Client hello missing client_id")
		return
	}

	s.log.Infof("Client hello: %s (ID: %s, Roles: %v)", hello.Name, hello.ClientID, hello.SupportedRoles)

	c := &client{
		ID:       hello.ClientID,
		Name:     hello.Name,
		Conn:     conn,
		sendChan: make(chan interface{}, 100),
	}

	s.clientsMu.Lock()
	if _, exists := s.clients[hello.ClientID]; exists {
		s.clientsMu.Unlock()
		s.log.Warningf("Client ID %s already connected, rejecting duplicate", hello.ClientID)
		return
	}
	s.clients[c.ID] = c
	s.clientsMu.Unlock()
	s.recorder.ClientConnected()

	defer func() {
		s.removeClient(c)
		s.recorder.ClientDisconnected()
		s.log.Infof("Client disconnected: %s", c.Name)
	}()

	serverHello := protocol.ServerHello{
		ServerID:    s.serverID,
		Name:        s.config.Name,
		Version:     protocol.Version,
		ActiveRoles: activateRoles(hello.SupportedRoles),
	}
	if err := s.sendMessage(c, protocol.TypeServerHello, serverHello); err != nil {
		s.log.Warningf("Error sending server hello: %v", err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.clientWriter(c)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debugf("WebSocket error: %v", err)
			}
			return
		}
		s.handleClientMessage(c, data)
	}
}

func (s *Server) clientWriter(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.sendChan:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			c.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.Conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeDeadline)); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleClientMessage(c *client, data []byte) {
	received := s.Now()

	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.log.Debugf("Error unmarshaling message: %v", err)
		return
	}

	switch env.Type {
	case protocol.TypeClientTime:
		var ct protocol.ClientTime
		if err := env.Decode(&ct); err != nil {
			s.log.Debug(err.Error())
			return
		}
		s.handleClientTime(c, ct, received)
	case protocol.TypeClientTimeReply:
		var reply protocol.ClientTimeReply
		if err := env.Decode(&reply); err != nil {
			s.log.Debug(err.Error())
			return
		}
		s.handleTimeReply(c, reply)
	case protocol.TypeClientGoodbye:
		var bye protocol.ClientGoodbye
		if err := env.Decode(&bye); err == nil {
			s.log.Infof("Client %s goodbye: %s", c.Name, bye.Reason)
		}
	default:
		s.log.Debugf("Unknown message type: %s", env.Type)
	}
}

func (s *Server) handleClientTime(c *client, ct protocol.ClientTime, received time.Time) {
	if ct.Target == "" {
		response := protocol.ServerTime{
			QueryID:           ct.QueryID,
			ClientTransmitted: ct.ClientTransmitted,
			ServerReceived:    received.UnixMicro(),
			ServerTransmitted: s.Now().UnixMicro(),
		}
		if err := s.sendMessage(c, protocol.TypeServerTime, response); err != nil {
			s.log.Debugf("Dropping time reply to %s: %v", c.Name, err)
			s.recorder.TimeRequest("dropped")
			return
		}
		s.recorder.TimeRequest("answered")
		return
	}

	target := s.lookup(ct.Target)
	if target == nil {
		s.log.Debugf("Time request from %s for unknown target %q", c.Name, ct.Target)
		s.recorder.TimeRequest("dropped")
		return
	}
	req := protocol.ServerTimeRequest{
		QueryID:        ct.QueryID,
		Requester:      c.ID,
		ServerReceived: received.UnixMicro(),
	}
	if err := s.sendMessage(target, protocol.TypeServerTimeRequest, req); err != nil {
		s.recorder.TimeRequest("dropped")
		return
	}
	s.recorder.TimeRequest("relayed")
}

func (s *Server) handleTimeReply(c *client, reply protocol.ClientTimeReply) {
	requester := s.lookup(reply.Requester)
	if requester == nil {
		s.log.Debugf("Time reply from %s for departed requester %q", c.Name, reply.Requester)
		return
	}
	response := protocol.ServerTime{
		QueryID:           reply.QueryID,
		ServerReceived:    reply.Received,
		ServerTransmitted: reply.Transmitted,
		Source:            c.ID,
	}
	if err := s.sendMessage(requester, protocol.TypeServerTime, response); err != nil {
		s.log.Debugf("Dropping relayed reply to %s: %v", requester.Name, err)
	}
}

func (s *Server) lookup(id string) *client {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return s.clients[id]
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c.ID)
	s.clientsMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.sendChan)
	}
}

func (s *Server) sendMessage(c *client, msgType string, payload interface{}) error {
	msg := protocol.Message{
		Type:    msgType,
		Payload: payload,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return protocol.ErrNotConnected
	}
	select {
	case c.sendChan <- msg:
		return nil
	default:
		return fmt.Errorf("client send buffer full")
	}
}

// activateRoles returns the roles this server serves out of those the
// client supports.
func activateRoles(supportedRoles []string) []string {
	var active []string
	for _, role := range supportedRoles {
		if role == protocol.RoleTime {
			active = append(active, role)
		}
	}
	return active
}
