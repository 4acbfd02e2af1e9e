// ABOUTME: mDNS service discovery for Resonate time reference servers
// ABOUTME: Handles both advertisement (server side) and browsing (client side)
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"gopkg.in/op/go-logging.v1"

	"github.com/Resonate-Protocol/resonate-clock/internal/log"
)

// ServiceType is the mDNS service type of reference servers.
const ServiceType = "_resonate-time._tcp"

const browseTimeout = 3 * time.Second

// Config holds discovery configuration.
type Config struct {
	ServiceName string
	Port        int
	// Path is advertised in the TXT record.
	Path string
	Log  *logging.Logger
}

// Manager handles mDNS operations.
type Manager struct {
	config Config
	log    *logging.Logger
	ctx    context.Context
	cancel context.CancelFunc

	servers chan *ServerInfo

	mu     sync.Mutex
	server *mdns.Server
}

// ServerInfo describes a discovered server.
type ServerInfo struct {
	Name string
	Host string
	Port int
	Path string
}

// Addr returns host:port.
func (s *ServerInfo) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// NewManager creates a discovery manager.
func NewManager(config Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	l := config.Log
	if l == nil {
		l = log.Discard().GetLogger("discovery")
	}
	return &Manager{
		config:  config,
		log:     l,
		ctx:     ctx,
		cancel:  cancel,
		servers: make(chan *ServerInfo, 10),
	}
}

// Advertise announces this reference server via mDNS until Stop.
func (m *Manager) Advertise() error {
	ips, err := getLocalIPs()
	if err != nil {
		return fmt.Errorf("failed to get local IPs: %w", err)
	}

	service, err := mdns.NewMDNSService(
		m.config.ServiceName,
		ServiceType,
		"",
		"",
		m.config.Port,
		ips,
		[]string{"path=" + m.config.Path},
	)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mdns server: %w", err)
	}

	m.mu.Lock()
	m.server = server
	m.mu.Unlock()

	m.log.Noticef("Advertising mDNS service: %s on port %d (type: %s)", m.config.ServiceName, m.config.Port, ServiceType)
	return nil
}

func (m *Manager) browseLoop() {
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		entries := make(chan *mdns.ServiceEntry, 10)
		finished := make(chan struct{})
		go func() {
			defer close(finished)
			for entry := range entries {
				server := entryToServer(entry)
				if server == nil {
					continue
				}
				m.log.Infof("Discovered server: %s at %s", server.Name, server.Addr())
				select {
				case m.servers <- server:
				case <-m.ctx.Done():
				}
			}
		}()

		params := mdns.DefaultParams(ServiceType)
		params.Timeout = browseTimeout
		params.Entries = entries
		params.DisableIPv6 = true
		if err := mdns.Query(params); err != nil {
			m.log.Debugf("mDNS query failed: %v", err)
		}
		close(entries)
		<-finished

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// Discover browses until the first server is found or ctx ends.
func (m *Manager) Discover(ctx context.Context) (*ServerInfo, error) {
	go m.browseLoop()
	select {
	case s := <-m.servers:
		return s, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("discovery: no %s server found: %w", ServiceType, ctx.Err())
	case <-m.ctx.Done():
		return nil, fmt.Errorf("discovery: stopped")
	}
}

func entryToServer(entry *mdns.ServiceEntry) *ServerInfo {
	if entry == nil || entry.AddrV4 == nil || entry.Port == 0 {
		return nil
	}
	s := &ServerInfo{
		Name: strings.TrimSuffix(entry.Name, "."+ServiceType+".local."),
		Host: entry.AddrV4.String(),
		Port: entry.Port,
	}
	for _, field := range entry.InfoFields {
		if v, ok := strings.CutPrefix(field, "path="); ok {
			s.Path = v
		}
	}
	return s
}

// Stop stops browsing and withdraws any advertisement.
func (m *Manager) Stop() {
	m.cancel()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.server != nil {
		m.server.Shutdown()
		m.server = nil
	}
}

// getLocalIPs returns non-loopback IPv4 addresses of interfaces that are up.
func getLocalIPs() ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					ips = append(ips, ipnet.IP)
				}
			}
		}
	}

	return ips, nil
}
