// ABOUTME: Configuration for the clock client and the reference server
// ABOUTME: Loaded from TOML or YAML, layered over defaults and validated
// Package config provides the configuration file format.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/Resonate-Protocol/resonate-clock/internal/log"
)

const (
	defaultQueryTimeout   = 10 * time.Second
	defaultRetryIncrement = 15 * time.Second
	defaultMaxRetryDelay  = 2 * time.Minute
	defaultInterval       = time.Hour
	defaultPollInterval   = time.Second
	defaultMailboxSize    = 256
	defaultNTPServer      = "pool.ntp.org"
	defaultNTPTimeout     = 5 * time.Second
	defaultLogLevel       = "NOTICE"
	defaultServerPort     = 8927
	defaultServerName     = "Resonate Time Reference"
	defaultClientName     = "resonate-clock"
)

// Duration is a time.Duration written as a string such as "1h" or "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// Session is the client session configuration.
type Session struct {
	// Server is the reference server address (host:port). When empty and
	// Discover is set, the server is found via mDNS.
	Server   string `toml:"Server" yaml:"server"`
	Discover bool   `toml:"Discover" yaml:"discover"`
	// Name is the client name announced in the handshake.
	Name string `toml:"Name" yaml:"name"`

	QueryTimeout   Duration `toml:"QueryTimeout" yaml:"query_timeout"`
	RetryIncrement Duration `toml:"RetryIncrement" yaml:"retry_increment"`
	MaxRetryDelay  Duration `toml:"MaxRetryDelay" yaml:"max_retry_delay"`
}

// Calibration configures the recalibration engine.
type Calibration struct {
	// Interval between recalibrations. Zero disables periodic
	// recalibration.
	Interval Duration `toml:"Interval" yaml:"interval"`
	// TargetPeer addresses queries to a specific client of the server.
	// Empty queries the server itself.
	TargetPeer string `toml:"TargetPeer" yaml:"target_peer"`

	WatchClock   bool     `toml:"WatchClock" yaml:"watch_clock"`
	PollInterval Duration `toml:"PollInterval" yaml:"poll_interval"`

	// MailboxSize bounds the engine's pending input queue.
	MailboxSize int `toml:"MailboxSize" yaml:"mailbox_size"`
}

// NTP configures NTP mode.
type NTP struct {
	Server  string   `toml:"Server" yaml:"server"`
	Timeout Duration `toml:"Timeout" yaml:"timeout"`
}

// Logging is the logging configuration.
type Logging struct {
	// File is the log file. Empty logs to stdout.
	File    string `toml:"File" yaml:"file"`
	Level   string `toml:"Level" yaml:"level"`
	Disable bool   `toml:"Disable" yaml:"disable"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	// Address to serve /metrics on. Empty disables the endpoint.
	Address string `toml:"Address" yaml:"address"`
}

// UI configures the terminal dashboard.
type UI struct {
	Enable bool `toml:"Enable" yaml:"enable"`
}

// Server configures the reference time server.
type Server struct {
	Port      int    `toml:"Port" yaml:"port"`
	Name      string `toml:"Name" yaml:"name"`
	Advertise bool   `toml:"Advertise" yaml:"advertise"`
}

// Config is the top level configuration.
type Config struct {
	Session     Session     `toml:"Session" yaml:"session"`
	Calibration Calibration `toml:"Calibration" yaml:"calibration"`
	NTP         NTP         `toml:"NTP" yaml:"ntp"`
	Logging     Logging     `toml:"Logging" yaml:"logging"`
	Metrics     Metrics     `toml:"Metrics" yaml:"metrics"`
	UI          UI          `toml:"UI" yaml:"ui"`
	Server      Server      `toml:"Server" yaml:"server"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Session: Session{
			Discover:       true,
			Name:           defaultClientName,
			QueryTimeout:   Duration{defaultQueryTimeout},
			RetryIncrement: Duration{defaultRetryIncrement},
			MaxRetryDelay:  Duration{defaultMaxRetryDelay},
		},
		Calibration: Calibration{
			Interval:     Duration{defaultInterval},
			WatchClock:   true,
			PollInterval: Duration{defaultPollInterval},
			MailboxSize:  defaultMailboxSize,
		},
		NTP: NTP{
			Server:  defaultNTPServer,
			Timeout: Duration{defaultNTPTimeout},
		},
		Logging: Logging{
			Level: defaultLogLevel,
		},
		Server: Server{
			Port:      defaultServerPort,
			Name:      defaultServerName,
			Advertise: true,
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if !log.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("config: Logging: invalid Level: '%v'", c.Logging.Level)
	}
	if c.Session.QueryTimeout.Duration <= 0 {
		return errors.New("config: Session: QueryTimeout must be positive")
	}
	if c.Session.RetryIncrement.Duration <= 0 {
		return errors.New("config: Session: RetryIncrement must be positive")
	}
	if c.Session.MaxRetryDelay.Duration < c.Session.RetryIncrement.Duration {
		return errors.New("config: Session: MaxRetryDelay is less than RetryIncrement")
	}
	if c.Calibration.WatchClock && c.Calibration.PollInterval.Duration <= 0 {
		return errors.New("config: Calibration: PollInterval must be positive")
	}
	if c.Calibration.MailboxSize <= 0 {
		return fmt.Errorf("config: Calibration: invalid MailboxSize: %d", c.Calibration.MailboxSize)
	}
	if c.NTP.Timeout.Duration <= 0 {
		return errors.New("config: NTP: Timeout must be positive")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: Server: invalid Port: %d", c.Server.Port)
	}
	return nil
}

// Load parses a configuration document over the defaults. format is "toml"
// or "yaml".
func Load(b []byte, format string) (*Config, error) {
	cfg := Default()
	switch strings.ToLower(format) {
	case "toml":
		md, err := toml.Decode(string(b), cfg)
		if err != nil {
			return nil, fmt.Errorf("config: parse: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) != 0 {
			return nil, fmt.Errorf("config: undecoded keys in config file: %v", undecoded)
		}
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config: parse: %w", err)
		}
	default:
		return nil, fmt.Errorf("config: unknown format %q", format)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads and validates the file at path. The format is chosen by
// extension.
func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return Load(b, strings.TrimPrefix(filepath.Ext(path), "."))
}
