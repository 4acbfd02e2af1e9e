// ABOUTME: Entry point for the Resonate time reference server
// ABOUTME: Parses flags and config, then serves client/time until signalled
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Resonate-Protocol/resonate-clock/internal/config"
	"github.com/Resonate-Protocol/resonate-clock/internal/log"
	"github.com/Resonate-Protocol/resonate-clock/internal/metrics"
	"github.com/Resonate-Protocol/resonate-clock/internal/version"
	"github.com/Resonate-Protocol/resonate-clock/pkg/reference"
)

type serverFlags struct {
	configFile  string
	port        int
	name        string
	noMDNS      bool
	offset      time.Duration
	logLevel    string
	logFile     string
	metricsAddr string
}

func newRootCommand() *cobra.Command {
	var sf serverFlags

	cmd := &cobra.Command{
		Use:   "resonate-server",
		Short: "Resonate time reference server",
		Long: `Serves the local wall clock to resonate-clock clients over WebSocket and
advertises itself with mDNS. Clients may also ask the server to relay a
time query to another connected client.`,
		Example: `  # Serve on the default port with mDNS
  resonate-server

  # Serve a clock running 2 seconds ahead, without mDNS
  resonate-server --offset 2s --no-mdns`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		Version:      version.Version,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServer(cmd, sf)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&sf.configFile, "config", "f", "", "path to a TOML or YAML configuration file")
	f.IntVarP(&sf.port, "port", "p", 8927, "WebSocket server port")
	f.StringVarP(&sf.name, "name", "n", "", "server friendly name")
	f.BoolVar(&sf.noMDNS, "no-mdns", false, "disable mDNS advertisement")
	f.DurationVar(&sf.offset, "offset", 0, "serve the wall clock shifted by this much")
	f.StringVar(&sf.logLevel, "log-level", "", "log level (ERROR, WARNING, NOTICE, INFO, DEBUG)")
	f.StringVar(&sf.logFile, "log-file", "", "log file path (default stdout)")
	f.StringVar(&sf.metricsAddr, "metrics", "", "serve Prometheus metrics on this address")
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, sf serverFlags) error {
	cfg := config.Default()
	if sf.configFile != "" {
		var err error
		if cfg, err = config.LoadFile(sf.configFile); err != nil {
			return fmt.Errorf("failed to load config file '%v': %w", sf.configFile, err)
		}
	}
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Server.Port = sf.port
	}
	if flags.Changed("name") {
		cfg.Server.Name = sf.name
	}
	if sf.noMDNS {
		cfg.Server.Advertise = false
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = sf.logLevel
	}
	if flags.Changed("log-file") {
		cfg.Logging.File = sf.logFile
	}
	if flags.Changed("metrics") {
		cfg.Metrics.Address = sf.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	backend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return err
	}
	l := backend.GetLogger("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srvCfg := reference.ServerConfig{
		Addr:       net.JoinHostPort("", strconv.Itoa(cfg.Server.Port)),
		Name:       cfg.Server.Name,
		Offset:     sf.offset,
		EnableMDNS: cfg.Server.Advertise,
		Log:        backend.GetLogger("server"),
	}
	if cfg.Metrics.Address != "" {
		m := metrics.New()
		srvCfg.Recorder = m
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Address, backend.GetLogger("metrics")); err != nil {
				l.Errorf("Metrics server failed: %v", err)
			}
		}()
	}

	srv, err := reference.NewServer(srvCfg)
	if err != nil {
		return err
	}

	// Halt gracefully on SIGINT/SIGTERM.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-haltCh
		l.Noticef("Received %v signal, shutting down gracefully...", sig)
		srv.Stop()
	}()

	// Rotate logs upon SIGHUP.
	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)
	go func() {
		for range rotateCh {
			if err := backend.Rotate(); err != nil {
				l.Errorf("Failed to rotate log: %v", err)
			}
		}
	}()

	l.Noticef("Starting %s server %q on port %d", version.String(), cfg.Server.Name, cfg.Server.Port)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	l.Notice("Server stopped")
	return nil
}
