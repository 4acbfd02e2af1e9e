// ABOUTME: Entry point for the Resonate clock client
// ABOUTME: Builds the cobra command tree and the shared runtime setup
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/op/go-logging.v1"

	"github.com/Resonate-Protocol/resonate-clock/internal/clockwatch"
	"github.com/Resonate-Protocol/resonate-clock/internal/config"
	"github.com/Resonate-Protocol/resonate-clock/internal/log"
	"github.com/Resonate-Protocol/resonate-clock/internal/metrics"
	"github.com/Resonate-Protocol/resonate-clock/internal/version"
	clocksync "github.com/Resonate-Protocol/resonate-clock/pkg/sync"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configFile  string
	logLevel    string
	logFile     string
	metricsAddr string
}

func newRootCommand() *cobra.Command {
	var g globalFlags

	cmd := &cobra.Command{
		Use:   "resonate-clock",
		Short: "Keep the local clock calibrated against a time reference",
		Long: `resonate-clock measures the offset between the local wall clock and a
remote time reference and keeps it current. It recalibrates on a fixed
interval, corrects the held offset when the system clock is stepped, and
starts over when the session lands on a different reference.

The reference is either a Resonate time server reached over WebSocket
(sync) or an NTP server (ntp).`,
		Example: `  # Follow a server found with mDNS, with the dashboard
  resonate-clock sync

  # Follow a fixed server and recalibrate every 10 minutes
  resonate-clock sync --server 192.168.1.10:8927 --interval 10m

  # Measure against NTP once and exit
  resonate-clock ntp --once`,
		SilenceUsage: true,
	}

	f := cmd.PersistentFlags()
	f.StringVarP(&g.configFile, "config", "f", "", "path to a TOML or YAML configuration file")
	f.StringVar(&g.logLevel, "log-level", "", "log level (ERROR, WARNING, NOTICE, INFO, DEBUG)")
	f.StringVar(&g.logFile, "log-file", "", "log file path (default stdout)")
	f.StringVar(&g.metricsAddr, "metrics", "", "serve Prometheus metrics on this address")

	cmd.AddCommand(
		newSyncCommand(&g),
		newNTPCommand(&g),
		newVersionCommand(),
	)
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the configuration file, if any, and applies the global
// flags that were set explicitly.
func loadConfig(cmd *cobra.Command, g *globalFlags) (*config.Config, error) {
	cfg := config.Default()
	if g.configFile != "" {
		var err error
		if cfg, err = config.LoadFile(g.configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file '%v': %w", g.configFile, err)
		}
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Logging.Level = g.logLevel
	}
	if flags.Changed("log-file") {
		cfg.Logging.File = g.logFile
	}
	if flags.Changed("metrics") {
		cfg.Metrics.Address = g.metricsAddr
	}
	return cfg, nil
}

// runtime holds what every subcommand sets up before it starts working.
type runtime struct {
	cfg      *config.Config
	backend  *log.Backend
	log      *logging.Logger
	metrics  *metrics.Metrics
	watcher  clocksync.ClockWatcher
	ctx      context.Context
	cancel   context.CancelFunc
	rotateCh chan os.Signal
}

func newRuntime(cfg *config.Config) (*runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	backend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	rt := &runtime{
		cfg:      cfg,
		backend:  backend,
		log:      backend.GetLogger("main"),
		ctx:      ctx,
		cancel:   cancel,
		rotateCh: make(chan os.Signal, 1),
	}

	signal.Notify(rt.rotateCh, syscall.SIGHUP)
	go rt.rotateLoop()

	if cfg.Calibration.WatchClock {
		rt.watcher = clockwatch.New(backend.GetLogger("clockwatch"),
			clockwatch.WithPollInterval(cfg.Calibration.PollInterval.Duration))
	}

	if cfg.Metrics.Address != "" {
		rt.metrics = metrics.New()
		go func() {
			if err := rt.metrics.Serve(ctx, cfg.Metrics.Address, backend.GetLogger("metrics")); err != nil {
				rt.log.Errorf("Metrics server failed: %v", err)
			}
		}()
	}
	return rt, nil
}

func (rt *runtime) rotateLoop() {
	for {
		select {
		case <-rt.rotateCh:
			if err := rt.backend.Rotate(); err != nil {
				rt.log.Errorf("Failed to rotate log: %v", err)
			}
		case <-rt.ctx.Done():
			return
		}
	}
}

// recorder combines the metrics recorder, if enabled, with extra.
func (rt *runtime) recorder(extra ...clocksync.Recorder) clocksync.Recorder {
	rs := extra
	if rt.metrics != nil {
		rs = append(rs, rt.metrics)
	}
	return clocksync.Recorders(rs...)
}

func (rt *runtime) close() {
	signal.Stop(rt.rotateCh)
	rt.cancel()
}

var errNoReference = errors.New("no time reference configured")
