// ABOUTME: The sync subcommand
// ABOUTME: Follows a Resonate time server with optional dashboard
package main

import (
	"context"
	"errors"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Resonate-Protocol/resonate-clock/internal/config"
	"github.com/Resonate-Protocol/resonate-clock/internal/ui"
	"github.com/Resonate-Protocol/resonate-clock/internal/version"
	"github.com/Resonate-Protocol/resonate-clock/pkg/autotime"
	"github.com/Resonate-Protocol/resonate-clock/pkg/protocol"
	clocksync "github.com/Resonate-Protocol/resonate-clock/pkg/sync"
)

const tuiLogFile = "resonate-clock.log"

type syncFlags struct {
	server   string
	name     string
	interval time.Duration
	target   string
	noTUI    bool
}

func newSyncCommand(g *globalFlags) *cobra.Command {
	var sf syncFlags

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Calibrate against a Resonate time server",
		Long: `Connects to a Resonate time server, discovered with mDNS unless --server
is given, and keeps the clock offset calibrated. The session reconnects
with a growing delay after failures.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, g)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("server") {
				cfg.Session.Server = sf.server
			}
			if flags.Changed("name") {
				cfg.Session.Name = sf.name
			}
			if flags.Changed("interval") {
				cfg.Calibration.Interval.Duration = sf.interval
			}
			if flags.Changed("target") {
				cfg.Calibration.TargetPeer = sf.target
			}
			if sf.noTUI {
				cfg.UI.Enable = false
			}
			if cfg.Session.Server == "" && !cfg.Session.Discover {
				return errNoReference
			}
			// The dashboard owns the terminal.
			if cfg.UI.Enable && cfg.Logging.File == "" {
				cfg.Logging.File = tuiLogFile
			}
			return runSync(cfg)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&sf.server, "server", "s", "", "server address host:port (skips mDNS)")
	f.StringVarP(&sf.name, "name", "n", "", "client name announced to the server")
	f.DurationVarP(&sf.interval, "interval", "i", time.Hour, "recalibration interval, 0 disables")
	f.StringVarP(&sf.target, "target", "t", "", "client ID of a peer to calibrate against instead of the server")
	f.BoolVar(&sf.noTUI, "no-tui", false, "disable the dashboard")
	return cmd
}

func runSync(cfg *config.Config) error {
	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	var (
		prog     *tea.Program
		controls *ui.Controls
		feed     *ui.Feed
	)
	if cfg.UI.Enable {
		controls = ui.NewControls()
		feed = ui.NewFeed(64)
		if prog, err = ui.Run(controls); err != nil {
			return err
		}
	}

	updateTUI := func(msg ui.StatusMsg) {
		if prog != nil {
			prog.Send(msg)
		}
	}

	var recorder clocksync.Recorder
	if feed != nil {
		recorder = rt.recorder(feed)
	} else {
		recorder = rt.recorder()
	}

	client, err := autotime.New(autotime.Config{
		ServerAddr: cfg.Session.Server,
		Discover:   cfg.Session.Discover,
		Name:       cfg.Session.Name,
		DeviceInfo: protocol.DeviceInfo{
			ProductName:     version.Product,
			Manufacturer:    version.Manufacturer,
			SoftwareVersion: version.Version,
		},
		Interval:       cfg.Calibration.Interval.Duration,
		TargetPeer:     clocksync.PeerID(cfg.Calibration.TargetPeer),
		MailboxSize:    cfg.Calibration.MailboxSize,
		QueryTimeout:   cfg.Session.QueryTimeout.Duration,
		RetryIncrement: cfg.Session.RetryIncrement.Duration,
		MaxRetryDelay:  cfg.Session.MaxRetryDelay.Duration,
		ClockWatcher:   rt.watcher,
		Recorder:       recorder,
		Log:            rt.backend.GetLogger("autotime"),
		OnStateChange: func(s autotime.State) {
			connected := s.Connected
			updateTUI(ui.StatusMsg{Connected: &connected, ServerName: s.ServerName})
		},
		OnError: func(err error) {
			rt.log.Warningf("Session error: %v", err)
		},
	})
	if err != nil {
		return err
	}
	rt.log.Noticef("Starting %s as %s (client ID %s)", version.String(), cfg.Session.Name, client.ID())

	engine := client.Engine()
	engine.Subscribe(clocksync.ObserverFunc(func(offset time.Duration) {
		rt.log.Infof("Clock offset now %v", offset)
	}))

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(rt.ctx) }()

	var quit <-chan struct{}
	if prog != nil {
		quit = controls.Quit
		go func() {
			if _, err := prog.Run(); err != nil {
				rt.log.Errorf("TUI failed: %v", err)
			}
			rt.cancel()
		}()
		go feed.Forward(prog.Send)
		defer feed.Close()
		go statusLoop(rt, engine, updateTUI)
		go func() {
			for {
				select {
				case <-controls.Recalibrate:
					engine.Recalibrate()
				case <-rt.ctx.Done():
					return
				}
			}
		}()
	}

	select {
	case <-rt.ctx.Done():
		rt.log.Notice("Shutdown signal received")
	case <-quit:
		rt.log.Notice("Received quit signal from TUI")
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			rt.log.Errorf("Client stopped: %v", err)
		}
	}

	if prog != nil {
		prog.Quit()
	}
	if err := client.Close(); err != nil {
		rt.log.Warningf("Error closing client: %v", err)
	}
	rt.log.Notice("Stopped")
	return nil
}

// statusLoop refreshes the dashboard with the engine state every second.
func statusLoop(rt *runtime, engine *clocksync.Engine, updateTUI func(ui.StatusMsg)) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snap, err := engine.Snapshot(rt.ctx)
			if err != nil {
				return
			}
			updateTUI(ui.StatusMsg{
				Snapshot:         &snap,
				SinceCalibration: engine.Since(snap.LastCalibration),
			})
		case <-rt.ctx.Done():
			return
		}
	}
}
