// ABOUTME: The ntp subcommand
// ABOUTME: Runs the recalibration engine against an NTP server
package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Resonate-Protocol/resonate-clock/internal/config"
	"github.com/Resonate-Protocol/resonate-clock/internal/ntpquery"
	clocksync "github.com/Resonate-Protocol/resonate-clock/pkg/sync"
)

type ntpFlags struct {
	server   string
	interval time.Duration
	once     bool
}

func newNTPCommand(g *globalFlags) *cobra.Command {
	var nf ntpFlags

	cmd := &cobra.Command{
		Use:   "ntp",
		Short: "Calibrate against an NTP server",
		Long: `Uses an NTP server as the time reference. The resolved server address
is the peer identity, so a DNS change to a different server starts the
calibration over on the next run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, g)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("server") {
				cfg.NTP.Server = nf.server
			}
			if flags.Changed("interval") {
				cfg.Calibration.Interval.Duration = nf.interval
			}
			if cfg.NTP.Server == "" {
				return errNoReference
			}
			return runNTP(cmd, cfg, nf.once)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&nf.server, "server", "s", "", "NTP server host[:port]")
	f.DurationVarP(&nf.interval, "interval", "i", time.Hour, "recalibration interval, 0 disables")
	f.BoolVar(&nf.once, "once", false, "print the first measured offset and exit")
	return cmd
}

func runNTP(cmd *cobra.Command, cfg *config.Config, once bool) error {
	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	q := ntpquery.New(cfg.NTP.Server, cfg.NTP.Timeout.Duration, rt.backend.GetLogger("ntp"))
	engine, err := clocksync.New(clocksync.Config{
		Interval:     cfg.Calibration.Interval.Duration,
		MailboxSize:  cfg.Calibration.MailboxSize,
		Querier:      q,
		ClockWatcher: rt.watcher,
		Recorder:     rt.recorder(),
		Log:          rt.backend.GetLogger("sync"),
	})
	if err != nil {
		return err
	}

	updates := make(chan time.Duration, 1)
	engine.Subscribe(clocksync.ObserverFunc(func(offset time.Duration) {
		rt.log.Noticef("Clock offset to %s now %v", cfg.NTP.Server, offset)
		select {
		case updates <- offset:
		default:
		}
	}))

	engine.Start()
	defer engine.Stop()

	identity, err := q.Identity(rt.ctx)
	if err != nil {
		return err
	}
	engine.OnConnected(identity)
	engine.OnAuthenticated()
	if cfg.Calibration.Interval.Duration <= 0 {
		engine.Recalibrate()
	}

	if once {
		select {
		case offset := <-updates:
			fmt.Fprintf(cmd.OutOrStdout(), "%s %v\n", identity, offset)
			return nil
		case <-time.After(2 * cfg.NTP.Timeout.Duration):
			return fmt.Errorf("no reply from %s", cfg.NTP.Server)
		case <-rt.ctx.Done():
			return nil
		}
	}

	<-rt.ctx.Done()
	rt.log.Notice("Shutdown signal received")
	engine.OnDisconnected(nil)
	return nil
}
