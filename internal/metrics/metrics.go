// ABOUTME: Prometheus instrumentation for the engine and the reference server
// ABOUTME: Each Metrics owns its registry and can serve it over HTTP
// Package metrics exposes calibration and server statistics to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/op/go-logging.v1"

	"github.com/Resonate-Protocol/resonate-clock/internal/log"
	clocksync "github.com/Resonate-Protocol/resonate-clock/pkg/sync"
)

const namespace = "resonate_clock"

// Metrics records engine events and server activity.
type Metrics struct {
	registry *prometheus.Registry

	offset          prometheus.Gauge
	lastCalibration prometheus.Gauge
	rtt             prometheus.Gauge
	events          *prometheus.CounterVec
	clockJump       prometheus.Histogram

	clients      prometheus.Gauge
	timeRequests *prometheus.CounterVec
}

// New creates a Metrics with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		offset: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "offset_seconds",
			Help:      "Current estimate of the peer clock minus the local clock",
		}),
		lastCalibration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_calibration_timestamp_seconds",
			Help:      "Unix time of the last successful calibration",
		}),
		rtt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rtt_seconds",
			Help:      "Round-trip time of the last successful query",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Number of engine events by kind",
		}, []string{"kind"}),
		clockJump: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "clock_jump_seconds",
			Help:      "Magnitude of detected local clock changes",
			Buckets:   []float64{0.001, 0.01, 0.1, 1, 10, 60, 3600, 86400},
		}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "clients",
			Help:      "Number of connected clients",
		}),
		timeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "time_requests_total",
			Help:      "Number of time requests handled",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.offset,
		m.lastCalibration,
		m.rtt,
		m.events,
		m.clockJump,
		m.clients,
		m.timeRequests,
		collectors.NewGoCollector(),
	)
	return m
}

// Record implements sync.Recorder.
func (m *Metrics) Record(ev clocksync.Event) {
	m.events.WithLabelValues(ev.Kind.String()).Inc()

	switch ev.Kind {
	case clocksync.EventCalibrated:
		m.offset.Set(ev.Offset.Seconds())
		m.rtt.Set(ev.RTT.Seconds())
		m.lastCalibration.Set(float64(time.Now().UnixNano()) / 1e9)
	case clocksync.EventClockJump:
		m.offset.Set(ev.Offset.Seconds())
		jump := ev.Jump
		if jump < 0 {
			jump = -jump
		}
		m.clockJump.Observe(jump.Seconds())
	case clocksync.EventPeerReset:
		m.offset.Set(0)
		m.lastCalibration.Set(0)
	}
}

// ClientConnected counts a client joining the reference server.
func (m *Metrics) ClientConnected() { m.clients.Inc() }

// ClientDisconnected counts a client leaving the reference server.
func (m *Metrics) ClientDisconnected() { m.clients.Dec() }

// TimeRequest counts a request answered by the reference server. result is
// "answered", "relayed" or "dropped".
func (m *Metrics) TimeRequest(result string) {
	m.timeRequests.WithLabelValues(result).Inc()
}

// Handler returns the HTTP handler for the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, l *logging.Logger) error {
	if l == nil {
		l = log.Discard().GetLogger("metrics")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          log.NewGoLogger(l, "WARNING"),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	l.Noticef("serving metrics on %s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
