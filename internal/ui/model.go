// ABOUTME: Bubbletea model for the calibration TUI
// ABOUTME: Defines dashboard state and update logic
package ui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	clocksync "github.com/Resonate-Protocol/resonate-clock/pkg/sync"
)

const maxEvents = 5

// Model represents the TUI state
type Model struct {
	// Connection
	connected  bool
	serverName string

	// Calibration
	calibrated bool
	offset     time.Duration
	rtt        time.Duration
	since      time.Duration
	scheduler  clocksync.SchedulerState
	interval   time.Duration
	target     clocksync.PeerID

	// Debug
	showDebug bool
	events    []clocksync.Event

	controls *Controls

	// Dimensions
	width  int
	height int
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case StatusMsg:
		m.applyStatus(msg)
	case EventMsg:
		m.applyEvent(msg.Event)
	}

	return m, nil
}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	s := m.renderHeader()
	s += m.renderCalibration()
	if m.showDebug {
		s += m.renderDebug()
	}
	s += m.renderHelp()
	return s
}

func (m Model) renderHeader() string {
	connStatus := "Disconnected"
	if m.connected {
		connStatus = fmt.Sprintf("Connected to %s", truncate(m.serverName, 32))
	}

	return fmt.Sprintf(`┌─ Resonate Clock ─────────────────────────────────────┐
│ Status: %-45s │
├──────────────────────────────────────────────────────┤
`, connStatus)
}

func (m Model) renderCalibration() string {
	syncIcon := "✗"
	syncText := "Not calibrated"
	last := "never"
	if m.calibrated {
		syncIcon = "✓"
		syncText = fmt.Sprintf("offset %s", formatOffset(m.offset))
		last = fmt.Sprintf("%s ago", m.since.Truncate(time.Second))
	}

	interval := "disabled"
	if m.interval > 0 {
		interval = m.interval.String()
	}
	target := "server"
	if m.target != "" {
		target = string(m.target)
	}

	return fmt.Sprintf(`│ Sync:      %s %-39s │
│ RTT:       %-41s │
│ Last:      %-41s │
│ Scheduler: %-41s │
│ Interval:  %-41s │
│ Target:    %-41s │
`, syncIcon, syncText,
		formatRTT(m.rtt), last, m.scheduler.String(), interval, truncate(target, 41))
}

func (m Model) renderHelp() string {
	return `├──────────────────────────────────────────────────────┤
│ r:Recalibrate  d:Debug  q:Quit                       │
└──────────────────────────────────────────────────────┘
`
}

func (m Model) renderDebug() string {
	s := "├──────────────────────────────────────────────────────┤\n"
	s += "│ DEBUG:                                               │\n"
	if len(m.events) == 0 {
		s += "│   (no events)                                        │\n"
	}
	for _, ev := range m.events {
		s += fmt.Sprintf("│   %-50s │\n", truncate(describe(ev), 50))
	}
	return s
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.controls.quit()
		return m, tea.Quit
	case "r":
		m.controls.recalibrate()
	case "d":
		m.showDebug = !m.showDebug
	}

	return m, nil
}

func (m *Model) applyStatus(msg StatusMsg) {
	if msg.Connected != nil {
		m.connected = *msg.Connected
	}
	if msg.ServerName != "" {
		m.serverName = msg.ServerName
	}
	if s := msg.Snapshot; s != nil {
		m.calibrated = !s.LastCalibration.IsNever()
		m.offset = s.Offset
		m.rtt = s.LastRTT
		m.since = msg.SinceCalibration
		m.scheduler = s.Scheduler
		m.interval = s.Interval
		m.target = s.TargetPeer
	}
}

func (m *Model) applyEvent(ev clocksync.Event) {
	switch ev.Kind {
	case clocksync.EventCalibrated:
		m.calibrated = true
		m.offset = ev.Offset
		m.rtt = ev.RTT
		m.since = 0
	case clocksync.EventClockJump:
		m.offset = ev.Offset
	}

	m.events = append(m.events, ev)
	if len(m.events) > maxEvents {
		m.events = m.events[len(m.events)-maxEvents:]
	}
}

// StatusMsg updates TUI state
type StatusMsg struct {
	Connected  *bool
	ServerName string

	// Snapshot, when set, replaces the calibration view.
	Snapshot         *clocksync.Snapshot
	SinceCalibration time.Duration
}

// EventMsg appends an engine event to the debug view.
type EventMsg struct {
	Event clocksync.Event
}

func describe(ev clocksync.Event) string {
	switch ev.Kind {
	case clocksync.EventCalibrated:
		return fmt.Sprintf("%s %s rtt %s", ev.Kind, formatOffset(ev.Offset), formatRTT(ev.RTT))
	case clocksync.EventClockJump:
		return fmt.Sprintf("%s %s", ev.Kind, formatOffset(ev.Jump))
	case clocksync.EventDisconnected:
		if ev.Err != nil {
			return fmt.Sprintf("%s: %v", ev.Kind, ev.Err)
		}
	}
	return ev.Kind.String()
}

func formatOffset(d time.Duration) string {
	return fmt.Sprintf("%+.3fms", float64(d)/float64(time.Millisecond))
}

func formatRTT(d time.Duration) string {
	return fmt.Sprintf("%.3fms", float64(d)/float64(time.Millisecond))
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}
