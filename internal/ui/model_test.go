// ABOUTME: Tests for TUI model and state management
// ABOUTME: Tests status updates, engine events, and key handling
package ui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	clocksync "github.com/Resonate-Protocol/resonate-clock/pkg/sync"
)

func TestNewModel(t *testing.T) {
	model := NewModel(nil)

	if model.connected {
		t.Error("expected connected to be false initially")
	}
	if model.calibrated {
		t.Error("expected calibrated to be false initially")
	}
	if model.showDebug {
		t.Error("expected showDebug to be false initially")
	}
}

func TestStatusMsgConnected(t *testing.T) {
	model := NewModel(nil)

	connected := true
	model.applyStatus(StatusMsg{Connected: &connected, ServerName: "test-server"})

	if !model.connected {
		t.Error("expected connected to be true after status update")
	}
	if model.serverName != "test-server" {
		t.Errorf("expected serverName 'test-server', got '%s'", model.serverName)
	}

	disconnected := false
	model.applyStatus(StatusMsg{Connected: &disconnected})
	if model.connected {
		t.Error("expected connected to be false after disconnect")
	}
	if model.serverName != "test-server" {
		t.Error("server name should survive a disconnect")
	}
}

func TestStatusMsgSnapshot(t *testing.T) {
	model := NewModel(nil)

	snap := clocksync.Snapshot{
		Offset:    250 * time.Millisecond,
		LastRTT:   4 * time.Millisecond,
		Scheduler: clocksync.Armed,
		Interval:  time.Hour,
	}
	model.applyStatus(StatusMsg{Snapshot: &snap, SinceCalibration: 90 * time.Second})

	// Zero LastCalibration means never.
	if model.calibrated {
		t.Error("expected calibrated to be false for a never-calibrated snapshot")
	}
	if model.offset != 250*time.Millisecond {
		t.Errorf("expected offset 250ms, got %v", model.offset)
	}
	if model.rtt != 4*time.Millisecond {
		t.Errorf("expected rtt 4ms, got %v", model.rtt)
	}
	if model.scheduler != clocksync.Armed {
		t.Errorf("expected armed scheduler, got %v", model.scheduler)
	}
	if model.since != 90*time.Second {
		t.Errorf("expected since 90s, got %v", model.since)
	}
}

func TestCalibratedEvent(t *testing.T) {
	model := NewModel(nil)
	model.since = time.Minute

	model.applyEvent(clocksync.Event{
		Kind:   clocksync.EventCalibrated,
		Offset: -3 * time.Millisecond,
		RTT:    time.Millisecond,
	})

	if !model.calibrated {
		t.Error("expected calibrated after a calibrated event")
	}
	if model.offset != -3*time.Millisecond {
		t.Errorf("expected offset -3ms, got %v", model.offset)
	}
	if model.since != 0 {
		t.Errorf("expected since reset, got %v", model.since)
	}

	model.applyEvent(clocksync.Event{Kind: clocksync.EventClockJump, Offset: 2 * time.Hour, Jump: 2 * time.Hour})
	if model.offset != 2*time.Hour {
		t.Errorf("expected corrected offset, got %v", model.offset)
	}
}

func TestEventHistoryBounded(t *testing.T) {
	model := NewModel(nil)

	for i := 0; i < maxEvents+3; i++ {
		model.applyEvent(clocksync.Event{Kind: clocksync.EventQuerySent})
	}
	model.applyEvent(clocksync.Event{Kind: clocksync.EventTimeout})

	if len(model.events) != maxEvents {
		t.Fatalf("expected %d events, got %d", maxEvents, len(model.events))
	}
	if model.events[maxEvents-1].Kind != clocksync.EventTimeout {
		t.Error("expected newest event last")
	}
}

func TestKeyRecalibrate(t *testing.T) {
	controls := NewControls()
	model := NewModel(controls)

	model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}})
	// A second press while the first is pending is coalesced.
	model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}})

	select {
	case <-controls.Recalibrate:
	default:
		t.Fatal("expected a recalibrate request")
	}
	select {
	case <-controls.Recalibrate:
		t.Fatal("expected requests to be coalesced")
	default:
	}
}

func TestKeyQuit(t *testing.T) {
	controls := NewControls()
	model := NewModel(controls)

	_, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}
	select {
	case <-controls.Quit:
	default:
		t.Fatal("expected quit signal")
	}
}

func TestKeyDebugToggle(t *testing.T) {
	model := NewModel(nil)

	next, _ := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'d'}})
	model = next.(Model)
	if !model.showDebug {
		t.Fatal("expected debug on")
	}

	// Nil controls must not panic on r.
	model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}})
}

func TestViewLoading(t *testing.T) {
	if got := NewModel(nil).View(); got != "Loading..." {
		t.Errorf("expected loading view, got %q", got)
	}
}

func TestViewContent(t *testing.T) {
	model := NewModel(nil)
	next, _ := model.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	model = next.(Model)

	view := model.View()
	if !strings.Contains(view, "Disconnected") {
		t.Error("expected disconnected status")
	}
	if !strings.Contains(view, "never") {
		t.Error("expected never-calibrated marker")
	}
	if !strings.Contains(view, "disabled") {
		t.Error("expected disabled scheduler")
	}

	connected := true
	model.applyStatus(StatusMsg{Connected: &connected, ServerName: "kitchen"})
	model.applyEvent(clocksync.Event{Kind: clocksync.EventCalibrated, Offset: 1500 * time.Microsecond})
	model.applyEvent(clocksync.Event{Kind: clocksync.EventDisconnected, Err: errors.New("boom")})
	model.showDebug = true

	view = model.View()
	if !strings.Contains(view, "Connected to kitchen") {
		t.Error("expected server name in view")
	}
	if !strings.Contains(view, "+1.500ms") {
		t.Errorf("expected offset in view, got:\n%s", view)
	}
	if !strings.Contains(view, "disconnected: boom") {
		t.Error("expected debug events in view")
	}
}

func TestTruncateFunction(t *testing.T) {
	tests := []struct {
		input    string
		length   int
		expected string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 10, "this is..."},
	}

	for _, tt := range tests {
		if got := truncate(tt.input, tt.length); got != tt.expected {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.length, got, tt.expected)
		}
	}
}

func TestFeedForwards(t *testing.T) {
	feed := NewFeed(2)
	feed.Record(clocksync.Event{Kind: clocksync.EventQuerySent})
	feed.Record(clocksync.Event{Kind: clocksync.EventCalibrated})
	// Full: dropped rather than blocking.
	feed.Record(clocksync.Event{Kind: clocksync.EventTimeout})

	got := make(chan tea.Msg, 4)
	go feed.Forward(func(m tea.Msg) { got <- m })
	defer feed.Close()

	for _, want := range []clocksync.EventKind{clocksync.EventQuerySent, clocksync.EventCalibrated} {
		select {
		case m := <-got:
			if m.(EventMsg).Event.Kind != want {
				t.Errorf("expected %v, got %v", want, m.(EventMsg).Event.Kind)
			}
		case <-time.After(time.Second):
			t.Fatal("event not forwarded")
		}
	}
}
