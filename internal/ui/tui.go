// ABOUTME: TUI initialization and control
// ABOUTME: Wraps the bubbletea program and feeds it engine events
package ui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	clocksync "github.com/Resonate-Protocol/resonate-clock/pkg/sync"
)

// Controls carries key presses out of the TUI.
type Controls struct {
	Recalibrate chan struct{}
	Quit        chan struct{}
}

// NewControls creates a controls handler
func NewControls() *Controls {
	return &Controls{
		Recalibrate: make(chan struct{}, 1),
		Quit:        make(chan struct{}, 1),
	}
}

func (c *Controls) recalibrate() {
	if c == nil {
		return
	}
	select {
	case c.Recalibrate <- struct{}{}:
	default:
	}
}

func (c *Controls) quit() {
	if c == nil {
		return
	}
	select {
	case c.Quit <- struct{}{}:
	default:
	}
}

// NewModel creates a new TUI model
func NewModel(controls *Controls) Model {
	return Model{controls: controls}
}

// Run creates the TUI program. The caller runs it.
func Run(controls *Controls) (*tea.Program, error) {
	p := tea.NewProgram(NewModel(controls), tea.WithAltScreen())
	return p, nil
}

// Feed is a sync.Recorder that forwards engine events to a program. Record
// never blocks; events are dropped while the buffer is full.
type Feed struct {
	events chan clocksync.Event
	done   chan struct{}
	once   sync.Once
}

// NewFeed creates a feed with room for size pending events.
func NewFeed(size int) *Feed {
	return &Feed{
		events: make(chan clocksync.Event, size),
		done:   make(chan struct{}),
	}
}

// Record implements sync.Recorder.
func (f *Feed) Record(ev clocksync.Event) {
	select {
	case f.events <- ev:
	default:
	}
}

// Forward sends events to send until Close is called.
func (f *Feed) Forward(send func(tea.Msg)) {
	for {
		select {
		case ev := <-f.events:
			send(EventMsg{Event: ev})
		case <-f.done:
			return
		}
	}
}

// Close stops Forward.
func (f *Feed) Close() {
	f.once.Do(func() { close(f.done) })
}
