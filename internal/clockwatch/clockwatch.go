// ABOUTME: Notifies when the host wall clock is set or jumps
// ABOUTME: Uses the kernel where supported and polling elsewhere
// Package clockwatch reports changes of the system wall clock that are not
// explained by the passage of time.
package clockwatch

import (
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/Resonate-Protocol/resonate-clock/internal/log"
)

const (
	// DefaultPollInterval is how often the polling fallback compares the
	// wall and monotonic clocks.
	DefaultPollInterval = time.Second

	// Threshold is the divergence between the wall and monotonic clocks
	// treated as a clock change. Reading both clocks normally differs by a
	// few microseconds.
	Threshold = time.Millisecond
)

var initTime = time.Now()

// wallMonoDiff says how far the wall clock is ahead of the monotonic clock
// relative to process start.
func wallMonoDiff() time.Duration {
	t := time.Now()
	return t.Round(0).Sub(initTime) - t.Sub(initTime)
}

// Watcher delivers clock-change notifications to a callback.
type Watcher struct {
	log          *logging.Logger
	pollInterval time.Duration
	forcePoll    bool
	diff         func() time.Duration
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithPollInterval sets the polling fallback interval.
func WithPollInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithPolling disables kernel notifications.
func WithPolling() Option {
	return func(w *Watcher) { w.forcePoll = true }
}

// New returns a Watcher. A nil logger discards output.
func New(l *logging.Logger, opts ...Option) *Watcher {
	if l == nil {
		l = log.Discard().GetLogger("clockwatch")
	}
	w := &Watcher{
		log:          l,
		pollInterval: DefaultPollInterval,
		diff:         wallMonoDiff,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Watch calls onChange from a background goroutine each time the wall clock
// changes. The returned function stops watching and waits for the goroutine
// to exit.
func (w *Watcher) Watch(onChange func()) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup

	started := false
	if !w.forcePoll {
		k, err := openKernelWatch()
		if err == nil {
			w.log.Debug("using kernel clock-change notifications")
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.runKernel(k, onChange, done)
			}()
			started = true
		} else {
			w.log.Debugf("kernel clock-change notifications unavailable: %v", err)
		}
	}
	if !started {
		w.log.Debugf("polling for clock changes every %v", w.pollInterval)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.poll(onChange, done)
		}()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

func (w *Watcher) poll(onChange func(), done <-chan struct{}) {
	last := w.diff()
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		d := w.diff()
		delta := d - last
		if delta < 0 {
			delta = -delta
		}
		if delta > Threshold {
			w.log.Debugf("wall clock diverged from monotonic clock by %v", d-last)
			last = d
			onChange()
		}
	}
}

func (w *Watcher) runKernel(k kernelWatch, onChange func(), done <-chan struct{}) {
	go func() {
		<-done
		k.Close()
	}()

	for {
		changed, err := k.Wait()
		if err != nil {
			select {
			case <-done:
			default:
				w.log.Warningf("clock-change notifications stopped: %v", err)
			}
			return
		}
		if changed {
			onChange()
		}
	}
}

// kernelWatch blocks until the kernel reports a clock change.
type kernelWatch interface {
	// Wait returns true when the clock was set.
	Wait() (bool, error)
	Close() error
}
