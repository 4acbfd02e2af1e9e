// ABOUTME: Observer registration and delivery of offset updates
// ABOUTME: Updates are queued and delivered off the engine loop in order
package sync

import (
	"sort"
	"sync"
	"time"
)

// Observer is notified each time the engine produces a new offset.
type Observer interface {
	OnTimeDifferenceUpdated(offset time.Duration)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(offset time.Duration)

// OnTimeDifferenceUpdated calls f(offset).
func (f ObserverFunc) OnTimeDifferenceUpdated(offset time.Duration) { f(offset) }

// notifier holds non-owning observer registrations and delivers updates on
// its own goroutine so observers may call back into the engine.
type notifier struct {
	mu        sync.Mutex
	observers map[uint64]Observer
	nextID    uint64
	queue     []time.Duration
	wake      chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	finished  chan struct{}
}

func newNotifier() *notifier {
	return &notifier{
		observers: make(map[uint64]Observer),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		finished:  make(chan struct{}),
	}
}

func (n *notifier) subscribe(o Observer) func() {
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.observers[id] = o
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.observers, id)
			n.mu.Unlock()
		})
	}
}

// publish never blocks.
func (n *notifier) publish(offset time.Duration) {
	n.mu.Lock()
	n.queue = append(n.queue, offset)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	defer close(n.finished)
	for {
		select {
		case <-n.done:
			return
		case <-n.wake:
		}

		for {
			n.mu.Lock()
			if len(n.queue) == 0 {
				n.mu.Unlock()
				break
			}
			offset := n.queue[0]
			n.queue = n.queue[1:]
			targets := n.current()
			n.mu.Unlock()

			for _, o := range targets {
				select {
				case <-n.done:
					return
				default:
				}
				o.OnTimeDifferenceUpdated(offset)
			}
		}
	}
}

// current returns observers in registration order. Callers hold n.mu.
func (n *notifier) current() []Observer {
	ids := make([]uint64, 0, len(n.observers))
	for id := range n.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Observer, 0, len(ids))
	for _, id := range ids {
		out = append(out, n.observers[id])
	}
	return out
}

func (n *notifier) stop() {
	n.stopOnce.Do(func() { close(n.done) })
}

// wait blocks until run has returned.
func (n *notifier) wait() {
	<-n.finished
}
