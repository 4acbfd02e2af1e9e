// ABOUTME: Single-goroutine actor loop with pure reducers and declarative effects
// ABOUTME: Serializes every state mutation and supports blocking round-trip reads
// Package actor provides the serialized execution context used by the
// calibration engine.
//
// A single goroutine owns the state. Inputs are delivered through a mailbox,
// a pure reducer turns (state, input) into the next state plus a list of
// effects, and a Runtime interprets those effects. Runtimes never touch the
// state; they report back by emitting new inputs.
package actor

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned by helpers when the actor has been stopped.
var ErrStopped = errors.New("actor stopped")

// Input is an item delivered to an actor mailbox.
type Input interface {
	isActorInput()
}

// Effect is a declarative side-effect produced by a reducer.
type Effect interface {
	isActorEffect()
}

// ReducerFunc is a pure state transition function.
//
// Reducers must not perform I/O, spawn goroutines, or read the clock;
// timestamps arrive inside inputs.
type ReducerFunc[S any] func(state S, input Input) (next S, effects []Effect)

// Runtime interprets effects and emits follow-up inputs back to the actor.
type Runtime interface {
	// HandleEffects runs on the actor goroutine and must return quickly.
	// Blocking work has to be moved to another goroutine, which may report
	// back through emit. emit waits for mailbox space and drops the input
	// once the actor has stopped, so it must not be called from
	// HandleEffects itself.
	HandleEffects(ctx context.Context, effects []Effect, emit func(Input))

	// Stop releases any background work. It may be called multiple times.
	Stop()
}

// Hooks provide optional observability into an actor's execution.
type Hooks[S any] struct {
	// OnTransition is called after the next state has been applied.
	OnTransition func(prev S, next S, input Input)
	// OnPanic is called when the loop panics. If nil, panics propagate.
	OnPanic func(recovered any)
}

// Actor runs a single-threaded event loop that owns state of type S.
type Actor[S any] struct {
	reduce  ReducerFunc[S]
	runtime Runtime
	hooks   Hooks[S]

	state  S
	inbox  chan Input
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

// Option configures an Actor.
type Option[S any] func(*Actor[S])

// WithHooks attaches hooks for observability.
func WithHooks[S any](hooks Hooks[S]) Option[S] {
	return func(a *Actor[S]) { a.hooks = hooks }
}

// WithMailboxSize sets the actor mailbox buffer size.
func WithMailboxSize[S any](n int) Option[S] {
	return func(a *Actor[S]) {
		if n > 0 {
			a.inbox = make(chan Input, n)
		}
	}
}

// New creates a new actor with initial state, reducer, and runtime.
func New[S any](initial S, reducer ReducerFunc[S], runtime Runtime, opts ...Option[S]) *Actor[S] {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Actor[S]{
		reduce:  reducer,
		runtime: runtime,
		state:   initial,
		inbox:   make(chan Input, 256),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start launches the actor loop. Calling it more than once has no effect.
func (a *Actor[S]) Start() {
	a.startOnce.Do(func() { go a.loop() })
}

// Stop cancels the actor and stops the runtime. Inputs still queued are
// discarded. Stop is safe to call multiple times.
func (a *Actor[S]) Stop() {
	a.stopOnce.Do(func() {
		a.cancel()
		if a.runtime != nil {
			a.runtime.Stop()
		}
	})
}

// Done returns a channel that closes when the actor loop exits.
func (a *Actor[S]) Done() <-chan struct{} { return a.done }

// Enqueue delivers an input, waiting for mailbox space if needed. It
// returns false if the actor was stopped first.
func (a *Actor[S]) Enqueue(input Input) bool {
	if input == nil {
		return false
	}
	select {
	case <-a.ctx.Done():
		return false
	default:
	}
	select {
	case a.inbox <- input:
		return true
	case <-a.ctx.Done():
		return false
	}
}

func (a *Actor[S]) loop() {
	defer close(a.done)
	defer func() {
		if r := recover(); r != nil {
			// Callers blocked in Enqueue or Call must not wait on a dead loop.
			a.cancel()
			if a.hooks.OnPanic != nil {
				a.hooks.OnPanic(r)
				return
			}
			panic(r)
		}
	}()

	emit := func(in Input) {
		_ = a.Enqueue(in)
	}

	for {
		select {
		case <-a.ctx.Done():
			return
		case in := <-a.inbox:
			prev := a.state
			next, effects := a.reduce(prev, in)
			a.state = next

			if a.hooks.OnTransition != nil {
				a.hooks.OnTransition(prev, next, in)
			}
			if a.runtime != nil && len(effects) > 0 {
				a.runtime.HandleEffects(a.ctx, effects, emit)
			}
		}
	}
}

// Call performs a blocking round-trip through the actor. mk builds an input
// carrying the reply channel; the reducer answers by returning an effect the
// runtime uses to send on that channel. The channel is buffered so the
// runtime never blocks on a caller that gave up.
func Call[S any, R any](ctx context.Context, a *Actor[S], mk func(reply chan<- R) Input) (R, error) {
	var zero R
	reply := make(chan R, 1)
	if !a.Enqueue(mk(reply)) {
		return zero, ErrStopped
	}
	select {
	case r := <-reply:
		return r, nil
	case <-a.ctx.Done():
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
