// ABOUTME: Automatic clock calibration against a remote time-reference peer
// ABOUTME: Offset estimation, drift correction, scheduling and session binding
// Package sync keeps an estimate of the offset between the local wall clock
// and a remote peer's clock.
//
// The Engine measures the offset over an already established session, keeps
// it valid across local clock changes, re-measures on a fixed cadence, and
// forgets it when the session reconnects to a different peer. All state lives
// in a single serialized loop; the public methods either post work to it or
// perform a blocking round-trip read.
//
// Example:
//
//	engine, err := sync.New(sync.Config{
//	    Interval: time.Hour,
//	    Querier:  client,
//	})
//	engine.Start()
//	defer engine.Stop()
//	cancel := engine.Subscribe(sync.ObserverFunc(func(offset time.Duration) {
//	    log.Printf("peer is %v ahead", offset)
//	}))
//	defer cancel()
package sync
