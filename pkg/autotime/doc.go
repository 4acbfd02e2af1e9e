// ABOUTME: Automatic clock client package
// ABOUTME: Session management around the recalibration engine
// Package autotime keeps a local clock calibrated against a Resonate time
// reference server.
//
// It owns the session: it connects (optionally finding the server with
// mDNS), reports the lifecycle to the engine, routes the engine's queries
// over the live connection and reconnects with a linear backoff.
//
// Example:
//
//	c, err := autotime.New(autotime.Config{
//	    ServerAddr: "192.168.1.10:8927",
//	    Interval:   time.Hour,
//	})
//	go c.Run(ctx)
//	defer c.Close()
//	fmt.Println(c.Now())
package autotime
