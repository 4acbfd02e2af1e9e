// ABOUTME: Reference time server package
// ABOUTME: Serves wall-clock time to Resonate time protocol clients
// Package reference provides a WebSocket time reference server.
//
// Clients connect, complete the hello handshake and send client/time
// queries. The server stamps receipt and transmission with its wall clock.
// Queries naming a target client are relayed to that client, which answers
// with its own clock.
//
// Example:
//
//	srv, err := reference.NewServer(reference.ServerConfig{
//	    Addr:       ":8927",
//	    Name:       "Living Room",
//	    EnableMDNS: true,
//	})
//	go srv.Start()
//	defer srv.Stop()
package reference
