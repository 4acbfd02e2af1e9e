// ABOUTME: Resonate time protocol package
// ABOUTME: Defines protocol messages and the WebSocket session client
// Package protocol implements the Resonate time wire protocol.
//
// A client connects over WebSocket, exchanges client/hello and
// server/hello, and then sends client/time queries. The server answers
// with its wall clock, or relays the query to another client when it
// names a target.
//
// Example:
//
//	client := protocol.NewClient(protocol.Config{ServerAddr: "localhost:8927"}, engine)
//	err := client.Connect(ctx)
//	client.QueryDefaultPeer(handler)
package protocol
