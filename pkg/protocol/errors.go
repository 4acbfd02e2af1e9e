// ABOUTME: Error types reported by the protocol client
package protocol

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned when sending on a closed client.
var ErrNotConnected = errors.New("protocol: not connected")

// ConnectError indicates that dialing the server failed.
type ConnectError struct {
	Addr string
	// Err is the original error that caused the connect attempt to fail.
	Err error
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("protocol: connect to %s: %v", e.Addr, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnectError) Unwrap() error { return e.Err }

// HandshakeError indicates that the connection was established but the
// hello exchange failed.
type HandshakeError struct {
	Err error
}

// Error implements the error interface.
func (e *HandshakeError) Error() string {
	return fmt.Sprintf("protocol: handshake: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *HandshakeError) Unwrap() error { return e.Err }
