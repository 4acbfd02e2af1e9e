// ABOUTME: Resonate time protocol message type definitions
// ABOUTME: JSON envelopes for the handshake and time queries
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the protocol version spoken by this package.
const Version = 1

// RoleTime is the only role clients announce.
const RoleTime = "time@v1"

// Message types.
const (
	TypeClientHello       = "client/hello"
	TypeServerHello       = "server/hello"
	TypeClientTime        = "client/time"
	TypeServerTime        = "server/time"
	TypeServerTimeRequest = "server/time_request"
	TypeClientTimeReply   = "client/time_reply"
	TypeClientGoodbye     = "client/goodbye"
)

// Message is the top-level wrapper for all protocol messages.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Envelope is an inbound message whose payload is decoded by type.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("protocol: bad %s payload: %w", e.Type, err)
	}
	return nil
}

// ClientHello is sent by clients to start the handshake.
type ClientHello struct {
	ClientID       string      `json:"client_id"`
	Name           string      `json:"name"`
	Version        int         `json:"version"`
	SupportedRoles []string    `json:"supported_roles"`
	DeviceInfo     *DeviceInfo `json:"device_info,omitempty"`
}

// DeviceInfo contains device identification.
type DeviceInfo struct {
	ProductName     string `json:"product_name"`
	Manufacturer    string `json:"manufacturer"`
	SoftwareVersion string `json:"software_version"`
}

// ServerHello completes the handshake. The session is authenticated once
// it arrives.
type ServerHello struct {
	ServerID    string   `json:"server_id"`
	Name        string   `json:"name"`
	Version     int      `json:"version"`
	ActiveRoles []string `json:"active_roles"`
}

// ClientTime asks for the current time. With Target set, the server relays
// the request to the connected client with that ID.
type ClientTime struct {
	QueryID string `json:"query_id"`
	// ClientTransmitted is the sender's monotonic clock in microseconds.
	ClientTransmitted int64  `json:"client_transmitted"`
	Target            string `json:"target,omitempty"`
}

// ServerTime answers ClientTime. The received and transmitted stamps are
// wall-clock Unix microseconds of whoever answered; Source names the client
// that answered a relayed request.
type ServerTime struct {
	QueryID           string `json:"query_id"`
	ClientTransmitted int64  `json:"client_transmitted"`
	ServerReceived    int64  `json:"server_received"`
	ServerTransmitted int64  `json:"server_transmitted"`
	Source            string `json:"source,omitempty"`
}

// ServerTimeRequest is a relayed ClientTime delivered to its target.
type ServerTimeRequest struct {
	QueryID   string `json:"query_id"`
	Requester string `json:"requester"`
	// ServerReceived is when the server relayed the request. Targets
	// ignore it.
	ServerReceived int64 `json:"server_received"`
}

// ClientTimeReply is the target's answer to a ServerTimeRequest, stamped
// with its own wall clock in Unix microseconds.
type ClientTimeReply struct {
	QueryID     string `json:"query_id"`
	Requester   string `json:"requester"`
	Received    int64  `json:"received"`
	Transmitted int64  `json:"transmitted"`
}

// ClientGoodbye is sent before a graceful disconnect.
type ClientGoodbye struct {
	Reason string `json:"reason"`
}
