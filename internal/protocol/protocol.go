// SPDX-License-Identifier: MIT

// Package protocol defines the capability boundary to the external
// messaging network. The orchestrator never speaks the wire protocol
// itself; it holds one opaque Client per device and reacts to the
// lifecycle events the client emits.
package protocol

import "context"

// DisconnectReason classifies why a connection was lost.
type DisconnectReason string

const (
	// ReasonLoggedOut means the device was explicitly unlinked on the
	// remote side. Terminal: credentials are invalid from now on.
	ReasonLoggedOut DisconnectReason = "logged_out"
	// ReasonTransient means a network or stream fault. The session may
	// reconnect with the same credentials.
	ReasonTransient DisconnectReason = "transient"
)

// Event is a lifecycle event emitted by a protocol client. Exactly one
// of the concrete event types below is sent per channel message.
type Event interface {
	isEvent()
}

// PairingCodeEvent carries a fresh scannable pairing payload. Emitted
// whenever the remote side issues or rotates a code.
type PairingCodeEvent struct {
	Code []byte
}

// ConnectedEvent signals that the device is authenticated and online.
type ConnectedEvent struct {
	// Address is the device's external messaging address (e.g. the
	// phone-number-derived JID), known only once connected.
	Address string
}

// DisconnectedEvent signals loss of the connection.
type DisconnectedEvent struct {
	Reason DisconnectReason
	Err    error
}

// CredentialsEvent carries an updated opaque credential blob that must
// be persisted so future dials can skip pairing.
type CredentialsEvent struct {
	Blob []byte
}

// MessageEvent carries an inbound chat message. The orchestrator core
// does not interpret content; it is forwarded to collaborators.
type MessageEvent struct {
	ID      string
	From    string
	Content string
}

func (PairingCodeEvent) isEvent()  {}
func (ConnectedEvent) isEvent()    {}
func (DisconnectedEvent) isEvent() {}
func (CredentialsEvent) isEvent()  {}
func (MessageEvent) isEvent()      {}

// Client is one authenticated connection to the messaging network.
// Implementations own all wire-protocol concerns. The Events channel is
// closed when the client is terminated.
type Client interface {
	// Events returns the client's lifecycle event stream. The channel
	// is owned by the client and closed on Close.
	Events() <-chan Event

	// Send delivers a message and returns the network-assigned message
	// id. Only valid while the connection is established.
	Send(ctx context.Context, to, content string) (string, error)

	// Close tears the connection down and releases its resources.
	// Idempotent.
	Close() error
}

// Dialer allocates protocol clients. A nil creds blob means no stored
// credentials: the client is expected to emit pairing codes.
type Dialer interface {
	Dial(ctx context.Context, deviceID string, creds []byte) (Client, error)
}
