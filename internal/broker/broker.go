// SPDX-License-Identifier: MIT

// Package broker provides the durable-queue primitives the RPC layer is
// built on: idempotent queue declaration, persistent publish and
// consumption with application-level acknowledgement. A handler that
// returns nil acknowledges the delivery; a handler error rejects it
// without requeue, so a poison message is dropped rather than retried
// forever.
package broker

import (
	"context"
	"errors"
)

// ErrNotConnected is returned when an operation needs the broker
// connection and it is currently down.
var ErrNotConnected = errors.New("broker not connected")

// Message is one broker delivery or publication.
type Message struct {
	Body          []byte
	CorrelationID string
	ReplyTo       string
}

// Handler processes one delivered message. Returning nil acknowledges
// the delivery; returning an error drops it as poison.
type Handler func(msg Message) error

// Transport is the broker access used by the RPC layer and the daemon.
type Transport interface {
	// DeclareQueue declares a durable queue. Idempotent.
	DeclareQueue(name string) error

	// Publish sends a message to a queue. Fire-and-forget: the broker
	// persists the payload, no delivery confirmation is awaited.
	Publish(ctx context.Context, queue string, msg Message) error

	// Consume starts delivering the queue's messages to the handler,
	// one at a time. The consumer survives broker reconnects.
	Consume(queue string, h Handler) error

	// ConsumeReplies declares the private, exclusive, auto-deleting
	// reply queue for this transport and starts consuming it. Returns
	// the broker-assigned queue name. At most one reply consumer per
	// transport.
	ConsumeReplies(h Handler) (string, error)

	// ReplyQueue returns the current private reply queue name, or ""
	// if ConsumeReplies has not been called. The name changes after a
	// broker reconnect.
	ReplyQueue() string

	// Connected reports whether the broker connection is established.
	Connected() bool

	// Close shuts the transport down.
	Close() error
}
