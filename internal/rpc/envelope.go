// SPDX-License-Identifier: MIT

// Package rpc emulates request/reply semantics on top of one-way broker
// queues. Callers publish an envelope carrying a correlation id and the
// name of their private reply queue; the serving side publishes the
// result back tagged with the same correlation id. A request without a
// replyTo is fire-and-forget.
package rpc

import (
	"encoding/json"
	"time"
)

// Envelope is the broker payload shared by both ends of a call.
type Envelope struct {
	Type          string          `json:"type"`
	DeviceID      string          `json:"deviceId"`
	CorrelationID string          `json:"correlationId,omitempty"`
	ReplyTo       string          `json:"replyTo,omitempty"`
	Timestamp     int64           `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// NewEnvelope builds a request envelope for the given type and device.
// The payload is marshalled to JSON; a nil payload is omitted.
func NewEnvelope(msgType, deviceID string, payload any) (Envelope, error) {
	env := Envelope{
		Type:      msgType,
		DeviceID:  deviceID,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		env.Payload = raw
	}
	return env, nil
}

// Decode unmarshals the envelope payload into out.
func (e Envelope) Decode(out any) error {
	return json.Unmarshal(e.Payload, out)
}
