// SPDX-License-Identifier: MIT

// Package orchestrator exposes the public operation set of the
// messaging session core: initialize a device, read its pairing code,
// query status, send a message, terminate. The facade is invoked
// in-process by the daemon and remotely through the RPC layer; both
// paths run the same code.
package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/loopchat/courier/internal/broker"
	"github.com/loopchat/courier/internal/log"
	"github.com/loopchat/courier/internal/session"
)

// Facade composes the session manager and the broker transport into
// the orchestrator's public surface.
type Facade struct {
	sessions  *session.Manager
	transport broker.Transport
	logger    zerolog.Logger
}

// New creates the facade.
func New(sessions *session.Manager, transport broker.Transport) *Facade {
	return &Facade{
		sessions:  sessions,
		transport: transport,
		logger:    log.WithComponent("orchestrator"),
	}
}

// InitResult reports whether the freshly initialized device requires a
// pairing step.
type InitResult struct {
	PairingAvailable bool `json:"pairingAvailable"`
}

// InitializeDevice creates (or supersedes) the session for a device.
func (f *Facade) InitializeDevice(ctx context.Context, deviceID, ownerID string) (InitResult, error) {
	pairingAvailable, err := f.sessions.Initialize(ctx, deviceID, ownerID)
	if err != nil {
		return InitResult{}, err
	}
	return InitResult{PairingAvailable: pairingAvailable}, nil
}

// PairingCode is the readable form of a live pairing artifact.
type PairingCode struct {
	Available bool      `json:"available"`
	Payload   []byte    `json:"payload,omitempty"`
	IssuedAt  time.Time `json:"issuedAt,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// GetPairingCode returns the device's pairing artifact if one is live.
// An expired artifact reads as unavailable, never as a stale payload.
func (f *Facade) GetPairingCode(deviceID string) (PairingCode, error) {
	art, ok, err := f.sessions.PairingCode(deviceID)
	if err != nil {
		return PairingCode{}, err
	}
	if !ok {
		return PairingCode{}, nil
	}
	return PairingCode{
		Available: true,
		Payload:   art.Payload,
		IssuedAt:  art.IssuedAt,
		ExpiresAt: art.ExpiresAt,
	}, nil
}

// Status is the observable state of a device session.
type Status struct {
	State             string `json:"state"`
	ExternalAddress   string `json:"externalAddress,omitempty"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
	LastError         string `json:"lastError,omitempty"`
}

// GetStatus returns the device session's state and identity.
func (f *Facade) GetStatus(deviceID string) (Status, error) {
	snap, err := f.sessions.Status(deviceID)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		State:             string(snap.State),
		ReconnectAttempts: snap.ReconnectAttempts,
	}
	if snap.Identity != nil {
		st.ExternalAddress = snap.Identity.ExternalAddress
	}
	if snap.LastError != nil {
		st.LastError = snap.LastError.Error()
	}
	return st, nil
}

// SendResult carries the network-assigned id of a sent message.
type SendResult struct {
	MessageID string `json:"messageId"`
}

// SendMessage delivers a message through the device's connection.
func (f *Facade) SendMessage(ctx context.Context, deviceID, to, content string) (SendResult, error) {
	id, err := f.sessions.Send(ctx, deviceID, to, content)
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{MessageID: id}, nil
}

// TerminateDevice tears down the device's session. Idempotent.
func (f *Facade) TerminateDevice(ctx context.Context, deviceID string) error {
	return f.sessions.Terminate(ctx, deviceID)
}

// Stats feeds the liveness/readiness probes.
type Stats struct {
	BrokerConnected bool `json:"brokerConnected"`
	ActiveSessions  int  `json:"activeSessions"`
}

// Stats reports broker connectivity and the live session count.
func (f *Facade) Stats() Stats {
	return Stats{
		BrokerConnected: f.transport.Connected(),
		ActiveSessions:  f.sessions.ActiveSessions(),
	}
}
