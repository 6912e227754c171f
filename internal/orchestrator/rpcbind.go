// SPDX-License-Identifier: MIT

package orchestrator

import (
	"context"
	"fmt"

	"github.com/loopchat/courier/internal/rpc"
)

// Envelope types of the orchestrator's request queue. Fixed, well-known
// strings agreed upon by both ends.
const (
	TypeInit        = "device.init"
	TypePairingCode = "device.pairing_code"
	TypeStatus      = "device.status"
	TypeSend        = "device.send"
	TypeTerminate   = "device.terminate"
)

// InitRequest is the payload of a device.init envelope.
type InitRequest struct {
	OwnerID string `json:"ownerId"`
}

// SendRequest is the payload of a device.send envelope.
type SendRequest struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

// Ack is the payload of a device.terminate reply.
type Ack struct {
	Ack bool `json:"ack"`
}

// BindRPC registers the facade's operations on the RPC server.
func (f *Facade) BindRPC(server *rpc.Server) {
	server.Handle(TypeInit, func(ctx context.Context, env rpc.Envelope) (any, error) {
		var req InitRequest
		if err := env.Decode(&req); err != nil {
			return nil, fmt.Errorf("decode init request: %w", err)
		}
		return f.InitializeDevice(ctx, env.DeviceID, req.OwnerID)
	})

	server.Handle(TypePairingCode, func(ctx context.Context, env rpc.Envelope) (any, error) {
		return f.GetPairingCode(env.DeviceID)
	})

	server.Handle(TypeStatus, func(ctx context.Context, env rpc.Envelope) (any, error) {
		return f.GetStatus(env.DeviceID)
	})

	server.Handle(TypeSend, func(ctx context.Context, env rpc.Envelope) (any, error) {
		var req SendRequest
		if err := env.Decode(&req); err != nil {
			return nil, fmt.Errorf("decode send request: %w", err)
		}
		return f.SendMessage(ctx, env.DeviceID, req.To, req.Content)
	})

	server.Handle(TypeTerminate, func(ctx context.Context, env rpc.Envelope) (any, error) {
		if err := f.TerminateDevice(ctx, env.DeviceID); err != nil {
			return nil, err
		}
		return Ack{Ack: true}, nil
	})
}
