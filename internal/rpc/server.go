// SPDX-License-Identifier: MIT

package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/loopchat/courier/internal/broker"
	"github.com/loopchat/courier/internal/log"
	"github.com/loopchat/courier/internal/metrics"
)

// HandlerFunc executes one request and returns the reply payload.
type HandlerFunc func(ctx context.Context, env Envelope) (any, error)

// Server consumes a well-known request queue and dispatches envelopes
// to registered handlers by type. A reply is published only when the
// request carries both a replyTo and a correlation id; their absence
// means fire-and-forget and is not an error.
type Server struct {
	transport      broker.Transport
	queue          string
	handlers       map[string]HandlerFunc
	handlerTimeout time.Duration
	logger         zerolog.Logger
}

// NewServer creates a server for the given request queue.
func NewServer(transport broker.Transport, queue string, handlerTimeout time.Duration) *Server {
	if handlerTimeout <= 0 {
		handlerTimeout = 30 * time.Second
	}
	return &Server{
		transport:      transport,
		queue:          queue,
		handlers:       make(map[string]HandlerFunc),
		handlerTimeout: handlerTimeout,
		logger:         log.WithComponent("rpc.server"),
	}
}

// Handle registers the handler for an envelope type. Must be called
// before Start.
func (s *Server) Handle(msgType string, h HandlerFunc) {
	s.handlers[msgType] = h
}

// Start declares the request queue and begins consuming it.
func (s *Server) Start() error {
	if err := s.transport.DeclareQueue(s.queue); err != nil {
		return fmt.Errorf("declare request queue: %w", err)
	}
	if err := s.transport.Consume(s.queue, s.onRequest); err != nil {
		return fmt.Errorf("consume request queue: %w", err)
	}
	return nil
}

// onRequest processes one request delivery. A malformed body is poison
// (rejected without requeue); handler errors become error replies.
func (s *Server) onRequest(msg broker.Message) error {
	var env Envelope
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		return fmt.Errorf("malformed request: %w", err)
	}
	if env.CorrelationID == "" {
		env.CorrelationID = msg.CorrelationID
	}
	if env.ReplyTo == "" {
		env.ReplyTo = msg.ReplyTo
	}

	logger := s.logger.With().
		Str("type", env.Type).
		Str(log.FieldDeviceID, env.DeviceID).
		Str(log.FieldCorrelationID, env.CorrelationID).
		Logger()

	handler, ok := s.handlers[env.Type]
	if !ok {
		logger.Warn().
			Str("event", "rpc.unknown_type").
			Msg("no handler registered for envelope type")
		metrics.RPCHandledTotal.WithLabelValues(env.Type, "unknown").Inc()
		s.reply(env, nil, fmt.Errorf("unknown request type %q", env.Type))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.handlerTimeout)
	defer cancel()
	ctx = log.ContextWithCorrelationID(ctx, env.CorrelationID)
	ctx = log.ContextWithDeviceID(ctx, env.DeviceID)

	payload, err := handler(ctx, env)
	if err != nil {
		logger.Warn().
			Err(err).
			Str("event", "rpc.handler_error").
			Msg("request handler failed")
		metrics.RPCHandledTotal.WithLabelValues(env.Type, "error").Inc()
	} else {
		metrics.RPCHandledTotal.WithLabelValues(env.Type, "ok").Inc()
	}
	s.reply(env, payload, err)
	return nil
}

// reply publishes the result back to the caller's private queue, if the
// request asked for one.
func (s *Server) reply(req Envelope, payload any, handlerErr error) {
	if req.ReplyTo == "" || req.CorrelationID == "" {
		return
	}

	out := Envelope{
		Type:          req.Type,
		DeviceID:      req.DeviceID,
		CorrelationID: req.CorrelationID,
		Timestamp:     time.Now().UnixMilli(),
	}
	if handlerErr != nil {
		out.Error = handlerErr.Error()
	} else if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			out.Error = fmt.Sprintf("marshal reply: %v", err)
		} else {
			out.Payload = raw
		}
	}

	body, err := json.Marshal(out)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str(log.FieldCorrelationID, req.CorrelationID).
			Str("event", "rpc.reply_marshal_failed").
			Msg("failed to marshal reply envelope")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.transport.Publish(ctx, req.ReplyTo, broker.Message{
		Body:          body,
		CorrelationID: req.CorrelationID,
	}); err != nil {
		s.logger.Warn().
			Err(err).
			Str(log.FieldQueue, req.ReplyTo).
			Str(log.FieldCorrelationID, req.CorrelationID).
			Str("event", "rpc.reply_publish_failed").
			Msg("failed to publish reply")
	}
}
