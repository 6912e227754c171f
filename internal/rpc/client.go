// SPDX-License-Identifier: MIT

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/loopchat/courier/internal/broker"
	"github.com/loopchat/courier/internal/log"
	"github.com/loopchat/courier/internal/metrics"
)

// ErrTimeout is returned when no reply arrived within the call's
// timeout. The call may be retried; the correlation id is spent.
var ErrTimeout = errors.New("rpc call timed out")

type result struct {
	env Envelope
	err error
}

// pendingCall is one outstanding correlation. Exactly one resolution
// wins: the reply handler and the timer both go through resolve, which
// removes the entry, so the loser finds nothing and becomes a no-op.
type pendingCall struct {
	ch    chan result
	timer *time.Timer
}

// Client issues RPC calls over a broker transport. It consumes one
// private reply queue for the life of the transport and correlates
// replies to callers through a single pending table.
type Client struct {
	transport broker.Transport
	logger    zerolog.Logger

	mu       sync.Mutex
	pending  map[string]*pendingCall
	discards int
}

// NewClient creates a client and starts consuming its reply queue.
func NewClient(transport broker.Transport) (*Client, error) {
	c := &Client{
		transport: transport,
		logger:    log.WithComponent("rpc.client"),
		pending:   make(map[string]*pendingCall),
	}
	if _, err := transport.ConsumeReplies(c.onReply); err != nil {
		return nil, fmt.Errorf("start reply consumer: %w", err)
	}
	return c, nil
}

// Call publishes the envelope to the queue and waits for the correlated
// reply or the timeout, whichever comes first. There is no network
// cancellation: ctx expiry resolves the call locally exactly like a
// timeout does.
func (c *Client) Call(ctx context.Context, queue string, env Envelope, timeout time.Duration) (Envelope, error) {
	correlationID := uuid.NewString()
	env.CorrelationID = correlationID
	env.ReplyTo = c.transport.ReplyQueue()
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}

	body, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal request: %w", err)
	}

	// The entry must be pending before the timer is armed: a timer
	// firing against an unregistered correlation id would be a no-op
	// and the call could never resolve.
	p := &pendingCall{ch: make(chan result, 1)}
	c.mu.Lock()
	c.pending[correlationID] = p
	c.mu.Unlock()
	metrics.RPCInflight.Inc()

	timer := time.AfterFunc(timeout, func() {
		if entry, ok := c.resolve(correlationID); ok {
			metrics.RPCTimeoutsTotal.Inc()
			entry.ch <- result{err: ErrTimeout}
		}
	})
	c.mu.Lock()
	if _, live := c.pending[correlationID]; live {
		p.timer = timer
	} else {
		// Resolved before the timer was attached; the timer has
		// nothing left to do.
		timer.Stop()
	}
	c.mu.Unlock()

	if err := c.transport.Publish(ctx, queue, broker.Message{
		Body:          body,
		CorrelationID: correlationID,
		ReplyTo:       env.ReplyTo,
	}); err != nil {
		if entry, ok := c.resolve(correlationID); ok {
			entry.timer.Stop()
		}
		return Envelope{}, fmt.Errorf("publish request: %w", err)
	}

	select {
	case res := <-p.ch:
		if res.err != nil {
			return Envelope{}, res.err
		}
		if res.env.Error != "" {
			return res.env, fmt.Errorf("remote error: %s", res.env.Error)
		}
		return res.env, nil
	case <-ctx.Done():
		if entry, ok := c.resolve(correlationID); ok {
			entry.timer.Stop()
		}
		return Envelope{}, fmt.Errorf("rpc call: %w", ctx.Err())
	}
}

// resolve removes and returns the pending entry for a correlation id.
// The first caller wins; later callers get ok == false.
func (c *Client) resolve(correlationID string) (*pendingCall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[correlationID]
	if !ok {
		return nil, false
	}
	delete(c.pending, correlationID)
	metrics.RPCInflight.Dec()
	return p, true
}

// onReply handles one message from the private reply queue.
func (c *Client) onReply(msg broker.Message) error {
	var env Envelope
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		return fmt.Errorf("malformed reply: %w", err)
	}
	correlationID := env.CorrelationID
	if correlationID == "" {
		correlationID = msg.CorrelationID
	}

	entry, ok := c.resolve(correlationID)
	if !ok {
		// Already resolved (timeout won, or a duplicate delivery).
		// The correlation id is spent; discard and count.
		c.mu.Lock()
		c.discards++
		c.mu.Unlock()
		metrics.RPCDuplicateRepliesTotal.Inc()
		c.logger.Warn().
			Str(log.FieldCorrelationID, correlationID).
			Str("event", "rpc.reply_discarded").
			Msg("discarding reply for resolved correlation id")
		return nil
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.ch <- result{env: env}
	return nil
}

// PendingCount returns the number of outstanding correlations.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// DiscardCount returns the number of replies dropped because their
// correlation id was already resolved.
func (c *Client) DiscardCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.discards
}
