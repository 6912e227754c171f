// SPDX-License-Identifier: MIT

package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/loopchat/courier/internal/log"
	"github.com/loopchat/courier/internal/metrics"
)

// AMQPConfig holds the broker connection configuration.
type AMQPConfig struct {
	URL         string
	RedialDelay time.Duration // fixed interval between reconnect attempts
	Prefetch    int
}

// AMQPTransport is the RabbitMQ-backed Transport. It owns one
// connection and one channel; amqp091's own serialization makes the
// channel safe for interleaved publish and consume across goroutines.
// On connection loss it redials at a fixed interval and re-applies all
// queue declarations and consumers.
type AMQPTransport struct {
	cfg    AMQPConfig
	logger zerolog.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	ch        *amqp.Channel
	connected bool
	closed    bool

	queues       map[string]struct{}
	consumers    []consumerSpec
	replyHandler Handler
	replyQueue   string
	done         chan struct{}
}

type consumerSpec struct {
	queue   string
	handler Handler
}

// DialAMQP connects to the broker and starts the redial supervisor.
func DialAMQP(cfg AMQPConfig) (*AMQPTransport, error) {
	if cfg.RedialDelay <= 0 {
		cfg.RedialDelay = 3 * time.Second
	}
	t := &AMQPTransport{
		cfg:    cfg,
		logger: log.WithComponent("broker"),
		queues: make(map[string]struct{}),
		done:   make(chan struct{}),
	}
	if err := t.connect(); err != nil {
		return nil, err
	}
	return t, nil
}

// connect dials the broker and installs the close notification that
// drives the redial loop.
func (t *AMQPTransport) connect() error {
	conn, err := amqp.Dial(t.cfg.URL)
	if err != nil {
		return fmt.Errorf("broker dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("broker channel: %w", err)
	}
	if t.cfg.Prefetch > 0 {
		if err := ch.Qos(t.cfg.Prefetch, 0, false); err != nil {
			conn.Close()
			return fmt.Errorf("broker qos: %w", err)
		}
	}

	t.mu.Lock()
	t.conn = conn
	t.ch = ch
	t.connected = true
	t.mu.Unlock()
	metrics.SetBrokerConnected(true)

	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	go t.supervise(closeCh)

	t.logger.Info().
		Str("event", "broker.connected").
		Msg("broker connection established")
	return nil
}

// supervise waits for the connection to drop, then redials on a fixed
// interval until it succeeds, re-applying declarations and consumers.
func (t *AMQPTransport) supervise(closeCh chan *amqp.Error) {
	reason, ok := <-closeCh
	if !ok {
		return // clean Close
	}

	t.mu.Lock()
	t.connected = false
	closed := t.closed
	t.mu.Unlock()
	metrics.SetBrokerConnected(false)
	if closed {
		return
	}

	t.logger.Warn().
		Str("event", "broker.disconnected").
		Str("reason", reason.Error()).
		Msg("broker connection lost, redialing")

	for {
		select {
		case <-t.done:
			return
		case <-time.After(t.cfg.RedialDelay):
		}

		if err := t.connect(); err != nil {
			t.logger.Warn().
				Err(err).
				Str("event", "broker.redial_failed").
				Msg("broker redial failed")
			continue
		}
		if err := t.restore(); err != nil {
			t.logger.Error().
				Err(err).
				Str("event", "broker.restore_failed").
				Msg("failed to restore declarations after reconnect")
		}
		return
	}
}

// restore re-applies queue declarations and consumers after a
// reconnect. Declarations are idempotent by design.
func (t *AMQPTransport) restore() error {
	t.mu.Lock()
	queues := make([]string, 0, len(t.queues))
	for q := range t.queues {
		queues = append(queues, q)
	}
	consumers := make([]consumerSpec, len(t.consumers))
	copy(consumers, t.consumers)
	replyHandler := t.replyHandler
	t.mu.Unlock()

	for _, q := range queues {
		if err := t.declare(q); err != nil {
			return err
		}
	}
	for _, c := range consumers {
		if err := t.startConsumer(c.queue, c.handler); err != nil {
			return err
		}
	}
	if replyHandler != nil {
		// The reply queue is exclusive and auto-deleting: the broker
		// dropped it with the old connection, so a new one (with a
		// new server-assigned name) is declared here. In-flight calls
		// addressed to the old name resolve by timeout.
		if _, err := t.declareReplyQueue(replyHandler); err != nil {
			return err
		}
	}
	return nil
}

func (t *AMQPTransport) channel() (*amqp.Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected || t.ch == nil {
		return nil, ErrNotConnected
	}
	return t.ch, nil
}

func (t *AMQPTransport) declare(name string) error {
	ch, err := t.channel()
	if err != nil {
		return err
	}
	_, err = ch.QueueDeclare(name, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %q: %w", name, err)
	}
	return nil
}

// DeclareQueue declares a durable queue and remembers it for
// re-declaration after reconnects.
func (t *AMQPTransport) DeclareQueue(name string) error {
	if err := t.declare(name); err != nil {
		return err
	}
	t.mu.Lock()
	t.queues[name] = struct{}{}
	t.mu.Unlock()
	return nil
}

// Publish sends a persistent message to the queue.
func (t *AMQPTransport) Publish(ctx context.Context, queue string, msg Message) error {
	ch, err := t.channel()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now(),
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		Body:          msg.Body,
	})
	if err != nil {
		return fmt.Errorf("publish to %q: %w", queue, err)
	}
	metrics.BrokerPublishTotal.WithLabelValues(queue).Inc()
	return nil
}

// Consume registers a durable consumer on the queue. The registration
// survives reconnects.
func (t *AMQPTransport) Consume(queue string, h Handler) error {
	if err := t.startConsumer(queue, h); err != nil {
		return err
	}
	t.mu.Lock()
	t.consumers = append(t.consumers, consumerSpec{queue: queue, handler: h})
	t.mu.Unlock()
	return nil
}

func (t *AMQPTransport) startConsumer(queue string, h Handler) error {
	ch, err := t.channel()
	if err != nil {
		return err
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %q: %w", queue, err)
	}
	go t.deliver(queue, deliveries, h)
	return nil
}

// ConsumeReplies declares the private reply queue and consumes it.
func (t *AMQPTransport) ConsumeReplies(h Handler) (string, error) {
	t.mu.Lock()
	t.replyHandler = h
	t.mu.Unlock()
	return t.declareReplyQueue(h)
}

func (t *AMQPTransport) declareReplyQueue(h Handler) (string, error) {
	ch, err := t.channel()
	if err != nil {
		return "", err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return "", fmt.Errorf("declare reply queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", false, true, false, false, nil)
	if err != nil {
		return "", fmt.Errorf("consume reply queue %q: %w", q.Name, err)
	}
	t.mu.Lock()
	t.replyQueue = q.Name
	t.mu.Unlock()
	go t.deliver(q.Name, deliveries, h)
	return q.Name, nil
}

// ReplyQueue returns the current private reply queue name.
func (t *AMQPTransport) ReplyQueue() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.replyQueue
}

// deliver runs one consumer loop. Handler errors and panics reject the
// delivery without requeue: poison is dropped, counted and logged, and
// the loop keeps running.
func (t *AMQPTransport) deliver(queue string, deliveries <-chan amqp.Delivery, h Handler) {
	for d := range deliveries {
		err := t.handle(queue, d, h)
		if err != nil {
			metrics.RecordConsume(queue, "poison")
			t.logger.Warn().
				Err(err).
				Str(log.FieldQueue, queue).
				Str(log.FieldCorrelationID, d.CorrelationId).
				Str("event", "broker.poison_message").
				Msg("dropping message")
			if nackErr := d.Nack(false, false); nackErr != nil {
				t.logger.Warn().
					Err(nackErr).
					Str(log.FieldQueue, queue).
					Str("event", "broker.nack_failed").
					Msg("failed to reject delivery")
			}
			continue
		}
		metrics.RecordConsume(queue, "ack")
		if ackErr := d.Ack(false); ackErr != nil {
			t.logger.Warn().
				Err(ackErr).
				Str(log.FieldQueue, queue).
				Str("event", "broker.ack_failed").
				Msg("failed to acknowledge delivery")
		}
	}
}

func (t *AMQPTransport) handle(queue string, d amqp.Delivery, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(Message{
		Body:          d.Body,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
	})
}

// Connected reports the connection state for the readiness probe.
func (t *AMQPTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Close shuts the transport down and stops the redial supervisor.
func (t *AMQPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.connected = false
	t.mu.Unlock()

	close(t.done)
	metrics.SetBrokerConnected(false)
	if conn != nil {
		return conn.Close()
	}
	return nil
}
