// SPDX-License-Identifier: MIT

package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/loopchat/courier/internal/broker"
	"github.com/loopchat/courier/internal/log"
	"github.com/loopchat/courier/internal/protocol"
	"github.com/loopchat/courier/internal/rpc"
)

// TypeMessage is the envelope type of inbound chat messages published
// to the event queue. Fire-and-forget: no replyTo, no correlation id.
const TypeMessage = "device.message"

// MessagePayload is the payload of a device.message envelope.
type MessagePayload struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	Content string `json:"content"`
}

type forwardItem struct {
	deviceID string
	msg      protocol.MessageEvent
}

// Forwarder publishes inbound chat messages to the event queue.
// Handle never blocks: publishing runs on the forwarder's own
// goroutine so a backed-up broker cannot stall a session's event pump.
type Forwarder struct {
	transport broker.Transport
	queue     string
	logger    zerolog.Logger
	items     chan forwardItem
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewForwarder declares the event queue and starts the publish worker.
func NewForwarder(transport broker.Transport, queue string) *Forwarder {
	f := &Forwarder{
		transport: transport,
		queue:     queue,
		logger:    log.WithComponent("events"),
		items:     make(chan forwardItem, 256),
	}
	if err := transport.DeclareQueue(queue); err != nil {
		f.logger.Warn().
			Err(err).
			Str(log.FieldQueue, queue).
			Str("event", "events.declare_failed").
			Msg("event queue declaration failed, will retry on first publish")
	}
	f.wg.Add(1)
	go f.run()
	return f
}

// Handle enqueues one inbound message for publication. When the buffer
// is full the message is dropped with a warning rather than blocking
// the calling event pump.
func (f *Forwarder) Handle(deviceID string, msg protocol.MessageEvent) {
	select {
	case f.items <- forwardItem{deviceID: deviceID, msg: msg}:
	default:
		f.logger.Warn().
			Str(log.FieldDeviceID, deviceID).
			Str(log.FieldMessageID, msg.ID).
			Str("event", "events.buffer_full").
			Msg("dropping inbound message")
	}
}

// Close drains the buffer and stops the publish worker.
func (f *Forwarder) Close() {
	f.closeOnce.Do(func() { close(f.items) })
	f.wg.Wait()
}

func (f *Forwarder) run() {
	defer f.wg.Done()
	for item := range f.items {
		f.publish(item)
	}
}

func (f *Forwarder) publish(item forwardItem) {
	env, err := rpc.NewEnvelope(TypeMessage, item.deviceID, MessagePayload{
		ID:      item.msg.ID,
		From:    item.msg.From,
		Content: item.msg.Content,
	})
	if err != nil {
		f.logger.Warn().
			Err(err).
			Str(log.FieldDeviceID, item.deviceID).
			Str("event", "events.marshal_failed").
			Msg("dropping inbound message")
		return
	}
	body, err := json.Marshal(env)
	if err != nil {
		f.logger.Warn().
			Err(err).
			Str(log.FieldDeviceID, item.deviceID).
			Str("event", "events.marshal_failed").
			Msg("dropping inbound message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.transport.Publish(ctx, f.queue, broker.Message{Body: body}); err != nil {
		f.logger.Warn().
			Err(err).
			Str(log.FieldDeviceID, item.deviceID).
			Str(log.FieldQueue, f.queue).
			Str("event", "events.publish_failed").
			Msg("dropping inbound message")
	}
}
