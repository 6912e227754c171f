// SPDX-License-Identifier: MIT

package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

func init() {
	Register("loopback", &LoopbackDialer{PairDelay: 2 * time.Second})
}

// LoopbackDialer is a development driver that simulates the messaging
// network without any wire traffic. A device with stored credentials
// connects immediately; a device without them is issued a pairing code
// and "scanned" automatically after PairDelay. Sends succeed and echo
// the message back as an inbound event.
type LoopbackDialer struct {
	// PairDelay is how long the simulated user takes to scan the code.
	PairDelay time.Duration
}

func (d *LoopbackDialer) Dial(ctx context.Context, deviceID string, creds []byte) (Client, error) {
	c := &loopbackClient{
		deviceID: deviceID,
		events:   make(chan Event, 16),
	}
	if len(creds) > 0 {
		c.events <- ConnectedEvent{Address: loopbackAddress(deviceID)}
		return c, nil
	}

	code := []byte(fmt.Sprintf("LOOP-%s-%s", deviceID, uuid.NewString()[:8]))
	c.events <- PairingCodeEvent{Code: code}

	delay := d.PairDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	c.pairTimer = time.AfterFunc(delay, func() {
		blob, _ := json.Marshal(map[string]string{"device": deviceID, "token": uuid.NewString()})
		c.emit(CredentialsEvent{Blob: blob})
		c.emit(ConnectedEvent{Address: loopbackAddress(deviceID)})
	})
	return c, nil
}

func loopbackAddress(deviceID string) string {
	return deviceID + "@loopback"
}

type loopbackClient struct {
	deviceID  string
	mu        sync.Mutex
	events    chan Event
	closed    bool
	pairTimer *time.Timer
}

func (c *loopbackClient) Events() <-chan Event { return c.events }

func (c *loopbackClient) Send(ctx context.Context, to, content string) (string, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return "", fmt.Errorf("loopback client for %s is closed", c.deviceID)
	}
	id := uuid.NewString()
	// Echo the message back so consumers of the event queue see
	// traffic during development.
	c.emit(MessageEvent{ID: id, From: to, Content: content})
	return id, nil
}

func (c *loopbackClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.pairTimer != nil {
		c.pairTimer.Stop()
	}
	close(c.events)
	return nil
}

func (c *loopbackClient) emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		// Slow consumer: drop rather than block the simulator.
	}
}
