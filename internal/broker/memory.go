// SPDX-License-Identifier: MIT

package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryTransport is an in-process Transport used by tests and by
// single-process deployments that run the orchestrator facade in the
// same binary as its caller. Per-queue FIFO delivery to a single
// consumer matches the broker's guarantee.
type MemoryTransport struct {
	mu         sync.Mutex
	queues     map[string]chan Message
	connected  bool
	closed     bool
	replyQueue string
	done       chan struct{}
	publishers sync.WaitGroup
	wg         sync.WaitGroup

	// PoisonCount counts messages dropped by failing handlers.
	poisonCount int
}

// NewMemoryTransport returns a connected in-memory transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		queues:    make(map[string]chan Message),
		connected: true,
		done:      make(chan struct{}),
	}
}

func (t *MemoryTransport) queue(name string) chan Message {
	if q, ok := t.queues[name]; ok {
		return q
	}
	q := make(chan Message, 128)
	t.queues[name] = q
	return q
}

func (t *MemoryTransport) DeclareQueue(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrNotConnected
	}
	t.queue(name)
	return nil
}

func (t *MemoryTransport) Publish(ctx context.Context, queue string, msg Message) error {
	t.mu.Lock()
	if t.closed || !t.connected {
		t.mu.Unlock()
		return ErrNotConnected
	}
	q := t.queue(queue)
	// Close waits for in-flight publishes before closing the queue
	// channels, so the send below can never hit a closed channel.
	t.publishers.Add(1)
	t.mu.Unlock()
	defer t.publishers.Done()

	select {
	case q <- msg:
		return nil
	case <-t.done:
		return ErrNotConnected
	case <-ctx.Done():
		return fmt.Errorf("publish to %q: %w", queue, ctx.Err())
	}
}

func (t *MemoryTransport) Consume(queue string, h Handler) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrNotConnected
	}
	q := t.queue(queue)
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		for msg := range q {
			if err := t.handle(msg, h); err != nil {
				t.mu.Lock()
				t.poisonCount++
				t.mu.Unlock()
			}
		}
	}()
	return nil
}

func (t *MemoryTransport) handle(msg Message, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(msg)
}

func (t *MemoryTransport) ConsumeReplies(h Handler) (string, error) {
	name := "amq.gen-" + uuid.NewString()
	t.mu.Lock()
	t.replyQueue = name
	t.mu.Unlock()
	if err := t.Consume(name, h); err != nil {
		return "", err
	}
	return name, nil
}

func (t *MemoryTransport) ReplyQueue() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.replyQueue
}

func (t *MemoryTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && !t.closed
}

// SetConnected simulates broker connectivity changes in tests.
func (t *MemoryTransport) SetConnected(connected bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = connected
}

// PoisonCount returns the number of messages dropped by failing
// handlers.
func (t *MemoryTransport) PoisonCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.poisonCount
}

// QueueDepth returns the number of undelivered messages in a queue.
func (t *MemoryTransport) QueueDepth(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if q, ok := t.queues[name]; ok {
		return len(q)
	}
	return 0
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	close(t.done)
	t.publishers.Wait()

	t.mu.Lock()
	for _, q := range t.queues {
		close(q)
	}
	t.mu.Unlock()
	t.wg.Wait()
	return nil
}
