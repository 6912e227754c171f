// SPDX-License-Identifier: MIT

package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTransport_FIFODelivery(t *testing.T) {
	tr := NewMemoryTransport()
	defer tr.Close()
	require.NoError(t, tr.DeclareQueue("q1"))

	var mu sync.Mutex
	var got []string
	require.NoError(t, tr.Consume("q1", func(msg Message) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(msg.Body))
		return nil
	}))

	ctx := context.Background()
	for _, body := range []string{"a", "b", "c"} {
		require.NoError(t, tr.Publish(ctx, "q1", Message{Body: []byte(body)}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, got, "per-queue FIFO to a single consumer")
}

func TestMemoryTransport_PoisonDroppedNotRetried(t *testing.T) {
	tr := NewMemoryTransport()
	defer tr.Close()

	var calls int
	var mu sync.Mutex
	require.NoError(t, tr.Consume("q1", func(msg Message) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return errors.New("cannot parse")
	}))

	require.NoError(t, tr.Publish(context.Background(), "q1", Message{Body: []byte("junk")}))

	require.Eventually(t, func() bool { return tr.PoisonCount() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls, "poison is delivered once, never requeued")
}

func TestMemoryTransport_HandlerPanicIsPoison(t *testing.T) {
	tr := NewMemoryTransport()
	defer tr.Close()

	require.NoError(t, tr.Consume("q1", func(msg Message) error {
		panic("handler bug")
	}))
	require.NoError(t, tr.Publish(context.Background(), "q1", Message{Body: []byte("x")}))

	require.Eventually(t, func() bool { return tr.PoisonCount() == 1 }, time.Second, time.Millisecond)
}

func TestMemoryTransport_PublishWithoutConsumerQueues(t *testing.T) {
	tr := NewMemoryTransport()
	defer tr.Close()

	require.NoError(t, tr.Publish(context.Background(), "idle", Message{Body: []byte("waiting")}))
	assert.Equal(t, 1, tr.QueueDepth("idle"))
}

func TestMemoryTransport_DisconnectedRejectsPublish(t *testing.T) {
	tr := NewMemoryTransport()
	defer tr.Close()

	tr.SetConnected(false)
	err := tr.Publish(context.Background(), "q1", Message{Body: []byte("x")})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, tr.Connected())

	tr.SetConnected(true)
	assert.True(t, tr.Connected())
}

func TestMemoryTransport_PublishDuringCloseDoesNotPanic(t *testing.T) {
	tr := NewMemoryTransport()

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for {
				if err := tr.Publish(context.Background(), "q1", Message{Body: []byte("x")}); err != nil {
					return
				}
			}
		}()
	}
	close(start)
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, tr.Close())
	wg.Wait()

	err := tr.Publish(context.Background(), "q1", Message{Body: []byte("late")})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestMemoryTransport_ReplyQueue(t *testing.T) {
	tr := NewMemoryTransport()
	defer tr.Close()

	assert.Empty(t, tr.ReplyQueue())

	var mu sync.Mutex
	var got []Message
	name, err := tr.ConsumeReplies(func(msg Message) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, msg)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, name, tr.ReplyQueue())

	require.NoError(t, tr.Publish(context.Background(), name, Message{Body: []byte("pong"), CorrelationID: "c1"}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, time.Millisecond)
}
