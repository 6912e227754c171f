// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopchat/courier/internal/authstore"
	"github.com/loopchat/courier/internal/pairing"
	"github.com/loopchat/courier/internal/protocol"
	"github.com/loopchat/courier/internal/reconnect"
)

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (m *mockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

type fixture struct {
	mgr    *Manager
	dialer *protocol.FakeDialer
	clk    *mockClock
	pair   *pairing.Manager
	creds  *authstore.MemoryStore
	reg    *Registry
	sched  *reconnect.Scheduler
}

func newFixture(t *testing.T, policy reconnect.Policy, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		dialer: protocol.NewFakeDialer(),
		clk:    &mockClock{now: time.Now()},
		creds:  authstore.NewMemoryStore(),
		reg:    NewRegistry(),
		sched:  reconnect.NewScheduler(),
	}
	f.pair = pairing.NewManager(5*time.Minute, pairing.WithClock(f.clk))
	f.mgr = NewManager(Config{
		Registry:    f.reg,
		Dialer:      f.dialer,
		Pairing:     f.pair,
		Policy:      policy,
		Scheduler:   f.sched,
		Credentials: f.creds,
		DialTimeout: time.Second,
	}, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.mgr.Close(ctx)
	})
	return f
}

func defaultPolicy() reconnect.Policy {
	return reconnect.Policy{Delay: 10 * time.Millisecond, MaxAttempts: 3}
}

// waitClient blocks until the dialer has handed out its i-th client.
func waitClient(t *testing.T, d *protocol.FakeDialer, i int) *protocol.FakeClient {
	t.Helper()
	require.Eventually(t, func() bool { return d.Client(i) != nil },
		2*time.Second, time.Millisecond, "client %d never dialed", i)
	return d.Client(i)
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// initPaired initializes a device whose client immediately issues a
// pairing code.
func (f *fixture) initPaired(t *testing.T, deviceID string, clientIdx int) *protocol.FakeClient {
	t.Helper()
	go func() {
		if c := f.dialer.Client(clientIdx); c != nil {
			c.EmitPairingCode([]byte("qr-" + deviceID))
			return
		}
		for i := 0; i < 2000; i++ {
			time.Sleep(time.Millisecond)
			if c := f.dialer.Client(clientIdx); c != nil {
				c.EmitPairingCode([]byte("qr-" + deviceID))
				return
			}
		}
	}()
	pairingAvailable, err := f.mgr.Initialize(testCtx(t), deviceID, "owner-1")
	require.NoError(t, err)
	require.True(t, pairingAvailable)
	return waitClient(t, f.dialer, clientIdx)
}

// connect completes the pairing flow so the session reaches Connected.
func (f *fixture) connect(t *testing.T, deviceID string, c *protocol.FakeClient) {
	t.Helper()
	c.EmitConnected(deviceID + "@net")
	require.Eventually(t, func() bool {
		snap, err := f.mgr.Status(deviceID)
		return err == nil && snap.State == StateConnected
	}, 2*time.Second, time.Millisecond)
}

func TestInitialize_PairingFlow(t *testing.T) {
	f := newFixture(t, defaultPolicy())

	f.initPaired(t, "d1", 0)

	snap, err := f.mgr.Status("d1")
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingPairing, snap.State)
	assert.Equal(t, "owner-1", snap.OwnerID)

	art, ok, err := f.mgr.PairingCode("d1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("qr-d1"), art.Payload)

	// Past the expiry window the artifact reads as unavailable.
	f.clk.Advance(5*time.Minute + time.Second)
	_, ok, err = f.mgr.PairingCode("d1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInitialize_StoredCredentialsSkipPairing(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	require.NoError(t, f.creds.Save(context.Background(), "d1", []byte("blob-1")))

	go func() {
		for i := 0; i < 2000; i++ {
			if c := f.dialer.Client(0); c != nil {
				c.EmitConnected("d1@net")
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	pairingAvailable, err := f.mgr.Initialize(testCtx(t), "d1", "owner-1")
	require.NoError(t, err)
	assert.False(t, pairingAvailable)

	snap, err := f.mgr.Status("d1")
	require.NoError(t, err)
	assert.Equal(t, StateConnected, snap.State)
	require.NotNil(t, snap.Identity)
	assert.Equal(t, "d1@net", snap.Identity.ExternalAddress)

	dials := f.dialer.Dials()
	require.Len(t, dials, 1)
	assert.Equal(t, []byte("blob-1"), dials[0].Creds, "stored credentials reach the dialer")
}

func TestInitialize_DialFailureTerminates(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	f.dialer.FailDials(errors.New("network down"))

	_, err := f.mgr.Initialize(testCtx(t), "d1", "owner-1")
	require.ErrorIs(t, err, ErrInitializationFailed)

	_, err = f.mgr.Status("d1")
	assert.ErrorIs(t, err, ErrSessionNotFound, "terminated slot is removed")
	assert.Equal(t, 0, f.reg.Len())
}

func TestInitialize_SupersedesExistingSession(t *testing.T) {
	f := newFixture(t, defaultPolicy())

	c0 := f.initPaired(t, "d1", 0)
	f.connect(t, "d1", c0)

	f.initPaired(t, "d1", 1)

	assert.True(t, c0.Closed(), "superseded client torn down")
	assert.Equal(t, 1, f.reg.Len(), "one live session per device id")
	assert.Equal(t, 2, f.dialer.DialCount())

	snap, err := f.mgr.Status("d1")
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingPairing, snap.State)
}

func TestSingleSessionInvariant(t *testing.T) {
	f := newFixture(t, defaultPolicy())

	for i := 0; i < 4; i++ {
		f.initPaired(t, "d1", i)
		assert.Equal(t, 1, f.reg.Len(), "round %d", i)
	}
}

func TestSend(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	c := f.initPaired(t, "d1", 0)

	_, err := f.mgr.Send(testCtx(t), "d1", "+1555", "hello")
	assert.ErrorIs(t, err, ErrNotConnected, "send before Connected must fail")

	f.connect(t, "d1", c)
	id, err := f.mgr.Send(testCtx(t), "d1", "+1555", "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.Len(t, c.Sends(), 1)
	assert.Equal(t, protocol.FakeSend{To: "+1555", Content: "hello"}, c.Sends()[0])

	_, err = f.mgr.Send(testCtx(t), "nope", "+1555", "hello")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestTransientDisconnectReconnects(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	c0 := f.initPaired(t, "d1", 0)
	f.connect(t, "d1", c0)

	c0.EmitDisconnected(protocol.ReasonTransient, errors.New("stream fault"))

	// The retry fires within the delay window and re-enters the
	// connecting path with one attempt burned.
	c1 := waitClient(t, f.dialer, 1)
	snap, err := f.mgr.Status("d1")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.ReconnectAttempts)

	c1.EmitConnected("d1@net")
	require.Eventually(t, func() bool {
		snap, err := f.mgr.Status("d1")
		return err == nil && snap.State == StateConnected
	}, 2*time.Second, time.Millisecond)

	snap, err = f.mgr.Status("d1")
	require.NoError(t, err)
	assert.Equal(t, 0, snap.ReconnectAttempts, "reaching Connected resets the counter")
	assert.Nil(t, snap.LastError, "successful reconnect clears the error")
}

func TestLoggedOutTerminatesAndDeletesCredentials(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	c := f.initPaired(t, "d1", 0)
	c.EmitCredentials([]byte("blob-1"))
	f.connect(t, "d1", c)

	require.Eventually(t, func() bool {
		_, err := f.creds.Load(context.Background(), "d1")
		return err == nil
	}, 2*time.Second, time.Millisecond, "rotation persisted before logout")

	c.EmitDisconnected(protocol.ReasonLoggedOut, errors.New("device unlinked"))

	require.Eventually(t, func() bool {
		_, err := f.mgr.Status("d1")
		return errors.Is(err, ErrSessionNotFound)
	}, 2*time.Second, time.Millisecond)

	_, err := f.creds.Load(context.Background(), "d1")
	assert.ErrorIs(t, err, authstore.ErrNotFound, "logout wipes stored credentials")
	assert.Equal(t, 1, f.dialer.DialCount(), "logged-out sessions never retry")
}

func TestReconnectBudgetBound(t *testing.T) {
	f := newFixture(t, reconnect.Policy{Delay: 5 * time.Millisecond, MaxAttempts: 2})
	c0 := f.initPaired(t, "d1", 0)
	f.connect(t, "d1", c0)

	// Every reconnect attempt fails the same way: the fresh client
	// drops with a transient fault as soon as it is dialed.
	go func() {
		c0.EmitDisconnected(protocol.ReasonTransient, errors.New("fault"))
		for i := 1; i <= 2; i++ {
			c := f.dialer.Client(i)
			for c == nil {
				time.Sleep(time.Millisecond)
				c = f.dialer.Client(i)
			}
			c.EmitDisconnected(protocol.ReasonTransient, errors.New("fault"))
		}
	}()

	require.Eventually(t, func() bool {
		_, err := f.mgr.Status("d1")
		return errors.Is(err, ErrSessionNotFound)
	}, 5*time.Second, time.Millisecond, "session terminates once the budget is spent")

	assert.Equal(t, 3, f.dialer.DialCount(), "initial dial plus exactly MaxAttempts retries")
}

func TestTerminateIdempotent(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	c := f.initPaired(t, "d1", 0)
	f.connect(t, "d1", c)

	require.NoError(t, f.mgr.Terminate(testCtx(t), "d1"))
	assert.True(t, c.Closed())
	assert.Equal(t, 0, f.reg.Len())

	require.NoError(t, f.mgr.Terminate(testCtx(t), "d1"), "second terminate is a no-op")
	require.NoError(t, f.mgr.Terminate(testCtx(t), "never-existed"))
}

func TestTerminateCancelsScheduledRetry(t *testing.T) {
	f := newFixture(t, reconnect.Policy{Delay: time.Hour, MaxAttempts: 3})
	c := f.initPaired(t, "d1", 0)
	f.connect(t, "d1", c)

	c.EmitDisconnected(protocol.ReasonTransient, errors.New("fault"))
	require.Eventually(t, func() bool { return f.sched.Pending() == 1 },
		2*time.Second, time.Millisecond)

	require.NoError(t, f.mgr.Terminate(testCtx(t), "d1"))
	assert.Equal(t, 0, f.sched.Pending(), "terminate cancels the pending retry")
	assert.Equal(t, 1, f.dialer.DialCount(), "no resurrection after terminate")
	assert.Equal(t, 0, f.reg.Len())
}

func TestInboundMessagesForwarded(t *testing.T) {
	var mu sync.Mutex
	var got []protocol.MessageEvent
	handler := func(deviceID string, msg protocol.MessageEvent) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, msg)
	}

	f := newFixture(t, defaultPolicy(), WithMessageHandler(handler))
	c := f.initPaired(t, "d1", 0)
	f.connect(t, "d1", c)

	c.EmitMessage("m1", "+1555", "hi there")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, protocol.MessageEvent{ID: "m1", From: "+1555", Content: "hi there"}, got[0])
}

func TestPairingCodeReissueReplaces(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	c := f.initPaired(t, "d1", 0)

	c.EmitPairingCode([]byte("qr-rotated"))
	require.Eventually(t, func() bool {
		art, ok, _ := f.mgr.PairingCode("d1")
		return ok && string(art.Payload) == "qr-rotated"
	}, 2*time.Second, time.Millisecond)
}

func TestInitialize_ConcurrentSupersessionLeavesOneClient(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	c0 := f.initPaired(t, "d1", 0)
	f.connect(t, "d1", c0)

	// Every freshly dialed client gets a pairing code so initializers
	// never stall waiting for readiness.
	stop := make(chan struct{})
	go func() {
		next := 1
		for {
			select {
			case <-stop:
				return
			default:
			}
			if c := f.dialer.Client(next); c != nil {
				c.EmitPairingCode([]byte("qr"))
				next++
			}
			time.Sleep(time.Millisecond)
		}
	}()
	defer close(stop)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.mgr.Initialize(ctx, "d1", "owner-1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.reg.Len(), "one live session per device id")
	assert.Equal(t, 3, f.dialer.DialCount(), "predecessor plus one dial per initializer")

	open := 0
	for i := 0; i < f.dialer.DialCount(); i++ {
		if c := f.dialer.Client(i); c != nil && !c.Closed() {
			open++
		}
	}
	assert.Equal(t, 1, open, "every superseded client is torn down")
}

func TestConnectInvalidatesPairingArtifact(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	c := f.initPaired(t, "d1", 0)
	f.connect(t, "d1", c)

	_, ok, err := f.mgr.PairingCode("d1")
	require.NoError(t, err)
	assert.False(t, ok, "connected sessions have no pairing artifact")
}
