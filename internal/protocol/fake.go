// SPDX-License-Identifier: MIT

package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrFakeClosed is returned by FakeClient.Send after Close.
var ErrFakeClosed = errors.New("fake protocol client is closed")

// FakeClient is a scriptable protocol client for tests. Tests drive the
// session lifecycle by calling the Emit* helpers.
type FakeClient struct {
	mu      sync.Mutex
	events  chan Event
	closed  bool
	sends   []FakeSend
	sendErr error
	nextID  int
}

// FakeSend records one Send call observed by the fake.
type FakeSend struct {
	To      string
	Content string
}

// NewFakeClient returns a fake client with a buffered event stream.
func NewFakeClient() *FakeClient {
	return &FakeClient{events: make(chan Event, 16)}
}

func (f *FakeClient) Events() <-chan Event { return f.events }

func (f *FakeClient) Send(ctx context.Context, to, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return "", ErrFakeClosed
	}
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sends = append(f.sends, FakeSend{To: to, Content: content})
	f.nextID++
	return fmt.Sprintf("msg-%d", f.nextID), nil
}

func (f *FakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.events)
	return nil
}

// Closed reports whether Close has been called.
func (f *FakeClient) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Sends returns a copy of all recorded Send calls.
func (f *FakeClient) Sends() []FakeSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeSend, len(f.sends))
	copy(out, f.sends)
	return out
}

// FailSends makes subsequent Send calls return err.
func (f *FakeClient) FailSends(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *FakeClient) emit(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.events <- ev
}

// EmitPairingCode emits a pairing-code event.
func (f *FakeClient) EmitPairingCode(code []byte) { f.emit(PairingCodeEvent{Code: code}) }

// EmitConnected emits a connected event.
func (f *FakeClient) EmitConnected(address string) { f.emit(ConnectedEvent{Address: address}) }

// EmitDisconnected emits a disconnect with the given classification.
func (f *FakeClient) EmitDisconnected(reason DisconnectReason, err error) {
	f.emit(DisconnectedEvent{Reason: reason, Err: err})
}

// EmitCredentials emits a credentials-changed event.
func (f *FakeClient) EmitCredentials(blob []byte) { f.emit(CredentialsEvent{Blob: blob}) }

// EmitMessage emits an inbound message event.
func (f *FakeClient) EmitMessage(id, from, content string) {
	f.emit(MessageEvent{ID: id, From: from, Content: content})
}

// FakeDialer hands out FakeClients and records dial attempts.
type FakeDialer struct {
	mu      sync.Mutex
	clients []*FakeClient
	dials   []FakeDial
	dialErr error
}

// FakeDial records one Dial call.
type FakeDial struct {
	DeviceID string
	Creds    []byte
}

// NewFakeDialer returns an empty fake dialer.
func NewFakeDialer() *FakeDialer { return &FakeDialer{} }

func (d *FakeDialer) Dial(ctx context.Context, deviceID string, creds []byte) (Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, FakeDial{DeviceID: deviceID, Creds: creds})
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	c := NewFakeClient()
	d.clients = append(d.clients, c)
	return c, nil
}

// FailDials makes subsequent Dial calls return err.
func (d *FakeDialer) FailDials(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErr = err
}

// Client returns the i-th client handed out, or nil.
func (d *FakeDialer) Client(i int) *FakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.clients) {
		return nil
	}
	return d.clients[i]
}

// DialCount returns the number of Dial calls observed.
func (d *FakeDialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

// Dials returns a copy of all recorded Dial calls.
func (d *FakeDialer) Dials() []FakeDial {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]FakeDial, len(d.dials))
	copy(out, d.dials)
	return out
}
