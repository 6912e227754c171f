// SPDX-License-Identifier: MIT

// Package session holds the per-device session records, the state
// machine that governs their lifecycle and the manager that drives it
// from protocol-client events. All mutations of a session go through
// the transition function under the session's own lock: one writer per
// device at any time.
package session

import (
	"sync"
	"time"

	"github.com/loopchat/courier/internal/protocol"
)

// Identity is the device's external messaging identity, known once the
// session reaches Connected.
type Identity struct {
	ExternalAddress string
}

// Session is the record for one device. Fields are guarded by mu; the
// manager is the only writer.
type Session struct {
	// dispatchMu serializes event processing: an event and all of its
	// effects complete before the next event for this device is
	// handled. mu guards field access only and is never held across
	// blocking calls.
	dispatchMu sync.Mutex
	mu         sync.Mutex

	deviceID string
	ownerID  string

	state             State
	client            protocol.Client
	identity          *Identity
	lastErr           error
	reconnectAttempts int

	createdAt        time.Time
	lastTransitionAt time.Time

	// ready is closed the first time the session leaves Initializing,
	// letting the initialize call report whether pairing is required.
	ready     chan struct{}
	readyOnce sync.Once
}

func newSession(deviceID, ownerID string, now time.Time) *Session {
	return &Session{
		deviceID:  deviceID,
		ownerID:   ownerID,
		state:     StateUninitialized,
		createdAt: now,
		ready:     make(chan struct{}),
	}
}

// DeviceID returns the stable external key of the session.
func (s *Session) DeviceID() string { return s.deviceID }

// OwnerID returns the opaque owning-account reference.
func (s *Session) OwnerID() string { return s.ownerID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot is a point-in-time copy of the observable session fields.
type Snapshot struct {
	DeviceID          string
	OwnerID           string
	State             State
	Identity          *Identity
	LastError         error
	ReconnectAttempts int
	CreatedAt         time.Time
	LastTransitionAt  time.Time
}

// Snapshot returns a copy of the session's observable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ident *Identity
	if s.identity != nil {
		i := *s.identity
		ident = &i
	}
	return Snapshot{
		DeviceID:          s.deviceID,
		OwnerID:           s.ownerID,
		State:             s.state,
		Identity:          ident,
		LastError:         s.lastErr,
		ReconnectAttempts: s.reconnectAttempts,
		CreatedAt:         s.createdAt,
		LastTransitionAt:  s.lastTransitionAt,
	}
}

func (s *Session) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// Ready returns a channel closed once the session has left the
// Initializing state for the first time.
func (s *Session) Ready() <-chan struct{} { return s.ready }
