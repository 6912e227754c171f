// SPDX-License-Identifier: MIT

package session

import (
	"errors"
	"sync"

	"github.com/loopchat/courier/internal/metrics"
)

// ErrSessionNotFound is returned when no session exists for a device.
var ErrSessionNotFound = errors.New("session not found")

// Registry is the in-memory session record store: deviceId to its live
// session. It is constructed at process start and injected into every
// component that needs it; there is no ambient global map.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Get returns the session for the device, if one is held.
func (r *Registry) Get(deviceID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[deviceID]
	return s, ok
}

// Put stores the session for its device id. The caller must have torn
// down any predecessor first; Put replaces unconditionally.
func (r *Registry) Put(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.DeviceID()] = s
	metrics.SessionsActive.Set(float64(len(r.sessions)))
}

// Remove drops the device's slot if it currently holds the given
// session. A superseded session cannot evict its successor.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.DeviceID()]; ok && cur == s {
		delete(r.sessions, s.DeviceID())
	}
	metrics.SessionsActive.Set(float64(len(r.sessions)))
}

// Len returns the number of sessions currently held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshots returns point-in-time copies of all held sessions.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}
