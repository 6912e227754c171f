// SPDX-License-Identifier: MIT

// Package pairing owns the short-lived pairing artifacts (scannable
// codes) that bind a device to its external account. Each device has at
// most one live artifact; issuing a new one replaces the old one, and
// expiry is checked lazily at read time.
package pairing

import (
	"sync"
	"time"

	"github.com/loopchat/courier/internal/metrics"
)

// clock abstracts time operations for testability.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Artifact is one issued pairing payload with its validity window.
type Artifact struct {
	Payload   []byte
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Manager issues, reads and invalidates pairing artifacts. Safe for
// concurrent use.
type Manager struct {
	mu        sync.Mutex
	artifacts map[string]Artifact
	ttl       time.Duration
	clock     clock
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects a clock, used by tests to control expiry.
func WithClock(c clock) Option {
	return func(m *Manager) { m.clock = c }
}

// NewManager creates a pairing manager with the given artifact TTL.
func NewManager(ttl time.Duration, opts ...Option) *Manager {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	m := &Manager{
		artifacts: make(map[string]Artifact),
		ttl:       ttl,
		clock:     realClock{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Issue stores a fresh artifact for the device, replacing any prior one.
func (m *Manager) Issue(deviceID string, payload []byte) Artifact {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	art := Artifact{
		Payload:   payload,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.ttl),
	}
	m.artifacts[deviceID] = art
	metrics.PairingIssuedTotal.Inc()
	return art
}

// Read returns the device's artifact if one exists and has not expired.
// An expired artifact is reported as absent but left in place so the
// caller can decide to trigger a re-issue.
func (m *Manager) Read(deviceID string) (Artifact, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	art, ok := m.artifacts[deviceID]
	if !ok {
		return Artifact{}, false
	}
	if !m.clock.Now().Before(art.ExpiresAt) {
		metrics.PairingExpiredReadsTotal.Inc()
		return Artifact{}, false
	}
	return art, true
}

// Invalidate clears the device's artifact. Called when the session
// reaches Connected or Terminated. Safe to call when none exists.
func (m *Manager) Invalidate(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.artifacts, deviceID)
}
