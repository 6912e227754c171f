// SPDX-License-Identifier: MIT

// Package reconnect decides the fate of a disconnected session and owns
// the cancellable timers that schedule retries. The controller never
// reconnects itself; it only authorizes the session manager to re-enter
// the connecting path, preserving single-writer discipline per device.
package reconnect

import (
	"sync"
	"time"

	"github.com/loopchat/courier/internal/metrics"
	"github.com/loopchat/courier/internal/protocol"
)

// Decision is the outcome of a disconnect evaluation.
type Decision struct {
	// Retry is true when the session may attempt another connect after
	// Delay. False means the session must terminate.
	Retry bool
	Delay time.Duration
}

// Policy evaluates disconnects against the retry budget. The delay is a
// fixed configurable constant; attempts are bounded by MaxAttempts.
type Policy struct {
	Delay       time.Duration
	MaxAttempts int
}

// Decide returns the decision for a disconnect with the given
// classification, given the number of retries already spent.
func (p Policy) Decide(reason protocol.DisconnectReason, attempts int) Decision {
	if reason == protocol.ReasonLoggedOut {
		metrics.ReconnectsTotal.WithLabelValues("give_up").Inc()
		return Decision{}
	}
	if attempts >= p.MaxAttempts {
		metrics.ReconnectsTotal.WithLabelValues("give_up").Inc()
		return Decision{}
	}
	metrics.ReconnectsTotal.WithLabelValues("retry").Inc()
	return Decision{Retry: true, Delay: p.Delay}
}

// Scheduler runs delayed retry callbacks, at most one per device. Every
// scheduled retry is cancellable so that terminating a device reliably
// prevents a stale timer from resurrecting its session.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewScheduler returns an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{timers: make(map[string]*time.Timer)}
}

// Schedule arranges for fn to run after delay, replacing any retry
// already pending for the device. fn runs on the timer goroutine.
func (s *Scheduler) Schedule(deviceID string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.timers[deviceID]; ok {
		t.Stop()
	}
	s.timers[deviceID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, deviceID)
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		fn()
	})
}

// Cancel stops any pending retry for the device. Reports whether a
// timer was actually pending.
func (s *Scheduler) Cancel(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[deviceID]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.timers, deviceID)
	return true
}

// Pending returns the number of retries currently scheduled.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close cancels all pending retries and rejects new ones.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
