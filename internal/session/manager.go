// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/loopchat/courier/internal/authstore"
	"github.com/loopchat/courier/internal/log"
	"github.com/loopchat/courier/internal/metrics"
	"github.com/loopchat/courier/internal/pairing"
	"github.com/loopchat/courier/internal/protocol"
	"github.com/loopchat/courier/internal/reconnect"
)

var (
	// ErrNotConnected is returned by Send when the session is not in
	// the Connected state.
	ErrNotConnected = errors.New("session is not connected")
	// ErrInitializationFailed is returned when the protocol handle
	// could not be allocated. The session is terminated.
	ErrInitializationFailed = errors.New("device initialization failed")
	// ErrShuttingDown is returned for operations arriving after the
	// manager began shutdown.
	ErrShuttingDown = errors.New("session manager is shutting down")
)

// MessageHandler receives inbound chat messages. Handlers run on the
// session's event goroutine and must not block.
type MessageHandler func(deviceID string, msg protocol.MessageEvent)

// Config wires the manager's collaborators. All references are
// required except DialTimeout, which defaults to 30s.
type Config struct {
	Registry    *Registry
	Dialer      protocol.Dialer
	Pairing     *pairing.Manager
	Policy      reconnect.Policy
	Scheduler   *reconnect.Scheduler
	Credentials authstore.Store
	DialTimeout time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithMessageHandler registers a collaborator for inbound messages.
func WithMessageHandler(h MessageHandler) Option {
	return func(m *Manager) { m.onMessage = h }
}

// Manager drives every device session: it creates records, pumps
// protocol-client events through the state machine and executes the
// resulting effects. It is the single writer for all session state.
type Manager struct {
	registry    *Registry
	dialer      protocol.Dialer
	pairing     *pairing.Manager
	policy      reconnect.Policy
	sched       *reconnect.Scheduler
	creds       authstore.Store
	dialTimeout time.Duration
	onMessage   MessageHandler
	logger      zerolog.Logger

	mu     sync.Mutex
	closed bool
	locks  map[string]*sync.Mutex
	wg     sync.WaitGroup
}

// NewManager creates a session manager from its collaborators.
func NewManager(cfg Config, opts ...Option) *Manager {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 30 * time.Second
	}
	m := &Manager{
		registry:    cfg.Registry,
		dialer:      cfg.Dialer,
		pairing:     cfg.Pairing,
		policy:      cfg.Policy,
		sched:       cfg.Scheduler,
		creds:       cfg.Credentials,
		dialTimeout: dialTimeout,
		locks:       make(map[string]*sync.Mutex),
		logger:      log.WithComponent("session"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// deviceLock returns the mutex serializing create-or-supersede and
// teardown for one device id. Without it two concurrent Initialize
// calls could both tear down the same predecessor and both dial,
// leaving an orphaned client behind the registry's back.
func (m *Manager) deviceLock(deviceID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[deviceID] = l
	}
	return l
}

// Initialize creates (or supersedes) the session for a device and
// starts its connection. It waits until the session leaves the
// Initializing state or ctx expires, and reports whether a pairing
// step is required.
func (m *Manager) Initialize(ctx context.Context, deviceID, ownerID string) (bool, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false, ErrShuttingDown
	}
	m.mu.Unlock()

	lock := m.deviceLock(deviceID)
	lock.Lock()

	// Explicit supersession: a live predecessor is torn down before
	// the fresh session takes the slot. Never two live sessions for
	// one device id.
	if _, ok := m.registry.Get(deviceID); ok {
		m.logger.Info().
			Str(log.FieldDeviceID, deviceID).
			Str("event", "session.superseded").
			Msg("tearing down existing session before re-initialization")
		if err := m.terminate(ctx, deviceID); err != nil {
			lock.Unlock()
			return false, fmt.Errorf("supersede session for %s: %w", deviceID, err)
		}
	}

	s := newSession(deviceID, ownerID, time.Now())
	m.registry.Put(s)
	metrics.SessionStateGauge.WithLabelValues(string(StateUninitialized)).Inc()

	if err := m.apply(ctx, s, Start{}); err != nil {
		lock.Unlock()
		return false, fmt.Errorf("%w: %v", ErrInitializationFailed, err)
	}
	if s.State() == StateTerminated {
		// The dial effect failed; the record is already removed.
		snap := s.Snapshot()
		lock.Unlock()
		return false, fmt.Errorf("%w: %v", ErrInitializationFailed, snap.LastError)
	}
	lock.Unlock()

	select {
	case <-s.Ready():
	case <-ctx.Done():
		// The connection continues in the background; the caller just
		// does not learn the pairing outcome within its deadline.
		m.logger.Warn().
			Str(log.FieldDeviceID, deviceID).
			Str("event", "session.init_wait_expired").
			Msg("initialization still in flight when caller deadline expired")
		return false, nil
	}
	return s.State() == StateAwaitingPairing, nil
}

// Terminate tears down the device's session. Calling it for an unknown
// or already-terminated device is a no-op.
func (m *Manager) Terminate(ctx context.Context, deviceID string) error {
	lock := m.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()
	return m.terminate(ctx, deviceID)
}

// terminate is Terminate without the device lock; Initialize calls it
// while already holding the lock for its supersession step.
func (m *Manager) terminate(ctx context.Context, deviceID string) error {
	s, ok := m.registry.Get(deviceID)
	if !ok {
		return nil
	}
	if err := m.apply(ctx, s, TerminateRequested{}); err != nil {
		if errors.Is(err, ErrTerminal) {
			return nil
		}
		return err
	}
	return m.apply(ctx, s, TeardownComplete{})
}

// Status returns the observable state of the device's session.
func (m *Manager) Status(deviceID string) (Snapshot, error) {
	s, ok := m.registry.Get(deviceID)
	if !ok {
		return Snapshot{}, ErrSessionNotFound
	}
	return s.Snapshot(), nil
}

// PairingCode returns the device's live pairing artifact, if any.
func (m *Manager) PairingCode(deviceID string) (pairing.Artifact, bool, error) {
	if _, ok := m.registry.Get(deviceID); !ok {
		return pairing.Artifact{}, false, ErrSessionNotFound
	}
	art, ok := m.pairing.Read(deviceID)
	return art, ok, nil
}

// Send delivers a message through the device's connection. Fails with
// ErrNotConnected unless the session is Connected.
func (m *Manager) Send(ctx context.Context, deviceID, to, content string) (string, error) {
	s, ok := m.registry.Get(deviceID)
	if !ok {
		return "", ErrSessionNotFound
	}
	s.mu.Lock()
	state := s.state
	client := s.client
	s.mu.Unlock()
	if state != StateConnected || client == nil {
		return "", fmt.Errorf("%w: state is %s", ErrNotConnected, state)
	}
	return client.Send(ctx, to, content)
}

// ActiveSessions returns the number of live sessions held.
func (m *Manager) ActiveSessions() int {
	return m.registry.Len()
}

// Close terminates all sessions and waits for their event goroutines,
// bounded by ctx.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.sched.Close()
	for _, snap := range m.registry.Snapshots() {
		if err := m.Terminate(ctx, snap.DeviceID); err != nil {
			m.logger.Warn().
				Err(err).
				Str(log.FieldDeviceID, snap.DeviceID).
				Str("event", "session.shutdown_terminate_failed").
				Msg("failed to terminate session during shutdown")
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session drain: %w", ctx.Err())
	}
}

// apply runs one event through the state machine and executes its
// effects. Events and effects for one device are processed to
// completion before the next event for that device is handled.
func (m *Manager) apply(ctx context.Context, s *Session, ev Event) error {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	return m.applyLocked(ctx, s, ev)
}

func (m *Manager) applyLocked(ctx context.Context, s *Session, ev Event) error {
	s.mu.Lock()
	old := s.state
	next, effects, err := Transition(old, ev)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = next
	s.lastTransitionAt = time.Now()
	if next == StateConnected {
		s.lastErr = nil
		s.reconnectAttempts = 0
	}
	s.mu.Unlock()

	if old != next {
		metrics.RecordTransition(string(next))
		metrics.SessionStateGauge.WithLabelValues(string(old)).Dec()
		if next != StateTerminated {
			metrics.SessionStateGauge.WithLabelValues(string(next)).Inc()
		}
		m.logger.Debug().
			Str(log.FieldDeviceID, s.deviceID).
			Str(log.FieldOldState, string(old)).
			Str(log.FieldNewState, string(next)).
			Str("event", "session.transition").
			Msg("session state changed")
	}
	if next != StateInitializing && next != StateUninitialized {
		s.markReady()
	}

	for _, eff := range effects {
		follow, err := m.execute(ctx, s, eff)
		if err != nil {
			m.logger.Error().
				Err(err).
				Str(log.FieldDeviceID, s.deviceID).
				Str("event", "session.effect_failed").
				Msg("session effect failed")
		}
		if follow != nil {
			if err := m.applyLocked(ctx, s, follow); err != nil {
				return err
			}
		}
	}
	return nil
}

// execute performs one effect and optionally returns a follow-up event
// to apply in the same dispatch.
func (m *Manager) execute(ctx context.Context, s *Session, eff Effect) (Event, error) {
	switch e := eff.(type) {
	case StoreArtifact:
		m.pairing.Issue(s.deviceID, e.Code)
		return nil, nil

	case InvalidateArtifact:
		m.pairing.Invalidate(s.deviceID)
		return nil, nil

	case SetIdentity:
		s.mu.Lock()
		s.identity = &Identity{ExternalAddress: e.Address}
		s.mu.Unlock()
		return nil, nil

	case RecordError:
		s.mu.Lock()
		s.lastErr = e.Err
		s.mu.Unlock()
		return nil, nil

	case SaveCredentials:
		if err := m.creds.Save(ctx, s.deviceID, e.Blob); err != nil {
			return nil, fmt.Errorf("persist credentials: %w", err)
		}
		return nil, nil

	case DeleteCredentials:
		if err := m.creds.Delete(ctx, s.deviceID); err != nil {
			return nil, fmt.Errorf("delete credentials: %w", err)
		}
		return nil, nil

	case CloseClient:
		s.mu.Lock()
		client := s.client
		s.client = nil
		s.mu.Unlock()
		if client != nil {
			if err := client.Close(); err != nil {
				return nil, fmt.Errorf("close protocol client: %w", err)
			}
		}
		return nil, nil

	case CancelRetry:
		m.sched.Cancel(s.deviceID)
		return nil, nil

	case RemoveRecord:
		m.registry.Remove(s)
		return nil, nil

	case Redial:
		return m.redial(ctx, s)

	case EvaluateReconnect:
		return m.evaluateReconnect(s, e.Reason), nil
	}
	return nil, fmt.Errorf("unknown effect %T", eff)
}

// redial allocates a fresh protocol handle for the session and starts
// its event pump. Returns DialFailed on allocation failure.
func (m *Manager) redial(ctx context.Context, s *Session) (Event, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	defer cancel()

	blob, err := m.creds.Load(dialCtx, s.deviceID)
	if err != nil && !errors.Is(err, authstore.ErrNotFound) {
		m.logger.Warn().
			Err(err).
			Str(log.FieldDeviceID, s.deviceID).
			Str("event", "session.credentials_load_failed").
			Msg("dialing without stored credentials")
		blob = nil
	}

	client, err := m.dialer.Dial(dialCtx, s.deviceID, blob)
	if err != nil {
		return DialFailed{Err: err}, nil
	}

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	m.wg.Add(1)
	go m.pump(s, client)
	return nil, nil
}

// evaluateReconnect asks the policy for a decision and either schedules
// a cancellable retry or returns the give-up event.
func (m *Manager) evaluateReconnect(s *Session, reason protocol.DisconnectReason) Event {
	s.mu.Lock()
	attempts := s.reconnectAttempts
	s.mu.Unlock()

	decision := m.policy.Decide(reason, attempts)
	if !decision.Retry {
		m.logger.Info().
			Str(log.FieldDeviceID, s.deviceID).
			Str(log.FieldReason, string(reason)).
			Int(log.FieldAttempt, attempts).
			Str("event", "session.reconnect_exhausted").
			Msg("terminating session")
		return RetriesExhausted{LoggedOut: reason == protocol.ReasonLoggedOut}
	}

	s.mu.Lock()
	s.reconnectAttempts++
	attempt := s.reconnectAttempts
	s.mu.Unlock()

	m.logger.Info().
		Str(log.FieldDeviceID, s.deviceID).
		Int(log.FieldAttempt, attempt).
		Dur("delay", decision.Delay).
		Str("event", "session.reconnect_scheduled").
		Msg("scheduling reconnect")

	m.sched.Schedule(s.deviceID, decision.Delay, func() {
		if err := m.apply(context.Background(), s, RetryAuthorized{}); err != nil {
			// The session was terminated while the timer was pending
			// and the cancel raced the firing; the terminal state
			// rejects the retry, which is the intended outcome.
			m.logger.Debug().
				Err(err).
				Str(log.FieldDeviceID, s.deviceID).
				Str("event", "session.reconnect_rejected").
				Msg("reconnect no longer applicable")
		}
	})
	return nil
}

// pump forwards protocol-client events into the state machine until the
// client's event stream closes. A panicking handler is contained here:
// the event-dispatch boundary never takes the process down.
func (m *Manager) pump(s *Session, client protocol.Client) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Interface("panic", r).
				Str(log.FieldDeviceID, s.deviceID).
				Str("event", "session.pump_panic").
				Msg("recovered panic in session event pump")
		}
	}()

	for ev := range client.Events() {
		m.dispatchProtocolEvent(s, client, ev)
	}
}

func (m *Manager) dispatchProtocolEvent(s *Session, client protocol.Client, ev protocol.Event) {
	// Events from a superseded client must not drive the successor
	// session; they are dropped once the session no longer owns the
	// emitting client.
	s.mu.Lock()
	stale := s.client != client
	s.mu.Unlock()

	var sev Event
	switch e := ev.(type) {
	case protocol.PairingCodeEvent:
		sev = PairingIssued{Code: e.Code}
	case protocol.ConnectedEvent:
		sev = Linked{Address: e.Address}
	case protocol.DisconnectedEvent:
		sev = ConnectionLost{Reason: e.Reason, Err: e.Err}
	case protocol.CredentialsEvent:
		sev = CredentialsRotated{Blob: e.Blob}
	case protocol.MessageEvent:
		if stale {
			return
		}
		if m.onMessage != nil {
			m.onMessage(s.deviceID, e)
		}
		return
	default:
		m.logger.Warn().
			Str(log.FieldDeviceID, s.deviceID).
			Str("event", "session.unknown_protocol_event").
			Msgf("dropping unknown protocol event %T", ev)
		return
	}

	if stale {
		m.logger.Debug().
			Str(log.FieldDeviceID, s.deviceID).
			Str("event", "session.stale_event_dropped").
			Msgf("dropping %T from superseded client", ev)
		return
	}

	if err := m.apply(context.Background(), s, sev); err != nil {
		// Protocol clients can emit after the session moved on (e.g.
		// a disconnect arriving during teardown). Log and drop.
		m.logger.Debug().
			Err(err).
			Str(log.FieldDeviceID, s.deviceID).
			Str("event", "session.event_dropped").
			Msgf("dropping %T", sev)
	}
}
