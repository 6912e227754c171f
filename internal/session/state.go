// SPDX-License-Identifier: MIT

package session

import (
	"errors"
	"fmt"

	"github.com/loopchat/courier/internal/protocol"
)

// State represents the lifecycle state of one device session.
type State string

const (
	StateUninitialized   State = "uninitialized"
	StateInitializing    State = "initializing"
	StateAwaitingPairing State = "awaiting_pairing"
	StateConnected       State = "connected"
	StateDisconnecting   State = "disconnecting"
	StateDisconnected    State = "disconnected"
	StateTerminated      State = "terminated"
)

var (
	// ErrIllegalTransition is returned when an event is not legal in
	// the session's current state.
	ErrIllegalTransition = errors.New("illegal session transition")
	// ErrTerminal is returned for any event applied to a terminated
	// session. Terminated is absorbing.
	ErrTerminal = errors.New("session is terminated")
)

// Event is an input to the session state machine. Events are derived
// from protocol-client notifications, reconnect decisions and facade
// commands; they are the only way session state changes.
type Event interface {
	isSessionEvent()
}

// Start begins the session lifecycle for a freshly created record.
type Start struct{}

// PairingIssued carries a fresh pairing payload from the protocol client.
type PairingIssued struct{ Code []byte }

// Linked signals that the device is authenticated and online.
type Linked struct{ Address string }

// ConnectionLost signals loss of the protocol connection.
type ConnectionLost struct {
	Reason protocol.DisconnectReason
	Err    error
}

// CredentialsRotated carries an updated credential blob to persist.
type CredentialsRotated struct{ Blob []byte }

// RetryAuthorized re-enters the connecting path after a transient
// disconnect. Only the reconnect controller issues it.
type RetryAuthorized struct{}

// RetriesExhausted terminates a disconnected session whose retry budget
// is spent, or whose disconnect was a remote logout.
type RetriesExhausted struct{ LoggedOut bool }

// DialFailed reports that protocol handle allocation failed.
type DialFailed struct{ Err error }

// TerminateRequested begins explicit teardown.
type TerminateRequested struct{}

// TeardownComplete finishes explicit teardown.
type TeardownComplete struct{}

func (Start) isSessionEvent()              {}
func (PairingIssued) isSessionEvent()      {}
func (Linked) isSessionEvent()             {}
func (ConnectionLost) isSessionEvent()     {}
func (CredentialsRotated) isSessionEvent() {}
func (RetryAuthorized) isSessionEvent()    {}
func (RetriesExhausted) isSessionEvent()   {}
func (DialFailed) isSessionEvent()         {}
func (TerminateRequested) isSessionEvent() {}
func (TeardownComplete) isSessionEvent()   {}

// Effect is a side effect the caller must execute after a transition is
// applied. The transition function itself never touches the outside
// world, which keeps the state machine testable without a live
// protocol connection.
type Effect interface {
	isEffect()
}

// StoreArtifact replaces the device's pairing artifact.
type StoreArtifact struct{ Code []byte }

// InvalidateArtifact clears the device's pairing artifact.
type InvalidateArtifact struct{}

// SetIdentity records the device's external messaging address.
type SetIdentity struct{ Address string }

// SaveCredentials persists an opaque credential blob.
type SaveCredentials struct{ Blob []byte }

// DeleteCredentials removes the device's stored credentials.
type DeleteCredentials struct{}

// RecordError stores the structured error on the session record.
type RecordError struct{ Err error }

// EvaluateReconnect asks the reconnect controller for a decision.
type EvaluateReconnect struct {
	Reason protocol.DisconnectReason
}

// CancelRetry stops any pending reconnect timer for the device.
type CancelRetry struct{}

// CloseClient releases the protocol handle.
type CloseClient struct{}

// Redial allocates a fresh protocol handle.
type Redial struct{}

// RemoveRecord drops the device from the session registry.
type RemoveRecord struct{}

func (StoreArtifact) isEffect()      {}
func (InvalidateArtifact) isEffect() {}
func (SetIdentity) isEffect()        {}
func (SaveCredentials) isEffect()    {}
func (DeleteCredentials) isEffect()  {}
func (RecordError) isEffect()        {}
func (EvaluateReconnect) isEffect()  {}
func (CancelRetry) isEffect()        {}
func (CloseClient) isEffect()        {}
func (Redial) isEffect()             {}
func (RemoveRecord) isEffect()       {}

// Transition computes the next state and the effects to execute for an
// event arriving in the given state. It is pure: callers apply the new
// state and run the effects under the session's single-writer lock.
func Transition(s State, ev Event) (State, []Effect, error) {
	if s == StateTerminated {
		return s, nil, ErrTerminal
	}

	// Explicit teardown is legal from every non-terminal state.
	if _, ok := ev.(TerminateRequested); ok {
		return StateDisconnecting, []Effect{
			CancelRetry{},
			CloseClient{},
			InvalidateArtifact{},
		}, nil
	}

	switch e := ev.(type) {
	case Start:
		if s == StateUninitialized {
			return StateInitializing, []Effect{Redial{}}, nil
		}

	case CredentialsRotated:
		// Credential rotation can arrive in any live state and does
		// not move the machine.
		return s, []Effect{SaveCredentials{Blob: e.Blob}}, nil

	case PairingIssued:
		if s == StateInitializing || s == StateAwaitingPairing {
			// A re-issue atomically replaces the previous artifact.
			return StateAwaitingPairing, []Effect{StoreArtifact{Code: e.Code}}, nil
		}

	case Linked:
		if s == StateInitializing || s == StateAwaitingPairing {
			return StateConnected, []Effect{
				InvalidateArtifact{},
				SetIdentity{Address: e.Address},
			}, nil
		}

	case ConnectionLost:
		if s == StateInitializing || s == StateAwaitingPairing || s == StateConnected {
			return StateDisconnected, []Effect{
				CloseClient{},
				RecordError{Err: e.Err},
				EvaluateReconnect{Reason: e.Reason},
			}, nil
		}

	case RetryAuthorized:
		if s == StateDisconnected {
			return StateInitializing, []Effect{Redial{}}, nil
		}

	case RetriesExhausted:
		if s == StateDisconnected {
			effects := []Effect{InvalidateArtifact{}, CloseClient{}}
			if e.LoggedOut {
				effects = append(effects, DeleteCredentials{})
			}
			return StateTerminated, append(effects, RemoveRecord{}), nil
		}

	case DialFailed:
		if s == StateInitializing {
			return StateTerminated, []Effect{
				RecordError{Err: e.Err},
				InvalidateArtifact{},
				RemoveRecord{},
			}, nil
		}

	case TeardownComplete:
		if s == StateDisconnecting {
			return StateTerminated, []Effect{RemoveRecord{}}, nil
		}
	}

	return s, nil, fmt.Errorf("%w: %T in %s", ErrIllegalTransition, ev, s)
}
