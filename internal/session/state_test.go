// SPDX-License-Identifier: MIT

package session

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopchat/courier/internal/protocol"
)

func TestTransition_HappyPathWithPairing(t *testing.T) {
	st, effects, err := Transition(StateUninitialized, Start{})
	require.NoError(t, err)
	assert.Equal(t, StateInitializing, st)
	require.Len(t, effects, 1)
	assert.IsType(t, Redial{}, effects[0])

	st, effects, err = Transition(st, PairingIssued{Code: []byte("qr-1")})
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingPairing, st)
	require.Len(t, effects, 1)
	assert.Equal(t, StoreArtifact{Code: []byte("qr-1")}, effects[0])

	st, effects, err = Transition(st, Linked{Address: "d1@net"})
	require.NoError(t, err)
	assert.Equal(t, StateConnected, st)
	assert.Contains(t, effects, InvalidateArtifact{})
	assert.Contains(t, effects, SetIdentity{Address: "d1@net"})
}

func TestTransition_ConnectWithoutPairing(t *testing.T) {
	// Stored credentials skip the pairing step entirely.
	st, _, err := Transition(StateInitializing, Linked{Address: "d1@net"})
	require.NoError(t, err)
	assert.Equal(t, StateConnected, st)
}

func TestTransition_PairingReissueReplaces(t *testing.T) {
	st, effects, err := Transition(StateAwaitingPairing, PairingIssued{Code: []byte("qr-2")})
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingPairing, st)
	require.Len(t, effects, 1)
	assert.Equal(t, StoreArtifact{Code: []byte("qr-2")}, effects[0])
}

func TestTransition_DisconnectEvaluatesReconnect(t *testing.T) {
	cause := errors.New("stream reset")
	st, effects, err := Transition(StateConnected, ConnectionLost{
		Reason: protocol.ReasonTransient,
		Err:    cause,
	})
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, st)
	assert.Contains(t, effects, CloseClient{})
	assert.Contains(t, effects, RecordError{Err: cause})
	assert.Contains(t, effects, EvaluateReconnect{Reason: protocol.ReasonTransient})
}

func TestTransition_RetryAuthorizedRedials(t *testing.T) {
	st, effects, err := Transition(StateDisconnected, RetryAuthorized{})
	require.NoError(t, err)
	assert.Equal(t, StateInitializing, st)
	assert.Contains(t, effects, Redial{})
}

func TestTransition_ExhaustedLoggedOutDeletesCredentials(t *testing.T) {
	st, effects, err := Transition(StateDisconnected, RetriesExhausted{LoggedOut: true})
	require.NoError(t, err)
	assert.Equal(t, StateTerminated, st)
	assert.Contains(t, effects, DeleteCredentials{})
	assert.Contains(t, effects, RemoveRecord{})
}

func TestTransition_ExhaustedTransientKeepsCredentials(t *testing.T) {
	st, effects, err := Transition(StateDisconnected, RetriesExhausted{})
	require.NoError(t, err)
	assert.Equal(t, StateTerminated, st)
	assert.NotContains(t, effects, DeleteCredentials{})
}

func TestTransition_DialFailureTerminates(t *testing.T) {
	cause := errors.New("no route")
	st, effects, err := Transition(StateInitializing, DialFailed{Err: cause})
	require.NoError(t, err)
	assert.Equal(t, StateTerminated, st)
	assert.Contains(t, effects, RecordError{Err: cause})
	assert.Contains(t, effects, RemoveRecord{})
}

func TestTransition_TerminateFromEveryLiveState(t *testing.T) {
	for _, st := range []State{
		StateUninitialized,
		StateInitializing,
		StateAwaitingPairing,
		StateConnected,
		StateDisconnecting,
		StateDisconnected,
	} {
		next, effects, err := Transition(st, TerminateRequested{})
		require.NoError(t, err, "from %s", st)
		assert.Equal(t, StateDisconnecting, next, "from %s", st)
		assert.Contains(t, effects, CancelRetry{}, "from %s", st)
		assert.Contains(t, effects, CloseClient{}, "from %s", st)
	}

	next, effects, err := Transition(StateDisconnecting, TeardownComplete{})
	require.NoError(t, err)
	assert.Equal(t, StateTerminated, next)
	assert.Contains(t, effects, RemoveRecord{})
}

func TestTransition_TerminatedIsAbsorbing(t *testing.T) {
	for _, ev := range []Event{
		Start{},
		PairingIssued{},
		Linked{},
		ConnectionLost{},
		CredentialsRotated{},
		RetryAuthorized{},
		RetriesExhausted{},
		TerminateRequested{},
		TeardownComplete{},
	} {
		st, effects, err := Transition(StateTerminated, ev)
		assert.ErrorIs(t, err, ErrTerminal, "%T", ev)
		assert.Equal(t, StateTerminated, st)
		assert.Empty(t, effects)
	}
}

func TestTransition_IllegalCombinationsRejected(t *testing.T) {
	cases := []struct {
		state State
		event Event
	}{
		{StateUninitialized, PairingIssued{}},
		{StateUninitialized, Linked{}},
		{StateConnected, Start{}},
		{StateConnected, RetryAuthorized{}},
		{StateConnected, PairingIssued{}},
		{StateInitializing, RetriesExhausted{}},
		{StateDisconnected, Linked{}},
		{StateAwaitingPairing, TeardownComplete{}},
	}
	for _, tc := range cases {
		st, _, err := Transition(tc.state, tc.event)
		assert.ErrorIs(t, err, ErrIllegalTransition, "%T in %s", tc.event, tc.state)
		assert.Equal(t, tc.state, st, "state must not move on rejection")
	}
}

func TestTransition_CredentialRotationDoesNotMoveState(t *testing.T) {
	for _, st := range []State{StateInitializing, StateAwaitingPairing, StateConnected} {
		next, effects, err := Transition(st, CredentialsRotated{Blob: []byte("blob")})
		require.NoError(t, err)
		assert.Equal(t, st, next)
		assert.Contains(t, effects, SaveCredentials{Blob: []byte("blob")})
	}
}
