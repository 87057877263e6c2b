package connection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok bool
	}{
		{StateClosed, StateConnecting, true},
		{StateClosed, StateConnected, false},
		{StateConnecting, StateConnected, true},
		{StateConnecting, StateClosed, true},
		{StateConnecting, StateAuthorized, false},
		{StateConnected, StateAuthorized, true},
		{StateConnected, StateLost, true},
		{StateAuthorized, StateConnected, true},
		{StateAuthorized, StateLost, true},
		{StateAuthorized, StateClosed, true},
		{StateLost, StateConnecting, true},
		{StateLost, StateConnected, false},
		{StateLost, StateLost, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStateMachine(t *testing.T) {
	m := NewStateMachine(nil)
	assert.Equal(t, StateClosed, m.State())

	_, err := m.Transition(StateAuthorized)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	prev, err := m.Transition(StateConnecting)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, prev)

	assert.False(t, m.TransitionFrom(StateLost, StateConnected, StateAuthorized), "not connected yet")
	assert.True(t, m.TransitionFrom(StateConnected, StateConnecting))
	assert.True(t, m.TransitionFrom(StateLost, StateConnected, StateAuthorized))
	assert.False(t, m.TransitionFrom(StateLost, StateConnected, StateAuthorized), "loss is reported once")
	assert.Equal(t, "lost", m.State().String())
}
