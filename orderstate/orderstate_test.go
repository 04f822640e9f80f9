package orderstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHappyPathFullLifecycle(t *testing.T) {
	m := NewMachine()
	assert.Equal(t, StatePendingSubmit, m.State())

	s, err := m.Apply(EventVenueAck)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, s)

	s, err = m.Apply(EventPartialFill)
	require.NoError(t, err)
	assert.Equal(t, StatePartiallyFilled, s)

	s, err = m.Apply(EventFullFill)
	require.NoError(t, err)
	assert.Equal(t, StateFilled, s)
	assert.True(t, s.Terminal())
}

func TestRejectEdgeIsInvalid(t *testing.T) {
	m := NewMachine()
	_, err := m.Apply(EventVenueAck)
	require.NoError(t, err)

	_, err = m.Apply(EventVenueReject)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestDuplicateTerminalNotificationIsNoop(t *testing.T) {
	m := NewMachine()
	_, err := m.Apply(EventVenueAck)
	require.NoError(t, err)
	_, err = m.Apply(EventFullFill)
	require.NoError(t, err)

	s, err := m.Apply(EventFullFill)
	require.NoError(t, err)
	assert.Equal(t, StateFilled, s, "a repeated full_fill notification against an already-FILLED order is a no-op")
}

func TestIllegalEventAgainstTerminalStateIsRejected(t *testing.T) {
	m := NewMachine()
	_, err := m.Apply(EventVenueAck)
	require.NoError(t, err)
	_, err = m.Apply(EventFullFill)
	require.NoError(t, err)

	// cancel_ack never drove this order to FILLED, so this is not a
	// duplicate of anything that actually happened — it must be rejected,
	// not silently absorbed.
	_, err = m.Apply(EventCancelAck)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestNewMachineAtRestoresFromPersistence(t *testing.T) {
	m := NewMachineAt(StateOpen)
	s, err := m.Apply(EventFullFill)
	require.NoError(t, err)
	assert.Equal(t, StateFilled, s)
}
