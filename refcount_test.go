package binder

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRefCountTransitions(t *testing.T) {
	r := newRefCount()
	require.True(t, r.idle())

	require.Equal(t, refEventIncrement, r.inc())
	require.Equal(t, refStateWaitingAck, r.state)
	require.Equal(t, refEventNone, r.inc(), "only the first increment is sent")

	ev, err := r.ack()
	require.NoError(t, err)
	require.Equal(t, refEventNone, ev)
	require.Equal(t, refStateHasRef, r.state)

	require.Equal(t, refEventNone, r.dec())
	require.Equal(t, refEventDecrement, r.dec())
	require.Equal(t, refStateNoRef, r.state)
	require.True(t, r.idle())
}

func TestRefCountDropBeforeAck(t *testing.T) {
	r := newRefCount()
	r.inc()
	// the count drops while the owner has not answered yet: no decrement
	// can be sent before the acknowledgement
	require.Equal(t, refEventNone, r.dec())
	require.False(t, r.idle())

	ev, err := r.ack()
	require.NoError(t, err)
	require.Equal(t, refEventDecrement, ev)
	require.True(t, r.idle())
}

func TestRefCountUnsolicitedAck(t *testing.T) {
	r := newRefCount()
	_, err := r.ack()
	require.ErrorIs(t, err, ErrProtocol)

	r.inc()
	_, err = r.ack()
	require.NoError(t, err)
	_, err = r.ack()
	require.ErrorIs(t, err, ErrProtocol, "second acknowledgement")
}

func TestRefCountPinned(t *testing.T) {
	r := pinnedRefCount()
	require.Equal(t, refEventNone, r.inc())
	require.Equal(t, refEventNone, r.dec())
	require.False(t, r.idle())
}

func TestRefStateInvalidTransition(t *testing.T) {
	s := refStateNoRef
	require.Error(t, s.transitionTo(refStateHasRef))
	require.Equal(t, refStateNoRef, s)
	require.NoError(t, s.transitionTo(refStateWaitingAck))

	r := refCount{state: refStateNoRef}
	require.Panics(t, func() { r.dec() })
}
