package binder

import "fmt"

// refState is the state of one of an object's two reference counts as seen
// by its owner. It has the following transitions:
// NoRef      → WaitingAck
// WaitingAck → HasRef
// WaitingAck → NoRef
// HasRef     → NoRef
//
// The owner is told about every NoRef → WaitingAck transition (BR_INCREFS or
// BR_ACQUIRE) and every transition into NoRef that follows an acknowledged
// increment (BR_DECREFS or BR_RELEASE). A decrement is never sent before the
// owner has acknowledged the increment it matches.
type refState string

const (
	// NoRef is the initial state. The owner holds no reference on behalf of
	// the driver.
	refStateNoRef refState = "no-ref"
	// WaitingAck is the state of a count whose increment was sent to the
	// owner but not yet acknowledged. The count may drop to zero meanwhile;
	// the decrement is then sent when the acknowledgement arrives.
	refStateWaitingAck refState = "waiting-ack"
	// HasRef is the state of a count the owner has acknowledged.
	refStateHasRef refState = "has-ref"
)

var validRefTransitions = map[refState][]refState{
	refStateNoRef: []refState{
		refStateWaitingAck,
	},
	refStateWaitingAck: []refState{
		refStateHasRef,
		refStateNoRef,
	},
	refStateHasRef: []refState{
		refStateNoRef,
	},
}

func (s *refState) canTransitionTo(state refState) error {
	for _, target := range validRefTransitions[*s] {
		if target == state {
			return nil
		}
	}
	return fmt.Errorf("unable to transition from %s to %s", *s, state)
}

func (s *refState) transitionTo(state refState) error {
	if err := s.canTransitionTo(state); err != nil {
		return err
	}
	*s = state
	return nil
}

// refEvent is what a refCount operation asks its caller to tell the owner.
type refEvent int

const (
	refEventNone refEvent = iota
	refEventIncrement
	refEventDecrement
)

// refCount is one of an object's strong or weak counts: the number of holds
// other processes have on it, plus the owner-facing state.
type refCount struct {
	state refState
	count int
}

func newRefCount() refCount {
	return refCount{state: refStateNoRef}
}

// pinnedRefCount is a count the owner already holds and that never drops to
// zero while the owner lives, as for the context manager object.
func pinnedRefCount() refCount {
	return refCount{state: refStateHasRef, count: 1}
}

func (r *refCount) mustTransitionTo(state refState) {
	if err := r.state.transitionTo(state); err != nil {
		panic(fmt.Sprintf("BUG: error transitioning to %q: %v", state, err))
	}
}

func (r *refCount) inc() refEvent {
	r.count++
	if r.state == refStateNoRef {
		r.mustTransitionTo(refStateWaitingAck)
		return refEventIncrement
	}
	return refEventNone
}

func (r *refCount) dec() refEvent {
	if r.count == 0 {
		panic("BUG: reference count underflow")
	}
	r.count--
	if r.count == 0 && r.state == refStateHasRef {
		r.mustTransitionTo(refStateNoRef)
		return refEventDecrement
	}
	return refEventNone
}

// ack records the owner's acknowledgement of an increment.
func (r *refCount) ack() (refEvent, error) {
	if r.state != refStateWaitingAck {
		return refEventNone, ErrProtocol
	}
	if r.count > 0 {
		r.mustTransitionTo(refStateHasRef)
		return refEventNone, nil
	}
	r.mustTransitionTo(refStateNoRef)
	return refEventDecrement, nil
}

func (r *refCount) idle() bool {
	return r.count == 0 && r.state == refStateNoRef
}
