package binder

import (
	"sync"

	"github.com/ngrok/binder/internal/proto"
)

// LocalObject is an object's identity in its owning process: the pair of
// addresses userspace registered it with. Ptr is the weak slot
// (flat_binder_object.binder), Cookie the strong slot.
type LocalObject struct {
	Ptr    uint64
	Cookie uint64
}

func (l LocalObject) ptrCookie() proto.PtrCookie {
	return proto.PtrCookie{Ptr: l.Ptr, Cookie: l.Cookie}
}

// subscription is a request by a process to be told about a change to an
// object's owner.
type subscription struct {
	proc   processKey
	cookie uint64
}

// Object is a binder object: an endpoint owned by one process and reachable
// from others through handles.
//
// An object refers to its owner by key, never by pointer. The owner is looked
// up in the driver registry each time it is needed and is absent once it has
// closed.
type Object struct {
	d     *Driver
	owner processKey
	local LocalObject
	flags uint32

	mu     sync.Mutex
	strong refCount
	weak   refCount
	// pinned objects are never reaped. Only the context manager is pinned.
	pinned bool
	// dead is set when the owner closes.
	dead bool

	// oneway holds asynchronous transactions waiting for the one in flight
	// to be freed. draining is set while one is in flight.
	oneway   []*transaction
	draining bool

	deaths  []subscription
	freezes []subscription
}

func newObject(d *Driver, owner processKey, local LocalObject, flags uint32) *Object {
	return &Object{
		d:      d,
		owner:  owner,
		local:  local,
		flags:  flags,
		strong: newRefCount(),
		weak:   newRefCount(),
	}
}

// ownerProcess returns the owning process, or nil if it has closed.
func (o *Object) ownerProcess() *Process {
	return o.d.lookup(o.owner)
}

func (o *Object) acceptsFds() bool {
	return o.flags&proto.FlatFlagAcceptsFds != 0
}

func (o *Object) wantsSecurityContext() bool {
	return o.flags&proto.FlatFlagTxnSecurityCtx != 0
}

// inheritsPriority reports whether a thread serving a synchronous call to o
// runs at the caller's priority.
func (o *Object) inheritsPriority() bool {
	return o.flags&proto.FlatFlagInheritRT != 0 || o.flags&proto.FlatFlagPriorityMask != 0
}

func (o *Object) count(strong bool) *refCount {
	if strong {
		return &o.strong
	}
	return &o.weak
}

// notifyOwnerLocked queues the owner-facing command for ev. It is called with
// o.mu held so that commands for one object reach the owner in the order the
// counts changed.
func (o *Object) notifyOwnerLocked(ev refEvent, strong bool) {
	if ev == refEventNone || o.dead {
		return
	}
	owner := o.ownerProcess()
	if owner == nil {
		return
	}
	var kind commandKind
	switch {
	case ev == refEventIncrement && strong:
		kind = cmdAcquire
	case ev == refEventIncrement:
		kind = cmdIncRefs
	case strong:
		kind = cmdRelease
	default:
		kind = cmdDecRefs
	}
	owner.enqueueOnProcess(command{kind: kind, local: o.local})
}

func (o *Object) incRef(strong bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notifyOwnerLocked(o.count(strong).inc(), strong)
}

// decRef drops a hold and reports whether the object may now be reaped.
func (o *Object) decRef(strong bool) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notifyOwnerLocked(o.count(strong).dec(), strong)
	return o.idleLocked()
}

// ack records the owner's acknowledgement of BR_INCREFS or BR_ACQUIRE.
func (o *Object) ack(strong bool) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ev, err := o.count(strong).ack()
	if err != nil {
		return false, err
	}
	o.notifyOwnerLocked(ev, strong)
	return o.idleLocked(), nil
}

func (o *Object) idleLocked() bool {
	return !o.pinned && !o.draining && len(o.oneway) == 0 && o.strong.idle() && o.weak.idle()
}

func (o *Object) counts() (strong, weak int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.strong.count, o.weak.count
}

// reap removes o from its owner's object table if it is still idle.
func (o *Object) reap() {
	owner := o.ownerProcess()
	if owner == nil {
		return
	}
	owner.mu.Lock()
	defer owner.mu.Unlock()
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.idleLocked() {
		return
	}
	if owner.objects[o.local] == o {
		delete(owner.objects, o.local)
	}
}

// enqueueOneway schedules an asynchronous transaction on o. It returns true
// if txn should be delivered now; otherwise it was queued behind the one in
// flight.
func (o *Object) enqueueOneway(txn *transaction) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.draining {
		o.oneway = append(o.oneway, txn)
		return false
	}
	o.draining = true
	return true
}

// nextOneway is called when the in-flight asynchronous transaction's buffer
// is freed. It returns the next transaction to deliver, if any, and whether
// the object may now be reaped.
func (o *Object) nextOneway() (*transaction, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.oneway) == 0 {
		o.draining = false
		return nil, o.idleLocked()
	}
	next := o.oneway[0]
	o.oneway[0] = nil
	o.oneway = o.oneway[1:]
	return next, false
}

// markDead is called by the owner on close. It returns the death
// subscriptions and queued asynchronous transactions, which are dropped.
func (o *Object) markDead() ([]subscription, []*transaction) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dead = true
	o.pinned = false
	deaths, queued := o.deaths, o.oneway
	o.deaths, o.oneway, o.freezes = nil, nil, nil
	o.draining = false
	return deaths, queued
}

// subscribeDeath records a death subscription. It returns false if the owner
// is already dead, in which case nothing was recorded.
func (o *Object) subscribeDeath(s subscription) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.dead {
		return false
	}
	o.deaths = append(o.deaths, s)
	return true
}

func (o *Object) unsubscribeDeath(s subscription) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	var ok bool
	o.deaths, ok = removeSubscription(o.deaths, s)
	return ok || o.dead
}

func (o *Object) unsubscribeFreeze(s subscription) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	var ok bool
	o.freezes, ok = removeSubscription(o.freezes, s)
	return ok
}

func (o *Object) freezeSubscribers() []subscription {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]subscription(nil), o.freezes...)
}

func removeSubscription(subs []subscription, s subscription) ([]subscription, bool) {
	for i, sub := range subs {
		if sub == s {
			return append(subs[:i], subs[i+1:]...), true
		}
	}
	return subs, false
}
