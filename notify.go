package binder

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var errNoSuchProcess = newErrno(unix.EINVAL, "no such process")

func (p *Process) resolve(h uint32) (*Object, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resolveLocked(h)
}

// notifyDeath queues BR_DEAD_BINDER for cookie on p.
func (p *Process) notifyDeath(cookie uint64) {
	p.noticeMu.Lock()
	p.deathsSent[cookie]++
	p.noticeMu.Unlock()
	p.enqueueOnProcess(command{kind: cmdDeadBinder, cookie: cookie})
	p.d.metrics.deathNotice()
}

// notifyFrozen queues BR_FROZEN_BINDER for cookie on p.
func (p *Process) notifyFrozen(cookie uint64, frozen bool) {
	p.noticeMu.Lock()
	p.freezesSent[cookie]++
	p.noticeMu.Unlock()
	p.enqueueOnProcess(command{kind: cmdFrozenBinder, cookie: cookie, frozen: frozen})
}

func ackNotice(sent map[uint64]int, cookie uint64) bool {
	if sent[cookie] == 0 {
		return false
	}
	sent[cookie]--
	if sent[cookie] == 0 {
		delete(sent, cookie)
	}
	return true
}

// requestDeath handles BC_REQUEST_DEATH_NOTIFICATION.
func (t *Thread) requestDeath(h uint32, cookie uint64) error {
	p := t.proc
	obj, err := p.resolve(h)
	if err != nil {
		return err
	}
	if !obj.subscribeDeath(subscription{proc: p.key, cookie: cookie}) {
		p.notifyDeath(cookie)
	}
	return nil
}

// clearDeath handles BC_CLEAR_DEATH_NOTIFICATION.
func (t *Thread) clearDeath(h uint32, cookie uint64) error {
	p := t.proc
	obj, err := p.resolve(h)
	if err != nil {
		return err
	}
	if !obj.unsubscribeDeath(subscription{proc: p.key, cookie: cookie}) {
		return errors.Wrapf(ErrProtocol, "handle %d: no death notification for cookie %#x", h, cookie)
	}
	t.queue.push(command{kind: cmdClearDeathNotificationDone, cookie: cookie})
	return nil
}

// deadBinderDone handles BC_DEAD_BINDER_DONE.
func (t *Thread) deadBinderDone(cookie uint64) error {
	p := t.proc
	p.noticeMu.Lock()
	defer p.noticeMu.Unlock()
	if !ackNotice(p.deathsSent, cookie) {
		return errors.Wrapf(ErrProtocol, "no death notice outstanding for cookie %#x", cookie)
	}
	return nil
}

// requestFreeze handles BC_REQUEST_FREEZE_NOTIFICATION. The subscriber is
// told the owner's current state right away.
func (t *Thread) requestFreeze(h uint32, cookie uint64) error {
	p := t.proc
	obj, err := p.resolve(h)
	if err != nil {
		return err
	}
	owner := obj.ownerProcess()
	if owner == nil {
		return errors.Wrapf(ErrDeadObject, "handle %d", h)
	}

	s := subscription{proc: p.key, cookie: cookie}
	owner.mu.Lock()
	defer owner.mu.Unlock()
	obj.mu.Lock()
	for _, sub := range obj.freezes {
		if sub == s {
			obj.mu.Unlock()
			return errors.Wrapf(ErrProtocol, "handle %d: duplicate freeze notification for cookie %#x", h, cookie)
		}
	}
	obj.freezes = append(obj.freezes, s)
	obj.mu.Unlock()
	p.notifyFrozen(cookie, owner.freeze.frozen)
	return nil
}

// clearFreeze handles BC_CLEAR_FREEZE_NOTIFICATION.
func (t *Thread) clearFreeze(h uint32, cookie uint64) error {
	p := t.proc
	obj, err := p.resolve(h)
	if err != nil {
		return err
	}
	if !obj.unsubscribeFreeze(subscription{proc: p.key, cookie: cookie}) {
		return errors.Wrapf(ErrProtocol, "handle %d: no freeze notification for cookie %#x", h, cookie)
	}
	t.queue.push(command{kind: cmdClearFreezeNotificationDone, cookie: cookie})
	return nil
}

// freezeDone handles BC_FREEZE_NOTIFICATION_DONE.
func (t *Thread) freezeDone(cookie uint64) error {
	p := t.proc
	p.noticeMu.Lock()
	defer p.noticeMu.Unlock()
	if !ackNotice(p.freezesSent, cookie) {
		return errors.Wrapf(ErrProtocol, "no freeze notice outstanding for cookie %#x", cookie)
	}
	return nil
}

// setFrozen changes p's freeze state and tells subscribers. Changing state
// forgets which calls arrived while frozen.
func (p *Process) setFrozen(frozen bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.freeze.frozen == frozen {
		return false
	}
	p.freeze = freezeState{frozen: frozen}
	for _, obj := range p.objects {
		for _, s := range obj.freezeSubscribers() {
			if requester := p.d.lookup(s.proc); requester != nil {
				requester.notifyFrozen(s.cookie, frozen)
			}
		}
	}
	p.l.Info("freeze state changed", "frozen", frozen)
	return true
}

// checkFrozen reports whether p is frozen, recording that a call arrived.
func (p *Process) checkFrozen(oneway bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.freeze.frozen {
		return false
	}
	if oneway {
		p.freeze.seenAsync = true
	} else {
		p.freeze.seenSync = true
	}
	return true
}

// Freeze freezes or thaws every process opened with pid. Freezing fails with
// EAGAIN while a synchronous call into one of them is outstanding. The
// timeout is accepted for compatibility; a busy process is never waited for.
func (d *Driver) Freeze(pid int32, enable bool, timeoutMs uint32) error {
	procs := d.processesByPID(pid)
	if len(procs) == 0 {
		return errors.Wrapf(errNoSuchProcess, "pid %d", pid)
	}
	if enable {
		for _, p := range procs {
			if p.pendingSync() {
				return errors.Wrapf(ErrBusy, "pid %d", pid)
			}
		}
	}
	for _, p := range procs {
		p.setFrozen(enable)
	}
	d.l.Info("freeze", "pid", pid, "enable", enable, "timeout_ms", timeoutMs)
	return nil
}

// FrozenStatus is the answer to BINDER_GET_FROZEN_INFO.
type FrozenStatus struct {
	// SyncReceived is set if a synchronous call arrived since the last
	// freeze state change.
	SyncReceived bool
	// SyncPending is set if a synchronous call into the process is still
	// outstanding.
	SyncPending bool
	// AsyncReceived is set if an asynchronous call arrived since the last
	// freeze state change.
	AsyncReceived bool
}

// FrozenStatus reports what reached the processes opened with pid.
func (d *Driver) FrozenStatus(pid int32) (FrozenStatus, error) {
	procs := d.processesByPID(pid)
	if len(procs) == 0 {
		return FrozenStatus{}, errors.Wrapf(errNoSuchProcess, "pid %d", pid)
	}
	var st FrozenStatus
	for _, p := range procs {
		p.mu.Lock()
		f := p.freeze
		p.mu.Unlock()
		st.SyncReceived = st.SyncReceived || f.seenSync
		st.AsyncReceived = st.AsyncReceived || f.seenAsync
		st.SyncPending = st.SyncPending || p.pendingSync()
	}
	return st, nil
}
