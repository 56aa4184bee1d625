package binder

import (
	"sync"
	"sync/atomic"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
)

// processKey identifies a process in the driver registry. Keys are never
// reused, so a key held by an object whose owner has closed resolves to
// nothing rather than to a newer process.
type processKey uint64

// freezeState is a process's freeze status and what arrived since it last
// changed.
type freezeState struct {
	frozen    bool
	seenSync  bool
	seenAsync bool
}

// Process is the driver state of one open connection.
type Process struct {
	d         *Driver
	key       processKey
	id        Identity
	l         log15.Logger
	mem       MemoryAccessor
	resources ResourceAccessor

	closed atomic.Bool
	queue  *commandQueue
	pool   threadPool

	mu      sync.Mutex
	mapping *mapping
	handles handleTable
	objects map[LocalObject]*Object
	buffers map[uint64]*transactionBuffer
	threads map[int32]*Thread
	freeze  freezeState

	// noticeMu guards deathsSent and freezesSent, the notices delivered but
	// not yet acknowledged with BC_DEAD_BINDER_DONE or
	// BC_FREEZE_NOTIFICATION_DONE. It is a leaf lock.
	noticeMu    sync.Mutex
	deathsSent  map[uint64]int
	freezesSent map[uint64]int
}

func newProcess(d *Driver, key processKey, opts OpenOptions) *Process {
	resources := opts.Resources
	if resources == nil {
		resources = d.resources
	}
	return &Process{
		d:           d,
		key:         key,
		id:          opts.Identity,
		l:           d.l.New("pid", opts.Identity.PID),
		mem:         opts.Memory,
		resources:   resources,
		queue:       newCommandQueue(),
		handles:     newHandleTable(),
		objects:     make(map[LocalObject]*Object),
		buffers:     make(map[uint64]*transactionBuffer),
		threads:     make(map[int32]*Thread),
		deathsSent:  make(map[uint64]int),
		freezesSent: make(map[uint64]int),
	}
}

// thread returns the thread for tid, creating it on first use.
func (p *Process) thread(tid int32) (*Thread, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return nil, ErrClosed
	}
	t, ok := p.threads[tid]
	if !ok {
		t = newThread(p, tid)
		p.threads[tid] = t
	}
	return t, nil
}

func (p *Process) lookupThread(tid int32) *Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.threads[tid]
}

func (p *Process) threadList() []*Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	threads := make([]*Thread, 0, len(p.threads))
	for _, t := range p.threads {
		threads = append(threads, t)
	}
	return threads
}

func (p *Process) mmap(addr uint64, mem []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mapping != nil {
		return ErrAlreadyMapped
	}
	p.mapping = newMapping(addr, mem)
	p.l.Info("mapped transfer buffer", "addr", addr, "size", len(mem))
	return nil
}

func (p *Process) transferBuffer() (*mapping, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return nil, ErrDeadObject
	}
	if p.mapping == nil {
		return nil, ErrNotMapped
	}
	return p.mapping, nil
}

// enqueueOnProcess delivers c to an idle thread if one is waiting, and to
// the process queue otherwise.
func (p *Process) enqueueOnProcess(c command) {
	p.pool.mu.Lock()
	defer p.pool.mu.Unlock()
	if t := p.pool.takeIdleLocked(); t != nil {
		t.queue.push(c)
		return
	}
	p.queue.push(c)
}

// resolveLocked returns the object a handle names. Handle 0 is the context
// manager.
func (p *Process) resolveLocked(h uint32) (*Object, error) {
	if h == contextManagerHandle {
		obj := p.d.contextManager()
		if obj == nil {
			return nil, ErrNoContextManager
		}
		return obj, nil
	}
	return p.handles.lookup(h)
}

// holdHandle takes a hold on the object behind h. For a strong hold the
// process itself must hold h strongly, as a transaction target must.
func (p *Process) holdHandle(h uint32, strong bool, needStrong bool) (ref, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	obj, err := p.resolveLocked(h)
	if err != nil {
		return ref{}, err
	}
	if needStrong && h != contextManagerHandle {
		e, _ := p.handles.entry(h)
		if e.strong == 0 {
			return ref{}, errors.Wrapf(ErrNoSuchEntry, "handle %d has no strong reference", h)
		}
	}
	return takeRef(obj, strong), nil
}

// objectFor returns the object p owns at local, registering it on first use.
func (p *Process) objectFor(local LocalObject, flags uint32) (*Object, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return nil, ErrDeadObject
	}
	if obj, ok := p.objects[local]; ok {
		return obj, nil
	}
	obj := newObject(p.d, p.key, local, flags)
	p.objects[local] = obj
	return obj, nil
}

// insertHandle adds hold to p's handle table and returns the handle.
func (p *Process) insertHandle(hold ref) (uint32, error) {
	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		releaseNow(hold)
		return 0, ErrDeadObject
	}
	h, actions := p.handles.insertForTransaction(hold)
	p.mu.Unlock()
	actions.apply()
	return h, nil
}

func releaseNow(r ref) {
	var actions refActions
	actions.release(r)
	actions.apply()
}

// incRef handles BC_INCREFS and BC_ACQUIRE.
func (p *Process) incRef(h uint32, strong bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h == contextManagerHandle {
		if p.d.contextManager() == nil {
			return ErrNoContextManager
		}
		return nil
	}
	return p.handles.inc(h, strong)
}

// decRef handles BC_DECREFS and BC_RELEASE.
func (p *Process) decRef(h uint32, strong bool) error {
	p.mu.Lock()
	if h == contextManagerHandle {
		p.mu.Unlock()
		if p.d.contextManager() == nil {
			return ErrNoContextManager
		}
		return nil
	}
	actions, err := p.handles.dec(h, strong)
	p.mu.Unlock()
	actions.apply()
	return err
}

// ackRef handles BC_INCREFS_DONE and BC_ACQUIRE_DONE from the owner.
func (p *Process) ackRef(local LocalObject, strong bool) error {
	p.mu.Lock()
	obj, ok := p.objects[local]
	p.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrProtocol, "no object at %#x", local.Ptr)
	}
	idle, err := obj.ack(strong)
	if err != nil {
		return errors.Wrapf(err, "object %#x: acknowledgement without increment", local.Ptr)
	}
	if idle {
		obj.reap()
	}
	return nil
}

// nodeInfo reports the counts of the object behind h, for
// BINDER_GET_NODE_INFO_FOR_REF.
func (p *Process) nodeInfo(h uint32) (strong, weak int, err error) {
	if cm := p.d.contextManager(); cm == nil || cm.owner != p.key {
		return 0, 0, errors.Wrap(errNotPermitted, "node info is restricted to the context manager")
	}
	p.mu.Lock()
	obj, err := p.handles.lookup(h)
	p.mu.Unlock()
	if err != nil {
		return 0, 0, err
	}
	strong, weak = obj.counts()
	return strong, weak, nil
}

// setContextManager registers the object at local as the context manager.
func (p *Process) setContextManager(local LocalObject, flags uint32) error {
	if err := p.d.security.CheckContextManager(p.id); err != nil {
		return errors.Wrap(errNotPermitted, err.Error())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	obj, ok := p.objects[local]
	if !ok {
		obj = newObject(p.d, p.key, local, flags)
		obj.strong = pinnedRefCount()
		obj.weak = pinnedRefCount()
	}
	if err := p.d.setContextManager(obj); err != nil {
		return err
	}
	obj.mu.Lock()
	obj.pinned = true
	obj.mu.Unlock()
	p.objects[local] = obj
	p.l.Info("registered context manager", "ptr", local.Ptr)
	return nil
}

func (p *Process) recordBuffer(buf *transactionBuffer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return ErrDeadObject
	}
	p.buffers[buf.addr] = buf
	return nil
}

// freeBuffer handles BC_FREE_BUFFER.
func (p *Process) freeBuffer(addr uint64) error {
	p.mu.Lock()
	buf, ok := p.buffers[addr]
	if !ok {
		p.mu.Unlock()
		return errors.Wrapf(ErrInvalidBuffer, "free of %#x", addr)
	}
	delete(p.buffers, addr)
	actions := buf.releaseRefsLocked(p)
	p.mu.Unlock()
	actions.apply()

	iv, err := buf.mapping.release(addr)
	if err != nil {
		return err
	}
	if buf.clear {
		buf.mapping.zero(iv)
	}

	if obj := buf.oneway; obj != nil {
		next, idle := obj.nextOneway()
		if next != nil {
			p.enqueueOnProcess(command{kind: cmdOnewayTransaction, txn: next})
		} else if idle {
			obj.reap()
		}
	}
	return nil
}

// discardBuffer unwinds a buffer that was never delivered: its memory is
// freed, the references taken for it are dropped and the descriptors
// installed for it are closed.
func (p *Process) discardBuffer(buf *transactionBuffer) {
	p.mu.Lock()
	delete(p.buffers, buf.addr)
	actions := buf.releaseRefsLocked(p)
	p.mu.Unlock()
	actions.apply()

	if _, err := buf.mapping.release(buf.addr); err != nil {
		p.l.Error("failed to free discarded buffer", "addr", buf.addr, "err", err)
	}
	p.closeDescriptors(buf)
}

// closeDescriptors closes the descriptors installed in p for buf. It is used
// only for buffers whose command never reached userspace.
func (p *Process) closeDescriptors(buf *transactionBuffer) {
	for _, fd := range buf.fds {
		if err := p.resources.Close(p.id, fd); err != nil {
			p.l.Error("failed to close descriptor of undelivered buffer", "fd", fd, "err", err)
		}
	}
	buf.fds = nil
}

func (p *Process) setMaxThreads(n uint32) {
	p.pool.setMaxThreads(n)
}

// kick wakes every thread blocked in a read.
func (p *Process) kick() {
	for _, t := range p.threadList() {
		t.kick()
	}
}

// threadExit handles BINDER_THREAD_EXIT. Calls the thread was serving or had
// been handed fail with BR_DEAD_REPLY to their senders.
func (p *Process) threadExit(tid int32) {
	p.mu.Lock()
	t, ok := p.threads[tid]
	delete(p.threads, tid)
	p.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	t.exited = true
	roles := t.stack
	t.stack = nil
	t.mu.Unlock()
	p.pool.clearIdle(t)

	for _, r := range roles {
		if r.kind == roleReceiver {
			p.d.failSender(r.peerProc, r.peerTid, r.txID)
		}
	}
	for _, c := range t.queue.drainAll() {
		switch c.kind {
		case cmdTransaction:
			p.d.failSender(c.txn.senderKey, c.txn.sender.TID, c.txn.id)
			p.discardDelivered(c.txn.buf)
		case cmdReply:
			p.discardDelivered(c.txn.buf)
		case cmdOnewayTransaction, cmdIncRefs, cmdAcquire, cmdRelease, cmdDecRefs:
			p.enqueueOnProcess(c)
		}
	}
	t.l.Debug("thread exited")
}

// discardDelivered frees a buffer whose command will never be read.
func (p *Process) discardDelivered(buf *transactionBuffer) {
	if err := p.freeBuffer(buf.addr); err != nil {
		p.l.Warn("failed to free undelivered buffer", "addr", buf.addr, "err", err)
	}
	p.closeDescriptors(buf)
}

// pendingSync reports whether a synchronous call into p is outstanding:
// read by a thread that has not replied, or queued for one.
func (p *Process) pendingSync() bool {
	for _, t := range p.threadList() {
		if t.hasReceiverRole() || t.queue.any(command.synchronous) {
			return true
		}
	}
	return p.queue.any(command.synchronous)
}

// release tears p down. It is idempotent.
func (p *Process) release() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	d := p.d
	d.unregister(p)

	p.mu.Lock()
	objects := make([]*Object, 0, len(p.objects))
	for _, obj := range p.objects {
		objects = append(objects, obj)
	}
	p.objects = make(map[LocalObject]*Object)
	actions := p.handles.releaseAll()
	buffers := p.buffers
	p.buffers = make(map[uint64]*transactionBuffer)
	threads := make([]*Thread, 0, len(p.threads))
	for _, t := range p.threads {
		threads = append(threads, t)
	}
	p.mu.Unlock()

	for _, t := range threads {
		t.w.notify()
	}

	for _, buf := range buffers {
		for _, hold := range buf.holds {
			actions.release(hold)
		}
	}
	actions.apply()

	var notified int
	var undelivered []*transaction
	for _, obj := range objects {
		deaths, queued := obj.markDead()
		undelivered = append(undelivered, queued...)
		for _, s := range deaths {
			if requester := d.lookup(s.proc); requester != nil {
				requester.notifyDeath(s.cookie)
				notified++
			}
		}
	}

	var failed int
	for _, q := range d.processList() {
		for _, t := range q.threadList() {
			if _, ok := t.popSenderTo(p.key); ok {
				t.queue.push(command{kind: cmdDeadReply})
				failed++
			}
		}
	}

	pending := p.queue.drainAll()
	for _, t := range threads {
		pending = append(pending, t.queue.drainAll()...)
	}
	for _, c := range pending {
		if c.txn != nil {
			undelivered = append(undelivered, c.txn)
		}
	}
	for _, txn := range undelivered {
		if txn.buf != nil {
			p.closeDescriptors(txn.buf)
		}
	}
	p.l.Info("process released", "objects", len(objects), "death_notices", notified, "dead_replies", failed)
}
