package binder

import (
	"context"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
)

// looperState is a thread's registration with its process's thread pool.
type looperState int

const (
	looperNone looperState = iota
	// looperRegistered is an auxiliary thread spawned at the driver's request.
	looperRegistered
	// looperEntered is a thread that joined the pool on its own.
	looperEntered
	looperExited
)

type roleKind int

const (
	// roleSender is pushed by a thread that sent a synchronous call and is
	// waiting for the reply.
	roleSender roleKind = iota
	// roleReceiver is pushed by a thread that read a synchronous call and
	// owes a reply.
	roleReceiver
)

// transactionRole is one entry of a thread's transaction stack.
type transactionRole struct {
	kind roleKind
	txID uint64

	// Sender fields: the process the call went to, and the thread it was
	// pinned to or 0.
	targetProc processKey
	targetTid  int32
	start      time.Time

	// Receiver fields: the thread waiting for the reply.
	peerProc  processKey
	peerTid   int32
	acceptFds bool
	restore   *Priority
}

// Thread is a userspace thread that has talked to the driver.
type Thread struct {
	tid   int32
	proc  *Process
	l     log15.Logger
	queue *commandQueue
	w     *waiter

	mu          sync.Mutex
	looper      looperState
	stack       []transactionRole
	interrupted bool
	kicked      bool
	waiting     bool
	exited      bool
}

func newThread(p *Process, tid int32) *Thread {
	return &Thread{
		tid:   tid,
		proc:  p,
		l:     p.l.New("tid", tid),
		queue: newCommandQueue(),
		w:     newWaiter(),
	}
}

func (t *Thread) identity() Identity {
	id := t.proc.id
	id.TID = t.tid
	return id
}

// availableForProcessWorkLocked reports whether t may take commands from the
// process queue: it must have joined the pool and have no open transaction.
func (t *Thread) availableForProcessWorkLocked() bool {
	return len(t.stack) == 0 && (t.looper == looperRegistered || t.looper == looperEntered)
}

func (t *Thread) pushRole(r transactionRole) {
	t.mu.Lock()
	t.stack = append(t.stack, r)
	t.mu.Unlock()
}

// popReceiver pops the top of the stack, which must be a receiver role.
func (t *Thread) popReceiver() (transactionRole, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.stack)
	if n == 0 || t.stack[n-1].kind != roleReceiver {
		return transactionRole{}, false
	}
	r := t.stack[n-1]
	t.stack = t.stack[:n-1]
	return r, true
}

// popSender removes the sender role for txID.
func (t *Thread) popSender(txID uint64) (transactionRole, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeRoleLocked(func(r transactionRole) bool {
		return r.kind == roleSender && r.txID == txID
	})
}

// popSenderTo removes the topmost sender role whose call went to the given
// process.
func (t *Thread) popSenderTo(target processKey) (transactionRole, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeRoleLocked(func(r transactionRole) bool {
		return r.kind == roleSender && r.targetProc == target
	})
}

func (t *Thread) removeRoleLocked(match func(transactionRole) bool) (transactionRole, bool) {
	for i := len(t.stack) - 1; i >= 0; i-- {
		if match(t.stack[i]) {
			r := t.stack[i]
			t.stack = append(t.stack[:i], t.stack[i+1:]...)
			return r, true
		}
	}
	return transactionRole{}, false
}

// pinnedTarget returns the thread of target that t should deliver a
// synchronous call to: the one waiting on the call t is serving, if it came
// from target.
func (t *Thread) pinnedTarget(target processKey) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.stack) - 1; i >= 0; i-- {
		r := t.stack[i]
		if r.kind == roleReceiver && r.peerProc == target {
			return r.peerTid
		}
	}
	return 0
}

func (t *Thread) stackDepth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.stack)
}

func (t *Thread) hasReceiverRole() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.stack {
		if r.kind == roleReceiver {
			return true
		}
	}
	return false
}

func (t *Thread) interrupt() {
	t.mu.Lock()
	t.interrupted = true
	t.mu.Unlock()
	t.w.notify()
}

// kick wakes t if it is blocked in a read. The read returns no command.
func (t *Thread) kick() {
	t.mu.Lock()
	if t.waiting {
		t.kicked = true
	}
	t.mu.Unlock()
	t.w.notify()
}

// nextCommand blocks until a command is available for t. A nil queue with a
// nil error means t was kicked. Spawn requests come from no queue either and
// are told apart by their kind.
func (t *Thread) nextCommand(ctx context.Context) (command, *commandQueue, error) {
	p := t.proc
	for {
		if p.closed.Load() {
			return command{}, nil, ErrClosed
		}

		t.mu.Lock()
		if t.interrupted {
			t.interrupted = false
			t.mu.Unlock()
			return command{}, nil, ErrInterrupted
		}
		if t.kicked {
			t.kicked = false
			t.mu.Unlock()
			return command{}, nil, nil
		}
		if c, ok := t.queue.pop(); ok {
			t.mu.Unlock()
			return c, t.queue, nil
		}
		useProc := t.availableForProcessWorkLocked()
		if useProc {
			if c, ok := p.queue.pop(); ok {
				t.mu.Unlock()
				return c, p.queue, nil
			}
			if p.pool.requestSpawn() {
				t.mu.Unlock()
				return command{kind: cmdSpawnLooper}, nil, nil
			}
		}

		t.w.drain()
		t.queue.register(t.w)
		if useProc {
			p.queue.register(t.w)
			p.pool.markIdle(t)
		}
		t.waiting = true
		t.mu.Unlock()

		ready := p.closed.Load() || !t.queue.empty() || (useProc && !p.queue.empty())
		if !ready {
			select {
			case <-t.w.c:
			case <-ctx.Done():
			}
		}

		t.mu.Lock()
		t.waiting = false
		t.mu.Unlock()
		t.queue.unregister(t.w)
		if useProc {
			p.queue.unregister(t.w)
			p.pool.clearIdle(t)
		}
		if ctx.Err() != nil {
			return command{}, nil, errors.Wrap(ErrInterrupted, ctx.Err().Error())
		}
	}
}

// read delivers at most one command into the read buffer at addr, returning
// the number of bytes written.
func (t *Thread) read(ctx context.Context, addr, size uint64) (uint64, error) {
	p := t.proc
	c, from, err := t.nextCommand(ctx)
	if err != nil {
		return 0, err
	}
	if from == nil && c.kind != cmdSpawnLooper {
		return 0, nil
	}
	requeue := func() {
		if from != nil {
			from.pushFront(c)
		} else {
			p.pool.cancelSpawn()
		}
	}

	if c.size() > size {
		requeue()
		return 0, errors.Wrapf(ErrInvalidBuffer, "read buffer of %d bytes cannot hold %v", size, c)
	}

	var restore *Priority
	if c.synchronous() {
		restore = t.inheritPriority(c.txn)
		t.pushRole(transactionRole{
			kind:      roleReceiver,
			txID:      c.txn.id,
			peerProc:  c.txn.senderKey,
			peerTid:   c.txn.sender.TID,
			acceptFds: c.txn.acceptsFds(),
			restore:   restore,
		})
	}

	if err := writeBytes(p.mem, addr, c.encode()); err != nil {
		if c.synchronous() {
			t.popReceiver()
			t.restorePriority(restore)
		}
		requeue()
		return 0, err
	}

	p.d.metrics.command(c.kind)
	t.l.Debug("delivered command", "cmd", c)
	return c.size(), nil
}

// inheritPriority runs t at the sender's priority if the target object asks
// for it, returning the priority to restore on reply.
func (t *Thread) inheritPriority(txn *transaction) *Priority {
	if txn.target == nil || !txn.target.inheritsPriority() {
		return nil
	}
	sched := t.proc.d.scheduler
	old := sched.Priority(t.tid)
	if old == txn.priority {
		return nil
	}
	if err := sched.SetPriority(t.tid, txn.priority); err != nil {
		t.l.Warn("failed to inherit caller priority", "err", err)
		return nil
	}
	return &old
}

func (t *Thread) restorePriority(p *Priority) {
	if p == nil {
		return
	}
	if err := t.proc.d.scheduler.SetPriority(t.tid, *p); err != nil {
		t.l.Warn("failed to restore priority", "err", err)
	}
}

func (t *Thread) enterLooper() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.looper != looperNone {
		return errors.Wrapf(ErrProtocol, "thread %d entered looper twice", t.tid)
	}
	t.looper = looperEntered
	return nil
}

func (t *Thread) registerLooper() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.looper != looperNone {
		return errors.Wrapf(ErrProtocol, "thread %d registered twice", t.tid)
	}
	if !t.proc.pool.registerSpawned() {
		return errors.Wrapf(ErrProtocol, "thread %d registered without a spawn request", t.tid)
	}
	t.looper = looperRegistered
	return nil
}

func (t *Thread) exitLooper() {
	t.mu.Lock()
	t.looper = looperExited
	t.mu.Unlock()
	t.proc.pool.clearIdle(t)
}

// threadPool tracks which threads can take process work and how many more
// the driver may ask userspace to start.
type threadPool struct {
	mu         sync.Mutex
	maxThreads uint32
	// requested threads have been asked for with BR_SPAWN_LOOPER but not
	// yet registered; started ones have registered.
	requested uint32
	started   uint32
	idle      []*Thread
}

func (tp *threadPool) setMaxThreads(n uint32) {
	tp.mu.Lock()
	tp.maxThreads = n
	tp.mu.Unlock()
}

// requestSpawn decides whether a reader that found no work should ask
// userspace for another thread.
func (tp *threadPool) requestSpawn() bool {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if len(tp.idle) > 0 || tp.requested > 0 || tp.started+tp.requested >= tp.maxThreads {
		return false
	}
	tp.requested++
	return true
}

func (tp *threadPool) cancelSpawn() {
	tp.mu.Lock()
	if tp.requested > 0 {
		tp.requested--
	}
	tp.mu.Unlock()
}

func (tp *threadPool) registerSpawned() bool {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.requested == 0 {
		return false
	}
	tp.requested--
	tp.started++
	return true
}

func (tp *threadPool) markIdle(t *Thread) {
	tp.mu.Lock()
	tp.idle = append(tp.idle, t)
	tp.mu.Unlock()
}

func (tp *threadPool) clearIdle(t *Thread) {
	tp.mu.Lock()
	tp.removeIdleLocked(t)
	tp.mu.Unlock()
}

func (tp *threadPool) removeIdleLocked(t *Thread) {
	for i, it := range tp.idle {
		if it == t {
			tp.idle = append(tp.idle[:i], tp.idle[i+1:]...)
			return
		}
	}
}

// takeIdleLocked removes and returns the longest-waiting idle thread.
func (tp *threadPool) takeIdleLocked() *Thread {
	if len(tp.idle) == 0 {
		return nil
	}
	t := tp.idle[0]
	tp.idle = tp.idle[1:]
	return t
}
