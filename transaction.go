package binder

import (
	"github.com/pkg/errors"

	"github.com/ngrok/binder/internal/proto"
)

// deliverableFlags are the transaction flags passed on to the receiver.
const deliverableFlags = proto.FlagOneway | proto.FlagAcceptFds | proto.FlagClearBuf | proto.FlagStatusCode

// transaction is one call or reply in flight.
type transaction struct {
	id        uint64
	code      uint32
	flags     uint32
	sender    Identity
	senderKey processKey
	// target is the called object, nil for replies.
	target   *Object
	buf      *transactionBuffer
	secctx   uint64
	priority Priority
}

func (txn *transaction) oneway() bool {
	return txn.flags&proto.FlagOneway != 0
}

func (txn *transaction) acceptsFds() bool {
	return txn.flags&proto.FlagAcceptFds != 0
}

// transactionData is the record userspace reads for txn.
func (txn *transaction) transactionData(reply bool) proto.TransactionData {
	td := proto.TransactionData{
		Code:        txn.code,
		Flags:       txn.flags,
		SenderEUID:  txn.sender.EUID,
		DataSize:    txn.buf.layout.dataSize,
		OffsetsSize: txn.buf.layout.offsetsSize,
		DataBuffer:  txn.buf.addr,
		DataOffsets: txn.buf.addr + txn.buf.layout.offsetsOff,
	}
	if !reply {
		td.Target = txn.target.local.Ptr
		td.Cookie = txn.target.local.Cookie
	}
	if !txn.oneway() {
		td.SenderPID = txn.sender.PID
	}
	return td
}

// handleRef is a reference a buffer owns in its process's handle table.
type handleRef struct {
	handle uint32
	strong bool
}

// transactionBuffer is a block of a process's transfer buffer holding one
// delivered transaction, and what its translation acquired on the
// receiver's behalf.
type transactionBuffer struct {
	mapping *mapping
	addr    uint64
	layout  bufferLayout

	handles []handleRef
	holds   []ref
	fds     []int32

	// oneway is the object whose asynchronous queue this buffer blocks.
	oneway *Object
	clear  bool
	txn    *transaction
}

// releaseRefsLocked drops the references the buffer holds. It is called with
// the owning process's mutex held; the returned batch is applied after.
func (b *transactionBuffer) releaseRefsLocked(p *Process) refActions {
	var actions refActions
	for _, h := range b.handles {
		a, err := p.handles.dec(h.handle, h.strong)
		if err != nil {
			// userspace already dropped it
			continue
		}
		actions.merge(a)
	}
	b.handles = nil
	for _, hold := range b.holds {
		actions.release(hold)
	}
	b.holds = nil
	return actions
}

// fail delivers a transaction failure to t.
func (t *Thread) fail(te *TransactionError) {
	t.l.Debug("transaction failed", "kind", te.Kind, "err", te.Err)
	t.proc.d.metrics.failure(te.Kind)
	t.queue.push(te.returnCommand())
}

// transact handles BC_TRANSACTION and BC_TRANSACTION_SG.
func (t *Thread) transact(td *proto.TransactionData, buffersSize uint64) {
	if te := t.submit(td, buffersSize); te != nil {
		t.fail(te)
	}
}

func (t *Thread) submit(td *proto.TransactionData, buffersSize uint64) *TransactionError {
	p := t.proc
	d := p.d
	oneway := td.Flags&proto.FlagOneway != 0

	hold, err := p.holdHandle(td.Handle(), true, true)
	if err != nil {
		return unreachable(errors.Wrapf(err, "target handle %d", td.Handle()))
	}
	defer releaseNow(hold)

	obj := hold.obj
	owner := obj.ownerProcess()
	if owner == nil {
		return deadTarget(errors.Wrapf(ErrDeadObject, "target handle %d", td.Handle()))
	}
	if err := d.security.CheckTransaction(t.identity(), owner.id); err != nil {
		return unreachable(errors.Wrap(errNotPermitted, err.Error()))
	}
	frozen := owner.checkFrozen(oneway)
	if frozen && !oneway {
		return frozenTarget(errors.Errorf("pid %d is frozen", owner.id.PID))
	}

	txn := &transaction{
		id:        d.nextTransactionID(),
		code:      td.Code,
		flags:     td.Flags & deliverableFlags,
		sender:    t.identity(),
		senderKey: p.key,
		target:    obj,
		priority:  d.scheduler.Priority(t.tid),
	}

	var secctx string
	if obj.wantsSecurityContext() {
		secctx, err = d.security.SecurityContext(t.identity())
		if err != nil {
			return unreachable(errors.Wrap(err, "security context"))
		}
	}

	var pinned *Thread
	if !oneway {
		if tid := t.pinnedTarget(owner.key); tid != 0 {
			pinned = owner.lookupThread(tid)
		}
	}

	buf, te := d.translate(t, owner, td, buffersSize, secctx, obj.acceptsFds())
	if te != nil {
		return te
	}
	buf.txn = txn
	buf.clear = td.Flags&proto.FlagClearBuf != 0
	txn.buf = buf
	if secctx != "" {
		txn.secctx = buf.addr + buf.layout.secctxOff
	}
	if oneway {
		buf.oneway = obj
	}

	if !oneway {
		role := transactionRole{
			kind:       roleSender,
			txID:       txn.id,
			targetProc: owner.key,
			start:      d.clock.Now(),
		}
		if pinned != nil {
			role.targetTid = pinned.tid
		}
		t.pushRole(role)
	}
	if err := owner.recordBuffer(buf); err != nil {
		if !oneway {
			t.popSender(txn.id)
		}
		buf.oneway = nil
		owner.discardBuffer(buf)
		return deadTarget(err)
	}

	if oneway {
		if frozen {
			t.queue.push(command{kind: cmdTransactionPendingFrozen})
		} else {
			t.queue.push(command{kind: cmdTransactionComplete})
		}
		if obj.enqueueOneway(txn) {
			owner.enqueueOnProcess(command{kind: cmdOnewayTransaction, txn: txn})
		}
		d.metrics.transaction("oneway")
	} else {
		t.queue.push(command{kind: cmdTransactionComplete})
		c := command{kind: cmdTransaction, txn: txn}
		if pinned != nil {
			pinned.queue.push(c)
		} else {
			owner.enqueueOnProcess(c)
		}
		d.metrics.transaction("sync")
	}
	t.l.Debug("transaction submitted", "id", txn.id, "code", txn.code, "oneway", oneway, "to", owner.id.PID)
	return nil
}

// reply handles BC_REPLY and BC_REPLY_SG.
func (t *Thread) reply(td *proto.TransactionData, buffersSize uint64) {
	if te := t.submitReply(td, buffersSize); te != nil {
		t.fail(te)
	}
}

func (t *Thread) submitReply(td *proto.TransactionData, buffersSize uint64) *TransactionError {
	p := t.proc
	d := p.d

	role, ok := t.popReceiver()
	if !ok {
		return unreachable(errors.Wrap(ErrProtocol, "reply without a transaction to answer"))
	}
	t.restorePriority(role.restore)

	peer := d.lookup(role.peerProc)
	if peer == nil {
		return deadTarget(errors.Wrap(ErrDeadObject, "caller is gone"))
	}
	peerThread := peer.lookupThread(role.peerTid)
	if peerThread == nil {
		return deadTarget(errors.Wrapf(ErrDeadObject, "caller thread %d is gone", role.peerTid))
	}

	txn := &transaction{
		id:        role.txID,
		code:      td.Code,
		flags:     td.Flags & deliverableFlags &^ proto.FlagOneway,
		sender:    t.identity(),
		senderKey: p.key,
	}
	buf, te := d.translate(t, peer, td, buffersSize, "", role.acceptFds)
	if te != nil {
		if _, ok := peerThread.popSender(role.txID); ok {
			peerThread.queue.push(command{kind: cmdFailedReply})
		}
		return te
	}
	buf.txn = txn
	buf.clear = td.Flags&proto.FlagClearBuf != 0
	txn.buf = buf

	sender, ok := peerThread.popSender(role.txID)
	if !ok {
		peer.discardBuffer(buf)
		return deadTarget(errors.Wrap(ErrDeadObject, "caller stopped waiting"))
	}
	if err := peer.recordBuffer(buf); err != nil {
		peer.discardBuffer(buf)
		return deadTarget(err)
	}

	t.queue.push(command{kind: cmdTransactionComplete})
	peerThread.queue.push(command{kind: cmdReply, txn: txn})
	d.metrics.transaction("reply")
	d.metrics.roundTrip(d.clock.Since(sender.start))
	t.l.Debug("reply submitted", "id", txn.id, "to", peer.id.PID)
	return nil
}

// failSender delivers BR_DEAD_REPLY to the thread waiting on txID, if it is
// still waiting.
func (d *Driver) failSender(key processKey, tid int32, txID uint64) {
	peer := d.lookup(key)
	if peer == nil {
		return
	}
	t := peer.lookupThread(tid)
	if t == nil {
		return
	}
	if _, ok := t.popSender(txID); ok {
		t.queue.push(command{kind: cmdDeadReply})
	}
}
