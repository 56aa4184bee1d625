package binder

import (
	"context"

	"github.com/pkg/errors"

	"github.com/ngrok/binder/internal/proto"
)

// Ioctl performs request req on behalf of thread tid. arg is the address of
// the request's argument in the process's memory. Only BINDER_WRITE_READ
// blocks, until a command is available or ctx is done.
func (c *Conn) Ioctl(ctx context.Context, tid int32, req uint32, arg uint64) error {
	p := c.p
	t, err := p.thread(tid)
	if err != nil {
		return err
	}

	switch req {
	case proto.IoctlWriteRead:
		return t.writeRead(ctx, arg)
	case proto.SetMaxThreads:
		n, err := readUint32(p.mem, arg)
		if err != nil {
			return err
		}
		p.setMaxThreads(n)
		return nil
	case proto.SetContextMgr:
		return p.setContextManager(LocalObject{}, 0)
	case proto.SetContextMgrExt:
		var fo proto.FlatObject
		if err := readStruct(p.mem, arg, proto.SizeFlatObject, &fo); err != nil {
			return err
		}
		return p.setContextManager(LocalObject{Ptr: fo.Binder, Cookie: fo.Cookie}, fo.Flags)
	case proto.ThreadExit:
		p.threadExit(tid)
		return nil
	case proto.GetVersion:
		b := make([]byte, 4)
		proto.PutUint32(b, proto.CurrentProtocolVersion)
		return writeBytes(p.mem, arg, b)
	case proto.GetNodeInfoForRef:
		var info proto.NodeInfoForRef
		if err := readStruct(p.mem, arg, proto.SizeNodeInfoForRef, &info); err != nil {
			return err
		}
		strong, weak, err := p.nodeInfo(info.Handle)
		if err != nil {
			return err
		}
		info.StrongCount = uint32(strong)
		info.WeakCount = uint32(weak)
		return writeBytes(p.mem, arg, info.Marshal())
	case proto.Freeze:
		var info proto.FreezeInfo
		if err := readStruct(p.mem, arg, proto.SizeFreezeInfo, &info); err != nil {
			return err
		}
		return p.d.Freeze(int32(info.PID), info.Enable != 0, info.TimeoutMs)
	case proto.GetFrozenInfo:
		var info proto.FrozenStatusInfo
		if err := readStruct(p.mem, arg, proto.SizeFrozenStatusInfo, &info); err != nil {
			return err
		}
		st, err := p.d.FrozenStatus(int32(info.PID))
		if err != nil {
			return err
		}
		info.SyncRecv = boolBit(st.SyncReceived) | boolBit(st.SyncPending)<<1
		info.AsyncRecv = boolBit(st.AsyncReceived)
		return writeBytes(p.mem, arg, info.Marshal())
	case proto.EnableOnewaySpamDetection:
		_, err := readUint32(p.mem, arg)
		return err
	default:
		return errors.Wrapf(ErrUnsupported, "ioctl %#x", req)
	}
}

func boolBit(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func readUint32(mem MemoryAccessor, addr uint64) (uint32, error) {
	b, err := readBytes(mem, addr, 4)
	if err != nil {
		return 0, err
	}
	return proto.Uint32(b), nil
}

// writeRead handles BINDER_WRITE_READ. The header is written back with the
// consumed counts even when processing fails part way.
func (t *Thread) writeRead(ctx context.Context, arg uint64) error {
	mem := t.proc.mem
	var wr proto.WriteRead
	if err := readStruct(mem, arg, proto.SizeWriteRead, &wr); err != nil {
		return err
	}

	var err error
	if wr.WriteConsumed < wr.WriteSize {
		err = t.handleWrites(&wr)
	}
	if err == nil && wr.ReadConsumed < wr.ReadSize {
		var n uint64
		n, err = t.read(ctx, wr.ReadBuffer+wr.ReadConsumed, wr.ReadSize-wr.ReadConsumed)
		wr.ReadConsumed += n
	}
	if werr := writeBytes(mem, arg, wr.Marshal()); werr != nil && err == nil {
		err = werr
	}
	return err
}

// handleWrites executes the commands in the write buffer. A command that
// breaks the protocol stops the loop, counts as consumed, and is reported by
// a BR_ERROR on the thread's next read; the ioctl itself succeeds. Only
// failing to read the buffer fails the ioctl.
func (t *Thread) handleWrites(wr *proto.WriteRead) error {
	mem := t.proc.mem
	for wr.WriteConsumed < wr.WriteSize {
		addr := wr.WriteBuffer + wr.WriteConsumed
		remaining := wr.WriteSize - wr.WriteConsumed
		if remaining < 4 {
			wr.WriteConsumed = wr.WriteSize
			t.protocolError(0, errors.Wrap(ErrMalformed, "truncated command"))
			return nil
		}
		codeBytes, err := readBytes(mem, addr, 4)
		if err != nil {
			return err
		}
		code := proto.Uint32(codeBytes)
		size := uint64(proto.IOCSize(code))
		if remaining-4 < size {
			wr.WriteConsumed = wr.WriteSize
			t.protocolError(code, errors.Wrapf(ErrMalformed, "command %#x truncated", code))
			return nil
		}
		payload, err := readBytes(mem, addr+4, size)
		if err != nil {
			return err
		}
		wr.WriteConsumed += 4 + size
		if err := t.handleCommand(code, payload); err != nil {
			t.protocolError(code, err)
			return nil
		}
	}
	return nil
}

func (t *Thread) protocolError(code uint32, err error) {
	t.l.Warn("protocol error", "cmd", code, "err", err)
	t.queue.push(command{kind: cmdError, errno: -int32(ErrnoOf(err))})
}

// handleCommand executes one BC_* command.
func (t *Thread) handleCommand(code uint32, payload []byte) error {
	p := t.proc
	t.l.Debug("command", "cmd", code)

	switch code {
	case proto.BCIncRefs:
		return p.incRef(proto.Uint32(payload), false)
	case proto.BCAcquire:
		return p.incRef(proto.Uint32(payload), true)
	case proto.BCRelease:
		return p.decRef(proto.Uint32(payload), true)
	case proto.BCDecRefs:
		return p.decRef(proto.Uint32(payload), false)
	case proto.BCIncRefsDone, proto.BCAcquireDone:
		var pc proto.PtrCookie
		if err := pc.Unmarshal(payload); err != nil {
			return err
		}
		return p.ackRef(LocalObject{Ptr: pc.Ptr, Cookie: pc.Cookie}, code == proto.BCAcquireDone)
	case proto.BCFreeBuffer:
		return p.freeBuffer(proto.Uint64(payload))
	case proto.BCTransaction, proto.BCReply:
		var td proto.TransactionData
		if err := td.Unmarshal(payload); err != nil {
			return err
		}
		if code == proto.BCReply {
			t.reply(&td, 0)
		} else {
			t.transact(&td, 0)
		}
		return nil
	case proto.BCTransactionSG, proto.BCReplySG:
		var sg proto.TransactionDataSG
		if err := sg.Unmarshal(payload); err != nil {
			return err
		}
		if code == proto.BCReplySG {
			t.reply(&sg.TransactionData, sg.BuffersSize)
		} else {
			t.transact(&sg.TransactionData, sg.BuffersSize)
		}
		return nil
	case proto.BCRegisterLooper:
		return t.registerLooper()
	case proto.BCEnterLooper:
		return t.enterLooper()
	case proto.BCExitLooper:
		t.exitLooper()
		return nil
	case proto.BCRequestDeathNotification, proto.BCClearDeathNotification:
		var hc proto.HandleCookie
		if err := hc.Unmarshal(payload); err != nil {
			return err
		}
		if code == proto.BCClearDeathNotification {
			return t.clearDeath(hc.Handle, hc.Cookie)
		}
		return t.requestDeath(hc.Handle, hc.Cookie)
	case proto.BCDeadBinderDone:
		return t.deadBinderDone(proto.Uint64(payload))
	case proto.BCRequestFreezeNotification, proto.BCClearFreezeNotification:
		var hc proto.HandleCookie
		if err := hc.Unmarshal(payload); err != nil {
			return err
		}
		if code == proto.BCClearFreezeNotification {
			return t.clearFreeze(hc.Handle, hc.Cookie)
		}
		return t.requestFreeze(hc.Handle, hc.Cookie)
	case proto.BCFreezeNotificationDone:
		return t.freezeDone(proto.Uint64(payload))
	case proto.BCAcquireResult, proto.BCAttemptAcquire:
		return errors.Wrapf(ErrUnsupported, "command %#x", code)
	default:
		return errors.Wrapf(ErrUnsupported, "unknown command %#x", code)
	}
}
