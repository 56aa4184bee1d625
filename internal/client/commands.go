package client

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/ngrok/binder/internal/proto"
)

// Cmd encodes a command code followed by its payload.
func Cmd(code uint32, payload ...[]byte) []byte {
	b := make([]byte, 4)
	proto.PutUint32(b, code)
	for _, p := range payload {
		b = append(b, p...)
	}
	return b
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	proto.PutUint32(b, v)
	return b
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	proto.PutUint64(b, v)
	return b
}

func EnterLooper() []byte    { return Cmd(proto.BCEnterLooper) }
func RegisterLooper() []byte { return Cmd(proto.BCRegisterLooper) }
func ExitLooper() []byte     { return Cmd(proto.BCExitLooper) }

func FreeBuffer(addr uint64) []byte { return Cmd(proto.BCFreeBuffer, u64(addr)) }

func IncRefs(h uint32) []byte { return Cmd(proto.BCIncRefs, u32(h)) }
func Acquire(h uint32) []byte { return Cmd(proto.BCAcquire, u32(h)) }
func Release(h uint32) []byte { return Cmd(proto.BCRelease, u32(h)) }
func DecRefs(h uint32) []byte { return Cmd(proto.BCDecRefs, u32(h)) }

// IncRefsDone acknowledges BR_INCREFS for the object at ptr, cookie.
func IncRefsDone(ptr, cookie uint64) []byte {
	pc := proto.PtrCookie{Ptr: ptr, Cookie: cookie}
	return Cmd(proto.BCIncRefsDone, pc.Marshal())
}

// AcquireDone acknowledges BR_ACQUIRE for the object at ptr, cookie.
func AcquireDone(ptr, cookie uint64) []byte {
	pc := proto.PtrCookie{Ptr: ptr, Cookie: cookie}
	return Cmd(proto.BCAcquireDone, pc.Marshal())
}

func RequestDeath(h uint32, cookie uint64) []byte {
	hc := proto.HandleCookie{Handle: h, Cookie: cookie}
	return Cmd(proto.BCRequestDeathNotification, hc.Marshal())
}

func ClearDeath(h uint32, cookie uint64) []byte {
	hc := proto.HandleCookie{Handle: h, Cookie: cookie}
	return Cmd(proto.BCClearDeathNotification, hc.Marshal())
}

func DeadBinderDone(cookie uint64) []byte { return Cmd(proto.BCDeadBinderDone, u64(cookie)) }

func RequestFreeze(h uint32, cookie uint64) []byte {
	hc := proto.HandleCookie{Handle: h, Cookie: cookie}
	return Cmd(proto.BCRequestFreezeNotification, hc.Marshal())
}

func ClearFreeze(h uint32, cookie uint64) []byte {
	hc := proto.HandleCookie{Handle: h, Cookie: cookie}
	return Cmd(proto.BCClearFreezeNotification, hc.Marshal())
}

func FreezeDone(cookie uint64) []byte { return Cmd(proto.BCFreezeNotificationDone, u64(cookie)) }

// Binder encodes a local object for embedding in a payload.
func Binder(ptr, cookie uint64, flags uint32) []byte {
	fo := proto.FlatObject{Type: proto.TypeBinder, Flags: flags, Binder: ptr, Cookie: cookie}
	return fo.Marshal()
}

// Handle encodes a strong handle for embedding in a payload.
func Handle(h uint32) []byte {
	fo := proto.FlatObject{Type: proto.TypeHandle, Binder: uint64(h)}
	return fo.Marshal()
}

// Fd encodes a descriptor for embedding in a payload.
func Fd(fd int32) []byte {
	fo := proto.FdObject{Type: proto.TypeFd, Fd: uint32(fd)}
	return fo.Marshal()
}

// Return is one decoded BR_* return.
type Return struct {
	Code uint32
	// Txn is set for BR_TRANSACTION, BR_TRANSACTION_SEC_CTX and BR_REPLY.
	Txn    *proto.TransactionData
	SecCtx uint64
	// Object is set for BR_INCREFS, BR_ACQUIRE, BR_RELEASE and BR_DECREFS.
	Object proto.PtrCookie
	// Cookie is set for death and freeze notices.
	Cookie uint64
	Frozen bool
	// Errno is set for BR_ERROR.
	Errno int32
}

var returnNames = map[uint32]string{
	proto.BRError:                       "BR_ERROR",
	proto.BROK:                          "BR_OK",
	proto.BRTransactionSecCtx:           "BR_TRANSACTION_SEC_CTX",
	proto.BRTransaction:                 "BR_TRANSACTION",
	proto.BRReply:                       "BR_REPLY",
	proto.BRDeadReply:                   "BR_DEAD_REPLY",
	proto.BRTransactionComplete:         "BR_TRANSACTION_COMPLETE",
	proto.BRIncRefs:                     "BR_INCREFS",
	proto.BRAcquire:                     "BR_ACQUIRE",
	proto.BRRelease:                     "BR_RELEASE",
	proto.BRDecRefs:                     "BR_DECREFS",
	proto.BRNoop:                        "BR_NOOP",
	proto.BRSpawnLooper:                 "BR_SPAWN_LOOPER",
	proto.BRDeadBinder:                  "BR_DEAD_BINDER",
	proto.BRClearDeathNotificationDone:  "BR_CLEAR_DEATH_NOTIFICATION_DONE",
	proto.BRFailedReply:                 "BR_FAILED_REPLY",
	proto.BRFrozenReply:                 "BR_FROZEN_REPLY",
	proto.BRTransactionPendingFrozen:    "BR_TRANSACTION_PENDING_FROZEN",
	proto.BRFrozenBinder:                "BR_FROZEN_BINDER",
	proto.BRClearFreezeNotificationDone: "BR_CLEAR_FREEZE_NOTIFICATION_DONE",
}

// ReturnName names a BR_* code.
func ReturnName(code uint32) string {
	if name, ok := returnNames[code]; ok {
		return name
	}
	return fmt.Sprintf("BR(%#x)", code)
}

func (r Return) String() string {
	return ReturnName(r.Code)
}

// ParseReturn decodes the first return in b and reports how many bytes it
// took.
func ParseReturn(b []byte) (Return, int, error) {
	if len(b) < 4 {
		return Return{}, 0, errors.Errorf("return truncated to %d bytes", len(b))
	}
	r := Return{Code: proto.Uint32(b)}
	n := 4 + int(proto.IOCSize(r.Code))
	if len(b) < n {
		return r, 0, errors.Errorf("%s truncated to %d bytes", ReturnName(r.Code), len(b))
	}
	p := b[4:n]

	var err error
	switch r.Code {
	case proto.BRError:
		r.Errno = int32(proto.Uint32(p))
	case proto.BRTransaction, proto.BRReply:
		r.Txn = &proto.TransactionData{}
		err = r.Txn.Unmarshal(p)
	case proto.BRTransactionSecCtx:
		var sc proto.TransactionDataSecCtx
		err = sc.Unmarshal(p)
		r.Txn = &sc.TransactionData
		r.SecCtx = sc.SecCtx
	case proto.BRIncRefs, proto.BRAcquire, proto.BRRelease, proto.BRDecRefs:
		err = r.Object.Unmarshal(p)
	case proto.BRDeadBinder, proto.BRClearDeathNotificationDone, proto.BRClearFreezeNotificationDone:
		r.Cookie = proto.Uint64(p)
	case proto.BRFrozenBinder:
		var info proto.FrozenStateInfo
		err = info.Unmarshal(p)
		r.Cookie = info.Cookie
		r.Frozen = info.IsFrozen != 0
	}
	return r, n, err
}
