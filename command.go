package binder

import (
	"fmt"

	"github.com/ngrok/binder/internal/proto"
)

// commandKind is the kind of a command queued for userspace. Each kind has
// exactly one BR_* return code, except transactions that carry a security
// context.
type commandKind int

const (
	cmdError commandKind = iota
	cmdTransaction
	cmdOnewayTransaction
	cmdReply
	cmdTransactionComplete
	cmdTransactionPendingFrozen
	cmdIncRefs
	cmdAcquire
	cmdRelease
	cmdDecRefs
	cmdSpawnLooper
	cmdDeadBinder
	cmdClearDeathNotificationDone
	cmdFailedReply
	cmdDeadReply
	cmdFrozenReply
	cmdFrozenBinder
	cmdClearFreezeNotificationDone
)

var commandNames = map[commandKind]string{
	cmdError:                       "error",
	cmdTransaction:                 "transaction",
	cmdOnewayTransaction:           "oneway_transaction",
	cmdReply:                       "reply",
	cmdTransactionComplete:         "transaction_complete",
	cmdTransactionPendingFrozen:    "transaction_pending_frozen",
	cmdIncRefs:                     "increfs",
	cmdAcquire:                     "acquire",
	cmdRelease:                     "release",
	cmdDecRefs:                     "decrefs",
	cmdSpawnLooper:                 "spawn_looper",
	cmdDeadBinder:                  "dead_binder",
	cmdClearDeathNotificationDone:  "clear_death_notification_done",
	cmdFailedReply:                 "failed_reply",
	cmdDeadReply:                   "dead_reply",
	cmdFrozenReply:                 "frozen_reply",
	cmdFrozenBinder:                "frozen_binder",
	cmdClearFreezeNotificationDone: "clear_freeze_notification_done",
}

func (k commandKind) String() string {
	if name, ok := commandNames[k]; ok {
		return name
	}
	return fmt.Sprintf("command(%d)", int(k))
}

// command is one notification queued for userspace.
type command struct {
	kind commandKind
	// errno is the negative errno of a cmdError.
	errno int32
	// local names the object of a refcount command.
	local LocalObject
	// cookie is the userspace cookie of a death or freeze command.
	cookie uint64
	frozen bool
	// txn is the transaction delivered by cmdTransaction,
	// cmdOnewayTransaction and cmdReply.
	txn *transaction
}

func (c command) String() string {
	switch c.kind {
	case cmdError:
		return fmt.Sprintf("error(%d)", c.errno)
	case cmdTransaction, cmdOnewayTransaction, cmdReply:
		return fmt.Sprintf("%s(id=%d code=%d)", c.kind, c.txn.id, c.txn.code)
	case cmdIncRefs, cmdAcquire, cmdRelease, cmdDecRefs:
		return fmt.Sprintf("%s(%#x, %#x)", c.kind, c.local.Ptr, c.local.Cookie)
	case cmdDeadBinder, cmdClearDeathNotificationDone, cmdFrozenBinder, cmdClearFreezeNotificationDone:
		return fmt.Sprintf("%s(cookie=%#x)", c.kind, c.cookie)
	default:
		return c.kind.String()
	}
}

// synchronous reports whether c delivers a call that expects a reply.
func (c command) synchronous() bool {
	return c.kind == cmdTransaction
}

// code returns the BR_* return code c is encoded with.
func (c command) code() uint32 {
	switch c.kind {
	case cmdError:
		return proto.BRError
	case cmdTransaction, cmdOnewayTransaction:
		if c.txn.secctx != 0 {
			return proto.BRTransactionSecCtx
		}
		return proto.BRTransaction
	case cmdReply:
		return proto.BRReply
	case cmdTransactionComplete:
		return proto.BRTransactionComplete
	case cmdTransactionPendingFrozen:
		return proto.BRTransactionPendingFrozen
	case cmdIncRefs:
		return proto.BRIncRefs
	case cmdAcquire:
		return proto.BRAcquire
	case cmdRelease:
		return proto.BRRelease
	case cmdDecRefs:
		return proto.BRDecRefs
	case cmdSpawnLooper:
		return proto.BRSpawnLooper
	case cmdDeadBinder:
		return proto.BRDeadBinder
	case cmdClearDeathNotificationDone:
		return proto.BRClearDeathNotificationDone
	case cmdFailedReply:
		return proto.BRFailedReply
	case cmdDeadReply:
		return proto.BRDeadReply
	case cmdFrozenReply:
		return proto.BRFrozenReply
	case cmdFrozenBinder:
		return proto.BRFrozenBinder
	case cmdClearFreezeNotificationDone:
		return proto.BRClearFreezeNotificationDone
	default:
		panic(fmt.Sprintf("BUG: no return code for %v", c.kind))
	}
}

// size is the number of bytes c occupies in a read buffer.
func (c command) size() uint64 {
	return 4 + uint64(proto.IOCSize(c.code()))
}

// encode serializes c as it appears in a read buffer: the return code
// followed by its payload.
func (c command) encode() []byte {
	code := c.code()
	b := make([]byte, 4, c.size())
	proto.PutUint32(b, code)

	switch c.kind {
	case cmdError:
		p := make([]byte, 4)
		proto.PutUint32(p, uint32(c.errno))
		b = append(b, p...)
	case cmdTransaction, cmdOnewayTransaction, cmdReply:
		td := c.txn.transactionData(c.kind == cmdReply)
		if code == proto.BRTransactionSecCtx {
			b = append(b, (&proto.TransactionDataSecCtx{TransactionData: td, SecCtx: c.txn.secctx}).Marshal()...)
		} else {
			b = append(b, td.Marshal()...)
		}
	case cmdIncRefs, cmdAcquire, cmdRelease, cmdDecRefs:
		pc := c.local.ptrCookie()
		b = append(b, pc.Marshal()...)
	case cmdDeadBinder, cmdClearDeathNotificationDone, cmdClearFreezeNotificationDone:
		p := make([]byte, 8)
		proto.PutUint64(p, c.cookie)
		b = append(b, p...)
	case cmdFrozenBinder:
		info := proto.FrozenStateInfo{Cookie: c.cookie}
		if c.frozen {
			info.IsFrozen = 1
		}
		b = append(b, info.Marshal()...)
	}
	return b
}
