package proto

// ioctl request encoding, as in asm-generic/ioctl.h.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

// IOCSize extracts the payload size encoded in an ioctl request, command or
// return code.
func IOCSize(code uint32) uint32 {
	return (code >> iocSizeShift) & 0x3fff
}

// CurrentProtocolVersion is the only protocol version the driver speaks.
const CurrentProtocolVersion = 8

// Device ioctl requests.
const (
	IoctlWriteRead            uint32 = (iocRead|iocWrite)<<iocDirShift | SizeWriteRead<<iocSizeShift | 'b'<<iocTypeShift | 1
	SetMaxThreads             uint32 = iocWrite<<iocDirShift | 4<<iocSizeShift | 'b'<<iocTypeShift | 5
	SetContextMgr             uint32 = iocWrite<<iocDirShift | 4<<iocSizeShift | 'b'<<iocTypeShift | 7
	ThreadExit                uint32 = iocWrite<<iocDirShift | 4<<iocSizeShift | 'b'<<iocTypeShift | 8
	GetVersion                uint32 = (iocRead|iocWrite)<<iocDirShift | 4<<iocSizeShift | 'b'<<iocTypeShift | 9
	GetNodeInfoForRef         uint32 = (iocRead|iocWrite)<<iocDirShift | SizeNodeInfoForRef<<iocSizeShift | 'b'<<iocTypeShift | 12
	SetContextMgrExt          uint32 = iocWrite<<iocDirShift | SizeFlatObject<<iocSizeShift | 'b'<<iocTypeShift | 13
	Freeze                    uint32 = iocWrite<<iocDirShift | SizeFreezeInfo<<iocSizeShift | 'b'<<iocTypeShift | 14
	GetFrozenInfo             uint32 = (iocRead|iocWrite)<<iocDirShift | SizeFrozenStatusInfo<<iocSizeShift | 'b'<<iocTypeShift | 15
	EnableOnewaySpamDetection uint32 = iocWrite<<iocDirShift | 4<<iocSizeShift | 'b'<<iocTypeShift | 16
)

// Commands written by userspace.
const (
	BCTransaction                 uint32 = iocWrite<<iocDirShift | SizeTransactionData<<iocSizeShift | 'c'<<iocTypeShift | 0
	BCReply                       uint32 = iocWrite<<iocDirShift | SizeTransactionData<<iocSizeShift | 'c'<<iocTypeShift | 1
	BCAcquireResult               uint32 = iocWrite<<iocDirShift | 4<<iocSizeShift | 'c'<<iocTypeShift | 2
	BCFreeBuffer                  uint32 = iocWrite<<iocDirShift | 8<<iocSizeShift | 'c'<<iocTypeShift | 3
	BCIncRefs                     uint32 = iocWrite<<iocDirShift | 4<<iocSizeShift | 'c'<<iocTypeShift | 4
	BCAcquire                     uint32 = iocWrite<<iocDirShift | 4<<iocSizeShift | 'c'<<iocTypeShift | 5
	BCRelease                     uint32 = iocWrite<<iocDirShift | 4<<iocSizeShift | 'c'<<iocTypeShift | 6
	BCDecRefs                     uint32 = iocWrite<<iocDirShift | 4<<iocSizeShift | 'c'<<iocTypeShift | 7
	BCIncRefsDone                 uint32 = iocWrite<<iocDirShift | SizePtrCookie<<iocSizeShift | 'c'<<iocTypeShift | 8
	BCAcquireDone                 uint32 = iocWrite<<iocDirShift | SizePtrCookie<<iocSizeShift | 'c'<<iocTypeShift | 9
	BCAttemptAcquire              uint32 = iocWrite<<iocDirShift | 8<<iocSizeShift | 'c'<<iocTypeShift | 10
	BCRegisterLooper              uint32 = iocNone<<iocDirShift | 'c'<<iocTypeShift | 11
	BCEnterLooper                 uint32 = iocNone<<iocDirShift | 'c'<<iocTypeShift | 12
	BCExitLooper                  uint32 = iocNone<<iocDirShift | 'c'<<iocTypeShift | 13
	BCRequestDeathNotification    uint32 = iocWrite<<iocDirShift | SizeHandleCookie<<iocSizeShift | 'c'<<iocTypeShift | 14
	BCClearDeathNotification      uint32 = iocWrite<<iocDirShift | SizeHandleCookie<<iocSizeShift | 'c'<<iocTypeShift | 15
	BCDeadBinderDone              uint32 = iocWrite<<iocDirShift | 8<<iocSizeShift | 'c'<<iocTypeShift | 16
	BCTransactionSG               uint32 = iocWrite<<iocDirShift | SizeTransactionDataSG<<iocSizeShift | 'c'<<iocTypeShift | 17
	BCReplySG                     uint32 = iocWrite<<iocDirShift | SizeTransactionDataSG<<iocSizeShift | 'c'<<iocTypeShift | 18
	BCRequestFreezeNotification   uint32 = iocWrite<<iocDirShift | SizeHandleCookie<<iocSizeShift | 'c'<<iocTypeShift | 19
	BCClearFreezeNotification     uint32 = iocWrite<<iocDirShift | SizeHandleCookie<<iocSizeShift | 'c'<<iocTypeShift | 20
	BCFreezeNotificationDone      uint32 = iocWrite<<iocDirShift | 8<<iocSizeShift | 'c'<<iocTypeShift | 21
)

// Returns read by userspace.
const (
	BRError                       uint32 = iocRead<<iocDirShift | 4<<iocSizeShift | 'r'<<iocTypeShift | 0
	BROK                          uint32 = iocNone<<iocDirShift | 'r'<<iocTypeShift | 1
	BRTransactionSecCtx           uint32 = iocRead<<iocDirShift | SizeTransactionDataSecCtx<<iocSizeShift | 'r'<<iocTypeShift | 2
	BRTransaction                 uint32 = iocRead<<iocDirShift | SizeTransactionData<<iocSizeShift | 'r'<<iocTypeShift | 2
	BRReply                       uint32 = iocRead<<iocDirShift | SizeTransactionData<<iocSizeShift | 'r'<<iocTypeShift | 3
	BRAcquireResult               uint32 = iocRead<<iocDirShift | 4<<iocSizeShift | 'r'<<iocTypeShift | 4
	BRDeadReply                   uint32 = iocNone<<iocDirShift | 'r'<<iocTypeShift | 5
	BRTransactionComplete         uint32 = iocNone<<iocDirShift | 'r'<<iocTypeShift | 6
	BRIncRefs                     uint32 = iocRead<<iocDirShift | SizePtrCookie<<iocSizeShift | 'r'<<iocTypeShift | 7
	BRAcquire                     uint32 = iocRead<<iocDirShift | SizePtrCookie<<iocSizeShift | 'r'<<iocTypeShift | 8
	BRRelease                     uint32 = iocRead<<iocDirShift | SizePtrCookie<<iocSizeShift | 'r'<<iocTypeShift | 9
	BRDecRefs                     uint32 = iocRead<<iocDirShift | SizePtrCookie<<iocSizeShift | 'r'<<iocTypeShift | 10
	BRNoop                        uint32 = iocNone<<iocDirShift | 'r'<<iocTypeShift | 12
	BRSpawnLooper                 uint32 = iocNone<<iocDirShift | 'r'<<iocTypeShift | 13
	BRFinished                    uint32 = iocNone<<iocDirShift | 'r'<<iocTypeShift | 14
	BRDeadBinder                  uint32 = iocRead<<iocDirShift | 8<<iocSizeShift | 'r'<<iocTypeShift | 15
	BRClearDeathNotificationDone  uint32 = iocRead<<iocDirShift | 8<<iocSizeShift | 'r'<<iocTypeShift | 16
	BRFailedReply                 uint32 = iocNone<<iocDirShift | 'r'<<iocTypeShift | 17
	BRFrozenReply                 uint32 = iocNone<<iocDirShift | 'r'<<iocTypeShift | 18
	BROnewaySpamSuspect           uint32 = iocNone<<iocDirShift | 'r'<<iocTypeShift | 19
	BRTransactionPendingFrozen    uint32 = iocNone<<iocDirShift | 'r'<<iocTypeShift | 20
	BRFrozenBinder                uint32 = iocRead<<iocDirShift | SizeFrozenStateInfo<<iocSizeShift | 'r'<<iocTypeShift | 21
	BRClearFreezeNotificationDone uint32 = iocRead<<iocDirShift | 8<<iocSizeShift | 'r'<<iocTypeShift | 22
)

// Transaction flags.
const (
	FlagOneway     uint32 = 0x01
	FlagRootObject uint32 = 0x04
	FlagStatusCode uint32 = 0x08
	FlagAcceptFds  uint32 = 0x10
	FlagClearBuf   uint32 = 0x20
	FlagUpdateTxn  uint32 = 0x40
)

// Flat binder object flags.
const (
	FlatFlagPriorityMask    uint32 = 0xff
	FlatFlagAcceptsFds      uint32 = 0x100
	FlatFlagSchedPolicyMask uint32 = 0x600
	FlatFlagInheritRT       uint32 = 0x800
	FlatFlagTxnSecurityCtx  uint32 = 0x1000
)

// BufferFlagHasParent marks a scatter-gather buffer whose address must be
// patched into a previously translated parent buffer.
const BufferFlagHasParent uint32 = 0x01

const typeLarge = 0x85

// Embedded object type tags.
const (
	TypeBinder     uint32 = 's'<<24 | 'b'<<16 | '*'<<8 | typeLarge
	TypeWeakBinder uint32 = 'w'<<24 | 'b'<<16 | '*'<<8 | typeLarge
	TypeHandle     uint32 = 's'<<24 | 'h'<<16 | '*'<<8 | typeLarge
	TypeWeakHandle uint32 = 'w'<<24 | 'h'<<16 | '*'<<8 | typeLarge
	TypeFd         uint32 = 'f'<<24 | 'd'<<16 | '*'<<8 | typeLarge
	TypeFda        uint32 = 'f'<<24 | 'd'<<16 | 'a'<<8 | typeLarge
	TypePtr        uint32 = 'p'<<24 | 't'<<16 | '*'<<8 | typeLarge
)

// Poll bits from asm-generic/poll.h that x/sys/unix does not export for
// linux.
const (
	PollRdNorm = 0x40
	PollWrNorm = 0x100
)
