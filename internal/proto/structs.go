package proto

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Sizes of the fixed wire structures.
const (
	SizeWriteRead             = 48
	SizeTransactionData       = 64
	SizeTransactionDataSG     = 72
	SizeTransactionDataSecCtx = 72
	SizeObjectHeader          = 4
	SizeFlatObject            = 24
	SizeFdObject              = 24
	SizeBufferObject          = 40
	SizeFdArrayObject         = 32
	SizePtrCookie             = 16
	SizeHandleCookie          = 12
	SizeFreezeInfo            = 12
	SizeFrozenStatusInfo      = 12
	SizeFrozenStateInfo       = 16
	SizeNodeInfoForRef        = 24
)

var le = binary.LittleEndian

// ErrShortBuffer is returned when a structure is decoded from fewer bytes
// than its wire size.
var ErrShortBuffer = errors.New("buffer too short for structure")

func need(b []byte, n int) error {
	if len(b) < n {
		return errors.Wrapf(ErrShortBuffer, "need %d bytes, have %d", n, len(b))
	}
	return nil
}

// WriteRead is struct binder_write_read.
type WriteRead struct {
	WriteSize     uint64
	WriteConsumed uint64
	WriteBuffer   uint64
	ReadSize      uint64
	ReadConsumed  uint64
	ReadBuffer    uint64
}

func (w *WriteRead) Marshal() []byte {
	b := make([]byte, SizeWriteRead)
	le.PutUint64(b[0:], w.WriteSize)
	le.PutUint64(b[8:], w.WriteConsumed)
	le.PutUint64(b[16:], w.WriteBuffer)
	le.PutUint64(b[24:], w.ReadSize)
	le.PutUint64(b[32:], w.ReadConsumed)
	le.PutUint64(b[40:], w.ReadBuffer)
	return b
}

func (w *WriteRead) Unmarshal(b []byte) error {
	if err := need(b, SizeWriteRead); err != nil {
		return err
	}
	w.WriteSize = le.Uint64(b[0:])
	w.WriteConsumed = le.Uint64(b[8:])
	w.WriteBuffer = le.Uint64(b[16:])
	w.ReadSize = le.Uint64(b[24:])
	w.ReadConsumed = le.Uint64(b[32:])
	w.ReadBuffer = le.Uint64(b[40:])
	return nil
}

// TransactionData is struct binder_transaction_data. Target holds either a
// handle (low 32 bits) or the weak address of a local object, depending on
// the direction of travel.
type TransactionData struct {
	Target      uint64
	Cookie      uint64
	Code        uint32
	Flags       uint32
	SenderPID   int32
	SenderEUID  uint32
	DataSize    uint64
	OffsetsSize uint64
	DataBuffer  uint64
	DataOffsets uint64
}

// Handle returns Target interpreted as a handle.
func (t *TransactionData) Handle() uint32 {
	return uint32(t.Target)
}

func (t *TransactionData) Marshal() []byte {
	b := make([]byte, SizeTransactionData)
	t.put(b)
	return b
}

func (t *TransactionData) put(b []byte) {
	le.PutUint64(b[0:], t.Target)
	le.PutUint64(b[8:], t.Cookie)
	le.PutUint32(b[16:], t.Code)
	le.PutUint32(b[20:], t.Flags)
	le.PutUint32(b[24:], uint32(t.SenderPID))
	le.PutUint32(b[28:], t.SenderEUID)
	le.PutUint64(b[32:], t.DataSize)
	le.PutUint64(b[40:], t.OffsetsSize)
	le.PutUint64(b[48:], t.DataBuffer)
	le.PutUint64(b[56:], t.DataOffsets)
}

func (t *TransactionData) Unmarshal(b []byte) error {
	if err := need(b, SizeTransactionData); err != nil {
		return err
	}
	t.Target = le.Uint64(b[0:])
	t.Cookie = le.Uint64(b[8:])
	t.Code = le.Uint32(b[16:])
	t.Flags = le.Uint32(b[20:])
	t.SenderPID = int32(le.Uint32(b[24:]))
	t.SenderEUID = le.Uint32(b[28:])
	t.DataSize = le.Uint64(b[32:])
	t.OffsetsSize = le.Uint64(b[40:])
	t.DataBuffer = le.Uint64(b[48:])
	t.DataOffsets = le.Uint64(b[56:])
	return nil
}

// TransactionDataSG is struct binder_transaction_data_sg.
type TransactionDataSG struct {
	TransactionData
	BuffersSize uint64
}

func (t *TransactionDataSG) Marshal() []byte {
	b := make([]byte, SizeTransactionDataSG)
	t.put(b)
	le.PutUint64(b[64:], t.BuffersSize)
	return b
}

func (t *TransactionDataSG) Unmarshal(b []byte) error {
	if err := need(b, SizeTransactionDataSG); err != nil {
		return err
	}
	if err := t.TransactionData.Unmarshal(b); err != nil {
		return err
	}
	t.BuffersSize = le.Uint64(b[64:])
	return nil
}

// TransactionDataSecCtx is struct binder_transaction_data_secctx.
type TransactionDataSecCtx struct {
	TransactionData
	SecCtx uint64
}

func (t *TransactionDataSecCtx) Marshal() []byte {
	b := make([]byte, SizeTransactionDataSecCtx)
	t.put(b)
	le.PutUint64(b[64:], t.SecCtx)
	return b
}

func (t *TransactionDataSecCtx) Unmarshal(b []byte) error {
	if err := need(b, SizeTransactionDataSecCtx); err != nil {
		return err
	}
	if err := t.TransactionData.Unmarshal(b); err != nil {
		return err
	}
	t.SecCtx = le.Uint64(b[64:])
	return nil
}

// ObjectType reads the type tag at the start of an embedded object.
func ObjectType(b []byte) (uint32, error) {
	if err := need(b, SizeObjectHeader); err != nil {
		return 0, err
	}
	return le.Uint32(b), nil
}

// FlatObject is struct flat_binder_object, used for local objects and
// handles (strong or weak). Binder holds the handle in its low 32 bits for
// handle types.
type FlatObject struct {
	Type   uint32
	Flags  uint32
	Binder uint64
	Cookie uint64
}

func (f *FlatObject) Marshal() []byte {
	b := make([]byte, SizeFlatObject)
	le.PutUint32(b[0:], f.Type)
	le.PutUint32(b[4:], f.Flags)
	le.PutUint64(b[8:], f.Binder)
	le.PutUint64(b[16:], f.Cookie)
	return b
}

func (f *FlatObject) Unmarshal(b []byte) error {
	if err := need(b, SizeFlatObject); err != nil {
		return err
	}
	f.Type = le.Uint32(b[0:])
	f.Flags = le.Uint32(b[4:])
	f.Binder = le.Uint64(b[8:])
	f.Cookie = le.Uint64(b[16:])
	return nil
}

// FdObject is struct binder_fd_object.
type FdObject struct {
	Type   uint32
	Flags  uint32
	Fd     uint32
	Cookie uint64
}

func (f *FdObject) Marshal() []byte {
	b := make([]byte, SizeFdObject)
	le.PutUint32(b[0:], f.Type)
	le.PutUint32(b[4:], f.Flags)
	le.PutUint64(b[8:], uint64(f.Fd))
	le.PutUint64(b[16:], f.Cookie)
	return b
}

func (f *FdObject) Unmarshal(b []byte) error {
	if err := need(b, SizeFdObject); err != nil {
		return err
	}
	f.Type = le.Uint32(b[0:])
	f.Flags = le.Uint32(b[4:])
	f.Fd = le.Uint32(b[8:])
	f.Cookie = le.Uint64(b[16:])
	return nil
}

// FdFieldOffset is the offset of the descriptor inside a FdObject.
const FdFieldOffset = 8

// BufferObject is struct binder_buffer_object, a scatter-gather pointer.
type BufferObject struct {
	Type         uint32
	Flags        uint32
	Buffer       uint64
	Length       uint64
	Parent       uint64
	ParentOffset uint64
}

// BufferFieldOffset is the offset of the buffer address inside a BufferObject.
const BufferFieldOffset = 8

func (o *BufferObject) Marshal() []byte {
	b := make([]byte, SizeBufferObject)
	le.PutUint32(b[0:], o.Type)
	le.PutUint32(b[4:], o.Flags)
	le.PutUint64(b[8:], o.Buffer)
	le.PutUint64(b[16:], o.Length)
	le.PutUint64(b[24:], o.Parent)
	le.PutUint64(b[32:], o.ParentOffset)
	return b
}

func (o *BufferObject) Unmarshal(b []byte) error {
	if err := need(b, SizeBufferObject); err != nil {
		return err
	}
	o.Type = le.Uint32(b[0:])
	o.Flags = le.Uint32(b[4:])
	o.Buffer = le.Uint64(b[8:])
	o.Length = le.Uint64(b[16:])
	o.Parent = le.Uint64(b[24:])
	o.ParentOffset = le.Uint64(b[32:])
	return nil
}

// FdArrayObject is struct binder_fd_array_object. The descriptors themselves
// live as 32-bit values inside the parent scatter-gather buffer.
type FdArrayObject struct {
	Type         uint32
	NumFds       uint64
	Parent       uint64
	ParentOffset uint64
}

func (o *FdArrayObject) Marshal() []byte {
	b := make([]byte, SizeFdArrayObject)
	le.PutUint32(b[0:], o.Type)
	le.PutUint64(b[8:], o.NumFds)
	le.PutUint64(b[16:], o.Parent)
	le.PutUint64(b[24:], o.ParentOffset)
	return b
}

func (o *FdArrayObject) Unmarshal(b []byte) error {
	if err := need(b, SizeFdArrayObject); err != nil {
		return err
	}
	o.Type = le.Uint32(b[0:])
	o.NumFds = le.Uint64(b[8:])
	o.Parent = le.Uint64(b[16:])
	o.ParentOffset = le.Uint64(b[24:])
	return nil
}

// PtrCookie is struct binder_ptr_cookie.
type PtrCookie struct {
	Ptr    uint64
	Cookie uint64
}

func (p *PtrCookie) Marshal() []byte {
	b := make([]byte, SizePtrCookie)
	le.PutUint64(b[0:], p.Ptr)
	le.PutUint64(b[8:], p.Cookie)
	return b
}

func (p *PtrCookie) Unmarshal(b []byte) error {
	if err := need(b, SizePtrCookie); err != nil {
		return err
	}
	p.Ptr = le.Uint64(b[0:])
	p.Cookie = le.Uint64(b[8:])
	return nil
}

// HandleCookie is the packed struct binder_handle_cookie.
type HandleCookie struct {
	Handle uint32
	Cookie uint64
}

func (h *HandleCookie) Marshal() []byte {
	b := make([]byte, SizeHandleCookie)
	le.PutUint32(b[0:], h.Handle)
	le.PutUint64(b[4:], h.Cookie)
	return b
}

func (h *HandleCookie) Unmarshal(b []byte) error {
	if err := need(b, SizeHandleCookie); err != nil {
		return err
	}
	h.Handle = le.Uint32(b[0:])
	h.Cookie = le.Uint64(b[4:])
	return nil
}

// FreezeInfo is struct binder_freeze_info.
type FreezeInfo struct {
	PID       uint32
	Enable    uint32
	TimeoutMs uint32
}

func (f *FreezeInfo) Marshal() []byte {
	b := make([]byte, SizeFreezeInfo)
	le.PutUint32(b[0:], f.PID)
	le.PutUint32(b[4:], f.Enable)
	le.PutUint32(b[8:], f.TimeoutMs)
	return b
}

func (f *FreezeInfo) Unmarshal(b []byte) error {
	if err := need(b, SizeFreezeInfo); err != nil {
		return err
	}
	f.PID = le.Uint32(b[0:])
	f.Enable = le.Uint32(b[4:])
	f.TimeoutMs = le.Uint32(b[8:])
	return nil
}

// FrozenStatusInfo is struct binder_frozen_status_info.
type FrozenStatusInfo struct {
	PID       uint32
	SyncRecv  uint32
	AsyncRecv uint32
}

func (f *FrozenStatusInfo) Marshal() []byte {
	b := make([]byte, SizeFrozenStatusInfo)
	le.PutUint32(b[0:], f.PID)
	le.PutUint32(b[4:], f.SyncRecv)
	le.PutUint32(b[8:], f.AsyncRecv)
	return b
}

func (f *FrozenStatusInfo) Unmarshal(b []byte) error {
	if err := need(b, SizeFrozenStatusInfo); err != nil {
		return err
	}
	f.PID = le.Uint32(b[0:])
	f.SyncRecv = le.Uint32(b[4:])
	f.AsyncRecv = le.Uint32(b[8:])
	return nil
}

// FrozenStateInfo is struct binder_frozen_state_info, the payload of
// BR_FROZEN_BINDER.
type FrozenStateInfo struct {
	Cookie   uint64
	IsFrozen uint32
}

func (f *FrozenStateInfo) Marshal() []byte {
	b := make([]byte, SizeFrozenStateInfo)
	le.PutUint64(b[0:], f.Cookie)
	le.PutUint32(b[8:], f.IsFrozen)
	return b
}

func (f *FrozenStateInfo) Unmarshal(b []byte) error {
	if err := need(b, SizeFrozenStateInfo); err != nil {
		return err
	}
	f.Cookie = le.Uint64(b[0:])
	f.IsFrozen = le.Uint32(b[8:])
	return nil
}

// NodeInfoForRef is struct binder_node_info_for_ref.
type NodeInfoForRef struct {
	Handle      uint32
	StrongCount uint32
	WeakCount   uint32
}

func (n *NodeInfoForRef) Marshal() []byte {
	b := make([]byte, SizeNodeInfoForRef)
	le.PutUint32(b[0:], n.Handle)
	le.PutUint32(b[4:], n.StrongCount)
	le.PutUint32(b[8:], n.WeakCount)
	return b
}

func (n *NodeInfoForRef) Unmarshal(b []byte) error {
	if err := need(b, SizeNodeInfoForRef); err != nil {
		return err
	}
	n.Handle = le.Uint32(b[0:])
	n.StrongCount = le.Uint32(b[4:])
	n.WeakCount = le.Uint32(b[8:])
	return nil
}

// PutUint32 and friends are re-exported so callers encoding command streams
// use the same byte order as the structures.
func PutUint32(b []byte, v uint32) { le.PutUint32(b, v) }
func PutUint64(b []byte, v uint64) { le.PutUint64(b, v) }
func Uint32(b []byte) uint32       { return le.Uint32(b) }
func Uint64(b []byte) uint64       { return le.Uint64(b) }
