package binder

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/ngrok/binder/internal/proto"
)

// objectAlignment is the alignment required of each embedded object's offset.
const objectAlignment = 4

// sgCopy is where a scatter-gather buffer was copied, by offset from the
// start of the block.
type sgCopy struct {
	off    uint64
	length uint64
}

// fdFixup is a descriptor in the block waiting to be moved to the receiver.
type fdFixup struct {
	at uint64
	fd int32
}

// translation copies one transaction from a sending thread into a block of
// the receiver's transfer buffer, rewriting embedded objects on the way.
type translation struct {
	from   *Thread
	sender *Process
	target *Process
	m      *mapping
	base   uint64
	block  []byte
	layout bufferLayout
	buf    *transactionBuffer

	acceptFds bool
	sgCursor  uint64
	sgCopies  map[int]sgCopy
	fixups    []fdFixup
}

// translate allocates a block in target and fills it with the transaction t
// is sending. On failure nothing the translation acquired survives.
func (d *Driver) translate(t *Thread, target *Process, td *proto.TransactionData, buffersSize uint64, secctx string, acceptFds bool) (*transactionBuffer, *TransactionError) {
	var secctxSize uint64
	if secctx != "" {
		secctxSize = uint64(len(secctx)) + 1
	}
	l, err := layoutFor(td.DataSize, td.OffsetsSize, buffersSize, secctxSize)
	if err != nil {
		return nil, malformed(err)
	}
	m, err := target.transferBuffer()
	if err != nil {
		return nil, classify(errors.Wrapf(err, "pid %d", target.id.PID))
	}
	off, err := m.reserve(l)
	if err != nil {
		return nil, classify(errors.Wrapf(err, "pid %d", target.id.PID))
	}

	buf := &transactionBuffer{mapping: m, addr: m.addr(off), layout: l}
	tr := &translation{
		from:      t,
		sender:    t.proc,
		target:    target,
		m:         m,
		base:      off,
		block:     m.mem[off : off+l.total],
		layout:    l,
		buf:       buf,
		acceptFds: acceptFds,
		sgCursor:  l.buffersOff,
		sgCopies:  make(map[int]sgCopy),
	}
	if err := tr.run(td); err != nil {
		target.discardBuffer(buf)
		return nil, classify(err)
	}
	if secctx != "" {
		copy(tr.block[l.secctxOff:], secctx)
		tr.block[l.secctxOff+uint64(len(secctx))] = 0
	}
	return buf, nil
}

func (tr *translation) run(td *proto.TransactionData) error {
	l := tr.layout
	data, err := readBytes(tr.sender.mem, td.DataBuffer, l.dataSize)
	if err != nil {
		return errors.Wrap(err, "transaction data")
	}
	offsets, err := readBytes(tr.sender.mem, td.DataOffsets, l.offsetsSize)
	if err != nil {
		return errors.Wrap(err, "transaction offsets")
	}
	copy(tr.block, data)
	copy(tr.block[l.offsetsOff:], offsets)

	var prevEnd uint64
	for i := 0; i < len(offsets)/8; i++ {
		objOff := proto.Uint64(offsets[i*8:])
		size, err := tr.objectAt(objOff, prevEnd)
		if err != nil {
			return errors.Wrapf(err, "object %d", i)
		}
		if err := tr.translateObject(i, objOff, tr.block[objOff:objOff+size]); err != nil {
			return errors.Wrapf(err, "object %d at offset %d", i, objOff)
		}
		prevEnd = objOff + size
	}
	return tr.installFds()
}

// objectAt validates the object at objOff and returns its size.
func (tr *translation) objectAt(objOff, prevEnd uint64) (uint64, error) {
	dataSize := tr.layout.dataSize
	if objOff%objectAlignment != 0 {
		return 0, errors.Wrapf(ErrMalformed, "offset %d is misaligned", objOff)
	}
	if objOff < prevEnd {
		return 0, errors.Wrapf(ErrMalformed, "offset %d overlaps the previous object", objOff)
	}
	if objOff > dataSize || dataSize-objOff < proto.SizeObjectHeader {
		return 0, errors.Wrapf(ErrMalformed, "offset %d outside data", objOff)
	}
	typ, err := proto.ObjectType(tr.block[objOff:dataSize])
	if err != nil {
		return 0, errors.Wrap(ErrMalformed, err.Error())
	}
	size := objectSize(typ)
	if size == 0 {
		return 0, errors.Wrapf(ErrMalformed, "unknown object type %#x", typ)
	}
	if dataSize-objOff < size {
		return 0, errors.Wrapf(ErrMalformed, "object of %d bytes at offset %d overruns data", size, objOff)
	}
	return size, nil
}

func objectSize(typ uint32) uint64 {
	switch typ {
	case proto.TypeBinder, proto.TypeWeakBinder, proto.TypeHandle, proto.TypeWeakHandle:
		return proto.SizeFlatObject
	case proto.TypeFd:
		return proto.SizeFdObject
	case proto.TypePtr:
		return proto.SizeBufferObject
	case proto.TypeFda:
		return proto.SizeFdArrayObject
	default:
		return 0
	}
}

func (tr *translation) translateObject(index int, at uint64, obj []byte) error {
	typ := proto.Uint32(obj)
	switch typ {
	case proto.TypeBinder, proto.TypeWeakBinder:
		return tr.translateBinder(obj, typ == proto.TypeBinder)
	case proto.TypeHandle, proto.TypeWeakHandle:
		return tr.translateHandle(obj, typ == proto.TypeHandle)
	case proto.TypeFd:
		var fo proto.FdObject
		if err := fo.Unmarshal(obj); err != nil {
			return err
		}
		tr.fixups = append(tr.fixups, fdFixup{at: at + proto.FdFieldOffset, fd: int32(fo.Fd)})
		return nil
	case proto.TypePtr:
		return tr.translatePtr(index, obj)
	case proto.TypeFda:
		return tr.translateFda(obj)
	}
	return errors.Wrapf(ErrMalformed, "unknown object type %#x", typ)
}

// translateBinder turns a local object of the sender into a handle in the
// receiver.
func (tr *translation) translateBinder(obj []byte, strong bool) error {
	var fo proto.FlatObject
	if err := fo.Unmarshal(obj); err != nil {
		return err
	}
	o, err := tr.sender.objectFor(LocalObject{Ptr: fo.Binder, Cookie: fo.Cookie}, fo.Flags)
	if err != nil {
		return err
	}
	hold := takeRef(o, strong)
	if tr.target == tr.sender {
		tr.buf.holds = append(tr.buf.holds, hold)
		return nil
	}
	h, err := tr.target.insertHandle(hold)
	if err != nil {
		return err
	}
	tr.buf.handles = append(tr.buf.handles, handleRef{handle: h, strong: strong})

	fo.Type = proto.TypeHandle
	if !strong {
		fo.Type = proto.TypeWeakHandle
	}
	fo.Binder = uint64(h)
	fo.Cookie = 0
	copy(obj, fo.Marshal())
	return nil
}

// translateHandle rewrites a sender handle for the receiver: the object
// itself if the receiver owns it, a receiver handle otherwise.
func (tr *translation) translateHandle(obj []byte, strong bool) error {
	var fo proto.FlatObject
	if err := fo.Unmarshal(obj); err != nil {
		return err
	}
	if fo.Binder>>32 != 0 {
		return errors.Wrapf(ErrMalformed, "handle %#x out of range", fo.Binder)
	}
	hold, err := tr.sender.holdHandle(uint32(fo.Binder), strong, false)
	if err != nil {
		return errors.Wrap(ErrMalformed, err.Error())
	}
	o := hold.obj

	switch {
	case o.owner == tr.target.key:
		tr.buf.holds = append(tr.buf.holds, hold)
		fo.Type = proto.TypeBinder
		if !strong {
			fo.Type = proto.TypeWeakBinder
		}
		fo.Binder = o.local.Ptr
		fo.Cookie = o.local.Cookie
	case o == tr.target.d.contextManager():
		releaseNow(hold)
		fo.Binder = contextManagerHandle
	default:
		h, err := tr.target.insertHandle(hold)
		if err != nil {
			return err
		}
		tr.buf.handles = append(tr.buf.handles, handleRef{handle: h, strong: strong})
		fo.Binder = uint64(h)
	}
	copy(obj, fo.Marshal())
	return nil
}

// translatePtr copies a scatter-gather buffer into the block and patches the
// pointer to it, in the object and in its parent if it has one.
func (tr *translation) translatePtr(index int, obj []byte) error {
	var bo proto.BufferObject
	if err := bo.Unmarshal(obj); err != nil {
		return err
	}
	padded := alignUp(bo.Length)
	end := tr.layout.buffersOff + tr.layout.buffersSize
	if padded < bo.Length || end-tr.sgCursor < padded {
		return errors.Wrapf(ErrMalformed, "buffer of %d bytes exceeds scatter-gather budget", bo.Length)
	}
	payload, err := readBytes(tr.sender.mem, bo.Buffer, bo.Length)
	if err != nil {
		return err
	}
	off := tr.sgCursor
	copy(tr.block[off:], payload)
	addr := tr.m.addr(tr.base + off)

	if bo.Flags&proto.BufferFlagHasParent != 0 {
		parent, err := tr.parent(bo.Parent, bo.ParentOffset, 8)
		if err != nil {
			return err
		}
		proto.PutUint64(tr.block[parent.off+bo.ParentOffset:], addr)
	}

	tr.sgCopies[index] = sgCopy{off: off, length: bo.Length}
	tr.sgCursor += padded
	bo.Buffer = addr
	copy(obj, bo.Marshal())
	return nil
}

// parent returns the already copied buffer at index, checking that n bytes
// at at fit inside it.
func (tr *translation) parent(index, at, n uint64) (sgCopy, error) {
	parent, ok := tr.sgCopies[int(index)]
	if !ok {
		return sgCopy{}, errors.Wrapf(ErrMalformed, "parent %d is not a preceding buffer", index)
	}
	if at > parent.length || parent.length-at < n {
		return sgCopy{}, errors.Wrapf(ErrMalformed, "parent offset %d outside parent of %d bytes", at, parent.length)
	}
	return parent, nil
}

// translateFda queues the descriptors of an array living in a parent
// buffer.
func (tr *translation) translateFda(obj []byte) error {
	var fa proto.FdArrayObject
	if err := fa.Unmarshal(obj); err != nil {
		return err
	}
	if fa.ParentOffset%4 != 0 {
		return errors.Wrapf(ErrMalformed, "descriptor array at misaligned parent offset %d", fa.ParentOffset)
	}
	if fa.NumFds > uint64(len(tr.block))/4 {
		return errors.Wrapf(ErrMalformed, "descriptor array of %d entries", fa.NumFds)
	}
	parent, err := tr.parent(fa.Parent, fa.ParentOffset, fa.NumFds*4)
	if err != nil {
		return err
	}
	for j := uint64(0); j < fa.NumFds; j++ {
		at := parent.off + fa.ParentOffset + 4*j
		tr.fixups = append(tr.fixups, fdFixup{at: at, fd: int32(proto.Uint32(tr.block[at:]))})
	}
	return nil
}

// installFds moves every queued descriptor from the sender to the receiver.
func (tr *translation) installFds() error {
	if len(tr.fixups) == 0 {
		return nil
	}
	if !tr.acceptFds {
		return errors.Wrap(unix.EPERM, "receiver does not accept descriptors")
	}
	src, dst := tr.sender.resources, tr.target.resources
	if src == nil || dst == nil {
		return errors.Wrap(ErrUnsupported, "no resource accessor")
	}
	for _, f := range tr.fixups {
		r, err := src.Get(tr.from.identity(), f.fd)
		if err != nil {
			return errors.Wrapf(err, "descriptor %d", f.fd)
		}
		fd, err := dst.Install(tr.target.id, r, true)
		if cerr := r.Close(); cerr != nil {
			tr.sender.l.Warn("failed to drop transferred descriptor", "fd", f.fd, "err", cerr)
		}
		if err != nil {
			return errors.Wrapf(err, "install descriptor %d", f.fd)
		}
		tr.buf.fds = append(tr.buf.fds, fd)
		proto.PutUint32(tr.block[f.at:], uint32(fd))
	}
	return nil
}
