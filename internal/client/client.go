// Package client speaks the userspace half of the binder protocol against a
// driver connection, with process memory held in a memspace.AddressSpace.
// The demo command and the driver tests use it in place of a real libbinder.
package client

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/ngrok/binder/internal/memspace"
	"github.com/ngrok/binder/internal/proto"
)

// readBufferSize fits any single return.
const readBufferSize = 256

// writeBufferSize is the write buffer kept per thread. Larger writes get
// memory of their own.
const writeBufferSize = 4096

// Device is the driver connection of one process.
type Device interface {
	Ioctl(ctx context.Context, tid int32, req uint32, arg uint64) error
	Mmap(addr uint64, mem []byte) error
}

// scratch is the memory one thread reuses across BINDER_WRITE_READ calls.
type scratch struct {
	hdr   uint64
	write uint64
	read  uint64
}

// Client drives a process's threads through a Device.
type Client struct {
	dev Device
	mem *memspace.AddressSpace

	mu      sync.Mutex
	scratch map[int32]scratch
}

// New returns a client for the process whose memory is mem.
func New(dev Device, mem *memspace.AddressSpace) *Client {
	return &Client{dev: dev, mem: mem, scratch: make(map[int32]scratch)}
}

func (c *Client) scratchFor(tid int32) scratch {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.scratch[tid]
	if !ok {
		s = scratch{
			hdr:   c.mem.Alloc(proto.SizeWriteRead),
			write: c.mem.Alloc(writeBufferSize),
			read:  c.mem.Alloc(readBufferSize),
		}
		c.scratch[tid] = s
	}
	return s
}

// Memory is the process's address space.
func (c *Client) Memory() *memspace.AddressSpace {
	return c.mem
}

// Map maps a transfer buffer into both the address space and the driver,
// returning its address.
func (c *Client) Map(mem []byte) (uint64, error) {
	addr, err := c.mem.Place(mem)
	if err != nil {
		return 0, err
	}
	if err := c.dev.Mmap(addr, mem); err != nil {
		return 0, err
	}
	return addr, nil
}

// Put copies b into fresh process memory and returns its address.
func (c *Client) Put(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	addr := c.mem.Alloc(len(b))
	if err := c.mem.WriteMemory(addr, b); err != nil {
		panic(err)
	}
	return addr
}

// Get reads n bytes of process memory at addr.
func (c *Client) Get(addr uint64, n uint64) ([]byte, error) {
	b := make([]byte, n)
	if n == 0 {
		return b, nil
	}
	if err := c.mem.ReadMemory(addr, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Ioctl issues req with arg copied into process memory, and returns the
// argument as the driver left it.
func (c *Client) Ioctl(ctx context.Context, tid int32, req uint32, arg []byte) ([]byte, error) {
	if len(arg) == 0 {
		arg = make([]byte, 4)
	}
	addr := c.Put(arg)
	if err := c.dev.Ioctl(ctx, tid, req, addr); err != nil {
		return nil, err
	}
	return c.Get(addr, uint64(len(arg)))
}

// WriteRead performs one BINDER_WRITE_READ with write as the write buffer and
// a read buffer of readSize bytes. It returns the header as the driver left
// it and the bytes read. The header is returned even if the ioctl fails.
func (c *Client) WriteRead(ctx context.Context, tid int32, write []byte, readSize uint64) (proto.WriteRead, []byte, error) {
	s := c.scratchFor(tid)
	wr := proto.WriteRead{
		WriteSize: uint64(len(write)),
		ReadSize:  readSize,
	}
	switch {
	case len(write) > writeBufferSize:
		wr.WriteBuffer = c.Put(write)
	case len(write) > 0:
		wr.WriteBuffer = s.write
		if err := c.mem.WriteMemory(s.write, write); err != nil {
			return wr, nil, err
		}
	}
	switch {
	case readSize > readBufferSize:
		wr.ReadBuffer = c.mem.Alloc(int(readSize))
	case readSize > 0:
		wr.ReadBuffer = s.read
	}
	if err := c.mem.WriteMemory(s.hdr, wr.Marshal()); err != nil {
		return wr, nil, err
	}
	err := c.dev.Ioctl(ctx, tid, proto.IoctlWriteRead, s.hdr)

	raw, gerr := c.Get(s.hdr, proto.SizeWriteRead)
	if gerr != nil {
		return wr, nil, gerr
	}
	if uerr := wr.Unmarshal(raw); uerr != nil {
		return wr, nil, uerr
	}
	if err != nil {
		return wr, nil, err
	}
	read, gerr := c.Get(wr.ReadBuffer, wr.ReadConsumed)
	return wr, read, gerr
}

// Write submits commands for thread tid without reading.
func (c *Client) Write(ctx context.Context, tid int32, cmds ...[]byte) error {
	var write []byte
	for _, cmd := range cmds {
		write = append(write, cmd...)
	}
	wr, _, err := c.WriteRead(ctx, tid, write, 0)
	if err != nil {
		return err
	}
	if wr.WriteConsumed != wr.WriteSize {
		return errors.Errorf("driver consumed %d of %d bytes", wr.WriteConsumed, wr.WriteSize)
	}
	return nil
}

// Read blocks until thread tid has a return and decodes it.
func (c *Client) Read(ctx context.Context, tid int32) (Return, error) {
	_, read, err := c.WriteRead(ctx, tid, nil, readBufferSize)
	if err != nil {
		return Return{}, err
	}
	if len(read) == 0 {
		return Return{}, ErrNothingRead
	}
	ret, _, err := ParseReturn(read)
	return ret, err
}

// ErrNothingRead is returned by Read when the driver woke the thread without
// a command, as it does on a flush.
var ErrNothingRead = errors.New("woken without a command")

// Payload is transaction data as the sender lays it out.
type Payload struct {
	Data    []byte
	Offsets []uint64
	// BuffersSize is the scatter-gather budget; nonzero selects the SG
	// variant of the command.
	BuffersSize uint64
}

func (c *Client) transactionData(target uint64, code, flags uint32, p Payload) proto.TransactionData {
	offsets := make([]byte, 8*len(p.Offsets))
	for i, off := range p.Offsets {
		proto.PutUint64(offsets[i*8:], off)
	}
	return proto.TransactionData{
		Target:      target,
		Code:        code,
		Flags:       flags,
		DataSize:    uint64(len(p.Data)),
		OffsetsSize: uint64(len(offsets)),
		DataBuffer:  c.Put(p.Data),
		DataOffsets: c.Put(offsets),
	}
}

// Transaction builds BC_TRANSACTION, or BC_TRANSACTION_SG, to handle.
func (c *Client) Transaction(handle uint32, code, flags uint32, p Payload) []byte {
	td := c.transactionData(uint64(handle), code, flags, p)
	if p.BuffersSize > 0 {
		sg := proto.TransactionDataSG{TransactionData: td, BuffersSize: p.BuffersSize}
		return Cmd(proto.BCTransactionSG, sg.Marshal())
	}
	return Cmd(proto.BCTransaction, td.Marshal())
}

// Reply builds BC_REPLY, or BC_REPLY_SG.
func (c *Client) Reply(code, flags uint32, p Payload) []byte {
	td := c.transactionData(0, code, flags, p)
	if p.BuffersSize > 0 {
		sg := proto.TransactionDataSG{TransactionData: td, BuffersSize: p.BuffersSize}
		return Cmd(proto.BCReplySG, sg.Marshal())
	}
	return Cmd(proto.BCReply, td.Marshal())
}

// Data returns the payload of a received transaction or reply.
func (c *Client) Data(td *proto.TransactionData) ([]byte, error) {
	return c.Get(td.DataBuffer, td.DataSize)
}

// Offsets returns the object offsets of a received transaction or reply.
func (c *Client) Offsets(td *proto.TransactionData) ([]uint64, error) {
	b, err := c.Get(td.DataOffsets, td.OffsetsSize)
	if err != nil {
		return nil, err
	}
	offsets := make([]uint64, len(b)/8)
	for i := range offsets {
		offsets[i] = proto.Uint64(b[i*8:])
	}
	return offsets, nil
}
