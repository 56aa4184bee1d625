package binder

import (
	"context"
	"testing"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/stretchr/testify/require"

	"github.com/ngrok/binder/internal/client"
	"github.com/ngrok/binder/internal/memspace"
	"github.com/ngrok/binder/internal/proto"
)

var l = log15.New()

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

// readCtx bounds a read that is expected to find a command.
func readCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestDriver(opts ...Option) *Driver {
	return New(append([]Option{WithLogger(l)}, opts...)...)
}

const transferSize = 64 << 10

// testProc is one process talking to the driver through the userspace
// client.
type testProc struct {
	t    *testing.T
	pid  int32
	conn *Conn
	c    *client.Client
	mem  *memspace.AddressSpace
	// base is where the transfer buffer is mapped.
	base     uint64
	transfer []byte
}

func openTestProc(t *testing.T, d *Driver, pid int32, opts ...func(*OpenOptions)) *testProc {
	mem := memspace.New(0x10000)
	oo := OpenOptions{Identity: Identity{PID: pid, EUID: 1000 + uint32(pid)}, Memory: mem}
	for _, opt := range opts {
		opt(&oo)
	}
	conn, err := d.Open(oo)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := client.New(conn, mem)
	transfer := make([]byte, transferSize)
	base, err := c.Map(transfer)
	require.NoError(t, err)
	return &testProc{t: t, pid: pid, conn: conn, c: c, mem: mem, base: base, transfer: transfer}
}

func withResources(r ResourceAccessor) func(*OpenOptions) {
	return func(oo *OpenOptions) {
		oo.Resources = r
	}
}

func (p *testProc) write(tid int32, cmds ...[]byte) {
	p.t.Helper()
	require.NoError(p.t, p.c.Write(testCtx(p.t), tid, cmds...))
}

func (p *testProc) read(tid int32) client.Return {
	p.t.Helper()
	ret, err := p.c.Read(readCtx(p.t), tid)
	require.NoError(p.t, err)
	return ret
}

func (p *testProc) expect(tid int32, code uint32) client.Return {
	p.t.Helper()
	ret := p.read(tid)
	require.Equal(p.t, client.ReturnName(code), ret.String())
	return ret
}

// expectNothing checks that tid has nothing to read.
func (p *testProc) expectNothing(tid int32) {
	p.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ret, err := p.c.Read(ctx, tid)
	require.ErrorIsf(p.t, err, ErrInterrupted, "unexpected %v", ret)
}

func (p *testProc) ioctl(tid int32, req uint32, arg []byte) ([]byte, error) {
	return p.c.Ioctl(testCtx(p.t), tid, req, arg)
}

func (p *testProc) becomeContextManager() {
	p.t.Helper()
	_, err := p.ioctl(1, proto.SetContextMgr, nil)
	require.NoError(p.t, err)
}

func (p *testProc) call(handle, code uint32, flags uint32, data []byte, offsets ...uint64) []byte {
	return p.c.Transaction(handle, code, flags, client.Payload{Data: data, Offsets: offsets})
}

func (p *testProc) reply(code uint32, data []byte, offsets ...uint64) []byte {
	return p.c.Reply(code, 0, client.Payload{Data: data, Offsets: offsets})
}

func (p *testProc) data(ret client.Return) []byte {
	p.t.Helper()
	require.NotNil(p.t, ret.Txn, "%v carries no transaction", ret)
	b, err := p.c.Data(ret.Txn)
	require.NoError(p.t, err)
	return b
}

// newServiceManager opens pid as the context manager with thread 1 in the
// looper.
func newServiceManager(t *testing.T, d *Driver, pid int32) *testProc {
	sm := openTestProc(t, d, pid)
	sm.becomeContextManager()
	sm.write(1, client.EnterLooper())
	return sm
}

func (p *testProc) callSG(handle, code, flags uint32, buffers uint64, data []byte, offsets ...uint64) []byte {
	return p.c.Transaction(handle, code, flags, client.Payload{Data: data, Offsets: offsets, BuffersSize: buffers})
}

// sgBuffer encodes a scatter-gather buffer object, patched into the buffer at
// object index parent when parent is non-negative.
func sgBuffer(addr, length uint64, parent int, parentOffset uint64) []byte {
	bo := proto.BufferObject{Type: proto.TypePtr, Buffer: addr, Length: length}
	if parent >= 0 {
		bo.Flags = proto.BufferFlagHasParent
		bo.Parent = uint64(parent)
		bo.ParentOffset = parentOffset
	}
	return bo.Marshal()
}

// objects returns the translated objects of a received transaction, one
// slice per offset.
func (p *testProc) objects(ret client.Return) [][]byte {
	p.t.Helper()
	data := p.data(ret)
	offsets, err := p.c.Offsets(ret.Txn)
	require.NoError(p.t, err)
	objs := make([][]byte, len(offsets))
	for i, off := range offsets {
		objs[i] = data[off:]
	}
	return objs
}

func (p *testProc) bufferAt(obj []byte) (proto.BufferObject, []byte) {
	p.t.Helper()
	var bo proto.BufferObject
	require.NoError(p.t, bo.Unmarshal(obj))
	b, err := p.c.Get(bo.Buffer, bo.Length)
	require.NoError(p.t, err)
	return bo, b
}
