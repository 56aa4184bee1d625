package binder

import (
	"context"
	"io"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/ngrok/binder/internal/client"
	"github.com/ngrok/binder/internal/proto"
)

// newFdServiceManager registers pid as a context manager that accepts
// descriptors.
func newFdServiceManager(t *testing.T, d *Driver, pid int32, opts ...func(*OpenOptions)) *testProc {
	sm := openTestProc(t, d, pid, opts...)
	cm := proto.FlatObject{Type: proto.TypeBinder, Flags: proto.FlatFlagAcceptsFds}
	_, err := sm.ioctl(1, proto.SetContextMgrExt, cm.Marshal())
	require.NoError(t, err)
	sm.write(1, client.EnterLooper())
	return sm
}

func receivedFd(t *testing.T, sm *testProc, ret client.Return) int32 {
	t.Helper()
	var fo proto.FdObject
	require.NoError(t, fo.Unmarshal(sm.data(ret)))
	require.Equal(t, proto.TypeFd, fo.Type)
	return int32(fo.Fd)
}

func TestDescriptorPassing(t *testing.T) {
	res := newMockResources()
	d := newTestDriver(WithResources(res))
	sm := newFdServiceManager(t, d, 1)
	cl := openTestProc(t, d, 2)

	fd := res.open(2, "log")
	cl.write(1, cl.call(0, 1, proto.FlagOneway, client.Fd(fd), 0))
	cl.expect(1, proto.BRTransactionComplete)

	got := receivedFd(t, sm, sm.expect(1, proto.BRTransaction))
	name, ok := res.name(1, got)
	require.True(t, ok, "descriptor installed in the receiver")
	require.Equal(t, "log", name)
	require.Equal(t, 1, res.dropped, "driver reference dropped after install")

	_, ok = res.name(2, fd)
	require.True(t, ok, "sender keeps its descriptor")
}

func TestDescriptorRejected(t *testing.T) {
	res := newMockResources()
	d := newTestDriver()
	newServiceManager(t, d, 1)
	cl := openTestProc(t, d, 2, withResources(res))

	fd := res.open(2, "log")
	cl.write(1, cl.call(0, 1, 0, client.Fd(fd), 0))
	ret := cl.expect(1, proto.BRError)
	require.Equal(t, -int32(unix.EPERM), ret.Errno)
	require.Zero(t, res.count(1))
}

func TestDescriptorInReplyNeedsAcceptFds(t *testing.T) {
	res := newMockResources()
	d := newTestDriver(WithResources(res))
	sm := newFdServiceManager(t, d, 1)
	cl := openTestProc(t, d, 2)

	fd := res.open(1, "socket")
	cl.write(1, cl.call(0, 1, 0, nil))
	cl.expect(1, proto.BRTransactionComplete)
	sm.expect(1, proto.BRTransaction)
	sm.write(1, sm.reply(0, client.Fd(fd), 0))
	require.Equal(t, -int32(unix.EPERM), sm.expect(1, proto.BRError).Errno)
	cl.expect(1, proto.BRFailedReply)

	cl.write(1, cl.call(0, 2, proto.FlagAcceptFds, nil))
	cl.expect(1, proto.BRTransactionComplete)
	sm.expect(1, proto.BRTransaction)
	sm.write(1, sm.reply(0, client.Fd(fd), 0))
	sm.expect(1, proto.BRTransactionComplete)

	got := receivedFd(t, cl, cl.expect(1, proto.BRReply))
	name, ok := res.name(2, got)
	require.True(t, ok)
	require.Equal(t, "socket", name)
}

func TestBadDescriptorUnwindsTransaction(t *testing.T) {
	res := newMockResources()
	d := newTestDriver(WithResources(res))
	sm := newFdServiceManager(t, d, 1)
	cl := openTestProc(t, d, 2)

	good := res.open(2, "a")
	data := append(client.Fd(good), client.Fd(999)...)
	cl.write(1, cl.call(0, 1, proto.FlagOneway, data, 0, proto.SizeFdObject))
	require.Equal(t, -int32(unix.EBADF), cl.expect(1, proto.BRError).Errno)

	require.Zero(t, res.count(1), "descriptors installed before the failure are closed")
	sm.expectNothing(1)
}

func TestOSResources(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	var res OSResources
	id := Identity{PID: int32(os.Getpid())}
	got, err := res.Get(id, int32(r.Fd()))
	require.NoError(t, err)
	fd, err := res.Install(id, got, true)
	require.NoError(t, err)
	require.NoError(t, got.Close())

	installed := os.NewFile(uintptr(fd), "installed")
	defer installed.Close()
	_, err = w.Write([]byte("through the dup"))
	require.NoError(t, err)
	buf := make([]byte, 15)
	_, err = io.ReadFull(installed, buf)
	require.NoError(t, err)
	require.Equal(t, "through the dup", string(buf))

	_, err = res.Get(id, -1)
	require.Equal(t, unix.EBADF, ErrnoOf(err))
}

func socketPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	conns := make([]*net.UnixConn, 2)
	for i, fd := range fds {
		f := os.NewFile(uintptr(fd), "socketpair")
		c, err := net.FileConn(f)
		f.Close()
		require.NoError(t, err)
		conns[i] = c.(*net.UnixConn)
	}
	return conns[0], conns[1]
}

// serveRemote runs ServeResources over a socket pair and returns the client
// side. The server is stopped and checked at cleanup.
func serveRemote(t *testing.T) *RemoteResources {
	local, remote := socketPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ServeResources(ctx, remote, OSResources{})
	})
	t.Cleanup(func() {
		local.Close()
		cancel()
		require.NoError(t, g.Wait())
	})
	return NewRemoteResources(local)
}

func TestRemoteResources(t *testing.T) {
	rr := serveRemote(t)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	id := Identity{PID: 1, TID: 1}
	got, err := rr.Get(id, int32(r.Fd()))
	require.NoError(t, err)
	fd, err := rr.Install(id, got, true)
	require.NoError(t, err)
	require.NoError(t, got.Close())

	_, err = w.Write([]byte("ok"))
	require.NoError(t, err)
	buf := make([]byte, 2)
	_, err = unix.Read(int(fd), buf)
	require.NoError(t, err)
	require.Equal(t, "ok", string(buf))

	require.NoError(t, rr.Close(id, fd))
	require.Equal(t, unix.EBADF, ErrnoOf(rr.Close(id, fd)), "already closed")
	_, err = rr.Get(id, -1)
	require.Equal(t, unix.EBADF, ErrnoOf(err))
}

func TestDescriptorPassingThroughRemoteResources(t *testing.T) {
	rr := serveRemote(t)
	d := newTestDriver(WithResources(rr))
	sm := newFdServiceManager(t, d, 1)
	cl := openTestProc(t, d, 2)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	cl.write(1, cl.call(0, 1, proto.FlagOneway, client.Fd(int32(w.Fd())), 0))
	cl.expect(1, proto.BRTransactionComplete)
	got := receivedFd(t, sm, sm.expect(1, proto.BRTransaction))
	require.NotEqual(t, int32(w.Fd()), got)

	installed := os.NewFile(uintptr(got), "installed")
	_, err = installed.Write([]byte("hi"))
	require.NoError(t, err)
	require.NoError(t, installed.Close())
	buf := make([]byte, 2)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	require.Equal(t, "hi", string(buf))
}

func TestUndeliveredDescriptorsClosedWhenTargetCloses(t *testing.T) {
	res := newMockResources()
	d := newTestDriver(WithResources(res))
	sm := newFdServiceManager(t, d, 1)
	cl := openTestProc(t, d, 2)

	cl.write(1, cl.call(0, 1, 0, client.Fd(res.open(2, "sync")), 0))
	cl.expect(1, proto.BRTransactionComplete)
	cl.write(3, cl.call(0, 2, proto.FlagOneway, client.Fd(res.open(2, "first")), 0))
	cl.write(3, cl.call(0, 3, proto.FlagOneway, client.Fd(res.open(2, "second")), 0))
	require.Equal(t, 3, res.count(1), "installed at submit time")

	require.NoError(t, sm.conn.Close())
	require.Zero(t, res.count(1), "queued and unqueued calls alike")
	cl.expect(1, proto.BRDeadReply)
	require.Equal(t, 3, res.count(2), "sender keeps its descriptors")
}

func TestUndeliveredReplyDescriptorClosedOnThreadExit(t *testing.T) {
	res := newMockResources()
	d := newTestDriver(WithResources(res))
	sm := newFdServiceManager(t, d, 1)
	cl := openTestProc(t, d, 2)

	fd := res.open(1, "socket")
	cl.write(1, cl.call(0, 1, proto.FlagAcceptFds, nil))
	cl.expect(1, proto.BRTransactionComplete)
	sm.expect(1, proto.BRTransaction)
	sm.write(1, sm.reply(0, client.Fd(fd), 0))
	sm.expect(1, proto.BRTransactionComplete)
	require.Equal(t, 1, res.count(2))

	_, err := cl.ioctl(1, proto.ThreadExit, nil)
	require.NoError(t, err)
	require.Zero(t, res.count(2))
	cl.conn.p.mu.Lock()
	require.Empty(t, cl.conn.p.buffers)
	cl.conn.p.mu.Unlock()
}

func TestDescriptorArrayInParentBuffer(t *testing.T) {
	res := newMockResources()
	d := newTestDriver(WithResources(res))
	sm := newFdServiceManager(t, d, 1)
	cl := openTestProc(t, d, 2)

	fds := make([]byte, 8)
	proto.PutUint32(fds, uint32(res.open(2, "a")))
	proto.PutUint32(fds[4:], uint32(res.open(2, "b")))
	fda := proto.FdArrayObject{Type: proto.TypeFda, NumFds: 2, Parent: 0, ParentOffset: 0}
	data := append(sgBuffer(cl.c.Put(fds), 8, -1, 0), fda.Marshal()...)

	cl.write(1, cl.callSG(0, 1, proto.FlagOneway, 8, data, 0, proto.SizeBufferObject))
	cl.expect(1, proto.BRTransactionComplete)
	objs := sm.objects(sm.expect(1, proto.BRTransaction))
	_, got := sm.bufferAt(objs[0])
	for i, want := range []string{"a", "b"} {
		name, ok := res.name(1, int32(proto.Uint32(got[4*i:])))
		require.True(t, ok, "entry %d installed in the receiver", i)
		require.Equal(t, want, name)
	}
	require.Equal(t, 2, res.count(1))
}

func TestDescriptorArrayMalformed(t *testing.T) {
	res := newMockResources()
	d := newTestDriver(WithResources(res))
	sm := newFdServiceManager(t, d, 1)
	cl := openTestProc(t, d, 2)

	fds := make([]byte, 8)
	proto.PutUint32(fds, uint32(res.open(2, "a")))
	proto.PutUint32(fds[4:], uint32(res.open(2, "b")))
	parent := sgBuffer(cl.c.Put(fds), 8, -1, 0)
	for _, tc := range []struct {
		name string
		fda  proto.FdArrayObject
	}{
		{"misaligned", proto.FdArrayObject{Type: proto.TypeFda, NumFds: 1, ParentOffset: 2}},
		{"past parent end", proto.FdArrayObject{Type: proto.TypeFda, NumFds: 3}},
		{"no such parent", proto.FdArrayObject{Type: proto.TypeFda, NumFds: 1, Parent: 1}},
	} {
		data := append(append([]byte{}, parent...), tc.fda.Marshal()...)
		cl.write(1, cl.callSG(0, 1, proto.FlagOneway, 8, data, 0, proto.SizeBufferObject))
		ret := cl.expect(1, proto.BRError)
		require.Equalf(t, -int32(unix.EINVAL), ret.Errno, "%s", tc.name)
	}
	require.Zero(t, res.count(1))
	sm.expectNothing(1)
}
