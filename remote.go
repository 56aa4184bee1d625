package binder

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/ngrok/binder/internal/proto"
)

// RemoteResources is a ResourceAccessor that forwards every operation over a
// unix socket to a peer running ServeResources. Descriptors cross the socket
// as SCM_RIGHTS control messages.
type RemoteResources struct {
	mu   sync.Mutex
	conn *net.UnixConn
}

// NewRemoteResources returns an accessor using conn. Requests are serialized;
// conn must not be used by anything else.
func NewRemoteResources(conn *net.UnixConn) *RemoteResources {
	return &RemoteResources{conn: conn}
}

// Get implements ResourceAccessor.
func (r *RemoteResources) Get(owner Identity, fd int32) (Resource, error) {
	_, f, err := r.roundTrip(proto.ResourceRequest{Op: proto.OpGet, PID: owner.PID, TID: owner.TID, Fd: fd}, -1)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, errors.Wrapf(unix.EBADF, "no descriptor returned for %d", fd)
	}
	return f, nil
}

// Install implements ResourceAccessor.
func (r *RemoteResources) Install(owner Identity, res Resource, cloexec bool) (int32, error) {
	f, ok := res.(fder)
	if !ok {
		return -1, errors.Wrapf(unix.EBADF, "resource %v has no descriptor", res)
	}
	req := proto.ResourceRequest{Op: proto.OpInstall, PID: owner.PID, TID: owner.TID, Cloexec: cloexec}
	resp, extra, err := r.roundTrip(req, int(f.Fd()))
	if extra != nil {
		extra.Close()
	}
	if err != nil {
		return -1, err
	}
	return resp.Fd, nil
}

// Close implements ResourceAccessor.
func (r *RemoteResources) Close(owner Identity, fd int32) error {
	_, extra, err := r.roundTrip(proto.ResourceRequest{Op: proto.OpClose, PID: owner.PID, TID: owner.TID, Fd: fd}, -1)
	if extra != nil {
		extra.Close()
	}
	return err
}

func (r *RemoteResources) roundTrip(req proto.ResourceRequest, fd int) (proto.ResourceResponse, *File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var resp proto.ResourceResponse
	if err := sendBlob(r.conn, req, fd); err != nil {
		return resp, nil, errors.Wrapf(err, "sending %s request", req.Op)
	}
	f, err := recvBlob(r.conn, &resp)
	if err != nil {
		return resp, nil, errors.Wrapf(err, "reading %s response", req.Op)
	}
	if resp.Errno != 0 {
		if f != nil {
			f.Close()
		}
		return resp, nil, errors.Wrap(unix.Errno(resp.Errno), resp.Error)
	}
	return resp, f, nil
}

func sendBlob(conn *net.UnixConn, obj interface{}, fd int) error {
	var buf bytes.Buffer
	if err := proto.WriteBlob(&buf, obj); err != nil {
		return err
	}
	return writeMsg(conn, buf.Bytes(), fd)
}

// recvBlob reads one blob and the descriptor sent with it. The descriptor
// arrives with the first bytes of the message, so those are read with
// recvmsg and the rest as plain stream data.
func recvBlob(conn *net.UnixConn, obj interface{}) (*File, error) {
	hdr := make([]byte, 4)
	n, f, err := readMsg(conn, hdr)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, io.EOF
	}
	if err := proto.ReadBlob(io.MultiReader(bytes.NewReader(hdr[:n]), conn), obj); err != nil {
		if f != nil {
			f.Close()
		}
		return nil, err
	}
	return f, nil
}

// ServeResources answers RemoteResources requests arriving on conn using
// backend, until the peer hangs up or ctx is done. conn is closed on return.
func ServeResources(ctx context.Context, conn *net.UnixConn, backend ResourceAccessor) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		conn.Close()
		return nil
	})
	g.Go(func() error {
		defer cancel()
		for {
			err := serveResource(conn, backend)
			if err == nil {
				continue
			}
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	})
	return g.Wait()
}

func serveResource(conn *net.UnixConn, backend ResourceAccessor) error {
	var req proto.ResourceRequest
	passed, err := recvBlob(conn, &req)
	if err != nil {
		return err
	}
	id := Identity{PID: req.PID, TID: req.TID}

	var (
		resp   proto.ResourceResponse
		got    Resource
		sendFd = -1
	)
	switch req.Op {
	case proto.OpGet:
		got, err = backend.Get(id, req.Fd)
		if err == nil {
			if f, ok := got.(fder); ok {
				sendFd = int(f.Fd())
			} else {
				err = errors.Wrapf(unix.EBADF, "resource %v has no descriptor", got)
			}
		}
	case proto.OpInstall:
		if passed == nil {
			err = errors.Wrap(unix.EBADF, "install request carried no descriptor")
			break
		}
		resp.Fd, err = backend.Install(id, passed, req.Cloexec)
	case proto.OpClose:
		err = backend.Close(id, req.Fd)
	default:
		err = errors.Wrapf(unix.EINVAL, "unknown operation %q", req.Op)
	}
	if passed != nil {
		passed.Close()
	}
	if err != nil {
		resp = proto.ResourceResponse{Errno: int32(ErrnoOf(err)), Error: err.Error()}
		sendFd = -1
	}

	werr := sendBlob(conn, resp, sendFd)
	if got != nil {
		got.Close()
	}
	return werr
}
