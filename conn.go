package binder

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/ngrok/binder/internal/proto"
)

// Conn is one open connection to the driver, the equivalent of an open file
// description of the device. Threads of the process are named by tid on
// every call.
type Conn struct {
	p *Process
}

// PID is the process id the connection was opened with.
func (c *Conn) PID() int32 {
	return c.p.id.PID
}

// Mmap maps the process's transfer buffer. mem is shared with the process,
// which sees it at addr. A connection maps exactly one buffer.
func (c *Conn) Mmap(addr uint64, mem []byte) error {
	if len(mem) == 0 {
		return errors.Wrap(ErrMalformed, "empty transfer buffer")
	}
	if c.p.closed.Load() {
		return ErrClosed
	}
	return c.p.mmap(addr, mem)
}

// Poll reports the events ready for thread tid: always writable, readable
// when its own queue or the process queue has a command.
func (c *Conn) Poll(tid int32) int16 {
	p := c.p
	if p.closed.Load() {
		return unix.POLLERR
	}
	events := int16(unix.POLLOUT | proto.PollWrNorm)
	t, err := p.thread(tid)
	if err != nil {
		return unix.POLLERR
	}
	if !t.queue.empty() || !p.queue.empty() {
		events |= unix.POLLIN | proto.PollRdNorm
	}
	return events
}

// Flush wakes every thread blocked in a read. Each returns with nothing read
// and queued commands stay queued.
func (c *Conn) Flush() {
	c.p.kick()
}

// Interrupt makes the current or next blocking read of thread tid fail with
// EINTR. The interrupt is consumed by that read.
func (c *Conn) Interrupt(tid int32) {
	t, err := c.p.thread(tid)
	if err != nil {
		return
	}
	t.interrupt()
}

// Close tears the process down: its objects die, subscribers are told, and
// callers waiting on it get BR_DEAD_REPLY.
func (c *Conn) Close() error {
	c.p.release()
	return nil
}
