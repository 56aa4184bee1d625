package binder

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// errnoError is a sentinel that also names the errno userspace sees.
type errnoError struct {
	msg   string
	errno unix.Errno
}

func (e *errnoError) Error() string     { return e.msg }
func (e *errnoError) Errno() unix.Errno { return e.errno }

func newErrno(errno unix.Errno, msg string) error {
	return &errnoError{msg: msg, errno: errno}
}

var (
	// ErrNoSpace indicates the receiver's transfer buffer has no gap large
	// enough for a transaction.
	ErrNoSpace = newErrno(unix.ENOSPC, "no space left in transfer buffer")
	// ErrMalformed indicates a transaction or command payload that cannot be
	// interpreted: misaligned sizes, objects out of bounds, parents that do not
	// precede their children, unknown object types.
	ErrMalformed = newErrno(unix.EINVAL, "malformed payload")
	// ErrInvalidBuffer is returned when freeing an address that is not the
	// start of a live transaction buffer.
	ErrInvalidBuffer = newErrno(unix.EINVAL, "not a live transaction buffer")
	// ErrNoSuchEntry is returned for a handle that is not in the handle table.
	ErrNoSuchEntry = newErrno(unix.ENOENT, "no such handle")
	// ErrProtocol indicates userspace broke the reference counting or looper
	// protocol, for example acknowledging an increment that was never sent.
	ErrProtocol = newErrno(unix.EINVAL, "protocol error")
	// ErrClosed is returned to threads of a process whose connection has been
	// closed.
	ErrClosed = newErrno(unix.EBADF, "connection closed")
	// ErrInterrupted is returned by a read that was interrupted before any
	// command was available. The interrupt is consumed.
	ErrInterrupted = newErrno(unix.EINTR, "interrupted")
	// ErrAlreadyMapped is returned by a second mmap of the same connection.
	ErrAlreadyMapped = newErrno(unix.EBUSY, "transfer buffer already mapped")
	// ErrNotMapped is returned when a transaction targets a process that has
	// not mapped its transfer buffer yet.
	ErrNotMapped = newErrno(unix.ENOMEM, "transfer buffer not mapped")
	// ErrContextManagerExists is returned when registering a second context
	// manager while the first one is alive.
	ErrContextManagerExists = newErrno(unix.EBUSY, "context manager already registered")
	// ErrNoContextManager is returned for handle 0 when no context manager is
	// registered.
	ErrNoContextManager = newErrno(unix.ENOENT, "no context manager")
	// ErrUnsupported is returned for commands and requests the driver does not
	// implement.
	ErrUnsupported = newErrno(unix.EINVAL, "unsupported")
	// ErrBusy is returned by a freeze request while synchronous transactions
	// are outstanding.
	ErrBusy = newErrno(unix.EAGAIN, "transactions outstanding")
	// ErrDeadObject is returned when the owner of an object is gone.
	ErrDeadObject = newErrno(unix.ESRCH, "owner of object is dead")

	errNotPermitted = newErrno(unix.EPERM, "operation not permitted")
)

// ErrnoOf returns the errno userspace should see for err. Errors that carry
// no errno map to EINVAL.
func ErrnoOf(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var withErrno interface{ Errno() unix.Errno }
	if errors.As(err, &withErrno) {
		return withErrno.Errno()
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EINVAL
}

// FailureKind classifies why a transaction could not be delivered. Each kind
// maps to exactly one return command delivered to the sending thread.
type FailureKind int

const (
	// FailureMalformed is delivered as BR_ERROR carrying the errno.
	FailureMalformed FailureKind = iota
	// FailureUnreachable is delivered as BR_FAILED_REPLY.
	FailureUnreachable
	// FailureDead is delivered as BR_DEAD_REPLY.
	FailureDead
	// FailureFrozen is delivered as BR_FROZEN_REPLY.
	FailureFrozen
)

func (k FailureKind) String() string {
	switch k {
	case FailureMalformed:
		return "malformed"
	case FailureUnreachable:
		return "failed"
	case FailureDead:
		return "dead"
	case FailureFrozen:
		return "frozen"
	default:
		return fmt.Sprintf("FailureKind(%d)", int(k))
	}
}

// TransactionError is a classified transaction failure.
type TransactionError struct {
	Kind FailureKind
	Err  error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %s: %v", e.Kind, e.Err)
}

func (e *TransactionError) Cause() error  { return e.Err }
func (e *TransactionError) Unwrap() error { return e.Err }

// returnCommand is the command delivered to the sender for this failure.
func (e *TransactionError) returnCommand() command {
	switch e.Kind {
	case FailureUnreachable:
		return command{kind: cmdFailedReply}
	case FailureDead:
		return command{kind: cmdDeadReply}
	case FailureFrozen:
		return command{kind: cmdFrozenReply}
	default:
		return command{kind: cmdError, errno: -int32(ErrnoOf(e.Err))}
	}
}

func malformed(err error) *TransactionError {
	return &TransactionError{Kind: FailureMalformed, Err: err}
}

func unreachable(err error) *TransactionError {
	return &TransactionError{Kind: FailureUnreachable, Err: err}
}

func deadTarget(err error) *TransactionError {
	return &TransactionError{Kind: FailureDead, Err: err}
}

func frozenTarget(err error) *TransactionError {
	return &TransactionError{Kind: FailureFrozen, Err: err}
}

// classify turns an arbitrary failure during delivery into a
// TransactionError. Allocation and addressing failures are unreachable;
// everything else unclassified is malformed.
func classify(err error) *TransactionError {
	var te *TransactionError
	if errors.As(err, &te) {
		return te
	}
	switch {
	case errors.Is(err, ErrNoSpace), errors.Is(err, ErrNotMapped):
		return unreachable(err)
	case errors.Is(err, ErrDeadObject):
		return deadTarget(err)
	default:
		return malformed(err)
	}
}

type faultError struct {
	err error
}

func (e *faultError) Error() string     { return e.err.Error() }
func (e *faultError) Unwrap() error     { return e.err }
func (e *faultError) Cause() error      { return e.err }
func (e *faultError) Errno() unix.Errno { return unix.EFAULT }

// errFault makes a memory access failure surface as EFAULT unless it already
// names an errno.
func errFault(err error) error {
	var withErrno interface{ Errno() unix.Errno }
	var errno unix.Errno
	if errors.As(err, &withErrno) || errors.As(err, &errno) {
		return err
	}
	return &faultError{err: err}
}
