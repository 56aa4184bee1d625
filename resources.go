package binder

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// File is a Resource backed by a descriptor of the driver's own process.
//
// It keeps the raw descriptor because calling Fd on an *os.File puts it in
// blocking mode.
type File struct {
	*os.File
	fd uintptr
}

func (f *File) String() string {
	name := "<nil>"
	if f != nil && f.File != nil {
		name = f.Name()
	}
	return fmt.Sprintf("File(name=%q,fd=%v)", name, f.fd)
}

// Fd returns the descriptor without changing its mode.
func (f *File) Fd() uintptr {
	return f.fd
}

func newFile(fd uintptr, name string) *File {
	f := os.NewFile(fd, name)
	if f == nil {
		return nil
	}
	return &File{f, fd}
}

type fder interface {
	Fd() uintptr
}

func dup(fd uintptr, cloexec bool) (uintptr, error) {
	cmd := uintptr(unix.F_DUPFD)
	if cloexec {
		cmd = unix.F_DUPFD_CLOEXEC
	}
	dupfd, _, errno := unix.Syscall(unix.SYS_FCNTL, fd, cmd, 0)
	if errno != 0 {
		return 0, errors.Wrap(errno, "can't dup fd using fcntl")
	}
	return dupfd, nil
}

func dupFd(fd uintptr, name string) (*File, error) {
	dupfd, err := dup(fd, true)
	if err != nil {
		return nil, err
	}
	return newFile(dupfd, name), nil
}

// OSResources moves descriptors within the driver's own descriptor table.
// Every identity shares that table, which is right when the driver serves
// tasks that live in its process, as tests and the demo do.
type OSResources struct{}

// Get implements ResourceAccessor.
func (OSResources) Get(owner Identity, fd int32) (Resource, error) {
	if fd < 0 {
		return nil, errors.Wrapf(unix.EBADF, "descriptor %d", fd)
	}
	f, err := dupFd(uintptr(fd), fmt.Sprintf("binder:%d:%d", owner.PID, fd))
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Install implements ResourceAccessor.
func (OSResources) Install(owner Identity, r Resource, cloexec bool) (int32, error) {
	f, ok := r.(fder)
	if !ok {
		return -1, errors.Wrapf(unix.EBADF, "resource %v has no descriptor", r)
	}
	// not wrapped in a File: the descriptor belongs to the owner now and a
	// finalizer must not close it
	newfd, err := dup(f.Fd(), cloexec)
	if err != nil {
		return -1, err
	}
	return int32(newfd), nil
}

// Close implements ResourceAccessor.
func (OSResources) Close(owner Identity, fd int32) error {
	if err := unix.Close(int(fd)); err != nil {
		return errors.Wrapf(err, "close descriptor %d", fd)
	}
	return nil
}
