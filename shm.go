package binder

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// NewSharedMemory maps size bytes of anonymous shared memory, suitable as a
// transfer buffer passed to Conn.Mmap. Release it with ReleaseSharedMemory
// once the connection is closed.
func NewSharedMemory(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.Wrapf(ErrMalformed, "transfer buffer size %d", size)
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrap(err, "could not map transfer buffer")
	}
	return mem, nil
}

// ReleaseSharedMemory unmaps memory returned by NewSharedMemory.
func ReleaseSharedMemory(mem []byte) error {
	return errors.Wrap(unix.Munmap(mem), "could not unmap transfer buffer")
}
