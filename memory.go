package binder

import (
	"github.com/pkg/errors"
)

// DefaultMaxTransfer is the per-call limit RemoteMemory uses when none is
// configured.
const DefaultMaxTransfer = 64 << 10

// RemoteMemory adapts a memory accessor that cannot move more than
// MaxTransfer bytes per call, such as a proxy to a process living in another
// address space, into one that accepts bulk transfers.
type RemoteMemory struct {
	Remote      MemoryAccessor
	MaxTransfer int
}

func (m *RemoteMemory) chunk() int {
	if m.MaxTransfer <= 0 {
		return DefaultMaxTransfer
	}
	return m.MaxTransfer
}

// ReadMemory implements MemoryAccessor.
func (m *RemoteMemory) ReadMemory(addr uint64, p []byte) error {
	n := m.chunk()
	for done := 0; done < len(p); {
		end := done + n
		if end > len(p) {
			end = len(p)
		}
		if err := m.Remote.ReadMemory(addr+uint64(done), p[done:end]); err != nil {
			return errors.Wrapf(err, "remote read at %#x", addr+uint64(done))
		}
		done = end
	}
	return nil
}

// WriteMemory implements MemoryAccessor.
func (m *RemoteMemory) WriteMemory(addr uint64, p []byte) error {
	n := m.chunk()
	for done := 0; done < len(p); {
		end := done + n
		if end > len(p) {
			end = len(p)
		}
		if err := m.Remote.WriteMemory(addr+uint64(done), p[done:end]); err != nil {
			return errors.Wrapf(err, "remote write at %#x", addr+uint64(done))
		}
		done = end
	}
	return nil
}

type unmarshaler interface {
	Unmarshal(b []byte) error
}

// readStruct reads size bytes at addr and decodes them into v.
func readStruct(mem MemoryAccessor, addr uint64, size int, v unmarshaler) error {
	b := make([]byte, size)
	if err := mem.ReadMemory(addr, b); err != nil {
		return errors.Wrapf(errFault(err), "read %d bytes at %#x", size, addr)
	}
	return v.Unmarshal(b)
}

func readBytes(mem MemoryAccessor, addr uint64, size uint64) ([]byte, error) {
	b := make([]byte, size)
	if size == 0 {
		return b, nil
	}
	if err := mem.ReadMemory(addr, b); err != nil {
		return nil, errors.Wrapf(errFault(err), "read %d bytes at %#x", size, addr)
	}
	return b, nil
}

func writeBytes(mem MemoryAccessor, addr uint64, b []byte) error {
	if err := mem.WriteMemory(addr, b); err != nil {
		return errors.Wrapf(errFault(err), "write %d bytes at %#x", len(b), addr)
	}
	return nil
}
