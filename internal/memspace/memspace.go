// Package memspace provides an in-memory stand-in for a process address
// space. It is what the demo command and the tests hand to the driver as a
// process's memory accessor.
package memspace

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type region struct {
	addr uint64
	mem  []byte
}

func (r region) end() uint64 {
	return r.addr + uint64(len(r.mem))
}

// AddressSpace is a sparse set of non-overlapping mapped regions.
type AddressSpace struct {
	mu      sync.RWMutex
	regions []region
	next    uint64
}

// New returns an empty address space whose allocations start at base.
func New(base uint64) *AddressSpace {
	return &AddressSpace{next: base}
}

// Map places mem at addr. The slice is shared, not copied, so a transfer
// buffer mapped here and handed to the driver is visible to both sides.
func (a *AddressSpace) Map(addr uint64, mem []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	nr := region{addr: addr, mem: mem}
	for _, r := range a.regions {
		if addr < r.end() && r.addr < nr.end() {
			return errors.Errorf("region %#x+%d overlaps %#x+%d", addr, len(mem), r.addr, len(r.mem))
		}
	}
	a.regions = append(a.regions, nr)
	sort.Slice(a.regions, func(i, j int) bool { return a.regions[i].addr < a.regions[j].addr })
	if nr.end() > a.next {
		a.next = nr.end()
	}
	return nil
}

// Alloc maps a fresh zeroed region of size bytes at the next free address,
// page aligned, and returns its address.
func (a *AddressSpace) Alloc(size int) uint64 {
	addr, err := a.Place(make([]byte, size))
	if err != nil {
		panic(err)
	}
	return addr
}

// Place maps mem at the next free page aligned address and returns it.
func (a *AddressSpace) Place(mem []byte) (uint64, error) {
	a.mu.Lock()
	addr := (a.next + 0xfff) &^ 0xfff
	// claim the range before mapping it
	a.next = addr + uint64(len(mem))
	a.mu.Unlock()
	if err := a.Map(addr, mem); err != nil {
		return 0, err
	}
	return addr, nil
}

func (a *AddressSpace) find(addr uint64, n int) ([]byte, error) {
	for _, r := range a.regions {
		if addr >= r.addr && addr+uint64(n) <= r.end() {
			off := addr - r.addr
			return r.mem[off : off+uint64(n)], nil
		}
	}
	return nil, errors.Wrapf(unix.EFAULT, "access %#x+%d", addr, n)
}

// ReadMemory copies len(p) bytes at addr into p.
func (a *AddressSpace) ReadMemory(addr uint64, p []byte) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	src, err := a.find(addr, len(p))
	if err != nil {
		return err
	}
	copy(p, src)
	return nil
}

// WriteMemory copies p to addr.
func (a *AddressSpace) WriteMemory(addr uint64, p []byte) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	dst, err := a.find(addr, len(p))
	if err != nil {
		return err
	}
	copy(dst, p)
	return nil
}
