package binder

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// pointerSize is the alignment of every section of a transaction buffer.
const pointerSize = 8

func alignUp(n uint64) uint64 {
	return (n + pointerSize - 1) &^ (pointerSize - 1)
}

func aligned(n uint64) bool {
	return n%pointerSize == 0
}

// interval is a live allocation in the transfer buffer, by offset from its
// start.
type interval struct {
	offset uint64
	length uint64
}

func (i interval) end() uint64 { return i.offset + i.length }

// allocator is a first-fit allocator over the mapped transfer buffer. Live
// intervals are kept sorted by offset and never overlap.
type allocator struct {
	size uint64
	live []interval
}

func newAllocator(size uint64) *allocator {
	return &allocator{size: size}
}

// allocate reserves length bytes at the first gap that fits.
func (a *allocator) allocate(length uint64) (uint64, error) {
	if length == 0 || !aligned(length) {
		return 0, errors.Wrapf(ErrMalformed, "allocation of %d bytes", length)
	}
	var cursor uint64
	idx := 0
	for ; idx < len(a.live); idx++ {
		if a.live[idx].offset-cursor >= length {
			break
		}
		cursor = a.live[idx].end()
	}
	if idx == len(a.live) && (cursor > a.size || a.size-cursor < length) {
		return 0, errors.Wrapf(ErrNoSpace, "need %d bytes", length)
	}
	a.live = append(a.live, interval{})
	copy(a.live[idx+1:], a.live[idx:])
	a.live[idx] = interval{offset: cursor, length: length}
	return cursor, nil
}

// free releases the interval starting exactly at offset.
func (a *allocator) free(offset uint64) (interval, error) {
	if offset >= a.size {
		return interval{}, errors.Wrapf(ErrInvalidBuffer, "offset %#x outside mapping", offset)
	}
	idx := sort.Search(len(a.live), func(i int) bool { return a.live[i].offset >= offset })
	if idx == len(a.live) || a.live[idx].offset != offset {
		return interval{}, errors.Wrapf(ErrInvalidBuffer, "offset %#x", offset)
	}
	iv := a.live[idx]
	a.live = append(a.live[:idx], a.live[idx+1:]...)
	return iv, nil
}

// bufferLayout is where each section of one transaction lands inside its
// block. Offsets are relative to the block start.
type bufferLayout struct {
	dataSize    uint64
	offsetsSize uint64
	buffersSize uint64
	secctxSize  uint64

	offsetsOff uint64
	buffersOff uint64
	secctxOff  uint64
	total      uint64
}

// layoutFor validates section sizes and computes the block layout. Raw data
// and the security context string are rounded up; offsets and scatter-gather
// budgets must already be pointer multiples.
func layoutFor(dataSize, offsetsSize, buffersSize, secctxSize uint64) (bufferLayout, error) {
	if !aligned(offsetsSize) {
		return bufferLayout{}, errors.Wrapf(ErrMalformed, "offsets size %d not a multiple of %d", offsetsSize, pointerSize)
	}
	if !aligned(buffersSize) {
		return bufferLayout{}, errors.Wrapf(ErrMalformed, "buffers size %d not a multiple of %d", buffersSize, pointerSize)
	}
	l := bufferLayout{
		dataSize:    dataSize,
		offsetsSize: offsetsSize,
		buffersSize: buffersSize,
		secctxSize:  secctxSize,
	}
	l.offsetsOff = alignUp(dataSize)
	l.buffersOff = l.offsetsOff + offsetsSize
	l.secctxOff = l.buffersOff + buffersSize
	l.total = l.secctxOff + alignUp(secctxSize)
	if l.total < dataSize {
		return bufferLayout{}, errors.Wrap(ErrMalformed, "section sizes overflow")
	}
	if l.total == 0 {
		// an empty transaction still needs a distinct address
		l.total = pointerSize
	}
	return l, nil
}

// mapping is a process's transfer buffer: memory shared between the driver
// and the process, mapped at base in the process's address space.
type mapping struct {
	mu    sync.Mutex
	base  uint64
	mem   []byte
	alloc *allocator
}

func newMapping(base uint64, mem []byte) *mapping {
	return &mapping{
		base:  base,
		mem:   mem,
		alloc: newAllocator(uint64(len(mem))),
	}
}

// reserve allocates a block for l and returns its offset.
func (m *mapping) reserve(l bufferLayout) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alloc.allocate(l.total)
}

// release frees the block at user address addr.
func (m *mapping) release(addr uint64) (interval, error) {
	if addr < m.base {
		return interval{}, errors.Wrapf(ErrInvalidBuffer, "address %#x below mapping", addr)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alloc.free(addr - m.base)
}

func (m *mapping) write(off uint64, p []byte) {
	copy(m.mem[off:off+uint64(len(p))], p)
}

func (m *mapping) read(off uint64, n uint64) []byte {
	b := make([]byte, n)
	copy(b, m.mem[off:off+n])
	return b
}

func (m *mapping) zero(iv interval) {
	b := m.mem[iv.offset:iv.end()]
	for i := range b {
		b[i] = 0
	}
}

func (m *mapping) addr(off uint64) uint64 {
	return m.base + off
}
