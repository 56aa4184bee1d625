package memspace

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestAllocIsPageAligned(t *testing.T) {
	a := New(0x10001)
	first := a.Alloc(10)
	second := a.Alloc(10)
	require.EqualValues(t, 0x11000, first)
	require.EqualValues(t, 0x12000, second)
}

func TestMapSharesMemory(t *testing.T) {
	a := New(0)
	mem := make([]byte, 16)
	require.NoError(t, a.Map(0x4000, mem))

	require.NoError(t, a.WriteMemory(0x4004, []byte("abcd")))
	require.Equal(t, []byte("abcd"), mem[4:8])

	mem[0] = 'z'
	b := make([]byte, 1)
	require.NoError(t, a.ReadMemory(0x4000, b))
	require.Equal(t, byte('z'), b[0])

	require.Error(t, a.Map(0x400f, make([]byte, 2)), "overlapping region")
	require.NoError(t, a.Map(0x4010, make([]byte, 2)), "adjacent region")
}

func TestAccessOutsideRegions(t *testing.T) {
	a := New(0x1000)
	addr := a.Alloc(8)

	err := a.ReadMemory(addr+4, make([]byte, 8))
	require.ErrorIs(t, err, unix.EFAULT, "runs off the end")
	err = a.WriteMemory(0x10, []byte{1})
	require.ErrorIs(t, err, unix.EFAULT)
}

func TestPlaceAfterMap(t *testing.T) {
	a := New(0)
	require.NoError(t, a.Map(0x8000, make([]byte, 0x100)))
	addr, err := a.Place(make([]byte, 4))
	require.NoError(t, err)
	require.EqualValues(t, 0x9000, addr)
}
