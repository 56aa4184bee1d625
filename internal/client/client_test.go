package client

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/ngrok/binder/internal/memspace"
	"github.com/ngrok/binder/internal/proto"
)

// echoDevice answers BINDER_WRITE_READ by consuming the whole write buffer
// and reading back a fixed set of returns.
type echoDevice struct {
	mem     *memspace.AddressSpace
	returns []byte
	writes  [][]byte
	mapped  []uint64
}

func (d *echoDevice) Mmap(addr uint64, mem []byte) error {
	d.mapped = append(d.mapped, addr)
	return nil
}

func (d *echoDevice) Ioctl(ctx context.Context, tid int32, req uint32, arg uint64) error {
	if req != proto.IoctlWriteRead {
		return errors.Errorf("unexpected ioctl %#x", req)
	}
	hdr := make([]byte, proto.SizeWriteRead)
	if err := d.mem.ReadMemory(arg, hdr); err != nil {
		return err
	}
	var wr proto.WriteRead
	if err := wr.Unmarshal(hdr); err != nil {
		return err
	}
	if wr.WriteSize > 0 {
		w := make([]byte, wr.WriteSize)
		if err := d.mem.ReadMemory(wr.WriteBuffer, w); err != nil {
			return err
		}
		d.writes = append(d.writes, w)
		wr.WriteConsumed = wr.WriteSize
	}
	if wr.ReadSize > 0 && len(d.returns) > 0 {
		n := copy(make([]byte, wr.ReadSize), d.returns)
		if err := d.mem.WriteMemory(wr.ReadBuffer, d.returns[:n]); err != nil {
			return err
		}
		d.returns = d.returns[n:]
		wr.ReadConsumed = uint64(n)
	}
	return d.mem.WriteMemory(arg, wr.Marshal())
}

func TestParseReturn(t *testing.T) {
	td := proto.TransactionData{Target: 0x10, Cookie: 0x20, Code: 3, DataSize: 4, DataBuffer: 0x9000}
	sec := proto.TransactionDataSecCtx{TransactionData: td, SecCtx: 0x9010}
	frozen := proto.FrozenStateInfo{Cookie: 5, IsFrozen: 1}
	pc := proto.PtrCookie{Ptr: 1, Cookie: 2}
	errno := make([]byte, 4)
	proto.PutUint32(errno, uint32(0xffffffea))

	var stream []byte
	stream = append(stream, Cmd(proto.BRTransaction, td.Marshal())...)
	stream = append(stream, Cmd(proto.BRTransactionSecCtx, sec.Marshal())...)
	stream = append(stream, Cmd(proto.BRFrozenBinder, frozen.Marshal())...)
	stream = append(stream, Cmd(proto.BRAcquire, pc.Marshal())...)
	stream = append(stream, Cmd(proto.BRError, errno)...)
	stream = append(stream, Cmd(proto.BRTransactionComplete)...)

	var got []Return
	for len(stream) > 0 {
		r, n, err := ParseReturn(stream)
		require.NoError(t, err)
		got = append(got, r)
		stream = stream[n:]
	}
	require.Len(t, got, 6)
	require.Equal(t, td, *got[0].Txn)
	require.Equal(t, td, *got[1].Txn)
	require.EqualValues(t, 0x9010, got[1].SecCtx)
	require.Equal(t, uint64(5), got[2].Cookie)
	require.True(t, got[2].Frozen)
	require.Equal(t, pc, got[3].Object)
	require.EqualValues(t, -22, got[4].Errno)
	require.Equal(t, "BR_TRANSACTION_COMPLETE", got[5].String())

	_, _, err := ParseReturn(Cmd(proto.BRTransaction, make([]byte, 8)))
	require.Error(t, err)
	require.Equal(t, "BR(0x1234)", ReturnName(0x1234))
}

func TestTransactionBuildsCommand(t *testing.T) {
	mem := memspace.New(0x10000)
	c := New(&echoDevice{mem: mem}, mem)

	cmd := c.Transaction(3, 7, proto.FlagOneway, Payload{Data: []byte("data"), Offsets: []uint64{0}})
	require.Equal(t, proto.BCTransaction, proto.Uint32(cmd))
	var td proto.TransactionData
	require.NoError(t, td.Unmarshal(cmd[4:]))
	require.EqualValues(t, 3, td.Handle())
	require.EqualValues(t, 7, td.Code)
	require.EqualValues(t, 4, td.DataSize)
	require.EqualValues(t, 8, td.OffsetsSize)

	data, err := c.Data(&td)
	require.NoError(t, err)
	require.Equal(t, []byte("data"), data)
	offsets, err := c.Offsets(&td)
	require.NoError(t, err)
	require.Equal(t, []uint64{0}, offsets)

	sg := c.Reply(1, 0, Payload{BuffersSize: 16})
	require.Equal(t, proto.BCReplySG, proto.Uint32(sg))
	require.Len(t, sg, 4+proto.SizeTransactionDataSG)
}

func TestWriteAndRead(t *testing.T) {
	mem := memspace.New(0x10000)
	dev := &echoDevice{mem: mem, returns: append(Cmd(proto.BRNoop), Cmd(proto.BRDeadReply)...)}
	c := New(dev, mem)

	require.NoError(t, c.Write(context.Background(), 1, EnterLooper(), FreeBuffer(0x42)))
	require.Len(t, dev.writes, 1)
	require.Equal(t, append(EnterLooper(), FreeBuffer(0x42)...), dev.writes[0])

	ret, err := c.Read(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, "BR_NOOP", ret.String())

	_, err = c.Read(context.Background(), 1)
	require.ErrorIs(t, err, ErrNothingRead)

	addr, err := c.Map(make([]byte, 4096))
	require.NoError(t, err)
	require.Equal(t, []uint64{addr}, dev.mapped)
}
