package binder

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ngrok/binder/internal/memspace"
)

func openRawProcess(t *testing.T, d *Driver, pid int32) *Process {
	conn, err := d.Open(OpenOptions{Identity: Identity{PID: pid}, Memory: memspace.New(0x10000)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn.p
}

func queuedKinds(q *commandQueue) []commandKind {
	var kinds []commandKind
	for _, c := range q.drainAll() {
		kinds = append(kinds, c.kind)
	}
	return kinds
}

func TestHandleTableInsertAndEvict(t *testing.T) {
	d := newTestDriver()
	owner := openRawProcess(t, d, 1)
	holder := openRawProcess(t, d, 2)

	a, err := owner.objectFor(LocalObject{Ptr: 0x10, Cookie: 0x11}, 0)
	require.NoError(t, err)
	b, err := owner.objectFor(LocalObject{Ptr: 0x20, Cookie: 0x21}, 0)
	require.NoError(t, err)

	h, err := holder.insertHandle(takeRef(a, true))
	require.NoError(t, err)
	require.EqualValues(t, 1, h)
	require.Equal(t, []commandKind{cmdAcquire}, queuedKinds(owner.queue))

	// the same object always maps to the same handle; the extra hold is
	// handed back
	h, err = holder.insertHandle(takeRef(a, true))
	require.NoError(t, err)
	require.EqualValues(t, 1, h)
	strong, weak := a.counts()
	require.Equal(t, 1, strong)
	require.Equal(t, 0, weak)

	h, err = holder.insertHandle(takeRef(a, false))
	require.NoError(t, err)
	require.EqualValues(t, 1, h)
	require.Equal(t, []commandKind{cmdIncRefs}, queuedKinds(owner.queue))

	h, err = holder.insertHandle(takeRef(b, true))
	require.NoError(t, err)
	require.EqualValues(t, 2, h)

	require.NoError(t, holder.decRef(1, true))
	require.NoError(t, holder.decRef(1, true))
	require.ErrorIs(t, holder.decRef(1, true), ErrProtocol, "strong count already zero")
	require.NoError(t, holder.decRef(1, false))
	require.ErrorIs(t, holder.decRef(1, false), ErrNoSuchEntry, "evicted")

	strong, weak = a.counts()
	require.Equal(t, 0, strong)
	require.Equal(t, 0, weak)

	// the freed handle is the next one given out
	c, err := owner.objectFor(LocalObject{Ptr: 0x30, Cookie: 0x31}, 0)
	require.NoError(t, err)
	h, err = holder.insertHandle(takeRef(c, true))
	require.NoError(t, err)
	require.EqualValues(t, 1, h)
}

func TestObjectReapedAfterLateAck(t *testing.T) {
	d := newTestDriver()
	owner := openRawProcess(t, d, 1)
	holder := openRawProcess(t, d, 2)

	local := LocalObject{Ptr: 0x10, Cookie: 0x11}
	obj, err := owner.objectFor(local, 0)
	require.NoError(t, err)
	h, err := holder.insertHandle(takeRef(obj, true))
	require.NoError(t, err)
	require.NoError(t, holder.decRef(h, true))
	require.Equal(t, []commandKind{cmdAcquire}, queuedKinds(owner.queue))

	// the release is held back until the owner acknowledges the acquire
	require.NoError(t, owner.ackRef(local, true))
	require.Equal(t, []commandKind{cmdRelease}, queuedKinds(owner.queue))

	owner.mu.Lock()
	_, ok := owner.objects[local]
	owner.mu.Unlock()
	require.False(t, ok, "idle object should have been reaped")

	require.ErrorIs(t, owner.ackRef(local, true), ErrProtocol)
}

func TestContextManagerHandleCommands(t *testing.T) {
	d := newTestDriver()
	p := openRawProcess(t, d, 1)

	require.ErrorIs(t, p.incRef(0, true), ErrNoContextManager)
	require.ErrorIs(t, p.decRef(0, true), ErrNoContextManager)

	require.NoError(t, p.setContextManager(LocalObject{}, 0))
	require.ErrorIs(t, p.setContextManager(LocalObject{Ptr: 1}, 0), ErrContextManagerExists)
	require.NoError(t, p.incRef(0, true))
	require.NoError(t, p.decRef(0, true))
	require.Empty(t, queuedKinds(p.queue))
}

// TestHandleTableRandomCounts drives random increments and decrements against
// a model: an entry is retrievable exactly while one of its counts is
// positive, and each positive count is one hold on the object.
func TestHandleTableRandomCounts(t *testing.T) {
	type model struct {
		handle       uint32
		strong, weak int
	}
	for seed := int64(1); seed <= 20; seed++ {
		rng := rand.New(rand.NewSource(seed))
		d := newTestDriver()
		owner := openRawProcess(t, d, 1)
		holder := openRawProcess(t, d, 2)

		locals := []LocalObject{{Ptr: 0x10}, {Ptr: 0x20}, {Ptr: 0x30}, {Ptr: 0x40}}
		objs := make([]*Object, len(locals))
		for i, local := range locals {
			obj, err := owner.objectFor(local, 0)
			require.NoError(t, err)
			objs[i] = obj
		}
		models := make([]*model, len(objs))

		for op := 0; op < 300; op++ {
			i := rng.Intn(len(objs))
			strong := rng.Intn(2) == 0
			m := models[i]
			count := func(m *model) *int {
				if strong {
					return &m.strong
				}
				return &m.weak
			}

			switch {
			case m == nil || rng.Intn(4) == 0:
				h, err := holder.insertHandle(takeRef(objs[i], strong))
				require.NoError(t, err)
				if m == nil {
					m = &model{handle: h}
					models[i] = m
				}
				require.Equalf(t, m.handle, h, "seed %d: existing entry keeps its handle", seed)
				if *count(m) == 0 {
					*count(m) = 1
				} else {
					*count(m)++
				}
			case rng.Intn(2) == 0:
				require.NoError(t, holder.incRef(m.handle, strong))
				*count(m)++
			default:
				err := holder.decRef(m.handle, strong)
				if *count(m) == 0 {
					require.ErrorIsf(t, err, ErrProtocol, "seed %d", seed)
					break
				}
				require.NoError(t, err)
				*count(m)--
				if m.strong == 0 && m.weak == 0 {
					models[i] = nil
				}
			}

			held := func(n int) int {
				if n > 0 {
					return 1
				}
				return 0
			}
			for j, m := range models {
				holder.mu.Lock()
				h, ok := holder.handles.handleFor(objs[j])
				var got *Object
				var err error
				if m != nil {
					got, err = holder.handles.lookup(m.handle)
				}
				holder.mu.Unlock()
				strongHolds, weakHolds := objs[j].counts()
				if m == nil {
					require.Falsef(t, ok, "seed %d: object %d still has a handle", seed, j)
					require.Zero(t, strongHolds)
					require.Zero(t, weakHolds)
					continue
				}
				require.NoError(t, err)
				require.Same(t, objs[j], got)
				require.True(t, ok)
				require.Equal(t, m.handle, h)
				require.Equal(t, held(m.strong), strongHolds)
				require.Equal(t, held(m.weak), weakHolds)
			}
		}

		// registering the same address again finds the same object
		for i, local := range locals {
			obj, err := owner.objectFor(local, 0)
			require.NoError(t, err)
			require.Same(t, objs[i], obj)
		}
	}
}
