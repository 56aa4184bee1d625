package binder

import (
	"github.com/pkg/errors"
)

// contextManagerHandle is the handle every process uses for the context
// manager. It never appears in a handle table.
const contextManagerHandle = 0

// handleEntry is a process's reference to an object owned elsewhere. Each
// nonzero counter is backed by exactly one hold on the object.
type handleEntry struct {
	obj    *Object
	strong uint32
	weak   uint32
	valid  bool
}

func (e *handleEntry) counter(strong bool) *uint32 {
	if strong {
		return &e.strong
	}
	return &e.weak
}

// handleTable maps handles to objects. Handles start at 1 and are reused once
// their entry is evicted. It is guarded by the owning process's mutex.
type handleTable struct {
	entries  []handleEntry
	freeList []uint32
	byObject map[*Object]uint32
}

func newHandleTable() handleTable {
	return handleTable{byObject: make(map[*Object]uint32)}
}

func (t *handleTable) entry(h uint32) (*handleEntry, error) {
	if h == contextManagerHandle || int(h) > len(t.entries) {
		return nil, errors.Wrapf(ErrNoSuchEntry, "handle %d", h)
	}
	e := &t.entries[h-1]
	if !e.valid {
		return nil, errors.Wrapf(ErrNoSuchEntry, "handle %d", h)
	}
	return e, nil
}

// lookup returns the object behind h.
func (t *handleTable) lookup(h uint32) (*Object, error) {
	e, err := t.entry(h)
	if err != nil {
		return nil, err
	}
	return e.obj, nil
}

// handleFor returns the handle already referring to obj, if any.
func (t *handleTable) handleFor(obj *Object) (uint32, bool) {
	h, ok := t.byObject[obj]
	return h, ok
}

// insertForTransaction gives the table a reference of hold's kind on its
// object. If an entry exists the counter is bumped and hold is handed back
// for release; otherwise a new entry takes hold as its first reference.
func (t *handleTable) insertForTransaction(hold ref) (uint32, refActions) {
	var actions refActions
	if h, ok := t.byObject[hold.obj]; ok {
		e := &t.entries[h-1]
		c := e.counter(hold.strong)
		if *c == 0 {
			*c = 1
		} else {
			*c++
			actions.release(hold)
		}
		return h, actions
	}

	e := handleEntry{obj: hold.obj, valid: true}
	*e.counter(hold.strong) = 1

	var h uint32
	if len(t.freeList) > 0 {
		h = t.freeList[len(t.freeList)-1]
		t.freeList = t.freeList[:len(t.freeList)-1]
		t.entries[h-1] = e
	} else {
		t.entries = append(t.entries, e)
		h = uint32(len(t.entries))
	}
	t.byObject[hold.obj] = h
	return h, actions
}

// inc increments a counter on h. Taking the first reference of a kind takes a
// hold on the object, which is done immediately.
func (t *handleTable) inc(h uint32, strong bool) error {
	e, err := t.entry(h)
	if err != nil {
		return err
	}
	c := e.counter(strong)
	if *c == 0 {
		takeRef(e.obj, strong)
	}
	*c++
	return nil
}

// dec decrements a counter on h. The hold backing it is returned for release
// when it reaches zero, and the entry is evicted when both counters are zero.
func (t *handleTable) dec(h uint32, strong bool) (refActions, error) {
	var actions refActions
	e, err := t.entry(h)
	if err != nil {
		return actions, err
	}
	c := e.counter(strong)
	if *c == 0 {
		return actions, errors.Wrapf(ErrProtocol, "handle %d: decrement of zero count", h)
	}
	*c--
	if *c == 0 {
		actions.release(ref{obj: e.obj, strong: strong})
	}
	if e.strong == 0 && e.weak == 0 {
		t.evict(h)
	}
	return actions, nil
}

func (t *handleTable) evict(h uint32) {
	e := &t.entries[h-1]
	delete(t.byObject, e.obj)
	*e = handleEntry{}
	t.freeList = append(t.freeList, h)
}

// releaseAll empties the table, returning every hold it had.
func (t *handleTable) releaseAll() refActions {
	var actions refActions
	for i := range t.entries {
		e := &t.entries[i]
		if !e.valid {
			continue
		}
		if e.strong > 0 {
			actions.release(ref{obj: e.obj, strong: true})
		}
		if e.weak > 0 {
			actions.release(ref{obj: e.obj, strong: false})
		}
	}
	t.entries = nil
	t.freeList = nil
	t.byObject = make(map[*Object]uint32)
	return actions
}
