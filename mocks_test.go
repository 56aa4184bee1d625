package binder

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// mockResource is a descriptor's open file in mockResources.
type mockResource struct {
	name   string
	closed *int
}

func (r *mockResource) Close() error {
	*r.closed++
	return nil
}

// mockResources keeps one descriptor table per pid.
type mockResources struct {
	mu     sync.Mutex
	tables map[int32]map[int32]string
	next   int32
	// dropped counts driver references closed with Resource.Close.
	dropped int
}

func newMockResources() *mockResources {
	return &mockResources{tables: make(map[int32]map[int32]string), next: 100}
}

func (m *mockResources) open(pid int32, name string) int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openLocked(pid, name)
}

func (m *mockResources) openLocked(pid int32, name string) int32 {
	t, ok := m.tables[pid]
	if !ok {
		t = make(map[int32]string)
		m.tables[pid] = t
	}
	m.next++
	t[m.next] = name
	return m.next
}

func (m *mockResources) name(pid, fd int32) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.tables[pid][fd]
	return name, ok
}

func (m *mockResources) count(pid int32) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables[pid])
}

func (m *mockResources) Get(owner Identity, fd int32) (Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.tables[owner.PID][fd]
	if !ok {
		return nil, errors.Wrapf(unix.EBADF, "pid %d fd %d", owner.PID, fd)
	}
	return &mockResource{name: name, closed: &m.dropped}, nil
}

func (m *mockResources) Install(owner Identity, r Resource, cloexec bool) (int32, error) {
	res, ok := r.(*mockResource)
	if !ok {
		return -1, fmt.Errorf("foreign resource %T", r)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openLocked(owner.PID, res.name), nil
}

func (m *mockResources) Close(owner Identity, fd int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[owner.PID][fd]; !ok {
		return errors.Wrapf(unix.EBADF, "pid %d fd %d", owner.PID, fd)
	}
	delete(m.tables[owner.PID], fd)
	return nil
}

// mockScheduler records priority changes.
type mockScheduler struct {
	mu      sync.Mutex
	current map[int32]Priority
	changes []Priority
}

func newMockScheduler() *mockScheduler {
	return &mockScheduler{current: make(map[int32]Priority)}
}

func (s *mockScheduler) Priority(tid int32) Priority {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current[tid]
}

func (s *mockScheduler) SetPriority(tid int32, p Priority) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current[tid] = p
	s.changes = append(s.changes, p)
	return nil
}

// mockSecurity denies transactions into denyPID and labels every sender.
type mockSecurity struct {
	denyPID    int32
	denyCtxMgr bool
}

func (s mockSecurity) CheckTransaction(sender, target Identity) error {
	if target.PID == s.denyPID {
		return errors.Errorf("pid %d may not call pid %d", sender.PID, target.PID)
	}
	return nil
}

func (s mockSecurity) CheckContextManager(id Identity) error {
	if s.denyCtxMgr {
		return errors.Errorf("pid %d may not be the context manager", id.PID)
	}
	return nil
}

func (s mockSecurity) SecurityContext(id Identity) (string, error) {
	return fmt.Sprintf("u:r:pid%d:s0", id.PID), nil
}
