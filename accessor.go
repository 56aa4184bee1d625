package binder

import (
	"io"
)

// Identity names the task on whose behalf the driver is acting.
type Identity struct {
	PID  int32
	TID  int32
	EUID uint32
}

// MemoryAccessor moves bytes in and out of a process's address space.
type MemoryAccessor interface {
	ReadMemory(addr uint64, p []byte) error
	WriteMemory(addr uint64, p []byte) error
}

// Resource is an open file the driver holds while moving it between
// processes. Closing it drops the driver's reference, not the receiver's.
type Resource interface {
	io.Closer
}

// ResourceAccessor opens, installs and closes descriptors in a task's
// descriptor table.
type ResourceAccessor interface {
	// Get takes a reference on the file behind fd in owner's table.
	Get(owner Identity, fd int32) (Resource, error)
	// Install adds r to owner's table and returns the new descriptor.
	Install(owner Identity, r Resource, cloexec bool) (int32, error)
	// Close closes fd in owner's table.
	Close(owner Identity, fd int32) error
}

// SecurityPolicy gates transactions and context manager registration.
type SecurityPolicy interface {
	CheckTransaction(sender, target Identity) error
	CheckContextManager(id Identity) error
	// SecurityContext returns the label passed to objects that asked for
	// the sender's security context. An empty string means none.
	SecurityContext(id Identity) (string, error)
}

// AllowAll is the default SecurityPolicy.
type AllowAll struct{}

func (AllowAll) CheckTransaction(sender, target Identity) error { return nil }
func (AllowAll) CheckContextManager(id Identity) error          { return nil }
func (AllowAll) SecurityContext(id Identity) (string, error)    { return "", nil }

// Priority is a scheduler policy and priority pair.
type Priority struct {
	Policy   uint32
	Priority int32
}

// Scheduler reads and applies thread priorities. A thread serving a
// synchronous transaction runs at the sender's priority until it replies,
// when the target object allows priority inheritance.
type Scheduler interface {
	Priority(tid int32) Priority
	SetPriority(tid int32, p Priority) error
}

// NoopScheduler never changes priorities.
type NoopScheduler struct{}

func (NoopScheduler) Priority(tid int32) Priority              { return Priority{} }
func (NoopScheduler) SetPriority(tid int32, p Priority) error { return nil }
