// Package binder implements the core of a Binder IPC driver: the state behind
// the device node that processes open, map and drive with BINDER_WRITE_READ.
//
// Each Conn is one process. Processes own objects, address other processes'
// objects through per-process handle tables, and exchange transactions whose
// payloads are copied once into the receiver's transfer buffer. References
// embedded in a payload (objects, handles, descriptors, nested buffers) are
// translated on the way through. Reference counts on objects are mirrored in
// the owning process through an asynchronous increment/acknowledge protocol.
//
// The driver does not touch real process memory or descriptor tables
// itself. Callers supply a MemoryAccessor and, for descriptor passing, a
// ResourceAccessor for every process they open.
//
// Locks are taken in this order and never the other way around:
//
//	Process.mu > Thread.mu > Object.mu > threadPool.mu > commandQueue.mu
//
// At most one Process.mu is held at a time. Driver.mu, the mapping lock and
// the notification bookkeeping lock are leaves.
package binder
