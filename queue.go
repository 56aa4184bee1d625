package binder

import (
	"sync"
)

// waiter is a wakeup registrable on any number of queues at once. Wakeups
// coalesce; a woken reader re-checks every condition it waits on.
type waiter struct {
	c chan struct{}
}

func newWaiter() *waiter {
	return &waiter{c: make(chan struct{}, 1)}
}

func (w *waiter) notify() {
	select {
	case w.c <- struct{}{}:
	default:
	}
}

// drain discards a pending wakeup.
func (w *waiter) drain() {
	select {
	case <-w.c:
	default:
	}
}

// commandQueue is a FIFO of commands for userspace. Its mutex is a leaf: no
// other lock is taken while it is held.
type commandQueue struct {
	mu      sync.Mutex
	cmds    []command
	waiters map[*waiter]struct{}
}

func newCommandQueue() *commandQueue {
	return &commandQueue{waiters: make(map[*waiter]struct{})}
}

func (q *commandQueue) push(c command) {
	q.mu.Lock()
	q.cmds = append(q.cmds, c)
	q.wakeLocked()
	q.mu.Unlock()
}

// pushFront returns a command that could not be delivered to the head of
// the queue.
func (q *commandQueue) pushFront(c command) {
	q.mu.Lock()
	q.cmds = append([]command{c}, q.cmds...)
	q.wakeLocked()
	q.mu.Unlock()
}

func (q *commandQueue) wakeLocked() {
	for w := range q.waiters {
		w.notify()
	}
}

func (q *commandQueue) pop() (command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.cmds) == 0 {
		return command{}, false
	}
	c := q.cmds[0]
	q.cmds[0] = command{}
	q.cmds = q.cmds[1:]
	return c, true
}

func (q *commandQueue) empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.cmds) == 0
}

func (q *commandQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.cmds)
}

func (q *commandQueue) register(w *waiter) {
	q.mu.Lock()
	q.waiters[w] = struct{}{}
	q.mu.Unlock()
}

func (q *commandQueue) unregister(w *waiter) {
	q.mu.Lock()
	delete(q.waiters, w)
	q.mu.Unlock()
}

// drainAll removes and returns every queued command.
func (q *commandQueue) drainAll() []command {
	q.mu.Lock()
	defer q.mu.Unlock()
	cmds := q.cmds
	q.cmds = nil
	return cmds
}

// removeIf removes the commands matching fn and returns them.
func (q *commandQueue) removeIf(fn func(command) bool) []command {
	q.mu.Lock()
	defer q.mu.Unlock()
	var removed []command
	kept := q.cmds[:0]
	for _, c := range q.cmds {
		if fn(c) {
			removed = append(removed, c)
		} else {
			kept = append(kept, c)
		}
	}
	for i := len(kept); i < len(q.cmds); i++ {
		q.cmds[i] = command{}
	}
	q.cmds = kept
	return removed
}

// any reports whether a queued command matches fn.
func (q *commandQueue) any(fn func(command) bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, c := range q.cmds {
		if fn(c) {
			return true
		}
	}
	return false
}
