package binder

import (
	"sync"
	"sync/atomic"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"
)

// Driver is one binder device instance: the registry of open connections and
// the context manager they share.
type Driver struct {
	l         log15.Logger
	clock     clock.PassiveClock
	metrics   *Metrics
	resources ResourceAccessor
	security  SecurityPolicy
	scheduler Scheduler
	// maxThreads is the thread pool limit a new process starts with.
	maxThreads uint32

	nextTxID atomic.Uint64

	// mu guards the registry. It is a leaf: nothing else is locked while it
	// is held.
	mu         sync.RWMutex
	nextKey    processKey
	procs      map[processKey]*Process
	contextMgr *Object
}

// Option is an option function for Driver.
// See Rob Pike's post on the topic for more information on this pattern:
// https://commandcenter.blogspot.com/2014/01/self-referential-functions-and-design.html
type Option func(d *Driver)

// WithLogger configures the logger to use for driver operations.
// By default, nothing will be logged.
func WithLogger(l log15.Logger) Option {
	return func(d *Driver) {
		d.l = l
	}
}

// WithClock configures the clock transaction round trips are timed with.
func WithClock(c clock.PassiveClock) Option {
	return func(d *Driver) {
		d.clock = c
	}
}

// WithMetrics registers the driver's collectors with reg. Without it the
// collectors still count but are not exported.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(d *Driver) {
		d.metrics = NewMetrics(reg)
	}
}

// WithResources configures the accessor used to move file descriptors for
// processes opened without their own.
func WithResources(r ResourceAccessor) Option {
	return func(d *Driver) {
		d.resources = r
	}
}

// WithSecurity configures the policy gating transactions and context manager
// registration. The default allows everything.
func WithSecurity(s SecurityPolicy) Option {
	return func(d *Driver) {
		d.security = s
	}
}

// WithScheduler configures how priorities are read and applied when a thread
// serves a call that inherits its caller's priority.
func WithScheduler(s Scheduler) Option {
	return func(d *Driver) {
		d.scheduler = s
	}
}

// WithMaxThreads sets the number of extra threads a process may be asked to
// start before it sets its own limit with BINDER_SET_MAX_THREADS. The
// default is 0.
func WithMaxThreads(n uint32) Option {
	return func(d *Driver) {
		d.maxThreads = n
	}
}

// New constructs a driver.
func New(opts ...Option) *Driver {
	noopLogger := log15.New()
	noopLogger.SetHandler(log15.DiscardHandler())
	d := &Driver{
		l:         noopLogger,
		clock:     clock.RealClock{},
		security:  AllowAll{},
		scheduler: NoopScheduler{},
		procs:     make(map[processKey]*Process),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = NewMetrics(nil)
	}
	return d
}

// OpenOptions describes the process opening a connection.
type OpenOptions struct {
	Identity
	// Memory reads and writes the process's address space.
	Memory MemoryAccessor
	// Resources moves descriptors in and out of the process. If nil, the
	// driver's accessor is used.
	Resources ResourceAccessor
}

// Open allocates the state of a new connection.
func (d *Driver) Open(opts OpenOptions) (*Conn, error) {
	if opts.Memory == nil {
		return nil, errors.New("a memory accessor is required")
	}
	d.mu.Lock()
	d.nextKey++
	p := newProcess(d, d.nextKey, opts)
	d.procs[p.key] = p
	d.mu.Unlock()

	p.pool.setMaxThreads(d.maxThreads)
	d.metrics.processes.Inc()
	p.l.Info("opened connection")
	return &Conn{p: p}, nil
}

func (d *Driver) lookup(key processKey) *Process {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.procs[key]
}

func (d *Driver) processList() []*Process {
	d.mu.RLock()
	defer d.mu.RUnlock()
	procs := make([]*Process, 0, len(d.procs))
	for _, p := range d.procs {
		procs = append(procs, p)
	}
	return procs
}

func (d *Driver) processesByPID(pid int32) []*Process {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var procs []*Process
	for _, p := range d.procs {
		if p.id.PID == pid {
			procs = append(procs, p)
		}
	}
	return procs
}

// unregister removes p from the registry, and clears the context manager if
// p owned it.
func (d *Driver) unregister(p *Process) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.procs[p.key]; !ok {
		return
	}
	delete(d.procs, p.key)
	if d.contextMgr != nil && d.contextMgr.owner == p.key {
		d.contextMgr = nil
	}
	d.metrics.processes.Dec()
}

func (d *Driver) contextManager() *Object {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.contextMgr
}

func (d *Driver) setContextManager(obj *Object) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.contextMgr != nil {
		return ErrContextManagerExists
	}
	d.contextMgr = obj
	return nil
}

func (d *Driver) nextTransactionID() uint64 {
	return d.nextTxID.Add(1)
}
