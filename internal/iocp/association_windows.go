//go:build windows

package iocp

import (
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

// ErrUnavailable is returned when the completion port cannot be created or
// the handle cannot be bound to it.
var ErrUnavailable = errors.New("iocp: completion port unavailable")

// Scheduler runs deferred work. A reactor.Loop satisfies it.
type Scheduler interface {
	Idle(fn func())
}

// Operation is one overlapped request issued on an associated handle.
// Overlapped must stay the first field: the worker recovers the Operation
// from the OVERLAPPED pointer the port hands back.
type Operation struct {
	Overlapped windows.Overlapped

	// Callback receives the transferred byte count and the raw Win32 error.
	Callback func(n uint32, err error)
}

// Reset clears the overlapped structure for reuse.
func (op *Operation) Reset() {
	op.Overlapped = windows.Overlapped{}
}

// Association is a handle bound to the process-wide completion port.
type Association struct {
	port     *port
	key      uintptr
	sched    Scheduler
	logger   *zap.Logger
	borrowed bool

	inflight sync.WaitGroup

	mu      sync.Mutex
	handle  windows.Handle
	refs    int
	pending map[*Operation]struct{}
}

// Option configures an Association.
type Option func(*Association)

// WithLogger sets the association logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Association) {
		a.logger = logger
	}
}

// WithBorrowedHandle keeps the final Release from closing the handle.
func WithBorrowedHandle() Option {
	return func(a *Association) {
		a.borrowed = true
	}
}

// New binds h to the completion port. The returned association holds one
// reference. sched may be nil, in which case draining after the final
// Release happens on its own goroutine.
func New(h windows.Handle, sched Scheduler, opts ...Option) (*Association, error) {
	p, err := getPort()
	if err != nil {
		return nil, errors.Join(ErrUnavailable, err)
	}

	a := &Association{
		port:    p,
		sched:   sched,
		logger:  zap.NewNop(),
		handle:  h,
		refs:    1,
		pending: make(map[*Operation]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}

	if err := p.bind(h, a); err != nil {
		a.logger.Debug("Failed to bind handle to completion port", zap.Error(err))
		return nil, errors.Join(ErrUnavailable, err)
	}
	return a, nil
}

// Handle returns the associated handle, or windows.InvalidHandle once it has
// been closed.
func (a *Association) Handle() windows.Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handle
}

// Key returns the completion key.
func (a *Association) Key() uintptr {
	return a.key
}

// Ref adds a reference.
func (a *Association) Ref() *Association {
	a.mu.Lock()
	a.refs++
	a.mu.Unlock()
	return a
}

// Release drops a reference. The final release closes the handle if it is
// still open and owned, and then, outside the caller's stack, waits for outstanding
// completions before the key is unregistered.
func (a *Association) Release() {
	a.mu.Lock()
	a.refs--
	if a.refs > 0 {
		a.mu.Unlock()
		return
	}
	if a.refs < 0 {
		a.mu.Unlock()
		a.logger.Error("Association released too many times", zap.Uintptr("key", a.key))
		return
	}
	h := a.handle
	a.handle = windows.InvalidHandle
	a.mu.Unlock()

	if h != windows.InvalidHandle && !a.borrowed {
		if err := windows.CloseHandle(h); err != nil {
			a.logger.Debug("Failed to close associated handle", zap.Error(err))
		}
	}

	if a.sched != nil {
		a.sched.Idle(a.drain)
		return
	}
	go a.drain()
}

func (a *Association) drain() {
	a.inflight.Wait()
	a.port.unregister(a.key)
	a.logger.Debug("Association drained", zap.Uintptr("key", a.key))
}

// Start records op as in flight. Call it immediately before issuing the
// overlapped request; if the request fails without queuing a completion,
// call Abandon.
func (a *Association) Start(op *Operation) {
	a.inflight.Add(1)
	a.mu.Lock()
	a.pending[op] = struct{}{}
	a.mu.Unlock()
}

// Abandon undoes Start for a request that never reached the port.
func (a *Association) Abandon(op *Operation) {
	a.mu.Lock()
	_, ok := a.pending[op]
	delete(a.pending, op)
	a.mu.Unlock()
	if ok {
		a.inflight.Done()
	}
}

// Cancel asks the OS to abort op. The completion still arrives, normally
// with ERROR_OPERATION_ABORTED. Cancelling an operation that already
// completed is not an error.
func (a *Association) Cancel(op *Operation) error {
	a.mu.Lock()
	_, ok := a.pending[op]
	h := a.handle
	a.mu.Unlock()
	if !ok || h == windows.InvalidHandle {
		return nil
	}
	err := windows.CancelIoEx(h, &op.Overlapped)
	if errors.Is(err, windows.ERROR_NOT_FOUND) {
		return nil
	}
	return err
}

// CloseHandle closes the handle now, aborting every outstanding request.
// Completions keep arriving until the association is released and drained.
func (a *Association) CloseHandle() error {
	a.mu.Lock()
	h := a.handle
	a.handle = windows.InvalidHandle
	a.mu.Unlock()
	if h == windows.InvalidHandle {
		return nil
	}
	return windows.CloseHandle(h)
}

// Pending returns the number of operations that have not completed.
func (a *Association) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (a *Association) complete(op *Operation, n uint32, err error) {
	a.mu.Lock()
	_, ok := a.pending[op]
	delete(a.pending, op)
	a.mu.Unlock()
	if !ok {
		a.logger.Warn("Completion for an operation that was not started", zap.Uintptr("key", a.key))
		return
	}
	defer a.inflight.Done()

	if op.Callback != nil {
		op.Callback(n, err)
	}
}
