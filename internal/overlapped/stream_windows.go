//go:build windows

package overlapped

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/windows"

	"github.com/wingpipe/wingpipe-go/internal/iocp"
	"github.com/wingpipe/wingpipe-go/internal/pipeerr"
	"github.com/wingpipe/wingpipe-go/internal/reactor"
)

const maxFreeOperations = 4

const (
	statusSuccess   = "success"
	statusCancelled = "cancelled"
	statusError     = "error"
)

type direction int

const (
	dirRead direction = iota
	dirWrite
)

func (d direction) String() string {
	if d == dirRead {
		return "read"
	}
	return "write"
}

// operation is one issued request. The embedded iocp.Operation keeps the
// OVERLAPPED at offset zero. It is reachable from its stream until the OS
// has reported completion or confirmed cancellation.
type operation struct {
	iocp.Operation

	buf       []byte
	ctx       context.Context
	cb        Completion
	src       *reactor.Source
	stop      func() bool
	delivered atomic.Bool
}

func (o *operation) reset() {
	o.Operation = iocp.Operation{}
	o.buf = nil
	o.ctx = nil
	o.cb = nil
	o.src = nil
	o.stop = nil
	o.delivered.Store(false)
}

type stream struct {
	d   *Duplex
	dir direction

	// syncMu serialises blocking calls, which share the sync events.
	syncMu      sync.Mutex
	syncEvent   windows.Handle
	cancelEvent windows.Handle

	mu         sync.Mutex
	closed     bool
	asyncEvent windows.Handle
	syncOp     *operation
	asyncOp    *operation
	free       []*operation
}

// InputStream reads from a Duplex.
type InputStream struct {
	stream
}

// Read reads into p and blocks until data arrives, ctx is done or the
// stream is closed. It returns (0, nil) once the peer has closed its end.
func (s *InputStream) Read(ctx context.Context, p []byte) (int, error) {
	return s.do(ctx, p)
}

// ReadAsync starts a read and returns immediately. cb is called exactly
// once: on the loop goroutine for the classic backend, on a completion
// port worker for the iocp backend. An error is returned, and cb is not
// called, when the stream is closed or another asynchronous read is still
// outstanding.
func (s *InputStream) ReadAsync(ctx context.Context, p []byte, cb Completion) error {
	return s.doAsync(ctx, p, cb)
}

// OutputStream writes to a Duplex.
type OutputStream struct {
	stream
}

// Write writes p and blocks until the write completes, ctx is done or the
// stream is closed.
func (s *OutputStream) Write(ctx context.Context, p []byte) (int, error) {
	return s.do(ctx, p)
}

// WriteAsync starts a write and returns immediately. Delivery follows the
// same rules as ReadAsync.
func (s *OutputStream) WriteAsync(ctx context.Context, p []byte, cb Completion) error {
	return s.doAsync(ctx, p, cb)
}

func (s *stream) acquire() *operation {
	if n := len(s.free); n > 0 {
		o := s.free[n-1]
		s.free = s.free[:n-1]
		return o
	}
	return &operation{}
}

func (s *stream) recycle(o *operation) {
	o.reset()
	if len(s.free) < maxFreeOperations {
		s.free = append(s.free, o)
	}
}

func (s *stream) issue(o *operation) error {
	var n uint32
	if s.dir == dirRead {
		return windows.ReadFile(s.d.handle, o.buf, &n, &o.Overlapped)
	}
	return windows.WriteFile(s.d.handle, o.buf, &n, &o.Overlapped)
}

func (s *stream) backendName() string {
	if s.d.binding.Load() != nil {
		return BackendIOCP.String()
	}
	return BackendClassic.String()
}

// result translates a raw outcome into what callers see.
func (s *stream) result(ctx context.Context, n uint32, err error) (int, error) {
	if err == nil {
		return int(n), nil
	}
	op := s.dir.String()
	if s.dir == dirRead {
		switch {
		case errors.Is(err, windows.ERROR_BROKEN_PIPE),
			errors.Is(err, windows.ERROR_HANDLE_EOF),
			errors.Is(err, windows.ERROR_PIPE_NOT_CONNECTED):
			return 0, nil
		case errors.Is(err, windows.ERROR_MORE_DATA):
			return int(n), nil
		}
	}
	if errors.Is(err, windows.ERROR_OPERATION_ABORTED) {
		if ctx != nil && ctx.Err() != nil {
			return int(n), pipeerr.Cancelled(op, s.d.name, ctx.Err())
		}
		if s.isClosed() {
			return int(n), pipeerr.Closed(op, s.d.name)
		}
	}
	return int(n), pipeerr.FromWin32(op, s.d.name, err)
}

func (s *stream) record(n int, err error) {
	status := statusSuccess
	switch {
	case pipeerr.IsCancelled(err):
		status = statusCancelled
	case err != nil:
		status = statusError
	}
	s.d.metrics.RecordStreamOperation(s.backendName(), s.dir.String(), status, n)
}

func (s *stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// do performs a blocking operation on either backend. On a handle bound to
// the completion port the event carries the low-order bit so the
// completion bypasses the port.
func (s *stream) do(ctx context.Context, p []byte) (int, error) {
	op := s.dir.String()
	if ctx == nil {
		ctx = context.Background()
	}
	if len(p) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, pipeerr.Cancelled(op, s.d.name, err)
	}

	assoc := s.d.association()

	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, pipeerr.Closed(op, s.d.name)
	}
	if err := s.syncEvents(); err != nil {
		s.mu.Unlock()
		return 0, pipeerr.FromWin32(op, s.d.name, err)
	}
	o := s.acquire()
	o.buf = p
	o.ctx = ctx
	o.Overlapped.HEvent = s.syncEvent
	if assoc != nil {
		o.Overlapped.HEvent = s.syncEvent | 1
	}
	_ = windows.ResetEvent(s.syncEvent)
	s.syncOp = o
	err := s.issue(o)
	s.mu.Unlock()

	var n uint32
	if err == nil || errors.Is(err, windows.ERROR_IO_PENDING) {
		if err != nil && s.waitSync(ctx) {
			cancelIo(s.d.handle, o)
		}
		err = windows.GetOverlappedResult(s.d.handle, &o.Overlapped, &n, true)
	}

	s.mu.Lock()
	s.syncOp = nil
	s.recycle(o)
	s.mu.Unlock()

	cnt, rerr := s.result(ctx, n, err)
	s.record(cnt, rerr)
	if rerr != nil {
		s.d.logger.Debug("Stream operation failed",
			zap.String("op", op),
			zap.String("name", s.d.name),
			zap.Error(rerr))
	}
	return cnt, rerr
}

func (s *stream) syncEvents() error {
	if s.syncEvent == 0 {
		ev, err := windows.CreateEvent(nil, 1, 0, nil)
		if err != nil {
			return err
		}
		s.syncEvent = ev
	}
	if s.cancelEvent == 0 {
		ev, err := windows.CreateEvent(nil, 1, 0, nil)
		if err != nil {
			return err
		}
		s.cancelEvent = ev
	}
	return nil
}

// waitSync waits for the sync event or for ctx to be done, and reports
// whether the wait ended because of ctx.
func (s *stream) waitSync(ctx context.Context) bool {
	if ctx.Done() == nil {
		if _, err := windows.WaitForSingleObject(s.syncEvent, windows.INFINITE); err != nil {
			s.d.logger.Warn("Wait for operation failed", zap.Error(err))
			return true
		}
		return false
	}

	stop := cancelOnDone(ctx, s.cancelEvent)
	defer stop()

	ev, err := windows.WaitForMultipleObjects([]windows.Handle{s.syncEvent, s.cancelEvent}, false, windows.INFINITE)
	if err != nil {
		s.d.logger.Warn("Wait for operation failed", zap.Error(err))
		return true
	}
	return ev == windows.WAIT_OBJECT_0+1
}

func (s *stream) doAsync(ctx context.Context, p []byte, cb Completion) error {
	op := s.dir.String()
	if cb == nil {
		return pipeerr.New(pipeerr.ErrGeneric, op, s.d.name, errors.New("nil completion"))
	}
	if ctx == nil {
		ctx = context.Background()
	}

	assoc := s.d.association()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return pipeerr.Closed(op, s.d.name)
	}
	if s.asyncOp != nil {
		s.mu.Unlock()
		return pipeerr.New(pipeerr.ErrPending, op, s.d.name, nil)
	}
	o := s.acquire()
	o.buf = p
	o.ctx = ctx
	o.cb = cb
	s.asyncOp = o
	s.mu.Unlock()

	switch {
	case len(p) == 0:
		s.d.post(func() { s.finish(o, 0, nil) })
	case ctx.Err() != nil:
		cause := ctx.Err()
		s.d.post(func() { s.finish(o, 0, pipeerr.Cancelled(op, s.d.name, cause)) })
	case assoc != nil:
		s.startPort(assoc, o)
	case s.d.loop == nil:
		go func() {
			n, err := s.do(ctx, p)
			s.finish(o, n, err)
		}()
	default:
		s.startClassic(o)
	}
	return nil
}

// complete translates and delivers a raw outcome.
func (s *stream) complete(o *operation, n uint32, err error) {
	cnt, rerr := s.result(o.ctx, n, err)
	s.record(cnt, rerr)
	s.finish(o, cnt, rerr)
}

// finish delivers the outcome of o once.
func (s *stream) finish(o *operation, n int, err error) {
	if !o.delivered.CompareAndSwap(false, true) {
		return
	}
	cb := o.cb

	s.mu.Lock()
	if s.asyncOp == o {
		s.asyncOp = nil
	}
	if !s.closed {
		s.recycle(o)
	}
	s.mu.Unlock()

	cb(n, err)
}

// Close cancels outstanding operations, waits until the OS confirms, and
// releases the stream's events. The handle stays open. Close is
// idempotent.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	syncOp, asyncOp := s.syncOp, s.asyncOp
	var src *reactor.Source
	if asyncOp != nil {
		src = asyncOp.src
	}
	s.mu.Unlock()

	if syncOp != nil {
		cancelIo(s.d.handle, syncOp)
	}

	if asyncOp != nil {
		switch a := s.d.binding.Load(); {
		case a != nil:
			if err := a.Cancel(&asyncOp.Operation); err != nil {
				s.d.logger.Debug("Cancel on close failed", zap.Error(err))
			}
		case src != nil:
			src.Destroy()
			cancelIo(s.d.handle, asyncOp)
			var n uint32
			err := windows.GetOverlappedResult(s.d.handle, &asyncOp.Overlapped, &n, true)
			s.d.post(func() { s.complete(asyncOp, n, err) })
		}
	}

	// Wait for a blocking call to observe its cancellation.
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	var errs []error
	for _, h := range []*windows.Handle{&s.syncEvent, &s.cancelEvent} {
		if *h != 0 {
			errs = append(errs, windows.CloseHandle(*h))
			*h = 0
		}
	}

	s.mu.Lock()
	asyncEvent := s.asyncEvent
	s.asyncEvent = 0
	s.mu.Unlock()
	if asyncEvent != 0 {
		// The loop may still be dispatching the destroyed source this round.
		s.d.post(func() { _ = windows.CloseHandle(asyncEvent) })
	}

	if err := errors.Join(errs...); err != nil {
		return pipeerr.FromWin32("close", s.d.name, err)
	}
	return nil
}

// cancelIo requests cancellation of o. ERROR_NOT_FOUND means it already
// completed; the following result call reports the outcome either way.
func cancelIo(h windows.Handle, o *operation) {
	_ = windows.CancelIoEx(h, &o.Overlapped)
}
