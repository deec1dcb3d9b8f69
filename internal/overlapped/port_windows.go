//go:build windows

package overlapped

import (
	"context"
	"errors"

	"golang.org/x/sys/windows"

	"github.com/wingpipe/wingpipe-go/internal/iocp"
	"github.com/wingpipe/wingpipe-go/internal/pipeerr"
)

// startPort issues o on a handle bound to the completion port. The outcome
// arrives on a port worker; only a request the OS refused outright is
// delivered from here.
func (s *stream) startPort(a *iocp.Association, o *operation) {
	op := s.dir.String()
	ctx := o.ctx

	o.stop = cancelPortOnDone(ctx, a, o)
	o.Callback = func(n uint32, err error) {
		o.stop()
		s.complete(o, n, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		o.stop()
		s.d.post(func() { s.finish(o, 0, pipeerr.Closed(op, s.d.name)) })
		return
	}
	a.Start(&o.Operation)
	err := s.issue(o)
	if err != nil && !errors.Is(err, windows.ERROR_IO_PENDING) {
		a.Abandon(&o.Operation)
		s.mu.Unlock()
		o.stop()
		s.d.post(func() { s.complete(o, 0, err) })
		return
	}
	// A cancellation that fired before the request existed found nothing to
	// cancel. Holding mu keeps o from being recycled meanwhile.
	if ctx.Err() != nil {
		_ = a.Cancel(&o.Operation)
	}
	s.mu.Unlock()
}

// cancelPortOnDone cancels o when ctx is done. The returned stop function
// guarantees no cancellation is issued after it returns.
func cancelPortOnDone(ctx context.Context, a *iocp.Association, o *operation) func() bool {
	if ctx.Done() == nil {
		return func() bool { return true }
	}
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = a.Cancel(&o.Operation)
		close(fired)
	})
	return func() bool {
		if !stop() {
			<-fired
			return false
		}
		return true
	}
}
