//go:build windows

package overlapped

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sys/windows"

	"github.com/wingpipe/wingpipe-go/internal/pipeerr"
)

// cancelOnDone sets ev when ctx is done. The returned stop function
// guarantees ev is not set after it returns, so ev can be reset and reused.
func cancelOnDone(ctx context.Context, ev windows.Handle) func() {
	_ = windows.ResetEvent(ev)
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = windows.SetEvent(ev)
		close(fired)
	})
	return func() {
		if !stop() {
			<-fired
		}
	}
}

// startClassic issues o with the stream's async event and registers the
// event with the loop. Immediate outcomes are still delivered through the
// loop.
func (s *stream) startClassic(o *operation) {
	op := s.dir.String()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.d.post(func() { s.finish(o, 0, pipeerr.Closed(op, s.d.name)) })
		return
	}
	if s.asyncEvent == 0 {
		ev, err := windows.CreateEvent(nil, 1, 0, nil)
		if err != nil {
			s.mu.Unlock()
			s.d.post(func() { s.finish(o, 0, pipeerr.FromWin32(op, s.d.name, err)) })
			return
		}
		s.asyncEvent = ev
	}
	_ = windows.ResetEvent(s.asyncEvent)
	o.Overlapped.HEvent = s.asyncEvent

	err := s.issue(o)
	if errors.Is(err, windows.ERROR_IO_PENDING) {
		o.src = s.d.loop.AddHandle(o.ctx, s.asyncEvent, func(windows.Handle) bool {
			return s.onSignal(o)
		})
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	var n uint32
	if err == nil {
		err = windows.GetOverlappedResult(s.d.handle, &o.Overlapped, &n, false)
	}
	s.d.post(func() { s.complete(o, n, err) })
}

// onSignal runs on the loop when the async event is signalled or the
// operation's context is done. It reports whether to keep waiting.
func (s *stream) onSignal(o *operation) bool {
	if o.delivered.Load() {
		return false
	}

	var n uint32
	err := windows.GetOverlappedResult(s.d.handle, &o.Overlapped, &n, false)
	if errors.Is(err, windows.ERROR_IO_INCOMPLETE) {
		if o.ctx.Err() == nil {
			// Stale wake: re-arm and look once more so a completion racing
			// the reset is not lost.
			_ = windows.ResetEvent(o.Overlapped.HEvent)
			err = windows.GetOverlappedResult(s.d.handle, &o.Overlapped, &n, false)
			if errors.Is(err, windows.ERROR_IO_INCOMPLETE) {
				return true
			}
		} else {
			s.d.logger.Debug("Cancelling overlapped operation",
				zap.String("op", s.dir.String()),
				zap.String("name", s.d.name))
			cancelIo(s.d.handle, o)
			err = windows.GetOverlappedResult(s.d.handle, &o.Overlapped, &n, true)
		}
	}

	s.complete(o, n, err)
	return false
}
