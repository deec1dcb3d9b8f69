//go:build windows

package reactor

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/windows"

	"github.com/wingpipe/wingpipe-go/internal/observability"
)

// ErrLoopClosed is returned by Run once the loop has been closed.
var ErrLoopClosed = errors.New("reactor: loop closed")

// HandleFunc is called on the loop goroutine when a source's handle is
// signalled or its context is done. Returning false destroys the source.
type HandleFunc func(h windows.Handle) bool

// Source is a handle registered with a Loop.
type Source struct {
	loop      *Loop
	handle    windows.Handle
	fn        HandleFunc
	ctx       context.Context
	stop      func() bool
	cancelled atomic.Bool
	destroyed atomic.Bool
}

// Context returns the context the source was added with.
func (s *Source) Context() context.Context {
	return s.ctx
}

// Cancelled reports whether the source's context is done.
func (s *Source) Cancelled() bool {
	return s.cancelled.Load()
}

// Destroy removes the source from its loop. Its callback will not be called
// again. Safe to call more than once and from any goroutine.
func (s *Source) Destroy() {
	if !s.destroyed.CompareAndSwap(false, true) {
		return
	}
	if s.stop != nil {
		s.stop()
	}
	s.loop.remove(s)
}

// Loop is a single-goroutine reactor. Handle sources, invoked functions and
// idle functions all run on the goroutine calling Run or Iterate.
type Loop struct {
	logger     *zap.Logger
	metrics    *observability.MetricsManager
	onMessages func()

	wake windows.Handle

	mu      sync.Mutex
	sources []*Source
	invokes []func()
	idles   []func()
	running bool
	closed  bool
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the loop logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Loop) {
		l.logger = logger
	}
}

// WithMetrics records multiplexer fan-outs.
func WithMetrics(m *observability.MetricsManager) Option {
	return func(l *Loop) {
		l.metrics = m
	}
}

// WithMessages makes the loop watch the thread message queue and call fn
// when it has input. Run locks the loop to its OS thread in that case.
func WithMessages(fn func()) Option {
	return func(l *Loop) {
		l.onMessages = fn
	}
}

// NewLoop creates a loop.
func NewLoop(opts ...Option) (*Loop, error) {
	wake, err := windows.CreateEvent(nil, 0, 0, nil)
	if err != nil {
		return nil, err
	}
	l := &Loop{
		logger: zap.NewNop(),
		wake:   wake,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// AddHandle watches h until fn returns false, the source is destroyed, or
// ctx is done. When ctx is done fn is called one last time and the source is
// destroyed afterwards.
func (l *Loop) AddHandle(ctx context.Context, h windows.Handle, fn HandleFunc) *Source {
	if ctx == nil {
		ctx = context.Background()
	}
	s := &Source{loop: l, handle: h, fn: fn, ctx: ctx}

	l.mu.Lock()
	l.sources = append(l.sources, s)
	l.mu.Unlock()

	s.stop = context.AfterFunc(ctx, func() {
		s.cancelled.Store(true)
		l.wakeup()
	})
	l.wakeup()
	return s
}

// Invoke queues fn to run on the loop goroutine. Safe from any goroutine.
func (l *Loop) Invoke(fn func()) {
	l.mu.Lock()
	l.invokes = append(l.invokes, fn)
	l.mu.Unlock()
	l.wakeup()
}

// Idle queues fn to run after the current dispatch round. Safe from any
// goroutine.
func (l *Loop) Idle(fn func()) {
	l.mu.Lock()
	l.idles = append(l.idles, fn)
	l.mu.Unlock()
	l.wakeup()
}

func (l *Loop) wakeup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed && !l.running {
		return
	}
	if err := windows.SetEvent(l.wake); err != nil {
		l.logger.Debug("Failed to wake loop", zap.Error(err))
	}
}

func (l *Loop) remove(s *Source) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, cur := range l.sources {
		if cur == s {
			l.sources = append(l.sources[:i], l.sources[i+1:]...)
			return
		}
	}
}

func (l *Loop) pending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.invokes) > 0 || len(l.idles) > 0
}

func (l *Loop) runInvokes() bool {
	l.mu.Lock()
	fns := l.invokes
	l.invokes = nil
	l.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return len(fns) > 0
}

func (l *Loop) runIdles() bool {
	l.mu.Lock()
	fns := l.idles
	l.idles = nil
	l.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return len(fns) > 0
}

// Iterate runs one dispatch round. With block set it waits until something
// needs dispatching. It reports whether any callback ran.
func (l *Loop) Iterate(block bool) bool {
	dispatched := l.runInvokes()

	l.mu.Lock()
	sources := make([]*Source, len(l.sources))
	copy(sources, l.sources)
	l.mu.Unlock()

	timeout := Infinite
	if !block || dispatched || l.pending() {
		timeout = 0
	}

	entries := make([]Entry, 0, len(sources)+1)
	entries = append(entries, Entry{Handle: l.wake, Events: ConditionIn})
	for _, s := range sources {
		if s.cancelled.Load() {
			timeout = 0
		}
		entries = append(entries, Entry{Handle: s.handle, Events: ConditionIn})
	}

	limit := maximumWaitObjects
	var msg *MessageSource
	if l.onMessages != nil {
		msg = &MessageSource{}
		limit--
	}
	if len(entries) > limit {
		per := maximumWaitObjects - 1
		l.metrics.RecordWaitFanOut((len(entries) + per - 1) / per)
	}

	if _, err := Wait(entries, timeout, msg); err != nil {
		l.logger.Warn("Loop wait failed, probing sources individually", zap.Error(err))
		l.probeSources(entries[1:], sources)
	}

	for i, s := range sources {
		if s.destroyed.Load() {
			continue
		}
		cancelled := s.cancelled.Load()
		if entries[i+1].Revents == 0 && !cancelled {
			continue
		}
		dispatched = true
		if !s.fn(s.handle) || cancelled {
			s.Destroy()
		}
	}

	if msg != nil && msg.Ready {
		dispatched = true
		l.onMessages()
	}

	if l.runInvokes() {
		dispatched = true
	}
	if l.runIdles() {
		dispatched = true
	}
	return dispatched
}

// probeSources marks sources that are signalled or whose handle can no
// longer be waited on, so that their owners observe the failure.
func (l *Loop) probeSources(entries []Entry, sources []*Source) {
	for i, s := range sources {
		ev, err := windows.WaitForSingleObject(s.handle, 0)
		if err != nil || ev == waitObject0 || ev == waitAbandoned0 {
			entries[i].Revents = entries[i].Events
		}
	}
}

// Run dispatches until ctx is done or the loop is closed.
func (l *Loop) Run(ctx context.Context) error {
	if l.onMessages != nil {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.running = true
	l.mu.Unlock()

	stop := context.AfterFunc(ctx, l.wakeup)
	defer stop()

	defer func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.running = false
		if l.closed {
			_ = windows.CloseHandle(l.wake)
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		l.mu.Lock()
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return ErrLoopClosed
		}
		l.Iterate(true)
	}
}

// Close destroys every source and releases the wake event. A running Run
// is woken up and returns ErrLoopClosed.
func (l *Loop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	sources := l.sources
	l.sources = nil
	running := l.running
	var err error
	if running {
		err = windows.SetEvent(l.wake)
	} else {
		err = windows.CloseHandle(l.wake)
	}
	l.mu.Unlock()

	for _, s := range sources {
		s.destroyed.Store(true)
		if s.stop != nil {
			s.stop()
		}
	}
	return err
}
