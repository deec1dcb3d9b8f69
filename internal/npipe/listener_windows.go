//go:build windows

package npipe

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/windows"

	"github.com/wingpipe/wingpipe-go/internal/pipeerr"
	"github.com/wingpipe/wingpipe-go/internal/reactor"
)

var errNoEndpoints = errors.New("listener has no endpoints")

type endpoint struct {
	cfg   EndpointConfig
	sa    *securityAttributes
	event windows.Handle // manual reset, reused by every instance
	inst  *instance
}

type asyncAccept struct {
	ctx     context.Context
	cb      func(*Connection, error)
	start   time.Time
	sources []*reactor.Source
	done    bool
}

// Listener accepts connections on one or more pipe names.
type Listener struct {
	opts       options
	closeEvent windows.Handle
	waiters    sync.WaitGroup

	mu        sync.Mutex
	endpoints []*endpoint
	retired   []windows.Handle
	pending   map[*asyncAccept]struct{}
	closed    bool
}

// NewListener creates a listener with no endpoints.
func NewListener(opts ...Option) (*Listener, error) {
	ev, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		return nil, pipeerr.FromWin32("listen", "", err)
	}
	return &Listener{
		opts:       newOptions(opts),
		closeEvent: ev,
		pending:    make(map[*asyncAccept]struct{}),
	}, nil
}

// AddNamedPipe adds an endpoint. sddl may be empty for the default ACL.
func (l *Listener) AddNamedPipe(name, sddl string, protectFirstInstance bool) error {
	return l.AddEndpoint(EndpointConfig{
		Name:                 name,
		SecurityDescriptor:   sddl,
		ProtectFirstInstance: protectFirstInstance,
	})
}

// AddEndpoint creates the first server instance for cfg and starts
// waiting for a client on it. Nothing is added on failure.
func (l *Listener) AddEndpoint(cfg EndpointConfig) error {
	name, err := ValidateName(cfg.Name)
	if err != nil {
		return err
	}
	cfg.Name = name

	sa, err := newSecurityAttributes(name, cfg.SecurityDescriptor)
	if err != nil {
		return err
	}
	event, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		return pipeerr.FromWin32("listen", name, err)
	}
	inst, err := newInstance(name, sa, event, cfg.ProtectFirstInstance)
	if err != nil {
		windows.CloseHandle(event)
		return err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		inst.close()
		windows.CloseHandle(event)
		return pipeerr.Closed("listen", name)
	}
	l.endpoints = append(l.endpoints, &endpoint{cfg: cfg, sa: sa, event: event, inst: inst})
	l.mu.Unlock()

	l.opts.logger.Info("Named pipe endpoint added",
		zap.String("pipe", name),
		zap.Bool("custom_security", cfg.SecurityDescriptor != ""),
		zap.Bool("already_connected", inst.alreadyConnected))
	return nil
}

// Endpoints returns the names currently served.
func (l *Listener) Endpoints() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.endpoints))
	for _, ep := range l.endpoints {
		names = append(names, ep.cfg.Name)
	}
	return names
}

// Accept waits for a client on any endpoint and returns its connection.
// Before returning, a fresh instance is armed for the same name. If that
// fails, the valid connection is returned together with a *RearmError and
// the endpoint is dropped.
//
// When ctx is done Accept returns ErrCancelled; pending connects are left
// untouched, so a client that arrived meanwhile is served by the next call.
func (l *Listener) Accept(ctx context.Context) (*Connection, error) {
	start := time.Now()
	conn, err := l.accept(ctx)
	l.recordAccept(conn, err, start)
	return conn, err
}

func (l *Listener) recordAccept(conn *Connection, err error, start time.Time) {
	name, status := "", "success"
	if conn != nil {
		name = conn.Name()
	}
	switch {
	case IsRearmError(err):
		status = "rearm_failed"
	case pipeerr.IsCancelled(err):
		status = "cancelled"
	case err != nil:
		status = "error"
	}
	l.opts.metrics.RecordAccept(name, status, time.Since(start))
}

func (l *Listener) accept(ctx context.Context) (*Connection, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, pipeerr.Cancelled("accept", "", err)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, pipeerr.Closed("accept", "")
	}
	l.waiters.Add(1)
	l.mu.Unlock()
	defer l.waiters.Done()

	cancelEvent, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		return nil, pipeerr.FromWin32("accept", "", err)
	}
	defer windows.CloseHandle(cancelEvent)
	stop := signalOnDone(ctx, cancelEvent)
	defer stop()

	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return nil, pipeerr.Closed("accept", "")
		}
		if len(l.endpoints) == 0 {
			l.mu.Unlock()
			return nil, pipeerr.New(pipeerr.ErrNotFound, "accept", "", errNoEndpoints)
		}
		for _, ep := range l.endpoints {
			if ep.inst.alreadyConnected {
				conn, err := l.takeLocked(ep)
				l.mu.Unlock()
				return conn, err
			}
		}
		eps := make([]*endpoint, len(l.endpoints))
		copy(eps, l.endpoints)
		l.mu.Unlock()

		ep, err := l.waitEndpoint(ctx, cancelEvent, eps)
		if err != nil {
			return nil, err
		}
		if ep == nil {
			continue
		}

		l.mu.Lock()
		conn, ok, err := l.tryTakeLocked(ep)
		l.mu.Unlock()
		if ok {
			return conn, err
		}
	}
}

// waitEndpoint blocks until an endpoint's connect event, the cancel event
// or the close event is signalled.
func (l *Listener) waitEndpoint(ctx context.Context, cancelEvent windows.Handle, eps []*endpoint) (*endpoint, error) {
	if len(eps) == 1 {
		handles := []windows.Handle{l.closeEvent, cancelEvent, eps[0].event}
		ev, err := windows.WaitForMultipleObjects(handles, false, windows.INFINITE)
		if err != nil {
			return nil, pipeerr.FromWin32("accept", eps[0].cfg.Name, err)
		}
		switch ev {
		case windows.WAIT_OBJECT_0:
			return nil, pipeerr.Closed("accept", "")
		case windows.WAIT_OBJECT_0 + 1:
			return nil, pipeerr.Cancelled("accept", "", ctx.Err())
		case windows.WAIT_OBJECT_0 + 2:
			return eps[0], nil
		}
		return nil, nil
	}

	entries := make([]reactor.Entry, 0, len(eps)+2)
	entries = append(entries,
		reactor.Entry{Handle: l.closeEvent, Events: reactor.ConditionIn},
		reactor.Entry{Handle: cancelEvent, Events: reactor.ConditionIn})
	for _, ep := range eps {
		entries = append(entries, reactor.Entry{Handle: ep.event, Events: reactor.ConditionIn})
	}

	if _, err := reactor.Wait(entries, reactor.Infinite, nil); err != nil {
		return nil, pipeerr.FromWin32("accept", "", err)
	}
	if entries[0].Revents != 0 {
		return nil, pipeerr.Closed("accept", "")
	}
	if entries[1].Revents != 0 {
		return nil, pipeerr.Cancelled("accept", "", ctx.Err())
	}
	for i, ep := range eps {
		if entries[i+2].Revents != 0 {
			return ep, nil
		}
	}
	return nil, nil
}

// tryTakeLocked confirms that ep has a client and takes it. ok is false
// when the wake was stale or ep is gone, in which case the caller waits
// again.
func (l *Listener) tryTakeLocked(ep *endpoint) (conn *Connection, ok bool, err error) {
	if l.closed {
		return nil, true, pipeerr.Closed("accept", ep.cfg.Name)
	}
	if !l.hasEndpointLocked(ep) {
		return nil, false, nil
	}

	ready, err := ep.inst.ready()
	if err == nil && !ready {
		// Re-arm the event, then look again so a completion racing the
		// reset is not lost.
		_ = windows.ResetEvent(ep.event)
		ready, err = ep.inst.ready()
	}
	if err != nil {
		l.opts.logger.Warn("Pending connect failed, replacing instance",
			zap.String("pipe", ep.cfg.Name),
			zap.Error(err))
		ep.inst.close()
		if rerr := l.rearmLocked(ep); rerr != nil {
			l.dropLocked(ep)
			return nil, true, &RearmError{Name: ep.cfg.Name, Err: rerr}
		}
		return nil, false, nil
	}
	if !ready {
		return nil, false, nil
	}

	conn, err = l.takeLocked(ep)
	return conn, true, err
}

// takeLocked hands ep's connected instance to a new Connection and arms a
// replacement before returning.
func (l *Listener) takeLocked(ep *endpoint) (*Connection, error) {
	h := ep.inst.take()
	conn := newConnection(h, ep.cfg.Name, true, l.opts)

	if err := l.rearmLocked(ep); err != nil {
		l.dropLocked(ep)
		return conn, &RearmError{Name: ep.cfg.Name, Err: err}
	}

	l.opts.logger.Debug("Accepted connection on named pipe", zap.String("pipe", ep.cfg.Name))
	return conn, nil
}

func (l *Listener) rearmLocked(ep *endpoint) error {
	inst, err := newInstance(ep.cfg.Name, ep.sa, ep.event, false)
	if err != nil {
		return err
	}
	ep.inst = inst
	return nil
}

// dropLocked removes ep. Its event stays open until Close because other
// waiters may still hold it.
func (l *Listener) dropLocked(ep *endpoint) {
	for i, cur := range l.endpoints {
		if cur == ep {
			l.endpoints = append(l.endpoints[:i], l.endpoints[i+1:]...)
			break
		}
	}
	l.retired = append(l.retired, ep.event)
	ep.inst = &instance{}
	l.opts.metrics.RecordRearmFailure(ep.cfg.Name)
	l.opts.logger.Error("Failed to re-arm named pipe endpoint, endpoint dropped", zap.String("pipe", ep.cfg.Name))
}

func (l *Listener) hasEndpointLocked(ep *endpoint) bool {
	for _, cur := range l.endpoints {
		if cur == ep {
			return true
		}
	}
	return false
}

// AcceptAsync runs Accept's algorithm on the listener's loop and calls cb
// there exactly once. Without a loop the accept runs on its own goroutine.
// Endpoints added after the call are not watched by it. If every watched
// endpoint is dropped after a failed re-arm, the call stays pending until
// ctx is done or the listener is closed.
func (l *Listener) AcceptAsync(ctx context.Context, cb func(*Connection, error)) {
	if ctx == nil {
		ctx = context.Background()
	}
	if l.opts.loop == nil {
		go func() {
			cb(l.Accept(ctx))
		}()
		return
	}

	a := &asyncAccept{ctx: ctx, cb: cb, start: time.Now()}
	l.opts.loop.Invoke(func() { l.armAsync(a) })
}

func (l *Listener) armAsync(a *asyncAccept) {
	if err := a.ctx.Err(); err != nil {
		l.finishAsync(a, nil, pipeerr.Cancelled("accept", "", err))
		return
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.finishAsync(a, nil, pipeerr.Closed("accept", ""))
		return
	}
	if len(l.endpoints) == 0 {
		l.mu.Unlock()
		l.finishAsync(a, nil, pipeerr.New(pipeerr.ErrNotFound, "accept", "", errNoEndpoints))
		return
	}
	for _, ep := range l.endpoints {
		if ep.inst.alreadyConnected {
			conn, err := l.takeLocked(ep)
			l.mu.Unlock()
			l.finishAsync(a, conn, err)
			return
		}
	}

	l.pending[a] = struct{}{}
	for _, ep := range l.endpoints {
		a.sources = append(a.sources, l.opts.loop.AddHandle(a.ctx, ep.event, func(windows.Handle) bool {
			return l.onAcceptSignal(a, ep)
		}))
	}
	l.mu.Unlock()
}

// onAcceptSignal runs on the loop. It reports whether to keep watching ep.
func (l *Listener) onAcceptSignal(a *asyncAccept, ep *endpoint) bool {
	if a.done {
		return false
	}
	if err := a.ctx.Err(); err != nil {
		l.finishAsync(a, nil, pipeerr.Cancelled("accept", "", err))
		return false
	}

	l.mu.Lock()
	conn, ok, err := l.tryTakeLocked(ep)
	keep := l.hasEndpointLocked(ep)
	l.mu.Unlock()

	if !ok {
		return keep
	}
	l.finishAsync(a, conn, err)
	return false
}

func (l *Listener) finishAsync(a *asyncAccept, conn *Connection, err error) {
	if a.done {
		return
	}
	a.done = true
	for _, src := range a.sources {
		src.Destroy()
	}

	l.mu.Lock()
	delete(l.pending, a)
	l.mu.Unlock()

	l.recordAccept(conn, err, a.start)
	a.cb(conn, err)
}

// Close stops serving every endpoint. Pending connects are cancelled and
// confirmed, blocked Accept calls and outstanding AcceptAsync calls fail
// with ErrClosedHandle. Connections already returned stay open.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	eps := l.endpoints
	l.endpoints = nil
	pending := l.pending
	l.pending = nil
	retired := l.retired
	l.retired = nil
	l.mu.Unlock()

	_ = windows.SetEvent(l.closeEvent)
	l.waiters.Wait()

	var err error
	for _, ep := range eps {
		err = multierr.Append(err, pipeerr.FromWin32("close", ep.cfg.Name, ep.inst.close()))
		retired = append(retired, ep.event)
	}

	cleanup := func() {
		for a := range pending {
			l.finishAsync(a, nil, pipeerr.Closed("accept", ""))
		}
		for _, ev := range retired {
			windows.CloseHandle(ev)
		}
		windows.CloseHandle(l.closeEvent)
	}
	if l.opts.loop != nil {
		l.opts.loop.Invoke(cleanup)
	} else {
		cleanup()
	}

	l.opts.logger.Info("Named pipe listener closed", zap.Int("endpoints", len(eps)))
	return err
}

// signalOnDone sets ev when ctx is done. The returned function guarantees
// ev is not set after it returns.
func signalOnDone(ctx context.Context, ev windows.Handle) func() {
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
