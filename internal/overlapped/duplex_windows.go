//go:build windows

package overlapped

import (
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/windows"

	"github.com/wingpipe/wingpipe-go/internal/iocp"
	"github.com/wingpipe/wingpipe-go/internal/observability"
	"github.com/wingpipe/wingpipe-go/internal/pipeerr"
	"github.com/wingpipe/wingpipe-go/internal/reactor"
)

// Duplex owns an overlapped handle and its two streams.
type Duplex struct {
	handle  windows.Handle
	owns    bool
	name    string
	backend Backend
	loop    *reactor.Loop
	logger  *zap.Logger
	metrics *observability.MetricsManager

	input  *InputStream
	output *OutputStream

	bindOnce   sync.Once
	binding    atomic.Pointer[iocp.Association]
	bindFailed atomic.Bool

	closed atomic.Bool
}

// Option configures a Duplex.
type Option func(*Duplex)

// WithBackend selects the execution backend. The default is BackendClassic.
func WithBackend(b Backend) Option {
	return func(d *Duplex) {
		d.backend = b
	}
}

// WithLoop sets the loop that delivers classic asynchronous completions and
// schedules completion-port cleanup. Without a loop, classic asynchronous
// calls complete on their own goroutine.
func WithLoop(loop *reactor.Loop) Option {
	return func(d *Duplex) {
		d.loop = loop
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Duplex) {
		d.logger = logger
	}
}

// WithMetrics records completed operations.
func WithMetrics(m *observability.MetricsManager) Option {
	return func(d *Duplex) {
		d.metrics = m
	}
}

// WithName sets the name reported in errors.
func WithName(name string) Option {
	return func(d *Duplex) {
		d.name = name
	}
}

// NewDuplex wraps h. When owns is set, Close closes h.
func NewDuplex(h windows.Handle, owns bool, opts ...Option) *Duplex {
	d := &Duplex{
		handle: h,
		owns:   owns,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.input = &InputStream{stream{d: d, dir: dirRead}}
	d.output = &OutputStream{stream{d: d, dir: dirWrite}}
	return d
}

// Handle returns the underlying handle.
func (d *Duplex) Handle() windows.Handle {
	return d.handle
}

// Input returns the readable stream.
func (d *Duplex) Input() *InputStream {
	return d.input
}

// Output returns the writable stream.
func (d *Duplex) Output() *OutputStream {
	return d.output
}

// Backend returns the backend in effect. A completion-port duplex reports
// BackendClassic once binding has failed.
func (d *Duplex) Backend() Backend {
	if d.bindFailed.Load() {
		return BackendClassic
	}
	return d.backend
}

// association lazily binds the handle to the completion port. It returns
// nil for the classic backend and after a failed binding.
func (d *Duplex) association() *iocp.Association {
	if d.backend != BackendIOCP {
		return nil
	}
	d.bindOnce.Do(func() {
		var opts []iocp.Option
		opts = append(opts, iocp.WithLogger(d.logger))
		if !d.owns {
			opts = append(opts, iocp.WithBorrowedHandle())
		}
		var sched iocp.Scheduler
		if d.loop != nil {
			sched = d.loop
		}
		a, err := iocp.New(d.handle, sched, opts...)
		if err != nil {
			d.logger.Warn("Completion port unavailable, falling back to classic overlapped I/O",
				zap.String("name", d.name),
				zap.Error(err))
			d.metrics.RecordIOCPFallback()
			d.bindFailed.Store(true)
			return
		}
		d.binding.Store(a)
	})
	return d.binding.Load()
}

// post runs fn on the loop when there is one, otherwise on a new goroutine.
func (d *Duplex) post(fn func()) {
	if d.loop != nil {
		d.loop.Invoke(fn)
		return
	}
	go fn()
}

// Close closes the output stream, then the input stream, then the handle
// if it is owned. Each stream cancels its outstanding operations and waits
// for the cancellation to be confirmed. Close is idempotent.
func (d *Duplex) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}

	var err error
	err = multierr.Append(err, d.output.Close())
	err = multierr.Append(err, d.input.Close())

	// Binding after close must not happen.
	d.bindOnce.Do(func() {})

	switch a := d.binding.Load(); {
	case a != nil:
		a.Release()
	case d.owns:
		if cerr := windows.CloseHandle(d.handle); cerr != nil {
			err = multierr.Append(err, pipeerr.FromWin32("close", d.name, cerr))
		}
	}
	return err
}
