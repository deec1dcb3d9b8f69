//go:build windows

package npipe

import (
	"time"

	"go.uber.org/zap"

	"github.com/wingpipe/wingpipe-go/internal/observability"
	"github.com/wingpipe/wingpipe-go/internal/overlapped"
	"github.com/wingpipe/wingpipe-go/internal/reactor"
)

type options struct {
	backend overlapped.Backend
	loop    *reactor.Loop
	logger  *zap.Logger
	metrics *observability.MetricsManager
	timeout time.Duration
}

func newOptions(opts []Option) options {
	o := options{
		backend: overlapped.BackendClassic,
		logger:  zap.NewNop(),
		timeout: Infinite,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures a Listener or a Client.
type Option func(*options)

// WithBackend selects the stream backend of produced connections.
func WithBackend(b overlapped.Backend) Option {
	return func(o *options) {
		o.backend = b
	}
}

// WithLoop sets the loop that delivers asynchronous completions.
func WithLoop(loop *reactor.Loop) Option {
	return func(o *options) {
		o.loop = loop
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records accepts, connects and stream traffic.
func WithMetrics(m *observability.MetricsManager) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithTimeout bounds how long a Client waits for a busy pipe. Zero fails
// immediately with ErrBusy; Infinite waits until ctx is done. It has no
// effect on a Listener.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

func (o options) duplexOptions(name string) []overlapped.Option {
	opts := []overlapped.Option{
		overlapped.WithBackend(o.backend),
		overlapped.WithLogger(o.logger),
		overlapped.WithMetrics(o.metrics),
		overlapped.WithName(name),
	}
	if o.loop != nil {
		opts = append(opts, overlapped.WithLoop(o.loop))
	}
	return opts
}

// deliver runs fn on the loop when there is one.
func (o options) deliver(fn func()) {
	if o.loop != nil {
		o.loop.Invoke(fn)
		return
	}
	fn()
}
