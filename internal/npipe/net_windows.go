//go:build windows

package npipe

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wingpipe/wingpipe-go/internal/pipeerr"
)

// Addr is the net.Addr of a pipe name.
type Addr string

// Network returns "npipe".
func (a Addr) Network() string { return "npipe" }

func (a Addr) String() string { return string(a) }

// NetListener adapts a Listener to net.Listener so that standard servers,
// such as net/http, can run on a pipe.
type NetListener struct {
	l      *Listener
	addr   Addr
	ctx    context.Context
	cancel context.CancelFunc
}

var _ net.Listener = (*NetListener)(nil)

// Listen serves name with the given SDDL (empty for the default ACL) and
// returns it as a net.Listener.
func Listen(name, sddl string, opts ...Option) (*NetListener, error) {
	l, err := NewListener(opts...)
	if err != nil {
		return nil, err
	}
	if err := l.AddNamedPipe(name, sddl, false); err != nil {
		l.Close()
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &NetListener{l: l, addr: Addr(l.Endpoints()[0]), ctx: ctx, cancel: cancel}, nil
}

// Accept waits for the next client.
func (nl *NetListener) Accept() (net.Conn, error) {
	conn, err := nl.l.Accept(nl.ctx)
	if conn != nil {
		if err != nil {
			// The connection is usable even though later accepts will fail.
			nl.l.opts.logger.Warn("Serving connection after re-arm failure",
				zap.String("pipe", conn.Name()),
				zap.Error(err))
		}
		return NewNetConn(conn), nil
	}
	if nl.ctx.Err() != nil || errors.Is(err, pipeerr.ErrClosedHandle) {
		err = net.ErrClosed
	}
	return nil, &net.OpError{Op: "accept", Net: "npipe", Addr: nl.addr, Err: err}
}

// Close stops accepting. Accepted connections stay open.
func (nl *NetListener) Close() error {
	nl.cancel()
	return nl.l.Close()
}

// Addr returns the pipe name.
func (nl *NetListener) Addr() net.Addr {
	return nl.addr
}

// Dial connects to name with read-write access and returns a net.Conn.
func Dial(ctx context.Context, name string, opts ...Option) (net.Conn, error) {
	conn, err := NewClient(opts...).Connect(ctx, name, AccessReadWrite)
	if err != nil {
		return nil, err
	}
	return NewNetConn(conn), nil
}

// NetConn adapts a Connection to net.Conn. Deadlines apply to calls
// already blocked as well as later ones.
type NetConn struct {
	*Connection
	readDeadline  *deadline
	writeDeadline *deadline
}

var _ net.Conn = (*NetConn)(nil)

// NewNetConn wraps c.
func NewNetConn(c *Connection) *NetConn {
	return &NetConn{
		Connection:    c,
		readDeadline:  newDeadline(),
		writeDeadline: newDeadline(),
	}
}

// Read implements io.Reader with EOF once the peer has closed.
func (c *NetConn) Read(p []byte) (int, error) {
	ctx, stop := c.readDeadline.context()
	defer stop()
	n, err := c.Connection.ReadContext(ctx, p)
	if err == nil && n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, c.mapError(ctx, "read", err)
}

// Write writes all of p unless an error or the deadline intervenes.
func (c *NetConn) Write(p []byte) (int, error) {
	ctx, stop := c.writeDeadline.context()
	defer stop()
	n, err := c.Connection.WriteContext(ctx, p)
	return n, c.mapError(ctx, "write", err)
}

func (c *NetConn) mapError(ctx context.Context, op string, err error) error {
	switch {
	case err == nil:
		return nil
	case pipeerr.IsCancelled(err) && errors.Is(context.Cause(ctx), errDeadlineExceeded):
		err = os.ErrDeadlineExceeded
	case errors.Is(err, pipeerr.ErrClosedHandle):
		err = net.ErrClosed
	default:
		return err
	}
	return &net.OpError{Op: op, Net: "npipe", Addr: Addr(c.Name()), Err: err}
}

// LocalAddr returns the pipe name.
func (c *NetConn) LocalAddr() net.Addr { return Addr(c.Name()) }

// RemoteAddr returns the pipe name.
func (c *NetConn) RemoteAddr() net.Addr { return Addr(c.Name()) }

// SetDeadline sets both deadlines.
func (c *NetConn) SetDeadline(t time.Time) error {
	c.readDeadline.set(t)
	c.writeDeadline.set(t)
	return nil
}

// SetReadDeadline sets the read deadline.
func (c *NetConn) SetReadDeadline(t time.Time) error {
	c.readDeadline.set(t)
	return nil
}

// SetWriteDeadline sets the write deadline.
func (c *NetConn) SetWriteDeadline(t time.Time) error {
	c.writeDeadline.set(t)
	return nil
}

var errDeadlineExceeded = errors.New("i/o deadline reached")

// deadline is a resettable timer whose expiry is observed through a
// channel that is closed when the deadline passes.
type deadline struct {
	mu      sync.Mutex
	timer   *time.Timer
	expired chan struct{}
}

func newDeadline() *deadline {
	return &deadline{expired: make(chan struct{})}
}

// set arms the deadline. A zero t clears it; a past t expires it now.
func (d *deadline) set(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil && !d.timer.Stop() {
		<-d.expired // the timer fired; wait until it closed the channel
	}
	d.timer = nil

	closed := isClosed(d.expired)
	if t.IsZero() {
		if closed {
			d.expired = make(chan struct{})
		}
		return
	}

	if dur := time.Until(t); dur > 0 {
		if closed {
			d.expired = make(chan struct{})
		}
		ch := d.expired
		d.timer = time.AfterFunc(dur, func() { close(ch) })
		return
	}

	if !closed {
		close(d.expired)
	}
}

func (d *deadline) wait() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.expired
}

// context returns a context cancelled with errDeadlineExceeded when the
// deadline passes, including one moved after the call began.
func (d *deadline) context() (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(context.Background())
	done := make(chan struct{})
	go func() {
		for {
			ch := d.wait()
			select {
			case <-ch:
				// Re-check: set may have swapped in a fresh channel.
				if d.wait() == ch {
					cancel(errDeadlineExceeded)
					return
				}
			case <-done:
				return
			}
		}
	}()
	return ctx, func() {
		close(done)
		cancel(nil)
	}
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
