//go:build windows

package npipe

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/windows"

	"github.com/wingpipe/wingpipe-go/internal/observability"
	"github.com/wingpipe/wingpipe-go/internal/overlapped"
	"github.com/wingpipe/wingpipe-go/internal/pipeerr"
)

// Connection is one end of a connected pipe. It owns its handle.
//
// Read and Write satisfy io.ReadWriteCloser; ReadContext and WriteContext
// add cancellation, and ReadAsync and WriteAsync start operations whose
// completion is delivered later.
type Connection struct {
	name    string
	server  bool
	duplex  *overlapped.Duplex
	logger  *zap.Logger
	metrics *observability.MetricsManager

	closeOnce sync.Once
	closeErr  error
}

var _ io.ReadWriteCloser = (*Connection)(nil)

func newConnection(h windows.Handle, name string, server bool, o options) *Connection {
	c := &Connection{
		name:    name,
		server:  server,
		duplex:  overlapped.NewDuplex(h, true, o.duplexOptions(name)...),
		logger:  o.logger,
		metrics: o.metrics,
	}
	c.metrics.ConnectionOpened()
	return c
}

// Name returns the pipe name.
func (c *Connection) Name() string {
	return c.name
}

// Handle returns the pipe handle.
func (c *Connection) Handle() windows.Handle {
	return c.duplex.Handle()
}

// Backend returns the stream backend in effect.
func (c *Connection) Backend() overlapped.Backend {
	return c.duplex.Backend()
}

// Input returns the readable stream.
func (c *Connection) Input() *overlapped.InputStream {
	return c.duplex.Input()
}

// Output returns the writable stream.
func (c *Connection) Output() *overlapped.OutputStream {
	return c.duplex.Output()
}

// Read implements io.Reader. It returns io.EOF once the peer has closed.
func (c *Connection) Read(p []byte) (int, error) {
	n, err := c.ReadContext(context.Background(), p)
	if err == nil && n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, err
}

// Write implements io.Writer.
func (c *Connection) Write(p []byte) (int, error) {
	return c.WriteContext(context.Background(), p)
}

// ReadContext reads into p. It returns (0, nil) once the peer has closed.
func (c *Connection) ReadContext(ctx context.Context, p []byte) (int, error) {
	return c.duplex.Input().Read(ctx, p)
}

// WriteContext writes all of p unless an error occurs.
func (c *Connection) WriteContext(ctx context.Context, p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := c.duplex.Output().Write(ctx, p[written:])
		written += n
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, pipeerr.New(pipeerr.ErrBrokenPipe, "write", c.name, io.ErrShortWrite)
		}
	}
	return written, nil
}

// ReadAsync starts a read. See overlapped.InputStream.ReadAsync.
func (c *Connection) ReadAsync(ctx context.Context, p []byte, cb overlapped.Completion) error {
	return c.duplex.Input().ReadAsync(ctx, p, cb)
}

// WriteAsync starts a write. See overlapped.OutputStream.WriteAsync.
func (c *Connection) WriteAsync(ctx context.Context, p []byte, cb overlapped.Completion) error {
	return c.duplex.Output().WriteAsync(ctx, p, cb)
}

// PeerCredentials identifies the process on the other end.
func (c *Connection) PeerCredentials() (Credentials, error) {
	var (
		pid uint32
		err error
	)
	if c.server {
		pid, err = getNamedPipeClientProcessID(c.Handle())
	} else {
		pid, err = getNamedPipeServerProcessID(c.Handle())
	}
	if err != nil {
		return Credentials{}, pipeerr.FromWin32("credentials", c.name, err)
	}

	sid, err := processUserSID(pid)
	if err != nil {
		return Credentials{PID: pid}, pipeerr.FromWin32("credentials", c.name, err)
	}
	return Credentials{PID: pid, SID: sid}, nil
}

func processUserSID(pid uint32) (string, error) {
	p, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, pid)
	if err != nil {
		return "", err
	}
	defer windows.CloseHandle(p)

	var token windows.Token
	if err := windows.OpenProcessToken(p, windows.TOKEN_QUERY, &token); err != nil {
		return "", err
	}
	defer token.Close()

	user, err := token.GetTokenUser()
	if err != nil {
		return "", err
	}
	return user.User.Sid.String(), nil
}

// Close closes the output stream, then the input stream, then the handle.
// Outstanding operations are cancelled first. Close is idempotent.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.duplex.Close()
		c.metrics.ConnectionClosed()
		c.logger.Debug("Connection closed", zap.String("name", c.name), zap.Bool("server", c.server))
	})
	return c.closeErr
}
