//go:build windows

package npipe

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/windows"

	"github.com/wingpipe/wingpipe-go/internal/pipeerr"
)

// busyWaitSlice bounds each WaitNamedPipe call so ctx is observed between
// slices.
const busyWaitSlice = 50 * time.Millisecond

// Client opens the client end of named pipes.
type Client struct {
	opts options
}

// NewClient creates a client. By default it waits for a busy pipe until
// ctx is done; see WithTimeout.
func NewClient(opts ...Option) *Client {
	return &Client{opts: newOptions(opts)}
}

// Timeout returns the busy-wait bound.
func (c *Client) Timeout() time.Duration {
	return c.opts.timeout
}

// Connect opens name with the requested access. While every server instance
// is busy it waits, in slices, up to the client timeout and then fails with
// ErrBusy. Other failures are returned at once.
func (c *Client) Connect(ctx context.Context, name string, access Access) (*Connection, error) {
	conn, err := c.connect(ctx, name, access)

	status := "success"
	switch {
	case pipeerr.IsCancelled(err):
		status = "cancelled"
	case errors.Is(err, pipeerr.ErrBusy):
		status = "busy"
	case err != nil:
		status = "error"
	}
	c.opts.metrics.RecordConnect(status)
	return conn, err
}

func (c *Client) connect(ctx context.Context, name string, access Access) (*Connection, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	name, err := ValidateName(name)
	if err != nil {
		return nil, err
	}
	name16, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, pipeerr.New(pipeerr.ErrNameInvalid, "connect", name, err)
	}

	var desired uint32
	if access&AccessRead != 0 {
		desired |= windows.GENERIC_READ
	}
	if access&AccessWrite != 0 {
		desired |= windows.GENERIC_WRITE
	}
	if desired == 0 {
		return nil, pipeerr.New(pipeerr.ErrGeneric, "connect", name, errors.New("no access requested"))
	}

	timeout := c.opts.timeout
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, pipeerr.Cancelled("connect", name, err)
		}

		h, err := windows.CreateFile(name16, desired, 0, nil,
			windows.OPEN_EXISTING, windows.FILE_FLAG_OVERLAPPED, 0)
		if err == nil {
			c.opts.logger.Debug("Connected to named pipe",
				zap.String("pipe", name),
				zap.Stringer("access", access))
			return newConnection(h, name, false, c.opts), nil
		}
		if !errors.Is(err, windows.ERROR_PIPE_BUSY) {
			return nil, pipeerr.FromWin32("connect", name, err)
		}

		slice := busyWaitSlice
		switch {
		case timeout == 0:
			return nil, pipeerr.FromWin32("connect", name, err)
		case timeout > 0:
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, pipeerr.FromWin32("connect", name, err)
			}
			slice = min(slice, remaining)
		}

		c.opts.metrics.RecordConnectRetry()
		ms := max(uint32(slice/time.Millisecond), 1)
		werr := waitNamedPipe(name16, ms)
		switch {
		case werr == nil, errors.Is(werr, windows.ERROR_SEM_TIMEOUT):
			// An instance may be free now, or the slice ran out; try again.
		default:
			return nil, pipeerr.FromWin32("connect", name, werr)
		}
	}
}

// ConnectAsync runs Connect on its own goroutine and calls cb exactly once
// with the outcome, through the client's loop when one is configured.
func (c *Client) ConnectAsync(ctx context.Context, name string, access Access, cb func(*Connection, error)) {
	go func() {
		conn, err := c.Connect(ctx, name, access)
		c.opts.deliver(func() { cb(conn, err) })
	}()
}
