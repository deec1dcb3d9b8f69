//go:build windows

package npipe

import (
	"errors"

	"golang.org/x/sys/windows"

	"github.com/wingpipe/wingpipe-go/internal/pipeerr"
)

// instance is one server end of a pipe name waiting for a client. Its
// connect request signals the endpoint's event.
type instance struct {
	handle           windows.Handle
	connect          windows.Overlapped
	alreadyConnected bool
}

// newInstance creates a server instance and starts an overlapped connect
// that signals event. first requests FILE_FLAG_FIRST_PIPE_INSTANCE.
func newInstance(name string, sa *securityAttributes, event windows.Handle, first bool) (*instance, error) {
	name16, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, pipeerr.New(pipeerr.ErrNameInvalid, "create", name, err)
	}

	flags := uint32(windows.PIPE_ACCESS_DUPLEX | windows.FILE_FLAG_OVERLAPPED)
	if first {
		flags |= windows.FILE_FLAG_FIRST_PIPE_INSTANCE
	}
	h, err := windows.CreateNamedPipe(name16, flags,
		windows.PIPE_TYPE_BYTE|windows.PIPE_READMODE_BYTE|windows.PIPE_WAIT,
		windows.PIPE_UNLIMITED_INSTANCES,
		DefaultBufferSize, DefaultBufferSize, 0,
		sa.attributes())
	if err != nil {
		if first && errors.Is(err, windows.ERROR_ACCESS_DENIED) {
			// A second first instance is refused with access denied.
			return nil, pipeerr.New(pipeerr.ErrAlreadyExists, "create", name, err)
		}
		return nil, pipeerr.FromWin32("create", name, err)
	}

	inst := &instance{handle: h}
	if err := windows.ResetEvent(event); err != nil {
		windows.CloseHandle(h)
		return nil, pipeerr.FromWin32("create", name, err)
	}
	inst.connect.HEvent = event

	err = windows.ConnectNamedPipe(h, &inst.connect)
	switch {
	case err == nil, errors.Is(err, windows.ERROR_PIPE_CONNECTED):
		inst.alreadyConnected = true
		_ = windows.SetEvent(event)
	case errors.Is(err, windows.ERROR_IO_PENDING):
	default:
		windows.CloseHandle(h)
		return nil, pipeerr.FromWin32("connect", name, err)
	}
	return inst, nil
}

// ready reports whether a client is connected. A signalled event with an
// incomplete request is a stale wake and reports false.
func (i *instance) ready() (bool, error) {
	if i.alreadyConnected {
		return true, nil
	}
	var n uint32
	err := windows.GetOverlappedResult(i.handle, &i.connect, &n, false)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, windows.ERROR_IO_INCOMPLETE):
		return false, nil
	case errors.Is(err, windows.ERROR_PIPE_CONNECTED):
		return true, nil
	default:
		return false, err
	}
}

// take hands the handle over to the caller.
func (i *instance) take() windows.Handle {
	h := i.handle
	i.handle = 0
	return h
}

// close cancels a pending connect, waits for the cancellation to be
// confirmed and closes the handle.
func (i *instance) close() error {
	if i.handle == 0 {
		return nil
	}
	if !i.alreadyConnected {
		if err := windows.CancelIoEx(i.handle, &i.connect); err == nil {
			var n uint32
			_ = windows.GetOverlappedResult(i.handle, &i.connect, &n, true)
		}
	}
	err := windows.CloseHandle(i.handle)
	i.handle = 0
	return err
}
