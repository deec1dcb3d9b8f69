//go:build windows

package pipeerr

import (
	"errors"
	"syscall"

	"golang.org/x/sys/windows"
)

// FromWin32 translates an error returned by a Win32 call into the taxonomy.
// It returns nil for a nil error and leaves *Error values untouched.
func FromWin32(op, name string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return &Error{Kind: ErrGeneric, Op: op, Name: name, Err: err}
	}
	return &Error{Kind: KindFromErrno(errno), Op: op, Name: name, Code: errno, Err: errno}
}

// KindFromErrno maps a Win32 error code to an error kind.
func KindFromErrno(errno syscall.Errno) error {
	switch errno {
	case windows.ERROR_INVALID_NAME, windows.ERROR_BAD_PATHNAME, windows.ERROR_FILENAME_EXCED_RANGE:
		return ErrNameInvalid
	case windows.ERROR_ACCESS_DENIED, windows.ERROR_INVALID_SECURITY_DESCR:
		return ErrPermissionDenied
	case windows.ERROR_ALREADY_EXISTS, windows.ERROR_FILE_EXISTS:
		return ErrAlreadyExists
	case windows.ERROR_PIPE_BUSY, windows.ERROR_SEM_TIMEOUT:
		return ErrBusy
	case windows.ERROR_FILE_NOT_FOUND, windows.ERROR_PATH_NOT_FOUND, windows.ERROR_BAD_NETPATH:
		return ErrNotFound
	case windows.ERROR_OPERATION_ABORTED:
		return ErrCancelled
	case windows.ERROR_INVALID_HANDLE:
		return ErrClosedHandle
	case windows.ERROR_BROKEN_PIPE, windows.ERROR_NO_DATA, windows.ERROR_PIPE_NOT_CONNECTED:
		return ErrBrokenPipe
	case windows.ERROR_IO_PENDING:
		return ErrPending
	default:
		return ErrGeneric
	}
}
