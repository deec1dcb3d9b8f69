package main

import (
	"errors"

	"github.com/wingpipe/wingpipe-go/internal/cli/output"
	"github.com/wingpipe/wingpipe-go/internal/pipeerr"
)

// Exit codes let scripts and the service manager tell failures apart.
const (
	// ExitCodeSuccess indicates normal program termination
	ExitCodeSuccess = 0

	// ExitCodeGeneralError indicates a generic error (default)
	ExitCodeGeneralError = 1

	// ExitCodePipeBusy indicates every instance of the pipe is busy
	ExitCodePipeBusy = 2

	// ExitCodePipeExists indicates another process already owns a protected pipe
	ExitCodePipeExists = 3

	// ExitCodeConfigError indicates configuration validation failed
	ExitCodeConfigError = 4

	// ExitCodePermissionError indicates the pipe's security descriptor denied access
	ExitCodePermissionError = 5

	// ExitCodeNotFound indicates the pipe does not exist
	ExitCodeNotFound = 6

	// ExitCodeCancelled indicates the operation was cancelled or timed out
	ExitCodeCancelled = 7
)

// configError marks configuration failures.
type configError struct {
	err error
}

func (e *configError) Error() string { return e.err.Error() }

func (e *configError) Unwrap() error { return e.err }

// exitCodeFor maps an error to the process exit code.
func exitCodeFor(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}
	var ce *configError
	if errors.As(err, &ce) {
		return ExitCodeConfigError
	}
	switch pipeerr.KindOf(err) {
	case pipeerr.ErrBusy:
		return ExitCodePipeBusy
	case pipeerr.ErrAlreadyExists:
		return ExitCodePipeExists
	case pipeerr.ErrPermissionDenied:
		return ExitCodePermissionError
	case pipeerr.ErrNotFound:
		return ExitCodeNotFound
	case pipeerr.ErrCancelled:
		return ExitCodeCancelled
	case pipeerr.ErrNameInvalid:
		return ExitCodeConfigError
	default:
		return ExitCodeGeneralError
	}
}

// errorCode is the structured error code for failures that carry no pipe
// error kind.
func errorCode(err error) string {
	var ce *configError
	if errors.As(err, &ce) {
		return output.ErrCodeConfigInvalid
	}
	return output.ErrCodeOperationFailed
}

// exitCodeDescription returns a human-readable description of the exit code
func exitCodeDescription(code int) string {
	switch code {
	case ExitCodeSuccess:
		return "Success"
	case ExitCodeGeneralError:
		return "General error"
	case ExitCodePipeBusy:
		return "All pipe instances are busy"
	case ExitCodePipeExists:
		return "Pipe already owned by another process"
	case ExitCodeConfigError:
		return "Configuration error"
	case ExitCodePermissionError:
		return "Permission denied"
	case ExitCodeNotFound:
		return "Pipe not found"
	case ExitCodeCancelled:
		return "Cancelled or timed out"
	default:
		return "Unknown error"
	}
}
