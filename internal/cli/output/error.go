package output

import (
	"errors"

	"github.com/wingpipe/wingpipe-go/internal/pipeerr"
)

// StructuredError represents errors with machine-parseable metadata.
type StructuredError struct {
	// Code is a machine-readable error identifier (e.g., "PIPE_NOT_FOUND")
	Code string `json:"code" yaml:"code"`

	// Message is a human-readable error description
	Message string `json:"message" yaml:"message"`

	// Guidance provides context on why this error occurred
	Guidance string `json:"guidance,omitempty" yaml:"guidance,omitempty"`

	// RecoveryCommand suggests a command to fix the issue
	RecoveryCommand string `json:"recovery_command,omitempty" yaml:"recovery_command,omitempty"`

	// Context contains additional structured data about the error
	Context map[string]interface{} `json:"context,omitempty" yaml:"context,omitempty"`
}

// Error implements the error interface for StructuredError.
func (e StructuredError) Error() string {
	return e.Message
}

// Common error codes for CLI operations
const (
	ErrCodeConfigInvalid       = "CONFIG_INVALID"
	ErrCodeInvalidOutputFormat = "INVALID_OUTPUT_FORMAT"
	ErrCodeInvalidName         = "INVALID_PIPE_NAME"
	ErrCodePipeNotFound        = "PIPE_NOT_FOUND"
	ErrCodePipeBusy            = "PIPE_BUSY"
	ErrCodePipeExists          = "PIPE_EXISTS"
	ErrCodePermissionDenied    = "PERMISSION_DENIED"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeConnectionClosed    = "CONNECTION_CLOSED"
	ErrCodeOperationFailed     = "OPERATION_FAILED"
)

// NewStructuredError creates a new StructuredError with the given code and message.
func NewStructuredError(code, message string) StructuredError {
	return StructuredError{
		Code:    code,
		Message: message,
	}
}

// WithGuidance adds guidance to the error.
func (e StructuredError) WithGuidance(guidance string) StructuredError {
	e.Guidance = guidance
	return e
}

// WithRecoveryCommand adds a recovery command suggestion.
func (e StructuredError) WithRecoveryCommand(cmd string) StructuredError {
	e.RecoveryCommand = cmd
	return e
}

// WithContext adds context data to the error.
func (e StructuredError) WithContext(key string, value interface{}) StructuredError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// FromError converts an error to a StructuredError. Pipe errors get the
// code of their kind, anything else gets fallback.
func FromError(err error, fallback string) StructuredError {
	var se StructuredError
	if errors.As(err, &se) {
		return se
	}
	code := fallback
	var pe *pipeerr.Error
	if errors.As(err, &pe) {
		code = CodeForKind(pe.Kind)
	}
	return StructuredError{
		Code:    code,
		Message: err.Error(),
	}
}

// CodeForKind returns the error code for a pipe error kind.
func CodeForKind(kind error) string {
	switch kind {
	case pipeerr.ErrNameInvalid:
		return ErrCodeInvalidName
	case pipeerr.ErrNotFound:
		return ErrCodePipeNotFound
	case pipeerr.ErrBusy:
		return ErrCodePipeBusy
	case pipeerr.ErrAlreadyExists:
		return ErrCodePipeExists
	case pipeerr.ErrPermissionDenied:
		return ErrCodePermissionDenied
	case pipeerr.ErrCancelled:
		return ErrCodeCancelled
	case pipeerr.ErrClosedHandle, pipeerr.ErrBrokenPipe:
		return ErrCodeConnectionClosed
	default:
		return ErrCodeOperationFailed
	}
}
