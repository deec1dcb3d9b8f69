// Package pipeerr defines the error taxonomy of the named-pipe transport.
//
// Every public transport operation reports at most one *Error. The Kind field
// holds one of the sentinel errors below, so callers classify failures with
// errors.Is(err, pipeerr.ErrBusy) while the original Win32 code stays
// available through Code and errors.As.
package pipeerr

import (
	"context"
	"errors"
	"strings"
	"syscall"
)

// Error kinds
var (
	ErrNameInvalid      = errors.New("invalid pipe name")
	ErrPermissionDenied = errors.New("permission denied")
	ErrAlreadyExists    = errors.New("pipe instance already exists")
	ErrBusy             = errors.New("all pipe instances are busy")
	ErrNotFound         = errors.New("pipe not found")
	ErrCancelled        = errors.New("operation cancelled")
	ErrClosedHandle     = errors.New("handle is closed")
	ErrBrokenPipe       = errors.New("broken pipe")
	ErrPending          = errors.New("another operation is pending")
	ErrGeneric          = errors.New("pipe operation failed")
)

// Error is the error returned by transport operations.
type Error struct {
	Kind error         // one of the Err* sentinels
	Op   string        // operation, e.g. "accept", "read"
	Name string        // pipe name, if known
	Code syscall.Errno // Win32 error code, 0 when the failure did not come from the OS
	Err  error         // underlying cause
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
	}
	if e.Name != "" {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(e.Name)
	}
	if b.Len() > 0 {
		b.WriteString(": ")
	}
	switch {
	case e.Err != nil && e.Kind != nil && e.Kind != ErrGeneric && !errors.Is(e.Err, e.Kind):
		b.WriteString(e.Kind.Error())
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	case e.Kind != nil:
		b.WriteString(e.Kind.Error())
	default:
		b.WriteString(ErrGeneric.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// New returns an *Error of the given kind.
func New(kind error, op, name string, cause error) *Error {
	if kind == nil {
		kind = ErrGeneric
	}
	return &Error{Kind: kind, Op: op, Name: name, Err: cause}
}

// Cancelled returns a cancellation error. cause is normally ctx.Err(); when it
// is nil context.Canceled is used.
func Cancelled(op, name string, cause error) *Error {
	if cause == nil {
		cause = context.Canceled
	}
	return &Error{Kind: ErrCancelled, Op: op, Name: name, Err: cause}
}

// Closed returns an operation-on-closed-handle error.
func Closed(op, name string) *Error {
	return &Error{Kind: ErrClosedHandle, Op: op, Name: name}
}

// KindOf returns the kind sentinel carried by err, ErrGeneric for foreign
// errors and nil for a nil error.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) && pe.Kind != nil {
		return pe.Kind
	}
	return ErrGeneric
}

// IsCancelled reports whether err is a cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
