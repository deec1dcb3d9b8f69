// Package overlapped performs cancellable reads and writes on a handle
// opened for overlapped I/O.
//
// A Duplex owns the handle and one InputStream and one OutputStream. Each
// stream allows any number of sequential blocking calls plus at most one
// outstanding asynchronous call. Two execution backends are available:
// classic overlapped I/O completed through a reactor.Loop, and the
// process-wide completion port.
package overlapped

import (
	"context"
	"fmt"
	"strings"
)

// Backend selects how asynchronous operations are completed.
type Backend int

const (
	// BackendClassic waits on a per-operation event from a reactor loop.
	BackendClassic Backend = iota
	// BackendIOCP binds the handle to the completion port.
	BackendIOCP
)

func (b Backend) String() string {
	switch b {
	case BackendClassic:
		return "classic"
	case BackendIOCP:
		return "iocp"
	default:
		return fmt.Sprintf("Backend(%d)", int(b))
	}
}

// ParseBackend parses "classic" or "iocp". The empty string selects classic.
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "classic", "overlapped":
		return BackendClassic, nil
	case "iocp", "completion-port", "completionport":
		return BackendIOCP, nil
	default:
		return BackendClassic, fmt.Errorf("unknown backend %q (want classic or iocp)", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (b Backend) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *Backend) UnmarshalText(text []byte) error {
	v, err := ParseBackend(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// Completion receives the outcome of an asynchronous operation. It is
// called exactly once.
type Completion func(n int, err error)

// Reader is the readable side of a stream.
type Reader interface {
	Read(ctx context.Context, p []byte) (int, error)
	ReadAsync(ctx context.Context, p []byte, cb Completion) error
}

// Writer is the writable side of a stream.
type Writer interface {
	Write(ctx context.Context, p []byte) (int, error)
	WriteAsync(ctx context.Context, p []byte, cb Completion) error
}
