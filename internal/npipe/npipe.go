// Package npipe provides asynchronous, cancellable byte-stream connections
// over local Windows named pipes.
//
// A Listener serves one or more pipe names and always keeps a fresh server
// instance armed per name, so a client can connect while the previous
// connection is still being handed out. A Client opens the client end,
// waiting while every instance is busy. Both produce Connections whose
// reads and writes run on the overlapped engine, with either the classic
// or the completion-port backend.
package npipe

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wingpipe/wingpipe-go/internal/pipeerr"
)

// Infinite disables a timeout.
const Infinite time.Duration = -1

// DefaultBufferSize is the in and out buffer size of server instances.
const DefaultBufferSize = 4096

// MaxNameLength is the longest accepted pipe name.
const MaxNameLength = 256

const (
	localPrefix      = `\\.\pipe\`
	localSlashPrefix = `//./pipe/`
)

// Access selects the client's desired access.
type Access uint32

// Access flags.
const (
	AccessRead Access = 1 << iota
	AccessWrite

	AccessReadWrite = AccessRead | AccessWrite
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessReadWrite:
		return "read-write"
	default:
		return fmt.Sprintf("Access(%d)", uint32(a))
	}
}

// ParseAccess parses "read", "write" or "read-write".
func ParseAccess(s string) (Access, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read", "r":
		return AccessRead, nil
	case "write", "w":
		return AccessWrite, nil
	case "", "read-write", "readwrite", "rw":
		return AccessReadWrite, nil
	default:
		return 0, fmt.Errorf("unknown access %q", s)
	}
}

// EndpointConfig describes one pipe name served by a Listener.
type EndpointConfig struct {
	// Name is the full pipe name, e.g. \\.\pipe\example.
	Name string
	// SecurityDescriptor is an SDDL string. Empty means the default ACL.
	SecurityDescriptor string
	// ProtectFirstInstance makes creating the endpoint fail when another
	// server already owns the name.
	ProtectFirstInstance bool
}

// RearmError reports that a connection was accepted but the next server
// instance for its name could not be created. The endpoint has been
// removed from the listener and must be added again to be served.
type RearmError struct {
	Name string
	Err  error
}

func (e *RearmError) Error() string {
	return fmt.Sprintf("re-arm %s: %v", e.Name, e.Err)
}

func (e *RearmError) Unwrap() error {
	return e.Err
}

// IsRearmError reports whether err carries a *RearmError.
func IsRearmError(err error) bool {
	var re *RearmError
	return errors.As(err, &re)
}

// Credentials identify the process on the other end of a connection.
type Credentials struct {
	PID uint32
	SID string
}

func (c Credentials) String() string {
	return fmt.Sprintf("pid=%d,sid=%s", c.PID, c.SID)
}

// ValidateName checks that name is a local pipe name and returns it in
// backslash form. The forward-slash form //./pipe/name is accepted.
func ValidateName(name string) (string, error) {
	invalid := func(reason string) (string, error) {
		return "", pipeerr.New(pipeerr.ErrNameInvalid, "validate", name, errors.New(reason))
	}

	if name == "" {
		return invalid("empty name")
	}
	if len(name) > MaxNameLength {
		return invalid(fmt.Sprintf("longer than %d characters", MaxNameLength))
	}
	if strings.ContainsRune(name, 0) {
		return invalid("contains NUL")
	}

	var rest string
	switch {
	case hasPrefixFold(name, localPrefix):
		rest = name[len(localPrefix):]
	case hasPrefixFold(name, localSlashPrefix):
		rest = name[len(localSlashPrefix):]
	case strings.HasPrefix(name, `\\`) || strings.HasPrefix(name, "//"):
		return invalid("remote pipes are not supported")
	default:
		return invalid(`must start with \\.\pipe\`)
	}
	if rest == "" {
		return invalid("missing pipe name after prefix")
	}
	return localPrefix + rest, nil
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
