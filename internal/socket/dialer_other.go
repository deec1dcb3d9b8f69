//go:build !windows

package socket

import (
	"context"
	"errors"
	"net"
)

// ErrUnsupported is returned on platforms without named pipes.
var ErrUnsupported = errors.New("named pipes require Windows")

// CreateDialer is unavailable outside Windows.
func CreateDialer(string) (func(context.Context, string, string) (net.Conn, error), string, error) {
	return nil, "", ErrUnsupported
}

// IsPipeAvailable always reports false outside Windows.
func IsPipeAvailable(string) bool {
	return false
}
