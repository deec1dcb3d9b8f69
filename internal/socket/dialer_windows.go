//go:build windows

package socket

import (
	"context"
	"errors"
	"net"

	"github.com/wingpipe/wingpipe-go/internal/npipe"
	"github.com/wingpipe/wingpipe-go/internal/pipeerr"
)

// CreateDialer returns a DialContext function that ignores the HTTP
// address and connects to the pipe, plus the base URL to use with it.
func CreateDialer(endpoint string, opts ...npipe.Option) (func(context.Context, string, string) (net.Conn, error), string, error) {
	name, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, "", err
	}

	dialer := func(ctx context.Context, _, _ string) (net.Conn, error) {
		return npipe.Dial(ctx, name, opts...)
	}
	return dialer, "http://localhost", nil
}

// IsPipeAvailable reports whether a server currently serves endpoint. A
// pipe whose instances are all busy still counts as available.
func IsPipeAvailable(endpoint string) bool {
	name, err := ParseEndpoint(endpoint)
	if err != nil {
		return false
	}

	conn, err := npipe.NewClient(npipe.WithTimeout(0)).Connect(context.Background(), name, npipe.AccessRead)
	if err != nil {
		return errors.Is(err, pipeerr.ErrBusy)
	}
	conn.Close()
	return true
}
