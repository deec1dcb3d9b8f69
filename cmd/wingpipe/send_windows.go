//go:build windows

package main

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wingpipe/wingpipe-go/internal/config"
	"github.com/wingpipe/wingpipe-go/internal/npipe"
	"github.com/wingpipe/wingpipe-go/internal/observability"
)

func runSend(ctx context.Context, cfg *config.Config, msg []byte, async bool, logger *zap.Logger) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	backend, err := cfg.PipeBackend()
	if err != nil {
		return nil, &configError{err: err}
	}
	access, err := npipe.ParseAccess(cfg.Client.Access)
	if err != nil {
		return nil, &configError{err: err}
	}

	tracing, err := clientTracing(cfg, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tracing.Close(context.Background())
	}()
	ctx, span := tracing.TraceConnect(ctx, cfg.Client.Pipe)
	defer span.End()

	client := npipe.NewClient(
		npipe.WithBackend(backend),
		npipe.WithLogger(logger),
		npipe.WithTimeout(cfg.Client.Timeout),
	)

	var conn *npipe.Connection
	if async {
		conn, err = connectAsync(ctx, client, cfg.Client.Pipe, access)
	} else {
		conn, err = client.Connect(ctx, cfg.Client.Pipe, access)
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, err
	}
	defer conn.Close()

	if creds, cerr := conn.PeerCredentials(); cerr == nil {
		logger.Debug("Connected", zap.String("pipe", conn.Name()), zap.String("server", creds.String()))
	}

	reply, err := exchange(ctx, conn, access, msg, async)
	tracing.AddSpanAttributes(ctx, attribute.Int("pipe.sent", len(msg)), attribute.Int("pipe.received", len(reply)))
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return reply, err
	}
	return reply, nil
}

// clientTracing starts tracing for a one-shot client. The result is nil when
// tracing is disabled.
func clientTracing(cfg *config.Config, logger *zap.Logger) (*observability.TracingManager, error) {
	if !cfg.Tracing.Enabled {
		return nil, nil
	}
	tm, err := observability.NewTracingManager(logger.Sugar(), observability.TracingConfig{
		Enabled:        true,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SampleRate:     cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start tracing: %w", err)
	}
	return tm, nil
}

func connectAsync(ctx context.Context, client *npipe.Client, name string, access npipe.Access) (*npipe.Connection, error) {
	type result struct {
		conn *npipe.Connection
		err  error
	}
	done := make(chan result, 1)
	client.ConnectAsync(ctx, name, access, func(conn *npipe.Connection, err error) {
		done <- result{conn, err}
	})
	r := <-done
	return r.conn, r.err
}

// exchange writes msg and reads the reply as far as access allows. A
// read-write exchange expects exactly len(msg) bytes back and reads while
// it writes, so messages larger than the pipe buffers cannot stall.
func exchange(ctx context.Context, conn *npipe.Connection, access npipe.Access, msg []byte, async bool) ([]byte, error) {
	switch access {
	case npipe.AccessWrite:
		return nil, writeAll(ctx, conn, msg, async)
	case npipe.AccessRead:
		return readToEOF(ctx, conn, async)
	}

	written := make(chan error, 1)
	go func() {
		written <- writeAll(ctx, conn, msg, async)
	}()

	reply := make([]byte, len(msg))
	got := 0
	var rerr error
	for got < len(reply) {
		n, err := readOnce(ctx, conn, reply[got:], async)
		if err != nil {
			rerr = err
			break
		}
		if n == 0 {
			rerr = io.ErrUnexpectedEOF
			break
		}
		got += n
	}
	if rerr != nil {
		// Unblock the writer before waiting for it.
		_ = conn.Close()
	}
	return reply[:got], multierr.Append(<-written, rerr)
}

func readToEOF(ctx context.Context, conn *npipe.Connection, async bool) ([]byte, error) {
	var out []byte
	buf := make([]byte, npipe.DefaultBufferSize)
	for {
		n, err := readOnce(ctx, conn, buf, async)
		out = append(out, buf[:n]...)
		if err != nil || n == 0 {
			return out, err
		}
	}
}

// readOnce reads with the blocking or the callback API. Zero bytes
// without an error means end of stream.
func readOnce(ctx context.Context, conn *npipe.Connection, p []byte, async bool) (int, error) {
	if !async {
		return conn.ReadContext(ctx, p)
	}
	return awaitCompletion(func(cb func(int, error)) error {
		return conn.ReadAsync(ctx, p, cb)
	})
}

func writeAll(ctx context.Context, conn *npipe.Connection, p []byte, async bool) error {
	if !async {
		_, err := conn.WriteContext(ctx, p)
		return err
	}
	for len(p) > 0 {
		n, err := awaitCompletion(func(cb func(int, error)) error {
			return conn.WriteAsync(ctx, p, cb)
		})
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// awaitCompletion starts an async operation and blocks until its callback
// runs. A refused start is returned as is.
func awaitCompletion(start func(cb func(int, error)) error) (int, error) {
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	if err := start(func(n int, err error) {
		done <- result{n, err}
	}); err != nil {
		return 0, err
	}
	r := <-done
	return r.n, r.err
}
