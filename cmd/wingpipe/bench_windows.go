//go:build windows

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wingpipe/wingpipe-go/internal/npipe"
	"github.com/wingpipe/wingpipe-go/internal/overlapped"
	"github.com/wingpipe/wingpipe-go/internal/reactor"
)

var benchSeq atomic.Uint32

func runBench(ctx context.Context, opts benchOptions, backend overlapped.Backend, logger *zap.Logger) (benchResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	pipe := opts.pipe
	if pipe == "" {
		pipe = fmt.Sprintf(`\\.\pipe\wingpipe-bench-%d-%d`, os.Getpid(), benchSeq.Add(1))
		stop, err := startLocalEcho(pipe, backend, logger)
		if err != nil {
			return benchResult{}, err
		}
		defer func() {
			if err := stop(); err != nil {
				logger.Warn("Stopping echo server failed", zap.Error(err))
			}
		}()
	}

	client := npipe.NewClient(npipe.WithBackend(backend), npipe.WithLogger(logger))
	conns := make([]*npipe.Connection, 0, opts.clients)
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()
	for i := 0; i < opts.clients; i++ {
		conn, err := client.Connect(ctx, pipe, npipe.AccessReadWrite)
		if err != nil {
			return benchResult{}, err
		}
		conns = append(conns, conn)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		samples = make([]time.Duration, 0, opts.iterations*opts.clients)
		errs    error
	)
	start := time.Now()
	for _, conn := range conns {
		wg.Add(1)
		go func(conn *npipe.Connection) {
			defer wg.Done()
			local, err := roundTrips(ctx, conn, opts.iterations, opts.size)
			mu.Lock()
			defer mu.Unlock()
			samples = append(samples, local...)
			errs = multierr.Append(errs, err)
		}(conn)
	}
	wg.Wait()

	r := benchResult{Backend: backend.String(), Clients: opts.clients, Elapsed: time.Since(start)}
	summarize(&r, samples)
	return r, errs
}

func roundTrips(ctx context.Context, conn *npipe.Connection, iterations, size int) ([]time.Duration, error) {
	msg := bytes.Repeat([]byte{'w'}, size)
	samples := make([]time.Duration, 0, iterations)

	for i := 0; i < iterations; i++ {
		t0 := time.Now()
		got, err := exchange(ctx, conn, npipe.AccessReadWrite, msg, false)
		if err != nil {
			return samples, err
		}
		if !bytes.Equal(got, msg) {
			return samples, fmt.Errorf("round trip %d: reply differs from message", i)
		}
		samples = append(samples, time.Since(t0))
	}
	return samples, nil
}

// startLocalEcho serves an echo endpoint on name until the returned stop
// function is called.
func startLocalEcho(name string, backend overlapped.Backend, logger *zap.Logger) (func() error, error) {
	loop, err := reactor.NewLoop(reactor.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	loopCtx, loopStop := context.WithCancel(context.Background())
	loopDone := make(chan error, 1)
	go func() {
		loopDone <- loop.Run(loopCtx)
	}()
	stopLoop := func() error {
		loopStop()
		<-loopDone
		return loop.Close()
	}

	listener, err := npipe.NewListener(npipe.WithBackend(backend), npipe.WithLoop(loop), npipe.WithLogger(logger))
	if err != nil {
		return nil, multierr.Append(err, stopLoop())
	}
	if err := listener.AddNamedPipe(name, "", true); err != nil {
		return nil, multierr.Combine(err, listener.Close(), stopLoop())
	}

	echo := newEchoServer(listener, logger, nil, npipe.DefaultBufferSize, 0)
	echo.Start()
	return func() error {
		echo.Stop()
		return multierr.Combine(listener.Close(), stopLoop())
	}, nil
}
