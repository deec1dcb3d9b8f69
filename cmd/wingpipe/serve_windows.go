//go:build windows

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wingpipe/wingpipe-go/internal/config"
	"github.com/wingpipe/wingpipe-go/internal/iocp"
	"github.com/wingpipe/wingpipe-go/internal/npipe"
	"github.com/wingpipe/wingpipe-go/internal/observability"
	"github.com/wingpipe/wingpipe-go/internal/reactor"
)

const shutdownTimeout = 5 * time.Second

// pipeServer owns everything serve starts.
type pipeServer struct {
	cfg    *config.Config
	opts   serveOptions
	logger *zap.Logger

	obs      *observability.Manager
	loop     *reactor.Loop
	loopStop context.CancelFunc
	loopDone chan error
	listener *npipe.Listener
	echo     *echoServer
	httpSrv  []*http.Server
	httpErr  chan error
}

func runServe(ctx context.Context, cfg *config.Config, opts serveOptions, logger *zap.Logger) error {
	logStartup(logger, cfg, opts)

	srv, err := startServer(cfg, opts, logger)
	if err != nil {
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown requested")
	case runErr = <-srv.echo.Failed():
		logger.Error("Listener stopped serving", zap.Error(runErr))
	case runErr = <-srv.httpErr:
		logger.Error("HTTP server failed", zap.Error(runErr))
	}

	return multierr.Append(runErr, srv.shutdown())
}

// startServer brings the components up in dependency order. On failure
// whatever was started is shut down again.
func startServer(cfg *config.Config, opts serveOptions, logger *zap.Logger) (_ *pipeServer, err error) {
	iocp.SetLogger(logger.Named("iocp"))

	s := &pipeServer{
		cfg:     cfg,
		opts:    opts,
		logger:  logger,
		httpErr: make(chan error, 2),
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, s.shutdown())
		}
	}()

	backend, err := cfg.PipeBackend()
	if err != nil {
		return nil, &configError{err: err}
	}

	obsCfg := observability.DefaultConfig("wingpipe", version)
	obsCfg.Metrics.Enabled = cfg.Metrics.Enabled || opts.adminPipe != ""
	obsCfg.Tracing = observability.TracingConfig{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SampleRate:     cfg.Tracing.SampleRate,
	}
	if obsCfg.Tracing.OTLPEndpoint == "" {
		obsCfg.Tracing.OTLPEndpoint = observability.DefaultConfig("", "").Tracing.OTLPEndpoint
	}
	if s.obs, err = observability.NewManager(logger.Sugar(), obsCfg); err != nil {
		return nil, fmt.Errorf("failed to start observability: %w", err)
	}

	if s.loop, err = reactor.NewLoop(
		reactor.WithLogger(logger.Named("reactor")),
		reactor.WithMetrics(s.obs.Metrics()),
	); err != nil {
		return nil, fmt.Errorf("failed to create event loop: %w", err)
	}
	var loopCtx context.Context
	loopCtx, s.loopStop = context.WithCancel(context.Background())
	s.loopDone = make(chan error, 1)
	go func() {
		s.loopDone <- s.loop.Run(loopCtx)
	}()

	if s.listener, err = npipe.NewListener(
		npipe.WithBackend(backend),
		npipe.WithLoop(s.loop),
		npipe.WithLogger(logger.Named("listener")),
		npipe.WithMetrics(s.obs.Metrics()),
	); err != nil {
		return nil, err
	}
	for _, ep := range cfg.Listener.Endpoints {
		if err = s.listener.AddEndpoint(npipe.EndpointConfig{
			Name:                 ep.Name,
			SecurityDescriptor:   ep.SecurityDescriptor,
			ProtectFirstInstance: ep.ProtectFirstInstance,
		}); err != nil {
			return nil, err
		}
		logger.Info("Serving endpoint", zap.String("pipe", ep.Name), zap.Bool("protected", ep.ProtectFirstInstance))
	}

	s.obs.RegisterHealthChecker(observability.NewEndpointHealthChecker("listener", s.listener.Endpoints))
	s.obs.RegisterHealthChecker(observability.NewLoopHealthChecker("reactor", s.loop.Invoke))

	s.echo = newEchoServer(s.listener, logger.Named("echo"), s.obs.Tracing(),
		cfg.Listener.BufferSize, cfg.Listener.MaxConnections)
	s.obs.RegisterReadinessChecker(observability.NewComponentHealthChecker("echo",
		func() bool { return true },
		func() bool { return cfg.Listener.MaxConnections == 0 || s.echo.Active() < cfg.Listener.MaxConnections },
	))
	s.echo.Start()

	if cfg.Metrics.Enabled {
		ln, lerr := net.Listen("tcp", cfg.Metrics.Listen)
		if lerr != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Metrics.Listen, lerr)
		}
		s.serveHTTP(ln)
	}
	if opts.adminPipe != "" {
		ln, lerr := npipe.Listen(opts.adminPipe, "", npipe.WithLogger(logger.Named("admin")))
		if lerr != nil {
			return nil, fmt.Errorf("failed to serve admin pipe: %w", lerr)
		}
		s.serveHTTP(ln)
	}
	return s, nil
}

func (s *pipeServer) serveHTTP(ln net.Listener) {
	hs := &http.Server{
		Handler:           s.obs.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpSrv = append(s.httpSrv, hs)
	s.logger.Info("Serving admin HTTP", zap.String("network", ln.Addr().Network()), zap.String("addr", ln.Addr().String()))

	go func() {
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.httpErr <- err
		}
	}()
}

// shutdown stops the components in reverse order.
func (s *pipeServer) shutdown() error {
	var err error
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, hs := range s.httpSrv {
		err = multierr.Append(err, hs.Shutdown(ctx))
	}
	if s.echo != nil {
		s.echo.Stop()
	}
	if s.listener != nil {
		err = multierr.Append(err, s.listener.Close())
	}
	if s.loopStop != nil {
		s.loopStop()
		<-s.loopDone
		err = multierr.Append(err, s.loop.Close())
	} else if s.loop != nil {
		err = multierr.Append(err, s.loop.Close())
	}
	if s.obs != nil {
		err = multierr.Append(err, s.obs.Close(ctx))
	}

	if err != nil {
		s.logger.Warn("Shutdown finished with errors", zap.Error(err))
	} else {
		s.logger.Info("Shutdown complete")
	}
	return err
}
