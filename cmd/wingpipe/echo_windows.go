//go:build windows

package main

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/wingpipe/wingpipe-go/internal/npipe"
	"github.com/wingpipe/wingpipe-go/internal/observability"
	"github.com/wingpipe/wingpipe-go/internal/pipeerr"
)

// echoServer accepts connections with AcceptAsync and echoes everything it
// reads back to the peer. Accept callbacks run on the listener's loop.
// Session callbacks run on the loop or on a completion port worker, one at
// a time per session.
type echoServer struct {
	listener   *npipe.Listener
	logger     *zap.Logger
	tracing    *observability.TracingManager
	bufferSize int
	maxConns   int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	failed chan error

	mu       sync.Mutex
	sessions map[*echoSession]struct{}
	paused   bool
	stopped  bool
}

func newEchoServer(listener *npipe.Listener, logger *zap.Logger, tracing *observability.TracingManager, bufferSize, maxConns int) *echoServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &echoServer{
		listener:   listener,
		logger:     logger,
		tracing:    tracing,
		bufferSize: bufferSize,
		maxConns:   maxConns,
		ctx:        ctx,
		cancel:     cancel,
		failed:     make(chan error, 1),
		sessions:   make(map[*echoSession]struct{}),
	}
}

// Start arms the first accept.
func (s *echoServer) Start() {
	s.acceptNext()
}

// Failed delivers the error that stopped the accept chain for good.
func (s *echoServer) Failed() <-chan error {
	return s.failed
}

// Active returns the number of open sessions.
func (s *echoServer) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Stop cancels the pending accept and every session, then waits for their
// callbacks to finish.
func (s *echoServer) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *echoServer) acceptNext() {
	s.wg.Add(1)
	s.listener.AcceptAsync(s.ctx, s.onAccept)
}

func (s *echoServer) onAccept(conn *npipe.Connection, err error) {
	defer s.wg.Done()

	if conn != nil {
		s.startSession(conn)
	}

	switch {
	case err == nil:
	case npipe.IsRearmError(err):
		s.logger.Error("Endpoint dropped after accept", zap.Error(err))
	case pipeerr.IsCancelled(err), errors.Is(err, pipeerr.ErrClosedHandle):
		return
	default:
		s.logger.Error("Accept failed", zap.Error(err))
		select {
		case s.failed <- err:
		default:
		}
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if s.maxConns > 0 && len(s.sessions) >= s.maxConns {
		s.paused = true
		s.mu.Unlock()
		s.logger.Info("Connection limit reached, accepting paused", zap.Int("max_connections", s.maxConns))
		return
	}
	s.mu.Unlock()
	s.acceptNext()
}

func (s *echoServer) startSession(conn *npipe.Connection) {
	ctx, span := s.tracing.TraceConnection(s.ctx, conn.Name(), conn.Backend().String())
	sess := &echoSession{
		srv:  s,
		conn: conn,
		ctx:  ctx,
		buf:  make([]byte, s.bufferSize),
		end: func(bytes int64, err error) {
			s.tracing.AddSpanAttributes(ctx, attribute.Int64("pipe.bytes", bytes))
			s.tracing.SetSpanError(ctx, err)
			span.End()
		},
	}

	fields := []zap.Field{zap.String("pipe", conn.Name())}
	if creds, err := conn.PeerCredentials(); err == nil {
		fields = append(fields, zap.Uint32("peer_pid", creds.PID), zap.String("peer_sid", creds.SID))
	}
	s.logger.Debug("Connection accepted", fields...)

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	sess.readNext()
}

func (s *echoServer) endSession(sess *echoSession) {
	s.mu.Lock()
	delete(s.sessions, sess)
	resume := s.paused && !s.stopped
	s.paused = false
	s.mu.Unlock()

	if resume {
		s.logger.Info("Accepting resumed")
		s.acceptNext()
	}
	s.wg.Done()
}

// echoSession is one served connection. Exactly one operation is
// outstanding at any time.
type echoSession struct {
	srv   *echoServer
	conn  *npipe.Connection
	ctx   context.Context
	buf   []byte
	bytes int64
	end   func(bytes int64, err error)
}

func (e *echoSession) readNext() {
	if err := e.conn.ReadAsync(e.ctx, e.buf, e.onRead); err != nil {
		e.finish(err)
	}
}

func (e *echoSession) onRead(n int, err error) {
	if err != nil {
		e.finish(err)
		return
	}
	if n == 0 {
		e.finish(nil)
		return
	}
	e.bytes += int64(n)
	e.write(e.buf[:n])
}

func (e *echoSession) write(p []byte) {
	err := e.conn.WriteAsync(e.ctx, p, func(n int, err error) {
		switch {
		case err != nil:
			e.finish(err)
		case n < len(p):
			e.write(p[n:])
		default:
			e.readNext()
		}
	})
	if err != nil {
		e.finish(err)
	}
}

func (e *echoSession) finish(err error) {
	if pipeerr.IsCancelled(err) || errors.Is(err, pipeerr.ErrBrokenPipe) {
		err = nil
	}
	if err != nil {
		e.srv.logger.Warn("Connection failed", zap.String("pipe", e.conn.Name()), zap.Error(err))
	}
	if cerr := e.conn.Close(); cerr != nil {
		e.srv.logger.Debug("Close failed", zap.String("pipe", e.conn.Name()), zap.Error(cerr))
	}
	e.end(e.bytes, err)
	e.srv.logger.Debug("Session ended", zap.String("pipe", e.conn.Name()), zap.Int64("bytes", e.bytes))
	e.srv.endSession(e)
}
