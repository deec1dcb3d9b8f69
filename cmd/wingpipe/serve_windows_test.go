//go:build windows

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wingpipe/wingpipe-go/internal/config"
	"github.com/wingpipe/wingpipe-go/internal/npipe"
	"github.com/wingpipe/wingpipe-go/internal/overlapped"
	"github.com/wingpipe/wingpipe-go/internal/pipeerr"
	"github.com/wingpipe/wingpipe-go/internal/socket"
)

var testPipeSeq atomic.Uint32

func testPipe(t *testing.T, role string) string {
	t.Helper()
	return fmt.Sprintf(`\\.\pipe\wingpipe-cmd-%s-%d-%d`, role, os.Getpid(), testPipeSeq.Add(1))
}

// testConfig serves and targets one private endpoint.
func testConfig(t *testing.T, backend overlapped.Backend) *config.Config {
	t.Helper()
	name := testPipe(t, "echo")
	cfg := config.DefaultConfig()
	cfg.Backend = backend.String()
	cfg.Listener.Endpoints = []config.EndpointConfig{{Name: name}}
	cfg.Client.Pipe = name
	cfg.Client.Timeout = 2 * time.Second
	require.NoError(t, cfg.Validate())
	return cfg
}

func startTestServer(t *testing.T, cfg *config.Config, opts serveOptions) *pipeServer {
	t.Helper()
	srv, err := startServer(cfg, opts, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, srv.shutdown())
	})
	return srv
}

func TestServeEchoRoundTrip(t *testing.T) {
	for _, backend := range []overlapped.Backend{overlapped.BackendClassic, overlapped.BackendIOCP} {
		t.Run(backend.String(), func(t *testing.T) {
			cfg := testConfig(t, backend)
			startTestServer(t, cfg, serveOptions{})

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			for _, async := range []bool{false, true} {
				msg := []byte(fmt.Sprintf("hello over %s (async=%v)", backend, async))
				reply, err := runSend(ctx, cfg, msg, async, zap.NewNop())
				require.NoError(t, err)
				assert.Equal(t, msg, reply)
			}

			big := bytes.Repeat([]byte("0123456789"), 3*npipe.DefaultBufferSize)
			for _, async := range []bool{false, true} {
				reply, err := runSend(ctx, cfg, big, async, zap.NewNop())
				require.NoError(t, err)
				assert.Equal(t, big, reply)
			}
		})
	}
}

func TestServeAdminPipe(t *testing.T) {
	cfg := testConfig(t, overlapped.BackendIOCP)
	admin := testPipe(t, "admin")
	startTestServer(t, cfg, serveOptions{adminPipe: admin})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := runSend(ctx, cfg, []byte("ping"), false, zap.NewNop())
	require.NoError(t, err)

	report, err := queryStatus(ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, admin, report.Endpoint)
	assert.Equal(t, "healthy", report.Health)
	assert.Equal(t, "ready", report.Ready)
	names := make([]string, 0, len(report.Components))
	for _, c := range report.Components {
		names = append(names, c.Name)
	}
	assert.ElementsMatch(t, []string{"listener", "reactor", "echo"}, names)

	dial, base, err := socket.CreateDialer(admin)
	require.NoError(t, err)
	client := &http.Client{Transport: &http.Transport{DialContext: dial}}
	defer client.CloseIdleConnections()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/metrics", nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "wingpipe_accepts_total")
	assert.Contains(t, string(body), "wingpipe_uptime_seconds")
}

func TestStatusWithoutServer(t *testing.T) {
	_, err := queryStatus(context.Background(), testPipe(t, "missing"))
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeerr.ErrNotFound)
	assert.Equal(t, ExitCodeNotFound, exitCodeFor(err))
}

func TestServeMaxConnectionsPausesAccept(t *testing.T) {
	cfg := testConfig(t, overlapped.BackendClassic)
	cfg.Listener.MaxConnections = 1
	srv := startTestServer(t, cfg, serveOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := npipe.NewClient(npipe.WithTimeout(2 * time.Second))

	first, err := client.Connect(ctx, cfg.Client.Pipe, npipe.AccessReadWrite)
	require.NoError(t, err)
	reply, err := exchange(ctx, first, npipe.AccessReadWrite, []byte("one"), false)
	require.NoError(t, err)
	require.Equal(t, "one", string(reply))
	require.Eventually(t, func() bool { return srv.echo.Active() == 1 }, 2*time.Second, 10*time.Millisecond)

	second, err := client.Connect(ctx, cfg.Client.Pipe, npipe.AccessReadWrite)
	require.NoError(t, err)
	defer second.Close()
	_, err = second.WriteContext(ctx, []byte("two"))
	require.NoError(t, err)

	short, cancelShort := context.WithTimeout(ctx, 200*time.Millisecond)
	buf := make([]byte, 3)
	_, err = second.ReadContext(short, buf)
	cancelShort()
	require.Error(t, err)
	assert.True(t, pipeerr.IsCancelled(err), "second connection must not be served yet: %v", err)

	require.NoError(t, first.Close())

	n, err := second.ReadContext(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, "two", string(buf[:n]))
}

func TestServeProtectedEndpointConflict(t *testing.T) {
	cfg := testConfig(t, overlapped.BackendClassic)
	cfg.Listener.Endpoints[0].ProtectFirstInstance = true
	startTestServer(t, cfg, serveOptions{})

	_, err := startServer(cfg, serveOptions{}, zap.NewNop())
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeerr.ErrAlreadyExists)
	assert.Equal(t, ExitCodePipeExists, exitCodeFor(err))
}

func TestRunServeStopsOnCancel(t *testing.T) {
	cfg := testConfig(t, overlapped.BackendIOCP)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runServe(ctx, cfg, serveOptions{}, zap.NewNop())
	}()

	require.Eventually(t, func() bool { return socket.IsPipeAvailable(cfg.Client.Pipe) }, 5*time.Second, 20*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runServe did not return after cancel")
	}

	_, err := runSend(context.Background(), cfg, []byte("late"), false, zap.NewNop())
	assert.True(t, errors.Is(err, pipeerr.ErrNotFound), "got %v", err)
}

func TestRunBenchInProcess(t *testing.T) {
	for _, backend := range []overlapped.Backend{overlapped.BackendClassic, overlapped.BackendIOCP} {
		t.Run(backend.String(), func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			r, err := runBench(ctx, benchOptions{iterations: 20, clients: 2, size: 128}, backend, zap.NewNop())
			require.NoError(t, err)
			assert.Equal(t, backend.String(), r.Backend)
			assert.Equal(t, 40, r.RoundTrips)
			assert.LessOrEqual(t, r.P50, r.Max)
		})
	}
}

func TestSendReadOnlyReadsToEOF(t *testing.T) {
	name := testPipe(t, "ro")
	listener, err := npipe.NewListener()
	require.NoError(t, err)
	defer listener.Close()
	require.NoError(t, listener.AddNamedPipe(name, "", false))

	go func() {
		conn, err := listener.Accept(context.Background())
		if err != nil {
			return
		}
		_, _ = conn.Write([]byte("banner"))
		_ = conn.Close()
	}()

	cfg := config.DefaultConfig()
	cfg.Client.Pipe = name
	cfg.Client.Access = "read"
	require.NoError(t, cfg.Validate())

	reply, err := runSend(context.Background(), cfg, nil, true, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "banner", string(reply))
}
