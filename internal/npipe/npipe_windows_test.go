//go:build windows

package npipe

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/windows"

	"github.com/wingpipe/wingpipe-go/internal/observability"
	"github.com/wingpipe/wingpipe-go/internal/overlapped"
	"github.com/wingpipe/wingpipe-go/internal/pipeerr"
	"github.com/wingpipe/wingpipe-go/internal/reactor"
)

var (
	procGetProcessHandleCount = modkernel32.NewProc("GetProcessHandleCount")

	pipeSeq  atomic.Int64
	backends = []overlapped.Backend{overlapped.BackendClassic, overlapped.BackendIOCP}

	// 38 characters plus the terminating NUL.
	testPayload = append([]byte("This is some data to read and to write"), 0)
)

func pipeName(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf(`\\.\pipe\wingpipe-test-%d-%d`, windows.GetCurrentProcessId(), pipeSeq.Add(1))
}

func handleCount(t *testing.T) uint32 {
	t.Helper()
	var n uint32
	r, _, err := procGetProcessHandleCount.Call(uintptr(windows.CurrentProcess()), uintptr(unsafe.Pointer(&n)))
	require.NotZero(t, r, "GetProcessHandleCount: %v", err)
	return n
}

func newListener(t *testing.T, opts ...Option) *Listener {
	t.Helper()
	l, err := NewListener(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func startLoop(t *testing.T) *reactor.Loop {
	t.Helper()
	loop, err := reactor.NewLoop()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		loop.Close()
	})
	return loop
}

type accepted struct {
	conn *Connection
	err  error
}

func acceptInBackground(l *Listener, ctx context.Context) <-chan accepted {
	ch := make(chan accepted, 1)
	go func() {
		conn, err := l.Accept(ctx)
		ch <- accepted{conn, err}
	}()
	return ch
}

func awaitAccept(t *testing.T, ch <-chan accepted) accepted {
	t.Helper()
	select {
	case a := <-ch:
		return a
	case <-time.After(5 * time.Second):
		t.Fatal("accept did not return")
		return accepted{}
	}
}

// connectPair accepts one connection on l while c connects to name.
func connectPair(t *testing.T, l *Listener, c *Client, name string) (server, client *Connection) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch := acceptInBackground(l, ctx)
	client, err := c.Connect(ctx, name, AccessReadWrite)
	require.NoError(t, err)
	a := awaitAccept(t, ch)
	require.NoError(t, a.err)
	return a.conn, client
}

func TestListener_AddEndpoint(t *testing.T) {
	l := newListener(t)

	good := pipeName(t)
	require.NoError(t, l.AddNamedPipe(good, "", false))
	assert.Equal(t, []string{good}, l.Endpoints())

	err := l.AddNamedPipe(`\\.\bad-name`, "", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeerr.ErrNameInvalid)
	assert.Equal(t, []string{good}, l.Endpoints())
}

func TestListener_ProtectFirstInstance(t *testing.T) {
	t.Run("protected", func(t *testing.T) {
		name := pipeName(t)
		l := newListener(t)
		require.NoError(t, l.AddNamedPipe(name, "", true))

		err := l.AddNamedPipe(name, "", true)
		require.Error(t, err)
		assert.ErrorIs(t, err, pipeerr.ErrAlreadyExists)
		assert.Len(t, l.Endpoints(), 1)
	})

	t.Run("unprotected", func(t *testing.T) {
		name := pipeName(t)
		l := newListener(t)
		require.NoError(t, l.AddNamedPipe(name, "", false))
		require.NoError(t, l.AddNamedPipe(name, "", false))
		assert.Len(t, l.Endpoints(), 2)
	})
}

func TestListener_SecurityDescriptor(t *testing.T) {
	l := newListener(t)

	err := l.AddNamedPipe(pipeName(t), "not sddl", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeerr.ErrPermissionDenied)

	name := pipeName(t)
	require.NoError(t, l.AddNamedPipe(name, "D:P(A;;GA;;;WD)", false))

	server, client := connectPair(t, l, NewClient(), name)
	defer server.Close()
	defer client.Close()
}

func TestClient_ConnectWithoutListener(t *testing.T) {
	c := NewClient(WithTimeout(0))
	conn, err := c.Connect(context.Background(), `\\.\pipe\wingpipe-nothing-here`, AccessReadWrite)
	require.Error(t, err)
	assert.Nil(t, conn)
	assert.True(t, pipeerr.KindOf(err) == pipeerr.ErrNotFound || pipeerr.KindOf(err) == pipeerr.ErrBusy, "got %v", err)
}

func TestClient_InvalidName(t *testing.T) {
	_, err := NewClient().Connect(context.Background(), "nope", AccessReadWrite)
	assert.ErrorIs(t, err, pipeerr.ErrNameInvalid)
}

func TestRoundTrip(t *testing.T) {
	const iterations = 100

	for _, backend := range backends {
		t.Run(backend.String(), func(t *testing.T) {
			name := pipeName(t)
			metrics := observability.NewMetricsManager(nil)
			l := newListener(t, WithBackend(backend), WithMetrics(metrics))
			require.NoError(t, l.AddNamedPipe(name, "", false))
			c := NewClient(WithBackend(backend), WithMetrics(metrics))

			exchange := func() {
				server, client := connectPair(t, l, c, name)
				assert.Equal(t, name, server.Name())

				n, err := client.Write(testPayload)
				require.NoError(t, err)
				require.Equal(t, 39, n)

				buf := make([]byte, 39)
				_, err = io.ReadFull(server, buf)
				require.NoError(t, err)
				require.Equal(t, testPayload, buf)

				require.NoError(t, client.Close())
				require.NoError(t, server.Close())
			}

			exchange()
			before := handleCount(t)
			for i := 0; i < iterations; i++ {
				exchange()
			}
			after := handleCount(t)
			assert.LessOrEqual(t, after, before+10, "handle count grew from %d to %d", before, after)
		})
	}
}

func TestAccept_RearmsBeforeReturning(t *testing.T) {
	name := pipeName(t)
	l := newListener(t)
	require.NoError(t, l.AddNamedPipe(name, "", false))

	server, client := connectPair(t, l, NewClient(), name)
	defer server.Close()
	defer client.Close()

	// A fresh instance exists already, so no busy wait is needed.
	second, err := NewClient(WithTimeout(0)).Connect(context.Background(), name, AccessReadWrite)
	require.NoError(t, err)
	defer second.Close()

	a := awaitAccept(t, acceptInBackground(l, context.Background()))
	require.NoError(t, a.err)
	defer a.conn.Close()
}

func TestAccept_ClientArrivedFirst(t *testing.T) {
	name := pipeName(t)
	l := newListener(t)
	require.NoError(t, l.AddNamedPipe(name, "", false))

	client, err := NewClient().Connect(context.Background(), name, AccessReadWrite)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	server, err := l.Accept(ctx)
	require.NoError(t, err)
	defer server.Close()

	_, err = server.Write([]byte("hi"))
	require.NoError(t, err)
	buf := make([]byte, 2)
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf))
}

func TestAccept_MultipleEndpoints(t *testing.T) {
	l := newListener(t)
	names := []string{pipeName(t), pipeName(t), pipeName(t)}
	for _, name := range names {
		require.NoError(t, l.AddNamedPipe(name, "", false))
	}

	for _, target := range []string{names[2], names[0]} {
		server, client := connectPair(t, l, NewClient(), target)
		assert.Equal(t, target, server.Name())
		server.Close()
		client.Close()
	}
}

func TestAccept_ManyEndpoints(t *testing.T) {
	l := newListener(t)
	var last string
	for i := 0; i < 70; i++ {
		last = pipeName(t)
		require.NoError(t, l.AddNamedPipe(last, "", false))
	}

	server, client := connectPair(t, l, NewClient(), last)
	defer server.Close()
	defer client.Close()
	assert.Equal(t, last, server.Name())
}

func TestAccept_Cancelled(t *testing.T) {
	name := pipeName(t)
	l := newListener(t)
	require.NoError(t, l.AddNamedPipe(name, "", false))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	conn, err := l.Accept(ctx)
	assert.Nil(t, conn)
	assert.ErrorIs(t, err, pipeerr.ErrCancelled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	server, client := connectPair(t, l, NewClient(), name)
	server.Close()
	client.Close()
}

func TestAcceptAsync(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend.String(), func(t *testing.T) {
			loop := startLoop(t)
			name := pipeName(t)
			l := newListener(t, WithLoop(loop), WithBackend(backend))
			require.NoError(t, l.AddNamedPipe(name, "", false))

			ch := make(chan accepted, 1)
			l.AcceptAsync(context.Background(), func(conn *Connection, err error) {
				ch <- accepted{conn, err}
			})

			client, err := NewClient().Connect(context.Background(), name, AccessReadWrite)
			require.NoError(t, err)
			defer client.Close()

			a := awaitAccept(t, ch)
			require.NoError(t, a.err)
			defer a.conn.Close()
			assert.Equal(t, backend, a.conn.Backend())

			reads := make(chan int, 1)
			buf := make([]byte, 64)
			require.NoError(t, a.conn.ReadAsync(context.Background(), buf, func(n int, err error) {
				assert.NoError(t, err)
				reads <- n
			}))
			_, err = client.Write(testPayload)
			require.NoError(t, err)

			select {
			case n := <-reads:
				assert.Equal(t, testPayload, buf[:n])
			case <-time.After(5 * time.Second):
				t.Fatal("async read not delivered")
			}
		})
	}
}

func TestAcceptAsync_CancelThenConnect(t *testing.T) {
	loop := startLoop(t)
	name := pipeName(t)
	l := newListener(t, WithLoop(loop))
	require.NoError(t, l.AddNamedPipe(name, "", false))

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan accepted, 2)
	l.AcceptAsync(ctx, func(conn *Connection, err error) {
		ch <- accepted{conn, err}
	})

	time.Sleep(50 * time.Millisecond)
	cancel()

	a := awaitAccept(t, ch)
	assert.Nil(t, a.conn)
	assert.ErrorIs(t, a.err, pipeerr.ErrCancelled)

	l.AcceptAsync(context.Background(), func(conn *Connection, err error) {
		ch <- accepted{conn, err}
	})
	client, err := NewClient().Connect(context.Background(), name, AccessReadWrite)
	require.NoError(t, err)
	defer client.Close()

	a = awaitAccept(t, ch)
	require.NoError(t, a.err)
	a.conn.Close()
}

func TestAcceptAsync_WithoutLoop(t *testing.T) {
	name := pipeName(t)
	l := newListener(t)
	require.NoError(t, l.AddNamedPipe(name, "", false))

	ch := make(chan accepted, 1)
	l.AcceptAsync(context.Background(), func(conn *Connection, err error) {
		ch <- accepted{conn, err}
	})
	client, err := NewClient().Connect(context.Background(), name, AccessReadWrite)
	require.NoError(t, err)
	defer client.Close()

	a := awaitAccept(t, ch)
	require.NoError(t, a.err)
	a.conn.Close()
}

func TestListener_CloseFailsWaitingAccepts(t *testing.T) {
	loop := startLoop(t)
	l, err := NewListener(WithLoop(loop))
	require.NoError(t, err)
	require.NoError(t, l.AddNamedPipe(pipeName(t), "", false))
	require.NoError(t, l.AddNamedPipe(pipeName(t), "", false))

	syncCh := acceptInBackground(l, context.Background())
	asyncCh := make(chan accepted, 1)
	l.AcceptAsync(context.Background(), func(conn *Connection, err error) {
		asyncCh <- accepted{conn, err}
	})
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	assert.ErrorIs(t, awaitAccept(t, syncCh).err, pipeerr.ErrClosedHandle)
	assert.ErrorIs(t, awaitAccept(t, asyncCh).err, pipeerr.ErrClosedHandle)

	_, err = l.Accept(context.Background())
	assert.ErrorIs(t, err, pipeerr.ErrClosedHandle)
	assert.ErrorIs(t, l.AddNamedPipe(pipeName(t), "", false), pipeerr.ErrClosedHandle)
}

func TestListener_AcceptWithoutEndpoints(t *testing.T) {
	l := newListener(t)
	_, err := l.Accept(context.Background())
	assert.ErrorIs(t, err, pipeerr.ErrNotFound)
}

func TestClient_BusyTimeout(t *testing.T) {
	name := pipeName(t)
	l := newListener(t)
	require.NoError(t, l.AddNamedPipe(name, "", false))

	// Occupies the only armed instance; no accept re-arms it yet.
	first, err := NewClient().Connect(context.Background(), name, AccessReadWrite)
	require.NoError(t, err)
	defer first.Close()

	start := time.Now()
	_, err = NewClient(WithTimeout(150*time.Millisecond)).Connect(context.Background(), name, AccessReadWrite)
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeerr.ErrBusy)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = NewClient().Connect(ctx, name, AccessReadWrite)
	assert.ErrorIs(t, err, pipeerr.ErrCancelled)

	// Accepting re-arms, which releases a waiting client.
	waiting := make(chan accepted, 1)
	go func() {
		conn, err := NewClient().Connect(context.Background(), name, AccessReadWrite)
		waiting <- accepted{conn, err}
	}()
	time.Sleep(100 * time.Millisecond)
	server := awaitAccept(t, acceptInBackground(l, context.Background()))
	require.NoError(t, server.err)
	defer server.conn.Close()

	second := awaitAccept(t, waiting)
	require.NoError(t, second.err)
	second.conn.Close()
}

func TestClient_ConnectAsync(t *testing.T) {
	loop := startLoop(t)
	name := pipeName(t)
	l := newListener(t)
	require.NoError(t, l.AddNamedPipe(name, "", false))

	ch := make(chan accepted, 1)
	NewClient(WithLoop(loop)).ConnectAsync(context.Background(), name, AccessReadWrite, func(conn *Connection, err error) {
		ch <- accepted{conn, err}
	})

	a := awaitAccept(t, ch)
	require.NoError(t, a.err)
	defer a.conn.Close()

	server := awaitAccept(t, acceptInBackground(l, context.Background()))
	require.NoError(t, server.err)
	server.conn.Close()
}

func TestConnection_PeerCredentials(t *testing.T) {
	name := pipeName(t)
	l := newListener(t)
	require.NoError(t, l.AddNamedPipe(name, "", false))
	server, client := connectPair(t, l, NewClient(), name)
	defer server.Close()
	defer client.Close()

	pid := windows.GetCurrentProcessId()
	for _, conn := range []*Connection{server, client} {
		creds, err := conn.PeerCredentials()
		require.NoError(t, err)
		assert.Equal(t, pid, creds.PID)
		assert.NotEmpty(t, creds.SID)
	}
}

func TestConnection_ReadAllUntilPeerCloses(t *testing.T) {
	name := pipeName(t)
	l := newListener(t)
	require.NoError(t, l.AddNamedPipe(name, "", false))
	server, client := connectPair(t, l, NewClient(), name)
	defer server.Close()

	go func() {
		for i := 0; i < 10; i++ {
			client.Write(testPayload)
		}
		client.Close()
	}()

	data, err := io.ReadAll(server)
	require.NoError(t, err)
	assert.Len(t, data, 10*len(testPayload))
}

func TestConnection_ReadOnlyClient(t *testing.T) {
	name := pipeName(t)
	l := newListener(t)
	require.NoError(t, l.AddNamedPipe(name, "", false))

	ch := acceptInBackground(l, context.Background())
	client, err := NewClient().Connect(context.Background(), name, AccessRead)
	require.NoError(t, err)
	defer client.Close()
	server := awaitAccept(t, ch)
	require.NoError(t, server.err)
	defer server.conn.Close()

	_, err = server.conn.Write(testPayload)
	require.NoError(t, err)
	buf := make([]byte, len(testPayload))
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)

	_, err = client.Write([]byte("x"))
	assert.ErrorIs(t, err, pipeerr.ErrPermissionDenied)
}
