//go:build windows

package overlapped

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/windows"
	"pgregory.net/rapid"

	"github.com/wingpipe/wingpipe-go/internal/observability"
	"github.com/wingpipe/wingpipe-go/internal/pipeerr"
	"github.com/wingpipe/wingpipe-go/internal/reactor"
)

var (
	modkernel32               = windows.NewLazySystemDLL("kernel32.dll")
	procGetProcessHandleCount = modkernel32.NewProc("GetProcessHandleCount")

	pipeSeq  atomic.Int64
	backends = []Backend{BackendClassic, BackendIOCP}

	// 38 characters plus the terminating NUL.
	testPayload = append([]byte("This is some data to read and to write"), 0)
)

func handleCount(t *testing.T) uint32 {
	t.Helper()
	var n uint32
	r, _, err := procGetProcessHandleCount.Call(uintptr(windows.CurrentProcess()), uintptr(unsafe.Pointer(&n)))
	require.NotZero(t, r, "GetProcessHandleCount: %v", err)
	return n
}

// pipeHandles returns connected server and client handles, both opened for
// overlapped I/O.
func pipeHandles(t *testing.T) (server, client windows.Handle) {
	t.Helper()
	name := fmt.Sprintf(`\\.\pipe\wingpipe-overlapped-%d-%d`, windows.GetCurrentProcessId(), pipeSeq.Add(1))
	name16, err := windows.UTF16PtrFromString(name)
	require.NoError(t, err)

	server, err = windows.CreateNamedPipe(name16,
		windows.PIPE_ACCESS_DUPLEX|windows.FILE_FLAG_OVERLAPPED,
		windows.PIPE_TYPE_BYTE|windows.PIPE_READMODE_BYTE|windows.PIPE_WAIT,
		windows.PIPE_UNLIMITED_INSTANCES, 4096, 4096, 0, nil)
	require.NoError(t, err)

	client, err = windows.CreateFile(name16,
		windows.GENERIC_READ|windows.GENERIC_WRITE, 0, nil,
		windows.OPEN_EXISTING, windows.FILE_FLAG_OVERLAPPED, 0)
	require.NoError(t, err)
	return server, client
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

func duplexPair(t *testing.T, backend Backend, loop *reactor.Loop) (server, client *Duplex) {
	t.Helper()
	sh, ch := pipeHandles(t)
	opts := []Option{WithBackend(backend), WithMetrics(observability.NewMetricsManager(nil))}
	if loop != nil {
		opts = append(opts, WithLoop(loop))
	}
	server = NewDuplex(sh, true, append(opts, WithName("server"))...)
	client = NewDuplex(ch, true, append(opts, WithName("client"))...)
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, client
}

type outcome struct {
	n   int
	err error
}

func await(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("completion not delivered")
		return outcome{}
	}
}

func TestDuplex_SyncRoundTrip(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend.String(), func(t *testing.T) {
			server, client := duplexPair(t, backend, nil)
			ctx := context.Background()

			n, err := client.Output().Write(ctx, testPayload)
			require.NoError(t, err)
			assert.Equal(t, 39, n)

			buf := make([]byte, 128)
			n, err = server.Input().Read(ctx, buf)
			require.NoError(t, err)
			assert.Equal(t, testPayload, buf[:n])
			assert.Equal(t, backend, server.Backend())

			n, err = server.Output().Write(ctx, buf[:n])
			require.NoError(t, err)
			n, err = client.Input().Read(ctx, buf)
			require.NoError(t, err)
			assert.Equal(t, testPayload, buf[:n])
		})
	}
}

func TestDuplex_ReadReportsPeerClose(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend.String(), func(t *testing.T) {
			server, client := duplexPair(t, backend, nil)
			require.NoError(t, client.Close())

			n, err := server.Input().Read(context.Background(), make([]byte, 16))
			assert.NoError(t, err)
			assert.Zero(t, n)

			_, err = server.Output().Write(context.Background(), []byte("x"))
			assert.ErrorIs(t, err, pipeerr.ErrBrokenPipe)
		})
	}
}

func TestDuplex_SyncReadCancelled(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend.String(), func(t *testing.T) {
			server, client := duplexPair(t, backend, nil)

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			n, err := server.Input().Read(ctx, make([]byte, 16))
			assert.Zero(t, n)
			require.Error(t, err)
			assert.ErrorIs(t, err, pipeerr.ErrCancelled)
			assert.ErrorIs(t, err, context.DeadlineExceeded)

			// The stream is still usable and nothing was consumed.
			_, err = client.Output().Write(context.Background(), testPayload)
			require.NoError(t, err)
			buf := make([]byte, 128)
			n, err = server.Input().Read(context.Background(), buf)
			require.NoError(t, err)
			assert.Equal(t, testPayload, buf[:n])
		})
	}
}

func TestDuplex_AlreadyCancelledContext(t *testing.T) {
	server, _ := duplexPair(t, BackendClassic, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := server.Input().Read(ctx, make([]byte, 4))
	assert.ErrorIs(t, err, pipeerr.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDuplex_AsyncRoundTrip(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend.String(), func(t *testing.T) {
			loop := startLoop(t)
			server, client := duplexPair(t, backend, loop)
			ctx := context.Background()

			buf := make([]byte, 128)
			reads := make(chan outcome, 1)
			require.NoError(t, server.Input().ReadAsync(ctx, buf, func(n int, err error) {
				reads <- outcome{n, err}
			}))

			err := server.Input().ReadAsync(ctx, make([]byte, 1), func(int, error) {
				t.Error("refused read must not complete")
			})
			assert.ErrorIs(t, err, pipeerr.ErrPending)

			writes := make(chan outcome, 1)
			require.NoError(t, client.Output().WriteAsync(ctx, testPayload, func(n int, err error) {
				writes <- outcome{n, err}
			}))

			w := await(t, writes)
			require.NoError(t, w.err)
			assert.Equal(t, len(testPayload), w.n)

			r := await(t, reads)
			require.NoError(t, r.err)
			assert.Equal(t, testPayload, buf[:r.n])

			// A new async read is accepted once the previous one completed.
			require.NoError(t, server.Input().ReadAsync(ctx, buf, func(n int, err error) {
				reads <- outcome{n, err}
			}))
			require.NoError(t, client.Close())
			r = await(t, reads)
			assert.NoError(t, r.err)
			assert.Zero(t, r.n)
		})
	}
}

func TestDuplex_ClassicAsyncDeliveredOnLoop(t *testing.T) {
	loop, err := reactor.NewLoop()
	require.NoError(t, err)
	defer loop.Close()

	server, client := duplexPair(t, BackendClassic, loop)

	delivered := false
	require.NoError(t, server.Input().ReadAsync(context.Background(), make([]byte, 64), func(n int, err error) {
		delivered = true
	}))
	_, err = client.Output().Write(context.Background(), testPayload)
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for !delivered && time.Now().Before(deadline) {
		loop.Iterate(false)
		time.Sleep(time.Millisecond)
	}
	assert.True(t, delivered)
}

func TestDuplex_AsyncWithoutLoop(t *testing.T) {
	server, client := duplexPair(t, BackendClassic, nil)

	reads := make(chan outcome, 1)
	buf := make([]byte, 64)
	require.NoError(t, server.Input().ReadAsync(context.Background(), buf, func(n int, err error) {
		reads <- outcome{n, err}
	}))
	_, err := client.Output().Write(context.Background(), testPayload)
	require.NoError(t, err)

	r := await(t, reads)
	require.NoError(t, r.err)
	assert.Equal(t, testPayload, buf[:r.n])
}

func TestDuplex_AsyncCancelled(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend.String(), func(t *testing.T) {
			loop := startLoop(t)
			server, client := duplexPair(t, backend, loop)

			ctx, cancel := context.WithCancel(context.Background())
			reads := make(chan outcome, 1)
			require.NoError(t, server.Input().ReadAsync(ctx, make([]byte, 16), func(n int, err error) {
				reads <- outcome{n, err}
			}))
			cancel()

			r := await(t, reads)
			assert.Zero(t, r.n)
			assert.ErrorIs(t, r.err, pipeerr.ErrCancelled)
			assert.ErrorIs(t, r.err, context.Canceled)

			// Data written afterwards goes to the next read.
			_, err := client.Output().Write(context.Background(), testPayload)
			require.NoError(t, err)
			buf := make([]byte, 64)
			n, err := server.Input().Read(context.Background(), buf)
			require.NoError(t, err)
			assert.Equal(t, testPayload, buf[:n])
		})
	}
}

func TestDuplex_CloseFailsOutstandingAsync(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend.String(), func(t *testing.T) {
			loop := startLoop(t)
			server, _ := duplexPair(t, backend, loop)

			reads := make(chan outcome, 2)
			require.NoError(t, server.Input().ReadAsync(context.Background(), make([]byte, 16), func(n int, err error) {
				reads <- outcome{n, err}
			}))

			require.NoError(t, server.Close())
			require.NoError(t, server.Close())

			r := await(t, reads)
			assert.ErrorIs(t, r.err, pipeerr.ErrClosedHandle)

			_, err := server.Input().Read(context.Background(), make([]byte, 1))
			assert.ErrorIs(t, err, pipeerr.ErrClosedHandle)
			assert.ErrorIs(t, server.Output().WriteAsync(context.Background(), []byte("x"), func(int, error) {}), pipeerr.ErrClosedHandle)

			select {
			case <-reads:
				t.Fatal("completion delivered twice")
			case <-time.After(50 * time.Millisecond):
			}
		})
	}
}

func TestDuplex_CloseUnblocksSyncRead(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend.String(), func(t *testing.T) {
			server, _ := duplexPair(t, backend, nil)

			done := make(chan outcome, 1)
			go func() {
				n, err := server.Input().Read(context.Background(), make([]byte, 16))
				done <- outcome{n, err}
			}()
			time.Sleep(50 * time.Millisecond)

			require.NoError(t, server.Close())
			r := await(t, done)
			assert.ErrorIs(t, r.err, pipeerr.ErrClosedHandle)
		})
	}
}

func TestDuplex_RepeatedCancellationDoesNotLeak(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend.String(), func(t *testing.T) {
			loop := startLoop(t)
			server, _ := duplexPair(t, backend, loop)

			cycle := func() {
				ctx, cancel := context.WithCancel(context.Background())
				reads := make(chan outcome, 1)
				require.NoError(t, server.Input().ReadAsync(ctx, make([]byte, 8), func(n int, err error) {
					reads <- outcome{n, err}
				}))
				cancel()
				require.ErrorIs(t, await(t, reads).err, pipeerr.ErrCancelled)

				ctx, cancel = context.WithTimeout(context.Background(), time.Millisecond)
				_, err := server.Input().Read(ctx, make([]byte, 8))
				cancel()
				require.ErrorIs(t, err, pipeerr.ErrCancelled)
			}

			// Warm up so lazily created events and port workers exist.
			cycle()
			before := handleCount(t)
			for i := 0; i < 50; i++ {
				cycle()
			}
			after := handleCount(t)
			assert.LessOrEqual(t, after, before+2, "handle count grew from %d to %d", before, after)
		})
	}
}

func TestDuplex_PreservesByteOrder(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend.String(), func(t *testing.T) {
			rapid.Check(t, func(rt *rapid.T) {
				chunks := rapid.SliceOfN(rapid.SliceOfN(rapid.Byte(), 1, 512), 1, 16).Draw(rt, "chunks")

				server, client := duplexPair(t, backend, nil)
				var want bytes.Buffer
				for _, c := range chunks {
					want.Write(c)
				}

				errs := make(chan error, 1)
				go func() {
					for _, c := range chunks {
						if _, err := client.Output().Write(context.Background(), c); err != nil {
							errs <- err
							return
						}
					}
					errs <- client.Close()
				}()

				var got bytes.Buffer
				buf := make([]byte, 97)
				for {
					n, err := server.Input().Read(context.Background(), buf)
					if err != nil {
						rt.Fatalf("read: %v", err)
					}
					if n == 0 {
						break
					}
					got.Write(buf[:n])
				}
				if err := <-errs; err != nil {
					rt.Fatalf("write: %v", err)
				}
				if !bytes.Equal(want.Bytes(), got.Bytes()) {
					rt.Fatalf("stream reordered: wrote %d bytes, read %d", want.Len(), got.Len())
				}
			})
		})
	}
}

func TestDuplex_EmptyBuffer(t *testing.T) {
	server, _ := duplexPair(t, BackendClassic, nil)
	n, err := server.Input().Read(context.Background(), nil)
	assert.NoError(t, err)
	assert.Zero(t, n)

	done := make(chan outcome, 1)
	require.NoError(t, server.Output().WriteAsync(context.Background(), nil, func(n int, err error) {
		done <- outcome{n, err}
	}))
	r := await(t, done)
	assert.NoError(t, r.err)
	assert.Zero(t, r.n)
}

func TestDuplex_BorrowedHandleStaysOpen(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend.String(), func(t *testing.T) {
			sh, ch := pipeHandles(t)
			defer windows.CloseHandle(ch)

			d := NewDuplex(sh, false, WithBackend(backend))
			_, err := d.Output().Write(context.Background(), []byte("x"))
			require.NoError(t, err)
			require.NoError(t, d.Close())

			// Still ours to close.
			assert.NoError(t, windows.CloseHandle(sh))
		})
	}
}
