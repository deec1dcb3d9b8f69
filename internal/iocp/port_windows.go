//go:build windows

package iocp

import (
	"errors"
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/windows"

	"github.com/wingpipe/wingpipe-go/internal/sysinfo"
)

type port struct {
	handle   windows.Handle
	registry sync.Map // completion key -> *Association
	nextKey  atomic.Uintptr
	workers  int
}

var (
	defaultPort     *port
	defaultPortErr  error
	defaultPortOnce sync.Once

	portLogger atomic.Pointer[zap.Logger]
)

// SetLogger sets the logger used by the completion port workers.
func SetLogger(logger *zap.Logger) {
	if logger != nil {
		portLogger.Store(logger)
	}
}

func currentLogger() *zap.Logger {
	if logger := portLogger.Load(); logger != nil {
		return logger
	}
	return zap.NewNop()
}

func getPort() (*port, error) {
	defaultPortOnce.Do(func() {
		logger := currentLogger()
		h, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 0)
		if err != nil {
			defaultPortErr = err
			logger.Warn("Failed to create completion port", zap.Error(err))
			return
		}
		p := &port{
			handle:  h,
			workers: sysinfo.ProcessorCount(),
		}
		for i := 0; i < p.workers; i++ {
			go p.work()
		}
		logger.Debug("Completion port started", zap.Int("workers", p.workers))
		defaultPort = p
	})
	return defaultPort, defaultPortErr
}

func (p *port) bind(h windows.Handle, a *Association) error {
	key := p.nextKey.Add(1)
	a.key = key
	p.registry.Store(key, a)
	if _, err := windows.CreateIoCompletionPort(h, p.handle, key, 0); err != nil {
		p.registry.Delete(key)
		return err
	}
	return nil
}

func (p *port) unregister(key uintptr) {
	p.registry.Delete(key)
}

func (p *port) work() {
	for {
		var (
			qty uint32
			key uintptr
			ov  *windows.Overlapped
		)
		err := windows.GetQueuedCompletionStatus(p.handle, &qty, &key, &ov, windows.INFINITE)
		if ov == nil {
			if err != nil {
				if errors.Is(err, windows.ERROR_ABANDONED_WAIT_0) || errors.Is(err, windows.ERROR_INVALID_HANDLE) {
					currentLogger().Warn("Completion port closed, worker exiting", zap.Error(err))
					return
				}
				currentLogger().Debug("Dequeue without packet", zap.Error(err))
			}
			continue
		}

		op := (*Operation)(unsafe.Pointer(ov))
		v, ok := p.registry.Load(key)
		if !ok {
			currentLogger().Warn("Completion for unknown key", zap.Uintptr("key", key))
			continue
		}
		v.(*Association).complete(op, qty, err)
	}
}
