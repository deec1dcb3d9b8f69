//go:build windows

package npipe

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modkernel32 = windows.NewLazySystemDLL("kernel32.dll")

	procWaitNamedPipeW              = modkernel32.NewProc("WaitNamedPipeW")
	procGetNamedPipeClientProcessId = modkernel32.NewProc("GetNamedPipeClientProcessId")
	procGetNamedPipeServerProcessId = modkernel32.NewProc("GetNamedPipeServerProcessId")
)

func waitNamedPipe(name *uint16, timeout uint32) error {
	r1, _, e1 := procWaitNamedPipeW.Call(uintptr(unsafe.Pointer(name)), uintptr(timeout))
	if r1 == 0 {
		return errnoErr(e1)
	}
	return nil
}

func getNamedPipeClientProcessID(h windows.Handle) (uint32, error) {
	var pid uint32
	r1, _, e1 := procGetNamedPipeClientProcessId.Call(uintptr(h), uintptr(unsafe.Pointer(&pid)))
	if r1 == 0 {
		return 0, errnoErr(e1)
	}
	return pid, nil
}

func getNamedPipeServerProcessID(h windows.Handle) (uint32, error) {
	var pid uint32
	r1, _, e1 := procGetNamedPipeServerProcessId.Call(uintptr(h), uintptr(unsafe.Pointer(&pid)))
	if r1 == 0 {
		return 0, errnoErr(e1)
	}
	return pid, nil
}

func errnoErr(e error) error {
	if e == nil || e == windows.ERROR_SUCCESS {
		return windows.ERROR_INVALID_FUNCTION
	}
	return e
}
