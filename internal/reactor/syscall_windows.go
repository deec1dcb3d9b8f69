//go:build windows

package reactor

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	maximumWaitObjects = 64

	waitObject0      = 0x00000000
	waitAbandoned0   = 0x00000080
	waitIOCompletion = 0x000000C0
	waitTimeout      = 0x00000102
	waitFailed       = 0xFFFFFFFF

	qsAllInput    = 0x04FF
	mwmoAlertable = 0x0002
)

var (
	moduser32 = windows.NewLazySystemDLL("user32.dll")

	procMsgWaitForMultipleObjectsEx = moduser32.NewProc("MsgWaitForMultipleObjectsEx")
)

func msgWaitForMultipleObjectsEx(handles []windows.Handle, milliseconds uint32, wakeMask uint32, flags uint32) (uint32, error) {
	var p *windows.Handle
	if len(handles) > 0 {
		p = &handles[0]
	}
	r0, _, e1 := procMsgWaitForMultipleObjectsEx.Call(
		uintptr(len(handles)),
		uintptr(unsafe.Pointer(p)),
		uintptr(milliseconds),
		uintptr(wakeMask),
		uintptr(flags))
	event := uint32(r0)
	if event == waitFailed {
		if e1 == windows.ERROR_SUCCESS {
			e1 = windows.ERROR_INVALID_PARAMETER
		}
		return event, e1
	}
	return event, nil
}
