//go:build windows

package sysinfo

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modkernel32 = windows.NewLazySystemDLL("kernel32.dll")

	procGlobalMemoryStatusEx = modkernel32.NewProc("GlobalMemoryStatusEx")
)

// memoryStatusEx mirrors MEMORYSTATUSEX.
type memoryStatusEx struct {
	Length               uint32
	MemoryLoad           uint32
	TotalPhys            uint64
	AvailPhys            uint64
	TotalPageFile        uint64
	AvailPageFile        uint64
	TotalVirtual         uint64
	AvailVirtual         uint64
	AvailExtendedVirtual uint64
}

func globalMemoryStatusEx(mem *memoryStatusEx) error {
	mem.Length = uint32(unsafe.Sizeof(*mem))
	r1, _, e1 := procGlobalMemoryStatusEx.Call(uintptr(unsafe.Pointer(mem)))
	if r1 == 0 {
		if e1 == windows.ERROR_SUCCESS {
			e1 = windows.ERROR_INVALID_PARAMETER
		}
		return e1
	}
	return nil
}

func processorCount() int {
	return int(windows.GetActiveProcessorCount(windows.ALL_PROCESSOR_GROUPS))
}

func collectPlatform(info *Info) error {
	v := windows.RtlGetVersion()
	info.Version = fmt.Sprintf("%d.%d.%d", v.MajorVersion, v.MinorVersion, v.BuildNumber)
	info.CompletionPort = true

	var mem memoryStatusEx
	if err := globalMemoryStatusEx(&mem); err != nil {
		return fmt.Errorf("GlobalMemoryStatusEx: %w", err)
	}
	info.TotalMemory = mem.TotalPhys
	info.AvailMemory = mem.AvailPhys
	info.MemoryLoadPct = mem.MemoryLoad
	return nil
}
