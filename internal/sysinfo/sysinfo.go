// Package sysinfo answers the few host questions the transport needs:
// how many processors to size worker pools by, which OS build is running
// and how much memory is available.
package sysinfo

import (
	"fmt"
	"runtime"
)

// Info is a snapshot of host facts.
type Info struct {
	OS             string `json:"os"`
	Arch           string `json:"arch"`
	Processors     int    `json:"processors"`
	Version        string `json:"version"`
	TotalMemory    uint64 `json:"total_memory"`
	AvailMemory    uint64 `json:"avail_memory"`
	MemoryLoadPct  uint32 `json:"memory_load_pct"`
	GoVersion      string `json:"go_version"`
	GoMaxProcs     int    `json:"go_max_procs"`
	CompletionPort bool   `json:"completion_port"`
}

// Collect gathers an Info. Fields the platform cannot answer are left zero.
func Collect() (Info, error) {
	info := Info{
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		Processors: ProcessorCount(),
		GoVersion:  runtime.Version(),
		GoMaxProcs: runtime.GOMAXPROCS(0),
	}
	if err := collectPlatform(&info); err != nil {
		return info, fmt.Errorf("collect %s host info: %w", runtime.GOOS, err)
	}
	return info, nil
}

// ProcessorCount returns the number of usable processors, at least 1.
func ProcessorCount() int {
	n := processorCount()
	if n < 1 {
		return 1
	}
	return n
}
