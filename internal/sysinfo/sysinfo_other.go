//go:build !windows

package sysinfo

import "runtime"

func processorCount() int {
	return runtime.NumCPU()
}

func collectPlatform(info *Info) error {
	info.Version = "unknown"
	return nil
}
