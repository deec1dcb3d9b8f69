package sysinfo

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessorCount(t *testing.T) {
	assert.GreaterOrEqual(t, ProcessorCount(), 1)
}

func TestCollect(t *testing.T) {
	info, err := Collect()
	require.NoError(t, err)

	assert.Equal(t, runtime.GOOS, info.OS)
	assert.Equal(t, runtime.GOARCH, info.Arch)
	assert.Equal(t, ProcessorCount(), info.Processors)
	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.GoVersion)

	if runtime.GOOS == "windows" {
		assert.True(t, info.CompletionPort)
		assert.NotZero(t, info.TotalMemory)
		assert.LessOrEqual(t, info.AvailMemory, info.TotalMemory)
	}
}
