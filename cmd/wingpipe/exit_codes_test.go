package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wingpipe/wingpipe-go/internal/pipeerr"
)

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitCodeSuccess},
		{"plain error", errors.New("boom"), ExitCodeGeneralError},
		{"config error", &configError{err: errors.New("bad backend")}, ExitCodeConfigError},
		{"wrapped config error", fmt.Errorf("load: %w", &configError{err: errors.New("x")}), ExitCodeConfigError},
		{"busy", pipeerr.New(pipeerr.ErrBusy, "connect", "p", nil), ExitCodePipeBusy},
		{"already exists", pipeerr.New(pipeerr.ErrAlreadyExists, "listen", "p", nil), ExitCodePipeExists},
		{"permission", pipeerr.New(pipeerr.ErrPermissionDenied, "connect", "p", nil), ExitCodePermissionError},
		{"not found", fmt.Errorf("send: %w", pipeerr.New(pipeerr.ErrNotFound, "connect", "p", nil)), ExitCodeNotFound},
		{"cancelled", pipeerr.Cancelled("read", "p", context.DeadlineExceeded), ExitCodeCancelled},
		{"invalid name", pipeerr.New(pipeerr.ErrNameInvalid, "connect", "p", nil), ExitCodeConfigError},
		{"broken pipe", pipeerr.New(pipeerr.ErrBrokenPipe, "write", "p", nil), ExitCodeGeneralError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCodeFor(tt.err))
		})
	}
}

func TestExitCodeDescription(t *testing.T) {
	seen := make(map[string]int)
	for code := ExitCodeSuccess; code <= ExitCodeCancelled; code++ {
		desc := exitCodeDescription(code)
		assert.NotEqual(t, "Unknown error", desc, "code %d", code)
		if prev, dup := seen[desc]; dup {
			t.Errorf("codes %d and %d share description %q", prev, code, desc)
		}
		seen[desc] = code
	}
	assert.Equal(t, "Unknown error", exitCodeDescription(99))
}
