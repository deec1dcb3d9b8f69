//go:build !windows

package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/wingpipe/wingpipe-go/internal/overlapped"
)

func runBench(context.Context, benchOptions, overlapped.Backend, *zap.Logger) (benchResult, error) {
	return benchResult{}, errUnsupported("bench")
}
