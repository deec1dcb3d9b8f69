//go:build !windows

package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/wingpipe/wingpipe-go/internal/config"
)

func runSend(context.Context, *config.Config, []byte, bool, *zap.Logger) ([]byte, error) {
	return nil, errUnsupported("send")
}
