//go:build !windows

package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/wingpipe/wingpipe-go/internal/config"
)

func runServe(context.Context, *config.Config, serveOptions, *zap.Logger) error {
	return errUnsupported("serve")
}
