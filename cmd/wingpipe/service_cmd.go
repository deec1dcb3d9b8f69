package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wingpipe/wingpipe-go/internal/logs"
)

const serviceName = "wingpipe"

// program runs serve under the service manager. Start must not block.
type program struct {
	run    func(ctx context.Context) error
	logger *zap.Logger

	cancel context.CancelFunc
	done   chan error
}

func (p *program) Start(_ service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)

	go func() {
		err := p.run(ctx)
		if err != nil && ctx.Err() == nil {
			code := exitCodeFor(err)
			p.logger.Error("Server stopped unexpectedly",
				zap.Error(err),
				zap.Int("exit_code", code),
				zap.String("reason", exitCodeDescription(code)))
			_ = p.logger.Sync()
			os.Exit(code)
		}
		p.done <- err
	}()
	return nil
}

func (p *program) Stop(_ service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	return <-p.done
}

func (a *app) newServiceCommand() *cobra.Command {
	var logEvents bool
	cmd := &cobra.Command{
		Use:   "service <install|uninstall|start|stop|restart|run|status>",
		Short: "Manage wingpipe as a system service",
		Long: `Install, control or run wingpipe under the system service manager.

"run" serves the configured endpoints the way "serve" does and is what the
installed service executes. The other actions are passed to the service
manager. --config is recorded in the installed service's arguments.`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: append([]string{"run", "status"}, service.ControlAction[:]...),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runService(cmd, args[0], logEvents)
		},
	}
	cmd.Flags().BoolVar(&logEvents, "log-events", false, "Copy log entries to the system event log")
	return cmd
}

func (a *app) serviceConfig(logEvents bool) (*service.Config, error) {
	args := []string{"service", "run"}
	if a.flags.configFile != "" {
		path, err := filepath.Abs(a.flags.configFile)
		if err != nil {
			return nil, err
		}
		args = append(args, "--config", path)
	}
	if a.flags.dataDir != "" {
		args = append(args, "--data-dir", a.flags.dataDir)
	}
	if logEvents {
		args = append(args, "--log-events")
	}
	return &service.Config{
		Name:        serviceName,
		DisplayName: "Wingpipe",
		Description: "Serves Windows named pipe endpoints",
		Arguments:   args,
	}, nil
}

func (a *app) runService(cmd *cobra.Command, action string, logEvents bool) error {
	svcCfg, err := a.serviceConfig(logEvents)
	if err != nil {
		return err
	}
	prg := &program{logger: zap.NewNop()}
	svc, err := service.New(prg, svcCfg)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	switch action {
	case "run":
	case "status":
		st, err := svc.Status()
		if err != nil && !errors.Is(err, service.ErrNotInstalled) {
			return err
		}
		_, err = fmt.Fprintln(a.stdout, serviceStatusName(st, err))
		return err
	default:
		if err := service.Control(svc, action); err != nil {
			return fmt.Errorf("service %s failed: %w", action, err)
		}
		_, err := fmt.Fprintf(a.stdout, "Service %s: %s done\n", serviceName, action)
		return err
	}

	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	var opts serveOptions
	if err := opts.apply(cmd, cfg); err != nil {
		return err
	}
	logger, err := a.serverLogger(cfg)
	if err != nil {
		return err
	}
	if logEvents {
		svcLogger, err := svc.Logger(nil)
		if err != nil {
			return fmt.Errorf("failed to open event log: %w", err)
		}
		events := newEventLogCore(svcLogger, logs.ParseLevel(cfg.Logging.Level))
		logger = logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return zapcore.NewTee(c, events)
		}))
	}
	defer func() {
		_ = logger.Sync()
	}()

	prg.logger = logger
	prg.run = func(ctx context.Context) error {
		return runServe(ctx, cfg, opts, logger)
	}
	return svc.Run()
}

func serviceStatusName(st service.Status, err error) string {
	if errors.Is(err, service.ErrNotInstalled) {
		return "not installed"
	}
	switch st {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// eventLogCore copies log entries at or above its level to the service
// manager's logger.
type eventLogCore struct {
	zapcore.LevelEnabler
	enc    zapcore.Encoder
	logger service.Logger
}

func newEventLogCore(logger service.Logger, level zapcore.LevelEnabler) zapcore.Core {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = ""
	return &eventLogCore{
		LevelEnabler: level,
		enc:          zapcore.NewConsoleEncoder(encCfg),
		logger:       logger,
	}
}

func (c *eventLogCore) With(fields []zapcore.Field) zapcore.Core {
	clone := &eventLogCore{
		LevelEnabler: c.LevelEnabler,
		enc:          c.enc.Clone(),
		logger:       c.logger,
	}
	for _, f := range fields {
		f.AddTo(clone.enc)
	}
	return clone
}

func (c *eventLogCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *eventLogCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := c.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	msg := buf.String()
	buf.Free()

	switch {
	case ent.Level >= zapcore.ErrorLevel:
		return c.logger.Error(msg)
	case ent.Level == zapcore.WarnLevel:
		return c.logger.Warning(msg)
	default:
		return c.logger.Info(msg)
	}
}

func (c *eventLogCore) Sync() error {
	return nil
}
