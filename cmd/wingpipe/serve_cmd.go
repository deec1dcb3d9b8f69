package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wingpipe/wingpipe-go/internal/config"
	"github.com/wingpipe/wingpipe-go/internal/logs"
	"github.com/wingpipe/wingpipe-go/internal/socket"
)

// serveOptions are the serve flags that override the configuration.
type serveOptions struct {
	endpoints      []string
	maxConnections int
	metricsListen  string
	adminPipe      string
	noAdmin        bool
}

func (a *app) newServeCommand() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the configured pipe endpoints with an echo handler",
		Long: `Serve every configured endpoint. Each connection gets back what it sends.

An admin endpoint serves /healthz, /readyz and /metrics over HTTP on a
per-user pipe unless --no-admin is given. With metrics enabled the same
routes are also served on TCP.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if err := opts.apply(cmd, cfg); err != nil {
				return err
			}

			logger, err := a.serverLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = logger.Sync()
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, opts, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVarP(&opts.endpoints, "endpoint", "e", nil, "Pipe name to serve, repeatable (replaces configured endpoints)")
	flags.IntVar(&opts.maxConnections, "max-connections", 0, "Maximum concurrent connections (0 = unlimited)")
	flags.StringVar(&opts.metricsListen, "metrics-listen", "", "Serve metrics and health on this TCP address")
	flags.StringVar(&opts.adminPipe, "admin-pipe", "", "Pipe name of the admin endpoint (default: per-user pipe)")
	flags.BoolVar(&opts.noAdmin, "no-admin", false, "Do not serve the admin endpoint")
	return cmd
}

// apply merges the flags into cfg and resolves the admin pipe name.
func (o *serveOptions) apply(cmd *cobra.Command, cfg *config.Config) error {
	if len(o.endpoints) > 0 {
		cfg.Listener.Endpoints = cfg.Listener.Endpoints[:0]
		for _, name := range o.endpoints {
			parsed, err := socket.ParseEndpoint(name)
			if err != nil {
				return &configError{err: err}
			}
			cfg.Listener.Endpoints = append(cfg.Listener.Endpoints, config.EndpointConfig{Name: parsed})
		}
	}
	if cmd.Flags().Changed("max-connections") {
		cfg.Listener.MaxConnections = o.maxConnections
	}
	if o.metricsListen != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = o.metricsListen
	}
	if err := cfg.Validate(); err != nil {
		return &configError{err: err}
	}

	switch {
	case o.noAdmin:
		o.adminPipe = ""
	case o.adminPipe != "":
		name, err := socket.ParseEndpoint(o.adminPipe)
		if err != nil {
			return &configError{err: err}
		}
		o.adminPipe = name
	default:
		name, err := socket.DetectPipeName(cfg.DataDir)
		if err != nil {
			return &configError{err: err}
		}
		o.adminPipe = name
	}
	return nil
}

// logStartup records where the process logs and what it serves.
func logStartup(logger *zap.Logger, cfg *config.Config, opts serveOptions) {
	if info, err := logs.GetLoggerInfo(cfg.Logging); err == nil && info.EnableFile {
		logger.Info("Log file configured", zap.String("path", info.LogFile))
	}
	names := make([]string, 0, len(cfg.Listener.Endpoints))
	for _, ep := range cfg.Listener.Endpoints {
		names = append(names, ep.Name)
	}
	logger.Info("Starting wingpipe",
		zap.String("version", version),
		zap.String("backend", cfg.Backend),
		zap.Strings("endpoints", names),
		zap.Int("max_connections", cfg.Listener.MaxConnections),
		zap.String("admin_pipe", opts.adminPipe),
		zap.Bool("metrics_enabled", cfg.Metrics.Enabled))
}

func errUnsupported(what string) error {
	return fmt.Errorf("%s requires Windows named pipes", what)
}
