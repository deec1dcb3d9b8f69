package main

import (
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wingpipe/wingpipe-go/internal/config"
	"github.com/wingpipe/wingpipe-go/internal/socket"
)

// clientOptions are the flags of commands that connect to a pipe.
type clientOptions struct {
	pipe    string
	access  string
	timeout time.Duration
}

func (o *clientOptions) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&o.pipe, "pipe", "p", "", "Pipe to connect to (default: client.pipe from config)")
	flags.StringVar(&o.access, "access", "", "Access mode (read, write, read-write)")
	flags.DurationVar(&o.timeout, "timeout", 0, "How long to wait for a busy pipe (-1 = forever)")
}

// apply merges the flags into the client section of cfg.
func (o *clientOptions) apply(cmd *cobra.Command, cfg *config.Config) error {
	if o.pipe != "" {
		name, err := socket.ParseEndpoint(o.pipe)
		if err != nil {
			return &configError{err: err}
		}
		cfg.Client.Pipe = name
	}
	if o.access != "" {
		cfg.Client.Access = o.access
	}
	if cmd.Flags().Changed("timeout") {
		cfg.Client.Timeout = o.timeout
	}
	if err := cfg.Validate(); err != nil {
		return &configError{err: err}
	}
	return nil
}

func (a *app) newSendCommand() *cobra.Command {
	var opts clientOptions
	var async bool
	cmd := &cobra.Command{
		Use:   "send [message...]",
		Short: "Send a message to a pipe and print the reply",
		Long: `Connect to a pipe, write the message and print what comes back.

Without arguments the message is read from stdin. With read-only access
nothing is written and everything up to end of stream is printed. With
write-only access nothing is read.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if err := opts.apply(cmd, cfg); err != nil {
				return err
			}

			var msg []byte
			if len(args) > 0 {
				msg = []byte(strings.Join(args, " "))
			} else if msg, err = io.ReadAll(cmd.InOrStdin()); err != nil {
				return err
			}

			logger, err := a.commandLogger()
			if err != nil {
				return err
			}
			defer func() {
				_ = logger.Sync()
			}()

			reply, err := runSend(cmd.Context(), cfg, msg, async, logger)
			if err != nil {
				return err
			}
			_, err = a.stdout.Write(reply)
			return err
		},
	}
	opts.register(cmd)
	cmd.Flags().BoolVar(&async, "async", false, "Use the callback API instead of blocking calls")
	return cmd
}
