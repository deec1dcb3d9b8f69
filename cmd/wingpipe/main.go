package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wingpipe/wingpipe-go/internal/cli/output"
	"github.com/wingpipe/wingpipe-go/internal/config"
	"github.com/wingpipe/wingpipe-go/internal/logs"
)

var version = "v0.1.0" // This will be injected by -ldflags during build

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configFile string
	dataDir    string
	logLevel   string
	logToFile  bool
	logDir     string
	backend    string
	output     string
	jsonOutput bool
}

// app carries state shared by the command tree.
type app struct {
	v      *viper.Viper
	flags  globalFlags
	stdout io.Writer
	stderr io.Writer
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	a := &app{v: viper.New(), stdout: stdout, stderr: stderr}
	rootCmd := a.newRootCommand()
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	if err := rootCmd.Execute(); err != nil {
		a.printError(err)
		return exitCodeFor(err)
	}
	return ExitCodeSuccess
}

func (a *app) newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "wingpipe",
		Short:         "Windows named pipe transport: listener, client, and diagnostics",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.flags.configFile, "config", "c", "", "Configuration file path")
	flags.StringVarP(&a.flags.dataDir, "data-dir", "d", "", "Data directory path (default: ~/.wingpipe)")
	flags.StringVar(&a.flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.BoolVar(&a.flags.logToFile, "log-to-file", false, "Enable logging to file in standard OS location")
	flags.StringVar(&a.flags.logDir, "log-dir", "", "Custom log directory path (overrides standard OS location)")
	flags.StringVar(&a.flags.backend, "backend", "", "I/O backend (classic, iocp)")
	flags.StringVarP(&a.flags.output, "output", "o", "", "Output format (table, json, yaml)")
	flags.BoolVar(&a.flags.jsonOutput, "json", false, "Shorthand for --output json")

	a.bindFlags(flags)

	rootCmd.AddCommand(
		a.newServeCommand(),
		a.newSendCommand(),
		a.newBenchCommand(),
		a.newStatusCommand(),
		a.newInfoCommand(),
		a.newConfigCommand(),
		a.newServiceCommand(),
	)
	return rootCmd
}

// bindFlags makes flags win over the config file and environment. Flags left
// unset fall through to them.
func (a *app) bindFlags(flags *pflag.FlagSet) {
	for key, name := range map[string]string{
		"data_dir":            "data-dir",
		"backend":             "backend",
		"logging.level":       "log-level",
		"logging.enable_file": "log-to-file",
		"logging.log_dir":     "log-dir",
	} {
		_ = a.v.BindPFlag(key, flags.Lookup(name))
	}
}

// loadConfig loads the configuration once the flags are parsed.
func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(a.v, a.flags.configFile)
	if err != nil {
		return nil, &configError{err: err}
	}
	return cfg, nil
}

// serverLogger builds the logger of long running commands from the logging
// section of cfg.
func (a *app) serverLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logs.SetupLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}
	return logger, nil
}

// commandLogger builds the quieter logger of one-shot commands.
func (a *app) commandLogger() (*zap.Logger, error) {
	logger, err := logs.SetupCommandLogger(false, a.flags.logLevel, a.flags.logToFile, a.flags.logDir)
	if err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}
	return logger, nil
}

func (a *app) formatter() (output.OutputFormatter, error) {
	return output.NewFormatter(output.ResolveFormat(a.flags.output, a.flags.jsonOutput))
}

// print writes data in the selected output format.
func (a *app) print(data interface{}) error {
	f, err := a.formatter()
	if err != nil {
		return err
	}
	s, err := f.Format(data)
	if err != nil {
		return err
	}
	_, err = io.WriteString(a.stdout, s)
	return err
}

// printTable writes rows in the selected output format.
func (a *app) printTable(headers []string, rows [][]string) error {
	f, err := a.formatter()
	if err != nil {
		return err
	}
	s, err := f.FormatTable(headers, rows)
	if err != nil {
		return err
	}
	_, err = io.WriteString(a.stdout, s)
	return err
}

func (a *app) printError(err error) {
	se := output.FromError(err, errorCode(err))
	f, ferr := a.formatter()
	if ferr != nil {
		f = &output.TableFormatter{Condensed: true}
	}
	s, ferr := f.FormatError(se)
	if ferr != nil {
		fmt.Fprintf(a.stderr, "Error: %v\n", err)
		return
	}
	_, _ = io.WriteString(a.stderr, s)
}
