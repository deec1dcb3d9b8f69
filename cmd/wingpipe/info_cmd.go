package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wingpipe/wingpipe-go/internal/config"
	"github.com/wingpipe/wingpipe-go/internal/logs"
	"github.com/wingpipe/wingpipe-go/internal/sysinfo"
)

// infoReport is what "wingpipe info" prints.
type infoReport struct {
	Version        string `json:"version" yaml:"version"`
	OS             string `json:"os" yaml:"os"`
	Arch           string `json:"arch" yaml:"arch"`
	OSVersion      string `json:"os_version" yaml:"os_version"`
	GoVersion      string `json:"go_version" yaml:"go_version"`
	Processors     int    `json:"processors" yaml:"processors"`
	CompletionPort bool   `json:"completion_port" yaml:"completion_port"`
	Backend        string `json:"backend" yaml:"backend"`
	Endpoints      int    `json:"endpoints" yaml:"endpoints"`
	ConfigFile     string `json:"config_file" yaml:"config_file"`
	LogFile        string `json:"log_file" yaml:"log_file"`
	MemoryLoadPct  uint32 `json:"memory_load_pct" yaml:"memory_load_pct"`
}

func (a *app) newInfoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show platform and configuration details",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			report, err := a.collectInfo()
			if err != nil {
				return err
			}
			return a.print(report)
		},
	}
}

func (a *app) collectInfo() (*infoReport, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	sys, err := sysinfo.Collect()
	if err != nil {
		return nil, fmt.Errorf("failed to collect system info: %w", err)
	}
	logInfo, err := logs.GetLoggerInfo(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve log file: %w", err)
	}

	configFile := a.v.ConfigFileUsed()
	if configFile == "" {
		configFile = config.GetConfigPath(cfg.DataDir) + " (not found)"
	}

	return &infoReport{
		Version:        version,
		OS:             sys.OS,
		Arch:           sys.Arch,
		OSVersion:      sys.Version,
		GoVersion:      sys.GoVersion,
		Processors:     sys.Processors,
		CompletionPort: sys.CompletionPort,
		Backend:        cfg.Backend,
		Endpoints:      len(cfg.Listener.Endpoints),
		ConfigFile:     configFile,
		LogFile:        logInfo.LogFile,
		MemoryLoadPct:  sys.MemoryLoadPct,
	}, nil
}
