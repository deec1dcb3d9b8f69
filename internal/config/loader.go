package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	DefaultDataDir = ".wingpipe"
	ConfigFileName = "wingpipe.json"
	EnvPrefix      = "WINGPIPE"
)

// Load builds the configuration from defaults, the config file and
// WINGPIPE_* environment variables, in increasing priority. Flags bound to
// v win over all of them. An empty path searches the working directory and
// the data directory; a missing file there is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	setupViper(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := readConfigFile(v, path); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	} else if found, err := findConfigFile(v); err != nil {
		return nil, fmt.Errorf("failed to load config file %s: %w", found, err)
	}

	cfg := DefaultConfig()
	// The endpoint list is replaced, never merged element by element.
	cfg.Listener.Endpoints = nil
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(homeDir, DefaultDataDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setupViper configures viper with environment variable handling and the
// scalar defaults, so every key can be overridden from the environment.
func setupViper(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := DefaultConfig()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("backend", d.Backend)

	v.SetDefault("listener.endpoints", d.Listener.Endpoints)
	v.SetDefault("listener.buffer_size", d.Listener.BufferSize)
	v.SetDefault("listener.max_connections", d.Listener.MaxConnections)

	v.SetDefault("client.pipe", d.Client.Pipe)
	v.SetDefault("client.access", d.Client.Access)
	v.SetDefault("client.timeout", d.Client.Timeout)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.listen", d.Metrics.Listen)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.enable_file", d.Logging.EnableFile)
	v.SetDefault("logging.enable_console", d.Logging.EnableConsole)
	v.SetDefault("logging.filename", d.Logging.Filename)
	v.SetDefault("logging.log_dir", d.Logging.LogDir)
	v.SetDefault("logging.max_size", d.Logging.MaxSize)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age", d.Logging.MaxAge)
	v.SetDefault("logging.compress", d.Logging.Compress)
	v.SetDefault("logging.json_format", d.Logging.JSONFormat)
}

// findConfigFile tries the common config file locations in order.
func findConfigFile(v *viper.Viper) (string, error) {
	locations := []string{ConfigFileName}
	if homeDir, err := os.UserHomeDir(); err == nil {
		locations = append(locations, filepath.Join(homeDir, DefaultDataDir, ConfigFileName))
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			v.SetConfigFile(location)
			return location, readConfigFile(v, location)
		}
	}
	return "", nil
}

// readConfigFile reads the file set on v. An empty file (including
// os.DevNull) means "defaults only".
func readConfigFile(v *viper.Viper, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if info.Size() == 0 {
		return nil
	}
	if filepath.Ext(path) == "" {
		v.SetConfigType("json")
	}

	if err := v.ReadInConfig(); err != nil {
		var unsupported viper.UnsupportedConfigError
		if errors.As(err, &unsupported) {
			return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
		}
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// SaveConfig writes cfg as indented JSON, creating the directory.
func SaveConfig(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the path to the configuration file in the data directory
func GetConfigPath(dataDir string) string {
	if dataDir == "" {
		homeDir, _ := os.UserHomeDir()
		dataDir = filepath.Join(homeDir, DefaultDataDir)
	}
	return filepath.Join(dataDir, ConfigFileName)
}

// CreateSampleConfig writes the default configuration with a second,
// protected endpoint as an example.
func CreateSampleConfig(path string) error {
	cfg := DefaultConfig()
	cfg.Listener.Endpoints = append(cfg.Listener.Endpoints, EndpointConfig{
		Name:                 `\\.\pipe\wingpipe-admin`,
		SecurityDescriptor:   "D:P(A;;GA;;;SY)(A;;GA;;;BA)",
		ProtectFirstInstance: true,
	})
	return SaveConfig(cfg, path)
}
