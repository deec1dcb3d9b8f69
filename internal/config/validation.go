package config

import (
	"fmt"
	"strings"

	"github.com/wingpipe/wingpipe-go/internal/npipe"
	"github.com/wingpipe/wingpipe-go/internal/overlapped"
)

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate fills in missing sections and rejects values that cannot work.
func (c *Config) Validate() error {
	defaults := DefaultConfig()

	backend, err := overlapped.ParseBackend(c.Backend)
	if err != nil {
		return err
	}
	c.Backend = backend.String()

	if c.Listener == nil {
		c.Listener = defaults.Listener
	}
	if c.Listener.BufferSize <= 0 {
		c.Listener.BufferSize = defaultBufferSize
	}
	if c.Listener.MaxConnections < 0 {
		return fmt.Errorf("listener max_connections must not be negative")
	}
	seen := make(map[string]bool)
	for i := range c.Listener.Endpoints {
		ep := &c.Listener.Endpoints[i]
		name, err := npipe.ValidateName(ep.Name)
		if err != nil {
			return fmt.Errorf("listener endpoint %d: %w", i, err)
		}
		ep.Name = name
		if ep.ProtectFirstInstance && seen[strings.ToLower(name)] {
			return fmt.Errorf("listener endpoint %s is protected but listed twice", name)
		}
		seen[strings.ToLower(name)] = true
	}

	if c.Client == nil {
		c.Client = defaults.Client
	}
	if c.Client.Pipe != "" {
		name, err := npipe.ValidateName(c.Client.Pipe)
		if err != nil {
			return fmt.Errorf("client pipe: %w", err)
		}
		c.Client.Pipe = name
	}
	if c.Client.Access == "" {
		c.Client.Access = defaults.Client.Access
	}
	if _, err := npipe.ParseAccess(c.Client.Access); err != nil {
		return fmt.Errorf("client access: %w", err)
	}
	if c.Client.Timeout < 0 {
		c.Client.Timeout = npipe.Infinite
	}

	if c.Metrics == nil {
		c.Metrics = defaults.Metrics
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = defaultMetricsListen
	}

	if c.Tracing == nil {
		c.Tracing = defaults.Tracing
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = defaults.Tracing.ServiceName
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing sample_rate must be between 0 and 1, got %v", c.Tracing.SampleRate)
	}

	if c.Logging == nil {
		c.Logging = defaults.Logging
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}

	return nil
}
