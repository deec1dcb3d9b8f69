package config

import (
	"time"

	"github.com/wingpipe/wingpipe-go/internal/overlapped"
)

const (
	defaultPipeName      = `\\.\pipe\wingpipe`
	defaultMetricsListen = "127.0.0.1:9464"
	defaultBufferSize    = 4096
)

// Config represents the main configuration structure
type Config struct {
	DataDir string `json:"data_dir,omitempty" mapstructure:"data_dir"`

	// I/O engine used by every stream: "classic" or "iocp"
	Backend string `json:"backend" mapstructure:"backend"`

	Listener *ListenerConfig `json:"listener,omitempty" mapstructure:"listener"`
	Client   *ClientConfig   `json:"client,omitempty" mapstructure:"client"`
	Metrics  *MetricsConfig  `json:"metrics,omitempty" mapstructure:"metrics"`
	Tracing  *TracingConfig  `json:"tracing,omitempty" mapstructure:"tracing"`

	// Logging configuration
	Logging *LogConfig `json:"logging,omitempty" mapstructure:"logging"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable_file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable_console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log_dir"` // Custom log directory
	MaxSize       int    `json:"max_size" mapstructure:"max_size"`         // MB
	MaxBackups    int    `json:"max_backups" mapstructure:"max_backups"`   // number of backup files
	MaxAge        int    `json:"max_age" mapstructure:"max_age"`           // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json_format"`
}

// EndpointConfig describes one pipe name served by the listener
type EndpointConfig struct {
	Name                 string `json:"name" mapstructure:"name"`
	SecurityDescriptor   string `json:"security_descriptor,omitempty" mapstructure:"security_descriptor"` // SDDL
	ProtectFirstInstance bool   `json:"protect_first_instance,omitempty" mapstructure:"protect_first_instance"`
}

// ListenerConfig configures "wingpipe serve"
type ListenerConfig struct {
	Endpoints  []EndpointConfig `json:"endpoints" mapstructure:"endpoints"`
	BufferSize int              `json:"buffer_size" mapstructure:"buffer_size"`
	// Stop accepting after this many connections; 0 means unlimited
	MaxConnections int `json:"max_connections,omitempty" mapstructure:"max_connections"`
}

// ClientConfig configures the client side commands
type ClientConfig struct {
	Pipe   string `json:"pipe" mapstructure:"pipe"`
	Access string `json:"access" mapstructure:"access"`
	// Busy wait budget; negative waits forever, zero fails immediately
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Listen  string `json:"listen" mapstructure:"listen"`
}

// TracingConfig configures OpenTelemetry tracing
type TracingConfig struct {
	Enabled      bool    `json:"enabled" mapstructure:"enabled"`
	OTLPEndpoint string  `json:"otlp_endpoint,omitempty" mapstructure:"otlp_endpoint"`
	ServiceName  string  `json:"service_name" mapstructure:"service_name"`
	SampleRate   float64 `json:"sample_rate" mapstructure:"sample_rate"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		DataDir: "", // Will be set to ~/.wingpipe by loader
		Backend: overlapped.BackendClassic.String(),

		Listener: &ListenerConfig{
			Endpoints:  []EndpointConfig{{Name: defaultPipeName}},
			BufferSize: defaultBufferSize,
		},
		Client: &ClientConfig{
			Pipe:    defaultPipeName,
			Access:  "read-write",
			Timeout: -1,
		},
		Metrics: &MetricsConfig{
			Enabled: false,
			Listen:  defaultMetricsListen,
		},
		Tracing: &TracingConfig{
			Enabled:     false,
			ServiceName: "wingpipe",
			SampleRate:  1.0,
		},

		// Default logging configuration
		Logging: &LogConfig{
			Level:         "info",
			EnableFile:    false,
			EnableConsole: true,
			Filename:      "wingpipe.log",
			MaxSize:       10, // 10MB
			MaxBackups:    5,  // 5 backup files
			MaxAge:        30, // 30 days
			Compress:      true,
			JSONFormat:    false, // Use console format for readability
		},
	}
}

// PipeBackend returns the parsed Backend. Validate has already rejected
// unknown names, so the error only surfaces for unvalidated configs.
func (c *Config) PipeBackend() (overlapped.Backend, error) {
	return overlapped.ParseBackend(c.Backend)
}
