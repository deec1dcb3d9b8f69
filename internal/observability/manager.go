package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Config holds configuration for observability features
type Config struct {
	Health  HealthConfig  `json:"health"`
	Metrics MetricsConfig `json:"metrics"`
	Tracing TracingConfig `json:"tracing"`
}

// HealthConfig holds configuration for health checks
type HealthConfig struct {
	Enabled bool          `json:"enabled"`
	Timeout time.Duration `json:"timeout"`
}

// MetricsConfig holds configuration for metrics
type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

// DefaultConfig returns a default observability configuration
func DefaultConfig(serviceName, serviceVersion string) Config {
	return Config{
		Health: HealthConfig{
			Enabled: true,
			Timeout: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Tracing: TracingConfig{
			Enabled:        false,
			ServiceName:    serviceName,
			ServiceVersion: serviceVersion,
			OTLPEndpoint:   "localhost:4318",
			SampleRate:     1.0,
		},
	}
}

// Manager coordinates all observability features
type Manager struct {
	logger  *zap.SugaredLogger
	config  Config
	health  *HealthManager
	metrics *MetricsManager
	tracing *TracingManager

	startTime time.Time
}

// NewManager creates a new observability manager
func NewManager(logger *zap.SugaredLogger, config Config) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	manager := &Manager{
		logger:    logger,
		config:    config,
		startTime: time.Now(),
	}

	if config.Health.Enabled {
		manager.health = NewHealthManager(logger)
		if config.Health.Timeout > 0 {
			manager.health.SetTimeout(config.Health.Timeout)
		}
		logger.Info("Health checks enabled")
	}

	if config.Metrics.Enabled {
		manager.metrics = NewMetricsManager(logger)
		logger.Info("Prometheus metrics enabled")
	}

	if config.Tracing.Enabled {
		var err error
		manager.tracing, err = NewTracingManager(logger, config.Tracing)
		if err != nil {
			return nil, err
		}
	}

	return manager, nil
}

// Health returns the health manager, nil when disabled
func (m *Manager) Health() *HealthManager {
	return m.health
}

// Metrics returns the metrics manager. A nil result is still usable for
// recording.
func (m *Manager) Metrics() *MetricsManager {
	return m.metrics
}

// Tracing returns the tracing manager. A nil result starts no spans.
func (m *Manager) Tracing() *TracingManager {
	return m.tracing
}

// RegisterHealthChecker registers a health checker
func (m *Manager) RegisterHealthChecker(checker HealthChecker) {
	if m.health != nil {
		m.health.AddHealthChecker(checker)
	}
}

// RegisterReadinessChecker registers a readiness checker
func (m *Manager) RegisterReadinessChecker(checker ReadinessChecker) {
	if m.health != nil {
		m.health.AddReadinessChecker(checker)
	}
}

// Routes returns a router serving /healthz, /readyz and /metrics for the
// enabled features.
func (m *Manager) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(m.HTTPMiddleware())

	if m.health != nil {
		r.Get("/healthz", m.health.HealthzHandler())
		r.Get("/readyz", m.health.ReadyzHandler())
	}
	if m.metrics != nil {
		r.Handle("/metrics", m.uptimeHandler(m.metrics.Handler()))
	}
	return r
}

func (m *Manager) uptimeHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.UpdateMetrics()
		next.ServeHTTP(w, r)
	})
}

// HTTPMiddleware returns combined HTTP middleware for observability
func (m *Manager) HTTPMiddleware() func(http.Handler) http.Handler {
	middlewares := make([]func(http.Handler) http.Handler, 0, 2)
	if m.metrics != nil {
		middlewares = append(middlewares, m.metrics.HTTPMiddleware())
	}
	if m.tracing != nil {
		middlewares = append(middlewares, m.tracing.HTTPMiddleware())
	}

	return func(next http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// UpdateMetrics refreshes gauges derived from process state
func (m *Manager) UpdateMetrics() {
	m.metrics.SetUptime(m.startTime)
}

// Close gracefully shuts down observability components
func (m *Manager) Close(ctx context.Context) error {
	if err := m.tracing.Close(ctx); err != nil {
		m.logger.Errorw("Failed to close tracing manager", "error", err)
		return err
	}
	return nil
}

// IsHealthy returns true if all health checks pass
func (m *Manager) IsHealthy() bool {
	if m.health == nil {
		return true
	}
	return m.health.IsHealthy()
}

// IsReady returns true if all readiness checks pass
func (m *Manager) IsReady() bool {
	if m.health == nil {
		return true
	}
	return m.health.IsReady()
}
