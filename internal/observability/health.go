// Package observability provides health checks, metrics, and tracing capabilities
package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthChecker defines an interface for components that can report their health status
type HealthChecker interface {
	// HealthCheck returns nil if healthy, error if unhealthy
	HealthCheck(ctx context.Context) error
	// Name returns the name of the component being checked
	Name() string
}

// ReadinessChecker defines an interface for components that can report their readiness status
type ReadinessChecker interface {
	// ReadinessCheck returns nil if ready, error if not ready
	ReadinessCheck(ctx context.Context) error
	// Name returns the name of the component being checked
	Name() string
}

// Status values reported by the health endpoints.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// HealthStatus represents the health status of a component
type HealthStatus struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthResponse is the body of /healthz and /readyz
type HealthResponse struct {
	Status     string         `json:"status"`
	Timestamp  time.Time      `json:"timestamp"`
	Components []HealthStatus `json:"components"`
}

// HealthManager manages health and readiness checks
type HealthManager struct {
	logger  *zap.SugaredLogger
	timeout time.Duration

	mu                sync.RWMutex
	healthCheckers    []HealthChecker
	readinessCheckers []ReadinessChecker
}

// NewHealthManager creates a new health manager
func NewHealthManager(logger *zap.SugaredLogger) *HealthManager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &HealthManager{
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

// AddHealthChecker registers a health checker
func (hm *HealthManager) AddHealthChecker(checker HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.healthCheckers = append(hm.healthCheckers, checker)
}

// AddReadinessChecker registers a readiness checker
func (hm *HealthManager) AddReadinessChecker(checker ReadinessChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.readinessCheckers = append(hm.readinessCheckers, checker)
}

// SetTimeout sets the timeout for one round of checks
func (hm *HealthManager) SetTimeout(timeout time.Duration) {
	hm.timeout = timeout
}

// HealthzHandler returns an HTTP handler for the /healthz endpoint
func (hm *HealthManager) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), hm.timeout)
		defer cancel()
		hm.writeJSONResponse(w, hm.checkHealth(ctx), StatusHealthy)
	}
}

// ReadyzHandler returns an HTTP handler for the /readyz endpoint
func (hm *HealthManager) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), hm.timeout)
		defer cancel()
		hm.writeJSONResponse(w, hm.checkReadiness(ctx), StatusReady)
	}
}

type namedCheck struct {
	name  string
	check func(context.Context) error
}

func (hm *HealthManager) checkHealth(ctx context.Context) HealthResponse {
	hm.mu.RLock()
	checks := make([]namedCheck, 0, len(hm.healthCheckers))
	for _, c := range hm.healthCheckers {
		checks = append(checks, namedCheck{c.Name(), c.HealthCheck})
	}
	hm.mu.RUnlock()
	return hm.run(ctx, "Health", checks, StatusHealthy, StatusUnhealthy)
}

func (hm *HealthManager) checkReadiness(ctx context.Context) HealthResponse {
	hm.mu.RLock()
	checks := make([]namedCheck, 0, len(hm.readinessCheckers))
	for _, c := range hm.readinessCheckers {
		checks = append(checks, namedCheck{c.Name(), c.ReadinessCheck})
	}
	hm.mu.RUnlock()
	return hm.run(ctx, "Readiness", checks, StatusReady, StatusNotReady)
}

func (hm *HealthManager) run(ctx context.Context, kind string, checks []namedCheck, ok, failed string) HealthResponse {
	response := HealthResponse{
		Status:     ok,
		Timestamp:  time.Now(),
		Components: make([]HealthStatus, 0, len(checks)),
	}

	for _, c := range checks {
		start := time.Now()
		status := HealthStatus{Name: c.name, Status: ok}

		if err := c.check(ctx); err != nil {
			status.Status = failed
			status.Error = err.Error()
			response.Status = failed
			hm.logger.Warnw(kind+" check failed",
				"component", c.name,
				"error", err)
		}

		status.Latency = time.Since(start).String()
		response.Components = append(response.Components, status)
	}
	return response
}

func (hm *HealthManager) writeJSONResponse(w http.ResponseWriter, response HealthResponse, ok string) {
	statusCode := http.StatusOK
	if response.Status != ok {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		hm.logger.Errorw("Failed to encode health response", "error", err)
	}
}

// IsHealthy returns true if all health checks pass
func (hm *HealthManager) IsHealthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), hm.timeout)
	defer cancel()
	return hm.checkHealth(ctx).Status == StatusHealthy
}

// IsReady returns true if all readiness checks pass
func (hm *HealthManager) IsReady() bool {
	ctx, cancel := context.WithTimeout(context.Background(), hm.timeout)
	defer cancel()
	return hm.checkReadiness(ctx).Status == StatusReady
}
