package observability

import (
	"context"
	"fmt"
)

// EndpointHealthChecker reports unhealthy once a listener serves no pipe
// names, which happens when every endpoint failed to re-arm.
type EndpointHealthChecker struct {
	name      string
	endpoints func() []string
}

// NewEndpointHealthChecker creates a checker around a listener's endpoint list
func NewEndpointHealthChecker(name string, endpoints func() []string) *EndpointHealthChecker {
	return &EndpointHealthChecker{name: name, endpoints: endpoints}
}

// Name returns the name of the health checker
func (c *EndpointHealthChecker) Name() string {
	return c.name
}

// HealthCheck fails when no endpoint is left
func (c *EndpointHealthChecker) HealthCheck(_ context.Context) error {
	if c.endpoints == nil {
		return fmt.Errorf("endpoints function is nil")
	}
	if len(c.endpoints()) == 0 {
		return fmt.Errorf("no pipe endpoints are being served")
	}
	return nil
}

// ReadinessCheck is the same as HealthCheck
func (c *EndpointHealthChecker) ReadinessCheck(ctx context.Context) error {
	return c.HealthCheck(ctx)
}

// LoopHealthChecker verifies that an event loop still runs queued work.
type LoopHealthChecker struct {
	name   string
	invoke func(func())
}

// NewLoopHealthChecker creates a checker that posts a no-op through invoke
// and waits for it to run.
func NewLoopHealthChecker(name string, invoke func(func())) *LoopHealthChecker {
	return &LoopHealthChecker{name: name, invoke: invoke}
}

// Name returns the name of the health checker
func (c *LoopHealthChecker) Name() string {
	return c.name
}

// HealthCheck fails when the posted function does not run before ctx ends
func (c *LoopHealthChecker) HealthCheck(ctx context.Context) error {
	if c.invoke == nil {
		return fmt.Errorf("invoke function is nil")
	}
	ran := make(chan struct{})
	c.invoke(func() { close(ran) })

	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event loop did not respond: %w", ctx.Err())
	}
}

// ReadinessCheck is the same as HealthCheck
func (c *LoopHealthChecker) ReadinessCheck(ctx context.Context) error {
	return c.HealthCheck(ctx)
}

// ComponentHealthChecker is a generic health checker for components with a simple status
type ComponentHealthChecker struct {
	name      string
	isHealthy func() bool
	isReady   func() bool
}

// NewComponentHealthChecker creates a new component health checker
func NewComponentHealthChecker(name string, isHealthy, isReady func() bool) *ComponentHealthChecker {
	return &ComponentHealthChecker{
		name:      name,
		isHealthy: isHealthy,
		isReady:   isReady,
	}
}

// Name returns the name of the health checker
func (chc *ComponentHealthChecker) Name() string {
	return chc.name
}

// HealthCheck performs a component health check
func (chc *ComponentHealthChecker) HealthCheck(_ context.Context) error {
	if chc.isHealthy == nil {
		return fmt.Errorf("isHealthy function is nil")
	}
	if !chc.isHealthy() {
		return fmt.Errorf("component is not healthy")
	}
	return nil
}

// ReadinessCheck performs a component readiness check
func (chc *ComponentHealthChecker) ReadinessCheck(_ context.Context) error {
	if chc.isReady == nil {
		return fmt.Errorf("isReady function is nil")
	}
	if !chc.isReady() {
		return fmt.Errorf("component is not ready")
	}
	return nil
}

var (
	_ HealthChecker    = (*EndpointHealthChecker)(nil)
	_ ReadinessChecker = (*EndpointHealthChecker)(nil)
	_ HealthChecker    = (*LoopHealthChecker)(nil)
	_ ReadinessChecker = (*LoopHealthChecker)(nil)
	_ HealthChecker    = (*ComponentHealthChecker)(nil)
	_ ReadinessChecker = (*ComponentHealthChecker)(nil)
)
