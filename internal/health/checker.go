// Package health provides health check functionality for liveness and readiness probes.
package health

import (
	"context"
	"sync"
	"time"
)

// ReadinessChecker is implemented by the execution platform to verify it can
// accept work.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// Pinger is implemented by the ledger to verify the store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Checker performs health checks on dependencies.
type Checker struct {
	platform ReadinessChecker
	ledger   Pinger
	timeout  time.Duration

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a new health checker.
func NewChecker(platform ReadinessChecker, ledger Pinger) *Checker {
	return &Checker{
		platform: platform,
		ledger:   ledger,
		timeout:  5 * time.Second,
	}
}

// Liveness returns true if the service is alive.
// This should be a lightweight check that doesn't depend on external services.
// Failing this probe should trigger a container restart.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{
		Status: StatusHealthy,
	}
}

// Readiness checks if the service is ready to accept traffic.
// This checks all dependencies (execution platform and ledger).
// Failing this probe should remove the instance from load balancer rotation.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	// Return unhealthy immediately if shutting down
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}

	// Use cached result if recent (avoid hammering dependencies)
	if c.cachedReady != nil && time.Since(c.lastCheck) < time.Second {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	checks := map[string]CheckResult{
		"platform": c.checkPlatform(ctx),
		"ledger":   c.checkLedger(ctx),
	}

	overallStatus := StatusHealthy
	for _, check := range checks {
		if check.Status != StatusHealthy {
			overallStatus = StatusUnhealthy
		}
	}

	response := &Response{
		Status: overallStatus,
		Checks: checks,
	}

	// Cache the result
	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

// checkPlatform verifies the execution platform is ready to accept work.
func (c *Checker) checkPlatform(ctx context.Context) CheckResult {
	if c.platform == nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "platform not configured",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.platform.Ready(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: err.Error(),
		}
	}

	return CheckResult{
		Status: StatusHealthy,
	}
}

// checkLedger verifies the ledger store is reachable.
func (c *Checker) checkLedger(ctx context.Context) CheckResult {
	if c.ledger == nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "ledger not configured",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.ledger.Ping(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: err.Error(),
		}
	}

	return CheckResult{
		Status: StatusHealthy,
	}
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// SetShuttingDown marks the service as shutting down.
// This causes readiness checks to return unhealthy, signaling
// load balancers to stop sending new traffic.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil // Clear cache to ensure immediate effect
}
