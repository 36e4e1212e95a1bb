// Package health provides liveness and readiness probes.
package health

import (
	"context"
	"sync"
	"time"
)

// ReadinessChecker verifies the service can accept new fetch jobs.
// Implemented by the orchestrator, which probes its extractor toolchain.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// Status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of a single dependency check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the probe response body.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// IsHealthy reports whether the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// Checker performs health checks against the service's dependencies.
// Readiness results are cached briefly so probes don't hammer the
// extractor toolchain check.
type Checker struct {
	orchestrator ReadinessChecker
	timeout      time.Duration

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a health checker.
func NewChecker(orchestrator ReadinessChecker) *Checker {
	return &Checker{
		orchestrator: orchestrator,
		timeout:      5 * time.Second,
	}
}

// Liveness reports whether the process is alive. It never checks
// dependencies; failing it should restart the container.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{Status: StatusHealthy}
}

// Readiness reports whether the service should receive traffic. It
// returns unhealthy during shutdown so load balancers drain us.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}
	if c.cachedReady != nil && time.Since(c.lastCheck) < time.Second {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	extractorCheck := c.checkExtractor(ctx)
	response := &Response{
		Status: extractorCheck.Status,
		Checks: map[string]CheckResult{
			"extractor": extractorCheck,
		},
	}

	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

func (c *Checker) checkExtractor(ctx context.Context) CheckResult {
	if c.orchestrator == nil {
		return CheckResult{Status: StatusUnhealthy, Message: "orchestrator not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.orchestrator.Ready(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// SetShuttingDown makes readiness checks fail so new traffic stops
// arriving while in-flight work drains.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil
}
