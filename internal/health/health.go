// SPDX-License-Identifier: MIT

// Package health provides liveness and readiness checks for the inference
// server, suitable for Docker HEALTHCHECK and Kubernetes probes.
package health

import (
	"context"
	"time"
)

// Status is the overall or per-component health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one component check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse is the liveness probe body.
type HealthResponse struct {
	Status    Status                 `json:"status"`
	Version   string                 `json:"version,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// ReadinessResponse is the readiness probe body.
type ReadinessResponse struct {
	Ready     bool                   `json:"ready"`
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Checker is one component's health check.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc struct {
	CheckerName string
	Fn          func(ctx context.Context) CheckResult
}

func (c CheckerFunc) Name() string                          { return c.CheckerName }
func (c CheckerFunc) Check(ctx context.Context) CheckResult { return c.Fn(ctx) }

// Manager aggregates component checks into probe responses.
type Manager struct {
	version  string
	checkers []Checker
}

// NewManager creates a health check manager.
func NewManager(version string) *Manager {
	return &Manager{version: version}
}

// RegisterChecker adds a component check. Not safe for concurrent use with
// Health/Ready; register everything during startup.
func (m *Manager) RegisterChecker(c Checker) {
	m.checkers = append(m.checkers, c)
}

// Health is the liveness probe: the process is alive, so it reports healthy
// unless a component is outright unhealthy. Component detail is included
// only when verbose.
func (m *Manager) Health(ctx context.Context, verbose bool) HealthResponse {
	resp := HealthResponse{
		Status:    StatusHealthy,
		Version:   m.version,
		Timestamp: time.Now(),
	}
	if !verbose || len(m.checkers) == 0 {
		return resp
	}
	resp.Checks = make(map[string]CheckResult, len(m.checkers))
	resp.Status = m.aggregate(ctx, resp.Checks)
	return resp
}

// Ready is the readiness probe: every component must be healthy or degraded
// for the server to accept streams.
func (m *Manager) Ready(ctx context.Context) ReadinessResponse {
	checks := make(map[string]CheckResult, len(m.checkers))
	status := m.aggregate(ctx, checks)
	return ReadinessResponse{
		Ready:     status != StatusUnhealthy,
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
	}
}

func (m *Manager) aggregate(ctx context.Context, out map[string]CheckResult) Status {
	status := StatusHealthy
	for _, c := range m.checkers {
		result := c.Check(ctx)
		out[c.Name()] = result
		switch result.Status {
		case StatusUnhealthy:
			status = StatusUnhealthy
		case StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}
	return status
}
