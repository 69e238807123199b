// Package health reports process liveness and the state of the instance's
// dependencies for the /healthz probe.
package health

import (
	"context"
	"sync"
	"time"
)

// Status represents the health status
type Status string

const (
	StatusUp       Status = "UP"
	StatusDegraded Status = "DEGRADED"
)

const checkTimeout = 2 * time.Second

// HealthCheck represents a health check
type HealthCheck interface {
	Check(ctx context.Context) error
	Name() string
}

type namedCheck struct {
	name string
	fn   func(ctx context.Context) error
}

func (c namedCheck) Check(ctx context.Context) error { return c.fn(ctx) }
func (c namedCheck) Name() string { return c.name }

// CheckFunc wraps fn as a HealthCheck called name.
func CheckFunc(name string, fn func(ctx context.Context) error) HealthCheck {
	return namedCheck{name: name, fn: fn}
}

// Report is the body of the liveness probe.
type Report struct {
	Status      Status            `json:"status"`
	ServerID    string            `json:"serverId"`
	Connections int               `json:"connections"`
	Rooms       int               `json:"rooms"`
	Uptime      string            `json:"uptime"`
	Checks      map[string]string `json:"checks,omitempty"`
}

// HealthChecker manages health checks
type HealthChecker struct {
	serverID  string
	startedAt time.Time
	checks    []HealthCheck
	mu        sync.RWMutex
}

func NewHealthChecker(serverID string) *HealthChecker {
	return &HealthChecker{
		serverID:  serverID,
		startedAt: time.Now(),
		checks:    make([]HealthCheck, 0),
	}
}

// Register adds a new health check
func (hc *HealthChecker) Register(check HealthCheck) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks = append(hc.checks, check)
}

// Check runs every registered check concurrently, each bounded by a short
// timeout.
func (hc *HealthChecker) Check(ctx context.Context) map[string]error {
	hc.mu.RLock()
	checks := append([]HealthCheck(nil), hc.checks...)
	hc.mu.RUnlock()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]error, len(checks))
	)
	for _, check := range checks {
		wg.Add(1)
		go func(check HealthCheck) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			err := check.Check(ctx)

			mu.Lock()
			results[check.Name()] = err
			mu.Unlock()
		}(check)
	}
	wg.Wait()
	return results
}

// Report runs the checks and combines them with the local gauges. A failed
// dependency degrades the status; the process itself is still live.
func (hc *HealthChecker) Report(ctx context.Context, connections, rooms int) Report {
	report := Report{
		Status:      StatusUp,
		ServerID:    hc.serverID,
		Connections: connections,
		Rooms:       rooms,
		Uptime:      time.Since(hc.startedAt).Round(time.Second).String(),
	}

	results := hc.Check(ctx)
	if len(results) > 0 {
		report.Checks = make(map[string]string, len(results))
	}
	for name, err := range results {
		if err != nil {
			report.Status = StatusDegraded
			report.Checks[name] = err.Error()
			continue
		}
		report.Checks[name] = "ok"
	}
	return report
}
