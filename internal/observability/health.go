package observability

import (
	"context"
	"log/slog"
	"time"
)

const probeTimeout = 3 * time.Second

// HealthChecker aggregates readiness probes for the service's
// dependencies: the database and the sandbox interpreter.
type HealthChecker struct {
	probes []probe
	logger *slog.Logger
}

type probe struct {
	name  string
	check func(ctx context.Context) error
}

// HealthStatus is the JSON response for health/readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the status of a single dependency probe.
type CheckResult struct {
	Status  string `json:"status"`            // "ok" or "fail"
	Message string `json:"message,omitempty"` // Error message on failure.
}

// NewHealthChecker creates a HealthChecker with no probes registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a named readiness probe. Nil-safe.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	if h == nil {
		return
	}
	h.probes = append(h.probes, probe{name: name, check: check})
}

// CheckHealth returns liveness status. Always "ok" while the process runs.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs all registered probes and returns aggregate
// readiness: "ok" only if every probe passes.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	if h == nil || len(h.probes) == 0 {
		return HealthStatus{Status: "ok"}
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult, len(h.probes)),
	}

	for _, p := range h.probes {
		if err := p.check(probeCtx); err != nil {
			status.Status = "degraded"
			status.Checks[p.name] = CheckResult{Status: "fail", Message: err.Error()}
			if h.logger != nil {
				h.logger.Warn("readiness probe failed",
					slog.String("probe", p.name),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		status.Checks[p.name] = CheckResult{Status: "ok"}
	}

	return status
}
