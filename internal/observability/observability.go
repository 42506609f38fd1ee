// Package observability provides Prometheus metrics, OpenTelemetry
// tracing, and health checks for the arena.
// All components are optional and nil-safe — when disabled, recording
// calls skip with a single nil check per operation.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/arena/internal/config"
)

// Observability is the top-level facade holding all observability components.
// Any field may be nil when that feature is disabled.
type Observability struct {
	metrics *MetricsCollector
	Tracer  *TracerSetup
	Health  *HealthChecker
}

// New creates an Observability instance from config.
// Returns nil when the config is nil (all features disabled); a nil
// *Observability is safe to use everywhere.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}

	obs := &Observability{}

	// Metrics.
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.metrics = NewMetricsCollector()
	}

	// Tracing.
	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
	}

	// Health checker (always created, checks added later in main).
	obs.Health = NewHealthChecker(logger)

	return obs, nil
}

// Metrics returns the metrics collector, or nil when metrics are
// disabled. A nil collector's methods are no-ops.
func (o *Observability) Metrics() *MetricsCollector {
	if o == nil {
		return nil
	}
	return o.metrics
}

// HealthOrNil returns the health checker, or nil when disabled.
func (o *Observability) HealthOrNil() *HealthChecker {
	if o == nil {
		return nil
	}
	return o.Health
}

// TracerOrNil returns the OTel tracer setup, or nil when disabled.
func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}

// Shutdown releases observability resources.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if o.Tracer != nil {
		_ = o.Tracer.Shutdown(ctx)
	}
}
