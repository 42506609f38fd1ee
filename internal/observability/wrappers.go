package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/arena/internal/sandbox"
	"github.com/jkaninda/arena/internal/validator"
)

// InstrumentedRunner wraps a sandbox.Runner with metrics and tracing.
// The pipeline stays observability-agnostic; wiring happens in main.
type InstrumentedRunner struct {
	inner   sandbox.Runner
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedRunner wraps a sandbox runner with observability.
// Either metrics or tracing may be disabled.
func NewInstrumentedRunner(inner sandbox.Runner, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedRunner {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedRunner{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
	}
}

// Run executes the program through the wrapped runner, recording the
// run's duration, outcome, and span.
func (r *InstrumentedRunner) Run(ctx context.Context, prog *validator.AnalyzedProgram, input []byte, limits sandbox.Limits) (*sandbox.Result, error) {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "sandbox.run",
			trace.WithAttributes(
				attribute.Int("sandbox.input_bytes", len(input)),
				attribute.Int("sandbox.source_bytes", len(prog.Source)),
			))
		defer span.End()
	}

	start := time.Now()
	res, err := r.inner.Run(ctx, prog, input, limits)
	took := time.Since(start)

	if err != nil && r.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	r.metrics.SandboxRun(err == nil, took)

	return res, err
}

// compile-time interface check
var _ sandbox.Runner = (*InstrumentedRunner)(nil)
