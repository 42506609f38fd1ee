package observability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/arena/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// labelMap flattens a metric's label pairs for assertions.
func labelMap(m *dto.Metric) map[string]string {
	out := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}

func gather(t *testing.T, m *MetricsCollector, name string) []*dto.Metric {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gathering metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()
		}
	}
	return nil
}

func TestNewNilConfigDisablesEverything(t *testing.T) {
	obs, err := New(nil, testLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if obs != nil {
		t.Fatal("nil config should produce nil Observability")
	}
	// The nil facade must stay usable.
	obs.Metrics().SubmissionReceived("default")
	obs.Metrics().SandboxRun(true, time.Second)
	obs.Shutdown(context.Background())
	if s := obs.HealthOrNil().CheckReady(context.Background()); s.Status != "ok" {
		t.Errorf("nil health checker status = %q", s.Status)
	}
}

func TestSubmissionMetrics(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
	}, testLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	m := obs.Metrics()
	if m == nil {
		t.Fatal("metrics enabled but collector is nil")
	}

	m.SubmissionReceived("default")
	m.SubmissionReceived("default")
	m.SubmissionCompleted("default", "scored", 2*time.Second)
	m.SubmissionCompleted("default", "DECOMPRESSION_MISMATCH", time.Second)

	received := gather(t, m, "arena_submissions_received_total")
	if len(received) != 1 || received[0].GetCounter().GetValue() != 2 {
		t.Errorf("received = %+v, want one series at 2", received)
	}

	completed := gather(t, m, "arena_submissions_completed_total")
	if len(completed) != 2 {
		t.Fatalf("completed series = %d, want 2", len(completed))
	}
	for _, metric := range completed {
		labels := labelMap(metric)
		if labels["challenge"] != "default" {
			t.Errorf("labels = %v", labels)
		}
		switch labels["outcome"] {
		case "scored", "DECOMPRESSION_MISMATCH":
		default:
			t.Errorf("unexpected outcome label %q", labels["outcome"])
		}
	}

	durations := gather(t, m, "arena_submissions_evaluation_duration_seconds")
	if len(durations) != 1 || durations[0].GetHistogram().GetSampleCount() != 2 {
		t.Errorf("duration histogram = %+v, want 2 samples", durations)
	}
}

func TestSandboxAndQueueMetrics(t *testing.T) {
	m := NewMetricsCollector()

	m.SandboxRun(true, 100*time.Millisecond)
	m.SandboxRun(false, time.Second)
	m.SetQueueDepth(7)
	m.RateLimitRejected("default")

	for _, metric := range gather(t, m, "arena_sandbox_executions_total") {
		labels := labelMap(metric)
		if labels["status"] != "success" && labels["status"] != "error" {
			t.Errorf("labels = %v", labels)
		}
		if metric.GetCounter().GetValue() != 1 {
			t.Errorf("count = %v, want 1", metric.GetCounter().GetValue())
		}
	}

	depth := gather(t, m, "arena_pipeline_queue_depth")
	if len(depth) != 1 || depth[0].GetGauge().GetValue() != 7 {
		t.Errorf("queue depth = %+v, want 7", depth)
	}

	rejections := gather(t, m, "arena_ratelimit_rejections_total")
	if len(rejections) != 1 || rejections[0].GetCounter().GetValue() != 1 {
		t.Errorf("rejections = %+v, want 1", rejections)
	}
}

func TestHealthChecker(t *testing.T) {
	h := NewHealthChecker(testLogger())

	if s := h.CheckReady(context.Background()); s.Status != "ok" {
		t.Errorf("no probes: status = %q", s.Status)
	}

	h.AddCheck("db", func(ctx context.Context) error { return nil })
	h.AddCheck("python", func(ctx context.Context) error { return errors.New("interpreter missing") })

	s := h.CheckReady(context.Background())
	if s.Status != "degraded" {
		t.Errorf("status = %q, want degraded", s.Status)
	}
	if s.Checks["db"].Status != "ok" {
		t.Errorf("db check = %+v", s.Checks["db"])
	}
	if s.Checks["python"].Status != "fail" || s.Checks["python"].Message == "" {
		t.Errorf("python check = %+v", s.Checks["python"])
	}

	if s := h.CheckHealth(); s.Status != "ok" {
		t.Errorf("liveness = %q", s.Status)
	}
}
