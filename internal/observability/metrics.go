package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for the arena.
// Uses a custom registry — no global state. All recording methods are
// nil-safe so disabled metrics cost a single nil check.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Submission metrics.
	SubmissionsReceivedTotal  *prometheus.CounterVec
	SubmissionsCompletedTotal *prometheus.CounterVec
	EvaluationDuration        *prometheus.HistogramVec

	// Sandbox metrics.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration prometheus.Histogram

	// Admission metrics.
	RateLimitRejectionsTotal *prometheus.CounterVec
	QueueDepth               prometheus.Gauge

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics
// registered on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SubmissionsReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arena",
			Subsystem: "submissions",
			Name:      "received_total",
			Help:      "Total submissions admitted into the pipeline.",
		}, []string{"challenge"}),

		SubmissionsCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arena",
			Subsystem: "submissions",
			Name:      "completed_total",
			Help:      "Total submissions reaching a terminal state.",
		}, []string{"challenge", "outcome"}),

		EvaluationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "arena",
			Subsystem: "submissions",
			Name:      "evaluation_duration_seconds",
			Help:      "Claim-to-terminal evaluation duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}, []string{"challenge"}),

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arena",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox runs.",
		}, []string{"status"}),

		SandboxExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "arena",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox run duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}),

		RateLimitRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arena",
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Submissions rejected by the rate limiter.",
		}, []string{"challenge"}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arena",
			Subsystem: "pipeline",
			Name:      "queue_depth",
			Help:      "Submissions currently waiting in the evaluation queue.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arena",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "arena",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arena",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.SubmissionsReceivedTotal,
		m.SubmissionsCompletedTotal,
		m.EvaluationDuration,
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.RateLimitRejectionsTotal,
		m.QueueDepth,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// SubmissionReceived counts an admitted submission.
func (m *MetricsCollector) SubmissionReceived(challenge string) {
	if m == nil {
		return
	}
	m.SubmissionsReceivedTotal.WithLabelValues(challenge).Inc()
}

// SubmissionCompleted counts a terminal submission and observes its
// evaluation time. outcome is "scored" or the error code.
func (m *MetricsCollector) SubmissionCompleted(challenge, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.SubmissionsCompletedTotal.WithLabelValues(challenge, outcome).Inc()
	m.EvaluationDuration.WithLabelValues(challenge).Observe(took.Seconds())
}

// SandboxRun counts one sandbox execution.
func (m *MetricsCollector) SandboxRun(ok bool, took time.Duration) {
	if m == nil {
		return
	}
	status := "error"
	if ok {
		status = "success"
	}
	m.SandboxExecutionsTotal.WithLabelValues(status).Inc()
	m.SandboxExecutionDuration.Observe(took.Seconds())
}

// RateLimitRejected counts a rate-limited submission attempt.
func (m *MetricsCollector) RateLimitRejected(challenge string) {
	if m == nil {
		return
	}
	m.RateLimitRejectionsTotal.WithLabelValues(challenge).Inc()
}

// SetQueueDepth records the evaluation queue depth.
func (m *MetricsCollector) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}
