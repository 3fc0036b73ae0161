// Package metrics exposes conductor's Prometheus instrumentation: a struct
// of vectors built once behind its own registry, nil-receiver-safe
// Record*/Inc*/Dec* methods (so instrumentation call sites never need a nil
// check), and a Handler() for serving /metrics. Covers sessions acquired,
// tool calls, task dispatch latency, and progress-stream duration.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/histogram/gauge this module records. A nil
// *Metrics is valid and every method on it is a no-op, so callers can wire
// metrics in optionally without branching at every call site.
type Metrics struct {
	registry *prometheus.Registry

	sessionsAcquired *prometheus.CounterVec
	sessionsActive   *prometheus.GaugeVec
	sessionsReleased *prometheus.CounterVec

	toolCalls        *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec
	toolErrors       *prometheus.CounterVec

	taskDispatchDuration *prometheus.HistogramVec
	tasksDispatched      *prometheus.CounterVec

	progressStreamDuration *prometheus.HistogramVec
}

// New builds a Metrics instance with its own private registry.
func New(namespace string) *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.sessionsAcquired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "pool", Name: "sessions_acquired_total",
		Help: "Total number of sessions acquired from the session pool.",
	}, []string{"workspace"})

	m.sessionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "pool", Name: "sessions_active",
		Help: "Number of sessions currently held by the pool.",
	}, []string{"workspace"})

	m.sessionsReleased = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "pool", Name: "sessions_released_total",
		Help: "Total number of session releases processed by the session pool.",
	}, []string{"workspace"})

	m.toolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "toolregistry", Name: "calls_total",
		Help: "Total number of tool invocations dispatched by the tool registry.",
	}, []string{"tool"})

	m.toolCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "toolregistry", Name: "call_duration_seconds",
		Help:    "Tool invocation duration in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
	}, []string{"tool"})

	m.toolErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "toolregistry", Name: "errors_total",
		Help: "Total number of tool invocations that returned an error.",
	}, []string{"tool"})

	m.taskDispatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "orchestrator", Name: "task_dispatch_duration_seconds",
		Help:    "Time to dispatch and complete one ready batch of tasks.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~204s
	}, []string{"worker_role", "status"})

	m.tasksDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "orchestrator", Name: "tasks_dispatched_total",
		Help: "Total number of tasks dispatched, by terminal status.",
	}, []string{"worker_role", "status"})

	m.progressStreamDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "upstream", Name: "progress_stream_duration_seconds",
		Help:    "Time spent draining one conversation turn's progress stream.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~819s
	}, []string{"kind"})

	m.registry.MustRegister(
		m.sessionsAcquired, m.sessionsActive, m.sessionsReleased,
		m.toolCalls, m.toolCallDuration, m.toolErrors,
		m.taskDispatchDuration, m.tasksDispatched,
		m.progressStreamDuration,
	)

	return m
}

// Handler serves the registry's metrics in the Prometheus exposition
// format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSessionAcquired records one Pool.Acquire call for workspace.
func (m *Metrics) RecordSessionAcquired(workspace string) {
	if m == nil {
		return
	}
	m.sessionsAcquired.WithLabelValues(workspace).Inc()
	m.sessionsActive.WithLabelValues(workspace).Inc()
}

// RecordSessionReleased records one Pool.Release call for workspace.
func (m *Metrics) RecordSessionReleased(workspace string) {
	if m == nil {
		return
	}
	m.sessionsReleased.WithLabelValues(workspace).Inc()
	m.sessionsActive.WithLabelValues(workspace).Dec()
}

// RecordToolCall records one tool registry invocation.
func (m *Metrics) RecordToolCall(tool string, duration time.Duration, isError bool) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool).Inc()
	m.toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if isError {
		m.toolErrors.WithLabelValues(tool).Inc()
	}
}

// RecordTaskDispatch records the time taken to dispatch and complete one
// ready batch for workerRole, and its terminal status.
func (m *Metrics) RecordTaskDispatch(workerRole, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.taskDispatchDuration.WithLabelValues(workerRole, status).Observe(duration.Seconds())
	m.tasksDispatched.WithLabelValues(workerRole, status).Inc()
}

// RecordProgressStream records how long one progress stream of the given
// kind (e.g. "agent", "chat") took to drain fully.
func (m *Metrics) RecordProgressStream(kind string, duration time.Duration) {
	if m == nil {
		return
	}
	m.progressStreamDuration.WithLabelValues(kind).Observe(duration.Seconds())
}
