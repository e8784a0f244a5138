package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "officebus"

// MetricsCollector holds all Prometheus metrics for the bus.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Lifecycle metrics.
	ActionsSubmittedTotal       *prometheus.CounterVec
	ActionsResolvedTotal        *prometheus.CounterVec
	ConfirmationsRequestedTotal *prometheus.CounterVec
	HandlerFailuresTotal        *prometheus.CounterVec

	// Orchestrator metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests   prometheus.Gauge
	WebSocketClients prometheus.Gauge

	taskTypes *taskTypeSet
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry:  reg,
		taskTypes: newTaskTypeSet(DefaultMaxTaskTypes),

		ActionsSubmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actions",
			Name:      "submitted_total",
			Help:      "Total actions submitted, by declared risk tier.",
		}, []string{"tier"}),

		ActionsResolvedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actions",
			Name:      "resolved_total",
			Help:      "Total terminal action outcomes.",
		}, []string{"tier", "status"}),

		ConfirmationsRequestedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actions",
			Name:      "confirmations_requested_total",
			Help:      "Total confirmation or authorization requests.",
		}, []string{"tier"}),

		HandlerFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "handler_failures_total",
			Help:      "Event handler errors and panics contained by the event channel.",
		}, []string{"event"}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "executions_total",
			Help:      "Total orchestrator execution requests.",
		}, []string{"task_type", "status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "execution_duration_seconds",
			Help:      "Orchestrator execution request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"task_type"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		WebSocketClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "clients",
			Help:      "Number of connected event stream clients.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.ActionsSubmittedTotal,
		m.ActionsResolvedTotal,
		m.ConfirmationsRequestedTotal,
		m.HandlerFailuresTotal,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
		m.WebSocketClients,
	)

	return m
}

// WithMaxTaskTypes sets how many distinct task_type label values are kept
// before new ones are counted as OtherTaskType. n <= 0 keeps the default.
func (m *MetricsCollector) WithMaxTaskTypes(n int) *MetricsCollector {
	if n > 0 {
		m.taskTypes = newTaskTypeSet(n)
	}
	return m
}

// TaskTypeLabel returns the task_type label value for taskType.
func (m *MetricsCollector) TaskTypeLabel(taskType string) string {
	return m.taskTypes.admit(taskType)
}

// ObservePending exposes the pending store size as a gauge read at scrape time.
func (m *MetricsCollector) ObservePending(count func() int) {
	if m == nil {
		return
	}
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "actions",
		Name:      "pending",
		Help:      "Actions awaiting a confirmation or authorization decision.",
	}, func() float64 { return float64(count()) }))
}
