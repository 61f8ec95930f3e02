// Package metrics provides the scheduler's and agent's Prometheus metric collectors, grounded on
// infrastructure/metrics/metrics.go's NewWithRegistry-plus-global-singleton shape, re-keyed from
// HTTP/blockchain/database metrics to the task-dispatch/verification/policy/sandbox metrics named
// in spec §8's testable properties.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector exposed by the scheduler and agent processes.
type Metrics struct {
	TasksDispatchedTotal *prometheus.CounterVec
	TasksSubmittedTotal  *prometheus.CounterVec
	TasksVerifiedTotal   *prometheus.CounterVec
	PolicyDecisionsTotal *prometheus.CounterVec
	SandboxExecutionsTotal *prometheus.CounterVec
	SandboxDuration        *prometheus.HistogramVec

	QueueDepth        *prometheus.GaugeVec
	BroadcasterVersion prometheus.Gauge
	ReputationGauge    *prometheus.GaugeVec

	DatabaseQueriesTotal  *prometheus.CounterVec
	DatabaseQueryDuration *prometheus.HistogramVec

	ErrorsTotal   *prometheus.CounterVec
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a Metrics instance registered against the default Prometheus registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against an arbitrary registerer, letting
// tests use a fresh prometheus.NewRegistry() to avoid collisions with the process-global default.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksDispatchedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasks_dispatched_total",
				Help: "Total number of tasks handed out via request_batch",
			},
			[]string{"project", "task_type"},
		),
		TasksSubmittedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasks_submitted_total",
				Help: "Total number of task results submitted by agents",
			},
			[]string{"project", "result_status"},
		),
		TasksVerifiedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasks_verified_total",
				Help: "Total number of task results classified by the verifier",
			},
			[]string{"project", "classification"},
		),
		PolicyDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policy_decisions_total",
				Help: "Total number of policy engine decisions",
			},
			[]string{"kind", "decision"},
		),
		SandboxExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_executions_total",
				Help: "Total number of sandbox executions by outcome",
			},
			[]string{"outcome"},
		),
		SandboxDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sandbox_execution_duration_seconds",
				Help:    "Sandbox execution wall-clock duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"task_type"},
		),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "task_queue_depth",
				Help: "Current number of queued tasks per project",
			},
			[]string{"project"},
		),
		BroadcasterVersion: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "broadcaster_snapshot_version",
				Help: "Monotonic version number of the live summary snapshot",
			},
		),
		ReputationGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agent_reputation_score",
				Help: "Current reputation score per device",
			},
			[]string{"device_id"},
		),

		DatabaseQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "database_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"service", "operation", "status"},
		),
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "database_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "operation"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "code", "operation"},
		),
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.TasksDispatchedTotal,
			m.TasksSubmittedTotal,
			m.TasksVerifiedTotal,
			m.PolicyDecisionsTotal,
			m.SandboxExecutionsTotal,
			m.SandboxDuration,
			m.QueueDepth,
			m.BroadcasterVersion,
			m.ReputationGauge,
			m.DatabaseQueriesTotal,
			m.DatabaseQueryDuration,
			m.ErrorsTotal,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0").Set(1)
	return m
}

func (m *Metrics) RecordDispatch(project, taskType string, count int) {
	m.TasksDispatchedTotal.WithLabelValues(project, taskType).Add(float64(count))
}

func (m *Metrics) RecordSubmission(project, resultStatus string) {
	m.TasksSubmittedTotal.WithLabelValues(project, resultStatus).Inc()
}

func (m *Metrics) RecordVerification(project, classification string) {
	m.TasksVerifiedTotal.WithLabelValues(project, classification).Inc()
}

func (m *Metrics) RecordPolicyDecision(kind, decision string) {
	m.PolicyDecisionsTotal.WithLabelValues(kind, decision).Inc()
}

func (m *Metrics) RecordSandboxExecution(outcome, taskType string, duration time.Duration) {
	m.SandboxExecutionsTotal.WithLabelValues(outcome).Inc()
	m.SandboxDuration.WithLabelValues(taskType).Observe(duration.Seconds())
}

func (m *Metrics) SetQueueDepth(project string, depth int) {
	m.QueueDepth.WithLabelValues(project).Set(float64(depth))
}

func (m *Metrics) SetBroadcasterVersion(version uint64) {
	m.BroadcasterVersion.Set(float64(version))
}

func (m *Metrics) SetReputation(deviceID string, score int) {
	m.ReputationGauge.WithLabelValues(deviceID).Set(float64(score))
}

func (m *Metrics) RecordDatabaseQuery(service, operation, status string, duration time.Duration) {
	m.DatabaseQueriesTotal.WithLabelValues(service, operation, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

func (m *Metrics) RecordError(service, code, operation string) {
	m.ErrorsTotal.WithLabelValues(service, code, operation).Inc()
}

func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// Enabled reports whether Prometheus metrics should be exposed, mirroring the teacher's
// env-driven default (infrastructure/metrics.Enabled), simplified since this spec has no
// environment-tier concept of its own.
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return true
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the process-global Metrics instance exactly once.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the process-global Metrics instance, initializing it lazily if necessary.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
