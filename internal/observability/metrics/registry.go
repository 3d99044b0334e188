// Package metrics provides centralized Prometheus metrics for the application.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recovery metrics track error reports and recovery outcomes
var (
	// ErrorsReportedTotal counts reported errors by service and severity
	ErrorsReportedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recovery_errors_reported_total",
			Help: "Total number of errors reported to the recovery engine",
		},
		[]string{"service", "severity"},
	)

	// RecoveriesAttemptedTotal counts recovery strategy executions
	RecoveriesAttemptedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recovery_attempts_total",
			Help: "Total number of recovery strategy executions",
		},
		[]string{"strategy"},
	)

	// RecoveriesSucceededTotal counts successful recovery strategy executions
	RecoveriesSucceededTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recovery_successes_total",
			Help: "Total number of successful recovery strategy executions",
		},
		[]string{"strategy"},
	)

	// BreakerOpen tracks circuit breaker state per service (1 = open, 0 = closed)
	BreakerOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "recovery_breaker_open",
			Help: "Circuit breaker state per service (1 = open, 0 = closed)",
		},
		[]string{"service"},
	)

	// ErrorHistorySize tracks the current length of the error history ring
	ErrorHistorySize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "recovery_error_history_size",
			Help: "Current number of entries in the error history ring",
		},
	)
)

// Resource metrics track sampled system resources
var (
	// MemoryUsedBytes tracks sampled memory usage in bytes
	MemoryUsedBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "monitor_memory_used_bytes",
			Help: "Sampled memory usage in bytes",
		},
	)

	// MemoryPercent tracks sampled memory usage as a percentage
	MemoryPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "monitor_memory_percent",
			Help: "Sampled memory usage as a percentage of total",
		},
	)

	// CPUPercent tracks sampled CPU usage as a percentage
	CPUPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "monitor_cpu_percent",
			Help: "Sampled CPU usage percentage",
		},
	)

	// AudioBufferSize tracks the current audio buffer size
	AudioBufferSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "monitor_audio_buffer_size",
			Help: "Current audio buffer size in frames",
		},
	)

	// ResourceWarningsTotal counts threshold breaches by resource and level
	ResourceWarningsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_resource_warnings_total",
			Help: "Total number of resource threshold breaches",
		},
		[]string{"resource", "level"},
	)
)

// Health metrics track aggregated system health
var (
	// HealthOverall tracks overall system health (0 = healthy, 1 = degraded, 2 = critical)
	HealthOverall = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "health_overall",
			Help: "Overall system health (0 = healthy, 1 = degraded, 2 = critical)",
		},
	)

	// HealthChecksTotal counts health check ticks
	HealthChecksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "health_checks_total",
			Help: "Total number of health check ticks",
		},
	)

	// OptimizationsTriggeredTotal counts optimization trigger invocations by action
	OptimizationsTriggeredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "health_optimizations_triggered_total",
			Help: "Total number of optimization actions triggered",
		},
		[]string{"action"},
	)
)

// Signal metrics track outbound signal traffic
var (
	// SignalsEmittedTotal counts emitted signals by type
	SignalsEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signals_emitted_total",
			Help: "Total number of signals emitted on the bus",
		},
		[]string{"type"},
	)

	// SignalsForwardedTotal counts webhook forwarding attempts by result
	SignalsForwardedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signals_forwarded_total",
			Help: "Total number of signals forwarded to the collaborator webhook",
		},
		[]string{"result"}, // result: success, error, breaker_open, rate_limited
	)
)

// RecordErrorReported records a reported error with its metadata
func RecordErrorReported(service, severity string) {
	ErrorsReportedTotal.WithLabelValues(service, severity).Inc()
}

// RecordRecoveryAttempt records a recovery strategy execution and its outcome
func RecordRecoveryAttempt(strategy string, succeeded bool) {
	RecoveriesAttemptedTotal.WithLabelValues(strategy).Inc()
	if succeeded {
		RecoveriesSucceededTotal.WithLabelValues(strategy).Inc()
	}
}

// RecordBreakerState records the open/closed state of a service breaker
func RecordBreakerState(service string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	BreakerOpen.WithLabelValues(service).Set(v)
}

// RecordResourceWarning records a threshold breach
func RecordResourceWarning(resource, level string) {
	ResourceWarningsTotal.WithLabelValues(resource, level).Inc()
}

// RecordSignalEmitted records a signal published on the bus
func RecordSignalEmitted(signalType string) {
	SignalsEmittedTotal.WithLabelValues(signalType).Inc()
}
