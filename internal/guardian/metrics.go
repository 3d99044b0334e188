package guardian

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"storyguard/internal/pkg/config"
)

// Metrics provides daemon-level Prometheus metrics. It embeds the standard
// ConfigMetrics for configuration monitoring and adds stats-report tracking.
type Metrics struct {
	*config.ConfigMetrics

	// StatsReportRunsTotal counts scheduled stats report runs by status.
	StatsReportRunsTotal *prometheus.CounterVec

	// StatsReportDurationSeconds measures stats report duration.
	StatsReportDurationSeconds prometheus.Histogram

	// UptimeSeconds tracks daemon uptime.
	UptimeSeconds prometheus.Gauge
}

// NewMetrics creates the guardian metrics. Registration happens via
// promauto at creation time.
func NewMetrics() *Metrics {
	return &Metrics{
		ConfigMetrics: config.NewConfigMetrics("guardian"),

		StatsReportRunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_stats_report_runs_total",
			Help: "Total number of scheduled stats report runs by status",
		}, []string{"status"}),

		StatsReportDurationSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "guardian_stats_report_duration_seconds",
			Help:    "Duration of stats report generation in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		UptimeSeconds: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "guardian_uptime_seconds",
			Help: "Seconds since the guardian daemon started",
		}),
	}
}

// RecordStatsReport records one stats report run.
func (m *Metrics) RecordStatsReport(status string, seconds float64) {
	m.StatsReportRunsTotal.WithLabelValues(status).Inc()
	m.StatsReportDurationSeconds.Observe(seconds)
}
