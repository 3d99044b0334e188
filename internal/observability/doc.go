// Package observability provides production-grade observability infrastructure
// including structured logging and Prometheus metrics.
//
// This package centralizes observability concerns to enable:
//   - Structured logging with consistent configuration
//   - Prometheus metrics for the recovery, monitor, and health subsystems
//   - Operational visibility without touching the control-loop hot paths
//
// Subpackages:
//   - logging: Structured logging utilities with slog
//   - metrics: Prometheus metrics registry and recorders
//
// Example usage:
//
//	import (
//	    "storyguard/internal/observability/logging"
//	    "storyguard/internal/observability/metrics"
//	)
//
//	func main() {
//	    logger := logging.NewLogger()
//	    logger.Info("guardian started")
//
//	    metrics.RecordErrorReported("stt", "high")
//	}
package observability
