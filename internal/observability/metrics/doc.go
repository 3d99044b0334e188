// Package metrics provides Prometheus metrics registry and recording utilities.
//
// This package centralizes all application metrics including:
//   - Recovery engine metrics (error reports, recovery outcomes, breaker state)
//   - Resource monitor metrics (memory, CPU, audio buffer, threshold breaches)
//   - Health aggregator metrics (overall health, optimization triggers)
//   - Signal bus metrics (emissions, webhook forwarding)
//
// All metrics are automatically registered with the Prometheus default registry
// and exposed via the /metrics endpoint.
//
// Example usage:
//
//	import "storyguard/internal/observability/metrics"
//
//	func report(service, severity string) {
//	    metrics.RecordErrorReported(service, severity)
//	}
package metrics
