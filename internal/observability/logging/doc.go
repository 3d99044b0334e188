// Package logging provides structured logging utilities with context propagation.
//
// This package wraps the standard library's log/slog package with helper functions
// for common logging patterns used throughout the application.
//
// Key features:
//   - JSON output for production, colorized text output for development
//   - Context-aware logging
//   - Configurable log levels
//
// Example usage:
//
//	import "storyguard/internal/observability/logging"
//
//	func main() {
//	    logger := logging.NewLogger()
//	    logger.Info("guardian started", slog.String("version", "1.0"))
//	}
package logging
