// Package recovery implements the adaptive error recovery engine: it records
// error reports, consults the per-service circuit breaker bank, and runs
// matching recovery strategies in priority order.
package recovery

import (
	"strings"
	"time"
)

// Severity classifies how serious an error report is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether the severity is one of the known levels.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// ErrorContext is one recorded error report. It carries everything a
// strategy needs to decide applicability and act.
type ErrorContext struct {
	// Service is the reporting service ("stt", "audio", "network", ...).
	Service string

	// Operation is the operation that failed within the service.
	Operation string

	// Err is the reported error.
	Err error

	// Severity is the reporter's classification of the failure.
	Severity Severity

	// Timestamp is when the report was recorded.
	Timestamp time.Time

	// RetryCount is the number of reports for the same service and
	// operation within the trailing retry window, computed at report time.
	RetryCount int

	// Recoverable indicates the error message matched a known transient
	// failure pattern.
	Recoverable bool

	// Metadata carries reporter-supplied context, passed through to
	// strategies and callbacks unmodified.
	Metadata map[string]any
}

// recoverableKeywords are the message substrings that mark an error as a
// transient, recoverable failure. Matching is case-insensitive.
var recoverableKeywords = []string{
	"network",
	"timeout",
	"fetch",
	"audio",
	"context",
	"memory",
	"temporary",
	"transient",
	"rate limit",
}

// IsRecoverable reports whether the error message suggests a transient
// failure worth attempting recovery for. A nil error is not recoverable.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range recoverableKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}
