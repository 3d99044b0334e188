// Package breaker provides the per-service circuit breaker bank used by the
// error recovery engine to stop recovery attempts against services that keep
// failing.
//
// The transition rule differs from ratio-based breakers: the failure counter
// is consecutive-ish (incremented on failure, decremented with a floor of
// zero on success), and an open breaker closes purely by timeout. No
// half-open probe request is issued before closing.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"storyguard/internal/observability/metrics"
)

// Clock provides time abstraction for testing.
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock using the system time.
type SystemClock struct{}

// Now returns the current system time.
func (c *SystemClock) Now() time.Time { return time.Now() }

// Config holds the configuration for the breaker bank.
type Config struct {
	// Threshold is the failure count at which a service's breaker opens.
	// Default: 5
	Threshold int

	// Timeout is how long an open breaker stays open after the last failure
	// before it self-resets to closed on the next query.
	// Default: 30 seconds
	Timeout time.Duration

	// Clock provides time abstraction for testing.
	// Default: SystemClock
	Clock Clock
}

// DefaultConfig returns the default breaker bank configuration.
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Timeout:   30 * time.Second,
	}
}

// State is a point-in-time copy of one service's breaker state.
type State struct {
	Failures    int
	LastFailure time.Time
	Open        bool
}

// serviceState is the mutable per-service record. Only the Bank touches it,
// under the Bank's mutex.
type serviceState struct {
	failures    int
	lastFailure time.Time
	open        bool
}

// Bank holds one breaker per service. Breakers are created lazily on the
// first failure for a service and are never destroyed except by Reset.
type Bank struct {
	mu       sync.Mutex
	cfg      Config
	logger   *slog.Logger
	services map[string]*serviceState
}

// NewBank creates a breaker bank with the given configuration.
// Zero-valued config fields are replaced with defaults.
func NewBank(cfg Config, logger *slog.Logger) *Bank {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = &SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Bank{
		cfg:      cfg,
		logger:   logger,
		services: make(map[string]*serviceState),
	}
}

// RecordFailure records a failed operation for a service. If the failure
// count reaches the threshold, the service's breaker opens.
func (b *Bank) RecordFailure(service string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state(service)
	st.failures++
	st.lastFailure = b.cfg.Clock.Now()

	if st.failures >= b.cfg.Threshold && !st.open {
		st.open = true
		metrics.RecordBreakerState(service, true)
		b.logger.Warn("circuit breaker opened",
			slog.String("service", service),
			slog.Int("failures", st.failures),
			slog.Duration("timeout", b.cfg.Timeout))
	}
}

// RecordSuccess records a successful operation for a service, decrementing
// the failure counter with a floor of zero.
func (b *Bank) RecordSuccess(service string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state(service)
	if st.failures > 0 {
		st.failures--
	}
}

// IsOpen reports whether the breaker for a service is open. The timeout
// reset is applied first: if the breaker has been open longer than the
// configured timeout since the last failure, it closes (failures reset to
// zero) before the answer is computed.
func (b *Bank) IsOpen(service string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.services[service]
	if !ok {
		return false
	}

	b.applyTimeoutReset(service, st)
	return st.open
}

// Snapshot returns a copy of one service's breaker state. The second return
// value is false if no breaker exists for the service yet. The timeout reset
// applies before the copy, as with IsOpen.
func (b *Bank) Snapshot(service string) (State, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.services[service]
	if !ok {
		return State{}, false
	}

	b.applyTimeoutReset(service, st)
	return State{Failures: st.failures, LastFailure: st.lastFailure, Open: st.open}, true
}

// Snapshots returns a copy of every tracked service's breaker state.
func (b *Bank) Snapshots() map[string]State {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]State, len(b.services))
	for service, st := range b.services {
		b.applyTimeoutReset(service, st)
		out[service] = State{Failures: st.failures, LastFailure: st.lastFailure, Open: st.open}
	}
	return out
}

// OpenCount returns the number of currently open breakers.
func (b *Bank) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for service, st := range b.services {
		b.applyTimeoutReset(service, st)
		if st.open {
			n++
		}
	}
	return n
}

// Reset clears all breaker state. Useful for tests and manual intervention.
func (b *Bank) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for service := range b.services {
		metrics.RecordBreakerState(service, false)
	}
	b.services = make(map[string]*serviceState)
}

// UpdateConfig applies a new threshold and timeout at runtime. Invalid
// values are ignored field by field, keeping the previous setting.
func (b *Bank) UpdateConfig(threshold int, timeout time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if threshold > 0 {
		b.cfg.Threshold = threshold
	}
	if timeout > 0 {
		b.cfg.Timeout = timeout
	}
}

// state returns the record for a service, creating it if needed.
// Caller must hold b.mu.
func (b *Bank) state(service string) *serviceState {
	st, ok := b.services[service]
	if !ok {
		st = &serviceState{}
		b.services[service] = st
	}
	return st
}

// applyTimeoutReset closes an open breaker whose timeout has elapsed since
// the last failure. Caller must hold b.mu.
func (b *Bank) applyTimeoutReset(service string, st *serviceState) {
	if !st.open {
		return
	}
	if b.cfg.Clock.Now().Sub(st.lastFailure) > b.cfg.Timeout {
		st.open = false
		st.failures = 0
		metrics.RecordBreakerState(service, false)
		b.logger.Info("circuit breaker closed after timeout",
			slog.String("service", service),
			slog.Duration("timeout", b.cfg.Timeout))
	}
}
