package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"storyguard/internal/observability/metrics"
	"storyguard/internal/resilience/breaker"
	"storyguard/internal/signal"
)

// retryWindow is the trailing window over which reports for the same
// service and operation count toward RetryCount.
const retryWindow = 60 * time.Second

// historyTrimSlack is how far below MaxHistorySize the history is trimmed
// on overflow, so trimming happens in batches rather than on every report.
const historyTrimSlack = 10

// Config holds the configuration for the recovery engine.
type Config struct {
	// MaxRetryAttempts caps engine-level retries per report.
	// Default: 3
	MaxRetryAttempts int

	// RetryDelay is the base delay for backoff strategies.
	// Default: 1 second
	RetryDelay time.Duration

	// ExponentialBackoff doubles the delay per prior retry when true.
	// Default: true
	ExponentialBackoff bool

	// MaxBackoff caps the backoff delay.
	// Default: 30 seconds
	MaxBackoff time.Duration

	// BreakerThreshold is the failure count at which a service's circuit
	// breaker opens.
	// Default: 5
	BreakerThreshold int

	// BreakerTimeout is how long an open breaker stays open.
	// Default: 30 seconds
	BreakerTimeout time.Duration

	// EnableAutoRecovery controls whether strategies run at all. When
	// false, Report only records history and breaker state.
	// Default: true
	EnableAutoRecovery bool

	// LogAllErrors logs every report, not just the ones that trigger
	// recovery.
	// Default: true
	LogAllErrors bool

	// MaxHistorySize bounds the in-memory error history.
	// Default: 100
	MaxHistorySize int

	// Clock provides time abstraction for testing.
	// Default: SystemClock
	Clock breaker.Clock
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetryAttempts:   3,
		RetryDelay:         time.Second,
		ExponentialBackoff: true,
		MaxBackoff:         30 * time.Second,
		BreakerThreshold:   5,
		BreakerTimeout:     30 * time.Second,
		EnableAutoRecovery: true,
		LogAllErrors:       true,
		MaxHistorySize:     100,
	}
}

// normalize replaces invalid config fields with defaults.
func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = def.MaxRetryAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = def.BreakerThreshold
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = def.BreakerTimeout
	}
	if c.MaxHistorySize <= 0 {
		c.MaxHistorySize = def.MaxHistorySize
	}
	return c
}

// Callback observes every processed report. The bool argument is whether a
// strategy recovered the error.
type Callback func(ec ErrorContext, recovered bool)

// Stats is a point-in-time summary of engine activity.
type Stats struct {
	TotalReported    int64          `json:"total_reported"`
	TotalRecovered   int64          `json:"total_recovered"`
	RecoveryRate     float64        `json:"recovery_rate"`
	HistorySize      int            `json:"history_size"`
	ErrorsByService  map[string]int `json:"errors_by_service"`
	ErrorsBySeverity map[string]int `json:"errors_by_severity"`
	OpenBreakers     int            `json:"open_breakers"`
}

// Engine is the error recovery engine. It is safe for concurrent use; the
// engine mutex is never held while a strategy executes.
type Engine struct {
	mu        sync.Mutex
	cfg       Config
	logger    *slog.Logger
	bank      *breaker.Bank
	registry  *Registry
	emitter   signal.Emitter
	history   []ErrorContext
	callbacks map[string]Callback

	reported  int64
	recovered int64
}

// NewEngine creates a recovery engine with the four built-in strategies
// registered. Zero-valued config fields are replaced with defaults.
func NewEngine(cfg Config, emitter signal.Emitter, logger *slog.Logger) *Engine {
	cfg = cfg.normalize()
	if cfg.Clock == nil {
		cfg.Clock = &breaker.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		cfg:    cfg,
		logger: logger,
		bank: breaker.NewBank(breaker.Config{
			Threshold: cfg.BreakerThreshold,
			Timeout:   cfg.BreakerTimeout,
			Clock:     cfg.Clock,
		}, logger),
		registry:  NewRegistry(),
		emitter:   emitter,
		callbacks: make(map[string]Callback),
	}

	registerBuiltins(e.registry, emitter, e.backoffParams, logger)
	return e
}

// Registry exposes the strategy registry for custom strategy registration.
func (e *Engine) Registry() *Registry { return e.registry }

// Breakers exposes the circuit breaker bank.
func (e *Engine) Breakers() *breaker.Bank { return e.bank }

// Report records an error and attempts recovery. It returns true when a
// strategy recovered the error. Report never panics and never blocks on
// callbacks; it does block while a strategy executes (backoff waits respect
// the context).
func (e *Engine) Report(ctx context.Context, service, operation string, err error, severity Severity, metadata map[string]any) bool {
	if !severity.Valid() {
		severity = SeverityMedium
	}

	now := e.clockNow()
	ec := ErrorContext{
		Service:     service,
		Operation:   operation,
		Err:         err,
		Severity:    severity,
		Timestamp:   now,
		Recoverable: IsRecoverable(err),
		Metadata:    metadata,
	}

	e.mu.Lock()
	ec.RetryCount = e.countRecentLocked(service, operation, now)
	logAll := e.cfg.LogAllErrors
	autoRecover := e.cfg.EnableAutoRecovery
	e.mu.Unlock()

	metrics.RecordErrorReported(service, string(severity))
	if logAll {
		e.logger.Info("error reported",
			slog.String("service", service),
			slog.String("operation", operation),
			slog.String("severity", string(severity)),
			slog.Bool("recoverable", ec.Recoverable),
			slog.Int("retry_count", ec.RetryCount),
			slog.String("error", errMessage(ec)))
	}

	// An open breaker short-circuits recovery: the report is still recorded
	// but no strategy runs and the failure does not count again.
	if e.bank.IsOpen(service) {
		e.appendHistory(ec)
		e.logger.Debug("recovery skipped, circuit breaker open",
			slog.String("service", service))
		e.notifyCallbacks(ec, false)
		return false
	}

	e.bank.RecordFailure(service)
	e.appendHistory(ec)

	recovered := false
	if autoRecover && ec.Recoverable {
		recovered = e.attemptRecovery(ctx, ec)
	}

	if recovered {
		e.bank.RecordSuccess(service)
		e.mu.Lock()
		e.recovered++
		e.mu.Unlock()
	}

	e.notifyCallbacks(ec, recovered)
	return recovered
}

// attemptRecovery runs applicable strategies in priority order until one
// succeeds. Strategy panics and errors move on to the next strategy.
func (e *Engine) attemptRecovery(ctx context.Context, ec ErrorContext) bool {
	for _, s := range e.registry.Applicable(ec) {
		if ec.RetryCount >= s.MaxRetries {
			e.logger.Debug("strategy retry budget exhausted",
				slog.String("strategy", s.ID),
				slog.Int("retry_count", ec.RetryCount),
				slog.Int("max_retries", s.MaxRetries))
			continue
		}

		ok, err := e.executeStrategy(ctx, s, ec)
		metrics.RecordRecoveryAttempt(s.ID, ok)
		if err != nil {
			e.logger.Warn("recovery strategy failed",
				slog.String("strategy", s.ID),
				slog.String("service", ec.Service),
				slog.String("error", err.Error()))
			continue
		}
		if ok {
			e.logger.Info("error recovered",
				slog.String("strategy", s.ID),
				slog.String("service", ec.Service),
				slog.String("operation", ec.Operation))
			return true
		}
	}
	return false
}

// executeStrategy runs one strategy with panic isolation.
func (e *Engine) executeStrategy(ctx context.Context, s Strategy, ec ErrorContext) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = nil
			e.logger.Error("recovery strategy panicked",
				slog.String("strategy", s.ID),
				slog.Any("panic", r))
		}
	}()
	return s.Execute(ctx, ec)
}

// Subscribe registers a callback invoked after every processed report. The
// returned function removes the callback and is idempotent.
func (e *Engine) Subscribe(cb Callback) func() {
	id := uuid.NewString()

	e.mu.Lock()
	e.callbacks[id] = cb
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.callbacks, id)
		e.mu.Unlock()
	}
}

// notifyCallbacks fans the report out to subscribers with panic isolation.
func (e *Engine) notifyCallbacks(ec ErrorContext, recovered bool) {
	e.mu.Lock()
	cbs := make([]Callback, 0, len(e.callbacks))
	for _, cb := range e.callbacks {
		cbs = append(cbs, cb)
	}
	e.mu.Unlock()

	for _, cb := range cbs {
		e.invokeCallback(cb, ec, recovered)
	}
}

func (e *Engine) invokeCallback(cb Callback, ec ErrorContext, recovered bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("error callback panicked",
				slog.String("service", ec.Service),
				slog.Any("panic", r))
		}
	}()
	cb(ec, recovered)
}

// History returns a copy of the recorded error history, oldest first.
func (e *Engine) History() []ErrorContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ErrorContext, len(e.history))
	copy(out, e.history)
	return out
}

// ClearHistory drops all recorded history.
func (e *Engine) ClearHistory() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = nil
	metrics.ErrorHistorySize.Set(0)
}

// Stats returns a point-in-time summary of engine activity.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	st := Stats{
		TotalReported:    e.reported,
		TotalRecovered:   e.recovered,
		HistorySize:      len(e.history),
		ErrorsByService:  make(map[string]int),
		ErrorsBySeverity: make(map[string]int),
	}
	for _, ec := range e.history {
		st.ErrorsByService[ec.Service]++
		st.ErrorsBySeverity[string(ec.Severity)]++
	}
	e.mu.Unlock()

	if st.TotalReported > 0 {
		st.RecoveryRate = float64(st.TotalRecovered) / float64(st.TotalReported)
	}
	st.OpenBreakers = e.bank.OpenCount()
	return st
}

// UpdateConfig applies new settings at runtime. Invalid fields are replaced
// with defaults; breaker settings propagate to the bank.
func (e *Engine) UpdateConfig(cfg Config) {
	cfg = cfg.normalize()

	e.mu.Lock()
	cfg.Clock = e.cfg.Clock
	e.cfg = cfg
	e.mu.Unlock()

	e.bank.UpdateConfig(cfg.BreakerThreshold, cfg.BreakerTimeout)
}

// Config returns a copy of the current configuration.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// backoffParams supplies the current backoff settings to the network
// backoff strategy.
func (e *Engine) backoffParams() (time.Duration, time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.RetryDelay, e.cfg.MaxBackoff, e.cfg.ExponentialBackoff
}

// appendHistory records one report, trimming on overflow. When the history
// exceeds MaxHistorySize it is cut back to MaxHistorySize - 10 newest
// entries so trims happen in batches.
func (e *Engine) appendHistory(ec ErrorContext) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.reported++
	e.history = append(e.history, ec)

	if len(e.history) > e.cfg.MaxHistorySize {
		keep := e.cfg.MaxHistorySize - historyTrimSlack
		if keep < 1 {
			keep = e.cfg.MaxHistorySize
		}
		e.history = append([]ErrorContext(nil), e.history[len(e.history)-keep:]...)
	}
	metrics.ErrorHistorySize.Set(float64(len(e.history)))
}

// countRecentLocked counts prior reports for the same service and operation
// within the retry window. Caller must hold e.mu.
func (e *Engine) countRecentLocked(service, operation string, now time.Time) int {
	n := 0
	for i := len(e.history) - 1; i >= 0; i-- {
		ec := e.history[i]
		if now.Sub(ec.Timestamp) > retryWindow {
			break
		}
		if ec.Service == service && ec.Operation == operation {
			n++
		}
	}
	return n
}

func (e *Engine) clockNow() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Clock.Now()
}
