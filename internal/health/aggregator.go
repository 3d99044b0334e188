// Package health implements the health aggregator: it fuses service status
// reports, resource readings, and power state into one overall health
// verdict, and triggers optimizations when the verdict deteriorates.
package health

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"storyguard/internal/monitor"
	"storyguard/internal/observability/metrics"
	"storyguard/internal/resilience/breaker"
	"storyguard/internal/signal"
)

// ServiceName identifies one of the device services the aggregator tracks.
type ServiceName string

const (
	ServiceSTT     ServiceName = "stt"
	ServiceWake    ServiceName = "wake"
	ServiceAudio   ServiceName = "audio"
	ServiceNetwork ServiceName = "network"
)

// knownServices lists the tracked slots in display order.
var knownServices = []ServiceName{ServiceSTT, ServiceWake, ServiceAudio, ServiceNetwork}

// CanonicalService maps a reported service name onto a tracked slot. Exact
// matches win; otherwise a name containing a canonical tag ("stt-worker",
// "network/sync") maps by substring. Unknown names do not map.
func CanonicalService(name string) (ServiceName, bool) {
	lower := strings.ToLower(name)
	for _, svc := range knownServices {
		if lower == string(svc) {
			return svc, true
		}
	}
	for _, svc := range knownServices {
		if strings.Contains(lower, string(svc)) {
			return svc, true
		}
	}
	return "", false
}

// ServiceStatus is one service's reported condition.
type ServiceStatus string

const (
	StatusHealthy  ServiceStatus = "healthy"
	StatusDegraded ServiceStatus = "degraded"
	StatusFailed   ServiceStatus = "failed"
)

// ResourceLevel classifies one resource dimension.
type ResourceLevel string

const (
	LevelNormal   ResourceLevel = "normal"
	LevelWarning  ResourceLevel = "warning"
	LevelCritical ResourceLevel = "critical"
)

// OverallStatus is the fused verdict.
type OverallStatus string

const (
	OverallHealthy  OverallStatus = "healthy"
	OverallDegraded OverallStatus = "degraded"
	OverallCritical OverallStatus = "critical"
)

// overallGauge maps the verdict onto the health gauge value.
var overallGauge = map[OverallStatus]float64{
	OverallHealthy:  0,
	OverallDegraded: 1,
	OverallCritical: 2,
}

// ServiceHealth is one tracked service's state.
type ServiceHealth struct {
	Name      ServiceName   `json:"name"`
	Status    ServiceStatus `json:"status"`
	Detail    string        `json:"detail,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// ResourceHealth is the resource side of the verdict.
type ResourceHealth struct {
	Memory        ResourceLevel `json:"memory"`
	MemoryPercent float64       `json:"memory_percent"`
	CPU           ResourceLevel `json:"cpu"`
	CPUPercent    float64       `json:"cpu_percent"`
	Power         ResourceLevel `json:"power"`
	PowerState    PowerState    `json:"power_state"`
}

// SystemHealth is the full fused picture handed to subscribers and the
// status endpoint.
type SystemHealth struct {
	Overall       OverallStatus                 `json:"overall"`
	Services      map[ServiceName]ServiceHealth `json:"services"`
	Resources     ResourceHealth                `json:"resources"`
	UptimeSeconds float64                       `json:"uptime_seconds"`
	Timestamp     time.Time                     `json:"timestamp"`
}

// clone returns a deep copy so subscribers cannot mutate aggregator state.
func (h SystemHealth) clone() SystemHealth {
	services := make(map[ServiceName]ServiceHealth, len(h.Services))
	for k, v := range h.Services {
		services[k] = v
	}
	h.Services = services
	return h
}

// Config holds the configuration for the health aggregator.
type Config struct {
	// Interval is the re-evaluation tick period.
	// Default: 5 seconds
	Interval time.Duration

	// MemoryWarnPercent / MemoryCritPercent classify memory usage.
	// Defaults: 75 / 90
	MemoryWarnPercent float64
	MemoryCritPercent float64

	// CPUWarnPercent / CPUCritPercent classify CPU usage.
	// Defaults: 70 / 85
	CPUWarnPercent float64
	CPUCritPercent float64

	// BatteryWarnPercent / BatteryCritPercent classify battery charge.
	// Defaults: 30 / 15
	BatteryWarnPercent float64
	BatteryCritPercent float64

	// DegradedThreshold is how many warning-or-degraded findings make the
	// overall verdict degraded.
	// Default: 2
	DegradedThreshold int

	// AutoOptimize controls whether a non-healthy tick triggers the
	// optimization branches.
	// Default (via DefaultConfig): true
	AutoOptimize bool

	// Clock provides time abstraction for testing.
	Clock breaker.Clock
}

// DefaultConfig returns the default aggregator configuration.
func DefaultConfig() Config {
	return Config{
		Interval:           5 * time.Second,
		MemoryWarnPercent:  75,
		MemoryCritPercent:  90,
		CPUWarnPercent:     70,
		CPUCritPercent:     85,
		BatteryWarnPercent: 30,
		BatteryCritPercent: 15,
		DegradedThreshold:  2,
		AutoOptimize:       true,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.MemoryWarnPercent <= 0 {
		c.MemoryWarnPercent = def.MemoryWarnPercent
	}
	if c.MemoryCritPercent <= 0 {
		c.MemoryCritPercent = def.MemoryCritPercent
	}
	if c.CPUWarnPercent <= 0 {
		c.CPUWarnPercent = def.CPUWarnPercent
	}
	if c.CPUCritPercent <= 0 {
		c.CPUCritPercent = def.CPUCritPercent
	}
	if c.BatteryWarnPercent <= 0 {
		c.BatteryWarnPercent = def.BatteryWarnPercent
	}
	if c.BatteryCritPercent <= 0 {
		c.BatteryCritPercent = def.BatteryCritPercent
	}
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = def.DegradedThreshold
	}
	return c
}

// Aggregator fuses service, resource, and power signals into SystemHealth.
type Aggregator struct {
	mu          sync.Mutex
	cfg         Config
	logger      *slog.Logger
	emitter     signal.Emitter
	power       PowerManager
	governor    *BufferGovernor
	services    map[ServiceName]ServiceHealth
	resources   ResourceHealth
	subscribers map[string]func(SystemHealth)
	started     time.Time

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a health aggregator. All tracked services start healthy. A
// nil power manager falls back to the simulated one.
func New(cfg Config, emitter signal.Emitter, power PowerManager, governor *BufferGovernor, logger *slog.Logger) *Aggregator {
	cfg = cfg.normalize()
	if cfg.Clock == nil {
		cfg.Clock = &breaker.SystemClock{}
	}
	if power == nil {
		power = NewSimulatedPowerManager()
	}
	if governor == nil {
		governor = NewBufferGovernor(0)
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &Aggregator{
		cfg:         cfg,
		logger:      logger,
		emitter:     emitter,
		power:       power,
		governor:    governor,
		services:    make(map[ServiceName]ServiceHealth, len(knownServices)),
		subscribers: make(map[string]func(SystemHealth)),
	}
	now := cfg.Clock.Now()
	a.started = now
	for _, svc := range knownServices {
		a.services[svc] = ServiceHealth{Name: svc, Status: StatusHealthy, UpdatedAt: now}
	}
	a.resources = ResourceHealth{Memory: LevelNormal, CPU: LevelNormal, Power: LevelNormal}
	return a
}

// Governor exposes the buffer governor so the daemon can share it with the
// audio side.
func (a *Aggregator) Governor() *BufferGovernor { return a.governor }

// UpdateServiceHealth records a status report for a service. Reports for
// names that do not map to a tracked slot are ignored with a debug log.
func (a *Aggregator) UpdateServiceHealth(name string, status ServiceStatus, detail string) {
	svc, ok := CanonicalService(name)
	if !ok {
		a.logger.Debug("ignoring health report for unknown service",
			slog.String("service", name))
		return
	}
	switch status {
	case StatusHealthy, StatusDegraded, StatusFailed:
	default:
		a.logger.Debug("ignoring health report with unknown status",
			slog.String("service", name),
			slog.String("status", string(status)))
		return
	}

	a.mu.Lock()
	a.services[svc] = ServiceHealth{
		Name:      svc,
		Status:    status,
		Detail:    detail,
		UpdatedAt: a.cfg.Clock.Now(),
	}
	h := a.evaluateLocked()
	a.mu.Unlock()

	// Service-status updates publish the recomputed verdict immediately;
	// resource changes wait for the next tick.
	a.publish(h)
}

// ObserveError folds a recovery engine report into service health: an
// unrecovered error degrades the service, an unrecovered critical error
// fails it, and a recovered error restores it to healthy.
func (a *Aggregator) ObserveError(service string, critical, recovered bool) {
	switch {
	case recovered:
		a.UpdateServiceHealth(service, StatusHealthy, "recovered")
	case critical:
		a.UpdateServiceHealth(service, StatusFailed, "unrecovered critical error")
	default:
		a.UpdateServiceHealth(service, StatusDegraded, "unrecovered error")
	}
}

// UpdateResources folds a resource snapshot into the verdict.
func (a *Aggregator) UpdateResources(snap monitor.Snapshot) {
	a.mu.Lock()
	cfg := a.cfg
	a.resources.MemoryPercent = snap.MemoryPercent
	a.resources.CPUPercent = snap.CPUPercent
	a.resources.Memory = classify(snap.MemoryPercent, cfg.MemoryWarnPercent, cfg.MemoryCritPercent)
	a.resources.CPU = classify(snap.CPUPercent, cfg.CPUWarnPercent, cfg.CPUCritPercent)
	a.mu.Unlock()
}

// classify maps a usage percentage onto a level. Thresholds are inclusive.
func classify(value, warn, crit float64) ResourceLevel {
	switch {
	case value >= crit:
		return LevelCritical
	case value >= warn:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// refreshPower reads the power manager and classifies the result. Battery
// below the critical line or an actively throttled device is critical;
// battery below the warn line or saver mode is a warning.
func (a *Aggregator) refreshPower() {
	state := a.power.State()

	level := LevelNormal
	switch {
	case state.Throttled, state.BatteryPercent < a.cfg.BatteryCritPercent:
		level = LevelCritical
	case state.BatteryPercent < a.cfg.BatteryWarnPercent, state.Mode == PowerModeSaver:
		level = LevelWarning
	}

	a.mu.Lock()
	a.resources.Power = level
	a.resources.PowerState = state
	a.mu.Unlock()
}

// Current evaluates and returns the fused health picture.
func (a *Aggregator) Current() SystemHealth {
	a.refreshPower()

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.evaluateLocked()
}

// evaluateLocked computes the verdict. Caller must hold a.mu.
//
// Any critical resource or failed service makes the system critical. Two or
// more warning-or-degraded findings make it degraded. Otherwise healthy.
func (a *Aggregator) evaluateLocked() SystemHealth {
	findings := 0

	for _, svc := range a.services {
		switch svc.Status {
		case StatusFailed:
			return a.verdictLocked(OverallCritical)
		case StatusDegraded:
			findings++
		}
	}
	for _, level := range []ResourceLevel{a.resources.Memory, a.resources.CPU, a.resources.Power} {
		switch level {
		case LevelCritical:
			return a.verdictLocked(OverallCritical)
		case LevelWarning:
			findings++
		}
	}

	if findings >= a.cfg.DegradedThreshold {
		return a.verdictLocked(OverallDegraded)
	}
	return a.verdictLocked(OverallHealthy)
}

func (a *Aggregator) verdictLocked(overall OverallStatus) SystemHealth {
	now := a.cfg.Clock.Now()
	h := SystemHealth{
		Overall:       overall,
		Services:      a.services,
		Resources:     a.resources,
		UptimeSeconds: now.Sub(a.started).Seconds(),
		Timestamp:     now,
	}
	return h.clone()
}

// Start begins the periodic evaluation tick. No-op if already running.
func (a *Aggregator) Start(ctx context.Context) {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	a.running = true
	a.cancel = cancel
	a.done = make(chan struct{})
	done := a.done
	interval := a.cfg.Interval
	a.mu.Unlock()

	go a.run(ctx, interval, done)
	a.logger.Info("health aggregator started", slog.Duration("interval", interval))
}

// Stop halts the tick and waits for it to exit. No-op if not running.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel := a.cancel
	done := a.done
	a.mu.Unlock()

	cancel()
	<-done
	a.logger.Info("health aggregator stopped")
}

func (a *Aggregator) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Tick()
		}
	}
}

// Tick performs one evaluation round: refresh power, fuse, publish, and
// trigger optimizations if the verdict is not healthy.
func (a *Aggregator) Tick() SystemHealth {
	h := a.Current()

	metrics.HealthChecksTotal.Inc()
	metrics.HealthOverall.Set(overallGauge[h.Overall])

	a.mu.Lock()
	autoOptimize := a.cfg.AutoOptimize
	a.mu.Unlock()

	if h.Overall != OverallHealthy {
		a.logger.Warn("system health below healthy",
			slog.String("overall", string(h.Overall)),
			slog.String("memory", string(h.Resources.Memory)),
			slog.String("cpu", string(h.Resources.CPU)),
			slog.String("power", string(h.Resources.Power)))
		if autoOptimize {
			a.triggerOptimization(h)
		}
	}

	a.publish(h)
	return h
}

// triggerOptimization reacts to a deteriorated verdict. Each branch is
// guarded independently so one failing actuator does not block the others.
func (a *Aggregator) triggerOptimization(h SystemHealth) {
	if h.Resources.Memory != LevelNormal {
		a.guarded("reduce_buffer", func() {
			if next, changed := a.governor.Reduce(); changed {
				a.emit(signal.Signal{
					Type:    signal.TypeOptimizeAudio,
					Action:  "reduce-buffer",
					Reason:  "memory pressure",
					Payload: map[string]any{"buffer_size": next},
				})
			}
		})
	}

	if h.Resources.Power != LevelNormal {
		a.guarded("power_step_down", func() {
			mode := a.power.State().Mode
			next := stepDown[mode]
			if next != mode {
				if err := a.power.SetMode(next); err != nil {
					a.logger.Warn("power step down failed",
						slog.String("error", err.Error()))
					return
				}
				a.logger.Info("power mode stepped down",
					slog.String("from", string(mode)),
					slog.String("to", string(next)))
			}
		})
	}

	if h.Resources.CPU != LevelNormal {
		a.guarded("reduce_cpu", func() {
			a.emit(signal.Signal{
				Type:   signal.TypeOptimizeCPU,
				Action: "reduce-usage",
				Reason: "cpu critical",
			})
		})
	}
}

// guarded runs one optimization branch with panic isolation and counts it.
func (a *Aggregator) guarded(action string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("optimization branch panicked",
				slog.String("action", action),
				slog.Any("panic", r))
		}
	}()
	metrics.OptimizationsTriggeredTotal.WithLabelValues(action).Inc()
	fn()
}

func (a *Aggregator) emit(sig signal.Signal) {
	if a.emitter != nil {
		a.emitter.Emit(sig)
	}
}

// UpdateConfig applies new thresholds at runtime. Invalid fields fall back
// to defaults. The tick interval of a running aggregator is not changed
// until the next Start.
func (a *Aggregator) UpdateConfig(cfg Config) {
	cfg = cfg.normalize()

	a.mu.Lock()
	cfg.Clock = a.cfg.Clock
	a.cfg = cfg
	a.mu.Unlock()
}

// Config returns a copy of the current configuration.
func (a *Aggregator) Config() Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Subscribe registers a health listener and returns a removal function.
// Listeners receive deep copies.
func (a *Aggregator) Subscribe(fn func(SystemHealth)) func() {
	id := uuid.NewString()

	a.mu.Lock()
	a.subscribers[id] = fn
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.subscribers, id)
		a.mu.Unlock()
	}
}

func (a *Aggregator) publish(h SystemHealth) {
	a.mu.Lock()
	fns := make([]func(SystemHealth), 0, len(a.subscribers))
	for _, fn := range a.subscribers {
		fns = append(fns, fn)
	}
	a.mu.Unlock()

	for _, fn := range fns {
		a.deliver(fn, h.clone())
	}
}

func (a *Aggregator) deliver(fn func(SystemHealth), h SystemHealth) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("health subscriber panicked", slog.Any("panic", r))
		}
	}()
	fn(h)
}
