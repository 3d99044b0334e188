package monitor

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

// Level classifies how far past a threshold a reading is.
type Level string

const (
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Warning is one threshold violation delivered to warning listeners.
type Warning struct {
	Resource  string    `json:"resource"`
	Level     Level     `json:"level"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Thresholds are the limits the monitor evaluates each sample against.
type Thresholds struct {
	// MemoryWarnBytes and MemoryCritBytes bound absolute memory usage.
	MemoryWarnBytes uint64 `yaml:"memory_warn_bytes"`
	MemoryCritBytes uint64 `yaml:"memory_crit_bytes"`

	// CPUWarnPercent and CPUCritPercent bound CPU usage.
	CPUWarnPercent float64 `yaml:"cpu_warn_percent"`
	CPUCritPercent float64 `yaml:"cpu_crit_percent"`

	// AudioBufferMax is the largest acceptable audio buffer size in
	// frames. Exceeding it is a warning; there is no critical level
	// because the buffer governor clamps growth before it gets there.
	AudioBufferMax int `yaml:"audio_buffer_max"`
}

// DefaultThresholds returns thresholds sized for the story device's
// 1 GiB-class hardware.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MemoryWarnBytes: 512 << 20,
		MemoryCritBytes: 768 << 20,
		CPUWarnPercent:  70,
		CPUCritPercent:  85,
		AudioBufferMax:  4096,
	}
}

// Config holds the configuration for the resource monitor.
type Config struct {
	// Interval is the sampling period.
	// Default: 5 seconds
	Interval time.Duration

	// HistorySize is the number of snapshots retained.
	// Default: 60
	HistorySize int

	// Thresholds are the evaluation limits.
	// Default: DefaultThresholds
	Thresholds Thresholds

	// Clock provides time abstraction for testing.
	Clock breaker.Clock
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Second,
		HistorySize: 60,
		Thresholds:  DefaultThresholds(),
	}
}

// Monitor samples resources on an interval, retains a bounded history,
// and fans threshold warnings out to listeners. Critical violations also
// emit optimization signals on the bus.
type Monitor struct {
	mu        sync.Mutex
	cfg       Config
	sampler   Sampler
	emitter   signal.Emitter
	logger    *slog.Logger
	history         []Snapshot
	listeners       map[string]func(Warning)
	sampleListeners map[string]func(Snapshot)

	audioBufferSize int
	audioContexts   int
	sttActive       bool
	wakeActive      bool

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a resource monitor. Zero-valued config fields are replaced
// with defaults.
func New(cfg Config, sampler Sampler, emitter signal.Emitter, logger *slog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 60
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.Clock == nil {
		cfg.Clock = &breaker.SystemClock{}
	}
	if sampler == nil {
		sampler = NewHostSampler(logger)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Monitor{
		cfg:             cfg,
		sampler:         sampler,
		emitter:         emitter,
		logger:          logger,
		listeners:       make(map[string]func(Warning)),
		sampleListeners: make(map[string]func(Snapshot)),
	}
}

// Start begins periodic sampling. Calling Start on a running monitor is a
// no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	interval := m.cfg.Interval
	m.mu.Unlock()

	go m.run(ctx, interval, done)
	m.logger.Info("resource monitor started", slog.Duration("interval", interval))
}

// Stop halts sampling and waits for the sampling goroutine to exit.
// Calling Stop on a stopped monitor is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()
	<-done
	m.logger.Info("resource monitor stopped")
}

func (m *Monitor) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Take an immediate sample so callers have data before the first tick.
	m.SampleNow(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SampleNow(ctx)
		}
	}
}

// SampleNow takes one sample outside the regular schedule, records it, and
// evaluates thresholds. It returns the recorded snapshot.
func (m *Monitor) SampleNow(ctx context.Context) Snapshot {
	snap, err := m.sampler.Sample(ctx)
	if err != nil {
		m.logger.Debug("partial resource sample", slog.String("error", err.Error()))
	}

	m.mu.Lock()
	snap.AudioBufferSize = m.audioBufferSize
	snap.AudioContexts = m.audioContexts
	snap.STTActive = m.sttActive
	snap.WakeWordActive = m.wakeActive
	if snap.Timestamp.IsZero() {
		snap.Timestamp = m.cfg.Clock.Now()
	}
	m.history = append(m.history, snap)
	if len(m.history) > m.cfg.HistorySize {
		m.history = append([]Snapshot(nil), m.history[len(m.history)-m.cfg.HistorySize:]...)
	}
	thresholds := m.cfg.Thresholds
	m.mu.Unlock()

	metrics.MemoryUsedBytes.Set(float64(snap.MemoryUsedBytes))
	metrics.MemoryPercent.Set(snap.MemoryPercent)
	metrics.CPUPercent.Set(snap.CPUPercent)
	metrics.AudioBufferSize.Set(float64(snap.AudioBufferSize))

	m.notifySample(snap)

	for _, w := range evaluate(snap, thresholds) {
		metrics.RecordResourceWarning(w.Resource, string(w.Level))
		m.logger.Warn("resource threshold exceeded",
			slog.String("resource", w.Resource),
			slog.String("level", string(w.Level)),
			slog.Float64("value", w.Value),
			slog.Float64("threshold", w.Threshold))
		m.notify(w)
		// An oversized audio buffer always asks for a reduction; memory and
		// cpu only once they turn critical.
		if w.Level == LevelCritical || w.Resource == "audio_buffer" {
			m.emitOptimization(w)
		}
	}
	return snap
}

// evaluate checks one snapshot against the thresholds. At most one warning
// per resource is produced, at the highest violated level.
func evaluate(snap Snapshot, t Thresholds) []Warning {
	var out []Warning

	switch {
	case t.MemoryCritBytes > 0 && snap.MemoryUsedBytes >= t.MemoryCritBytes:
		out = append(out, Warning{
			Resource: "memory", Level: LevelCritical,
			Value: float64(snap.MemoryUsedBytes), Threshold: float64(t.MemoryCritBytes),
			Message: "memory usage critical", Timestamp: snap.Timestamp,
		})
	case t.MemoryWarnBytes > 0 && snap.MemoryUsedBytes >= t.MemoryWarnBytes:
		out = append(out, Warning{
			Resource: "memory", Level: LevelWarning,
			Value: float64(snap.MemoryUsedBytes), Threshold: float64(t.MemoryWarnBytes),
			Message: "memory usage high", Timestamp: snap.Timestamp,
		})
	}

	switch {
	case t.CPUCritPercent > 0 && snap.CPUPercent >= t.CPUCritPercent:
		out = append(out, Warning{
			Resource: "cpu", Level: LevelCritical,
			Value: snap.CPUPercent, Threshold: t.CPUCritPercent,
			Message: "cpu usage critical", Timestamp: snap.Timestamp,
		})
	case t.CPUWarnPercent > 0 && snap.CPUPercent >= t.CPUWarnPercent:
		out = append(out, Warning{
			Resource: "cpu", Level: LevelWarning,
			Value: snap.CPUPercent, Threshold: t.CPUWarnPercent,
			Message: "cpu usage high", Timestamp: snap.Timestamp,
		})
	}

	if t.AudioBufferMax > 0 && snap.AudioBufferSize >= t.AudioBufferMax {
		out = append(out, Warning{
			Resource: "audio_buffer", Level: LevelWarning,
			Value: float64(snap.AudioBufferSize), Threshold: float64(t.AudioBufferMax),
			Message: "audio buffer oversized", Timestamp: snap.Timestamp,
		})
	}
	return out
}

// emitOptimization translates a critical warning into a bus signal.
func (m *Monitor) emitOptimization(w Warning) {
	if m.emitter == nil {
		return
	}
	var typ signal.Type
	switch w.Resource {
	case "memory":
		typ = signal.TypeOptimizeMemory
	case "cpu":
		typ = signal.TypeOptimizeCPU
	case "audio_buffer":
		typ = signal.TypeOptimizeAudio
	default:
		return
	}
	m.emitter.Emit(signal.Signal{
		Type:   typ,
		Action: "reduce-usage",
		Reason: w.Message,
	})
}

// OnWarning registers a warning listener and returns a removal function.
// Listener panics are isolated.
func (m *Monitor) OnWarning(fn func(Warning)) func() {
	id := uuid.NewString()

	m.mu.Lock()
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Monitor) notify(w Warning) {
	m.mu.Lock()
	fns := make([]func(Warning), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		m.deliver(fn, w)
	}
}

func (m *Monitor) deliver(fn func(Warning), w Warning) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("warning listener panicked",
				slog.String("resource", w.Resource),
				slog.Any("panic", r))
		}
	}()
	fn(w)
}

// OnSample registers a listener invoked with every recorded snapshot and
// returns a removal function. Listener panics are isolated.
func (m *Monitor) OnSample(fn func(Snapshot)) func() {
	id := uuid.NewString()

	m.mu.Lock()
	m.sampleListeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.sampleListeners, id)
		m.mu.Unlock()
	}
}

func (m *Monitor) notifySample(snap Snapshot) {
	m.mu.Lock()
	fns := make([]func(Snapshot), 0, len(m.sampleListeners))
	for _, fn := range m.sampleListeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("sample listener panicked", slog.Any("panic", r))
				}
			}()
			fn(snap)
		}()
	}
}

// SetAudioBufferSize records the audio service's current buffer size. The
// value is attached to subsequent snapshots.
func (m *Monitor) SetAudioBufferSize(frames int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if frames >= 0 {
		m.audioBufferSize = frames
	}
}

// SetAudioContexts records how many audio processing contexts the audio
// service currently holds.
func (m *Monitor) SetAudioContexts(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n >= 0 {
		m.audioContexts = n
	}
}

// SetSubsystemActivity records whether the speech-to-text and wake word
// subsystems are currently active.
func (m *Monitor) SetSubsystemActivity(stt, wakeWord bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sttActive = stt
	m.wakeActive = wakeWord
}

// Latest returns the most recent snapshot. The second return value is
// false before the first sample.
func (m *Monitor) Latest() (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return Snapshot{}, false
	}
	return m.history[len(m.history)-1], true
}

// History returns a copy of the retained snapshots, oldest first.
func (m *Monitor) History() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, len(m.history))
	copy(out, m.history)
	return out
}

// MemoryTrend reports the direction of memory usage over recent samples.
func (m *Monitor) MemoryTrend() Direction {
	return trendOf(m.values(func(s Snapshot) float64 { return s.MemoryPercent }))
}

// CPUTrend reports the direction of CPU usage over recent samples.
func (m *Monitor) CPUTrend() Direction {
	return trendOf(m.values(func(s Snapshot) float64 { return s.CPUPercent }))
}

func (m *Monitor) values(f func(Snapshot) float64) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]float64, len(m.history))
	for i, s := range m.history {
		out[i] = f(s)
	}
	return out
}

// UpdateThresholds replaces the evaluation thresholds at runtime. A
// zero-valued Thresholds is ignored.
func (m *Monitor) UpdateThresholds(t Thresholds) {
	if t == (Thresholds{}) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Thresholds = t
}

// Thresholds returns a copy of the current thresholds.
func (m *Monitor) Thresholds() Thresholds {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Thresholds
}
