// Package monitor implements the resource monitor: it samples memory, CPU,
// and audio buffer usage on an interval, keeps a bounded history, evaluates
// thresholds, and reports usage trends.
package monitor

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is one point-in-time resource reading. The audio and subsystem
// fields are not sampled from the host; collaborators push them in through
// the monitor's setters and they are attached at record time.
type Snapshot struct {
	MemoryUsedBytes  uint64    `json:"memory_used_bytes"`
	MemoryTotalBytes uint64    `json:"memory_total_bytes"`
	MemoryPercent    float64   `json:"memory_percent"`
	CPUPercent       float64   `json:"cpu_percent"`
	AudioBufferSize  int       `json:"audio_buffer_size"`
	AudioContexts    int       `json:"audio_contexts"`
	STTActive        bool      `json:"stt_active"`
	WakeWordActive   bool      `json:"wake_word_active"`
	Timestamp        time.Time `json:"timestamp"`
}

// Sampler produces resource snapshots. Implementations must degrade rather
// than fail: a reading that cannot be taken is left at its zero value and
// the returned error describes what was missing.
type Sampler interface {
	Sample(ctx context.Context) (Snapshot, error)
}

// HostSampler reads memory and CPU usage from the host via gopsutil. When
// the host probes fail (containers without /proc, stripped-down device
// images), it falls back to the Go runtime's own memory statistics so the
// monitor always has something to work with.
type HostSampler struct {
	logger *slog.Logger
}

// NewHostSampler creates a host-backed sampler.
func NewHostSampler(logger *slog.Logger) *HostSampler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HostSampler{logger: logger}
}

// Sample reads current memory and CPU usage. The returned snapshot is
// always usable; the error reports probes that fell back or were skipped.
func (s *HostSampler) Sample(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Timestamp: time.Now()}
	var firstErr error

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryUsedBytes = vm.Used
		snap.MemoryTotalBytes = vm.Total
		snap.MemoryPercent = vm.UsedPercent
	} else {
		firstErr = err
		snap.MemoryUsedBytes, snap.MemoryTotalBytes, snap.MemoryPercent = runtimeMemoryEstimate()
		s.logger.Debug("host memory probe failed, using runtime estimate",
			slog.String("error", err.Error()))
	}

	// Interval 0 returns usage since the previous call, which matches the
	// monitor's periodic sampling.
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	} else if err != nil && firstErr == nil {
		firstErr = err
	}

	return snap, firstErr
}

// runtimeMemoryEstimate approximates process memory usage from the Go
// runtime when host statistics are unavailable. The total is the runtime's
// reserved address space, so the percentage is rough but trend-worthy.
func runtimeMemoryEstimate() (used, total uint64, percent float64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	used = ms.HeapAlloc
	total = ms.Sys
	if total > 0 {
		percent = float64(used) / float64(total) * 100
	}
	return used, total, percent
}
