package health

import (
	"sync"
)

// bufferFloor is the smallest buffer size the governor will go to. Below
// this the audio pipeline starts to underrun.
const bufferFloor = 256

// bufferShrinkFactor is applied on each reduction step.
const bufferShrinkFactor = 0.8

// BufferGovernor tracks the audio buffer size the aggregator has negotiated
// with the audio service and shrinks it under resource pressure.
type BufferGovernor struct {
	mu      sync.Mutex
	current int
	floor   int
}

// NewBufferGovernor creates a governor starting at the given buffer size.
// Non-positive sizes fall back to 4096 frames.
func NewBufferGovernor(initial int) *BufferGovernor {
	if initial <= 0 {
		initial = 4096
	}
	return &BufferGovernor{current: initial, floor: bufferFloor}
}

// Current returns the current target buffer size in frames.
func (g *BufferGovernor) Current() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// Reduce shrinks the target buffer by the shrink factor, clamped to the
// floor. It returns the new size and whether the size actually changed.
func (g *BufferGovernor) Reduce() (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	next := int(float64(g.current) * bufferShrinkFactor)
	if next < g.floor {
		next = g.floor
	}
	changed := next != g.current
	g.current = next
	return next, changed
}

// Set replaces the target buffer size, clamped to the floor. Used when the
// audio service renegotiates on its own.
func (g *BufferGovernor) Set(frames int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if frames < g.floor {
		frames = g.floor
	}
	g.current = frames
}
