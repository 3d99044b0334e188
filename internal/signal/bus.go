// Package signal provides the typed, fire-and-forget signal bus that carries
// optimization and restart requests from the fault-tolerance core to its
// collaborators (buffer, power, and audio services).
//
// Signals are notifications, not RPC calls: emitters never wait for a reply,
// and a misbehaving subscriber cannot affect other subscribers or the
// emitter.
package signal

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"storyguard/internal/observability/metrics"
)

// Type identifies the kind of signal being emitted.
type Type string

const (
	// TypeOptimizeMemory asks collaborators to shed memory pressure.
	TypeOptimizeMemory Type = "optimize-memory"

	// TypeOptimizeCPU asks collaborators to reduce non-critical work.
	TypeOptimizeCPU Type = "optimize-cpu"

	// TypeOptimizeAudio asks the audio service to shrink buffers or reset
	// its processing context.
	TypeOptimizeAudio Type = "optimize-audio"

	// TypeServiceRestart tells the supervisor that a service needs a full
	// restart. Emitted only for critical, recoverable failures.
	TypeServiceRestart Type = "service-restart-required"
)

// Signal is one outbound notification.
type Signal struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Action    string         `json:"action,omitempty"`
	Service   string         `json:"service,omitempty"`
	Operation string         `json:"operation,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Emitter is the write side of the bus. Components that only publish
// signals depend on this interface rather than on the Bus itself.
type Emitter interface {
	Emit(Signal)
}

// Bus fans signals out to registered subscribers. Subscriber panics are
// isolated so that one bad subscriber cannot suppress delivery to others
// or crash the emitter.
type Bus struct {
	mu          sync.RWMutex
	logger      *slog.Logger
	subscribers map[string]func(Signal)
}

// NewBus creates an empty signal bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:      logger,
		subscribers: make(map[string]func(Signal)),
	}
}

// Subscribe registers a subscriber and returns a cancellation function that
// removes it. The cancellation function is idempotent.
func (b *Bus) Subscribe(fn func(Signal)) func() {
	id := uuid.NewString()

	b.mu.Lock()
	b.subscribers[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
}

// Emit delivers a signal to every subscriber on the caller's goroutine.
// Missing ID and Timestamp fields are filled in.
func (b *Bus) Emit(sig Signal) {
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now()
	}

	metrics.RecordSignalEmitted(string(sig.Type))

	b.mu.RLock()
	subs := make([]func(Signal), 0, len(b.subscribers))
	for _, fn := range b.subscribers {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()

	for _, fn := range subs {
		b.deliver(fn, sig)
	}
}

// deliver invokes one subscriber, converting a panic into a log line.
func (b *Bus) deliver(fn func(Signal), sig Signal) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("signal subscriber panicked",
				slog.String("type", string(sig.Type)),
				slog.Any("panic", r))
		}
	}()
	fn(sig)
}

// SubscriberCount returns the number of registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
