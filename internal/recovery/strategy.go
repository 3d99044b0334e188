package recovery

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Strategy is one recovery action. Applicable decides whether the strategy
// matches a given error report; Execute performs the recovery attempt and
// reports whether it succeeded.
//
// Execute receives a context so long-running actions (backoff waits,
// external calls) can be cancelled during shutdown.
type Strategy struct {
	// ID uniquely identifies the strategy in the registry.
	ID string

	// Name is the human-readable strategy name used in logs.
	Name string

	// Description explains what the strategy does.
	Description string

	// Priority orders strategy execution; lower runs first.
	Priority int

	// MaxRetries caps how many reports for the same service and operation
	// (within the retry window) the strategy will still act on.
	MaxRetries int

	// Applicable reports whether the strategy matches the error report.
	Applicable func(ec ErrorContext) bool

	// Execute performs the recovery attempt. A true return means recovered.
	Execute func(ctx context.Context, ec ErrorContext) (bool, error)
}

// Registry holds the registered recovery strategies.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry creates an empty strategy registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// Register adds or replaces a strategy. Strategies with an empty ID or nil
// Applicable/Execute are rejected.
func (r *Registry) Register(s Strategy) error {
	if s.ID == "" {
		return fmt.Errorf("strategy ID is required")
	}
	if s.Applicable == nil || s.Execute == nil {
		return fmt.Errorf("strategy %q: Applicable and Execute are required", s.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.ID] = s
	return nil
}

// Unregister removes a strategy by ID. Removing an unknown ID is a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.strategies, id)
}

// Get returns the strategy with the given ID.
func (r *Registry) Get(id string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[id]
	return s, ok
}

// List returns all registered strategies sorted by priority (ties broken
// by ID for determinism).
func (r *Registry) List() []Strategy {
	r.mu.RLock()
	out := make([]Strategy, 0, len(r.strategies))
	for _, s := range r.strategies {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Applicable returns the strategies matching an error report, sorted by
// priority. A panic inside an Applicable predicate disqualifies that
// strategy only.
func (r *Registry) Applicable(ec ErrorContext) []Strategy {
	all := r.List()
	out := make([]Strategy, 0, len(all))
	for _, s := range all {
		if safeApplicable(s, ec) {
			out = append(out, s)
		}
	}
	return out
}

func safeApplicable(s Strategy, ec ErrorContext) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return s.Applicable(ec)
}
