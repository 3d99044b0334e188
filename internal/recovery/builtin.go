package recovery

import (
	"context"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"storyguard/internal/signal"
)

// Built-in strategy IDs.
const (
	StrategyAudioContextReset = "audio-context-reset"
	StrategyMemoryRelief      = "memory-relief"
	StrategyNetworkBackoff    = "network-backoff"
	StrategyServiceRestart    = "service-restart"
)

// backoffParams returns the current retry delay and backoff cap. Built-in
// strategies read these through the engine so hot config updates take
// effect without re-registering.
type backoffParams func() (retryDelay, maxBackoff time.Duration, exponential bool)

// registerBuiltins installs the four built-in strategies on the engine's
// registry.
func registerBuiltins(reg *Registry, emitter signal.Emitter, params backoffParams, logger *slog.Logger) {
	builtins := []Strategy{
		newAudioContextResetStrategy(emitter, logger),
		newMemoryReliefStrategy(emitter, logger),
		newNetworkBackoffStrategy(params, logger),
		newServiceRestartStrategy(emitter, logger),
	}
	for _, s := range builtins {
		// Built-ins are statically well-formed; Register cannot fail.
		_ = reg.Register(s)
	}
}

// newAudioContextResetStrategy asks the audio service to tear down and
// rebuild its processing context. Audio context wedges are the most common
// failure on the device, so this runs first.
func newAudioContextResetStrategy(emitter signal.Emitter, logger *slog.Logger) Strategy {
	return Strategy{
		ID:          StrategyAudioContextReset,
		Name:        "Audio Context Reset",
		Description: "Requests a teardown and rebuild of the audio processing context",
		Priority:    1,
		MaxRetries:  2,
		Applicable: func(ec ErrorContext) bool {
			msg := strings.ToLower(errMessage(ec))
			return strings.Contains(msg, "audio") || strings.Contains(msg, "context")
		},
		Execute: func(ctx context.Context, ec ErrorContext) (bool, error) {
			emitter.Emit(signal.Signal{
				Type:      signal.TypeOptimizeAudio,
				Action:    "reset-context",
				Service:   ec.Service,
				Operation: ec.Operation,
				Reason:    errMessage(ec),
			})
			logger.Info("requested audio context reset",
				slog.String("service", ec.Service),
				slog.String("operation", ec.Operation))
			return true, nil
		},
	}
}

// newMemoryReliefStrategy asks collaborators to drop caches and shed
// memory pressure.
func newMemoryReliefStrategy(emitter signal.Emitter, logger *slog.Logger) Strategy {
	return Strategy{
		ID:          StrategyMemoryRelief,
		Name:        "Memory Relief",
		Description: "Requests cache eviction and buffer shrinking to relieve memory pressure",
		Priority:    2,
		MaxRetries:  1,
		Applicable: func(ec ErrorContext) bool {
			return strings.Contains(strings.ToLower(errMessage(ec)), "memory")
		},
		Execute: func(ctx context.Context, ec ErrorContext) (bool, error) {
			// Reclaim what this process can give back before asking the
			// collaborators to shed theirs.
			runtime.GC()
			emitter.Emit(signal.Signal{
				Type:      signal.TypeOptimizeMemory,
				Action:    "free-memory",
				Service:   ec.Service,
				Operation: ec.Operation,
				Reason:    errMessage(ec),
			})
			logger.Info("requested memory relief",
				slog.String("service", ec.Service))
			return true, nil
		},
	}
}

// newNetworkBackoffStrategy waits out transient network failures with
// exponential backoff. The wait is min(retryDelay * 2^retryCount,
// maxBackoff) and is cut short by context cancellation.
func newNetworkBackoffStrategy(params backoffParams, logger *slog.Logger) Strategy {
	return Strategy{
		ID:          StrategyNetworkBackoff,
		Name:        "Network Backoff",
		Description: "Waits out transient network failures with exponential backoff",
		Priority:    3,
		MaxRetries:  5,
		Applicable: func(ec ErrorContext) bool {
			msg := strings.ToLower(errMessage(ec))
			return strings.Contains(msg, "network") ||
				strings.Contains(msg, "timeout") ||
				strings.Contains(msg, "fetch")
		},
		Execute: func(ctx context.Context, ec ErrorContext) (bool, error) {
			retryDelay, maxBackoff, exponential := params()
			delay := retryDelay
			if exponential {
				delay = retryDelay << uint(ec.RetryCount)
				if delay > maxBackoff || delay <= 0 {
					delay = maxBackoff
				}
			}

			logger.Debug("network backoff",
				slog.String("service", ec.Service),
				slog.Int("retry_count", ec.RetryCount),
				slog.Duration("delay", delay))

			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
				return true, nil
			case <-ctx.Done():
				return false, ctx.Err()
			}
		},
	}
}

// newServiceRestartStrategy requests a full service restart. This is the
// last resort and only fires for critical, recoverable failures.
func newServiceRestartStrategy(emitter signal.Emitter, logger *slog.Logger) Strategy {
	return Strategy{
		ID:          StrategyServiceRestart,
		Name:        "Service Restart",
		Description: "Requests a supervisor restart of the failing service",
		Priority:    4,
		MaxRetries:  1,
		Applicable: func(ec ErrorContext) bool {
			return ec.Severity == SeverityCritical && ec.Recoverable
		},
		Execute: func(ctx context.Context, ec ErrorContext) (bool, error) {
			emitter.Emit(signal.Signal{
				Type:      signal.TypeServiceRestart,
				Action:    "restart",
				Service:   ec.Service,
				Operation: ec.Operation,
				Reason:    errMessage(ec),
			})
			logger.Warn("requested service restart",
				slog.String("service", ec.Service),
				slog.String("operation", ec.Operation))
			return true, nil
		},
	}
}

func errMessage(ec ErrorContext) string {
	if ec.Err == nil {
		return ""
	}
	return ec.Err.Error()
}
