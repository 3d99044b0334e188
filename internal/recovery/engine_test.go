package recovery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyguard/internal/signal"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

// nopEmitter discards signals, recording types for assertions.
type nopEmitter struct {
	emitted []signal.Type
}

func (e *nopEmitter) Emit(sig signal.Signal) { e.emitted = append(e.emitted, sig.Type) }

func newTestEngine(t *testing.T, cfg Config) (*Engine, *fakeClock, *nopEmitter) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)}
	cfg.Clock = clock
	// Keep backoff waits negligible in tests.
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 5 * time.Millisecond
	}
	emitter := &nopEmitter{}
	return NewEngine(cfg, emitter, nil), clock, emitter
}

func TestIsRecoverable(t *testing.T) {
	recoverable := []string{
		"network unreachable",
		"request Timeout after 5s",
		"failed to fetch manifest",
		"AudioContext suspended",
		"out of memory",
		"temporary failure in name resolution",
		"transient backend error",
		"rate limit exceeded",
	}
	for _, msg := range recoverable {
		assert.True(t, IsRecoverable(errors.New(msg)), "expected recoverable: %q", msg)
	}

	assert.False(t, IsRecoverable(errors.New("invalid story format")))
	assert.False(t, IsRecoverable(nil))
}

func TestEngine_ReportRecoversViaCustomStrategy(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultConfig())

	executed := false
	require.NoError(t, e.Registry().Register(Strategy{
		ID:         "always-succeeds",
		Priority:   10,
		MaxRetries: 100,
		Applicable: func(ErrorContext) bool { return true },
		Execute: func(context.Context, ErrorContext) (bool, error) {
			executed = true
			return true, nil
		},
	}))

	recovered := e.Report(context.Background(), "stt", "transcribe", errors.New("transient glitch"), SeverityMedium, nil)
	assert.True(t, recovered)
	assert.True(t, executed)

	// The recovery credited a success back to the breaker: one failure
	// recorded, then decremented to zero.
	st, ok := e.Breakers().Snapshot("stt")
	require.True(t, ok)
	assert.Equal(t, 0, st.Failures)
}

func TestEngine_NonRecoverableSkipsStrategies(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultConfig())

	executed := false
	require.NoError(t, e.Registry().Register(Strategy{
		ID:         "always-succeeds",
		Priority:   10,
		MaxRetries: 100,
		Applicable: func(ErrorContext) bool { return true },
		Execute: func(context.Context, ErrorContext) (bool, error) {
			executed = true
			return true, nil
		},
	}))

	recovered := e.Report(context.Background(), "stt", "transcribe", errors.New("invalid story format"), SeverityMedium, nil)
	assert.False(t, recovered)
	assert.False(t, executed)
	assert.Len(t, e.History(), 1, "non-recoverable reports are still recorded")
}

func TestEngine_StrategiesRunInPriorityOrder(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultConfig())

	var order []int
	for _, prio := range []int{30, 10, 20} {
		prio := prio
		require.NoError(t, e.Registry().Register(Strategy{
			ID:         fmt.Sprintf("probe-%d", prio),
			Priority:   prio,
			MaxRetries: 100,
			Applicable: func(ErrorContext) bool { return true },
			Execute: func(context.Context, ErrorContext) (bool, error) {
				order = append(order, prio)
				return false, nil
			},
		}))
	}
	// Remove built-ins so only the probes run.
	for _, id := range []string{StrategyAudioContextReset, StrategyMemoryRelief, StrategyNetworkBackoff, StrategyServiceRestart} {
		e.Registry().Unregister(id)
	}

	e.Report(context.Background(), "network", "sync", errors.New("network down"), SeverityMedium, nil)
	assert.Equal(t, []int{10, 20, 30}, order)
}

func TestEngine_BreakerOpensAndShortCircuits(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultConfig())

	executed := 0
	require.NoError(t, e.Registry().Register(Strategy{
		ID:         "counter",
		Priority:   1,
		MaxRetries: 100,
		Applicable: func(ErrorContext) bool { return true },
		Execute: func(context.Context, ErrorContext) (bool, error) {
			executed++
			return false, nil
		},
	}))
	for _, id := range []string{StrategyAudioContextReset, StrategyMemoryRelief, StrategyNetworkBackoff, StrategyServiceRestart} {
		e.Registry().Unregister(id)
	}

	// Five unrecovered failures open the stt breaker.
	for i := 0; i < 5; i++ {
		recovered := e.Report(context.Background(), "stt", "transcribe", errors.New("network flaky"), SeverityHigh, nil)
		assert.False(t, recovered)
	}
	assert.True(t, e.Breakers().IsOpen("stt"))
	assert.Equal(t, 5, executed)

	// The sixth report short-circuits: recorded but no strategy runs.
	recovered := e.Report(context.Background(), "stt", "transcribe", errors.New("network flaky"), SeverityHigh, nil)
	assert.False(t, recovered)
	assert.Equal(t, 5, executed, "open breaker must skip strategy execution")
	assert.Len(t, e.History(), 6)
}

func TestEngine_BreakerTimeoutReenablesRecovery(t *testing.T) {
	e, clock, _ := newTestEngine(t, DefaultConfig())

	for i := 0; i < 5; i++ {
		e.Report(context.Background(), "wake", "detect", errors.New("temporary failure"), SeverityMedium, nil)
	}
	require.True(t, e.Breakers().IsOpen("wake"))

	clock.advance(30*time.Second + time.Millisecond)
	assert.False(t, e.Breakers().IsOpen("wake"))
}

func TestEngine_RetryCountCapsStrategy(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultConfig())

	executed := 0
	require.NoError(t, e.Registry().Register(Strategy{
		ID:         "capped",
		Priority:   1,
		MaxRetries: 2,
		Applicable: func(ErrorContext) bool { return true },
		Execute: func(context.Context, ErrorContext) (bool, error) {
			executed++
			return false, nil
		},
	}))
	for _, id := range []string{StrategyAudioContextReset, StrategyMemoryRelief, StrategyNetworkBackoff, StrategyServiceRestart} {
		e.Registry().Unregister(id)
	}

	// Reports 1 and 2 see retry counts 0 and 1; report 3 sees 2 and is
	// over budget.
	for i := 0; i < 4; i++ {
		e.Report(context.Background(), "audio", "play", errors.New("transient stall"), SeverityLow, nil)
	}
	assert.Equal(t, 2, executed)
}

func TestEngine_RetryWindowExpires(t *testing.T) {
	e, clock, _ := newTestEngine(t, DefaultConfig())

	e.Report(context.Background(), "audio", "play", errors.New("transient stall"), SeverityLow, nil)
	clock.advance(61 * time.Second)
	e.Report(context.Background(), "audio", "play", errors.New("transient stall"), SeverityLow, nil)

	hist := e.History()
	require.Len(t, hist, 2)
	assert.Equal(t, 0, hist[1].RetryCount, "reports outside the window must not count")
}

func TestEngine_HistoryTrimsOnOverflow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxHistorySize = 100
	e, _, _ := newTestEngine(t, cfg)

	for i := 0; i < 101; i++ {
		e.Report(context.Background(), "network", "sync", errors.New("unrecognized"), SeverityLow, map[string]any{"seq": i})
	}

	hist := e.History()
	assert.Len(t, hist, 90, "overflow trims to max-10 newest entries")
	assert.Equal(t, 11, hist[0].Metadata["seq"], "oldest entries are dropped")
	assert.Equal(t, 100, hist[len(hist)-1].Metadata["seq"])
}

func TestEngine_PanickingStrategyIsIsolated(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultConfig())

	require.NoError(t, e.Registry().Register(Strategy{
		ID:         "boom",
		Priority:   1,
		MaxRetries: 100,
		Applicable: func(ErrorContext) bool { return true },
		Execute: func(context.Context, ErrorContext) (bool, error) {
			panic("strategy bug")
		},
	}))
	require.NoError(t, e.Registry().Register(Strategy{
		ID:         "fallback",
		Priority:   2,
		MaxRetries: 100,
		Applicable: func(ErrorContext) bool { return true },
		Execute: func(context.Context, ErrorContext) (bool, error) {
			return true, nil
		},
	}))
	for _, id := range []string{StrategyAudioContextReset, StrategyMemoryRelief, StrategyNetworkBackoff, StrategyServiceRestart} {
		e.Registry().Unregister(id)
	}

	assert.NotPanics(t, func() {
		recovered := e.Report(context.Background(), "stt", "transcribe", errors.New("network blip"), SeverityMedium, nil)
		assert.True(t, recovered, "panicking strategy falls through to the next")
	})
}

func TestEngine_CallbacksObserveEveryReport(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultConfig())

	type event struct {
		service   string
		recovered bool
	}
	var events []event
	cancel := e.Subscribe(func(ec ErrorContext, recovered bool) {
		events = append(events, event{ec.Service, recovered})
	})
	e.Subscribe(func(ErrorContext, bool) { panic("callback bug") })

	assert.NotPanics(t, func() {
		e.Report(context.Background(), "stt", "transcribe", errors.New("unrecognized"), SeverityLow, nil)
	})
	require.Len(t, events, 1)
	assert.Equal(t, event{"stt", false}, events[0])

	cancel()
	e.Report(context.Background(), "stt", "transcribe", errors.New("unrecognized"), SeverityLow, nil)
	assert.Len(t, events, 1, "unsubscribed callback must not fire")
}

func TestEngine_AutoRecoveryDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableAutoRecovery = false
	e, _, emitter := newTestEngine(t, cfg)

	recovered := e.Report(context.Background(), "audio", "play", errors.New("audio glitch"), SeverityMedium, nil)
	assert.False(t, recovered)
	assert.Empty(t, emitter.emitted)
	assert.Len(t, e.History(), 1)
}

func TestEngine_Stats(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultConfig())

	require.NoError(t, e.Registry().Register(Strategy{
		ID:         "always-succeeds",
		Priority:   0,
		MaxRetries: 100,
		Applicable: func(ErrorContext) bool { return true },
		Execute:    func(context.Context, ErrorContext) (bool, error) { return true, nil },
	}))

	e.Report(context.Background(), "stt", "transcribe", errors.New("network blip"), SeverityMedium, nil)
	e.Report(context.Background(), "audio", "play", errors.New("unrecognized"), SeverityCritical, nil)

	st := e.Stats()
	assert.Equal(t, int64(2), st.TotalReported)
	assert.Equal(t, int64(1), st.TotalRecovered)
	assert.InDelta(t, 0.5, st.RecoveryRate, 1e-9)
	assert.Equal(t, 2, st.HistorySize)
	assert.Equal(t, 1, st.ErrorsByService["stt"])
	assert.Equal(t, 1, st.ErrorsBySeverity["critical"])
}

func TestEngine_UpdateConfig(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultConfig())

	cfg := e.Config()
	cfg.BreakerThreshold = 2
	e.UpdateConfig(cfg)

	e.Report(context.Background(), "stt", "transcribe", errors.New("unrecognized"), SeverityLow, nil)
	e.Report(context.Background(), "stt", "transcribe", errors.New("unrecognized"), SeverityLow, nil)
	assert.True(t, e.Breakers().IsOpen("stt"))

	// Invalid fields fall back to defaults rather than zero.
	e.UpdateConfig(Config{})
	assert.Equal(t, 5, e.Config().BreakerThreshold)
	assert.Equal(t, 100, e.Config().MaxHistorySize)
}

func TestEngine_InvalidSeverityDefaultsToMedium(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultConfig())

	e.Report(context.Background(), "stt", "transcribe", errors.New("unrecognized"), Severity("weird"), nil)
	hist := e.History()
	require.Len(t, hist, 1)
	assert.Equal(t, SeverityMedium, hist[0].Severity)
}
