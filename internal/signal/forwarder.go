package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"storyguard/internal/observability/metrics"
)

// ForwarderConfig contains configuration for webhook signal forwarding.
type ForwarderConfig struct {
	// Enabled indicates whether webhook forwarding is enabled.
	Enabled bool

	// WebhookURL is the endpoint that receives signal payloads as JSON.
	WebhookURL string

	// Timeout is the HTTP request timeout for webhook calls.
	Timeout time.Duration

	// RatePerSecond limits outbound webhook calls. Signals above the rate
	// are dropped, not queued.
	RatePerSecond float64

	// Burst is the rate limiter burst size.
	Burst int
}

// DefaultForwarderConfig returns the default forwarder configuration.
// Forwarding is disabled until a webhook URL is configured.
func DefaultForwarderConfig() ForwarderConfig {
	return ForwarderConfig{
		Enabled:       false,
		Timeout:       5 * time.Second,
		RatePerSecond: 2.0,
		Burst:         4,
	}
}

// Forwarder mirrors bus signals to an external webhook so that a companion
// app or fleet dashboard can observe device-side recovery activity.
//
// Delivery is best effort: failures are logged and counted but never
// propagate to the emitter. The webhook call is guarded by a ratio-based
// circuit breaker so a dead endpoint does not cost a connection timeout
// per signal.
type Forwarder struct {
	cfg     ForwarderConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewForwarder creates a webhook forwarder with the given configuration.
func NewForwarder(cfg ForwarderConfig, logger *slog.Logger) *Forwarder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 2.0
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 4
	}
	if logger == nil {
		logger = slog.Default()
	}

	settings := gobreaker.Settings{
		Name:        "signal-webhook",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("webhook circuit breaker state changed",
				slog.String("circuit", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	}

	return &Forwarder{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		logger:  logger,
	}
}

// Attach subscribes the forwarder to a bus. Each signal is forwarded on its
// own goroutine so a slow webhook never blocks bus delivery. The returned
// function detaches the forwarder.
func (f *Forwarder) Attach(bus *Bus) func() {
	return bus.Subscribe(func(sig Signal) {
		go func() {
			if err := f.Forward(context.Background(), sig); err != nil {
				f.logger.Debug("signal forward failed",
					slog.String("type", string(sig.Type)),
					slog.String("error", err.Error()))
			}
		}()
	})
}

// Forward sends one signal to the webhook. The error return is informational;
// callers are free to ignore it.
func (f *Forwarder) Forward(ctx context.Context, sig Signal) error {
	if !f.cfg.Enabled || f.cfg.WebhookURL == "" {
		return nil
	}

	if !f.limiter.Allow() {
		metrics.SignalsForwardedTotal.WithLabelValues("rate_limited").Inc()
		return fmt.Errorf("signal forward rate limited")
	}

	_, err := f.breaker.Execute(func() (interface{}, error) {
		return nil, f.post(ctx, sig)
	})
	if err != nil {
		switch err {
		case gobreaker.ErrOpenState, gobreaker.ErrTooManyRequests:
			metrics.SignalsForwardedTotal.WithLabelValues("breaker_open").Inc()
		default:
			metrics.SignalsForwardedTotal.WithLabelValues("error").Inc()
		}
		return err
	}

	metrics.SignalsForwardedTotal.WithLabelValues("success").Inc()
	return nil
}

// post performs the webhook HTTP call.
func (f *Forwarder) post(ctx context.Context, sig Signal) error {
	body, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
