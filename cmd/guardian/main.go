// Command guardian runs the story device's fault-tolerance daemon: the
// error recovery engine, the resource monitor, and the health aggregator,
// wired together over the signal bus and exposed through HTTP endpoints.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"storyguard/internal/guardian"
	"storyguard/internal/health"
	"storyguard/internal/monitor"
	"storyguard/internal/observability/logging"
	"storyguard/internal/recovery"
	"storyguard/internal/signal"
)

func main() {
	logger := initLogger()

	guardianMetrics := guardian.NewMetrics()
	cfg, err := guardian.LoadConfigFromEnv(logger, guardianMetrics)
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("guardian configuration loaded",
		slog.Int("breaker_threshold", cfg.BreakerThreshold),
		slog.Duration("breaker_timeout", cfg.BreakerTimeout),
		slog.Duration("monitor_interval", cfg.MonitorInterval),
		slog.Duration("health_interval", cfg.HealthInterval),
		slog.String("stats_schedule", cfg.StatsSchedule),
		slog.Bool("webhook_enabled", cfg.WebhookEnabled))

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Signal bus plus optional webhook mirror.
	bus := signal.NewBus(logger)
	if cfg.WebhookEnabled {
		forwarder := signal.NewForwarder(cfg.ForwarderConfig(), logger)
		detach := forwarder.Attach(bus)
		defer detach()
		logger.Info("webhook forwarding enabled")
	}

	// Recovery engine with the built-in strategies.
	engine := recovery.NewEngine(cfg.EngineConfig(), bus, logger)

	// Resource monitor over the host sampler.
	thresholds, err := cfg.LoadThresholds()
	if err != nil {
		logger.Warn("using default resource thresholds", slog.Any("error", err))
	}
	mon := monitor.New(cfg.MonitorConfig(thresholds), nil, bus, logger)

	// Health aggregator fusing everything.
	aggregator := health.New(cfg.AggregatorConfig(), bus, nil, nil, logger)
	engine.Subscribe(func(ec recovery.ErrorContext, recovered bool) {
		aggregator.ObserveError(ec.Service, ec.Severity == recovery.SeverityCritical, recovered)
	})
	mon.OnSample(aggregator.UpdateResources)

	// HTTP surface.
	healthServer := guardian.NewHealthServer(cfg.HealthPort, logger)
	metricsServer := newMetricsServer(cfg.MetricsPort, engine, mon, aggregator, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := healthServer.Start(gctx); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := metricsServer.Start(gctx); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	// Periodic stats report.
	c := cron.New()
	if _, err := c.AddFunc(cfg.StatsSchedule, func() {
		reportStats(logger, guardianMetrics, engine, mon)
	}); err != nil {
		logger.Error("failed to schedule stats report", slog.Any("error", err))
		os.Exit(1)
	}
	c.Start()

	mon.Start(ctx)
	aggregator.Start(ctx)
	healthServer.SetReady(true)
	logger.Info("guardian started")

	go trackUptime(ctx, guardianMetrics)

	<-ctx.Done()
	logger.Info("shutdown requested")

	healthServer.SetReady(false)
	aggregator.Stop()
	mon.Stop()
	<-c.Stop().Done()

	if err := g.Wait(); err != nil {
		logger.Error("server error during shutdown", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("guardian stopped")
}

// initLogger builds the process logger. LOG_FORMAT=text switches to the
// colorized development handler; the default is JSON.
func initLogger() *slog.Logger {
	var logger *slog.Logger
	if os.Getenv("LOG_FORMAT") == "text" {
		logger = logging.NewTextLogger()
	} else {
		logger = logging.NewLogger()
	}
	slog.SetDefault(logger)
	return logger
}

// reportStats logs a periodic summary of recovery and resource activity.
func reportStats(logger *slog.Logger, m *guardian.Metrics, engine *recovery.Engine, mon *monitor.Monitor) {
	start := time.Now()

	stats := engine.Stats()
	fields := []any{
		slog.Int64("errors_reported", stats.TotalReported),
		slog.Int64("errors_recovered", stats.TotalRecovered),
		slog.Float64("recovery_rate", stats.RecoveryRate),
		slog.Int("open_breakers", stats.OpenBreakers),
		slog.String("memory_trend", string(mon.MemoryTrend())),
		slog.String("cpu_trend", string(mon.CPUTrend())),
	}
	if snap, ok := mon.Latest(); ok {
		fields = append(fields,
			slog.Float64("memory_percent", snap.MemoryPercent),
			slog.Float64("cpu_percent", snap.CPUPercent))
	}
	logger.Info("stats report", fields...)

	m.RecordStatsReport("success", time.Since(start).Seconds())
}

// trackUptime refreshes the uptime gauge every 15 seconds.
func trackUptime(ctx context.Context, m *guardian.Metrics) {
	start := time.Now()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(start).Seconds())
		}
	}
}
