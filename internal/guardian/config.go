// Package guardian wires the fault-tolerance components into a runnable
// daemon: configuration, daemon-level metrics, and the health endpoint.
package guardian

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"storyguard/internal/health"
	"storyguard/internal/monitor"
	"storyguard/internal/pkg/config"
	"storyguard/internal/recovery"
	"storyguard/internal/signal"
)

// Config holds the guardian daemon configuration. Every field has a safe
// default; loading from the environment is fail-open, so a bad value never
// prevents startup.
type Config struct {
	// Recovery engine settings.
	BreakerThreshold   int
	BreakerTimeout     time.Duration
	MaxRetryAttempts   int
	RetryDelay         time.Duration
	ExponentialBackoff bool
	MaxBackoff         time.Duration
	EnableAutoRecovery bool
	LogAllErrors       bool
	MaxHistorySize     int

	// Resource monitor settings.
	MonitorInterval    time.Duration
	MonitorHistorySize int

	// ThresholdsFile is an optional YAML file overriding the monitor's
	// resource thresholds.
	ThresholdsFile string

	// Health aggregator settings.
	HealthInterval      time.Duration
	HealthDegradedAfter int
	HealthAutoOptimize  bool

	// StatsSchedule is the cron expression for the periodic stats report.
	StatsSchedule string

	// HTTP surface.
	MetricsPort int
	HealthPort  int

	// Webhook forwarding.
	WebhookEnabled bool
	WebhookURL     string
	WebhookTimeout time.Duration
}

// DefaultConfig returns the default guardian configuration.
func DefaultConfig() Config {
	return Config{
		BreakerThreshold:    5,
		BreakerTimeout:      30 * time.Second,
		MaxRetryAttempts:    3,
		RetryDelay:          time.Second,
		ExponentialBackoff:  true,
		MaxBackoff:          30 * time.Second,
		EnableAutoRecovery:  true,
		LogAllErrors:        true,
		MaxHistorySize:      100,
		MonitorInterval:     5 * time.Second,
		MonitorHistorySize:  60,
		HealthInterval:      5 * time.Second,
		HealthDegradedAfter: 2,
		HealthAutoOptimize:  true,
		StatsSchedule:       "*/5 * * * *",
		MetricsPort:         9090,
		HealthPort:          9091,
		WebhookEnabled:      false,
		WebhookTimeout:      5 * time.Second,
	}
}

// Validate checks the configuration, collecting all violations.
func (c *Config) Validate() error {
	var errs []error

	if err := config.ValidateIntRange(c.BreakerThreshold, 1, 100); err != nil {
		errs = append(errs, fmt.Errorf("breaker threshold: %w", err))
	}
	if err := config.ValidatePositiveDuration(c.BreakerTimeout); err != nil {
		errs = append(errs, fmt.Errorf("breaker timeout: %w", err))
	}
	if err := config.ValidateIntRange(c.MaxRetryAttempts, 1, 10); err != nil {
		errs = append(errs, fmt.Errorf("max retry attempts: %w", err))
	}
	if err := config.ValidatePositiveDuration(c.RetryDelay); err != nil {
		errs = append(errs, fmt.Errorf("retry delay: %w", err))
	}
	if err := config.ValidatePositiveDuration(c.MaxBackoff); err != nil {
		errs = append(errs, fmt.Errorf("max backoff: %w", err))
	}
	if err := config.ValidateIntRange(c.MaxHistorySize, 10, 10000); err != nil {
		errs = append(errs, fmt.Errorf("max history size: %w", err))
	}
	if err := config.ValidateDuration(c.MonitorInterval, time.Second, time.Hour); err != nil {
		errs = append(errs, fmt.Errorf("monitor interval: %w", err))
	}
	if err := config.ValidateIntRange(c.MonitorHistorySize, 10, 3600); err != nil {
		errs = append(errs, fmt.Errorf("monitor history size: %w", err))
	}
	if err := config.ValidateDuration(c.HealthInterval, time.Second, time.Hour); err != nil {
		errs = append(errs, fmt.Errorf("health interval: %w", err))
	}
	if err := config.ValidateIntRange(c.HealthDegradedAfter, 1, 10); err != nil {
		errs = append(errs, fmt.Errorf("health degraded after: %w", err))
	}
	if err := config.ValidateCronSchedule(c.StatsSchedule); err != nil {
		errs = append(errs, fmt.Errorf("stats schedule: %w", err))
	}
	if err := config.ValidateIntRange(c.MetricsPort, 1024, 65535); err != nil {
		errs = append(errs, fmt.Errorf("metrics port: %w", err))
	}
	if err := config.ValidateIntRange(c.HealthPort, 1024, 65535); err != nil {
		errs = append(errs, fmt.Errorf("health port: %w", err))
	}
	if c.WebhookEnabled && c.WebhookURL == "" {
		errs = append(errs, fmt.Errorf("webhook enabled without a URL"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed: %v", errs)
	}
	return nil
}

// LoadConfigFromEnv builds the configuration from environment variables
// with fail-open semantics: invalid or missing values fall back to
// defaults, with a warning log and a fallback metric per affected field.
// The error return exists for call-site symmetry and is always nil.
func LoadConfigFromEnv(logger *slog.Logger, metrics *Metrics) (*Config, error) {
	cfg := DefaultConfig()
	fallbackApplied := false

	note := func(field string, result config.ConfigLoadResult) {
		if !result.FallbackApplied {
			return
		}
		fallbackApplied = true
		metrics.RecordValidationError(field)
		metrics.RecordFallback(field, "default")
		for _, warning := range result.Warnings {
			logger.Warn("configuration fallback applied",
				slog.String("field", field),
				slog.String("warning", warning))
		}
	}

	r := config.LoadEnvInt("GUARDIAN_BREAKER_THRESHOLD", cfg.BreakerThreshold, func(v int) error {
		return config.ValidateIntRange(v, 1, 100)
	})
	cfg.BreakerThreshold = r.Value.(int)
	note("breaker_threshold", r)

	r = config.LoadEnvDuration("GUARDIAN_BREAKER_TIMEOUT", cfg.BreakerTimeout, config.ValidatePositiveDuration)
	cfg.BreakerTimeout = r.Value.(time.Duration)
	note("breaker_timeout", r)

	r = config.LoadEnvInt("GUARDIAN_MAX_RETRY_ATTEMPTS", cfg.MaxRetryAttempts, func(v int) error {
		return config.ValidateIntRange(v, 1, 10)
	})
	cfg.MaxRetryAttempts = r.Value.(int)
	note("max_retry_attempts", r)

	r = config.LoadEnvDuration("GUARDIAN_RETRY_DELAY", cfg.RetryDelay, config.ValidatePositiveDuration)
	cfg.RetryDelay = r.Value.(time.Duration)
	note("retry_delay", r)

	r = config.LoadEnvBool("GUARDIAN_EXPONENTIAL_BACKOFF", cfg.ExponentialBackoff)
	cfg.ExponentialBackoff = r.Value.(bool)
	note("exponential_backoff", r)

	r = config.LoadEnvDuration("GUARDIAN_MAX_BACKOFF", cfg.MaxBackoff, config.ValidatePositiveDuration)
	cfg.MaxBackoff = r.Value.(time.Duration)
	note("max_backoff", r)

	r = config.LoadEnvBool("GUARDIAN_AUTO_RECOVERY", cfg.EnableAutoRecovery)
	cfg.EnableAutoRecovery = r.Value.(bool)
	note("auto_recovery", r)

	r = config.LoadEnvBool("GUARDIAN_LOG_ALL_ERRORS", cfg.LogAllErrors)
	cfg.LogAllErrors = r.Value.(bool)
	note("log_all_errors", r)

	r = config.LoadEnvInt("GUARDIAN_MAX_HISTORY_SIZE", cfg.MaxHistorySize, func(v int) error {
		return config.ValidateIntRange(v, 10, 10000)
	})
	cfg.MaxHistorySize = r.Value.(int)
	note("max_history_size", r)

	r = config.LoadEnvDuration("GUARDIAN_MONITOR_INTERVAL", cfg.MonitorInterval, func(d time.Duration) error {
		return config.ValidateDuration(d, time.Second, time.Hour)
	})
	cfg.MonitorInterval = r.Value.(time.Duration)
	note("monitor_interval", r)

	r = config.LoadEnvInt("GUARDIAN_MONITOR_HISTORY_SIZE", cfg.MonitorHistorySize, func(v int) error {
		return config.ValidateIntRange(v, 10, 3600)
	})
	cfg.MonitorHistorySize = r.Value.(int)
	note("monitor_history_size", r)

	cfg.ThresholdsFile = config.LoadEnvString("GUARDIAN_THRESHOLDS_FILE", cfg.ThresholdsFile)

	r = config.LoadEnvDuration("GUARDIAN_HEALTH_INTERVAL", cfg.HealthInterval, func(d time.Duration) error {
		return config.ValidateDuration(d, time.Second, time.Hour)
	})
	cfg.HealthInterval = r.Value.(time.Duration)
	note("health_interval", r)

	r = config.LoadEnvInt("GUARDIAN_HEALTH_DEGRADED_AFTER", cfg.HealthDegradedAfter, func(v int) error {
		return config.ValidateIntRange(v, 1, 10)
	})
	cfg.HealthDegradedAfter = r.Value.(int)
	note("health_degraded_after", r)

	r = config.LoadEnvBool("GUARDIAN_HEALTH_AUTO_OPTIMIZE", cfg.HealthAutoOptimize)
	cfg.HealthAutoOptimize = r.Value.(bool)
	note("health_auto_optimize", r)

	r = config.LoadEnvWithFallback("GUARDIAN_STATS_SCHEDULE", cfg.StatsSchedule, config.ValidateCronSchedule)
	cfg.StatsSchedule = r.Value.(string)
	note("stats_schedule", r)

	r = config.LoadEnvInt("GUARDIAN_METRICS_PORT", cfg.MetricsPort, func(v int) error {
		return config.ValidateIntRange(v, 1024, 65535)
	})
	cfg.MetricsPort = r.Value.(int)
	note("metrics_port", r)

	r = config.LoadEnvInt("GUARDIAN_HEALTH_PORT", cfg.HealthPort, func(v int) error {
		return config.ValidateIntRange(v, 1024, 65535)
	})
	cfg.HealthPort = r.Value.(int)
	note("health_port", r)

	r = config.LoadEnvBool("GUARDIAN_WEBHOOK_ENABLED", cfg.WebhookEnabled)
	cfg.WebhookEnabled = r.Value.(bool)
	note("webhook_enabled", r)

	cfg.WebhookURL = config.LoadEnvString("GUARDIAN_WEBHOOK_URL", cfg.WebhookURL)
	if cfg.WebhookEnabled && cfg.WebhookURL == "" {
		cfg.WebhookEnabled = false
		fallbackApplied = true
		metrics.RecordFallback("webhook_enabled", "missing_url")
		logger.Warn("webhook forwarding disabled, GUARDIAN_WEBHOOK_URL not set")
	}

	r = config.LoadEnvDuration("GUARDIAN_WEBHOOK_TIMEOUT", cfg.WebhookTimeout, config.ValidatePositiveDuration)
	cfg.WebhookTimeout = r.Value.(time.Duration)
	note("webhook_timeout", r)

	metrics.SetFallbackActive(fallbackApplied)
	metrics.RecordLoadTimestamp()

	return &cfg, nil
}

// LoadThresholds reads the monitor thresholds override file. With no file
// configured, or an unreadable or invalid one, it returns the defaults; the
// error reports what went wrong for logging.
func (c *Config) LoadThresholds() (monitor.Thresholds, error) {
	def := monitor.DefaultThresholds()
	if c.ThresholdsFile == "" {
		return def, nil
	}

	raw, err := os.ReadFile(c.ThresholdsFile)
	if err != nil {
		return def, fmt.Errorf("read thresholds file: %w", err)
	}

	t := def
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return def, fmt.Errorf("parse thresholds file: %w", err)
	}

	// Partial files inherit defaults; nonsense values do not survive.
	if t.MemoryWarnBytes == 0 || t.MemoryCritBytes < t.MemoryWarnBytes {
		return def, fmt.Errorf("thresholds file: memory limits out of order")
	}
	if t.CPUWarnPercent <= 0 || t.CPUCritPercent < t.CPUWarnPercent {
		return def, fmt.Errorf("thresholds file: cpu limits out of order")
	}
	return t, nil
}

// EngineConfig derives the recovery engine configuration.
func (c *Config) EngineConfig() recovery.Config {
	return recovery.Config{
		MaxRetryAttempts:   c.MaxRetryAttempts,
		RetryDelay:         c.RetryDelay,
		ExponentialBackoff: c.ExponentialBackoff,
		MaxBackoff:         c.MaxBackoff,
		BreakerThreshold:   c.BreakerThreshold,
		BreakerTimeout:     c.BreakerTimeout,
		EnableAutoRecovery: c.EnableAutoRecovery,
		LogAllErrors:       c.LogAllErrors,
		MaxHistorySize:     c.MaxHistorySize,
	}
}

// MonitorConfig derives the resource monitor configuration.
func (c *Config) MonitorConfig(thresholds monitor.Thresholds) monitor.Config {
	return monitor.Config{
		Interval:    c.MonitorInterval,
		HistorySize: c.MonitorHistorySize,
		Thresholds:  thresholds,
	}
}

// AggregatorConfig derives the health aggregator configuration.
func (c *Config) AggregatorConfig() health.Config {
	cfg := health.DefaultConfig()
	cfg.Interval = c.HealthInterval
	cfg.DegradedThreshold = c.HealthDegradedAfter
	cfg.AutoOptimize = c.HealthAutoOptimize
	return cfg
}

// ForwarderConfig derives the webhook forwarder configuration.
func (c *Config) ForwarderConfig() signal.ForwarderConfig {
	cfg := signal.DefaultForwarderConfig()
	cfg.Enabled = c.WebhookEnabled
	cfg.WebhookURL = c.WebhookURL
	cfg.Timeout = c.WebhookTimeout
	return cfg
}
