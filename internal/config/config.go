// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Keys are flat snake_case names shared by the YAML file and the
//   TUTORRISK_* environment variables.
// - New(ctx) returns the defaults; Load layers file and env on top.
// - Errors wrap ErrInvalidConfig or ErrLoadConfig.
package config

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/okian/tutorrisk/internal/domain/risk"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// EventQueueSize bounds the in-memory event queue.
	EventQueueSize int `koanf:"queue_size"`

	// WorkerCount sets the number of event workers.
	WorkerCount int `koanf:"worker_count"`

	// DedupeSize sets the size of the in-memory deduplication cache.
	DedupeSize int `koanf:"dedupe_size"`

	// EventTimeout bounds the processing of one event.
	EventTimeout time.Duration `koanf:"event_timeout"`

	// MaxTopLimit caps GET /v1/risk/top?limit.
	MaxTopLimit int `koanf:"max_top_limit"`

	// MaxBatchSize caps POST /v1/predictions/batch.
	MaxBatchSize int `koanf:"max_batch_size"`

	// DatabaseDriver is postgres or sqlite; DatabaseURL is its DSN.
	DatabaseDriver string `koanf:"db_driver"`
	DatabaseURL    string `koanf:"database_url"`
	AutoMigrate    bool   `koanf:"db_auto_migrate"`

	// RedisURL enables the redis cache and deduper when set.
	RedisURL string        `koanf:"redis_url"`
	CacheTTL time.Duration `koanf:"cache_ttl"`

	// KafkaBrokers enables the Kafka consumer when set (comma separated in env).
	KafkaBrokers []string `koanf:"kafka_brokers"`
	KafkaTopic   string   `koanf:"kafka_topic"`
	KafkaGroupID string   `koanf:"kafka_group_id"`

	// Model artifact locations: file paths, file:// or gs:// URIs.
	ChurnModelURI      string        `koanf:"churn_model_uri"`
	RescheduleModelURI string        `koanf:"reschedule_model_uri"`
	ModelRetryCooldown time.Duration `koanf:"model_retry_cooldown"`

	// Rolling windows in days, shortest first.
	WindowShortDays  int `koanf:"window_short_days"`
	WindowMediumDays int `koanf:"window_medium_days"`
	WindowLongDays   int `koanf:"window_long_days"`

	// RiskThreshold is the percentage above which an entity is high risk.
	RiskThreshold float64 `koanf:"risk_threshold"`

	// Tier boundaries for churn and reschedule probabilities.
	ChurnLow       float64 `koanf:"churn_low"`
	ChurnHigh      float64 `koanf:"churn_high"`
	RescheduleLow  float64 `koanf:"reschedule_low"`
	RescheduleHigh float64 `koanf:"reschedule_high"`

	// PredictionFreshness is how long a stored prediction is served as is.
	PredictionFreshness time.Duration `koanf:"prediction_freshness"`
}

// New returns a Config holding the defaults.
func New(_ context.Context) *Config {
	return &Config{
		LogLevel:            "info",
		Addr:                ":9080",
		EventQueueSize:      10_000,
		WorkerCount:         runtime.NumCPU() * 2,
		DedupeSize:          50_000,
		EventTimeout:        30 * time.Second,
		MaxTopLimit:         100,
		MaxBatchSize:        500,
		DatabaseDriver:      "sqlite",
		DatabaseURL:         "tutorrisk.db?_busy_timeout=5000",
		AutoMigrate:         true,
		CacheTTL:            5 * time.Minute,
		KafkaGroupID:        "tutorrisk",
		ModelRetryCooldown:  time.Minute,
		WindowShortDays:     7,
		WindowMediumDays:    30,
		WindowLongDays:      90,
		RiskThreshold:       15,
		ChurnLow:            risk.DefaultChurnLow,
		ChurnHigh:           risk.DefaultChurnHigh,
		RescheduleLow:       risk.DefaultRescheduleLow,
		RescheduleHigh:      risk.DefaultRescheduleHigh,
		PredictionFreshness: 5 * time.Minute,
	}
}

// Windows returns the window sizes in days.
func (c *Config) Windows() [3]int {
	return [3]int{c.WindowShortDays, c.WindowMediumDays, c.WindowLongDays}
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Addr) == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.EventQueueSize <= 0:
		return fmt.Errorf("%w: queue_size must be positive", ErrInvalidConfig)
	case c.WorkerCount <= 0:
		return fmt.Errorf("%w: worker_count must be positive", ErrInvalidConfig)
	case c.DedupeSize <= 0:
		return fmt.Errorf("%w: dedupe_size must be positive", ErrInvalidConfig)
	case c.MaxTopLimit <= 0 || c.MaxBatchSize <= 0:
		return fmt.Errorf("%w: max_top_limit and max_batch_size must be positive", ErrInvalidConfig)
	case c.DatabaseURL == "":
		return fmt.Errorf("%w: database_url must not be empty", ErrInvalidConfig)
	case c.PredictionFreshness <= 0:
		return fmt.Errorf("%w: prediction_freshness must be positive", ErrInvalidConfig)
	case len(c.KafkaBrokers) > 0 && c.KafkaTopic == "":
		return fmt.Errorf("%w: kafka_topic is required with kafka_brokers", ErrInvalidConfig)
	}
	switch strings.ToLower(c.DatabaseDriver) {
	case "postgres", "postgresql", "sqlite":
	default:
		return fmt.Errorf("%w: unknown db_driver %q", ErrInvalidConfig, c.DatabaseDriver)
	}
	w := c.Windows()
	if w[0] <= 0 || w[0] >= w[1] || w[1] >= w[2] {
		return fmt.Errorf("%w: windows must be positive and increasing, got %v", ErrInvalidConfig, w)
	}
	if c.RiskThreshold < 0 || c.RiskThreshold > 100 {
		return fmt.Errorf("%w: risk_threshold must be within [0, 100]", ErrInvalidConfig)
	}
	if _, err := risk.NewThresholds(c.ChurnLow, c.ChurnHigh); err != nil {
		return fmt.Errorf("%w: churn thresholds: %w", ErrInvalidConfig, err)
	}
	if _, err := risk.NewThresholds(c.RescheduleLow, c.RescheduleHigh); err != nil {
		return fmt.Errorf("%w: reschedule thresholds: %w", ErrInvalidConfig, err)
	}
	return nil
}
