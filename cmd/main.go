// Package main is the tutorrisk binary: the HTTP service plus the offline
// jobs that share its configuration.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/okian/tutorrisk/internal/adapters/cache"
	"github.com/okian/tutorrisk/internal/adapters/mq/kafka"
	"github.com/okian/tutorrisk/internal/adapters/repository"
	service "github.com/okian/tutorrisk/internal/app"
	"github.com/okian/tutorrisk/internal/config"
	"github.com/okian/tutorrisk/internal/domain/dedupe"
	"github.com/okian/tutorrisk/internal/domain/model"
	"github.com/okian/tutorrisk/internal/domain/predictor"
	"github.com/okian/tutorrisk/internal/domain/risk"
	"github.com/okian/tutorrisk/pkg/logger"
)

const appName = "tutorrisk"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Disable default Go metrics collection to avoid duplicate metrics
	prometheus.Unregister(collectors.NewGoCollector())
	prometheus.Unregister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if err := logger.Init(); err != nil {
		// Use stderr for initialization errors since logger isn't available yet
		_, _ = os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	_ = logger.Sync()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Tutor reliability scores and churn/reschedule predictions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(
		serveCmd(),
		migrateCmd(),
		refreshCmd(),
		trainCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				cmd.Printf("%s version %s\n", appName, version)
			},
		},
	)
	return cmd
}

// loadConfig loads the layered configuration and applies its log level.
func loadConfig(ctx context.Context) (*config.Config, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, err
	}
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		logger.Get().Warn(ctx, "invalid log_level; falling back to info",
			logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*repository.SQLStore, error) {
	store, err := repository.Open(ctx, repository.SQLConfig{
		Driver:      cfg.DatabaseDriver,
		DSN:         cfg.DatabaseURL,
		AutoMigrate: cfg.AutoMigrate,
	}, repository.WithStoreLogger(logger.Named("repository")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store, nil
}

// settingsFromConfig maps the runtime-settable part of cfg.
func settingsFromConfig(cfg *config.Config) service.Settings {
	return service.Settings{
		Windows:       cfg.Windows(),
		RiskThreshold: cfg.RiskThreshold,
		Churn:         risk.Thresholds{Low: cfg.ChurnLow, High: cfg.ChurnHigh},
		Reschedule:    risk.Thresholds{Low: cfg.RescheduleLow, High: cfg.RescheduleHigh},
		Freshness:     cfg.PredictionFreshness,
	}
}

// buildService assembles the service from cfg. The returned cleanup closes
// what buildService opened besides the store.
func buildService(ctx context.Context, cfg *config.Config, store repository.Store, log logger.Logger) (*service.Service, func(), error) {
	runtimeSettings, err := service.NewRuntime(settingsFromConfig(cfg))
	if err != nil {
		return nil, nil, err
	}
	opts := []service.Option{
		service.WithLogger(log),
		service.WithSettings(runtimeSettings),
		service.WithWorkerCount(cfg.WorkerCount),
		service.WithQueueSize(cfg.EventQueueSize),
		service.WithDedupeSize(cfg.DedupeSize),
		service.WithEventTimeout(cfg.EventTimeout),
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.RedisURL != "" {
		client, err := cache.NewRedisClient(ctx, cache.RedisConfig{URL: cfg.RedisURL})
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { _ = client.Close() })
		opts = append(opts,
			service.WithCache(cache.NewRedis(client, cache.WithTTL(cfg.CacheTTL))),
			service.WithDeduper(dedupe.NewRedisDeduper(client)),
		)
		log.Info(ctx, "redis cache and deduper enabled")
	} else {
		opts = append(opts, service.WithCache(cache.NewMemory(cache.WithTTL(cfg.CacheTTL))))
	}

	models := map[model.PredictionKind]string{
		model.PredictionChurn:      cfg.ChurnModelURI,
		model.PredictionReschedule: cfg.RescheduleModelURI,
	}
	for kind, uri := range models {
		if uri == "" {
			log.Warn(ctx, "no model configured; fallback scoring in use", logger.String("kind", string(kind)))
			continue
		}
		src, err := predictor.NewSource(ctx, uri)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("%s model source: %w", kind, err)
		}
		if c, ok := src.(interface{ Close() error }); ok {
			closers = append(closers, func() { _ = c.Close() })
		}
		reg := predictor.NewRegistry(string(kind), src,
			predictor.WithRetryCooldown(cfg.ModelRetryCooldown),
			predictor.WithRegistryLogger(log.Named("registry."+string(kind))),
		)
		opts = append(opts, service.WithModelRegistry(kind, reg))
	}

	if len(cfg.KafkaBrokers) > 0 {
		opts = append(opts, service.WithKafka(kafka.Config{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroupID,
		}))
	}

	return service.New(store, opts...), cleanup, nil
}

// ignoreNoConfigFile drops the error Watch returns when no file is configured.
func ignoreNoConfigFile(err error) error {
	if errors.Is(err, config.ErrNoConfigFile) {
		return nil
	}
	return err
}
