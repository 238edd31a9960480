package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/okian/tutorrisk/internal/adapters/repository"
	"github.com/okian/tutorrisk/internal/domain/model"
	"github.com/okian/tutorrisk/internal/domain/training"
	"github.com/okian/tutorrisk/pkg/logger"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate [command] [args...]",
		Short: "Run database migrations (up, down, status, version, redo, up-to, down-to, reset)",
		Long: `Postgres databases are migrated with the embedded goose migrations.
SQLite databases are created from the row structs; only "up" applies to them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			command := "up"
			if len(args) > 0 {
				command, args = args[0], args[1:]
			}
			return migrate(cmd.Context(), command, args...)
		},
	}
}

func migrate(ctx context.Context, command string, args ...string) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	log := logger.Named("migrate")
	switch strings.ToLower(cfg.DatabaseDriver) {
	case repository.DriverPostgres, "postgresql":
		if err := repository.Migrate(ctx, cfg.DatabaseURL, command, args...); err != nil {
			return err
		}
	default:
		if command != "up" {
			return fmt.Errorf("%w: %s is only supported on postgres", model.ErrValidation, command)
		}
		cfg.AutoMigrate = true
		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		_ = store.Close()
	}
	log.Info(ctx, "migration finished", logger.String("command", command), logger.String("driver", cfg.DatabaseDriver))
	return nil
}

func refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Recompute every tutor's risk score and every stored prediction",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return refresh(cmd.Context())
		},
	}
}

func refresh(ctx context.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	log := logger.Named("refresh")

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	// Kafka is left out: a batch job must not join the consumer group.
	cfg.KafkaBrokers = nil
	svc, cleanup, err := buildService(ctx, cfg, store, log)
	if err != nil {
		return err
	}
	defer cleanup()

	start := time.Now()
	report, err := svc.RefreshAll(ctx)
	log.Info(ctx, "refresh finished",
		logger.Int("scores", len(report.Scores.Scores)),
		logger.Int("score_failures", len(report.Scores.Failed)),
		logger.Int("prediction_keys", report.Keys),
		logger.Int("predictions", len(report.Predictions)),
		logger.Duration("took", time.Since(start)),
	)
	return err
}

type trainFlags struct {
	kind         string
	out          string
	days         int
	testFraction float64
	seed         uint64
	version      string
	epochs       int
	learningRate float64
	l2           float64
	standardize  bool
	classWeight  float64
}

func trainCmd() *cobra.Command {
	defaults := training.DefaultOptions()
	f := trainFlags{}
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fit a logistic regression artifact from stored session history",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return train(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&f.kind, "kind", "reschedule", "Model to train (churn, reschedule)")
	cmd.Flags().StringVarP(&f.out, "out", "o", "", "Artifact output path (default <kind>-<version>.json)")
	cmd.Flags().IntVar(&f.days, "days", 180, "History to learn from, in days before now")
	cmd.Flags().Float64Var(&f.testFraction, "test-fraction", 0.2, "Share of rows held out for evaluation")
	cmd.Flags().Uint64Var(&f.seed, "seed", 42, "Seed for the train/test split")
	cmd.Flags().StringVar(&f.version, "version", "", "Artifact version (default: training timestamp)")
	cmd.Flags().IntVar(&f.epochs, "epochs", defaults.Epochs, "Gradient descent epochs")
	cmd.Flags().Float64Var(&f.learningRate, "lr", defaults.LearningRate, "Learning rate")
	cmd.Flags().Float64Var(&f.l2, "l2", defaults.L2, "L2 regularization strength")
	cmd.Flags().BoolVar(&f.standardize, "standardize", defaults.Standardize, "Standardize features before fitting")
	cmd.Flags().Float64Var(&f.classWeight, "class-weight", defaults.ClassWeight, "Loss weight of positive rows")
	return cmd
}

func train(ctx context.Context, f trainFlags) error {
	kind, err := model.ParsePredictionKind(f.kind)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	log := logger.Named("train")

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	until := time.Now().UTC()
	since := until.AddDate(0, 0, -f.days)
	b := training.Builder{Store: store, Windows: cfg.Windows(), Threshold: cfg.RiskThreshold}

	var ds training.Dataset
	if kind == model.PredictionChurn {
		ds, err = b.Churn(ctx, since, until)
	} else {
		ds, err = b.Reschedule(ctx, since, until)
	}
	if err != nil {
		return fmt.Errorf("build dataset: %w", err)
	}
	log.Info(ctx, "dataset built",
		logger.String("kind", string(kind)),
		logger.Int("rows", ds.Len()),
		logger.Float64("base_rate", ds.BaseRate()),
	)

	trainSet, testSet := ds.Split(f.testFraction, f.seed)
	art, err := training.Train(trainSet, training.Options{
		Version:      f.version,
		Epochs:       f.epochs,
		LearningRate: f.learningRate,
		L2:           f.l2,
		Standardize:  f.standardize,
		ClassWeight:  f.classWeight,
	})
	if err != nil {
		return fmt.Errorf("train: %w", err)
	}

	if testSet.Len() > 0 {
		m, err := training.Evaluate(art, testSet)
		if err != nil {
			return fmt.Errorf("evaluate: %w", err)
		}
		for k, v := range m.Map("test_") {
			art.Metrics[k] = v
		}
		log.Info(ctx, "evaluation",
			logger.Float64("accuracy", m.Accuracy),
			logger.Float64("precision", m.Precision),
			logger.Float64("recall", m.Recall),
			logger.Float64("f1", m.F1),
			logger.Float64("roc_auc", m.AUC),
			logger.Float64("log_loss", m.LogLoss),
			logger.Float64("mean_predicted", m.MeanPredicted),
			logger.Float64("base_rate", m.BaseRate),
			logger.Float64("calibration_gap", m.CalibrationGap()),
		)
	}

	out := f.out
	if out == "" {
		out = fmt.Sprintf("%s-%s.json", kind, art.Version)
	}
	data, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	if err := os.WriteFile(out, data, 0o600); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	log.Info(ctx, "artifact written", logger.String("path", out), logger.String("version", art.Version))
	return nil
}
