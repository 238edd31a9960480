package simulate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okian/tutorrisk/internal/domain/model"
	"github.com/okian/tutorrisk/pkg/logger"
)

const (
	directoryPermission = 0o750
	filePermission      = 0o600
	drainPollInterval   = 250 * time.Millisecond
)

// Run executes a complete simulation: health check, entity registration,
// event delivery through sink, a wait for the workers to drain, and
// verification.
func Run(ctx context.Context, cfg *Config, c *Client, sink Sink, log logger.Logger) (*Stats, Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, Report{}, err
	}
	stats := &Stats{StartTime: time.Now()}
	log.Info(ctx, "starting simulation",
		logger.String("baseURL", cfg.BaseURL),
		logger.String("sink", cfg.Sink),
		logger.Int("tutors", cfg.Tutors),
		logger.Int("students", cfg.Students),
		logger.Int("sessionsPerTutor", cfg.SessionsPerTutor),
		logger.Int("days", cfg.Days),
		logger.Any("seed", cfg.Seed),
	)

	if err := c.Health(ctx); err != nil {
		return stats, Report{}, fmt.Errorf("service health check failed: %w", err)
	}

	plan := Generate(cfg, time.Now())
	stats.EventsGenerated = len(plan.Events)
	log.Info(ctx, "generated plan", logger.Int("events", len(plan.Events)))

	if err := register(ctx, c, plan, cfg.Workers, stats); err != nil {
		return stats, Report{}, fmt.Errorf("entity registration failed: %w", err)
	}

	baseline := processed(ctx, c)
	if err := sink.Send(ctx, plan.Events, stats); err != nil {
		return stats, Report{}, fmt.Errorf("event delivery failed: %w", err)
	}

	log.Info(ctx, "waiting for events to be processed")
	if err := waitDrained(ctx, c, baseline+stats.EventsAccepted, cfg.Settle); err != nil {
		log.Warn(ctx, "workers did not drain in time; verifying anyway", logger.Error(err))
	}

	settings, err := c.Settings(ctx)
	if err != nil {
		return stats, Report{}, fmt.Errorf("fetch settings: %w", err)
	}
	report, err := Verify(ctx, c, plan, settings.Windows, settings.RiskThreshold, cfg.TopN, log)
	if err != nil {
		return stats, report, fmt.Errorf("verification failed: %w", err)
	}
	stats.EntriesVerified = report.Checked
	stats.Mismatches = len(report.Mismatches)
	for _, m := range report.Mismatches {
		log.Warn(ctx, "mismatch", logger.String("detail", m))
	}

	if cfg.OutputFile != "" {
		if err := saveEvents(cfg.OutputFile, plan.Events); err != nil {
			log.Warn(ctx, "failed to save events to file", logger.Error(err))
		} else {
			log.Info(ctx, "events saved to file", logger.String("filename", cfg.OutputFile))
		}
	}

	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)
	displayFinalStats(ctx, log, stats)
	return stats, report, nil
}

// register creates every tutor and student before their events arrive.
func register(ctx context.Context, c *Client, p *Plan, workers int, stats *Stats) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, t := range p.Tutors {
		g.Go(func() error { return c.PutEntity(ctx, t.ID, model.KindTutor, t.Attributes) })
	}
	for _, s := range p.Students {
		g.Go(func() error { return c.PutEntity(ctx, s.ID, model.KindStudent, s.Attributes) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	stats.TutorsRegistered = len(p.Tutors)
	stats.StudentsRegistered = len(p.Students)
	return nil
}

// processed reads how many events the workers have finished, successfully
// or not. Zero when the stats are unavailable.
func processed(ctx context.Context, c *Client) int {
	stats, err := c.Stats(ctx)
	if err != nil {
		return 0
	}
	done, _ := stats["eventsProcessed"].(float64)
	failed, _ := stats["eventsFailed"].(float64)
	return int(done + failed)
}

// waitDrained polls /stats until target events are finished or settle passes.
func waitDrained(ctx context.Context, c *Client, target int, settle time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, settle)
	defer cancel()
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		if processed(ctx, c) >= target {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func saveEvents(filename string, events []model.EventPayload) error {
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, directoryPermission); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}
	return os.WriteFile(filename, data, filePermission)
}

func displayFinalStats(ctx context.Context, log logger.Logger, stats *Stats) {
	var acceptRate, eventsPerSecond float64
	if stats.EventsSubmitted > 0 {
		acceptRate = float64(stats.EventsAccepted) / float64(stats.EventsSubmitted) * 100
	}
	if stats.Duration > 0 {
		eventsPerSecond = float64(stats.EventsSubmitted) / stats.Duration.Seconds()
	}
	log.Info(ctx, "final statistics",
		logger.Int("tutorsRegistered", stats.TutorsRegistered),
		logger.Int("studentsRegistered", stats.StudentsRegistered),
		logger.Int("eventsGenerated", stats.EventsGenerated),
		logger.Int("eventsSubmitted", stats.EventsSubmitted),
		logger.Int("eventsAccepted", stats.EventsAccepted),
		logger.Int("eventsDuplicate", stats.EventsDuplicate),
		logger.Int("eventsFailed", stats.EventsFailed),
		logger.Int("entriesVerified", stats.EntriesVerified),
		logger.Int("mismatches", stats.Mismatches),
		logger.Duration("duration", stats.Duration),
		logger.Float64("acceptRate", acceptRate),
		logger.Float64("eventsPerSecond", eventsPerSecond),
	)
}
