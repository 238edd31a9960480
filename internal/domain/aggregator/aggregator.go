// Package aggregator maintains rolling-window reliability statistics per entity.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okian/tutorrisk/internal/domain/model"
	"github.com/okian/tutorrisk/pkg/logger"
	"github.com/okian/tutorrisk/pkg/metrics"
	"github.com/okian/tutorrisk/pkg/retry"
	"github.com/okian/tutorrisk/pkg/tracing"
)

// Defaults.
const (
	DefaultThreshold   = 15.0
	defaultConcurrency = 8
	day                = 24 * time.Hour
)

// DefaultWindows are the short, medium and long windows in days.
var DefaultWindows = [3]int{7, 30, 90}

// EventLister reads an entity's events with ScheduledTime in [since, until].
type EventLister interface {
	ListEvents(ctx context.Context, entityID string, since, until time.Time) ([]model.Event, error)
}

// EntityGetter resolves entities; unknown ids yield model.ErrNotFound.
type EntityGetter interface {
	GetEntity(ctx context.Context, id string) (model.Entity, error)
}

// StatWriter persists aggregates. Both writes are upserts.
type StatWriter interface {
	UpsertWindowStat(ctx context.Context, s model.WindowStat) error
	UpsertRiskScore(ctx context.Context, r model.RiskScore) error
}

// Aggregator computes windowed rates and risk scores.
type Aggregator struct {
	events   EventLister
	entities EntityGetter
	stats    StatWriter

	windows     atomic.Pointer[[3]int]
	concurrency int
	retry       retry.Policy
	log         logger.Logger
}

// New creates an Aggregator over the given stores.
func New(events EventLister, entities EntityGetter, stats StatWriter, opts ...Option) *Aggregator {
	a := &Aggregator{
		events:      events,
		entities:    entities,
		stats:       stats,
		concurrency: defaultConcurrency,
		retry:       retry.DefaultPolicy,
	}
	w := DefaultWindows
	a.windows.Store(&w)
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = logger.Get().Named("aggregator")
	}
	return a
}

// Windows returns the configured window sizes.
func (a *Aggregator) Windows() [3]int { return *a.windows.Load() }

// SetWindows swaps the window sizes used by later computations.
func (a *Aggregator) SetWindows(days [3]int) error {
	if err := ValidateWindows(days); err != nil {
		return err
	}
	a.windows.Store(&days)
	return nil
}

// ValidateWindows requires three positive, strictly increasing sizes.
func ValidateWindows(days [3]int) error {
	if days[0] <= 0 || days[0] >= days[1] || days[1] >= days[2] {
		return fmt.Errorf("%w: windows must be positive and increasing, got %v", model.ErrValidation, days)
	}
	return nil
}

// ValidateThreshold requires a percentage in [0, 100].
func ValidateThreshold(threshold float64) error {
	if math.IsNaN(threshold) || threshold < 0 || threshold > 100 {
		return fmt.Errorf("%w: threshold must be within [0, 100], got %v", model.ErrValidation, threshold)
	}
	return nil
}

// ComputeWindow counts the entity's events in [asOf-windowDays, asOf] and
// upserts the resulting stat.
func (a *Aggregator) ComputeWindow(ctx context.Context, entityID string, windowDays int, asOf time.Time) (model.WindowStat, error) {
	if windowDays <= 0 {
		return model.WindowStat{}, fmt.Errorf("%w: window_days must be positive, got %d", model.ErrValidation, windowDays)
	}
	if err := a.ensureEntity(ctx, entityID); err != nil {
		return model.WindowStat{}, err
	}
	since := asOf.Add(-time.Duration(windowDays) * day)
	events, err := a.events.ListEvents(ctx, entityID, since, asOf)
	if err != nil {
		return model.WindowStat{}, fmt.Errorf("list events for %s: %w", entityID, err)
	}
	stat := windowStat(entityID, windowDays, events, asOf)
	if err := a.persist(ctx, "window_stat", func(ctx context.Context) error {
		return a.stats.UpsertWindowStat(ctx, stat)
	}); err != nil {
		return model.WindowStat{}, err
	}
	return stat, nil
}

// UpdateRiskScore recomputes every window for the entity and upserts both the
// window stats and the risk score. A window above threshold marks the entity
// high risk.
func (a *Aggregator) UpdateRiskScore(ctx context.Context, entityID string, threshold float64, asOf time.Time) (score model.RiskScore, err error) {
	if err := ValidateThreshold(threshold); err != nil {
		return model.RiskScore{}, err
	}
	ctx, span := tracing.Start(ctx, "aggregator.UpdateRiskScore")
	defer func() { tracing.End(span, err) }()

	start := time.Now()
	defer func() {
		metrics.RecordWindowRecomputeLatency(float64(time.Since(start).Milliseconds()))
	}()

	if err := a.ensureEntity(ctx, entityID); err != nil {
		return model.RiskScore{}, err
	}
	windows := a.Windows()
	since := asOf.Add(-time.Duration(windows[2]) * day)
	events, err := a.events.ListEvents(ctx, entityID, since, asOf)
	if err != nil {
		return model.RiskScore{}, fmt.Errorf("list events for %s: %w", entityID, err)
	}

	stats, score := Summarize(entityID, events, windows, threshold, asOf)
	for _, s := range stats {
		if err := a.persist(ctx, "window_stat", func(ctx context.Context) error {
			return a.stats.UpsertWindowStat(ctx, s)
		}); err != nil {
			return model.RiskScore{}, err
		}
	}

	if err := a.persist(ctx, "risk_score", func(ctx context.Context) error {
		return a.stats.UpsertRiskScore(ctx, score)
	}); err != nil {
		return model.RiskScore{}, err
	}
	metrics.RecordRiskScoreUpdate()
	return score, nil
}

// BatchReport collects the outcome of RecomputeAll per entity.
type BatchReport struct {
	Scores    map[string]model.RiskScore
	Failed    map[string]error
	Cancelled []string
}

// RecomputeAll updates the risk score of every entity with bounded parallelism.
// Failures are recorded per entity and never stop the others. Entities not
// started before ctx ends are reported as cancelled.
func (a *Aggregator) RecomputeAll(ctx context.Context, entityIDs []string, threshold float64, asOf time.Time) BatchReport {
	report := BatchReport{
		Scores: make(map[string]model.RiskScore, len(entityIDs)),
		Failed: make(map[string]error),
	}
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(a.concurrency)
	for i, id := range entityIDs {
		if ctx.Err() != nil {
			mu.Lock()
			report.Cancelled = append(report.Cancelled, entityIDs[i:]...)
			mu.Unlock()
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				mu.Lock()
				report.Cancelled = append(report.Cancelled, id)
				mu.Unlock()
				return nil
			}
			score, err := a.UpdateRiskScore(ctx, id, threshold, asOf)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[id] = err
				metrics.RecordBatchItem("recompute", "failed")
				a.log.Warn(ctx, "risk recompute failed",
					logger.String("entity_id", id),
					logger.Error(err),
				)
				return nil
			}
			report.Scores[id] = score
			metrics.RecordBatchItem("recompute", "ok")
			return nil
		})
	}
	_ = g.Wait()
	slices.Sort(report.Cancelled)
	return report
}

func (a *Aggregator) ensureEntity(ctx context.Context, entityID string) error {
	if entityID == "" {
		return fmt.Errorf("%w: missing entity id", model.ErrValidation)
	}
	if _, err := a.entities.GetEntity(ctx, entityID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return fmt.Errorf("entity %s: %w", entityID, model.ErrNotFound)
		}
		return fmt.Errorf("lookup entity %s: %w", entityID, err)
	}
	return nil
}

func (a *Aggregator) persist(ctx context.Context, op string, fn func(context.Context) error) error {
	p := a.retry
	p.OnRetry = func(attempt int, err error) {
		metrics.RecordPersistenceRetry(op)
		a.log.Debug(ctx, "retrying upsert", logger.String("op", op), logger.Int("attempt", attempt), logger.Error(err))
	}
	if err := retry.Do(ctx, p, fn); err != nil {
		metrics.RecordErrorByComponent("aggregator", "persistence")
		return fmt.Errorf("%w: upsert %s: %w", model.ErrPersistence, op, err)
	}
	return nil
}

// Summarize computes the three window stats and the risk score of entityID
// from events as of asOf, without touching any store.
func Summarize(entityID string, events []model.Event, windows [3]int, threshold float64, asOf time.Time) ([3]model.WindowStat, model.RiskScore) {
	var stats [3]model.WindowStat
	for i, w := range windows {
		stats[i] = windowStat(entityID, w, events, asOf)
	}
	score := model.RiskScore{
		EntityID:         entityID,
		Rate7d:           stats[0].Rate,
		Rate30d:          stats[1].Rate,
		Rate90d:          stats[2].Rate,
		Total7d:          stats[0].TotalEvents,
		Total30d:         stats[1].TotalEvents,
		Total90d:         stats[2].TotalEvents,
		Flagged7d:        stats[0].FlaggedEvents,
		Flagged30d:       stats[1].FlaggedEvents,
		Flagged90d:       stats[2].FlaggedEvents,
		IsHighRisk:       stats[0].Rate > threshold || stats[1].Rate > threshold || stats[2].Rate > threshold,
		ThresholdUsed:    threshold,
		LastCalculatedAt: asOf,
	}
	return stats, score
}

// windowStat counts events inside [asOf-windowDays, asOf], both ends inclusive.
func windowStat(entityID string, windowDays int, events []model.Event, asOf time.Time) model.WindowStat {
	since := asOf.Add(-time.Duration(windowDays) * day)
	var total, flagged int
	for i := range events {
		t := events[i].ScheduledTime
		if t.Before(since) || t.After(asOf) {
			continue
		}
		total++
		if events[i].IsFlagged() {
			flagged++
		}
	}
	return model.WindowStat{
		EntityID:         entityID,
		WindowDays:       windowDays,
		TotalEvents:      total,
		FlaggedEvents:    flagged,
		Rate:             Rate(flagged, total),
		LastCalculatedAt: asOf,
	}
}

// Rate returns flagged/total as a percentage rounded to two decimals, or 0
// when total is 0.
func Rate(flagged, total int) float64 {
	if total <= 0 {
		return 0
	}
	r := float64(flagged) / float64(total) * 100
	r = math.Round(r*100) / 100
	return min(max(r, 0), 100)
}
