package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/okian/tutorrisk/internal/adapters/cache"
	"github.com/okian/tutorrisk/internal/adapters/repository"
	"github.com/okian/tutorrisk/internal/domain/aggregator"
	"github.com/okian/tutorrisk/internal/domain/features"
	"github.com/okian/tutorrisk/internal/domain/model"
	"github.com/okian/tutorrisk/internal/domain/predictor"
	"github.com/okian/tutorrisk/pkg/keylock"
	"github.com/okian/tutorrisk/pkg/logger"
	"github.com/okian/tutorrisk/pkg/metrics"
	"github.com/okian/tutorrisk/pkg/retry"
	"github.com/okian/tutorrisk/pkg/tracing"
)

const (
	defaultBatchConcurrency = 8
	historyDays             = 90
)

// SessionPrediction is the reschedule risk of one scheduled session.
type SessionPrediction struct {
	SessionID string
	model.PredictionResult
}

// Orchestrator serves predictions: from cache, from the store while fresh,
// otherwise recomputed and persisted under a per-key lock.
type Orchestrator struct {
	store      repository.Store
	cache      cache.Cache
	aggregator *aggregator.Aggregator
	predictors map[model.PredictionKind]*predictor.Predictor
	settings   *Runtime

	locks       *keylock.Striped
	entityLocks *keylock.Striped
	ranker      atomic.Pointer[rankerRef]
	retry       retry.Policy
	concurrency int
	now         func() time.Time
	log         logger.Logger
}

type rankerRef struct{ repository.Ranker }

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithLocks shares a striped lock with other components.
func WithLocks(l *keylock.Striped) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.locks = l
		}
	}
}

// WithEntityLocks shares the per-entity lock that guards risk score updates.
// It must be a different Striped from the one passed to WithLocks.
func WithEntityLocks(l *keylock.Striped) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.entityLocks = l
		}
	}
}

// WithPersistRetry sets the policy for prediction upserts.
func WithPersistRetry(p retry.Policy) OrchestratorOption {
	return func(o *Orchestrator) { o.retry = p }
}

// WithBatchConcurrency bounds BatchGenerate and RefreshEntity parallelism.
func WithBatchConcurrency(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithOrchestratorClock overrides time.Now.
func WithOrchestratorClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithOrchestratorLogger sets the logger.
func WithOrchestratorLogger(l logger.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// NewOrchestrator wires the scoring pipeline. A nil cache disables caching.
func NewOrchestrator(
	store repository.Store,
	c cache.Cache,
	agg *aggregator.Aggregator,
	predictors []*predictor.Predictor,
	settings *Runtime,
	opts ...OrchestratorOption,
) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		cache:       c,
		aggregator:  agg,
		predictors:  make(map[model.PredictionKind]*predictor.Predictor, len(predictors)),
		settings:    settings,
		locks:       keylock.New(0),
		entityLocks: keylock.New(0),
		retry:       retry.DefaultPolicy,
		concurrency: defaultBatchConcurrency,
		now:         time.Now,
	}
	for _, p := range predictors {
		o.predictors[p.Kind()] = p
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = logger.Get().Named("orchestrator")
	}
	return o
}

// SetRanker makes recomputed risk scores update r. Nil detaches the ranking.
func (o *Orchestrator) SetRanker(r repository.Ranker) {
	if r == nil {
		o.ranker.Store(nil)
		return
	}
	o.ranker.Store(&rankerRef{r})
}

// EntityLocks returns the per-entity lock guarding risk score updates.
func (o *Orchestrator) EntityLocks() *keylock.Striped { return o.entityLocks }

// Predictor returns the predictor of kind, or nil.
func (o *Orchestrator) Predictor(kind model.PredictionKind) *predictor.Predictor {
	return o.predictors[kind]
}

// GetOrCreate returns the prediction for key, recomputing it when missing or
// older than the freshness window.
func (o *Orchestrator) GetOrCreate(ctx context.Context, key model.PairKey) (model.PredictionResult, error) {
	if err := validateKey(key); err != nil {
		return model.PredictionResult{}, err
	}
	freshness := o.settings.Get().Freshness
	now := o.now()

	if o.cache != nil {
		p, ok, err := o.cache.GetPrediction(ctx, key)
		switch {
		case err != nil:
			o.log.Warn(ctx, "prediction cache read failed", logger.String("key", key.String()), logger.Error(err))
		case ok && !p.IsStale(now, freshness):
			return p, nil
		}
	}

	p, err := o.store.GetPrediction(ctx, key)
	switch {
	case err == nil && !p.IsStale(now, freshness):
		o.cachePrediction(ctx, p)
		return p, nil
	case err != nil && !errors.Is(err, model.ErrNotFound):
		return model.PredictionResult{}, fmt.Errorf("load prediction %s: %w", key, err)
	}
	return o.Refresh(ctx, key)
}

// Refresh recomputes and persists the prediction for key. Concurrent refreshes
// of one key run one at a time and leave a single row.
func (o *Orchestrator) Refresh(ctx context.Context, key model.PairKey) (result model.PredictionResult, err error) {
	if err := validateKey(key); err != nil {
		return model.PredictionResult{}, err
	}
	ctx, span := tracing.Start(ctx, "orchestrator.Refresh", attribute.String("key", key.String()))
	defer func() { tracing.End(span, err) }()

	unlock, err := o.locks.Lock(ctx, "prediction:"+key.String())
	if err != nil {
		return model.PredictionResult{}, err
	}
	defer unlock()

	subject, counterpart, kind, err := o.resolve(ctx, key)
	if err != nil {
		return model.PredictionResult{}, err
	}
	now := o.now()

	in := features.Input{Subject: subject, Counterpart: counterpart, Now: now}
	tutorID := key.SubjectID
	if kind == model.PredictionChurn {
		tutorID = key.CounterpartID
	}
	in.Stats, err = o.tutorStats(ctx, tutorID, now)
	if err != nil {
		return model.PredictionResult{}, err
	}
	if kind == model.PredictionChurn {
		count, rate, err := o.pairHistory(ctx, tutorID, key.SubjectID, now)
		if err != nil {
			return model.PredictionResult{}, err
		}
		in.Session = &features.SessionContext{SessionsWithStudent: count, StudentRescheduleRate: rate}
	}

	result, err = o.score(ctx, kind, in)
	if err != nil {
		return model.PredictionResult{}, err
	}
	result.SubjectID = key.SubjectID
	result.CounterpartID = key.CounterpartID
	result.ComputedAt = now

	stored, err := o.persist(ctx, result)
	if err != nil {
		return model.PredictionResult{}, err
	}
	o.cachePrediction(ctx, stored)
	return stored, nil
}

// BatchGenerate refreshes keys with bounded parallelism. Keys that fail are
// logged and left out. When ctx ends, the results finished so far are
// returned with ctx.Err().
func (o *Orchestrator) BatchGenerate(ctx context.Context, keys []model.PairKey) ([]model.PredictionResult, error) {
	return o.refreshMany(ctx, "batch", keys)
}

// RefreshEntity refreshes every persisted prediction that involves entityID.
func (o *Orchestrator) RefreshEntity(ctx context.Context, entityID string) ([]model.PredictionResult, error) {
	existing, err := o.store.ListPredictionsInvolving(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("list predictions for %s: %w", entityID, err)
	}
	keys := make([]model.PairKey, len(existing))
	for i, p := range existing {
		keys[i] = p.Key()
	}
	return o.refreshMany(ctx, "refresh_entity", keys)
}

func (o *Orchestrator) refreshMany(ctx context.Context, op string, keys []model.PairKey) ([]model.PredictionResult, error) {
	results := make([]*model.PredictionResult, len(keys))

	g := new(errgroup.Group)
	g.SetLimit(o.concurrency)
	for i, key := range keys {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			p, err := o.Refresh(ctx, key)
			if err != nil {
				metrics.RecordBatchItem(op, "failed")
				if ctx.Err() == nil {
					o.log.Warn(ctx, "prediction refresh failed",
						logger.String("op", op),
						logger.String("key", key.String()),
						logger.Error(err),
					)
				}
				return nil
			}
			metrics.RecordBatchItem(op, "ok")
			results[i] = &p
			return nil
		})
	}
	_ = g.Wait()

	out := make([]model.PredictionResult, 0, len(keys))
	for _, p := range results {
		if p != nil {
			out = append(out, *p)
		}
	}
	return out, ctx.Err()
}

// PredictSession scores the reschedule risk of one scheduled session. The
// result is returned, never persisted.
func (o *Orchestrator) PredictSession(ctx context.Context, req model.SessionRequest) (sp SessionPrediction, err error) {
	if err := req.Validate(); err != nil {
		return SessionPrediction{}, err
	}
	ctx, span := tracing.Start(ctx, "orchestrator.PredictSession", attribute.String("session_id", req.SessionID))
	defer func() { tracing.End(span, err) }()

	tutor, err := o.store.GetEntity(ctx, req.TutorID)
	if err != nil {
		return SessionPrediction{}, fmt.Errorf("tutor %s: %w", req.TutorID, err)
	}
	var student *model.Entity
	if req.StudentID != "" {
		s, err := o.store.GetEntity(ctx, req.StudentID)
		if err != nil {
			return SessionPrediction{}, fmt.Errorf("student %s: %w", req.StudentID, err)
		}
		student = &s
	}
	now := o.now()
	stats, err := o.tutorStats(ctx, req.TutorID, now)
	if err != nil {
		return SessionPrediction{}, err
	}
	count, rate, err := o.pairHistory(ctx, req.TutorID, req.StudentID, req.ScheduledTime)
	if err != nil {
		return SessionPrediction{}, err
	}

	p, err := o.score(ctx, model.PredictionReschedule, features.Input{
		Subject:     tutor,
		Counterpart: student,
		Stats:       stats,
		Session: &features.SessionContext{
			ScheduledTime:         req.ScheduledTime,
			DurationMinutes:       req.DurationMinutes,
			SessionsWithStudent:   count,
			StudentRescheduleRate: rate,
		},
		Now: now,
	})
	if err != nil {
		return SessionPrediction{}, err
	}
	p.SubjectID = req.TutorID
	p.CounterpartID = req.StudentID
	p.ComputedAt = now
	return SessionPrediction{SessionID: req.SessionID, PredictionResult: p}, nil
}

// GetRiskScore returns the entity's risk score, computing it on first use.
func (o *Orchestrator) GetRiskScore(ctx context.Context, entityID string) (model.RiskScore, error) {
	if entityID == "" {
		return model.RiskScore{}, fmt.Errorf("%w: missing entity id", model.ErrValidation)
	}
	if o.cache != nil {
		s, ok, err := o.cache.GetRiskScore(ctx, entityID)
		switch {
		case err != nil:
			o.log.Warn(ctx, "risk score cache read failed", logger.String("entity_id", entityID), logger.Error(err))
		case ok:
			return s, nil
		}
	}

	s, err := o.store.GetRiskScore(ctx, entityID)
	if errors.Is(err, model.ErrNotFound) {
		s, err = o.aggregator.UpdateRiskScore(ctx, entityID, o.settings.Get().RiskThreshold, o.now())
	}
	if err != nil {
		return model.RiskScore{}, err
	}
	o.CacheRiskScore(ctx, s)
	return s, nil
}

// CacheRiskScore stores s in the cache, logging failures.
func (o *Orchestrator) CacheRiskScore(ctx context.Context, s model.RiskScore) {
	if o.cache == nil {
		return
	}
	if err := o.cache.SetRiskScore(ctx, s); err != nil {
		o.log.Warn(ctx, "risk score cache write failed", logger.String("entity_id", s.EntityID), logger.Error(err))
	}
}

// resolve loads the entities of key and picks the model family from their kinds.
func (o *Orchestrator) resolve(ctx context.Context, key model.PairKey) (subject model.Entity, counterpart *model.Entity, kind model.PredictionKind, err error) {
	subject, err = o.store.GetEntity(ctx, key.SubjectID)
	if err != nil {
		return model.Entity{}, nil, "", fmt.Errorf("subject %s: %w", key.SubjectID, err)
	}
	if key.CounterpartID == "" {
		if subject.Kind != model.KindTutor {
			return model.Entity{}, nil, "", fmt.Errorf("%w: %s is a %s; a single-subject key needs a tutor",
				model.ErrValidation, subject.ID, subject.Kind)
		}
		return subject, nil, model.PredictionReschedule, nil
	}

	c, err := o.store.GetEntity(ctx, key.CounterpartID)
	if err != nil {
		return model.Entity{}, nil, "", fmt.Errorf("counterpart %s: %w", key.CounterpartID, err)
	}
	if subject.Kind != model.KindStudent || c.Kind != model.KindTutor {
		return model.Entity{}, nil, "", fmt.Errorf("%w: pair keys are (student, tutor), got (%s, %s)",
			model.ErrValidation, subject.Kind, c.Kind)
	}
	return subject, &c, model.PredictionChurn, nil
}

// tutorStats returns the tutor's stored risk score while it is within the
// freshness window and recomputes it from events otherwise.
func (o *Orchestrator) tutorStats(ctx context.Context, tutorID string, now time.Time) (*model.RiskScore, error) {
	cur := o.settings.Get()
	s, err := o.store.GetRiskScore(ctx, tutorID)
	switch {
	case err == nil && !scoreStale(s, now, cur.Freshness):
		return &s, nil
	case err != nil && !errors.Is(err, model.ErrNotFound):
		return nil, fmt.Errorf("risk score %s: %w", tutorID, err)
	}

	unlock, err := o.entityLocks.Lock(ctx, tutorID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Another caller may have recomputed while we waited.
	if s, err := o.store.GetRiskScore(ctx, tutorID); err == nil && !scoreStale(s, now, cur.Freshness) {
		return &s, nil
	}
	s, err = o.aggregator.UpdateRiskScore(ctx, tutorID, cur.RiskThreshold, now)
	if err != nil {
		return nil, fmt.Errorf("recompute risk score %s: %w", tutorID, err)
	}
	if ref := o.ranker.Load(); ref != nil {
		ref.Upsert(ctx, s)
	}
	o.CacheRiskScore(ctx, s)
	return &s, nil
}

func scoreStale(s model.RiskScore, now time.Time, freshness time.Duration) bool {
	return now.Sub(s.LastCalculatedAt) > freshness
}

func (o *Orchestrator) pairHistory(ctx context.Context, tutorID, studentID string, before time.Time) (int, float64, error) {
	if studentID == "" {
		return 0, 0, nil
	}
	since := before.Add(-historyDays * 24 * time.Hour)
	events, err := o.store.ListEvents(ctx, tutorID, since, before)
	if err != nil {
		return 0, 0, fmt.Errorf("list events for %s: %w", tutorID, err)
	}
	count, rate := features.PairHistory(events, studentID, before)
	return count, rate, nil
}

func (o *Orchestrator) score(ctx context.Context, kind model.PredictionKind, in features.Input) (model.PredictionResult, error) {
	p := o.predictors[kind]
	if p == nil {
		p = predictor.New(kind, nil, o.log)
	}
	v := features.Extract(in)
	out, err := p.Predict(ctx, v)
	if err != nil {
		return model.PredictionResult{}, err
	}
	return model.PredictionResult{
		ID:              uuid.NewString(),
		Kind:            kind,
		Probability:     out.Probability,
		RiskTier:        o.settings.Get().Thresholds(kind).Classify(out.Probability),
		ModelVersion:    out.ModelVersion,
		Degraded:        out.Degraded,
		FeatureSnapshot: v.Map(),
	}, nil
}

// persist upserts p and reads back the stored row, whose id is the one kept
// by the first writer of the key.
func (o *Orchestrator) persist(ctx context.Context, p model.PredictionResult) (model.PredictionResult, error) {
	policy := o.retry
	policy.OnRetry = func(attempt int, err error) {
		metrics.RecordPersistenceRetry("prediction")
		o.log.Debug(ctx, "retrying prediction upsert",
			logger.String("key", p.Key().String()),
			logger.Int("attempt", attempt),
			logger.Error(err),
		)
	}

	var stored model.PredictionResult
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		if err := o.store.UpsertPrediction(ctx, p); err != nil {
			return err
		}
		var err error
		stored, err = o.store.GetPrediction(ctx, p.Key())
		return err
	})
	if err != nil {
		metrics.RecordErrorByComponent("orchestrator", "persistence")
		return model.PredictionResult{}, fmt.Errorf("%w: upsert prediction %s: %w", model.ErrPersistence, p.Key(), err)
	}
	return stored, nil
}

func (o *Orchestrator) cachePrediction(ctx context.Context, p model.PredictionResult) {
	if o.cache == nil {
		return
	}
	if err := o.cache.SetPrediction(ctx, p); err != nil {
		o.log.Warn(ctx, "prediction cache write failed", logger.String("key", p.Key().String()), logger.Error(err))
	}
}

// InvalidateEntity drops cached values that depend on entityID.
func (o *Orchestrator) InvalidateEntity(ctx context.Context, entityID string) {
	if o.cache == nil {
		return
	}
	if err := o.cache.DeleteRiskScore(ctx, entityID); err != nil {
		o.log.Warn(ctx, "risk score cache delete failed", logger.String("entity_id", entityID), logger.Error(err))
	}
}

func validateKey(key model.PairKey) error {
	switch {
	case key.SubjectID == "":
		return fmt.Errorf("%w: missing subject id", model.ErrValidation)
	case key.SubjectID == key.CounterpartID:
		return fmt.Errorf("%w: subject and counterpart are the same entity", model.ErrValidation)
	}
	return nil
}
