// Package service provides the core business service that implements
// the dependencies required by the HTTP API and the command line.
package service

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/tutorrisk/internal/adapters/cache"
	"github.com/okian/tutorrisk/internal/adapters/mq/kafka"
	eventqueue "github.com/okian/tutorrisk/internal/adapters/mq/queue"
	workerpool "github.com/okian/tutorrisk/internal/adapters/mq/worker"
	"github.com/okian/tutorrisk/internal/adapters/repository"
	"github.com/okian/tutorrisk/internal/domain/aggregator"
	"github.com/okian/tutorrisk/internal/domain/dedupe"
	"github.com/okian/tutorrisk/internal/domain/model"
	"github.com/okian/tutorrisk/internal/domain/predictor"
	"github.com/okian/tutorrisk/pkg/logger"
	"github.com/okian/tutorrisk/pkg/metrics"
	"github.com/okian/tutorrisk/pkg/retry"
)

// Service owns the ingestion pipeline and exposes the scoring operations.
type Service struct {
	mu sync.RWMutex

	// Core components
	store        repository.Store
	cache        cache.Cache
	deduper      dedupe.Deduper
	settings     *Runtime
	aggregator   *aggregator.Aggregator
	orchestrator *Orchestrator
	registries   map[model.PredictionKind]*predictor.Registry

	// Built by Start
	ranker     *repository.RiskIndex
	eventQueue atomic.Pointer[eventqueue.InMemoryQueue]
	workerPool *workerpool.Pool
	consumer   *kafka.Consumer
	cancel     context.CancelFunc
	stopKafka  context.CancelFunc
	wg         sync.WaitGroup

	// Configuration
	workerCount  int
	queueSize    int
	dedupeSize   int
	eventTimeout time.Duration
	workerRetry  retry.Policy
	kafkaConfig  *kafka.Config

	// State
	started bool

	// Logging
	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithWorkerCount sets the number of worker goroutines.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the maximum size of the event queue.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithDedupeSize sets the size of the in-memory deduplication cache.
func WithDedupeSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.dedupeSize = size
		}
	}
}

// WithDeduper replaces the in-memory deduper, e.g. with the redis one.
func WithDeduper(d dedupe.Deduper) Option {
	return func(s *Service) { s.deduper = d }
}

// WithCache sets the prediction and risk score cache.
func WithCache(c cache.Cache) Option {
	return func(s *Service) { s.cache = c }
}

// WithSettings sets the runtime tunables.
func WithSettings(r *Runtime) Option {
	return func(s *Service) {
		if r != nil {
			s.settings = r
		}
	}
}

// WithModelRegistry registers the artifact registry of a prediction kind.
func WithModelRegistry(kind model.PredictionKind, r *predictor.Registry) Option {
	return func(s *Service) {
		if r != nil {
			s.registries[kind] = r
		}
	}
}

// WithKafka consumes session events from a Kafka topic after Start.
func WithKafka(cfg kafka.Config) Option {
	return func(s *Service) { s.kafkaConfig = &cfg }
}

// WithEventTimeout bounds the processing of one event.
func WithEventTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.eventTimeout = d
		}
	}
}

// WithWorkerRetry sets the per-event retry policy.
func WithWorkerRetry(p retry.Policy) Option {
	return func(s *Service) { s.workerRetry = p }
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs a Service over store.
func New(store repository.Store, opts ...Option) *Service {
	s := &Service{
		store:        store,
		registries:   make(map[model.PredictionKind]*predictor.Registry),
		workerCount:  runtime.NumCPU() * 2,
		queueSize:    10000,
		dedupeSize:   50000,
		eventTimeout: 30 * time.Second,
		workerRetry:  retry.Policy{Attempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}
	if s.deduper == nil {
		s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.dedupeSize))
	}
	if s.cache == nil {
		s.cache = cache.NewMemory()
	}
	if s.settings == nil {
		s.settings, _ = NewRuntime(DefaultSettings())
	}

	cur := s.settings.Get()
	s.aggregator = aggregator.New(store, store, store,
		aggregator.WithWindows(cur.Windows),
		aggregator.WithLogger(s.logger.Named("aggregator")),
	)
	s.settings.OnChange(func(next Settings) {
		if err := s.aggregator.SetWindows(next.Windows); err != nil {
			s.logger.Error(context.Background(), "failed to apply windows", logger.Error(err))
		}
	})

	predictors := make([]*predictor.Predictor, 0, 2)
	for _, kind := range []model.PredictionKind{model.PredictionChurn, model.PredictionReschedule} {
		predictors = append(predictors, predictor.New(kind, s.registries[kind], s.logger.Named("predictor."+string(kind))))
	}
	s.orchestrator = NewOrchestrator(store, s.cache, s.aggregator, predictors, s.settings,
		WithOrchestratorLogger(s.logger.Named("orchestrator")),
	)
	return s
}

// Start warms the risk ranking from the store, loads models and starts the
// workers and, when configured, the Kafka consumer.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.logger.Info(ctx, "starting tutor risk service...")

	scores, err := s.store.ListRiskScores(ctx)
	if err != nil {
		return fmt.Errorf("warm risk index: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.ranker = repository.NewRiskIndex(runCtx)
	s.ranker.Warm(ctx, scores)
	s.orchestrator.SetRanker(s.ranker)
	s.logger.Info(ctx, "risk index warmed", logger.Int("entities", len(scores)))

	for kind, reg := range s.registries {
		if _, err := reg.Load(ctx); err != nil {
			s.logger.Warn(ctx, "model not loaded, predictions will use the fallback",
				logger.String("kind", string(kind)),
				logger.Error(err),
			)
		}
	}

	queue := eventqueue.NewInMemoryQueue(eventqueue.WithCapacity(s.queueSize))
	processor := NewEventProcessor(s.store, s.aggregator, s.ranker, s.orchestrator, s.settings, s.logger.Named("processor"))
	s.workerPool = workerpool.NewPool(s.workerCount, queue, processor,
		workerpool.WithLogger(s.logger.Named("worker")),
		workerpool.WithRetryPolicy(s.workerRetry),
		workerpool.WithEventTimeout(s.eventTimeout),
	)
	s.workerPool.Start(runCtx)
	s.eventQueue.Store(queue)

	if s.kafkaConfig != nil {
		consumer, err := kafka.NewConsumer(*s.kafkaConfig, s.handleKafkaEvent,
			kafka.WithLogger(s.logger.Named("kafka")),
		)
		if err != nil {
			s.stopLocked(ctx)
			return fmt.Errorf("kafka consumer: %w", err)
		}
		kafkaCtx, stopKafka := context.WithCancel(runCtx)
		s.consumer = consumer
		s.stopKafka = stopKafka
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := consumer.Run(kafkaCtx); err != nil {
				s.logger.Error(kafkaCtx, "kafka consumer stopped", logger.Error(err))
			}
		}()
	}

	s.started = true
	s.logger.Info(ctx, "tutor risk service started",
		logger.Int("workers", s.workerPool.Size()),
		logger.Int("queueSize", s.queueSize),
		logger.Bool("kafka", s.consumer != nil),
	)
	return nil
}

// Stop drains the queue and shuts every background component down.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	ctx := context.Background()
	s.logger.Info(ctx, "stopping tutor risk service...")
	s.stopLocked(ctx)
	s.started = false
	s.logger.Info(ctx, "tutor risk service stopped")
}

func (s *Service) stopLocked(ctx context.Context) {
	if s.consumer != nil {
		s.stopKafka()
		s.wg.Wait()
		_ = s.consumer.Close()
		s.consumer = nil
	}
	if s.workerPool != nil {
		if err := s.workerPool.Shutdown(ctx); err != nil {
			s.logger.Warn(ctx, "worker pool shutdown incomplete", logger.Error(err))
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.ranker != nil {
		s.orchestrator.SetRanker(nil)
		_ = s.ranker.Close()
	}
}

// Ingest dedupes e and queues it for processing. It reports true when the
// event was already seen. A full queue yields ErrBackpressure and the event
// id is released so that a retry is accepted.
func (s *Service) Ingest(ctx context.Context, source string, e model.Event) (duplicate bool, err error) {
	if err := e.Validate(); err != nil {
		metrics.RecordEventRejected("invalid")
		return false, err
	}

	queue := s.eventQueue.Load()
	if queue == nil {
		return false, ErrNotStarted
	}

	seen, err := s.deduper.SeenAndRecord(ctx, e.EventID)
	if err != nil {
		s.logger.Warn(ctx, "dedupe unavailable, relying on store idempotency",
			logger.String("event_id", e.EventID),
			logger.Error(err),
		)
	}
	if seen {
		metrics.RecordEventDuplicate()
		s.logger.Debug(ctx, "duplicate event detected, skipping", logger.String("event_id", e.EventID))
		return true, nil
	}

	if err := queue.Enqueue(ctx, e); err != nil {
		if uerr := s.deduper.Unrecord(ctx, e.EventID); uerr != nil {
			s.logger.Warn(ctx, "failed to release event id", logger.String("event_id", e.EventID), logger.Error(uerr))
		}
		switch {
		case errors.Is(err, eventqueue.ErrFull):
			metrics.RecordEventRejected("backpressure")
			return false, fmt.Errorf("%w: %w", ErrBackpressure, err)
		case errors.Is(err, eventqueue.ErrClosed):
			return false, fmt.Errorf("%w: %w", ErrStopped, err)
		default:
			return false, err
		}
	}
	metrics.RecordEventIngested(source)
	return false, nil
}

func (s *Service) handleKafkaEvent(ctx context.Context, e model.Event) error {
	_, err := s.Ingest(ctx, "kafka", e)
	if errors.Is(err, ErrBackpressure) {
		return fmt.Errorf("%w: %w", kafka.ErrBackpressure, err)
	}
	return err
}

// UpsertEntity stores a tutor or student profile.
func (s *Service) UpsertEntity(ctx context.Context, e model.Entity) error {
	return s.store.UpsertEntity(ctx, e)
}

// GetRiskScore returns the risk score of an entity.
func (s *Service) GetRiskScore(ctx context.Context, entityID string) (model.RiskScore, error) {
	return s.orchestrator.GetRiskScore(ctx, entityID)
}

// Predict returns a fresh-enough prediction for key.
func (s *Service) Predict(ctx context.Context, key model.PairKey) (model.PredictionResult, error) {
	return s.orchestrator.GetOrCreate(ctx, key)
}

// Refresh recomputes the prediction for key.
func (s *Service) Refresh(ctx context.Context, key model.PairKey) (model.PredictionResult, error) {
	return s.orchestrator.Refresh(ctx, key)
}

// BatchGenerate refreshes many keys.
func (s *Service) BatchGenerate(ctx context.Context, keys []model.PairKey) ([]model.PredictionResult, error) {
	return s.orchestrator.BatchGenerate(ctx, keys)
}

// PredictSession scores one scheduled session.
func (s *Service) PredictSession(ctx context.Context, req model.SessionRequest) (SessionPrediction, error) {
	return s.orchestrator.PredictSession(ctx, req)
}

// TopN returns the n riskiest entities.
func (s *Service) TopN(ctx context.Context, n int) ([]repository.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ranker == nil {
		return nil, ErrNotStarted
	}
	return s.ranker.TopN(ctx, n)
}

// Rank returns the ranking entry of an entity.
func (s *Service) Rank(ctx context.Context, entityID string) (repository.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ranker == nil {
		return repository.Entry{}, ErrNotStarted
	}
	return s.ranker.Rank(ctx, entityID)
}

// ReloadModel fetches the artifact of kind again.
func (s *Service) ReloadModel(ctx context.Context, kind model.PredictionKind) (*predictor.Artifact, error) {
	reg := s.registries[kind]
	if reg == nil {
		return nil, fmt.Errorf("%w: no model source configured for %s", model.ErrNotFound, kind)
	}
	return reg.Reload(ctx)
}

// Settings returns the current tunables.
func (s *Service) Settings() Settings { return s.settings.Get() }

// SetSettings replaces the tunables.
func (s *Service) SetSettings(next Settings) error { return s.settings.Set(next) }

// PatchSettings updates some tunables.
func (s *Service) PatchSettings(p SettingsPatch) (Settings, error) { return s.settings.Patch(p) }

// RefreshReport summarises RefreshAll.
type RefreshReport struct {
	Scores      aggregator.BatchReport
	Predictions []model.PredictionResult
	Keys        int
}

// RefreshAll recomputes the risk score of every tutor, then every persisted
// prediction.
func (s *Service) RefreshAll(ctx context.Context) (RefreshReport, error) {
	tutors, err := s.store.ListEntities(ctx, model.KindTutor)
	if err != nil {
		return RefreshReport{}, fmt.Errorf("list tutors: %w", err)
	}
	ids := make([]string, len(tutors))
	for i, t := range tutors {
		ids[i] = t.ID
	}

	var report RefreshReport
	report.Scores = s.aggregator.RecomputeAll(ctx, ids, s.settings.Get().RiskThreshold, time.Now())
	s.mu.RLock()
	for _, score := range report.Scores.Scores {
		if s.ranker != nil {
			s.ranker.Upsert(ctx, score)
		}
		s.orchestrator.CacheRiskScore(ctx, score)
	}
	s.mu.RUnlock()

	keys, err := s.store.ListPredictionKeys(ctx)
	if err != nil {
		return report, fmt.Errorf("list prediction keys: %w", err)
	}
	report.Keys = len(keys)
	report.Predictions, err = s.orchestrator.BatchGenerate(ctx, keys)
	return report, err
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error { return s.store.Ping(ctx) }

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx := context.Background()
	stats := map[string]any{
		"started":     s.started,
		"workerCount": s.workerCount,
		"queueSize":   s.queueSize,
		"dedupeSize":  s.deduper.Size(),
	}

	if s.started {
		queue := s.eventQueue.Load()
		queueLen := queue.Len(ctx)
		processed, failed := s.workerPool.Stats()

		stats["queueLength"] = queueLen
		stats["rankedEntities"] = s.ranker.Count(ctx)
		stats["highRiskEntities"] = s.ranker.HighRiskCount()
		stats["eventsProcessed"] = processed
		stats["eventsFailed"] = failed

		metrics.UpdateQueueSize(queueLen, queue.Capacity())
		metrics.UpdateWorkerCount(s.workerPool.Size())
	}

	return stats
}

// Size returns the current number of entries in the deduper, or -1 when the
// backend cannot tell.
func (s *Service) Size() int64 {
	return s.deduper.Size()
}
