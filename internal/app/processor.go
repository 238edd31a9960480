package service

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/okian/tutorrisk/internal/adapters/mq/worker"
	"github.com/okian/tutorrisk/internal/adapters/repository"
	"github.com/okian/tutorrisk/internal/domain/aggregator"
	"github.com/okian/tutorrisk/internal/domain/model"
	"github.com/okian/tutorrisk/pkg/keylock"
	"github.com/okian/tutorrisk/pkg/logger"
	"github.com/okian/tutorrisk/pkg/tracing"
)

// EventProcessor applies one session event: it persists the event, recomputes
// the entity's risk score, re-ranks it and refreshes dependent predictions.
type EventProcessor struct {
	store        repository.Store
	aggregator   *aggregator.Aggregator
	ranker       repository.Ranker
	orchestrator *Orchestrator
	settings     *Runtime
	locks        *keylock.Striped
	now          func() time.Time
	log          logger.Logger
}

// NewEventProcessor wires the processing pipeline. ranker may be nil.
func NewEventProcessor(
	store repository.Store,
	agg *aggregator.Aggregator,
	ranker repository.Ranker,
	orch *Orchestrator,
	settings *Runtime,
	log logger.Logger,
) *EventProcessor {
	if log == nil {
		log = logger.Get().Named("processor")
	}
	locks := keylock.New(0)
	if orch != nil {
		locks = orch.EntityLocks()
	}
	return &EventProcessor{
		store:        store,
		aggregator:   agg,
		ranker:       ranker,
		orchestrator: orch,
		settings:     settings,
		locks:        locks,
		now:          time.Now,
		log:          log,
	}
}

// Process implements worker.Processor.
func (p *EventProcessor) Process(ctx context.Context, e model.Event) (err error) {
	ctx, span := tracing.Start(ctx, "processor.Process",
		attribute.String("event_id", e.EventID),
		attribute.String("entity_id", e.EntityID),
	)
	defer func() { tracing.End(span, err) }()

	inserted, err := p.store.InsertEvent(ctx, e)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.EventID, err)
	}
	if !inserted {
		p.log.Debug(ctx, "event already stored", logger.String("event_id", e.EventID))
	}

	score, err := p.recompute(ctx, e.EntityID)
	if err != nil {
		return err
	}
	p.log.Debug(ctx, "risk score updated",
		logger.String("entity_id", score.EntityID),
		logger.Float64("rate_30d", score.Rate30d),
		logger.Bool("high_risk", score.IsHighRisk),
	)

	if p.orchestrator == nil {
		return nil
	}
	refreshed, err := p.orchestrator.RefreshEntity(ctx, e.EntityID)
	if err != nil {
		return fmt.Errorf("refresh predictions for %s: %w", e.EntityID, err)
	}
	if len(refreshed) > 0 {
		p.log.Debug(ctx, "predictions refreshed",
			logger.String("entity_id", e.EntityID),
			logger.Int("count", len(refreshed)),
		)
	}
	return nil
}

// recompute runs under the entity lock so that concurrent events of one
// entity publish their scores in order.
func (p *EventProcessor) recompute(ctx context.Context, entityID string) (model.RiskScore, error) {
	unlock, err := p.locks.Lock(ctx, entityID)
	if err != nil {
		return model.RiskScore{}, err
	}
	defer unlock()

	score, err := p.aggregator.UpdateRiskScore(ctx, entityID, p.settings.Get().RiskThreshold, p.now())
	if err != nil {
		return model.RiskScore{}, err
	}
	if p.ranker != nil {
		p.ranker.Upsert(ctx, score)
	}
	if p.orchestrator != nil {
		p.orchestrator.InvalidateEntity(ctx, entityID)
		p.orchestrator.CacheRiskScore(ctx, score)
	}
	return score, nil
}

var _ worker.Processor = (*EventProcessor)(nil)
