package predictor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/okian/tutorrisk/internal/domain/features"
	"github.com/okian/tutorrisk/internal/domain/model"
	"github.com/okian/tutorrisk/pkg/logger"
	"github.com/okian/tutorrisk/pkg/metrics"
)

// Outcome is a scored probability and where it came from. Degraded outcomes
// were produced by Fallback; Cause says why.
type Outcome struct {
	Probability  float64
	ModelVersion string
	Degraded     bool
	Cause        string
}

// Predictor scores vectors for one model family.
type Predictor struct {
	kind     model.PredictionKind
	registry *Registry
	log      logger.Logger
}

// New creates a Predictor backed by registry. A nil registry always falls back.
func New(kind model.PredictionKind, registry *Registry, log logger.Logger) *Predictor {
	if log == nil {
		log = logger.Get().Named("predictor." + string(kind))
	}
	return &Predictor{kind: kind, registry: registry, log: log}
}

// Kind returns the model family.
func (p *Predictor) Kind() model.PredictionKind { return p.kind }

// Registry returns the backing registry, possibly nil.
func (p *Predictor) Registry() *Registry { return p.registry }

// Predict scores v. An unavailable artifact yields a degraded fallback outcome,
// never an error. A vector that does not cover the artifact's features is a
// model.ErrComputation error.
func (p *Predictor) Predict(ctx context.Context, v features.Vector) (Outcome, error) {
	start := time.Now()
	defer func() {
		metrics.RecordPredictionLatency(string(p.kind), float64(time.Since(start).Microseconds())/1000)
	}()

	art, err := p.load(ctx)
	if err != nil {
		return p.fallback(ctx, v, err), nil
	}
	x, err := Reorder(v, art.FeatureNames)
	if err != nil {
		metrics.RecordErrorByComponent("predictor", "feature_mismatch")
		return Outcome{}, fmt.Errorf("model %s: %w", art.Version, err)
	}
	prob, err := art.Probability(x)
	if err != nil {
		return Outcome{}, fmt.Errorf("model %s: %w", art.Version, err)
	}
	metrics.RecordPrediction(string(p.kind), "model")
	return Outcome{Probability: clamp(prob), ModelVersion: art.Version}, nil
}

func (p *Predictor) load(ctx context.Context) (*Artifact, error) {
	if p.registry == nil {
		return nil, fmt.Errorf("%w: %w", model.ErrModelUnavailable, ErrNoSource)
	}
	return p.registry.Load(ctx)
}

func (p *Predictor) fallback(ctx context.Context, v features.Vector, cause error) Outcome {
	if !errors.Is(cause, ErrNoSource) {
		p.log.Warn(ctx, "classifier unavailable, using fallback", logger.Error(cause))
	}
	metrics.RecordPrediction(string(p.kind), "fallback")
	return Outcome{
		Probability:  Fallback(p.kind, v),
		ModelVersion: model.ModelVersionFallback,
		Degraded:     true,
		Cause:        cause.Error(),
	}
}
