// Package repository persists entities, events, risk aggregates and
// predictions, and keeps an in-memory ranking of entities by risk.
package repository

import (
	"context"
	"time"

	"github.com/okian/tutorrisk/internal/domain/model"
)

// Entry represents a row of the risk ranking.
type Entry struct {
	Rank       int
	EntityID   string
	Rate7d     float64
	Rate30d    float64
	Total30d   int
	IsHighRisk bool
}

// Ranker orders entities by their 30-day flagged rate.
type Ranker interface {
	// Upsert replaces the ranked score of an entity.
	Upsert(ctx context.Context, score model.RiskScore)
	// Rank returns the position of an entity. Returns ErrNotRanked if unknown.
	Rank(ctx context.Context, entityID string) (Entry, error)
	// TopN returns the riskiest n entities.
	TopN(ctx context.Context, n int) ([]Entry, error)
	// Count returns the number of ranked entities.
	Count(ctx context.Context) int
}

// Store is the persistence surface the application depends on.
type Store interface {
	GetEntity(ctx context.Context, id string) (model.Entity, error)
	UpsertEntity(ctx context.Context, e model.Entity) error
	ListEntities(ctx context.Context, kind model.EntityKind) ([]model.Entity, error)

	// InsertEvent stores e unless its EventID exists. Returns false for a duplicate.
	InsertEvent(ctx context.Context, e model.Event) (bool, error)
	ListEvents(ctx context.Context, entityID string, since, until time.Time) ([]model.Event, error)

	UpsertWindowStat(ctx context.Context, s model.WindowStat) error
	UpsertRiskScore(ctx context.Context, s model.RiskScore) error
	GetRiskScore(ctx context.Context, entityID string) (model.RiskScore, error)
	ListRiskScores(ctx context.Context) ([]model.RiskScore, error)

	UpsertPrediction(ctx context.Context, p model.PredictionResult) error
	GetPrediction(ctx context.Context, key model.PairKey) (model.PredictionResult, error)
	ListPredictionsInvolving(ctx context.Context, entityID string) ([]model.PredictionResult, error)
	ListPredictionKeys(ctx context.Context) ([]model.PairKey, error)

	Ping(ctx context.Context) error
	Close() error
}
