// Package cache keeps recently computed predictions and risk scores close to
// the API, in process memory or in redis.
package cache

import (
	"context"
	"time"

	"github.com/okian/tutorrisk/internal/domain/model"
)

// DefaultTTL matches the freshness window of risk scores.
const DefaultTTL = 5 * time.Minute

// Cache stores predictions keyed by pair and risk scores keyed by entity.
// Get methods report a miss with ok=false and a nil error.
type Cache interface {
	GetPrediction(ctx context.Context, key model.PairKey) (p model.PredictionResult, ok bool, err error)
	SetPrediction(ctx context.Context, p model.PredictionResult) error
	DeletePrediction(ctx context.Context, key model.PairKey) error

	GetRiskScore(ctx context.Context, entityID string) (s model.RiskScore, ok bool, err error)
	SetRiskScore(ctx context.Context, s model.RiskScore) error
	DeleteRiskScore(ctx context.Context, entityID string) error
}

// Option configures either cache implementation.
type Option func(*settings)

type settings struct {
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

func defaults() settings {
	return settings{ttl: DefaultTTL, prefix: "tutorrisk:", now: time.Now}
}

// WithTTL sets the entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *settings) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithKeyPrefix sets the redis key namespace.
func WithKeyPrefix(prefix string) Option {
	return func(s *settings) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithClock overrides time.Now for expiry in the memory cache.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}
