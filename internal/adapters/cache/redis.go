package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/okian/tutorrisk/internal/domain/model"
	"github.com/okian/tutorrisk/pkg/metrics"
)

// Redis is a Cache shared between processes. Values are JSON with a TTL.
type Redis struct {
	client redis.Cmdable
	cfg    settings
}

// NewRedis wraps a redis client.
func NewRedis(client redis.Cmdable, opts ...Option) *Redis {
	cfg := defaults()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Redis{client: client, cfg: cfg}
}

func (r *Redis) predictionKey(key model.PairKey) string {
	return r.cfg.prefix + "prediction:" + key.String()
}

func (r *Redis) scoreKey(entityID string) string {
	return r.cfg.prefix + "tutor_score:" + entityID
}

func (r *Redis) GetPrediction(ctx context.Context, key model.PairKey) (model.PredictionResult, bool, error) {
	var p model.PredictionResult
	ok, err := r.get(ctx, "redis_prediction", r.predictionKey(key), &p)
	return p, ok, err
}

func (r *Redis) SetPrediction(ctx context.Context, p model.PredictionResult) error {
	return r.set(ctx, r.predictionKey(p.Key()), p)
}

func (r *Redis) DeletePrediction(ctx context.Context, key model.PairKey) error {
	if err := r.client.Del(ctx, r.predictionKey(key)).Err(); err != nil {
		return fmt.Errorf("cache del prediction %s: %w", key, err)
	}
	return nil
}

func (r *Redis) GetRiskScore(ctx context.Context, entityID string) (model.RiskScore, bool, error) {
	var s model.RiskScore
	ok, err := r.get(ctx, "redis_risk", r.scoreKey(entityID), &s)
	return s, ok, err
}

func (r *Redis) SetRiskScore(ctx context.Context, s model.RiskScore) error {
	return r.set(ctx, r.scoreKey(s.EntityID), s)
}

func (r *Redis) DeleteRiskScore(ctx context.Context, entityID string) error {
	if err := r.client.Del(ctx, r.scoreKey(entityID)).Err(); err != nil {
		return fmt.Errorf("cache del risk score %s: %w", entityID, err)
	}
	return nil
}

func (r *Redis) get(ctx context.Context, cache, key string, out any) (bool, error) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.RecordCacheLookup(cache, "miss")
		return false, nil
	}
	if err != nil {
		metrics.RecordCacheLookup(cache, "error")
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		// A value we cannot decode is treated as absent and dropped.
		metrics.RecordCacheLookup(cache, "corrupt")
		_ = r.client.Del(ctx, key).Err()
		return false, nil
	}
	metrics.RecordCacheLookup(cache, "hit")
	return true, nil
}

func (r *Redis) set(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	if err := r.client.Set(ctx, key, raw, r.cfg.ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

var _ Cache = (*Redis)(nil)
