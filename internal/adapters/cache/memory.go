package cache

import (
	"context"
	"sync"
	"time"

	"github.com/okian/tutorrisk/internal/domain/model"
	"github.com/okian/tutorrisk/pkg/metrics"
)

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

// Memory is a process-local Cache with lazy expiry.
type Memory struct {
	cfg settings

	mu          sync.RWMutex
	predictions map[model.PairKey]entry[model.PredictionResult]
	scores      map[string]entry[model.RiskScore]
}

// NewMemory returns an empty in-process cache.
func NewMemory(opts ...Option) *Memory {
	cfg := defaults()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Memory{
		cfg:         cfg,
		predictions: make(map[model.PairKey]entry[model.PredictionResult]),
		scores:      make(map[string]entry[model.RiskScore]),
	}
}

func (m *Memory) GetPrediction(_ context.Context, key model.PairKey) (model.PredictionResult, bool, error) {
	m.mu.RLock()
	e, ok := m.predictions[key]
	m.mu.RUnlock()
	if !ok || !m.cfg.now().Before(e.expiresAt) {
		metrics.RecordCacheLookup("memory_prediction", "miss")
		return model.PredictionResult{}, false, nil
	}
	metrics.RecordCacheLookup("memory_prediction", "hit")
	return e.value, true, nil
}

func (m *Memory) SetPrediction(_ context.Context, p model.PredictionResult) error {
	m.mu.Lock()
	m.predictions[p.Key()] = entry[model.PredictionResult]{value: p, expiresAt: m.cfg.now().Add(m.cfg.ttl)}
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeletePrediction(_ context.Context, key model.PairKey) error {
	m.mu.Lock()
	delete(m.predictions, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetRiskScore(_ context.Context, entityID string) (model.RiskScore, bool, error) {
	m.mu.RLock()
	e, ok := m.scores[entityID]
	m.mu.RUnlock()
	if !ok || !m.cfg.now().Before(e.expiresAt) {
		metrics.RecordCacheLookup("memory_risk", "miss")
		return model.RiskScore{}, false, nil
	}
	metrics.RecordCacheLookup("memory_risk", "hit")
	return e.value, true, nil
}

func (m *Memory) SetRiskScore(_ context.Context, s model.RiskScore) error {
	m.mu.Lock()
	m.scores[s.EntityID] = entry[model.RiskScore]{value: s, expiresAt: m.cfg.now().Add(m.cfg.ttl)}
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteRiskScore(_ context.Context, entityID string) error {
	m.mu.Lock()
	delete(m.scores, entityID)
	m.mu.Unlock()
	return nil
}

// Purge drops expired entries and returns how many were removed.
func (m *Memory) Purge() int {
	now := m.cfg.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.predictions {
		if !now.Before(e.expiresAt) {
			delete(m.predictions, k)
			n++
		}
	}
	for k, e := range m.scores {
		if !now.Before(e.expiresAt) {
			delete(m.scores, k)
			n++
		}
	}
	return n
}

var _ Cache = (*Memory)(nil)
