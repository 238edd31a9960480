package repository

import (
	"time"

	"github.com/okian/tutorrisk/pkg/logger"
)

// Option applies a configuration option to the RiskIndex.
type Option func(*RiskIndex)

// WithMetricsUpdateInterval sets the interval for background metrics updates.
func WithMetricsUpdateInterval(interval time.Duration) Option {
	return func(s *RiskIndex) {
		if interval > 0 {
			s.metricsUpdateInterval = interval
		}
	}
}

// WithSeed fixes the treap priority source, for reproducible tests.
func WithSeed(seed uint64) Option {
	return func(s *RiskIndex) {
		s.seed = seed
	}
}

// SQLOption configures a SQLStore.
type SQLOption func(*SQLStore)

// WithStoreLogger sets the logger used by the store.
func WithStoreLogger(l logger.Logger) SQLOption {
	return func(s *SQLStore) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides time.Now for created/updated columns.
func WithClock(now func() time.Time) SQLOption {
	return func(s *SQLStore) {
		if now != nil {
			s.now = now
		}
	}
}
