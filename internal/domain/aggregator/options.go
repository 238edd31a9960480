package aggregator

import (
	"github.com/okian/tutorrisk/pkg/logger"
	"github.com/okian/tutorrisk/pkg/retry"
)

// Option applies a configuration option to the Aggregator.
type Option func(*Aggregator)

// WithWindows sets the short, medium and long window sizes in days.
// Invalid sets are ignored.
func WithWindows(days [3]int) Option {
	return func(a *Aggregator) {
		if ValidateWindows(days) == nil {
			a.windows.Store(&days)
		}
	}
}

// WithConcurrency bounds RecomputeAll parallelism.
func WithConcurrency(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

// WithRetryPolicy sets the persistence retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(a *Aggregator) {
		if p.Attempts > 0 {
			a.retry = p
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.log = l
		}
	}
}
