// Package worker runs session events from the queue through a processor.
package worker

import (
	"time"

	"github.com/okian/tutorrisk/pkg/logger"
	"github.com/okian/tutorrisk/pkg/retry"
)

// Option applies a configuration option to the InMemoryWorker.
type Option func(*InMemoryWorker)

// WithName sets the worker name for identification and logging.
func WithName(name string) Option {
	return func(w *InMemoryWorker) {
		if name != "" {
			w.name = name
		}
	}
}

// WithLogger sets a custom logger for the worker.
func WithLogger(logger logger.Logger) Option {
	return func(w *InMemoryWorker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithRetryPolicy bounds how often a failed event is retried.
func WithRetryPolicy(p retry.Policy) Option {
	return func(w *InMemoryWorker) {
		w.policy = p
	}
}

// WithEventTimeout bounds the processing of one event, retries included.
func WithEventTimeout(d time.Duration) Option {
	return func(w *InMemoryWorker) {
		if d > 0 {
			w.eventTimeout = d
		}
	}
}
