package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/okian/tutorrisk/internal/adapters/mq/queue"
	"github.com/okian/tutorrisk/internal/domain/model"
	"github.com/okian/tutorrisk/pkg/logger"
	"github.com/okian/tutorrisk/pkg/metrics"
	"github.com/okian/tutorrisk/pkg/retry"
)

// Default worker configuration constants.
const (
	defaultWorkerMultiplier = 2 // multiplier for runtime.NumCPU()
	defaultEventTimeout     = 30 * time.Second
	poolShutdownTimeout     = 30 * time.Second
)

// ErrPanic marks an event whose processor panicked. It is never retried.
var ErrPanic = errors.New("processor panicked")

// defaultPolicy is three attempts with growing backoff.
var defaultPolicy = retry.Policy{Attempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}

// Event abstracts what workers read off the queue.
type Event = queue.Event

// Processor handles one session event end to end.
type Processor interface {
	Process(ctx context.Context, e Event) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, e Event) error

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, e Event) error { return f(ctx, e) }

// Queue defines how workers receive events.
type Queue interface {
	Dequeue(ctx context.Context) <-chan Event
}

// Worker processes events until stopped.
type Worker interface {
	// Run starts the worker loop until ctx is canceled.
	Run(ctx context.Context)

	// Shutdown stops the worker after the event in hand.
	Shutdown(ctx context.Context) error
}

// InMemoryWorker implements Worker for processing events.
type InMemoryWorker struct {
	queue        Queue
	processor    Processor
	name         string
	policy       retry.Policy
	eventTimeout time.Duration

	processed atomic.Int64
	failed    atomic.Int64

	shutdown chan struct{}
	done     chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a new worker with configuration options.
func NewInMemoryWorker(queue Queue, processor Processor, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:        queue,
		processor:    processor,
		name:         "worker",
		policy:       defaultPolicy,
		eventTimeout: defaultEventTimeout,
		shutdown:     make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = logger.Get().Named(w.name)
	}
	return w
}

// Run starts the worker loop.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	eventChan := w.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case event, ok := <-eventChan:
			if !ok {
				return
			}
			if err := w.processEvent(ctx, event); err != nil {
				w.logger.Error(ctx, "error processing event",
					logger.String("event_id", event.EventID),
					logger.String("entity_id", event.EntityID),
					logger.Error(err),
				)
			}
		}
	}
}

// Shutdown gracefully stops the worker.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	select {
	case <-w.shutdown:
	default:
		close(w.shutdown)
	}

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// Stats returns processed and failed event counts.
func (w *InMemoryWorker) Stats() (processed, failed int64) {
	return w.processed.Load(), w.failed.Load()
}

// processEvent runs the processor with bounded retries. Validation,
// not-found and computation errors are not retried.
func (w *InMemoryWorker) processEvent(ctx context.Context, event Event) error { //nolint:gocritic // hugeParam: Event is passed by value for channel semantics
	start := time.Now()
	defer func() {
		metrics.RecordWorkerProcessingLatency(float64(time.Since(start).Milliseconds()))
	}()

	ctx, cancel := context.WithTimeout(ctx, w.eventTimeout)
	defer cancel()

	policy := w.policy
	policy.OnRetry = func(attempt int, err error) {
		metrics.RecordWorkerRetry()
		w.logger.Warn(ctx, "retrying event",
			logger.String("event_id", event.EventID),
			logger.Int("attempt", attempt),
			logger.Error(err),
		)
	}
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		err := w.safeProcess(ctx, event)
		if errors.Is(err, ErrPanic) {
			return retry.Permanent(err)
		}
		if err != nil && !model.Retryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		w.failed.Add(1)
		metrics.RecordWorkerError()
		metrics.RecordErrorByComponent("worker", "process_error")
		return fmt.Errorf("process event %s: %w", event.EventID, err)
	}
	w.processed.Add(1)
	return nil
}

// safeProcess turns a processor panic into an ErrPanic error so one event
// cannot take the worker down.
func (w *InMemoryWorker) safeProcess(ctx context.Context, event Event) (err error) { //nolint:gocritic // hugeParam: see processEvent
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordErrorByComponent("worker", "panic")
			w.logger.Error(ctx, "processor panicked",
				logger.String("event_id", event.EventID),
				logger.String("entity_id", event.EntityID),
				logger.Any("panic", r),
				logger.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return w.processor.Process(ctx, event)
}

// Pool manages multiple workers.
type Pool struct {
	workers []*InMemoryWorker
	queue   Queue
	logger  logger.Logger
}

// NewPool creates a new worker pool. opts apply to every worker.
func NewPool(workerCount int, queue Queue, processor Processor, opts ...Option) *Pool {
	if workerCount < 1 {
		workerCount = runtime.NumCPU() * defaultWorkerMultiplier
	}

	pool := &Pool{
		workers: make([]*InMemoryWorker, workerCount),
		queue:   queue,
		logger:  logger.Get().Named("worker-pool"),
	}
	for i := 0; i < workerCount; i++ {
		workerOpts := append([]Option{WithName("worker-" + strconv.Itoa(i))}, opts...)
		pool.workers[i] = NewInMemoryWorker(queue, processor, workerOpts...)
	}

	metrics.UpdateWorkerCount(workerCount)
	return pool
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Start starts all workers in the pool.
func (p *Pool) Start(ctx context.Context) {
	for _, worker := range p.workers {
		go worker.Run(ctx)
	}
}

// Stats sums processed and failed counts over all workers.
func (p *Pool) Stats() (processed, failed int64) {
	for _, w := range p.workers {
		ok, bad := w.Stats()
		processed += ok
		failed += bad
	}
	return processed, failed
}

// Shutdown closes the queue so buffered events drain, then waits for
// every worker to finish.
func (p *Pool) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	var timedOut bool
	for i, worker := range p.workers {
		select {
		case <-worker.done:
		case <-shutdownCtx.Done():
			timedOut = true
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
		}
	}
	metrics.UpdateWorkerCount(0)
	if timedOut {
		return fmt.Errorf("worker pool shutdown: %w", shutdownCtx.Err())
	}
	return nil
}
