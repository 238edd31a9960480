package worker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smartystreets/goconvey/convey"

	queue "github.com/okian/tutorrisk/internal/adapters/mq/queue"
	worker "github.com/okian/tutorrisk/internal/adapters/mq/worker"
	model "github.com/okian/tutorrisk/internal/domain/model"
	logging "github.com/okian/tutorrisk/pkg/logger"
	"github.com/okian/tutorrisk/pkg/retry"
)

// Mock implementations for testing.
type mockQueue struct {
	eventChan chan queue.Event
	closeOnce sync.Once
}

func newMockQueue() *mockQueue {
	return &mockQueue{eventChan: make(chan queue.Event, 10)}
}

func (mq *mockQueue) Dequeue(ctx context.Context) <-chan queue.Event {
	return mq.eventChan
}

func (mq *mockQueue) Close() error {
	mq.closeOnce.Do(func() { close(mq.eventChan) })
	return nil
}

type mockProcessor struct {
	mu       sync.Mutex
	calls    map[string]int
	failures map[string][]error
}

func newMockProcessor() *mockProcessor {
	return &mockProcessor{calls: map[string]int{}, failures: map[string][]error{}}
}

func (m *mockProcessor) Process(ctx context.Context, e queue.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[e.EventID]++
	if errs := m.failures[e.EventID]; len(errs) > 0 {
		m.failures[e.EventID] = errs[1:]
		return errs[0]
	}
	return nil
}

func (m *mockProcessor) failWith(eventID string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[eventID] = errs
}

func (m *mockProcessor) callCount(eventID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[eventID]
}

func event(id string) model.Event {
	return model.Event{
		EventID:       id,
		EntityID:      "tutor-1",
		ScheduledTime: time.Now(),
		Status:        model.StatusCompleted,
		Initiator:     model.InitiatorEntity,
	}
}

var fastRetry = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}

func TestInMemoryWorker(t *testing.T) {
	convey.Convey("Given a running InMemoryWorker", t, func() {
		_ = logging.Init()

		q := newMockQueue()
		proc := newMockProcessor()
		w := worker.NewInMemoryWorker(q, proc, worker.WithName("test-worker"), worker.WithRetryPolicy(fastRetry))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go w.Run(ctx)

		waitFor := func(eventID string, calls int) {
			deadline := time.Now().Add(time.Second)
			for proc.callCount(eventID) < calls && time.Now().Before(deadline) {
				time.Sleep(2 * time.Millisecond)
			}
			time.Sleep(10 * time.Millisecond)
		}

		convey.Convey("When an event succeeds it is processed once", func() {
			q.eventChan <- event("event-1")
			waitFor("event-1", 1)
			convey.So(proc.callCount("event-1"), convey.ShouldEqual, 1)
			processed, failed := w.Stats()
			convey.So(processed, convey.ShouldEqual, 1)
			convey.So(failed, convey.ShouldEqual, 0)
		})

		convey.Convey("When a transient failure clears, the event is retried", func() {
			proc.failWith("event-2", errors.New("db blip"), errors.New("db blip"))
			q.eventChan <- event("event-2")
			waitFor("event-2", 3)
			convey.So(proc.callCount("event-2"), convey.ShouldEqual, 3)
			processed, _ := w.Stats()
			convey.So(processed, convey.ShouldEqual, 1)
		})

		convey.Convey("When a failure is permanent, it is not retried", func() {
			proc.failWith("event-3", fmt.Errorf("%w: bad status", model.ErrValidation))
			q.eventChan <- event("event-3")
			waitFor("event-3", 1)
			convey.So(proc.callCount("event-3"), convey.ShouldEqual, 1)
			_, failed := w.Stats()
			convey.So(failed, convey.ShouldEqual, 1)
		})

		convey.Convey("When retries run out, the event is counted as failed", func() {
			boom := errors.New("down")
			proc.failWith("event-4", boom, boom, boom, boom)
			q.eventChan <- event("event-4")
			waitFor("event-4", 3)
			convey.So(proc.callCount("event-4"), convey.ShouldEqual, 3)
			_, failed := w.Stats()
			convey.So(failed, convey.ShouldEqual, 1)
		})

		convey.Convey("When the processor panics, the event fails and the worker keeps running", func() {
			var panicked atomic.Int32
			pq := newMockQueue()
			pw := worker.NewInMemoryWorker(pq, worker.ProcessorFunc(func(ctx context.Context, e queue.Event) error {
				if e.EventID == "event-5" {
					panicked.Add(1)
					panic("index out of range")
				}
				return proc.Process(ctx, e)
			}), worker.WithName("panicky-worker"), worker.WithRetryPolicy(fastRetry))
			go pw.Run(ctx)

			pq.eventChan <- event("event-5")
			pq.eventChan <- event("event-6")
			waitFor("event-6", 1)
			convey.So(proc.callCount("event-6"), convey.ShouldEqual, 1)
			convey.So(panicked.Load(), convey.ShouldEqual, 1)
			processed, failed := pw.Stats()
			convey.So(processed, convey.ShouldEqual, 1)
			convey.So(failed, convey.ShouldEqual, 1)
		})

		convey.Convey("When shutting down", func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer shutdownCancel()
			convey.So(w.Shutdown(shutdownCtx), convey.ShouldBeNil)
		})
	})
}

func TestPool(t *testing.T) {
	convey.Convey("Given a pool over a real queue", t, func() {
		_ = logging.Init()

		q := queue.NewInMemoryQueue(queue.WithCapacity(100))
		var (
			mu   sync.Mutex
			seen = map[string]int{}
		)
		proc := worker.ProcessorFunc(func(ctx context.Context, e queue.Event) error {
			mu.Lock()
			seen[e.EventID]++
			mu.Unlock()
			return nil
		})
		pool := worker.NewPool(4, q, proc, worker.WithRetryPolicy(fastRetry))
		convey.So(pool.Size(), convey.ShouldEqual, 4)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		pool.Start(ctx)

		for i := 0; i < 50; i++ {
			convey.So(q.Enqueue(ctx, event(fmt.Sprintf("event-%d", i))), convey.ShouldBeNil)
		}

		convey.Convey("Shutdown drains every buffered event", func() {
			convey.So(pool.Shutdown(context.Background()), convey.ShouldBeNil)
			mu.Lock()
			defer mu.Unlock()
			convey.So(len(seen), convey.ShouldEqual, 50)
			for _, n := range seen {
				convey.So(n, convey.ShouldEqual, 1)
			}
			processed, failed := pool.Stats()
			convey.So(processed, convey.ShouldEqual, 50)
			convey.So(failed, convey.ShouldEqual, 0)
		})
	})
}
