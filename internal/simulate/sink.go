package simulate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/tutorrisk/internal/adapters/mq/kafka"
	"github.com/okian/tutorrisk/internal/domain/model"
	"github.com/okian/tutorrisk/pkg/logger"
	"github.com/okian/tutorrisk/pkg/retry"
)

const (
	kafkaBatchSize = 500
	reportInterval = time.Second
)

// errBackpressure is retried; the service answered 429.
var errBackpressure = errors.New("service is applying backpressure")

// Sink delivers generated events to the service.
type Sink interface {
	Send(ctx context.Context, events []model.EventPayload, stats *Stats) error
	Close() error
}

// HTTPSink posts events to /v1/events with a pool of workers.
type HTTPSink struct {
	client  *Client
	workers int
	policy  retry.Policy
	log     logger.Logger
}

// NewHTTPSink returns a sink that retries 429 answers with policy.
func NewHTTPSink(client *Client, workers int, policy retry.Policy, log logger.Logger) *HTTPSink {
	return &HTTPSink{client: client, workers: workers, policy: policy, log: log}
}

// Send implements Sink.
func (s *HTTPSink) Send(ctx context.Context, events []model.EventPayload, stats *Stats) error {
	s.log.Info(ctx, "submitting events over http", logger.Int("events", len(events)), logger.Int("workers", s.workers))

	var (
		submitted int64
		accepted  int64
		duplicate int64
		failed    int64
		lastTick  atomic.Int64
	)

	eventChan := make(chan model.EventPayload, s.workers*2)
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for e := range eventChan {
				switch s.submit(ctx, e) {
				case http.StatusAccepted:
					atomic.AddInt64(&accepted, 1)
				case http.StatusOK:
					atomic.AddInt64(&duplicate, 1)
				default:
					atomic.AddInt64(&failed, 1)
				}
				n := atomic.AddInt64(&submitted, 1)

				now := time.Now().UnixNano()
				last := lastTick.Load()
				if now-last >= int64(reportInterval) && lastTick.CompareAndSwap(last, now) {
					s.log.Debug(ctx, "submission progress",
						logger.Int("submitted", int(n)),
						logger.Int("total", len(events)),
						logger.Int("failed", int(atomic.LoadInt64(&failed))),
					)
				}
			}
		}()
	}

	go func() {
		defer close(eventChan)
		for _, e := range events {
			select {
			case <-ctx.Done():
				return
			case eventChan <- e:
			}
		}
	}()
	wg.Wait()

	stats.EventsSubmitted += int(submitted)
	stats.EventsAccepted += int(accepted)
	stats.EventsDuplicate += int(duplicate)
	stats.EventsFailed += int(failed)
	s.log.Info(ctx, "event submission completed",
		logger.Int("accepted", int(accepted)),
		logger.Int("duplicate", int(duplicate)),
		logger.Int("failed", int(failed)),
	)
	return ctx.Err()
}

// submit returns the final HTTP status, or 0 when the request never landed.
func (s *HTTPSink) submit(ctx context.Context, e model.EventPayload) int {
	var status int
	err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		code, _, err := s.client.PostEvent(ctx, e)
		if err != nil {
			return err
		}
		status = code
		if code == http.StatusTooManyRequests {
			return errBackpressure
		}
		return nil
	})
	if err != nil {
		s.log.Debug(ctx, "event submission failed", logger.String("event_id", e.EventID), logger.Error(err))
		return 0
	}
	return status
}

// Close implements Sink.
func (s *HTTPSink) Close() error { return nil }

// Publisher is the producer side of the Kafka adapter.
type Publisher interface {
	Publish(ctx context.Context, events ...model.Event) error
	Close() error
}

// KafkaSink publishes events to the topic the service consumes.
type KafkaSink struct {
	producer Publisher
	log      logger.Logger
}

// NewKafkaSink builds a producer for cfg.
func NewKafkaSink(cfg kafka.Config, log logger.Logger) (*KafkaSink, error) {
	p, err := kafka.NewProducer(cfg)
	if err != nil {
		return nil, err
	}
	return NewKafkaSinkWithPublisher(p, log), nil
}

// NewKafkaSinkWithPublisher wraps an existing publisher.
func NewKafkaSinkWithPublisher(p Publisher, log logger.Logger) *KafkaSink {
	return &KafkaSink{producer: p, log: log}
}

// Send implements Sink. Kafka has no duplicate answer; every published event
// counts as accepted.
func (s *KafkaSink) Send(ctx context.Context, events []model.EventPayload, stats *Stats) error {
	s.log.Info(ctx, "publishing events to kafka", logger.Int("events", len(events)))
	batch := make([]model.Event, 0, kafkaBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		stats.EventsSubmitted += len(batch)
		if err := s.producer.Publish(ctx, batch...); err != nil {
			stats.EventsFailed += len(batch)
			return err
		}
		stats.EventsAccepted += len(batch)
		batch = batch[:0]
		return nil
	}
	for _, payload := range events {
		e, err := payload.ToEvent()
		if err != nil {
			stats.EventsFailed++
			s.log.Warn(ctx, "skipping invalid event", logger.String("event_id", payload.EventID), logger.Error(err))
			continue
		}
		batch = append(batch, e)
		if len(batch) == kafkaBatchSize {
			if err := flush(); err != nil {
				return fmt.Errorf("publish: %w", err)
			}
		}
	}
	if err := flush(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Close implements Sink.
func (s *KafkaSink) Close() error { return s.producer.Close() }
