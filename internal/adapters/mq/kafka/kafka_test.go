package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/tutorrisk/internal/domain/model"
	"github.com/okian/tutorrisk/pkg/logger"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	drained   chan struct{}
	once      sync.Once
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	return &fakeReader{msgs: msgs, drained: make(chan struct{})}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	r.once.Do(func() { close(r.drained) })
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

type fakeWriter struct {
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func encode(p model.EventPayload, offset int64) kafka.Message {
	b, _ := json.Marshal(p)
	return kafka.Message{Value: b, Offset: offset}
}

func payload(id string) model.EventPayload {
	return model.EventPayload{
		EventID:       id,
		TutorID:       "tutor-1",
		ScheduledTime: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		Status:        "completed",
	}
}

func TestConsumer(t *testing.T) {
	Convey("Given a consumer over a fake reader", t, func() {
		bad := payload("bad")
		bad.Status = "vanished"
		reader := newFakeReader(
			encode(payload("e-1"), 1),
			kafka.Message{Value: []byte("{not json"), Offset: 2},
			encode(bad, 3),
			encode(payload("e-2"), 4),
		)

		var (
			mu       sync.Mutex
			accepted []string
			busy     = 2
		)
		handler := func(ctx context.Context, e model.Event) error {
			mu.Lock()
			defer mu.Unlock()
			if e.EventID == "e-2" && busy > 0 {
				busy--
				return ErrBackpressure
			}
			accepted = append(accepted, e.EventID)
			return nil
		}
		c := NewConsumerWithReader(reader, handler, WithLogger(logger.Nop()), WithBackoff(time.Millisecond))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- c.Run(ctx) }()
		<-reader.drained
		cancel()

		Convey("Valid events reach the handler after backpressure clears", func() {
			So(<-done, ShouldBeNil)
			mu.Lock()
			defer mu.Unlock()
			So(accepted, ShouldResemble, []string{"e-1", "e-2"})
		})

		Convey("Every message is committed, poison ones included", func() {
			So(<-done, ShouldBeNil)
			reader.mu.Lock()
			defer reader.mu.Unlock()
			So(reader.committed, ShouldResemble, []int64{1, 2, 3, 4})
		})
	})
}

func TestConsumerRejection(t *testing.T) {
	Convey("A handler error other than backpressure drops the message", t, func() {
		reader := newFakeReader(encode(payload("e-1"), 7))
		calls := 0
		c := NewConsumerWithReader(reader, func(context.Context, model.Event) error {
			calls++
			return errors.New("store down")
		}, WithLogger(logger.Nop()))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- c.Run(ctx) }()
		<-reader.drained
		cancel()

		So(<-done, ShouldBeNil)
		So(calls, ShouldEqual, 1)
		So(reader.committed, ShouldResemble, []int64{7})
	})
}

func TestConfigValidation(t *testing.T) {
	Convey("Brokers and topic are required", t, func() {
		_, err := NewConsumer(Config{Topic: "sessions"}, nil)
		So(errors.Is(err, model.ErrValidation), ShouldBeTrue)
		_, err = NewProducer(Config{Brokers: []string{"localhost:9092"}})
		So(errors.Is(err, model.ErrValidation), ShouldBeTrue)
	})
}

func TestProducer(t *testing.T) {
	Convey("Events are published keyed by tutor", t, func() {
		w := &fakeWriter{}
		p := NewProducerWithWriter(w)
		e, err := payload("e-9").ToEvent()
		So(err, ShouldBeNil)
		So(p.Publish(context.Background(), e), ShouldBeNil)
		So(len(w.msgs), ShouldEqual, 1)
		So(string(w.msgs[0].Key), ShouldEqual, "tutor-1")

		var back model.EventPayload
		So(json.Unmarshal(w.msgs[0].Value, &back), ShouldBeNil)
		So(back.EventID, ShouldEqual, "e-9")
		So(p.Close(), ShouldBeNil)
	})
}
