package dedupe_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	. "github.com/smartystreets/goconvey/convey"

	dedupe "github.com/okian/tutorrisk/internal/domain/dedupe"
)

func record(d dedupe.Deduper, id string) bool {
	seen, err := d.SeenAndRecord(context.Background(), id)
	So(err, ShouldBeNil)
	return seen
}

func TestInMemoryDeduper(t *testing.T) {
	Convey("Given a new InMemoryDeduper", t, func() {
		d := dedupe.NewInMemoryDeduper()
		So(d.Size(), ShouldEqual, 0)

		Convey("When an event id is recorded twice", func() {
			first := record(d, "evt-1")
			second := record(d, "evt-1")

			Convey("Then only the second call reports it as seen", func() {
				So(first, ShouldBeFalse)
				So(second, ShouldBeTrue)
				So(d.Size(), ShouldEqual, 1)
			})
		})

		Convey("When an id is unrecorded", func() {
			record(d, "evt-1")
			So(d.Unrecord(context.Background(), "evt-1"), ShouldBeNil)
			So(d.Unrecord(context.Background(), "never-seen"), ShouldBeNil)

			Convey("Then it is accepted again", func() {
				So(d.Size(), ShouldEqual, 0)
				So(record(d, "evt-1"), ShouldBeFalse)
			})
		})
	})

	Convey("Given a bounded deduper", t, func() {
		d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(3))
		for _, id := range []string{"a", "b", "c", "d"} {
			So(record(d, id), ShouldBeFalse)
		}

		Convey("The oldest id is evicted first", func() {
			So(d.Size(), ShouldEqual, 3)
			So(record(d, "d"), ShouldBeTrue)
			So(record(d, "c"), ShouldBeTrue)
			So(record(d, "a"), ShouldBeFalse)
			So(d.Size(), ShouldEqual, 3)
		})

		Convey("Unrecording from the middle keeps the order intact", func() {
			So(d.Unrecord(context.Background(), "c"), ShouldBeNil)
			So(record(d, "e"), ShouldBeFalse)
			So(record(d, "f"), ShouldBeFalse)
			So(record(d, "d"), ShouldBeTrue)
			So(record(d, "b"), ShouldBeFalse)
		})
	})

	Convey("Given an unbounded deduper", t, func() {
		d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(0))
		for i := 0; i < 1000; i++ {
			So(record(d, fmt.Sprintf("evt-%d", i)), ShouldBeFalse)
		}
		So(d.Size(), ShouldEqual, int64(1000))
	})
}

func TestDedupeConcurrency(t *testing.T) {
	Convey("Given concurrent deliveries of the same ids", t, func() {
		d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(1000))
		const workers = 10
		const ids = 100

		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			fresh int
		)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < ids; i++ {
					seen, _ := d.SeenAndRecord(context.Background(), fmt.Sprintf("evt-%d", i))
					if !seen {
						mu.Lock()
						fresh++
						mu.Unlock()
					}
				}
			}()
		}
		wg.Wait()

		Convey("Each id is accepted exactly once", func() {
			So(fresh, ShouldEqual, ids)
			So(d.Size(), ShouldEqual, int64(ids))
		})
	})
}

func TestRedisDeduper(t *testing.T) {
	Convey("Given a redis deduper whose server is unreachable", t, func() {
		client := redis.NewClient(&redis.Options{
			Addr:        "127.0.0.1:1",
			DialTimeout: 50 * time.Millisecond,
			MaxRetries:  -1,
		})
		defer client.Close()
		d := dedupe.NewRedisDeduper(client, dedupe.WithTTL(time.Minute), dedupe.WithKeyPrefix("test:"))

		Convey("Errors are returned instead of guessing", func() {
			_, err := d.SeenAndRecord(context.Background(), "evt-1")
			So(err, ShouldNotBeNil)
			So(d.Unrecord(context.Background(), "evt-1"), ShouldNotBeNil)
			So(d.Size(), ShouldEqual, -1)
		})
	})
}
