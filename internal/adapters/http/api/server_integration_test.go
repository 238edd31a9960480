package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/tutorrisk/internal/adapters/http/api"
	"github.com/okian/tutorrisk/internal/adapters/repository"
	service "github.com/okian/tutorrisk/internal/app"
	"github.com/okian/tutorrisk/pkg/logger"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

func TestServerWithService(t *testing.T) {
	Convey("Given the API over a started service", t, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		store, err := repository.Open(ctx, repository.SQLConfig{
			Driver:      repository.DriverSQLite,
			DSN:         ":memory:",
			AutoMigrate: true,
		}, repository.WithStoreLogger(logger.Nop()))
		So(err, ShouldBeNil)
		defer store.Close()

		svc := service.New(store, service.WithWorkerCount(2), service.WithLogger(logger.Nop()))
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop()

		h := api.NewServer(svc, api.WithLogger(logger.Nop())).Handler(ctx)

		So(do(h, http.MethodPut, "/v1/entities/tutor-1", `{"kind":"tutor"}`).Code, ShouldEqual, http.StatusOK)
		So(do(h, http.MethodPut, "/v1/entities/student-1", `{"kind":"student"}`).Code, ShouldEqual, http.StatusOK)

		Convey("When a flagged session is posted", func() {
			at := time.Now().UTC().Add(-2 * time.Hour).Format(time.RFC3339)
			w := do(h, http.MethodPost, "/v1/events", `{"event_id":"ev-1","tutor_id":"tutor-1","student_id":"student-1",
				"scheduled_time":"`+at+`","status":"rescheduled","reschedule_info":{"initiator":"tutor"}}`)
			So(w.Code, ShouldEqual, http.StatusAccepted)

			Convey("Then the tutor's risk becomes visible through the API", func() {
				var rate float64
				deadline := time.Now().Add(10 * time.Second)
				for time.Now().Before(deadline) {
					w := do(h, http.MethodGet, "/v1/risk/top?limit=1", "")
					if w.Code == http.StatusOK && w.Body.Len() > 3 {
						var out []map[string]any
						if jsonErr := json.Unmarshal(w.Body.Bytes(), &out); jsonErr == nil && len(out) == 1 {
							rate, _ = out[0]["rate_30d"].(float64)
							if rate > 0 {
								break
							}
						}
					}
					time.Sleep(20 * time.Millisecond)
				}
				So(rate, ShouldEqual, 100.0)
			})
		})

		Convey("When the churn prediction of the pair is requested", func() {
			w := do(h, http.MethodGet, "/v1/predictions?subject_id=student-1&counterpart_id=tutor-1", "")

			Convey("Then a fallback prediction is served", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				out := decode(w)
				So(out["kind"], ShouldEqual, "churn")
				So(out["model_version"], ShouldEqual, "fallback")
				So(out["id"], ShouldNotBeEmpty)
			})
		})

		Convey("When an unknown pair is requested", func() {
			w := do(h, http.MethodGet, "/v1/predictions?subject_id=student-9&counterpart_id=tutor-1", "")
			So(w.Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("When the model of a kind without a source is reloaded", func() {
			So(do(h, http.MethodPost, "/v1/model/reschedule/reload", "").Code, ShouldEqual, http.StatusNotFound)
		})
	})
}
