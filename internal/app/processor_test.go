package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	service "github.com/okian/tutorrisk/internal/app"
	"github.com/okian/tutorrisk/internal/adapters/repository"
	"github.com/okian/tutorrisk/internal/domain/aggregator"
	"github.com/okian/tutorrisk/internal/domain/model"
	"github.com/okian/tutorrisk/pkg/logger"
)

func TestEventProcessor(t *testing.T) {
	Convey("Given a processor over a seeded store", t, func() {
		ctx := context.Background()
		store := newStore(t)
		seedPair(t, store)

		rt, _ := service.NewRuntime(service.DefaultSettings())
		agg := aggregator.New(store, store, store, aggregator.WithLogger(logger.Nop()))
		orch := newOrchestrator(store)
		index := repository.NewRiskIndex(ctx)
		defer index.Close()
		proc := service.NewEventProcessor(store, agg, index, orch, rt, logger.Nop())

		before, err := orch.Refresh(ctx, churnKey)
		So(err, ShouldBeNil)

		now := time.Now().UTC()

		Convey("A flagged event updates the score, the ranking and the predictions", func() {
			So(proc.Process(ctx, session("p-1", now.Add(-time.Hour), model.StatusRescheduled, model.InitiatorEntity)), ShouldBeNil)

			score, err := store.GetRiskScore(ctx, "tutor-1")
			So(err, ShouldBeNil)
			So(score.Rate30d, ShouldEqual, 100.0)
			So(score.IsHighRisk, ShouldBeTrue)

			entry, err := index.Rank(ctx, "tutor-1")
			So(err, ShouldBeNil)
			So(entry.Rank, ShouldEqual, 1)
			So(entry.IsHighRisk, ShouldBeTrue)

			after, err := store.GetPrediction(ctx, churnKey)
			So(err, ShouldBeNil)
			So(after.ID, ShouldEqual, before.ID)
			So(after.FeatureSnapshot["tutor_reschedule_rate_30d"], ShouldEqual, 1.0)
		})

		Convey("Replaying an event leaves the counts unchanged", func() {
			e := session("p-2", now.Add(-time.Hour), model.StatusCompleted, model.InitiatorEntity)
			So(proc.Process(ctx, e), ShouldBeNil)
			So(proc.Process(ctx, e), ShouldBeNil)

			score, err := store.GetRiskScore(ctx, "tutor-1")
			So(err, ShouldBeNil)
			So(score.Total30d, ShouldEqual, 1)
			So(score.Rate30d, ShouldEqual, 0.0)
		})

		Convey("An invalid event is a validation error", func() {
			e := session("", now, model.StatusCompleted, model.InitiatorEntity)
			err := proc.Process(ctx, e)
			So(errors.Is(err, model.ErrValidation), ShouldBeTrue)
			So(model.Retryable(err), ShouldBeFalse)
		})
	})
}
