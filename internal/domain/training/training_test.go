package training_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/tutorrisk/internal/domain/features"
	"github.com/okian/tutorrisk/internal/domain/model"
	"github.com/okian/tutorrisk/internal/domain/predictor"
	"github.com/okian/tutorrisk/internal/domain/training"
)

// synthetic draws rows whose label depends on the first column only; the
// second column is large-scale noise.
func synthetic(n int, seed uint64) training.Dataset {
	r := rand.New(rand.NewPCG(seed, 7))
	ds := training.Dataset{Names: []string{"signal", "noise"}}
	for i := 0; i < n; i++ {
		s := r.NormFloat64()
		ds.Add([]float64{s, r.NormFloat64() * 500}, r.Float64() < predictor.Sigmoid(3*s-1.5))
	}
	return ds
}

func TestTrain(t *testing.T) {
	Convey("Given a dataset with one informative feature", t, func() {
		train, test := synthetic(2000, 1).Split(0.25, 42)
		So(train.Len(), ShouldEqual, 1500)
		So(test.Len(), ShouldEqual, 500)

		fixed := func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }

		Convey("A standardised, regularised fit separates the classes", func() {
			opts := training.DefaultOptions()
			opts.Now = fixed
			art, err := training.Train(train, opts)
			So(err, ShouldBeNil)
			So(art.Kind, ShouldEqual, predictor.KindLogisticRegression)
			So(art.FeatureNames, ShouldResemble, []string{"signal", "noise"})
			So(len(art.Means), ShouldEqual, 2)
			So(art.Version, ShouldEqual, "20250601T000000Z")
			So(art.Weights[0], ShouldBeGreaterThan, 0)

			m, err := training.Evaluate(art, test)
			So(err, ShouldBeNil)
			So(m.AUC, ShouldBeGreaterThan, 0.8)
			So(m.Accuracy, ShouldBeGreaterThan, 0.7)
			So(m.CalibrationGap(), ShouldBeLessThan, 0.05)
			So(m.LogLoss, ShouldBeGreaterThan, 0)
		})

		Convey("Stronger L2 shrinks the weights", func() {
			weak := training.DefaultOptions()
			weak.L2 = 0
			strong := training.DefaultOptions()
			strong.L2 = 1
			a, err := training.Train(train, weak)
			So(err, ShouldBeNil)
			b, err := training.Train(train, strong)
			So(err, ShouldBeNil)
			So(b.Weights[0], ShouldBeLessThan, a.Weights[0])
		})

		Convey("The artifact round-trips through the predictor runtime", func() {
			art, err := training.Train(train, training.DefaultOptions())
			So(err, ShouldBeNil)
			p, err := art.Probability([]float64{2, 0})
			So(err, ShouldBeNil)
			q, err := art.Probability([]float64{-2, 0})
			So(err, ShouldBeNil)
			So(p, ShouldBeGreaterThan, q)
		})
	})

	Convey("Degenerate datasets are rejected", t, func() {
		_, err := training.Train(training.Dataset{Names: []string{"x"}}, training.DefaultOptions())
		So(errors.Is(err, training.ErrEmptyDataset), ShouldBeTrue)

		ds := training.Dataset{Names: []string{"x"}}
		ds.Add([]float64{1}, true)
		ds.Add([]float64{2}, true)
		_, err = training.Train(ds, training.DefaultOptions())
		So(errors.Is(err, training.ErrSingleClass), ShouldBeTrue)

		ds.Add([]float64{3, 4}, false)
		_, err = training.Train(ds, training.DefaultOptions())
		So(errors.Is(err, model.ErrValidation), ShouldBeTrue)
	})
}

func TestEvaluate(t *testing.T) {
	Convey("Given a fixed artifact and hand-made rows", t, func() {
		art := &predictor.Artifact{Kind: predictor.KindLogisticRegression, FeatureNames: []string{"x"}, Weights: []float64{10}}
		ds := training.Dataset{Names: []string{"x"}}
		ds.Add([]float64{1}, true)
		ds.Add([]float64{0.5}, true)
		ds.Add([]float64{-1}, false)
		ds.Add([]float64{0.2}, false)

		m, err := training.Evaluate(art, ds)
		So(err, ShouldBeNil)

		Convey("Confusion-based metrics follow the 0.5 threshold", func() {
			So(m.Rows, ShouldEqual, 4)
			So(m.Recall, ShouldEqual, 1.0)
			So(m.Precision, ShouldAlmostEqual, 2.0/3.0, 1e-9)
			So(m.Accuracy, ShouldEqual, 0.75)
			So(m.AUC, ShouldEqual, 1.0)
			So(m.BaseRate, ShouldEqual, 0.5)
			So(m.Map("test_"), ShouldContainKey, "test_roc_auc")
		})
	})
}

type fakeStore struct {
	entities map[string]model.Entity
	events   map[string][]model.Event
}

func (f *fakeStore) ListEntities(_ context.Context, kind model.EntityKind) ([]model.Entity, error) {
	var out []model.Entity
	for _, e := range f.entities {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) GetEntity(_ context.Context, id string) (model.Entity, error) {
	e, ok := f.entities[id]
	if !ok {
		return model.Entity{}, model.ErrNotFound
	}
	return e, nil
}

func (f *fakeStore) ListEvents(_ context.Context, id string, since, until time.Time) ([]model.Event, error) {
	var out []model.Event
	for _, e := range f.events[id] {
		if !e.ScheduledTime.Before(since) && !e.ScheduledTime.After(until) {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestBuilder(t *testing.T) {
	Convey("Given a tutor with sessions for two students", t, func() {
		until := time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)
		since := until.AddDate(0, 0, -120)
		store := &fakeStore{
			entities: map[string]model.Entity{
				"t1": {ID: "t1", Kind: model.KindTutor},
				"s1": {ID: "s1", Kind: model.KindStudent},
			},
			events: map[string][]model.Event{},
		}
		add := func(i int, student string, day int, flagged bool) {
			e := model.Event{
				EventID:       fmt.Sprintf("e%d", i),
				EntityID:      "t1",
				CounterpartID: student,
				ScheduledTime: since.AddDate(0, 0, day),
				Status:        model.StatusCompleted,
				Initiator:     model.InitiatorEntity,
			}
			if flagged {
				e.Status = model.StatusRescheduled
			}
			store.events["t1"] = append(store.events["t1"], e)
		}
		// s1 keeps booking until the end; s2 stops after day 20.
		for d := 0; d < 120; d += 10 {
			add(d, "s1", d, d%30 == 0)
		}
		add(1000, "s2", 5, false)
		add(1001, "s2", 20, true)

		b := training.Builder{Store: store, Windows: [3]int{7, 30, 90}, Threshold: 15}

		Convey("Reschedule rows are labelled by tutor-initiated reschedules", func() {
			ds, err := b.Reschedule(context.Background(), since, until)
			So(err, ShouldBeNil)
			So(ds.Len(), ShouldEqual, 14)
			So(ds.Names, ShouldResemble, features.SchemaV1.Names)
			So(ds.BaseRate(), ShouldAlmostEqual, 5.0/14.0, 1e-9)
		})

		Convey("Churn rows are labelled by whether the pair went quiet", func() {
			ds, err := b.Churn(context.Background(), since, until)
			So(err, ShouldBeNil)
			So(ds.Len(), ShouldEqual, 2)
			So(ds.Y, ShouldResemble, []float64{0, 1})
		})

		Convey("A column subset is honoured", func() {
			b.Names = []string{features.TutorRescheduleRate30d, features.DayOfWeek}
			ds, err := b.Reschedule(context.Background(), since, until)
			So(err, ShouldBeNil)
			So(len(ds.X[0]), ShouldEqual, 2)
		})
	})
}
