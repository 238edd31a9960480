package training

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/okian/tutorrisk/internal/domain/aggregator"
	"github.com/okian/tutorrisk/internal/domain/features"
	"github.com/okian/tutorrisk/internal/domain/model"
	"github.com/okian/tutorrisk/internal/domain/predictor"
)

const (
	// Features are taken this long before a session, as a scheduler would see them.
	predictionLead = time.Hour
	// A pair without sessions in this trailing period counts as churned.
	churnHorizon = 30 * 24 * time.Hour
)

// Store is what the dataset builders read.
type Store interface {
	ListEntities(ctx context.Context, kind model.EntityKind) ([]model.Entity, error)
	GetEntity(ctx context.Context, id string) (model.Entity, error)
	ListEvents(ctx context.Context, entityID string, since, until time.Time) ([]model.Event, error)
}

// Builder turns stored history into labelled datasets.
type Builder struct {
	Store     Store
	Windows   [3]int
	Threshold float64
	// Names selects the columns; empty means all of SchemaV1.
	Names []string
}

func (b Builder) names() []string {
	if len(b.Names) > 0 {
		return b.Names
	}
	return features.SchemaV1.Names
}

// Reschedule labels every session in [since, until] by whether the tutor
// rescheduled it, with features as of one hour before the session.
func (b Builder) Reschedule(ctx context.Context, since, until time.Time) (Dataset, error) {
	ds := Dataset{Names: b.names()}
	tutors, err := b.Store.ListEntities(ctx, model.KindTutor)
	if err != nil {
		return ds, fmt.Errorf("list tutors: %w", err)
	}
	lookback := time.Duration(b.Windows[2]) * 24 * time.Hour
	for _, tutor := range tutors {
		if err := ctx.Err(); err != nil {
			return ds, err
		}
		events, err := b.Store.ListEvents(ctx, tutor.ID, since.Add(-lookback), until)
		if err != nil {
			return ds, fmt.Errorf("list events for %s: %w", tutor.ID, err)
		}
		sortEvents(events)
		for _, e := range events {
			if e.ScheduledTime.Before(since) {
				continue
			}
			asOf := e.ScheduledTime.Add(-predictionLead)
			_, stats := aggregator.Summarize(tutor.ID, events, b.Windows, b.Threshold, asOf)
			count, rate := features.PairHistory(events, e.CounterpartID, e.ScheduledTime)
			v := features.Extract(features.Input{
				Subject: tutor,
				Stats:   &stats,
				Session: &features.SessionContext{
					ScheduledTime:         e.ScheduledTime,
					DurationMinutes:       e.DurationMinutes,
					SessionsWithStudent:   count,
					StudentRescheduleRate: rate,
				},
				Now: asOf,
			})
			x, err := predictor.Reorder(v, ds.Names)
			if err != nil {
				return ds, err
			}
			ds.Add(x, e.IsFlagged())
		}
	}
	return ds, nil
}

// Churn builds one row per (student, tutor) pair whose first session falls in
// [since, until-30d]. The label is whether the pair had no session in the
// final 30 days before until.
func (b Builder) Churn(ctx context.Context, since, until time.Time) (Dataset, error) {
	ds := Dataset{Names: b.names()}
	tutors, err := b.Store.ListEntities(ctx, model.KindTutor)
	if err != nil {
		return ds, fmt.Errorf("list tutors: %w", err)
	}
	lookback := time.Duration(b.Windows[2]) * 24 * time.Hour
	cutoff := until.Add(-churnHorizon)
	for _, tutor := range tutors {
		if err := ctx.Err(); err != nil {
			return ds, err
		}
		events, err := b.Store.ListEvents(ctx, tutor.ID, since.Add(-lookback), until)
		if err != nil {
			return ds, fmt.Errorf("list events for %s: %w", tutor.ID, err)
		}
		sortEvents(events)

		first := map[string]time.Time{}
		last := map[string]time.Time{}
		var order []string
		for _, e := range events {
			if e.CounterpartID == "" {
				continue
			}
			if _, ok := first[e.CounterpartID]; !ok {
				first[e.CounterpartID] = e.ScheduledTime
				order = append(order, e.CounterpartID)
			}
			last[e.CounterpartID] = e.ScheduledTime
		}
		for _, sid := range order {
			start := first[sid]
			if start.Before(since) || start.After(cutoff) {
				continue
			}
			student, err := b.Store.GetEntity(ctx, sid)
			if errors.Is(err, model.ErrNotFound) {
				student = model.Entity{ID: sid, Kind: model.KindStudent}
			} else if err != nil {
				return ds, fmt.Errorf("get student %s: %w", sid, err)
			}
			asOf := start.Add(-predictionLead)
			_, stats := aggregator.Summarize(tutor.ID, events, b.Windows, b.Threshold, asOf)
			t := tutor
			v := features.Extract(features.Input{Subject: student, Counterpart: &t, Stats: &stats, Now: asOf})
			x, err := predictor.Reorder(v, ds.Names)
			if err != nil {
				return ds, err
			}
			ds.Add(x, last[sid].Before(cutoff))
		}
	}
	return ds, nil
}

func sortEvents(events []model.Event) {
	slices.SortStableFunc(events, func(a, b model.Event) int {
		return a.ScheduledTime.Compare(b.ScheduledTime)
	})
}
