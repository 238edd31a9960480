package repository

import (
	"time"

	"gorm.io/datatypes"

	"github.com/okian/tutorrisk/internal/domain/model"
)

type entityRow struct {
	ID         string            `gorm:"column:id;primaryKey"`
	Kind       string            `gorm:"column:kind;not null;index"`
	Attributes datatypes.JSONMap `gorm:"column:attributes"`
	CreatedAt  time.Time         `gorm:"column:created_at;not null"`
	UpdatedAt  time.Time         `gorm:"column:updated_at;not null"`
}

func (entityRow) TableName() string { return "entities" }

type eventRow struct {
	EventID         string     `gorm:"column:event_id;primaryKey"`
	EntityID        string     `gorm:"column:entity_id;not null;index:idx_events_entity_time,priority:1"`
	CounterpartID   string     `gorm:"column:counterpart_id;not null;default:''"`
	ScheduledTime   time.Time  `gorm:"column:scheduled_time;not null;index:idx_events_entity_time,priority:2"`
	CompletedTime   *time.Time `gorm:"column:completed_time"`
	Status          string     `gorm:"column:status;not null"`
	Initiator       string     `gorm:"column:initiator;not null"`
	Reason          string     `gorm:"column:reason;not null;default:''"`
	DurationMinutes int        `gorm:"column:duration_minutes;not null;default:0"`
	CreatedAt       time.Time  `gorm:"column:created_at;not null"`
}

func (eventRow) TableName() string { return "events" }

type windowStatRow struct {
	EntityID         string    `gorm:"column:entity_id;primaryKey"`
	WindowDays       int       `gorm:"column:window_days;primaryKey"`
	TotalEvents      int       `gorm:"column:total_events;not null"`
	FlaggedEvents    int       `gorm:"column:flagged_events;not null"`
	Rate             float64   `gorm:"column:rate;not null"`
	LastCalculatedAt time.Time `gorm:"column:last_calculated_at;not null"`
}

func (windowStatRow) TableName() string { return "window_stats" }

type riskScoreRow struct {
	EntityID         string    `gorm:"column:entity_id;primaryKey"`
	Rate7d           float64   `gorm:"column:rate_7d;not null"`
	Rate30d          float64   `gorm:"column:rate_30d;not null;index"`
	Rate90d          float64   `gorm:"column:rate_90d;not null"`
	Total7d          int       `gorm:"column:total_7d;not null"`
	Total30d         int       `gorm:"column:total_30d;not null"`
	Total90d         int       `gorm:"column:total_90d;not null"`
	Flagged7d        int       `gorm:"column:flagged_7d;not null"`
	Flagged30d       int       `gorm:"column:flagged_30d;not null"`
	Flagged90d       int       `gorm:"column:flagged_90d;not null"`
	IsHighRisk       bool      `gorm:"column:is_high_risk;not null"`
	ThresholdUsed    float64   `gorm:"column:threshold_used;not null"`
	LastCalculatedAt time.Time `gorm:"column:last_calculated_at;not null"`
}

func (riskScoreRow) TableName() string { return "risk_scores" }

type predictionRow struct {
	ID              string                                 `gorm:"column:id;primaryKey"`
	SubjectID       string                                 `gorm:"column:subject_id;not null;uniqueIndex:idx_predictions_pair,priority:1"`
	CounterpartID   string                                 `gorm:"column:counterpart_id;not null;default:'';uniqueIndex:idx_predictions_pair,priority:2;index"`
	Kind            string                                 `gorm:"column:kind;not null"`
	Probability     float64                                `gorm:"column:probability;not null"`
	RiskTier        string                                 `gorm:"column:risk_tier;not null"`
	ModelVersion    string                                 `gorm:"column:model_version;not null"`
	Degraded        bool                                   `gorm:"column:degraded;not null"`
	ComputedAt      time.Time                              `gorm:"column:computed_at;not null"`
	FeatureSnapshot datatypes.JSONType[map[string]float64] `gorm:"column:feature_snapshot"`
}

func (predictionRow) TableName() string { return "predictions" }

func allModels() []any {
	return []any{&entityRow{}, &eventRow{}, &windowStatRow{}, &riskScoreRow{}, &predictionRow{}}
}

func entityFromRow(r entityRow) model.Entity {
	attrs := map[string]any(r.Attributes)
	if attrs == nil {
		attrs = map[string]any{}
	}
	return model.Entity{ID: r.ID, Kind: model.EntityKind(r.Kind), Attributes: attrs}
}

func eventToRow(e model.Event, now time.Time) eventRow {
	var completed *time.Time
	if e.CompletedTime != nil {
		t := e.CompletedTime.UTC()
		completed = &t
	}
	return eventRow{
		EventID:         e.EventID,
		EntityID:        e.EntityID,
		CounterpartID:   e.CounterpartID,
		ScheduledTime:   e.ScheduledTime.UTC(),
		CompletedTime:   completed,
		Status:          string(e.Status),
		Initiator:       string(e.Initiator),
		Reason:          e.Reason,
		DurationMinutes: e.DurationMinutes,
		CreatedAt:       now,
	}
}

func eventFromRow(r eventRow) model.Event {
	return model.Event{
		EventID:         r.EventID,
		EntityID:        r.EntityID,
		CounterpartID:   r.CounterpartID,
		ScheduledTime:   r.ScheduledTime.UTC(),
		CompletedTime:   r.CompletedTime,
		Status:          model.Status(r.Status),
		Initiator:       model.Initiator(r.Initiator),
		Reason:          r.Reason,
		DurationMinutes: r.DurationMinutes,
	}
}

func riskScoreToRow(s model.RiskScore) riskScoreRow {
	return riskScoreRow{
		EntityID:         s.EntityID,
		Rate7d:           s.Rate7d,
		Rate30d:          s.Rate30d,
		Rate90d:          s.Rate90d,
		Total7d:          s.Total7d,
		Total30d:         s.Total30d,
		Total90d:         s.Total90d,
		Flagged7d:        s.Flagged7d,
		Flagged30d:       s.Flagged30d,
		Flagged90d:       s.Flagged90d,
		IsHighRisk:       s.IsHighRisk,
		ThresholdUsed:    s.ThresholdUsed,
		LastCalculatedAt: s.LastCalculatedAt.UTC(),
	}
}

func riskScoreFromRow(r riskScoreRow) model.RiskScore {
	return model.RiskScore{
		EntityID:         r.EntityID,
		Rate7d:           r.Rate7d,
		Rate30d:          r.Rate30d,
		Rate90d:          r.Rate90d,
		Total7d:          r.Total7d,
		Total30d:         r.Total30d,
		Total90d:         r.Total90d,
		Flagged7d:        r.Flagged7d,
		Flagged30d:       r.Flagged30d,
		Flagged90d:       r.Flagged90d,
		IsHighRisk:       r.IsHighRisk,
		ThresholdUsed:    r.ThresholdUsed,
		LastCalculatedAt: r.LastCalculatedAt.UTC(),
	}
}

func predictionToRow(p model.PredictionResult) predictionRow {
	return predictionRow{
		ID:              p.ID,
		SubjectID:       p.SubjectID,
		CounterpartID:   p.CounterpartID,
		Kind:            string(p.Kind),
		Probability:     p.Probability,
		RiskTier:        string(p.RiskTier),
		ModelVersion:    p.ModelVersion,
		Degraded:        p.Degraded,
		ComputedAt:      p.ComputedAt.UTC(),
		FeatureSnapshot: datatypes.NewJSONType(p.FeatureSnapshot),
	}
}

func predictionFromRow(r predictionRow) model.PredictionResult {
	return model.PredictionResult{
		ID:              r.ID,
		SubjectID:       r.SubjectID,
		CounterpartID:   r.CounterpartID,
		Kind:            model.PredictionKind(r.Kind),
		Probability:     r.Probability,
		RiskTier:        model.Tier(r.RiskTier),
		ModelVersion:    r.ModelVersion,
		Degraded:        r.Degraded,
		ComputedAt:      r.ComputedAt.UTC(),
		FeatureSnapshot: r.FeatureSnapshot.Data(),
	}
}
