package api

import (
	"time"

	"github.com/okian/tutorrisk/internal/adapters/repository"
	service "github.com/okian/tutorrisk/internal/app"
	"github.com/okian/tutorrisk/internal/domain/model"
)

// riskScoreResponse mirrors the RiskScore schema in openapi.yaml.
type riskScoreResponse struct {
	EntityID         string    `json:"entity_id"`
	Rate7d           float64   `json:"rate_7d"`
	Rate30d          float64   `json:"rate_30d"`
	Rate90d          float64   `json:"rate_90d"`
	Total7d          int       `json:"total_7d"`
	Total30d         int       `json:"total_30d"`
	Total90d         int       `json:"total_90d"`
	Flagged7d        int       `json:"flagged_7d"`
	Flagged30d       int       `json:"flagged_30d"`
	Flagged90d       int       `json:"flagged_90d"`
	IsHighRisk       bool      `json:"is_high_risk"`
	ThresholdUsed    float64   `json:"threshold_used"`
	LastCalculatedAt time.Time `json:"last_calculated_at"`
}

func toRiskScore(r model.RiskScore) riskScoreResponse {
	return riskScoreResponse{
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
		LastCalculatedAt: r.LastCalculatedAt,
	}
}

type predictionResponse struct {
	ID              string             `json:"id,omitempty"`
	SessionID       string             `json:"session_id,omitempty"`
	SubjectID       string             `json:"subject_id"`
	CounterpartID   string             `json:"counterpart_id,omitempty"`
	Kind            string             `json:"kind"`
	Probability     float64            `json:"probability"`
	RiskTier        string             `json:"risk_tier"`
	ModelVersion    string             `json:"model_version"`
	Degraded        bool               `json:"degraded"`
	ComputedAt      time.Time          `json:"computed_at"`
	FeatureSnapshot map[string]float64 `json:"feature_snapshot,omitempty"`
}

func toPrediction(p model.PredictionResult) predictionResponse {
	return predictionResponse{
		ID:              p.ID,
		SubjectID:       p.SubjectID,
		CounterpartID:   p.CounterpartID,
		Kind:            string(p.Kind),
		Probability:     p.Probability,
		RiskTier:        string(p.RiskTier),
		ModelVersion:    p.ModelVersion,
		Degraded:        p.Degraded,
		ComputedAt:      p.ComputedAt,
		FeatureSnapshot: p.FeatureSnapshot,
	}
}

func toSessionPrediction(sp service.SessionPrediction) predictionResponse {
	out := toPrediction(sp.PredictionResult)
	out.SessionID = sp.SessionID
	return out
}

type pairRequest struct {
	SubjectID     string `json:"subject_id"`
	CounterpartID string `json:"counterpart_id,omitempty"`
}

func (p pairRequest) key() model.PairKey {
	return model.PairKey{SubjectID: p.SubjectID, CounterpartID: p.CounterpartID}
}

type batchRequest struct {
	Pairs []pairRequest `json:"pairs"`
}

type batchResponse struct {
	Requested   int                  `json:"requested"`
	Generated   int                  `json:"generated"`
	Predictions []predictionResponse `json:"predictions"`
}

type sessionRequest struct {
	SessionID       string    `json:"session_id"`
	TutorID         string    `json:"tutor_id"`
	StudentID       string    `json:"student_id,omitempty"`
	ScheduledTime   time.Time `json:"scheduled_time"`
	DurationMinutes int       `json:"duration_minutes,omitempty"`
}

func (s sessionRequest) toModel() model.SessionRequest {
	return model.SessionRequest{
		SessionID:       s.SessionID,
		TutorID:         s.TutorID,
		StudentID:       s.StudentID,
		ScheduledTime:   s.ScheduledTime,
		DurationMinutes: s.DurationMinutes,
	}
}

type entityRequest struct {
	Kind       string         `json:"kind"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type entityResponse struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type entryResponse struct {
	Rank       int     `json:"rank"`
	EntityID   string  `json:"entity_id"`
	Rate7d     float64 `json:"rate_7d"`
	Rate30d    float64 `json:"rate_30d"`
	Total30d   int     `json:"total_30d"`
	IsHighRisk bool    `json:"is_high_risk"`
}

func toEntry(e repository.Entry) entryResponse {
	return entryResponse{
		Rank:       e.Rank,
		EntityID:   e.EntityID,
		Rate7d:     e.Rate7d,
		Rate30d:    e.Rate30d,
		Total30d:   e.Total30d,
		IsHighRisk: e.IsHighRisk,
	}
}

type modelResponse struct {
	Kind         string             `json:"kind"`
	Version      string             `json:"version"`
	FeatureNames []string           `json:"feature_names"`
	TrainedAt    time.Time          `json:"trained_at"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
}

type thresholdsBody struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

type settingsResponse struct {
	Windows          [3]int         `json:"windows"`
	RiskThreshold    float64        `json:"risk_threshold"`
	Churn            thresholdsBody `json:"churn"`
	Reschedule       thresholdsBody `json:"reschedule"`
	FreshnessSeconds int64          `json:"freshness_seconds"`
}

func toSettings(s service.Settings) settingsResponse {
	return settingsResponse{
		Windows:          s.Windows,
		RiskThreshold:    s.RiskThreshold,
		Churn:            thresholdsBody{Low: s.Churn.Low, High: s.Churn.High},
		Reschedule:       thresholdsBody{Low: s.Reschedule.Low, High: s.Reschedule.High},
		FreshnessSeconds: int64(s.Freshness / time.Second),
	}
}

type settingsPatchRequest struct {
	Windows          *[3]int  `json:"windows,omitempty"`
	RiskThreshold    *float64 `json:"risk_threshold,omitempty"`
	ChurnLow         *float64 `json:"churn_low,omitempty"`
	ChurnHigh        *float64 `json:"churn_high,omitempty"`
	RescheduleLow    *float64 `json:"reschedule_low,omitempty"`
	RescheduleHigh   *float64 `json:"reschedule_high,omitempty"`
	FreshnessSeconds *int64   `json:"freshness_seconds,omitempty"`
}

func (p settingsPatchRequest) toPatch() service.SettingsPatch {
	out := service.SettingsPatch{
		Windows:        p.Windows,
		RiskThreshold:  p.RiskThreshold,
		ChurnLow:       p.ChurnLow,
		ChurnHigh:      p.ChurnHigh,
		RescheduleLow:  p.RescheduleLow,
		RescheduleHigh: p.RescheduleHigh,
	}
	if p.FreshnessSeconds != nil {
		d := time.Duration(*p.FreshnessSeconds) * time.Second
		out.Freshness = &d
	}
	return out
}
