package model

import (
	"fmt"
	"strings"
	"time"
)

// PredictionKind names the model family that scored a result.
type PredictionKind string

// Prediction kinds.
const (
	PredictionChurn      PredictionKind = "churn"
	PredictionReschedule PredictionKind = "reschedule"
)

// ParsePredictionKind validates a wire value.
func ParsePredictionKind(s string) (PredictionKind, error) {
	switch k := PredictionKind(strings.ToLower(strings.TrimSpace(s))); k {
	case PredictionChurn, PredictionReschedule:
		return k, nil
	default:
		return "", fmt.Errorf("%w: unknown prediction kind %q", ErrValidation, s)
	}
}

// Tier is a discrete risk level.
type Tier string

// Tiers in ascending order.
const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// Rank orders tiers; unknown tiers rank below low.
func (t Tier) Rank() int {
	switch t {
	case TierLow:
		return 0
	case TierMedium:
		return 1
	case TierHigh:
		return 2
	default:
		return -1
	}
}

// ModelVersionFallback tags results produced without a trained model.
const ModelVersionFallback = "fallback"

// PairKey identifies a prediction. A pair (student, tutor) is scored for churn;
// a subject alone (tutor, "") for rescheduling.
type PairKey struct {
	SubjectID     string
	CounterpartID string
}

func (k PairKey) String() string {
	if k.CounterpartID == "" {
		return k.SubjectID
	}
	return k.SubjectID + ":" + k.CounterpartID
}

// PredictionResult is the persisted outcome of one scoring run.
type PredictionResult struct {
	ID              string
	SubjectID       string
	CounterpartID   string // "" when absent
	Kind            PredictionKind
	Probability     float64
	RiskTier        Tier
	ModelVersion    string
	Degraded        bool
	ComputedAt      time.Time
	FeatureSnapshot map[string]float64
}

// Key returns the uniqueness key of the result.
func (p PredictionResult) Key() PairKey {
	return PairKey{SubjectID: p.SubjectID, CounterpartID: p.CounterpartID}
}

// IsStale reports whether the result is older than freshness at now.
func (p PredictionResult) IsStale(now time.Time, freshness time.Duration) bool {
	return now.Sub(p.ComputedAt) > freshness
}

// SessionRequest asks for the reschedule risk of one upcoming session.
type SessionRequest struct {
	SessionID       string
	TutorID         string
	StudentID       string
	ScheduledTime   time.Time
	DurationMinutes int
}

// Validate checks the request is scorable.
func (r SessionRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.SessionID) == "":
		return fmt.Errorf("%w: missing session_id", ErrValidation)
	case strings.TrimSpace(r.TutorID) == "":
		return fmt.Errorf("%w: missing tutor_id", ErrValidation)
	case r.ScheduledTime.IsZero():
		return fmt.Errorf("%w: missing scheduled_time", ErrValidation)
	case r.DurationMinutes < 0:
		return fmt.Errorf("%w: negative duration", ErrValidation)
	}
	return nil
}
