package predictor

import (
	"github.com/okian/tutorrisk/internal/domain/features"
	"github.com/okian/tutorrisk/internal/domain/model"
)

// BaseRescheduleRate is the estimate for tutors without recent history.
const BaseRescheduleRate = 0.1

// Fallback returns the rule-based probability for kind:
// churn is 1 - compatibility; reschedule is the tutor's 30-day rate as a
// fraction, or BaseRescheduleRate when the tutor had no sessions in 30 days.
func Fallback(kind model.PredictionKind, v features.Vector) float64 {
	switch kind {
	case model.PredictionReschedule:
		total, _ := v.Get(features.TutorTotalSessions30d)
		if total <= 0 {
			return BaseRescheduleRate
		}
		rate, _ := v.Get(features.TutorRescheduleRate30d)
		return clamp(rate)
	default:
		c, ok := v.Get(features.CompatibilityScore)
		if !ok {
			return 0.5
		}
		return clamp(1 - c)
	}
}

func clamp(p float64) float64 {
	if p != p { // NaN
		return 0
	}
	return min(max(p, 0), 1)
}
