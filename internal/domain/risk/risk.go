// Package risk maps probabilities onto discrete risk tiers.
package risk

import (
	"fmt"
	"math"

	"github.com/okian/tutorrisk/internal/domain/model"
)

// Default tier boundaries.
const (
	DefaultChurnLow       = 0.3
	DefaultChurnHigh      = 0.7
	DefaultRescheduleLow  = 0.15
	DefaultRescheduleHigh = 0.35
)

// Thresholds holds a validated pair of tier boundaries.
type Thresholds struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// NewThresholds validates 0 <= low < high <= 1.
func NewThresholds(low, high float64) (Thresholds, error) {
	if err := validate(low, high); err != nil {
		return Thresholds{}, err
	}
	return Thresholds{Low: low, High: high}, nil
}

// ChurnDefaults returns the default churn boundaries.
func ChurnDefaults() Thresholds {
	return Thresholds{Low: DefaultChurnLow, High: DefaultChurnHigh}
}

// RescheduleDefaults returns the default reschedule boundaries.
func RescheduleDefaults() Thresholds {
	return Thresholds{Low: DefaultRescheduleLow, High: DefaultRescheduleHigh}
}

// Validate re-checks a Thresholds built without NewThresholds.
func (t Thresholds) Validate() error {
	return validate(t.Low, t.High)
}

// Classify assigns the tier for p. Thresholds must already be valid.
func (t Thresholds) Classify(p float64) model.Tier {
	switch {
	case p < t.Low:
		return model.TierLow
	case p < t.High:
		return model.TierMedium
	default:
		return model.TierHigh
	}
}

// Classify assigns the tier for p after validating the boundaries.
func Classify(p, low, high float64) (model.Tier, error) {
	if err := validate(low, high); err != nil {
		return "", err
	}
	if math.IsNaN(p) {
		return "", fmt.Errorf("%w: probability is NaN", model.ErrValidation)
	}
	return Thresholds{Low: low, High: high}.Classify(p), nil
}

func validate(low, high float64) error {
	if math.IsNaN(low) || math.IsNaN(high) || low < 0 || high > 1 || low >= high {
		return fmt.Errorf("%w: thresholds must satisfy 0 <= low < high <= 1 (got low=%v high=%v)",
			model.ErrValidation, low, high)
	}
	return nil
}
