// Package predictor loads classifier artifacts and turns feature vectors into
// probabilities, degrading to deterministic rules when no artifact is usable.
package predictor

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/okian/tutorrisk/internal/domain/model"
)

// KindLogisticRegression is the only artifact kind this runtime can evaluate.
const KindLogisticRegression = "logistic_regression"

// Artifact is a trained model plus the metadata needed to feed it.
// It is immutable once loaded.
type Artifact struct {
	Version      string             `json:"version"`
	Kind         string             `json:"kind"`
	FeatureNames []string           `json:"feature_names"`
	TrainedAt    time.Time          `json:"trained_at"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	Weights      []float64          `json:"weights"`
	Intercept    float64            `json:"intercept"`
	// Means and Scales standardise inputs when present.
	Means  []float64 `json:"means,omitempty"`
	Scales []float64 `json:"scales,omitempty"`
}

// ParseArtifact decodes and validates a JSON artifact.
func ParseArtifact(data []byte) (*Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: decode artifact: %w", model.ErrModelUnavailable, err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// Validate rejects artifacts this runtime cannot evaluate.
func (a *Artifact) Validate() error {
	switch {
	case a.Kind != KindLogisticRegression:
		return fmt.Errorf("%w: unsupported artifact kind %q", model.ErrModelUnavailable, a.Kind)
	case len(a.FeatureNames) == 0:
		return fmt.Errorf("%w: artifact has no feature names", model.ErrModelUnavailable)
	case len(a.Weights) != len(a.FeatureNames):
		return fmt.Errorf("%w: %d weights for %d features", model.ErrModelUnavailable, len(a.Weights), len(a.FeatureNames))
	case len(a.Means) != len(a.Scales):
		return fmt.Errorf("%w: %d means for %d scales", model.ErrModelUnavailable, len(a.Means), len(a.Scales))
	case len(a.Means) != 0 && len(a.Means) != len(a.FeatureNames):
		return fmt.Errorf("%w: %d means for %d features", model.ErrModelUnavailable, len(a.Means), len(a.FeatureNames))
	}
	seen := make(map[string]struct{}, len(a.FeatureNames))
	for _, n := range a.FeatureNames {
		if _, dup := seen[n]; dup {
			return fmt.Errorf("%w: duplicate feature %q", model.ErrModelUnavailable, n)
		}
		seen[n] = struct{}{}
	}
	for i, s := range a.Scales {
		if s == 0 || math.IsNaN(s) || math.IsInf(s, 0) {
			return fmt.Errorf("%w: invalid scale for %q", model.ErrModelUnavailable, a.FeatureNames[i])
		}
		if m := a.Means[i]; math.IsNaN(m) || math.IsInf(m, 0) {
			return fmt.Errorf("%w: invalid mean for %q", model.ErrModelUnavailable, a.FeatureNames[i])
		}
	}
	for _, w := range a.Weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("%w: non-finite weight", model.ErrModelUnavailable)
		}
	}
	return nil
}

// Probability evaluates sigmoid(b + sum(w_i * (x_i - mu_i) / s_i)).
// x must already follow FeatureNames.
func (a *Artifact) Probability(x []float64) (float64, error) {
	if len(x) != len(a.Weights) {
		return 0, fmt.Errorf("%w: got %d inputs for %d weights", model.ErrComputation, len(x), len(a.Weights))
	}
	scaled := len(a.Means) > 0
	if scaled && (len(a.Means) != len(x) || len(a.Scales) != len(x)) {
		return 0, fmt.Errorf("%w: %d means and %d scales for %d inputs", model.ErrComputation, len(a.Means), len(a.Scales), len(x))
	}
	z := a.Intercept
	for i, v := range x {
		if scaled {
			v = (v - a.Means[i]) / a.Scales[i]
		}
		z += a.Weights[i] * v
	}
	p := Sigmoid(z)
	if math.IsNaN(p) {
		return 0, fmt.Errorf("%w: non-finite score", model.ErrComputation)
	}
	return p, nil
}

// Sigmoid is the logistic function, stable for large |z|.
func Sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}
