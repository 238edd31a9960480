package features

import "math"

// Compatibility weights and normalisation caps.
const (
	weightPace  = 0.3
	weightStyle = 0.3
	weightComm  = 0.2
	weightAge   = 0.2

	maxPaceMismatch = 4.0
	maxCommMismatch = 4.0
	maxAgeGap       = 20.0
)

// Mismatch holds the pairwise distance features. All fields are non-negative.
type Mismatch struct {
	Pace          float64
	Style         float64
	Communication float64
	Age           float64
}

// Compatibility returns 1 minus the weighted, normalised mismatch, in [0, 1].
func Compatibility(m Mismatch) float64 {
	norm := func(v, ceiling float64) float64 { return math.Min(math.Max(v, 0)/ceiling, 1) }
	weighted := weightPace*norm(m.Pace, maxPaceMismatch) +
		weightStyle*math.Min(math.Max(m.Style, 0), 1) +
		weightComm*norm(m.Communication, maxCommMismatch) +
		weightAge*norm(m.Age, maxAgeGap)
	return clamp01(1 - weighted)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(math.Max(v, 0), 1)
}
