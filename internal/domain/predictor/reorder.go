package predictor

import (
	"fmt"

	"github.com/okian/tutorrisk/internal/domain/features"
	"github.com/okian/tutorrisk/internal/domain/model"
)

// Reorder projects v onto names, in that exact order. Every name must be
// present in v; extra features in v are ignored. Missing names are a
// computation error, never zero-filled.
func Reorder(v features.Vector, names []string) ([]float64, error) {
	index := make(map[string]float64, len(v))
	for _, f := range v {
		index[f.Name] = f.Value
	}
	out := make([]float64, len(names))
	var missing []string
	for i, n := range names {
		val, ok := index[n]
		if !ok {
			missing = append(missing, n)
			continue
		}
		out[i] = val
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: feature vector lacks %v", model.ErrComputation, missing)
	}
	return out, nil
}
